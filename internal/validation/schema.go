package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Rule validates one decoded JSON value and returns its normalized form:
// integers become int64, ids become decimal strings, objects map[string]any
// and arrays []any.
type Rule interface {
	validate(value any, at location) (any, error)
}

type location struct {
	path   string
	parent string
	name   string
	// object holds the already validated siblings of the value.
	object map[string]any
}

// Validate checks value against rule, applies defaults, and then enforces
// uniqueness constraints over the normalized document.
func Validate(rule Rule, value any) (any, error) {
	out, err := rule.validate(value, location{path: "/"})
	if err != nil {
		return nil, err
	}
	if err := checkUnique(rule, out, "/"); err != nil {
		return nil, err
	}
	return out, nil
}

func join(path, segment string) string {
	if path == "/" {
		return "/" + segment
	}
	return path + "/" + segment
}

// Field is one named member of an Object. When is evaluated against the
// siblings validated so far and overrides Rule, Required and Default with
// the first matching case.
type Field struct {
	Name     string
	Rule     Rule
	Required bool
	Default  any
	When     []Case
}

// Case is one alternative of a conditional field. A nil If always matches.
type Case struct {
	If       func(object map[string]any) bool
	Rule     Rule
	Required bool
	Default  any
}

func (f Field) resolve(object map[string]any) (Rule, bool, any) {
	if len(f.When) == 0 {
		return f.Rule, f.Required, f.Default
	}
	for _, c := range f.When {
		if c.If == nil || c.If(object) {
			return c.Rule, c.Required, c.Default
		}
	}
	return Unexpected{}, false, nil
}

// FieldIn matches when the sibling integer field holds one of values.
func FieldIn(name string, values ...int64) func(map[string]any) bool {
	return func(object map[string]any) bool {
		got, ok := object[name].(int64)
		if !ok {
			return false
		}
		for _, v := range values {
			if got == v {
				return true
			}
		}
		return false
	}
}

// FieldAbsent matches when the sibling field was not supplied.
func FieldAbsent(name string) func(map[string]any) bool {
	return func(object map[string]any) bool {
		_, ok := object[name]
		return !ok
	}
}

// Object validates a JSON object with a fixed set of fields. An Object
// without fields must be empty unless it is Open, in which case unknown
// members are passed through unvalidated.
type Object struct {
	Fields []Field
	Open   bool
}

func (o Object) field(name string) bool {
	for _, f := range o.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (o Object) validate(value any, at location) (any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, Errorf(KindShape, at.path, "an array is expected")
	}

	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(o.Fields))
	for _, key := range keys {
		if o.field(key) {
			continue
		}
		if o.Open {
			out[key] = m[key]
			continue
		}
		if len(o.Fields) == 0 {
			return nil, Errorf(KindUnexpectedField, at.path, "should be empty")
		}
		return nil, Errorf(KindUnexpectedField, at.path, "unexpected parameter \"%s\"", key)
	}

	for _, f := range o.Fields {
		rule, required, def := f.resolve(out)
		raw, present := m[f.Name]
		if !present {
			if required {
				return nil, Errorf(KindRequiredField, at.path, "the parameter \"%s\" is missing", f.Name)
			}
			if def != nil {
				out[f.Name] = def
			}
			continue
		}

		normalized, err := rule.validate(raw, location{
			path:   join(at.path, f.Name),
			parent: at.path,
			name:   f.Name,
			object: out,
		})
		if err != nil {
			return nil, err
		}
		out[f.Name] = normalized
	}

	return out, nil
}

// UniqByValues allows at most one element whose Field holds any of Values.
type UniqByValues struct {
	Field  string
	Values []int64
}

// Objects validates a JSON array of objects.
type Objects struct {
	Element  Object
	NotEmpty bool
	// Normalize accepts a single object in place of an array.
	Normalize    bool
	Uniq         [][]string
	UniqByValues []UniqByValues
}

func (o Objects) validate(value any, at location) (any, error) {
	if m, ok := value.(map[string]any); ok && o.Normalize {
		value = []any{m}
	}
	list, ok := value.([]any)
	if !ok {
		return nil, Errorf(KindShape, at.path, "an array is expected")
	}
	if o.NotEmpty && len(list) == 0 {
		return nil, Errorf(KindShape, at.path, "cannot be empty")
	}

	out := make([]any, len(list))
	for i, element := range list {
		normalized, err := o.Element.validate(element, location{path: join(at.path, strconv.Itoa(i+1))})
		if err != nil {
			return nil, err
		}
		out[i] = normalized
	}
	return out, nil
}

// Unexpected rejects any supplied value, reporting it on the enclosing object.
type Unexpected struct{}

func (Unexpected) validate(_ any, at location) (any, error) {
	return nil, Errorf(KindUnexpectedField, at.parent, "unexpected parameter \"%s\"", at.name)
}

// Range is an inclusive integer range.
type Range struct {
	Min, Max int64
}

// Values returns single-value ranges.
func Values(values ...int64) []Range {
	ranges := make([]Range, len(values))
	for i, v := range values {
		ranges[i] = Range{Min: v, Max: v}
	}
	return ranges
}

func inRanges(ranges []Range, v int64) bool {
	for _, r := range ranges {
		if v >= r.Min && v <= r.Max {
			return true
		}
	}
	return false
}

func rangesReason(ranges []Range) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		if r.Min == r.Max {
			parts[i] = strconv.FormatInt(r.Min, 10)
		} else {
			parts[i] = fmt.Sprintf("%d-%d", r.Min, r.Max)
		}
	}
	if len(ranges) == 1 && ranges[0].Min == ranges[0].Max {
		return "value must be " + parts[0]
	}
	return "value must be one of " + strings.Join(parts, ", ")
}

// Int32 validates a 32-bit integer given as a number or a numeric string.
type Int32 struct {
	In []Range
}

var integerPattern = regexp.MustCompile(`^-?[0-9]+$`)

func (r Int32) validate(value any, at location) (any, error) {
	var text string
	switch v := value.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = v
	case int:
		text = strconv.Itoa(v)
	case int64:
		text = strconv.FormatInt(v, 10)
	case float64:
		if v != math.Trunc(v) {
			return nil, Errorf(KindShape, at.path, "an integer is expected")
		}
		text = strconv.FormatFloat(v, 'f', 0, 64)
	default:
		return nil, Errorf(KindShape, at.path, "an integer is expected")
	}

	if !integerPattern.MatchString(text) {
		return nil, Errorf(KindShape, at.path, "an integer is expected")
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
		return nil, Errorf(KindShape, at.path, "a number is too large")
	}
	if len(r.In) > 0 && !inRanges(r.In, n) {
		return nil, Errorf(KindEnumMembership, at.path, "%s", rangesReason(r.In))
	}
	return n, nil
}

// String validates a UTF-8 string.
type String struct {
	NotEmpty bool
	MaxLen   int
	In       []string
}

func checkString(value any, notEmpty bool, at location) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", Errorf(KindShape, at.path, "a character string is expected")
	}
	if notEmpty && s == "" {
		return "", Errorf(KindShape, at.path, "cannot be empty")
	}
	return s, nil
}

func checkLength(s string, max int, at location) error {
	if max > 0 && utf8.RuneCountInString(s) > max {
		return Errorf(KindShape, at.path, "value is too long")
	}
	return nil
}

func (r String) validate(value any, at location) (any, error) {
	s, err := checkString(value, r.NotEmpty, at)
	if err != nil {
		return nil, err
	}
	if r.In != nil {
		allowed := false
		for _, v := range r.In {
			if s == v {
				allowed = true
				break
			}
		}
		if !allowed {
			if len(r.In) == 1 && r.In[0] == "" {
				return nil, Errorf(KindEnumMembership, at.path, "value must be empty")
			}
			if len(r.In) == 1 {
				return nil, Errorf(KindEnumMembership, at.path, "value must be \"%s\"", r.In[0])
			}
			return nil, Errorf(KindEnumMembership, at.path, "value must be one of \"%s\"", strings.Join(r.In, "\", \""))
		}
	}
	if err := checkLength(s, r.MaxLen, at); err != nil {
		return nil, err
	}
	return s, nil
}

// ID validates an object identifier given as a number or numeric string.
type ID struct{}

var idPattern = regexp.MustCompile(`^[0-9]+$`)

func (ID) validate(value any, at location) (any, error) {
	var text string
	switch v := value.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = v
	case int:
		text = strconv.Itoa(v)
	case int64:
		text = strconv.FormatInt(v, 10)
	case uint64:
		text = strconv.FormatUint(v, 10)
	default:
		return nil, Errorf(KindShape, at.path, "a number is expected")
	}
	if !idPattern.MatchString(text) {
		return nil, Errorf(KindShape, at.path, "a number is expected")
	}
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil || n > math.MaxInt64 {
		return nil, Errorf(KindShape, at.path, "a number is too large")
	}
	return strconv.FormatUint(n, 10), nil
}

// LLDMacro validates a low-level discovery macro such as {#FSNAME}.
type LLDMacro struct {
	MaxLen int
}

var lldMacroPattern = regexp.MustCompile(`^\{#[A-Z0-9_.]+\}$`)

func (r LLDMacro) validate(value any, at location) (any, error) {
	s, err := checkString(value, true, at)
	if err != nil {
		return nil, err
	}
	if err := checkLength(s, r.MaxLen, at); err != nil {
		return nil, err
	}
	if !lldMacroPattern.MatchString(s) {
		return nil, Errorf(KindShape, at.path, "a low-level discovery macro is expected")
	}
	return s, nil
}

// CondFormulaID validates a condition formula id.
type CondFormulaID struct{}

var formulaIDPattern = regexp.MustCompile(`^[A-Z]+$`)

func (CondFormulaID) validate(value any, at location) (any, error) {
	s, err := checkString(value, true, at)
	if err != nil {
		return nil, err
	}
	if !formulaIDPattern.MatchString(s) {
		return nil, Errorf(KindShape, at.path, "uppercase identifier expected")
	}
	return s, nil
}

// Regex validates a non-empty regular expression.
type Regex struct{}

func (Regex) validate(value any, at location) (any, error) {
	s, err := checkString(value, true, at)
	if err != nil {
		return nil, err
	}
	if _, err := regexp.Compile(s); err != nil {
		return nil, Errorf(KindShape, at.path, "invalid regular expression")
	}
	return s, nil
}

// checkUnique walks a normalized document and enforces the uniqueness
// constraints declared by Objects rules.
func checkUnique(rule Rule, value any, path string) error {
	switch r := rule.(type) {
	case Object:
		m, _ := value.(map[string]any)
		for _, f := range r.Fields {
			child, ok := m[f.Name]
			if !ok {
				continue
			}
			fieldRule, _, _ := f.resolve(m)
			if err := checkUnique(fieldRule, child, join(path, f.Name)); err != nil {
				return err
			}
		}
	case Objects:
		list, _ := value.([]any)
		for _, fields := range r.Uniq {
			if err := uniqueBy(list, fields, path); err != nil {
				return err
			}
		}
		for _, byValues := range r.UniqByValues {
			if err := uniqueByValues(list, byValues, path); err != nil {
				return err
			}
		}
		for i, element := range list {
			if err := checkUnique(r.Element, element, join(path, strconv.Itoa(i+1))); err != nil {
				return err
			}
		}
	}
	return nil
}

func uniqueBy(list []any, fields []string, path string) error {
	seen := make(map[string]struct{}, len(list))
	for i, element := range list {
		m, _ := element.(map[string]any)
		values := make([]string, 0, len(fields))
		for _, field := range fields {
			v, ok := m[field]
			if !ok {
				break
			}
			values = append(values, fmt.Sprint(v))
		}
		if len(values) != len(fields) {
			continue
		}
		key := strings.Join(values, "\x00")
		if _, dup := seen[key]; dup {
			return Errorf(KindUniqueness, join(path, strconv.Itoa(i+1)),
				"value (%s)=(%s) already exists", strings.Join(fields, ", "), strings.Join(values, ", "))
		}
		seen[key] = struct{}{}
	}
	return nil
}

func uniqueByValues(list []any, rule UniqByValues, path string) error {
	found := false
	for i, element := range list {
		m, _ := element.(map[string]any)
		v, ok := m[rule.Field].(int64)
		if !ok {
			continue
		}
		match := false
		for _, candidate := range rule.Values {
			if v == candidate {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if found {
			values := make([]string, len(rule.Values))
			for j, candidate := range rule.Values {
				values[j] = strconv.FormatInt(candidate, 10)
			}
			return Errorf(KindUniqueness, join(path, strconv.Itoa(i+1)),
				"only one object can exist within the combinations of (%s)=((%s))", rule.Field, strings.Join(values, ", "))
		}
		found = true
	}
	return nil
}
