package validation

import (
	"fmt"
	"strconv"
	"strings"
)

// Preprocessing step types accepted on discovery rules.
const (
	PreprocRegsub             = 5
	PreprocXPath              = 11
	PreprocJSONPath           = 12
	PreprocValidateRegex      = 14
	PreprocValidateNotRegex   = 15
	PreprocErrorFieldJSON     = 16
	PreprocErrorFieldXML      = 17
	PreprocThrottleValue      = 19
	PreprocThrottleTimedValue = 20
	PreprocScript             = 21
	PreprocPrometheusPattern  = 22
	PreprocPrometheusToJSON   = 23
	PreprocCSVToJSON          = 24
	PreprocStrReplace         = 25
	PreprocXMLToJSON          = 27
)

// Preprocessing error handlers.
const (
	ErrorHandlerDefault  = 0
	ErrorHandlerDiscard  = 1
	ErrorHandlerSetValue = 2
	ErrorHandlerSetError = 3
)

var supportedPreprocessing = []int64{
	PreprocRegsub, PreprocXPath, PreprocJSONPath, PreprocValidateRegex, PreprocValidateNotRegex,
	PreprocErrorFieldJSON, PreprocErrorFieldXML, PreprocThrottleTimedValue, PreprocScript,
	PreprocPrometheusToJSON, PreprocCSVToJSON, PreprocStrReplace, PreprocXMLToJSON,
}

var preprocessingWithParams = []int64{
	PreprocRegsub, PreprocXPath, PreprocJSONPath, PreprocValidateRegex, PreprocValidateNotRegex,
	PreprocErrorFieldJSON, PreprocErrorFieldXML, PreprocThrottleTimedValue, PreprocScript,
	PreprocPrometheusToJSON, PreprocCSVToJSON, PreprocStrReplace,
}

var preprocessingWithErrorHandling = []int64{
	PreprocRegsub, PreprocXPath, PreprocJSONPath, PreprocValidateRegex, PreprocValidateNotRegex,
	PreprocErrorFieldJSON, PreprocErrorFieldXML, PreprocPrometheusToJSON, PreprocCSVToJSON,
	PreprocXMLToJSON,
}

const preprocParamsMaxLen = 65535

var nonEmptyParam = Field{Name: "1", Rule: String{NotEmpty: true}, Required: true}

// paramRules holds the schema of the newline-separated params of each
// preprocessing type. Params are addressed as "1", "2", ...
var paramRules = map[int64]Object{
	PreprocRegsub: {Fields: []Field{
		{Name: "1", Rule: Regex{}, Required: true},
		{Name: "2", Rule: String{NotEmpty: true}, Required: true},
	}},
	PreprocXPath:              {Fields: []Field{nonEmptyParam}},
	PreprocJSONPath:           {Fields: []Field{nonEmptyParam}},
	PreprocValidateRegex:      {Fields: []Field{{Name: "1", Rule: Regex{}, Required: true}}},
	PreprocValidateNotRegex:   {Fields: []Field{{Name: "1", Rule: Regex{}, Required: true}}},
	PreprocErrorFieldJSON:     {Fields: []Field{nonEmptyParam}},
	PreprocErrorFieldXML:      {Fields: []Field{nonEmptyParam}},
	PreprocThrottleTimedValue: {Fields: []Field{{Name: "1", Rule: TimeUnit{NotEmpty: true, AllowUserMacro: true, In: []Range{{Min: 1, Max: MaxTimeUnit}}}, Required: true}}},
	PreprocScript:             {Fields: []Field{nonEmptyParam}},
	PreprocPrometheusToJSON:   {Fields: []Field{{Name: "1", Rule: String{}, Required: true}}},
	PreprocCSVToJSON: {Fields: []Field{
		{Name: "1", Rule: String{MaxLen: 1}, Required: true},
		{Name: "2", Rule: String{MaxLen: 1}, Required: true},
		{Name: "3", Rule: Int32{In: Values(0, 1)}, Required: true},
	}},
	PreprocStrReplace: {Fields: []Field{
		nonEmptyParam,
		{Name: "2", Rule: String{}, Default: ""},
	}},
}

// PreprocParams validates the params blob of a preprocessing step against
// the schema of the sibling "type" field. The normalized blob is re-joined
// with "\n".
type PreprocParams struct{}

func (PreprocParams) validate(value any, at location) (any, error) {
	s, err := checkString(value, false, at)
	if err != nil {
		return nil, err
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if err := checkLength(s, preprocParamsMaxLen, at); err != nil {
		return nil, err
	}

	preprocType, _ := at.object["type"].(int64)
	rule, ok := paramRules[preprocType]
	if !ok {
		return nil, Errorf(KindUnexpectedField, at.parent, "unexpected parameter \"%s\"", at.name)
	}

	params := make(map[string]any)
	if preprocType == PreprocScript {
		params["1"] = s
	} else {
		for i, param := range strings.Split(s, "\n") {
			params[strconv.Itoa(i+1)] = param
		}
	}

	normalized, err := rule.validate(params, at)
	if err != nil {
		return nil, err
	}
	values := normalized.(map[string]any)
	joined := make([]string, 0, len(values))
	for i := 1; i <= len(values); i++ {
		joined = append(joined, fmt.Sprint(values[strconv.Itoa(i)]))
	}
	return strings.Join(joined, "\n"), nil
}

// PreprocessingSteps is the schema of a discovery rule preprocessing list.
// Steps carry no identity; their order defines the step number.
func PreprocessingSteps() Objects {
	return Objects{
		Normalize: true,
		// Types 19 and 22 are rejected by the type field; they stay listed so
		// the error names the whole combination.
		UniqByValues: []UniqByValues{
			{Field: "type", Values: []int64{PreprocThrottleValue, PreprocThrottleTimedValue}},
			{Field: "type", Values: []int64{PreprocPrometheusPattern, PreprocPrometheusToJSON}},
		},
		Element: Object{Fields: []Field{
			{Name: "type", Rule: Int32{In: Values(supportedPreprocessing...)}, Required: true},
			{Name: "params", When: []Case{
				{If: FieldIn("type", preprocessingWithParams...), Rule: PreprocParams{}, Required: true},
				{Rule: String{In: []string{""}}, Default: ""},
			}},
			{Name: "error_handler", When: []Case{
				{If: FieldIn("type", preprocessingWithErrorHandling...), Rule: Int32{In: Values(
					ErrorHandlerDefault, ErrorHandlerDiscard, ErrorHandlerSetValue, ErrorHandlerSetError,
				)}, Required: true},
				{Rule: Int32{In: Values(ErrorHandlerDefault)}, Default: int64(ErrorHandlerDefault)},
			}},
			{Name: "error_handler_params", When: []Case{
				{If: FieldIn("error_handler", ErrorHandlerSetValue), Rule: String{MaxLen: 255}, Required: true},
				{If: FieldIn("error_handler", ErrorHandlerSetError), Rule: String{NotEmpty: true, MaxLen: 255}, Required: true},
				{Rule: String{In: []string{""}}, Default: ""},
			}},
		}},
	}
}
