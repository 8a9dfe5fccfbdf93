package validation

import (
	"errors"
	"strconv"

	"github.com/matt-riley/lldrules/internal/core"
)

// TemplateRef is an optemplate reference together with the path it was
// submitted at.
type TemplateRef struct {
	Path       string
	TemplateID string
}

// CheckRules runs the cross-field checks that need a fully normalized rule
// list: filter formulas against their condition ids, and at least one
// sub-action per override operation.
func CheckRules(rules []any) error {
	for i, rule := range rules {
		m, _ := rule.(map[string]any)
		base := join("/", strconv.Itoa(i+1))
		if filter, ok := m["filter"].(map[string]any); ok {
			if err := checkFilterFormula(filter, join(base, "filter")); err != nil {
				return err
			}
		}
		overrides, _ := m["overrides"].([]any)
		for j, override := range overrides {
			if err := checkOverride(override, join(join(base, "overrides"), strconv.Itoa(j+1))); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkOverride(value any, path string) error {
	override, _ := value.(map[string]any)
	if filter, ok := override["filter"].(map[string]any); ok {
		if err := checkFilterFormula(filter, join(path, "filter")); err != nil {
			return err
		}
	}
	operations, _ := override["operations"].([]any)
	for k, operation := range operations {
		op, _ := operation.(map[string]any)
		present := false
		for _, action := range core.SubActions {
			if _, ok := op[string(action)]; ok {
				present = true
				break
			}
		}
		if !present {
			return Errorf(KindRequiredField, join(join(path, "operations"), strconv.Itoa(k+1)),
				"at least one operation action must be specified")
		}
	}
	return nil
}

func checkFilterFormula(filter map[string]any, path string) error {
	evaltype, _ := filter["evaltype"].(int64)
	if core.EvalType(evaltype) != core.EvalExpression {
		return nil
	}
	source, _ := filter["formula"].(string)
	formula, err := core.ParseFormula(source)
	if err != nil {
		return Errorf(KindShape, join(path, "formula"), "%s", err.Error())
	}

	conditions, _ := filter["conditions"].([]any)
	ids := make([]string, len(conditions))
	for i, condition := range conditions {
		c, _ := condition.(map[string]any)
		ids[i], _ = c["formulaid"].(string)
	}

	err = formula.CheckConstants(ids)
	var undefined *core.UndefinedConditionError
	if !errors.As(err, &undefined) {
		return err
	}
	if undefined.ConditionIndex < 0 {
		return Errorf(KindCrossFieldConstraint, join(path, "formula"), "%s", undefined.Error())
	}
	return Errorf(KindCrossFieldConstraint,
		join(join(join(path, "conditions"), strconv.Itoa(undefined.ConditionIndex+1)), "formulaid"),
		"%s", undefined.Error())
}

// TemplateRefs lists every optemplate reference in a normalized rule list in
// submission order.
func TemplateRefs(rules []any) []TemplateRef {
	var refs []TemplateRef
	for i, rule := range rules {
		m, _ := rule.(map[string]any)
		overrides, _ := m["overrides"].([]any)
		for j, override := range overrides {
			o, _ := override.(map[string]any)
			operations, _ := o["operations"].([]any)
			for k, operation := range operations {
				op, _ := operation.(map[string]any)
				templates, _ := op[string(core.SubActionTemplate)].([]any)
				for l, template := range templates {
					t, _ := template.(map[string]any)
					id, _ := t["templateid"].(string)
					refs = append(refs, TemplateRef{
						Path: "/" + strconv.Itoa(i+1) +
							"/overrides/" + strconv.Itoa(j+1) +
							"/operations/" + strconv.Itoa(k+1) +
							"/optemplate/" + strconv.Itoa(l+1) + "/templateid",
						TemplateID: id,
					})
				}
			}
		}
	}
	return refs
}

// CheckTemplated rejects changes to read-only children of an inherited rule.
// With strict set, preprocessing changes are rejected too; otherwise the
// caller is expected to drop them. path addresses the submitted rule.
func CheckTemplated(entry map[string]any, path string, strict bool) error {
	if _, ok := entry["lld_macro_paths"]; ok {
		return Errorf(KindCrossFieldConstraint, path,
			"cannot update readonly parameter \"%s\" of inherited object", "lld_macro_paths")
	}
	if _, ok := entry["preprocessing"]; ok && strict {
		return Errorf(KindCrossFieldConstraint, path,
			"cannot update readonly parameter \"%s\" of inherited object", "preprocessing")
	}
	return nil
}
