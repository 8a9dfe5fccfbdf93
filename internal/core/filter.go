package core

import (
	"fmt"
	"regexp"
	"strings"
)

// FormulaIDFor returns the generated formula id of the condition at index:
// A..Z, then AA, AB and so on.
func FormulaIDFor(index int) string {
	id := ""
	for index >= 0 {
		id = string(rune('A'+index%26)) + id
		index = index/26 - 1
	}
	return id
}

// NormalizeFilter assigns generated formula ids to the conditions of a
// non-expression filter, clears its formula and renders EvalFormula.
func NormalizeFilter(filter Filter) Filter {
	conditions := append([]Condition(nil), filter.Conditions...)
	if filter.EvalType != EvalExpression {
		filter.Formula = ""
		for i := range conditions {
			conditions[i].FormulaID = FormulaIDFor(i)
		}
	}
	filter.Conditions = conditions
	filter.EvalFormula = RenderEvalFormula(filter)
	return filter
}

// RenderEvalFormula renders the effective formula of a filter. Custom
// expressions are returned as written.
func RenderEvalFormula(filter Filter) string {
	switch filter.EvalType {
	case EvalExpression:
		return filter.Formula
	case EvalAnd, EvalOr:
		op := " and "
		if filter.EvalType == EvalOr {
			op = " or "
		}
		ids := make([]string, 0, len(filter.Conditions))
		for i, condition := range filter.Conditions {
			ids = append(ids, conditionID(condition, i))
		}
		return strings.Join(ids, op)
	default:
		groups := groupByMacro(filter.Conditions)
		parts := make([]string, 0, len(groups))
		for _, group := range groups {
			ids := make([]string, 0, len(group))
			for _, i := range group {
				ids = append(ids, conditionID(filter.Conditions[i], i))
			}
			part := strings.Join(ids, " or ")
			if len(ids) > 1 {
				part = "(" + part + ")"
			}
			parts = append(parts, part)
		}
		return strings.Join(parts, " and ")
	}
}

// EvaluateFilter reports whether entity satisfies filter. A nil filter always
// matches.
func EvaluateFilter(filter *Filter, entity Entity) (bool, error) {
	compiled, err := compileFilter(filter)
	if err != nil {
		return false, err
	}
	return compiled.match(entity), nil
}

type compiledCondition struct {
	Condition
	id      string
	pattern *regexp.Regexp
	invalid bool
}

type compiledFilter struct {
	evalType   EvalType
	conditions []compiledCondition
	groups     [][]int
	formula    *Formula
}

func compileFilter(filter *Filter) (*compiledFilter, error) {
	if filter == nil {
		return &compiledFilter{evalType: EvalAndOr}, nil
	}

	compiled := &compiledFilter{
		evalType:   filter.EvalType,
		conditions: make([]compiledCondition, len(filter.Conditions)),
	}
	for i, condition := range filter.Conditions {
		cc := compiledCondition{Condition: condition, id: conditionID(condition, i)}
		if condition.Operator == ConditionRegexp || condition.Operator == ConditionNotRegexp {
			if condition.Value != "" {
				re, err := regexp.Compile(condition.Value)
				if err != nil {
					cc.invalid = true
				} else {
					cc.pattern = re
				}
			}
		}
		compiled.conditions[i] = cc
	}

	switch filter.EvalType {
	case EvalExpression:
		formula, err := ParseFormula(filter.Formula)
		if err != nil {
			return nil, fmt.Errorf("parse filter formula: %w", err)
		}
		compiled.formula = formula
	case EvalAnd, EvalOr:
	default:
		compiled.evalType = EvalAndOr
		compiled.groups = groupByMacro(filter.Conditions)
	}

	return compiled, nil
}

func (f *compiledFilter) match(entity Entity) bool {
	results := make([]bool, len(f.conditions))
	for i, condition := range f.conditions {
		results[i] = condition.match(entity)
	}

	switch f.evalType {
	case EvalExpression:
		values := make(map[string]bool, len(results))
		for i, condition := range f.conditions {
			values[condition.id] = results[i]
		}
		return f.formula.Evaluate(values)
	case EvalAnd:
		for _, result := range results {
			if !result {
				return false
			}
		}
		return true
	case EvalOr:
		if len(results) == 0 {
			return true
		}
		for _, result := range results {
			if result {
				return true
			}
		}
		return false
	default:
		for _, group := range f.groups {
			matched := false
			for _, i := range group {
				if results[i] {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
		return true
	}
}

func (c compiledCondition) match(entity Entity) bool {
	value, present := entity[c.Macro]

	switch c.Operator {
	case ConditionExists:
		return present
	case ConditionNotExists:
		return !present
	case ConditionRegexp, ConditionNotRegexp:
		if !present || c.invalid {
			return false
		}
		want := c.Operator == ConditionRegexp
		if c.pattern == nil {
			return want
		}
		return c.pattern.MatchString(value) == want
	default:
		return false
	}
}

func conditionID(condition Condition, index int) string {
	if condition.FormulaID != "" {
		return condition.FormulaID
	}
	return FormulaIDFor(index)
}

// groupByMacro returns condition indexes grouped by macro in order of first
// appearance.
func groupByMacro(conditions []Condition) [][]int {
	positions := make(map[string]int)
	var groups [][]int
	for i, condition := range conditions {
		pos, ok := positions[condition.Macro]
		if !ok {
			pos = len(groups)
			positions[condition.Macro] = pos
			groups = append(groups, nil)
		}
		groups[pos] = append(groups[pos], i)
	}
	return groups
}
