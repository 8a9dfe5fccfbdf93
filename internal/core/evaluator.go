package core

import (
	"fmt"
	"sort"
)

// Ruleset is a compiled rule filter plus its override steps, ready to be
// evaluated against discovered entities. It is safe for concurrent use.
type Ruleset struct {
	filter *compiledFilter
	steps  []compiledStep
}

type compiledStep struct {
	step       int
	stop       bool
	filter     *compiledFilter
	operations []compiledOperation
}

// Result is the outcome of evaluating one discovered entity.
type Result struct {
	// Discovered is false when the rule filter rejected the entity; no
	// prototypes are produced in that case.
	Discovered   bool        `json:"discovered"`
	Prototypes   []Prototype `json:"prototypes"`
	AppliedSteps []int       `json:"applied_steps"`
	Stopped      bool        `json:"stopped"`
}

// NewRuleset compiles the rule-level filter and overrides. Steps are ordered
// by their step value, not by position.
func NewRuleset(filter *Filter, overrides []Override) (*Ruleset, error) {
	ruleFilter, err := compileFilter(filter)
	if err != nil {
		return nil, fmt.Errorf("compile rule filter: %w", err)
	}

	steps := make([]compiledStep, 0, len(overrides))
	for _, override := range overrides {
		stepFilter, err := compileFilter(override.Filter)
		if err != nil {
			return nil, fmt.Errorf("compile override %q filter: %w", override.Name, err)
		}
		operations := make([]compiledOperation, 0, len(override.Operations))
		for _, op := range override.Operations {
			compiled, err := compileOperation(op)
			if err != nil {
				return nil, fmt.Errorf("compile override %q operation: %w", override.Name, err)
			}
			operations = append(operations, compiled)
		}
		steps = append(steps, compiledStep{
			step:       override.Step,
			stop:       override.Stop == StopYes,
			filter:     stepFilter,
			operations: operations,
		})
	}

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].step < steps[j].step
	})

	return &Ruleset{filter: ruleFilter, steps: steps}, nil
}

// Evaluate runs the rule filter and then every override step against entity,
// mutating copies of prototypes. The input slice is never modified.
func (r *Ruleset) Evaluate(entity Entity, prototypes []Prototype) Result {
	if !r.filter.match(entity) {
		return Result{Prototypes: []Prototype{}, AppliedSteps: []int{}}
	}

	result := Result{
		Discovered:   true,
		Prototypes:   clonePrototypes(prototypes),
		AppliedSteps: []int{},
	}

	for _, step := range r.steps {
		if !step.filter.match(entity) {
			continue
		}

		result.AppliedSteps = append(result.AppliedSteps, step.step)
		for i := range result.Prototypes {
			for _, op := range step.operations {
				if op.matches(result.Prototypes[i]) {
					op.Apply(&result.Prototypes[i])
				}
			}
		}

		if step.stop {
			result.Stopped = true
			break
		}
	}

	return result
}

// EvaluateOverrides compiles and evaluates overrides for a single entity.
func EvaluateOverrides(overrides []Override, entity Entity, prototypes []Prototype) (Result, error) {
	ruleset, err := NewRuleset(nil, overrides)
	if err != nil {
		return Result{}, err
	}
	return ruleset.Evaluate(entity, prototypes), nil
}

func clonePrototypes(prototypes []Prototype) []Prototype {
	cloned := make([]Prototype, len(prototypes))
	for i, p := range prototypes {
		p.Tags = append([]Tag(nil), p.Tags...)
		p.TemplateIDs = append([]ID(nil), p.TemplateIDs...)
		cloned[i] = p
	}
	return cloned
}
