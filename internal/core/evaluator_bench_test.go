package core

import (
	"fmt"
	"testing"
)

func BenchmarkRulesetEvaluate_NoOverrides(b *testing.B) {
	ruleset, err := NewRuleset(nil, nil)
	if err != nil {
		b.Fatalf("NewRuleset() error = %v", err)
	}
	entity := Entity{"{#FSNAME}": "/", "{#FSTYPE}": "ext4"}
	prototypes := []Prototype{{Kind: ItemPrototype, Name: "Free space on {#FSNAME}"}}

	b.ResetTimer()
	for b.Loop() {
		ruleset.Evaluate(entity, prototypes)
	}
}

func BenchmarkRulesetEvaluate_ManySteps(b *testing.B) {
	overrides := make([]Override, 15)
	for i := range overrides {
		overrides[i] = Override{
			Name: fmt.Sprintf("override-%d", i),
			Step: i + 1,
			Filter: &Filter{
				EvalType: EvalAndOr,
				Conditions: []Condition{
					{Macro: "{#FSTYPE}", Operator: ConditionRegexp, Value: fmt.Sprintf("^type-%d$", i)},
					{Macro: "{#FSNAME}", Operator: ConditionExists},
				},
			},
			Operations: []Operation{
				{OperationObject: ItemPrototype, Operator: MatchLike, Value: "space", OpHistory: &OpHistory{History: "1d"}},
				{OperationObject: TriggerPrototype, Operator: MatchRegexp, Value: "^Low", OpSeverity: &OpSeverity{Severity: 3}},
			},
		}
	}
	ruleset, err := NewRuleset(nil, overrides)
	if err != nil {
		b.Fatalf("NewRuleset() error = %v", err)
	}
	prototypes := []Prototype{
		{Kind: ItemPrototype, Name: "Free space on {#FSNAME}"},
		{Kind: TriggerPrototype, Name: "Low space on {#FSNAME}"},
	}

	b.Run("MatchFirst", func(b *testing.B) {
		entity := Entity{"{#FSNAME}": "/", "{#FSTYPE}": "type-0"}
		b.ResetTimer()
		for b.Loop() {
			ruleset.Evaluate(entity, prototypes)
		}
	})

	b.Run("MatchLast", func(b *testing.B) {
		entity := Entity{"{#FSNAME}": "/", "{#FSTYPE}": "type-14"}
		b.ResetTimer()
		for b.Loop() {
			ruleset.Evaluate(entity, prototypes)
		}
	})

	b.Run("NoMatch", func(b *testing.B) {
		entity := Entity{"{#FSTYPE}": "zfs"}
		b.ResetTimer()
		for b.Loop() {
			ruleset.Evaluate(entity, prototypes)
		}
	})
}

func BenchmarkParseFormula(b *testing.B) {
	for b.Loop() {
		if _, err := ParseFormula("(A or B) and not (C or D) and E"); err != nil {
			b.Fatal(err)
		}
	}
}
