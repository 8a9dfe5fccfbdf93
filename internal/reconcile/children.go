package reconcile

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/matt-riley/lldrules/internal/core"
)

// MacroPathPatch is one submitted lld_macro_paths entry. Nil members were not
// supplied.
type MacroPathPatch struct {
	ID       *core.ID `json:"lld_macro_pathid,omitempty"`
	LLDMacro *string  `json:"lld_macro,omitempty"`
	Path     *string  `json:"path,omitempty"`
}

// MacroPaths merges macro path entries by lld_macro_pathid.
func MacroPaths() Reconciler[core.MacroPath, MacroPathPatch, core.ID] {
	return Reconciler[core.MacroPath, MacroPathPatch, core.ID]{
		Policy: MergeByID,
		Key:    func(row core.MacroPath) core.ID { return row.ID },
		Identity: func(patch MacroPathPatch) (core.ID, bool) {
			if patch.ID == nil {
				return 0, false
			}
			return *patch.ID, true
		},
		IdentityField: "lld_macro_pathid",
		Build: func(_ int, patch MacroPathPatch) core.MacroPath {
			return applyMacroPath(core.MacroPath{}, patch)
		},
		Merge: func(existing core.MacroPath, _ int, patch MacroPathPatch) core.MacroPath {
			return applyMacroPath(existing, patch)
		},
		Equal: func(a, b core.MacroPath) bool { return a == b },
		Unique: []Unique[core.MacroPath]{{
			Fields: []string{"lld_macro"},
			Values: func(row core.MacroPath) []string { return []string{row.LLDMacro} },
		}},
	}
}

func applyMacroPath(row core.MacroPath, patch MacroPathPatch) core.MacroPath {
	if patch.LLDMacro != nil {
		row.LLDMacro = *patch.LLDMacro
	}
	if patch.Path != nil {
		row.Path = *patch.Path
	}
	return row
}

// PreprocessingRow is a persisted preprocessing step at its 1-based position.
type PreprocessingRow struct {
	ID   core.ID
	Step int
	core.PreprocessingStep
}

// Preprocessing replaces preprocessing steps by position. Steps are
// renumbered from submission order.
func Preprocessing() Reconciler[PreprocessingRow, core.PreprocessingStep, int] {
	return Reconciler[PreprocessingRow, core.PreprocessingStep, int]{
		Policy: ReplaceWholesale,
		Key:    func(row PreprocessingRow) int { return row.Step },
		Build: func(index int, step core.PreprocessingStep) PreprocessingRow {
			return PreprocessingRow{Step: index + 1, PreprocessingStep: step}
		},
		Merge: func(existing PreprocessingRow, index int, step core.PreprocessingStep) PreprocessingRow {
			return PreprocessingRow{ID: existing.ID, Step: index + 1, PreprocessingStep: step}
		},
		Equal: func(a, b PreprocessingRow) bool {
			return a.Step == b.Step && a.PreprocessingStep == b.PreprocessingStep
		},
	}
}

// ConditionRow is a persisted filter condition.
type ConditionRow struct {
	ID core.ID
	core.Condition
}

// Conditions replaces rule filter conditions matched by formula id. Callers
// pass conditions through core.NormalizeFilter first so that every condition
// carries an id.
func Conditions() Reconciler[ConditionRow, core.Condition, string] {
	return Reconciler[ConditionRow, core.Condition, string]{
		Policy: ReplaceWholesale,
		Key:    func(row ConditionRow) string { return row.FormulaID },
		Build: func(_ int, condition core.Condition) ConditionRow {
			return ConditionRow{Condition: condition}
		},
		Merge: func(existing ConditionRow, _ int, condition core.Condition) ConditionRow {
			return ConditionRow{ID: existing.ID, Condition: condition}
		},
		Equal: func(a, b ConditionRow) bool { return a.Condition == b.Condition },
	}
}

// OverrideRow is a persisted override with its children.
type OverrideRow struct {
	ID core.ID
	core.Override
}

// Overrides replaces overrides matched by step. An override whose filter or
// operations differ in any way is replaced as a whole.
func Overrides() Reconciler[OverrideRow, core.Override, int] {
	return Reconciler[OverrideRow, core.Override, int]{
		Policy: ReplaceWholesale,
		Key:    func(row OverrideRow) int { return row.Step },
		Build: func(_ int, override core.Override) OverrideRow {
			return OverrideRow{Override: override}
		},
		Merge: func(existing OverrideRow, _ int, override core.Override) OverrideRow {
			return OverrideRow{ID: existing.ID, Override: override}
		},
		Equal: func(a, b OverrideRow) bool { return sameOverride(a.Override, b.Override) },
		Unique: []Unique[OverrideRow]{{
			Fields: []string{"name"},
			Values: func(row OverrideRow) []string { return []string{row.Name} },
		}, {
			Fields: []string{"step"},
			Values: func(row OverrideRow) []string { return []string{strconv.Itoa(row.Step)} },
		}},
	}
}

func sameOverride(a, b core.Override) bool {
	left, err := json.Marshal(canonicalOverride(a))
	if err != nil {
		return false
	}
	right, err := json.Marshal(canonicalOverride(b))
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

func canonicalOverride(o core.Override) core.Override {
	if o.Filter != nil {
		filter := core.NormalizeFilter(*o.Filter)
		if filter.Conditions == nil {
			filter.Conditions = []core.Condition{}
		}
		o.Filter = &filter
	}
	if o.Operations == nil {
		o.Operations = []core.Operation{}
	}
	return o
}
