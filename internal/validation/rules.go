package validation

import (
	"github.com/matt-riley/lldrules/internal/core"
)

// Item types a discovery rule can use.
var itemTypes = []int64{0, 2, 3, 5, 7, 10, 11, 12, 13, 14, 16, core.ItemTypeDependent, 19, 20, 21}

var noDelayTypes = []int64{core.ItemTypeTrapper, core.ItemTypeDependent}

// PollingType reports whether rules of the item type are polled and so carry
// an update interval.
func PollingType(itemType int) bool {
	for _, t := range noDelayTypes {
		if int64(itemType) == t {
			return false
		}
	}
	return true
}

func otherThan(name string, values ...int64) func(map[string]any) bool {
	in := FieldIn(name, values...)
	return func(object map[string]any) bool {
		_, ok := object[name]
		return ok && !in(object)
	}
}

// filterRule is the schema shared by rule-level and override filters.
func filterRule() Object {
	conditionFields := []Field{
		{Name: "macro", Rule: LLDMacro{MaxLen: 64}, Required: true},
		{Name: "operator", Rule: Int32{In: Values(
			int64(core.ConditionRegexp), int64(core.ConditionNotRegexp),
			int64(core.ConditionExists), int64(core.ConditionNotExists),
		)}, Default: int64(core.ConditionRegexp)},
		{Name: "value", When: []Case{
			{If: FieldIn("operator", int64(core.ConditionRegexp), int64(core.ConditionNotRegexp)), Rule: String{MaxLen: 255}, Required: true},
			{Rule: String{In: []string{""}}, Default: ""},
		}},
	}

	expressionConditions := append([]Field{
		{Name: "formulaid", Rule: CondFormulaID{}, Required: true},
	}, conditionFields...)
	plainConditions := append([]Field{
		{Name: "formulaid", Rule: String{In: []string{""}}},
	}, conditionFields...)

	return Object{Fields: []Field{
		{Name: "evaltype", Rule: Int32{In: Values(
			int64(core.EvalAndOr), int64(core.EvalAnd), int64(core.EvalOr), int64(core.EvalExpression),
		)}, Required: true},
		{Name: "formula", When: []Case{
			{If: FieldIn("evaltype", int64(core.EvalExpression)), Rule: CondFormula{MaxLen: 255}, Required: true},
			{Rule: String{In: []string{""}}, Default: ""},
		}},
		{Name: "conditions", Required: true, When: []Case{
			{If: FieldIn("evaltype", int64(core.EvalExpression)), Required: true, Rule: Objects{
				Normalize: true,
				Uniq:      [][]string{{"formulaid"}},
				Element:   Object{Fields: expressionConditions},
			}},
			{Required: true, Rule: Objects{
				Normalize: true,
				Element:   Object{Fields: plainConditions},
			}},
		}},
	}}
}

// subActionField returns a field that is only accepted when the sibling
// operationobject allows action.
func subActionField(action core.SubAction, rule Rule) Field {
	return Field{Name: string(action), When: []Case{
		{
			If: func(object map[string]any) bool {
				kind, ok := object["operationobject"].(int64)
				return ok && core.IsLegal(core.ObjectKind(kind), action)
			},
			Rule: rule,
		},
		{Rule: Unexpected{}},
	}}
}

func operationsRule() Objects {
	return Objects{
		Normalize: true,
		Element: Object{Fields: []Field{
			{Name: "operationobject", Rule: Int32{In: Values(
				int64(core.ItemPrototype), int64(core.TriggerPrototype),
				int64(core.GraphPrototype), int64(core.HostPrototype),
			)}, Required: true},
			{Name: "operator", Rule: Int32{In: Values(
				int64(core.MatchEqual), int64(core.MatchNotEqual), int64(core.MatchLike),
				int64(core.MatchNotLike), int64(core.MatchRegexp), int64(core.MatchNotRegexp),
			)}, Default: int64(core.MatchEqual)},
			{Name: "value", Rule: String{MaxLen: 255}, Default: ""},
			subActionField(core.SubActionStatus, Object{Fields: []Field{
				{Name: "status", Rule: Int32{In: Values(0, 1)}, Required: true},
			}}),
			subActionField(core.SubActionDiscover, Object{Fields: []Field{
				{Name: "discover", Rule: Int32{In: Values(0, 1)}, Required: true},
			}}),
			subActionField(core.SubActionPeriod, Object{Fields: []Field{
				{Name: "delay", Rule: Delay{AllowUserMacro: true, MaxLen: 1024}, Required: true},
			}}),
			subActionField(core.SubActionHistory, Object{Fields: []Field{
				{Name: "history", Rule: TimeUnit{NotEmpty: true, AllowUserMacro: true, MaxLen: 255, In: []Range{
					{Min: 0, Max: 0}, {Min: secondsPerHour, Max: MaxTimeUnit},
				}}, Required: true},
			}}),
			subActionField(core.SubActionTrends, Object{Fields: []Field{
				{Name: "trends", Rule: TimeUnit{NotEmpty: true, AllowUserMacro: true, MaxLen: 255, In: []Range{
					{Min: 0, Max: 0}, {Min: secondsPerHour, Max: MaxTimeUnit},
				}}, Required: true},
			}}),
			subActionField(core.SubActionSeverity, Object{Fields: []Field{
				{Name: "severity", Rule: Int32{In: Values(0, 1, 2, 3, 4, 5)}, Required: true},
			}}),
			subActionField(core.SubActionTag, Objects{
				NotEmpty:  true,
				Normalize: true,
				Uniq:      [][]string{{"tag", "value"}},
				Element: Object{Fields: []Field{
					{Name: "tag", Rule: String{NotEmpty: true, MaxLen: 255}, Required: true},
					{Name: "value", Rule: String{MaxLen: 255}, Default: ""},
				}},
			}),
			subActionField(core.SubActionTemplate, Objects{
				NotEmpty:  true,
				Normalize: true,
				Uniq:      [][]string{{"templateid"}},
				Element: Object{Fields: []Field{
					{Name: "templateid", Rule: ID{}, Required: true},
				}},
			}),
			subActionField(core.SubActionInventory, Object{Fields: []Field{
				{Name: "inventory_mode", Rule: Int32{In: Values(-1, 0, 1)}, Required: true},
			}}),
		}},
	}
}

// OverridesRule is the schema of a discovery rule override list.
func OverridesRule() Objects {
	return Objects{
		Normalize: true,
		Uniq:      [][]string{{"name"}, {"step"}},
		Element: Object{Fields: []Field{
			{Name: "name", Rule: String{NotEmpty: true, MaxLen: 255}, Required: true},
			{Name: "step", Rule: Int32{In: []Range{{Min: 1, Max: 2147483647}}}, Required: true},
			{Name: "stop", Rule: Int32{In: Values(core.StopNo, core.StopYes)}, Default: int64(core.StopNo)},
			{Name: "filter", Rule: filterRule()},
			{Name: "operations", Rule: operationsRule()},
		}},
	}
}

// MacroPathsCreateRule is the schema of lld_macro_paths on create.
func MacroPathsCreateRule() Objects {
	return Objects{
		Normalize: true,
		Uniq:      [][]string{{"lld_macro"}},
		Element: Object{Fields: []Field{
			{Name: "lld_macro", Rule: LLDMacro{MaxLen: 255}, Required: true},
			{Name: "path", Rule: String{NotEmpty: true, MaxLen: 255}, Required: true},
		}},
	}
}

// MacroPathsUpdateRule is the schema of lld_macro_paths on update. Entries
// with an id are merged field by field; entries without one are new rows.
func MacroPathsUpdateRule() Objects {
	return Objects{
		Normalize: true,
		Uniq:      [][]string{{"lld_macro_pathid"}, {"lld_macro"}},
		Element: Object{Fields: []Field{
			{Name: "lld_macro_pathid", Rule: ID{}},
			{Name: "lld_macro", When: []Case{
				{If: FieldAbsent("lld_macro_pathid"), Rule: LLDMacro{MaxLen: 255}, Required: true},
				{Rule: LLDMacro{MaxLen: 255}},
			}},
			{Name: "path", When: []Case{
				{If: FieldAbsent("lld_macro_pathid"), Rule: String{NotEmpty: true, MaxLen: 255}, Required: true},
				{Rule: String{NotEmpty: true, MaxLen: 255}},
			}},
		}},
	}
}

func ruleFields(create bool) []Field {
	required := create
	fields := []Field{
		{Name: "name", Rule: String{NotEmpty: true, MaxLen: 255}, Required: required},
		{Name: "key_", Rule: String{NotEmpty: true, MaxLen: 2048}, Required: required},
		{Name: "type", Rule: Int32{In: Values(itemTypes...)}, Required: required},
		{Name: "delay", When: []Case{
			{If: FieldIn("type", noDelayTypes...), Rule: String{In: []string{"0"}}},
			{If: otherThan("type", noDelayTypes...), Rule: Delay{AllowUserMacro: true, MaxLen: 1024}},
			{Rule: Delay{AllowUserMacro: true, MaxLen: 1024}},
		}},
		{Name: "master_itemid", When: []Case{
			{If: FieldIn("type", core.ItemTypeDependent), Rule: ID{}, Required: required},
			{If: otherThan("type", core.ItemTypeDependent), Rule: Unexpected{}},
			{Rule: ID{}},
		}},
		{Name: "status", Rule: Int32{In: Values(0, 1)}},
		{Name: "lifetime", Rule: TimeUnit{NotEmpty: true, AllowUserMacro: true, MaxLen: 255, In: []Range{
			{Min: 0, Max: 0}, {Min: secondsPerHour, Max: MaxTimeUnit},
		}}},
		{Name: "description", Rule: String{MaxLen: 65535}},
		{Name: "filter", Rule: filterRule()},
		{Name: "preprocessing", Rule: PreprocessingSteps()},
		{Name: "overrides", Rule: OverridesRule()},
	}
	if create {
		fields[3].When[0].Default = "0"
		fields[3].When[1].Default = "1h"
		fields[5].Default = int64(0)
		fields[6].Default = "30d"
		fields[7].Default = ""
		return append([]Field{{Name: "hostid", Rule: ID{}, Required: true}}, append(fields,
			Field{Name: "lld_macro_paths", Rule: MacroPathsCreateRule()})...)
	}
	return append([]Field{{Name: "itemid", Rule: ID{}, Required: true}}, append(fields,
		Field{Name: "lld_macro_paths", Rule: MacroPathsUpdateRule()})...)
}

// CreateRule is the schema of a discovery rule create request.
func CreateRule() Objects {
	return Objects{
		NotEmpty:  true,
		Normalize: true,
		Uniq:      [][]string{{"hostid", "key_"}},
		Element:   Object{Fields: ruleFields(true)},
	}
}

// UpdateRule is the schema of a discovery rule update request. Callers fill
// in the persisted "type" of each rule before validation so that
// type-dependent fields resolve.
func UpdateRule() Objects {
	return Objects{
		NotEmpty:  true,
		Normalize: true,
		Uniq:      [][]string{{"itemid"}},
		Element:   Object{Fields: ruleFields(false)},
	}
}

// UpdateIDsRule checks only the identity of each update entry; every other
// field is validated once the persisted rules are loaded.
func UpdateIDsRule() Objects {
	return Objects{
		NotEmpty:  true,
		Normalize: true,
		Uniq:      [][]string{{"itemid"}},
		Element:   Object{Open: true, Fields: []Field{{Name: "itemid", Rule: ID{}, Required: true}}},
	}
}
