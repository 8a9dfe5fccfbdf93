package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a persisted object. It is rendered as a decimal string and
// accepts either a string or a number on input.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*id = 0
		return nil
	}
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", raw, err)
	}
	*id = ID(parsed)
	return nil
}

// ParseID parses a decimal object identifier.
func ParseID(raw string) (ID, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", raw, err)
	}
	return ID(parsed), nil
}

type EvalType int

const (
	EvalAndOr      EvalType = 0
	EvalAnd        EvalType = 1
	EvalOr         EvalType = 2
	EvalExpression EvalType = 3
)

type ConditionOperator int

const (
	ConditionRegexp    ConditionOperator = 8
	ConditionNotRegexp ConditionOperator = 9
	ConditionExists    ConditionOperator = 12
	ConditionNotExists ConditionOperator = 13
)

// ObjectKind is the prototype kind an override operation targets.
type ObjectKind int

const (
	ItemPrototype    ObjectKind = 0
	TriggerPrototype ObjectKind = 1
	GraphPrototype   ObjectKind = 2
	HostPrototype    ObjectKind = 3
)

func (k ObjectKind) String() string {
	switch k {
	case ItemPrototype:
		return "item"
	case TriggerPrototype:
		return "trigger"
	case GraphPrototype:
		return "graph"
	case HostPrototype:
		return "host"
	default:
		return "unknown"
	}
}

// MatchOperator compares an operation value against a prototype name.
type MatchOperator int

const (
	MatchEqual     MatchOperator = 0
	MatchNotEqual  MatchOperator = 1
	MatchLike      MatchOperator = 2
	MatchNotLike   MatchOperator = 3
	MatchRegexp    MatchOperator = 8
	MatchNotRegexp MatchOperator = 9
)

const (
	StopNo  = 0
	StopYes = 1
)

type Condition struct {
	Macro     string            `json:"macro"`
	Operator  ConditionOperator `json:"operator"`
	Value     string            `json:"value"`
	FormulaID string            `json:"formulaid"`
}

type Filter struct {
	EvalType    EvalType    `json:"evaltype"`
	Formula     string      `json:"formula"`
	EvalFormula string      `json:"eval_formula,omitempty"`
	Conditions  []Condition `json:"conditions"`
}

type OpStatus struct {
	Status int `json:"status"`
}

type OpDiscover struct {
	Discover int `json:"discover"`
}

type OpPeriod struct {
	Delay string `json:"delay"`
}

type OpHistory struct {
	History string `json:"history"`
}

type OpTrends struct {
	Trends string `json:"trends"`
}

type OpSeverity struct {
	Severity int `json:"severity"`
}

type Tag struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

type TemplateRef struct {
	TemplateID ID `json:"templateid"`
}

type OpInventory struct {
	InventoryMode int `json:"inventory_mode"`
}

// Operation mutates every prototype of OperationObject kind whose name
// satisfies Operator/Value. Only the sub-actions legal for the kind may be
// set; see IsLegal.
type Operation struct {
	OperationObject ObjectKind    `json:"operationobject"`
	Operator        MatchOperator `json:"operator"`
	Value           string        `json:"value"`
	OpStatus        *OpStatus     `json:"opstatus,omitempty"`
	OpDiscover      *OpDiscover   `json:"opdiscover,omitempty"`
	OpPeriod        *OpPeriod     `json:"opperiod,omitempty"`
	OpHistory       *OpHistory    `json:"ophistory,omitempty"`
	OpTrends        *OpTrends     `json:"optrends,omitempty"`
	OpSeverity      *OpSeverity   `json:"opseverity,omitempty"`
	OpTag           []Tag         `json:"optag,omitempty"`
	OpTemplate      []TemplateRef `json:"optemplate,omitempty"`
	OpInventory     *OpInventory  `json:"opinventory,omitempty"`
}

type Override struct {
	Name       string      `json:"name"`
	Step       int         `json:"step"`
	Stop       int         `json:"stop"`
	Filter     *Filter     `json:"filter,omitempty"`
	Operations []Operation `json:"operations"`
}

type PreprocessingStep struct {
	Type               int    `json:"type"`
	Params             string `json:"params"`
	ErrorHandler       int    `json:"error_handler"`
	ErrorHandlerParams string `json:"error_handler_params"`
}

type MacroPath struct {
	ID       ID     `json:"lld_macro_pathid"`
	LLDMacro string `json:"lld_macro"`
	Path     string `json:"path"`
}

const (
	ItemTypeTrapper   = 2
	ItemTypeDependent = 18
)

// DiscoveryRule is a low-level discovery rule and its owned child collections.
type DiscoveryRule struct {
	ItemID        ID                  `json:"itemid"`
	HostID        ID                  `json:"hostid"`
	Name          string              `json:"name"`
	Key           string              `json:"key_"`
	Type          int                 `json:"type"`
	Delay         string              `json:"delay"`
	MasterItemID  ID                  `json:"master_itemid"`
	Status        int                 `json:"status"`
	Lifetime      string              `json:"lifetime"`
	Description   string              `json:"description"`
	TemplateID    ID                  `json:"templateid"`
	Filter        Filter              `json:"filter"`
	Preprocessing []PreprocessingStep `json:"preprocessing"`
	MacroPaths    []MacroPath         `json:"lld_macro_paths"`
	Overrides     []Override          `json:"overrides"`
}

// Templated reports whether the rule is inherited from a template.
func (r DiscoveryRule) Templated() bool {
	return r.TemplateID != 0
}

// Prototype is one prototype instantiated for a discovered entity. Overrides
// mutate it in place.
type Prototype struct {
	Kind          ObjectKind `json:"kind"`
	Name          string     `json:"name"`
	Status        int        `json:"status"`
	Discover      int        `json:"discover"`
	Delay         string     `json:"delay,omitempty"`
	History       string     `json:"history,omitempty"`
	Trends        string     `json:"trends,omitempty"`
	Severity      int        `json:"severity,omitempty"`
	Tags          []Tag      `json:"tags,omitempty"`
	TemplateIDs   []ID       `json:"templateids,omitempty"`
	InventoryMode int        `json:"inventory_mode,omitempty"`
}

// Entity is one discovered row: LLD macro name to value.
type Entity map[string]string
