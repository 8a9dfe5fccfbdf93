package core

import (
	"fmt"
	"regexp"
	"strings"
)

// SubAction tags one optional mutation carried by an Operation.
type SubAction string

const (
	SubActionStatus    SubAction = "opstatus"
	SubActionDiscover  SubAction = "opdiscover"
	SubActionPeriod    SubAction = "opperiod"
	SubActionHistory   SubAction = "ophistory"
	SubActionTrends    SubAction = "optrends"
	SubActionSeverity  SubAction = "opseverity"
	SubActionTag       SubAction = "optag"
	SubActionTemplate  SubAction = "optemplate"
	SubActionInventory SubAction = "opinventory"
)

// SubActions lists every sub-action tag in canonical order.
var SubActions = []SubAction{
	SubActionStatus,
	SubActionDiscover,
	SubActionPeriod,
	SubActionHistory,
	SubActionTrends,
	SubActionSeverity,
	SubActionTag,
	SubActionTemplate,
	SubActionInventory,
}

var legalSubActions = map[ObjectKind]map[SubAction]struct{}{
	ItemPrototype: {
		SubActionStatus:   {},
		SubActionDiscover: {},
		SubActionPeriod:   {},
		SubActionHistory:  {},
		SubActionTrends:   {},
	},
	TriggerPrototype: {
		SubActionStatus:   {},
		SubActionDiscover: {},
		SubActionSeverity: {},
		SubActionTag:      {},
	},
	GraphPrototype: {
		SubActionDiscover: {},
	},
	HostPrototype: {
		SubActionStatus:    {},
		SubActionDiscover:  {},
		SubActionTag:       {},
		SubActionTemplate:  {},
		SubActionInventory: {},
	},
}

// IsLegal reports whether action may be applied to prototypes of kind.
func IsLegal(kind ObjectKind, action SubAction) bool {
	_, ok := legalSubActions[kind][action]
	return ok
}

// IllegalSubActionError reports a sub-action that the operation object kind
// does not support.
type IllegalSubActionError struct {
	Kind   ObjectKind
	Action SubAction
}

func (e *IllegalSubActionError) Error() string {
	return fmt.Sprintf("unexpected parameter %q", string(e.Action))
}

// Present returns the sub-actions set on op in canonical order.
func (op Operation) Present() []SubAction {
	var present []SubAction
	for _, action := range SubActions {
		if op.has(action) {
			present = append(present, action)
		}
	}
	return present
}

func (op Operation) has(action SubAction) bool {
	switch action {
	case SubActionStatus:
		return op.OpStatus != nil
	case SubActionDiscover:
		return op.OpDiscover != nil
	case SubActionPeriod:
		return op.OpPeriod != nil
	case SubActionHistory:
		return op.OpHistory != nil
	case SubActionTrends:
		return op.OpTrends != nil
	case SubActionSeverity:
		return op.OpSeverity != nil
	case SubActionTag:
		return len(op.OpTag) > 0
	case SubActionTemplate:
		return len(op.OpTemplate) > 0
	case SubActionInventory:
		return op.OpInventory != nil
	default:
		return false
	}
}

// CheckSubActions returns an *IllegalSubActionError for the first present
// sub-action the operation object kind does not support.
func (op Operation) CheckSubActions() error {
	if _, ok := legalSubActions[op.OperationObject]; !ok {
		return fmt.Errorf("unknown operation object %d", op.OperationObject)
	}
	for _, action := range op.Present() {
		if !IsLegal(op.OperationObject, action) {
			return &IllegalSubActionError{Kind: op.OperationObject, Action: action}
		}
	}
	return nil
}

// Apply writes every present sub-action into p. Scalar sub-actions overwrite,
// tag and template lists are merged without duplicates.
func (op Operation) Apply(p *Prototype) {
	for _, action := range op.Present() {
		switch action {
		case SubActionStatus:
			p.Status = op.OpStatus.Status
		case SubActionDiscover:
			p.Discover = op.OpDiscover.Discover
		case SubActionPeriod:
			p.Delay = op.OpPeriod.Delay
		case SubActionHistory:
			p.History = op.OpHistory.History
		case SubActionTrends:
			p.Trends = op.OpTrends.Trends
		case SubActionSeverity:
			p.Severity = op.OpSeverity.Severity
		case SubActionTag:
			for _, tag := range op.OpTag {
				if !containsTag(p.Tags, tag) {
					p.Tags = append(p.Tags, tag)
				}
			}
		case SubActionTemplate:
			for _, ref := range op.OpTemplate {
				if !containsID(p.TemplateIDs, ref.TemplateID) {
					p.TemplateIDs = append(p.TemplateIDs, ref.TemplateID)
				}
			}
		case SubActionInventory:
			p.InventoryMode = op.OpInventory.InventoryMode
		}
	}
}

type compiledOperation struct {
	Operation
	pattern *regexp.Regexp
	invalid bool
}

func compileOperation(op Operation) (compiledOperation, error) {
	if err := op.CheckSubActions(); err != nil {
		return compiledOperation{}, err
	}
	compiled := compiledOperation{Operation: op}
	if op.Operator == MatchRegexp || op.Operator == MatchNotRegexp {
		re, err := regexp.Compile(op.Value)
		if err != nil {
			compiled.invalid = true
		} else {
			compiled.pattern = re
		}
	}
	return compiled, nil
}

// matches reports whether the operation targets p.
func (op compiledOperation) matches(p Prototype) bool {
	if op.OperationObject != p.Kind {
		return false
	}

	switch op.Operator {
	case MatchEqual:
		return p.Name == op.Value
	case MatchNotEqual:
		return p.Name != op.Value
	case MatchLike:
		return strings.Contains(p.Name, op.Value)
	case MatchNotLike:
		return !strings.Contains(p.Name, op.Value)
	case MatchRegexp, MatchNotRegexp:
		if op.invalid {
			return false
		}
		return op.pattern.MatchString(p.Name) == (op.Operator == MatchRegexp)
	default:
		return false
	}
}

func containsTag(tags []Tag, tag Tag) bool {
	for _, existing := range tags {
		if existing == tag {
			return true
		}
	}
	return false
}

func containsID(ids []ID, id ID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
