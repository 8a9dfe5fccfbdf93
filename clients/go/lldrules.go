// Package lldrules provides client interfaces and types for the discovery
// rule override service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import lldhttp "github.com/matt-riley/lldrules/clients/go/http"
//	import lldgrpc "github.com/matt-riley/lldrules/clients/go/grpc"
package lldrules

import (
	"context"
	"encoding/json"
	"fmt"
)

// RuleManager covers the discovery rule operations.
type RuleManager interface {
	CreateRules(ctx context.Context, rules []Rule) ([]string, error)
	UpdateRules(ctx context.Context, rules []Rule) ([]string, error)
	GetRules(ctx context.Context, params GetParams) ([]Rule, error)
	DeleteRules(ctx context.Context, itemIDs []string) ([]string, error)
	CopyRules(ctx context.Context, discoveryIDs, hostIDs []string) error
}

// Evaluator runs a stored rule against one discovered entity.
type Evaluator interface {
	Evaluate(ctx context.Context, itemID string, req EvaluateRequest) (Result, error)
}

// Streamer delivers committed rule events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan RuleEvent, error)
}

// Rule is a discovery rule document as accepted by create and update and
// returned by get. IDs are decimal strings.
type Rule map[string]any

// Extend selects every field of an object in [GetParams].
const Extend = "extend"

// GetParams selects rules and the related objects to embed. Each Select
// field takes [Extend] or a list of field names; nil leaves it out.
type GetParams struct {
	ItemIDs             []string `json:"itemids,omitempty"`
	HostIDs             []string `json:"hostids,omitempty"`
	Output              any      `json:"output,omitempty"`
	SelectFilter        any      `json:"selectFilter,omitempty"`
	SelectOverrides     any      `json:"selectOverrides,omitempty"`
	SelectPreprocessing any      `json:"selectPreprocessing,omitempty"`
	SelectLLDMacroPaths any      `json:"selectLLDMacroPaths,omitempty"`
	Limit               int      `json:"limit,omitempty"`
}

// Tag is a name/value tag on a prototype.
type Tag struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

// Prototype is a candidate object that override operations may modify.
// Kind is 0 item, 1 trigger, 2 graph, 3 host.
type Prototype struct {
	Kind          int      `json:"kind"`
	Name          string   `json:"name"`
	Status        int      `json:"status"`
	Discover      int      `json:"discover"`
	Delay         string   `json:"delay,omitempty"`
	History       string   `json:"history,omitempty"`
	Trends        string   `json:"trends,omitempty"`
	Severity      int      `json:"severity,omitempty"`
	Tags          []Tag    `json:"tags,omitempty"`
	TemplateIDs   []string `json:"templateids,omitempty"`
	InventoryMode int      `json:"inventory_mode,omitempty"`
}

// EvaluateRequest is one discovered entity and the prototypes to apply
// overrides to.
type EvaluateRequest struct {
	Macros     map[string]string `json:"macros"`
	Prototypes []Prototype       `json:"prototypes"`
}

// Result is the outcome of evaluating a rule against an entity.
type Result struct {
	Discovered   bool        `json:"discovered"`
	Prototypes   []Prototype `json:"prototypes"`
	AppliedSteps []int       `json:"applied_steps"`
	Stopped      bool        `json:"stopped"`
}

// RuleEvent is a notification of a committed rule change.
type RuleEvent struct {
	Type    string // "create" | "update" | "delete" | "error"
	ItemID  string
	EventID int64
	Payload json.RawMessage // rule document; error message on "error"
}

// APIError is returned when the server rejects a request.
type APIError struct {
	StatusCode int    // HTTP status, or the gRPC code on the gRPC client
	Kind       string // validation kind such as "shape" or "uniqueness"; may be empty
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("lldrules: %d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("lldrules: %d: %s", e.StatusCode, e.Message)
}
