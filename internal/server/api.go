package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/middleware"
	"github.com/matt-riley/lldrules/internal/service"
	"github.com/matt-riley/lldrules/internal/validation"
)

// Operation names shared by the HTTP and gRPC transports.
const (
	opCreate   = "create"
	opUpdate   = "update"
	opGet      = "get"
	opDelete   = "delete"
	opCopy     = "copy"
	opEvaluate = "evaluate"
)

var errInvalidJSON = errors.New("invalid JSON body")

type itemIDsResponse struct {
	ItemIDs []core.ID `json:"itemids"`
}

type copyResponse struct {
	Result bool `json:"result"`
}

type evaluateParams struct {
	ItemID core.ID `json:"itemid"`
	service.EvaluateRequest
}

// dispatcher runs one API operation over raw JSON parameters so both
// transports share decoding and response shapes.
type dispatcher struct {
	service Service
}

func (d dispatcher) call(ctx context.Context, op string, params []byte) (any, error) {
	ctx = scoped(ctx)

	switch op {
	case opCreate, opUpdate:
		document, err := validation.DecodeBytes(params)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidJSON, err)
		}
		mutate := d.service.Create
		if op == opUpdate {
			mutate = d.service.Update
		}
		ids, err := mutate(ctx, document)
		if err != nil {
			return nil, err
		}
		return itemIDsResponse{ItemIDs: ids}, nil
	case opGet:
		selector, err := service.DecodeGetParams(params)
		if err != nil {
			return nil, err
		}
		return d.service.Get(ctx, selector)
	case opDelete:
		var ids []core.ID
		if err := json.Unmarshal(params, &ids); err != nil {
			return nil, validation.Errorf(validation.KindShape, "/", "an array of discovery rule IDs is expected")
		}
		deleted, err := d.service.Delete(ctx, ids)
		if err != nil {
			return nil, err
		}
		return itemIDsResponse{ItemIDs: deleted}, nil
	case opCopy:
		var request service.CopyParams
		if err := decodeStrict(params, &request); err != nil {
			return nil, err
		}
		if err := d.service.Copy(ctx, request); err != nil {
			return nil, err
		}
		return copyResponse{Result: true}, nil
	case opEvaluate:
		var request evaluateParams
		if err := decodeStrict(params, &request); err != nil {
			return nil, err
		}
		return d.evaluate(ctx, request)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

func (d dispatcher) evaluate(ctx context.Context, request evaluateParams) (core.Result, error) {
	if request.ItemID == 0 {
		return core.Result{}, validation.Errorf(validation.KindRequiredField, "/", "the parameter \"itemid\" is missing")
	}
	return d.service.Evaluate(ctx, request.ItemID, request.EvaluateRequest)
}

func (d dispatcher) getRule(ctx context.Context, itemID core.ID) (core.DiscoveryRule, error) {
	return d.service.GetRule(scoped(ctx), itemID)
}

// decodeStrict decodes a single JSON object rejecting unknown members.
func decodeStrict(data []byte, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return validation.Errorf(validation.KindShape, "/", "%s", strings.TrimPrefix(err.Error(), "json: "))
	}
	if decoder.More() {
		return fmt.Errorf("%w: trailing data", errInvalidJSON)
	}
	return nil
}

// scoped carries the authenticated API key into the service scope.
func scoped(ctx context.Context) context.Context {
	if keyID, ok := middleware.APIKeyIDFromContext(ctx); ok {
		return service.WithAPIKey(ctx, keyID)
	}
	return ctx
}
