package server

import (
	"context"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/repository"
	"github.com/matt-riley/lldrules/internal/service"
)

// Service is the discovery rule API both transports serve.
type Service interface {
	Create(ctx context.Context, params any) ([]core.ID, error)
	Update(ctx context.Context, params any) ([]core.ID, error)
	Get(ctx context.Context, params service.GetParams) ([]map[string]any, error)
	GetRule(ctx context.Context, itemID core.ID) (core.DiscoveryRule, error)
	Delete(ctx context.Context, ids []core.ID) ([]core.ID, error)
	Copy(ctx context.Context, params service.CopyParams) error
	Evaluate(ctx context.Context, itemID core.ID, request service.EvaluateRequest) (core.Result, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
}

var _ Service = (*service.Service)(nil)
