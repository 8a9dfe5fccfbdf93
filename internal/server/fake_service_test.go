package server

import (
	"context"
	"errors"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/repository"
	"github.com/matt-riley/lldrules/internal/service"
)

type fakeService struct {
	createFunc          func(ctx context.Context, params any) ([]core.ID, error)
	updateFunc          func(ctx context.Context, params any) ([]core.ID, error)
	getFunc             func(ctx context.Context, params service.GetParams) ([]map[string]any, error)
	getRuleFunc         func(ctx context.Context, itemID core.ID) (core.DiscoveryRule, error)
	deleteFunc          func(ctx context.Context, ids []core.ID) ([]core.ID, error)
	copyFunc            func(ctx context.Context, params service.CopyParams) error
	evaluateFunc        func(ctx context.Context, itemID core.ID, request service.EvaluateRequest) (core.Result, error)
	listEventsSinceFunc func(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
}

func (f *fakeService) Create(ctx context.Context, params any) ([]core.ID, error) {
	if f.createFunc != nil {
		return f.createFunc(ctx, params)
	}
	return nil, errors.New("Create not implemented")
}

func (f *fakeService) Update(ctx context.Context, params any) ([]core.ID, error) {
	if f.updateFunc != nil {
		return f.updateFunc(ctx, params)
	}
	return nil, errors.New("Update not implemented")
}

func (f *fakeService) Get(ctx context.Context, params service.GetParams) ([]map[string]any, error) {
	if f.getFunc != nil {
		return f.getFunc(ctx, params)
	}
	return nil, errors.New("Get not implemented")
}

func (f *fakeService) GetRule(ctx context.Context, itemID core.ID) (core.DiscoveryRule, error) {
	if f.getRuleFunc != nil {
		return f.getRuleFunc(ctx, itemID)
	}
	return core.DiscoveryRule{}, errors.New("GetRule not implemented")
}

func (f *fakeService) Delete(ctx context.Context, ids []core.ID) ([]core.ID, error) {
	if f.deleteFunc != nil {
		return f.deleteFunc(ctx, ids)
	}
	return nil, errors.New("Delete not implemented")
}

func (f *fakeService) Copy(ctx context.Context, params service.CopyParams) error {
	if f.copyFunc != nil {
		return f.copyFunc(ctx, params)
	}
	return errors.New("Copy not implemented")
}

func (f *fakeService) Evaluate(ctx context.Context, itemID core.ID, request service.EvaluateRequest) (core.Result, error) {
	if f.evaluateFunc != nil {
		return f.evaluateFunc(ctx, itemID, request)
	}
	return core.Result{}, errors.New("Evaluate not implemented")
}

func (f *fakeService) ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error) {
	if f.listEventsSinceFunc != nil {
		return f.listEventsSinceFunc(ctx, eventID)
	}
	return nil, errors.New("ListEventsSince not implemented")
}
