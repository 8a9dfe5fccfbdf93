package service

import (
	"context"
	"fmt"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/repository"
)

// EvaluateRequest is one discovered entity and the prototypes instantiated
// for it.
type EvaluateRequest struct {
	Macros     core.Entity      `json:"macros"`
	Prototypes []core.Prototype `json:"prototypes"`
}

// Evaluate runs the rule filter and the override steps of a persisted rule
// against one discovered entity. Compiled rulesets are cached until the next
// rule change notification.
func (s *Service) Evaluate(ctx context.Context, itemID core.ID, request EvaluateRequest) (core.Result, error) {
	ctx, span := tracer.Start(ctx, "service.Evaluate")
	defer span.End()

	ruleset, err := s.ruleset(ctx, itemID)
	if err != nil {
		return core.Result{}, err
	}

	result := ruleset.Evaluate(request.Macros, request.Prototypes)
	s.recorder.RecordOverrideEvaluation(result.Discovered)
	return result, nil
}

func (s *Service) ruleset(ctx context.Context, itemID core.ID) (*core.Ruleset, error) {
	key := rulesetKey{apiKeyID: APIKeyFromContext(ctx), itemID: itemID}
	ruleset, generation, ok := s.getCachedRuleset(key)
	if ok {
		return ruleset, nil
	}

	rules, err := s.repo.ListRules(ctx, repository.RuleQuery{
		ItemIDs: []core.ID{itemID},
		KeyID:   key.apiKeyID,
	})
	if err != nil {
		return nil, fmt.Errorf("load rule %s: %w", itemID, err)
	}
	if len(rules) == 0 {
		return nil, ErrRuleNotFound
	}

	rule := rules[0].DiscoveryRule
	ruleset, err = core.NewRuleset(&rule.Filter, rule.Overrides)
	if err != nil {
		return nil, fmt.Errorf("compile rule %s: %w", itemID, err)
	}

	s.setCachedRuleset(key, ruleset, generation)
	return ruleset, nil
}
