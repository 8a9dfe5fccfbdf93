// Package service implements the discovery rule operations: create, update,
// get, delete, copy, and runtime evaluation of the override ruleset. Each
// mutating call validates its whole batch, then applies it inside a single
// repository transaction.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/repository"
	"github.com/matt-riley/lldrules/internal/validation"
)

const (
	EventTypeCreated = "created"
	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"

	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
)

var (
	ErrRuleNotFound = errors.New("discovery rule not found")
	ErrNoPermission = validation.ErrNoPermissions
	ErrNoRuleIDs    = validation.Message(validation.KindRequiredField, "No discovery rule IDs given.")
	ErrNoHostIDs    = validation.Message(validation.KindRequiredField, "No host IDs given.")
)

var tracer = otel.Tracer("github.com/matt-riley/lldrules/internal/service")

type Repository interface {
	WithTx(ctx context.Context, fn func(repository.RuleTx) error) error
	ListRules(ctx context.Context, query repository.RuleQuery) ([]repository.Rule, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// EventPublisher forwards committed rule events to an external bus.
type EventPublisher interface {
	Publish(ctx context.Context, event repository.RuleEvent) error
}

// Recorder receives domain measurements.
type Recorder interface {
	RecordValidationFailure(kind string)
	RecordRuleOperation(operation string, err error)
	RecordOverrideEvaluation(discovered bool)
	SetRulesetCacheSize(size int)
}

type nopRecorder struct{}

func (nopRecorder) RecordValidationFailure(string) {}
func (nopRecorder) RecordRuleOperation(string, error) {}
func (nopRecorder) RecordOverrideEvaluation(bool) {}
func (nopRecorder) SetRulesetCacheSize(int) {}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for mutation and best-effort failure logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher forwards every committed rule event to publisher.
func WithPublisher(publisher EventPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithRecorder reports domain metrics to recorder.
func WithRecorder(recorder Recorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

// WithStrictTemplatedPreprocessing controls whether preprocessing updates on
// inherited rules are rejected (true) or dropped (false).
func WithStrictTemplatedPreprocessing(strict bool) Option {
	return func(s *Service) {
		s.strictTemplated = strict
	}
}

// WithCacheResyncInterval sets how often the ruleset cache is cleared without
// a notification.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

type rulesetKey struct {
	apiKeyID string
	itemID   core.ID
}

type Service struct {
	repo            Repository
	logger          *slog.Logger
	publisher       EventPublisher
	recorder        Recorder
	strictTemplated bool
	resyncInterval  time.Duration

	mu         sync.RWMutex
	rulesets   map[rulesetKey]*core.Ruleset
	generation uint64
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:            repo,
		logger:          slog.Default(),
		recorder:        nopRecorder{},
		strictTemplated: true,
		resyncInterval:  defaultCacheResyncInterval,
		rulesets:        make(map[rulesetKey]*core.Ruleset),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

type apiKeyContextKey struct{}

// WithAPIKey scopes ctx to the API key making the call. Calls without a key
// are unrestricted.
func WithAPIKey(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, keyID)
}

// APIKeyFromContext returns the key set by WithAPIKey, or "".
func APIKeyFromContext(ctx context.Context) string {
	keyID, _ := ctx.Value(apiKeyContextKey{}).(string)
	return keyID
}

// ListEventsSince returns committed rule events after eventID. A scoped API
// key only sees events of rules on hosts it can read.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	keyID := APIKeyFromContext(ctx)
	if keyID == "" || len(events) == 0 {
		return events, nil
	}

	hostOf := make([]core.ID, len(events))
	hostIDs := make([]core.ID, 0, len(events))
	for i, event := range events {
		var payload struct {
			HostID core.ID `json:"hostid"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err == nil {
			hostOf[i] = payload.HostID
			hostIDs = append(hostIDs, payload.HostID)
		}
	}

	var readable map[core.ID]repository.Host
	err = s.repo.WithTx(ctx, func(tx repository.RuleTx) error {
		var err error
		readable, err = tx.Hosts(ctx, uniqueIDs(hostIDs), keyID, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("check event hosts: %w", err)
	}

	visible := events[:0:0]
	for i, event := range events {
		if _, ok := readable[hostOf[i]]; ok {
			visible = append(visible, event)
		}
	}
	return visible, nil
}

// InvalidateRulesets drops every compiled ruleset. Loads that started
// before the call are not cached when they finish.
func (s *Service) InvalidateRulesets() {
	s.mu.Lock()
	s.rulesets = make(map[rulesetKey]*core.Ruleset)
	s.generation++
	s.mu.Unlock()
	s.recorder.SetRulesetCacheSize(0)
}

// getCachedRuleset also returns the cache generation to pass to
// setCachedRuleset after a miss.
func (s *Service) getCachedRuleset(key rulesetKey) (*core.Ruleset, uint64, bool) {
	s.mu.RLock()
	ruleset, ok := s.rulesets[key]
	generation := s.generation
	s.mu.RUnlock()

	return ruleset, generation, ok
}

func (s *Service) setCachedRuleset(key rulesetKey, ruleset *core.Ruleset, generation uint64) {
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.rulesets[key] = ruleset
	size := len(s.rulesets)
	s.mu.Unlock()
	s.recorder.SetRulesetCacheSize(size)
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.InvalidateRulesets()
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						s.logger.Warn("resubscribe cache invalidation failed", "error", err)
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.InvalidateRulesets()
			}
		}
	}()

	return nil
}

// commit runs fn in a transaction and, once it has committed, forwards the
// recorded events.
func (s *Service) commit(ctx context.Context, operation string, fn func(tx repository.RuleTx, events *[]repository.RuleEvent) error) error {
	var events []repository.RuleEvent
	err := s.repo.WithTx(ctx, func(tx repository.RuleTx) error {
		events = events[:0]
		return fn(tx, &events)
	})
	s.recorder.RecordRuleOperation(operation, err)
	if err != nil {
		if verr, ok := validation.As(err); ok {
			s.recorder.RecordValidationFailure(string(verr.Kind))
		}
		return err
	}

	s.InvalidateRulesets()
	s.publishEventsBestEffort(ctx, events)
	return nil
}

func (s *Service) validationFailed(operation string, err error) error {
	s.recorder.RecordRuleOperation(operation, err)
	if verr, ok := validation.As(err); ok {
		s.recorder.RecordValidationFailure(string(verr.Kind))
	}
	return err
}

func (s *Service) publishEventsBestEffort(ctx context.Context, events []repository.RuleEvent) {
	if s.publisher == nil || len(events) == 0 {
		return
	}

	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	for _, event := range events {
		if err := s.publisher.Publish(publishCtx, event); err != nil {
			s.logger.Warn("publish rule event failed", "itemid", event.ItemID, "event_type", event.EventType, "error", err)
		}
	}
}

func recordEvent(ctx context.Context, tx repository.RuleTx, events *[]repository.RuleEvent, eventType string, rule core.DiscoveryRule) error {
	payload, err := repository.MarshalRulePayload(rule)
	if err != nil {
		return err
	}

	event, err := tx.RecordEvent(ctx, repository.RuleEvent{
		ItemID:    rule.ItemID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("record %s event: %w", eventType, err)
	}
	*events = append(*events, event)
	return nil
}
