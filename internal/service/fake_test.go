package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/reconcile"
	"github.com/matt-riley/lldrules/internal/repository"
)

type fakeState struct {
	hosts  map[core.ID]repository.Host
	items  map[core.ID]repository.Item
	rules  map[core.ID]repository.Rule
	rights map[string]map[core.ID]bool
	events []repository.RuleEvent
	nextID core.ID
}

func (s fakeState) clone() fakeState {
	out := fakeState{
		hosts:  make(map[core.ID]repository.Host, len(s.hosts)),
		items:  make(map[core.ID]repository.Item, len(s.items)),
		rules:  make(map[core.ID]repository.Rule, len(s.rules)),
		rights: make(map[string]map[core.ID]bool, len(s.rights)),
		events: append([]repository.RuleEvent(nil), s.events...),
		nextID: s.nextID,
	}
	for k, v := range s.hosts {
		out.hosts[k] = v
	}
	for k, v := range s.items {
		out.items[k] = v
	}
	for k, v := range s.rules {
		out.rules[k] = v
	}
	for k, v := range s.rights {
		hosts := make(map[core.ID]bool, len(v))
		for h, w := range v {
			hosts[h] = w
		}
		out.rights[k] = hosts
	}
	return out
}

type fakeServiceRepository struct {
	mu    sync.Mutex
	state fakeState
	txErr error
	lists int
}

func newFakeServiceRepository() *fakeServiceRepository {
	return &fakeServiceRepository{state: fakeState{
		hosts:  make(map[core.ID]repository.Host),
		items:  make(map[core.ID]repository.Item),
		rules:  make(map[core.ID]repository.Rule),
		rights: make(map[string]map[core.ID]bool),
		nextID: 1000,
	}}
}

func (f *fakeServiceRepository) addHost(id core.ID, name string, template bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.hosts[id] = repository.Host{ID: id, Name: name, Template: template}
}

func (f *fakeServiceRepository) addItem(item repository.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.items[item.ID] = item
}

func (f *fakeServiceRepository) grant(keyID string, hostID core.ID, write bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.rights[keyID] == nil {
		f.state.rights[keyID] = make(map[core.ID]bool)
	}
	f.state.rights[keyID][hostID] = write
}

// putRule stores a rule with the given ids on its child rows.
func (f *fakeServiceRepository) putRule(rule repository.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.rules[rule.ItemID] = syncRule(rule)
}

func (f *fakeServiceRepository) rule(id core.ID) (repository.Rule, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.state.rules[id]
	return rule, ok
}

func (f *fakeServiceRepository) ruleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.state.rules)
}

func (f *fakeServiceRepository) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.state.events))
	for i, event := range f.state.events {
		types[i] = event.EventType
	}
	return types
}

func (f *fakeServiceRepository) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeServiceRepository) WithTx(ctx context.Context, fn func(repository.RuleTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.txErr != nil {
		return f.txErr
	}
	tx := &fakeTx{state: f.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	f.state = tx.state
	return nil
}

func (f *fakeServiceRepository) ListRules(ctx context.Context, query repository.RuleQuery) ([]repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	tx := &fakeTx{state: f.state}
	return tx.Rules(ctx, query)
}

func (f *fakeServiceRepository) ListEventsSince(_ context.Context, eventID int64) ([]repository.RuleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]repository.RuleEvent, 0)
	for _, event := range f.state.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
	}
	return events, nil
}

type fakeTx struct {
	state fakeState
}

func (t *fakeTx) allowed(keyID string, hostID core.ID, write bool) bool {
	if keyID == "" {
		return true
	}
	canWrite, ok := t.state.rights[keyID][hostID]
	return ok && (canWrite || !write)
}

func (t *fakeTx) Hosts(_ context.Context, ids []core.ID, keyID string, write bool) (map[core.ID]repository.Host, error) {
	out := make(map[core.ID]repository.Host)
	for _, id := range ids {
		if host, ok := t.state.hosts[id]; ok && t.allowed(keyID, id, write) {
			out[id] = host
		}
	}
	return out, nil
}

func (t *fakeTx) Templates(ctx context.Context, ids []core.ID) (map[core.ID]repository.Host, error) {
	hosts, _ := t.Hosts(ctx, ids, "", false)
	for id, host := range hosts {
		if !host.Template {
			delete(hosts, id)
		}
	}
	return hosts, nil
}

func (t *fakeTx) Items(_ context.Context, ids []core.ID) (map[core.ID]repository.Item, error) {
	out := make(map[core.ID]repository.Item)
	for _, id := range ids {
		if item, ok := t.state.items[id]; ok {
			out[id] = item
		}
		if rule, ok := t.state.rules[id]; ok {
			out[id] = repository.Item{ID: id, HostID: rule.HostID, Name: rule.Name, Key: rule.Key, Type: rule.Type, Rule: true}
		}
	}
	return out, nil
}

func (t *fakeTx) ItemsByKey(_ context.Context, hostID core.ID, keys []string) (map[string]repository.Item, error) {
	out := make(map[string]repository.Item)
	for _, key := range keys {
		for _, item := range t.state.items {
			if item.HostID == hostID && item.Key == key {
				out[key] = item
			}
		}
		for _, rule := range t.state.rules {
			if rule.HostID == hostID && rule.Key == key {
				out[key] = repository.Item{ID: rule.ItemID, HostID: hostID, Name: rule.Name, Key: key, Type: rule.Type, Rule: true}
			}
		}
	}
	return out, nil
}

func (t *fakeTx) Rules(_ context.Context, query repository.RuleQuery) ([]repository.Rule, error) {
	out := make([]repository.Rule, 0)
	for _, rule := range t.state.rules {
		if len(query.ItemIDs) > 0 && !containsID(query.ItemIDs, rule.ItemID) {
			continue
		}
		if len(query.HostIDs) > 0 && !containsID(query.HostIDs, rule.HostID) {
			continue
		}
		if !t.allowed(query.KeyID, rule.HostID, query.Write) {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (t *fakeTx) id() core.ID {
	t.state.nextID++
	return t.state.nextID
}

func (t *fakeTx) InsertRule(_ context.Context, rule core.DiscoveryRule) (core.ID, error) {
	if _, ok := t.state.hosts[rule.HostID]; !ok {
		return 0, errors.New("insert rule: host does not exist")
	}
	rule.ItemID = t.id()

	stored := repository.Rule{DiscoveryRule: rule}
	for _, condition := range rule.Filter.Conditions {
		stored.Conditions = append(stored.Conditions, reconcile.ConditionRow{ID: t.id(), Condition: condition})
	}
	for i, step := range rule.Preprocessing {
		stored.Preprocessing = append(stored.Preprocessing, reconcile.PreprocessingRow{ID: t.id(), Step: i + 1, PreprocessingStep: step})
	}
	stored.MacroPaths = make([]core.MacroPath, len(rule.MacroPaths))
	for i, path := range rule.MacroPaths {
		path.ID = t.id()
		stored.MacroPaths[i] = path
	}
	for _, override := range rule.Overrides {
		stored.Overrides = append(stored.Overrides, reconcile.OverrideRow{ID: t.id(), Override: override})
	}

	t.state.rules[rule.ItemID] = syncRule(stored)
	return rule.ItemID, nil
}

func (t *fakeTx) UpdateRule(_ context.Context, changes repository.RuleChanges) error {
	stored, ok := t.state.rules[changes.Rule.ItemID]
	if !ok {
		return errors.New("update rule: no rows")
	}

	stored.Name = changes.Rule.Name
	stored.Key = changes.Rule.Key
	stored.Type = changes.Rule.Type
	stored.Delay = changes.Rule.Delay
	stored.MasterItemID = changes.Rule.MasterItemID
	stored.Status = changes.Rule.Status
	stored.Lifetime = changes.Rule.Lifetime
	stored.Description = changes.Rule.Description
	stored.Filter.EvalType = changes.Rule.Filter.EvalType
	stored.Filter.Formula = changes.Rule.Filter.Formula

	if plan := changes.Conditions; plan != nil {
		stored.Conditions = assignIDs(t, plan.Result, func(row *reconcile.ConditionRow) *core.ID { return &row.ID })
	}
	if plan := changes.Preprocessing; plan != nil {
		stored.Preprocessing = assignIDs(t, plan.Result, func(row *reconcile.PreprocessingRow) *core.ID { return &row.ID })
	}
	if plan := changes.MacroPaths; plan != nil {
		stored.MacroPaths = assignIDs(t, plan.Result, func(row *core.MacroPath) *core.ID { return &row.ID })
	}
	if plan := changes.Overrides; plan != nil {
		// Replaced overrides are recreated with new ids.
		rows := make([]reconcile.OverrideRow, len(plan.Result))
		for i, row := range plan.Result {
			if containsOverride(plan.Update, row.ID) {
				row.ID = 0
			}
			rows[i] = row
		}
		stored.Overrides = assignIDs(t, rows, func(row *reconcile.OverrideRow) *core.ID { return &row.ID })
	}

	t.state.rules[stored.ItemID] = syncRule(stored)
	return nil
}

func (t *fakeTx) DeleteRules(_ context.Context, ids []core.ID) error {
	for _, id := range ids {
		delete(t.state.rules, id)
		for childID, rule := range t.state.rules {
			if rule.TemplateID == id {
				delete(t.state.rules, childID)
			}
		}
	}
	return nil
}

func (t *fakeTx) RecordEvent(_ context.Context, event repository.RuleEvent) (repository.RuleEvent, error) {
	event.EventID = int64(len(t.state.events) + 1)
	event.CreatedAt = time.Unix(0, 0).UTC()
	t.state.events = append(t.state.events, event)
	return event, nil
}

func assignIDs[T any](t *fakeTx, rows []T, id func(*T) *core.ID) []T {
	out := make([]T, len(rows))
	for i := range rows {
		out[i] = rows[i]
		if p := id(&out[i]); *p == 0 {
			*p = t.id()
		}
	}
	return out
}

// syncRule mirrors the child rows into the embedded rule, as the repository
// does when loading.
func syncRule(rule repository.Rule) repository.Rule {
	rule.Filter.Conditions = make([]core.Condition, len(rule.Conditions))
	for i, row := range rule.Conditions {
		rule.Filter.Conditions[i] = row.Condition
	}
	rule.DiscoveryRule.Preprocessing = make([]core.PreprocessingStep, len(rule.Preprocessing))
	for i, row := range rule.Preprocessing {
		rule.DiscoveryRule.Preprocessing[i] = row.PreprocessingStep
	}
	rule.DiscoveryRule.Overrides = make([]core.Override, len(rule.Overrides))
	for i, row := range rule.Overrides {
		rule.DiscoveryRule.Overrides[i] = row.Override
	}
	if rule.MacroPaths == nil {
		rule.MacroPaths = []core.MacroPath{}
	}
	return rule
}

func containsID(ids []core.ID, id core.ID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func containsOverride(rows []reconcile.OverrideRow, id core.ID) bool {
	for _, row := range rows {
		if row.ID == id {
			return true
		}
	}
	return false
}

type notifyingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidations chan struct{}
}

func newNotifyingFakeServiceRepository() *notifyingFakeServiceRepository {
	return &notifyingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *notifyingFakeServiceRepository) SubscribeRuleInvalidation(_ context.Context) (<-chan struct{}, error) {
	return f.invalidations, nil
}

func (f *notifyingFakeServiceRepository) notifyInvalidation() {
	select {
	case f.invalidations <- struct{}{}:
	default:
	}
}

type fakePublisher struct {
	mu        sync.Mutex
	events    []repository.RuleEvent
	err       error
	ctxErr    error
	deadlined bool
}

func (p *fakePublisher) Publish(ctx context.Context, event repository.RuleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.ctxErr = ctx.Err()
	_, p.deadlined = ctx.Deadline()
	return p.err
}

type fakeRecorder struct {
	mu          sync.Mutex
	failures    map[string]int
	operations  map[string]int
	evaluations map[bool]int
	cacheSize   int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		failures:    make(map[string]int),
		operations:  make(map[string]int),
		evaluations: make(map[bool]int),
	}
}

func (r *fakeRecorder) RecordValidationFailure(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[kind]++
}

func (r *fakeRecorder) RecordRuleOperation(operation string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := "success"
	if err != nil {
		result = "error"
	}
	r.operations[operation+"/"+result]++
}

func (r *fakeRecorder) RecordOverrideEvaluation(discovered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations[discovered]++
}

func (r *fakeRecorder) SetRulesetCacheSize(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheSize = size
}
