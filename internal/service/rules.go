package service

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/reconcile"
	"github.com/matt-riley/lldrules/internal/repository"
	"github.com/matt-riley/lldrules/internal/validation"
)

const maxDependencyLevels = 3

var errDependencyLevels = validation.Message(validation.KindCrossFieldConstraint,
	`Incorrect value for field "master_itemid": maximum number of dependency levels reached.`)

// CopyParams selects the rules to copy and the hosts to copy them to.
type CopyParams struct {
	DiscoveryIDs []core.ID `json:"discoveryids"`
	HostIDs      []core.ID `json:"hostids"`
}

// Create validates and inserts discovery rules. It returns the new ids in
// submission order.
func (s *Service) Create(ctx context.Context, params any) ([]core.ID, error) {
	ctx, span := tracer.Start(ctx, "service.Create")
	defer span.End()

	entries, err := validation.Create(params)
	if err != nil {
		return nil, s.validationFailed("create", err)
	}

	rules := make([]core.DiscoveryRule, len(entries))
	for i, entry := range entries {
		if rules[i], err = bindRule(entry); err != nil {
			return nil, err
		}
	}

	keyID := APIKeyFromContext(ctx)
	ids := make([]core.ID, len(rules))
	err = s.commit(ctx, "create", func(tx repository.RuleTx, events *[]repository.RuleEvent) error {
		hostIDs := make([]core.ID, 0, len(rules))
		for _, rule := range rules {
			hostIDs = append(hostIDs, rule.HostID)
		}
		hosts, err := checkHosts(ctx, tx, hostIDs, keyID)
		if err != nil {
			return err
		}
		if err := checkTemplateRefs(ctx, tx, entries); err != nil {
			return err
		}

		keys := newKeyIndex()
		for i := range rules {
			path := "/" + strconv.Itoa(i+1)
			rule := &rules[i]
			if err := keys.check(ctx, tx, hosts[rule.HostID], 0, rule.Key); err != nil {
				return err
			}
			if rule.Type == core.ItemTypeDependent {
				if err := checkMaster(ctx, tx, rule.HostID, rule.MasterItemID, path); err != nil {
					return err
				}
			}

			id, err := tx.InsertRule(ctx, *rule)
			if err != nil {
				return err
			}
			rule.ItemID = id
			ids[i] = id

			if err := recordEvent(ctx, tx, events, EventTypeCreated, *rule); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("rules created", "itemids", ids)
	return ids, nil
}

// Update validates a batch of partial rules against their persisted state
// and applies it. Child collections are reconciled: filter conditions,
// preprocessing and overrides by position, macro paths by id.
func (s *Service) Update(ctx context.Context, params any) ([]core.ID, error) {
	ctx, span := tracer.Start(ctx, "service.Update")
	defer span.End()

	if single, ok := params.(map[string]any); ok {
		params = []any{single}
	}
	ids, err := validation.UpdateIDs(params)
	if err != nil {
		return nil, s.validationFailed("update", err)
	}

	submitted, _ := params.([]any)
	list := make([]any, len(submitted))
	supplied := make([]map[string]bool, len(submitted))
	for i, raw := range submitted {
		entry, _ := raw.(map[string]any)
		copied := make(map[string]any, len(entry)+1)
		supplied[i] = make(map[string]bool, len(entry))
		for key, value := range entry {
			copied[key] = value
			supplied[i][key] = true
		}
		list[i] = copied
	}

	keyID := APIKeyFromContext(ctx)
	err = s.commit(ctx, "update", func(tx repository.RuleTx, events *[]repository.RuleEvent) error {
		rules, err := tx.Rules(ctx, repository.RuleQuery{ItemIDs: ids, KeyID: keyID, Write: true, Lock: true})
		if err != nil {
			return err
		}
		byID := make(map[core.ID]repository.Rule, len(rules))
		for _, rule := range rules {
			byID[rule.ItemID] = rule
		}
		if len(byID) != len(ids) {
			return ErrNoPermission
		}

		// Type-dependent fields resolve against the persisted type unless
		// the caller changes it.
		for i, raw := range list {
			entry := raw.(map[string]any)
			if _, ok := entry["type"]; !ok {
				entry["type"] = json.Number(strconv.Itoa(byID[ids[i]].Type))
			}
		}

		entries, err := validation.Update(list)
		if err != nil {
			return err
		}
		for i, entry := range entries {
			if !byID[ids[i]].Templated() {
				continue
			}
			if err := validation.CheckTemplated(entry, "/"+strconv.Itoa(i+1), s.strictTemplated); err != nil {
				return err
			}
			delete(entry, "preprocessing")
		}
		if err := checkTemplateRefs(ctx, tx, entries); err != nil {
			return err
		}

		keys := newKeyIndex()
		for i, entry := range entries {
			path := "/" + strconv.Itoa(i+1)
			existing := byID[ids[i]]

			changes, err := planUpdate(existing, entry, supplied[i], path)
			if err != nil {
				return err
			}
			next := changes.Rule

			if next.Key != existing.Key {
				hosts, err := tx.Hosts(ctx, []core.ID{next.HostID}, "", false)
				if err != nil {
					return err
				}
				if err := keys.check(ctx, tx, hosts[next.HostID], next.ItemID, next.Key); err != nil {
					return err
				}
			}
			if next.Type == core.ItemTypeDependent &&
				(existing.Type != core.ItemTypeDependent || next.MasterItemID != existing.MasterItemID) {
				if err := checkMaster(ctx, tx, next.HostID, next.MasterItemID, path); err != nil {
					return err
				}
			}

			if err := tx.UpdateRule(ctx, changes); err != nil {
				return err
			}
			if err := recordEvent(ctx, tx, events, EventTypeUpdated, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("rules updated", "itemids", ids)
	return ids, nil
}

// Delete removes discovery rules with every child row. Inherited rules
// cannot be deleted directly.
func (s *Service) Delete(ctx context.Context, ids []core.ID) ([]core.ID, error) {
	ctx, span := tracer.Start(ctx, "service.Delete")
	defer span.End()

	if len(ids) == 0 {
		return nil, s.validationFailed("delete", ErrNoRuleIDs)
	}
	seen := make(map[core.ID]struct{}, len(ids))
	for i, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, s.validationFailed("delete", validation.Errorf(validation.KindUniqueness,
				"/"+strconv.Itoa(i+1), "value (%s) already exists", id))
		}
		seen[id] = struct{}{}
	}

	keyID := APIKeyFromContext(ctx)
	err := s.commit(ctx, "delete", func(tx repository.RuleTx, events *[]repository.RuleEvent) error {
		rules, err := tx.Rules(ctx, repository.RuleQuery{ItemIDs: ids, KeyID: keyID, Write: true, Lock: true})
		if err != nil {
			return err
		}
		byID := make(map[core.ID]repository.Rule, len(rules))
		for _, rule := range rules {
			byID[rule.ItemID] = rule
		}
		if len(byID) != len(ids) {
			return ErrNoPermission
		}

		for _, id := range ids {
			if rule := byID[id]; rule.Templated() {
				return validation.Message(validation.KindNamedDependency,
					"Cannot delete templated discovery rule \"%s\".", rule.Name)
			}
		}

		if err := tx.DeleteRules(ctx, ids); err != nil {
			return err
		}
		for _, id := range ids {
			if err := recordEvent(ctx, tx, events, EventTypeDeleted, byID[id].DiscoveryRule); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("rules deleted", "itemids", ids)
	return ids, nil
}

// Copy duplicates discovery rules with all their children onto every
// destination host. Dependent rules are re-pointed at the item with the same
// key on the destination.
func (s *Service) Copy(ctx context.Context, params CopyParams) error {
	ctx, span := tracer.Start(ctx, "service.Copy")
	defer span.End()

	if len(params.DiscoveryIDs) == 0 {
		return s.validationFailed("copy", ErrNoRuleIDs)
	}
	if len(params.HostIDs) == 0 {
		return s.validationFailed("copy", ErrNoHostIDs)
	}
	ruleIDs := uniqueIDs(params.DiscoveryIDs)
	hostIDs := uniqueIDs(params.HostIDs)

	keyID := APIKeyFromContext(ctx)
	var created []core.ID
	err := s.commit(ctx, "copy", func(tx repository.RuleTx, events *[]repository.RuleEvent) error {
		created = created[:0]
		rules, err := tx.Rules(ctx, repository.RuleQuery{ItemIDs: ruleIDs, KeyID: keyID})
		if err != nil {
			return err
		}
		byID := make(map[core.ID]repository.Rule, len(rules))
		for _, rule := range rules {
			byID[rule.ItemID] = rule
		}
		if len(byID) != len(ruleIDs) {
			return ErrNoPermission
		}
		hosts, err := checkHosts(ctx, tx, hostIDs, keyID)
		if err != nil {
			return err
		}

		keys := newKeyIndex()
		for _, hostID := range hostIDs {
			host := hosts[hostID]
			for _, ruleID := range ruleIDs {
				copied, err := copyRule(ctx, tx, byID[ruleID].DiscoveryRule, host)
				if err != nil {
					return err
				}
				if err := keys.check(ctx, tx, host, 0, copied.Key); err != nil {
					return err
				}

				id, err := tx.InsertRule(ctx, copied)
				if err != nil {
					return err
				}
				copied.ItemID = id
				created = append(created, id)
				if err := recordEvent(ctx, tx, events, EventTypeCreated, copied); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("rules copied", "source_itemids", ruleIDs, "hostids", hostIDs, "itemids", created)
	return nil
}

func copyRule(ctx context.Context, tx repository.RuleTx, rule core.DiscoveryRule, host repository.Host) (core.DiscoveryRule, error) {
	copied := rule
	copied.ItemID = 0
	copied.HostID = host.ID
	copied.TemplateID = 0
	copied.MacroPaths = make([]core.MacroPath, len(rule.MacroPaths))
	for i, path := range rule.MacroPaths {
		path.ID = 0
		copied.MacroPaths[i] = path
	}

	if rule.Type != core.ItemTypeDependent {
		return copied, nil
	}

	masters, err := tx.Items(ctx, []core.ID{rule.MasterItemID})
	if err != nil {
		return core.DiscoveryRule{}, err
	}
	missing := validation.Message(validation.KindNamedDependency,
		"Discovery rule \"%s\" cannot be copied without its master item.", rule.Name)
	master, ok := masters[rule.MasterItemID]
	if !ok {
		return core.DiscoveryRule{}, missing
	}
	targets, err := tx.ItemsByKey(ctx, host.ID, []string{master.Key})
	if err != nil {
		return core.DiscoveryRule{}, err
	}
	target, ok := targets[master.Key]
	if !ok || target.Rule {
		return core.DiscoveryRule{}, missing
	}
	copied.MasterItemID = target.ID

	if err := checkMaster(ctx, tx, host.ID, target.ID, ""); err != nil {
		return core.DiscoveryRule{}, err
	}
	return copied, nil
}

// bindRule decodes a normalized create entry and renders the effective
// formula of every filter.
func bindRule(entry map[string]any) (core.DiscoveryRule, error) {
	var rule core.DiscoveryRule
	if err := validation.Bind(entry, &rule); err != nil {
		return core.DiscoveryRule{}, err
	}
	rule.Filter = core.NormalizeFilter(rule.Filter)
	rule.Overrides = normalizeOverrides(rule.Overrides)
	return rule, nil
}

func normalizeOverrides(overrides []core.Override) []core.Override {
	for i := range overrides {
		if overrides[i].Filter != nil {
			filter := core.NormalizeFilter(*overrides[i].Filter)
			overrides[i].Filter = &filter
		}
	}
	return overrides
}

var childFields = map[string]struct{}{
	"filter":          {},
	"preprocessing":   {},
	"lld_macro_paths": {},
	"overrides":       {},
}

// planUpdate merges a normalized update entry over the persisted rule and
// reconciles every child collection the entry carries.
func planUpdate(existing repository.Rule, entry map[string]any, supplied map[string]bool, path string) (repository.RuleChanges, error) {
	scalars := make(map[string]any, len(entry))
	for key, value := range entry {
		if _, child := childFields[key]; !child {
			scalars[key] = value
		}
	}

	next := existing.DiscoveryRule
	if err := validation.Bind(scalars, &next); err != nil {
		return repository.RuleChanges{}, err
	}
	next, err := applyScopeDefaults(existing.DiscoveryRule, next, supplied, path)
	if err != nil {
		return repository.RuleChanges{}, err
	}
	changes := repository.RuleChanges{Rule: next}

	if raw, ok := entry["filter"]; ok {
		var filter core.Filter
		if err := validation.Bind(raw, &filter); err != nil {
			return repository.RuleChanges{}, err
		}
		filter = core.NormalizeFilter(filter)
		plan, err := reconcile.Conditions().Plan(existing.Conditions, filter.Conditions, path+"/filter/conditions")
		if err != nil {
			return repository.RuleChanges{}, err
		}
		changes.Conditions = &plan
		changes.Rule.Filter = filter
	}

	if raw, ok := entry["preprocessing"]; ok {
		var steps []core.PreprocessingStep
		if err := validation.Bind(raw, &steps); err != nil {
			return repository.RuleChanges{}, err
		}
		plan, err := reconcile.Preprocessing().Plan(existing.Preprocessing, steps, path+"/preprocessing")
		if err != nil {
			return repository.RuleChanges{}, err
		}
		changes.Preprocessing = &plan
		changes.Rule.Preprocessing = steps
	}

	if raw, ok := entry["lld_macro_paths"]; ok {
		var patches []reconcile.MacroPathPatch
		if err := validation.Bind(raw, &patches); err != nil {
			return repository.RuleChanges{}, err
		}
		plan, err := reconcile.MacroPaths().Plan(existing.MacroPaths, patches, path+"/lld_macro_paths")
		if err != nil {
			return repository.RuleChanges{}, err
		}
		changes.MacroPaths = &plan
		changes.Rule.MacroPaths = plan.Result
	}

	if raw, ok := entry["overrides"]; ok {
		var overrides []core.Override
		if err := validation.Bind(raw, &overrides); err != nil {
			return repository.RuleChanges{}, err
		}
		overrides = normalizeOverrides(overrides)
		plan, err := reconcile.Overrides().Plan(existing.Overrides, overrides, path+"/overrides")
		if err != nil {
			return repository.RuleChanges{}, err
		}
		changes.Overrides = &plan
		changes.Rule.Overrides = overrides
	}

	return changes, nil
}

// applyScopeDefaults derives the rule that results from changing old into
// next where a field depends on the item type. supplied lists the members
// the caller set explicitly.
func applyScopeDefaults(old, next core.DiscoveryRule, supplied map[string]bool, path string) (core.DiscoveryRule, error) {
	if !supplied["delay"] {
		switch {
		case !validation.PollingType(next.Type):
			next.Delay = "0"
		case !validation.PollingType(old.Type):
			next.Delay = "1h"
		}
	}

	if next.Type != core.ItemTypeDependent {
		next.MasterItemID = 0
	} else if next.MasterItemID == 0 {
		return core.DiscoveryRule{}, validation.Errorf(validation.KindRequiredField, path,
			"the parameter \"%s\" is missing", "master_itemid")
	}

	return next, nil
}

func checkHosts(ctx context.Context, tx repository.RuleTx, ids []core.ID, keyID string) (map[core.ID]repository.Host, error) {
	ids = uniqueIDs(ids)
	hosts, err := tx.Hosts(ctx, ids, keyID, true)
	if err != nil {
		return nil, err
	}
	if len(hosts) != len(ids) {
		return nil, ErrNoPermission
	}
	return hosts, nil
}

func checkTemplateRefs(ctx context.Context, tx repository.RuleTx, entries []map[string]any) error {
	list := make([]any, len(entries))
	for i, entry := range entries {
		list[i] = entry
	}
	refs := validation.TemplateRefs(list)
	if len(refs) == 0 {
		return nil
	}

	ids := make([]core.ID, len(refs))
	for i, ref := range refs {
		id, err := core.ParseID(ref.TemplateID)
		if err != nil {
			return validation.Errorf(validation.KindShape, ref.Path, "a number is expected")
		}
		ids[i] = id
	}
	templates, err := tx.Templates(ctx, uniqueIDs(ids))
	if err != nil {
		return err
	}
	for i, ref := range refs {
		if _, ok := templates[ids[i]]; !ok {
			return validation.Errorf(validation.KindReferentialIntegrity, ref.Path, "a template ID is expected")
		}
	}
	return nil
}

// checkMaster verifies that masterID is an item on hostID whose dependency
// chain leaves room for one more level.
func checkMaster(ctx context.Context, tx repository.RuleTx, hostID, masterID core.ID, path string) error {
	items, err := tx.Items(ctx, []core.ID{masterID})
	if err != nil {
		return err
	}
	master, ok := items[masterID]
	if !ok || master.Rule {
		return ErrNoPermission
	}
	if master.HostID != hostID {
		return validation.Errorf(validation.KindCrossFieldConstraint, path+"/master_itemid",
			"hostid of dependent item and master item should match")
	}

	for levels := 1; master.Type == core.ItemTypeDependent; levels++ {
		if levels >= maxDependencyLevels {
			return errDependencyLevels
		}
		items, err := tx.Items(ctx, []core.ID{master.MasterItemID})
		if err != nil {
			return err
		}
		next, ok := items[master.MasterItemID]
		if !ok {
			break
		}
		master = next
	}
	return nil
}

// keyIndex tracks item keys claimed by earlier entries of the same batch.
type keyIndex map[string]struct{}

func newKeyIndex() keyIndex {
	return make(keyIndex)
}

func (k keyIndex) check(ctx context.Context, tx repository.RuleTx, host repository.Host, itemID core.ID, key string) error {
	conflict := validation.Message(validation.KindUniqueness,
		"Item with key \"%s\" already exists on \"%s\".", key, host.Name)

	claim := host.ID.String() + "\x00" + key
	if _, taken := k[claim]; taken {
		return conflict
	}
	items, err := tx.ItemsByKey(ctx, host.ID, []string{key})
	if err != nil {
		return err
	}
	if item, ok := items[key]; ok && item.ID != itemID {
		return conflict
	}
	k[claim] = struct{}{}
	return nil
}

func uniqueIDs(ids []core.ID) []core.ID {
	seen := make(map[core.ID]struct{}, len(ids))
	out := make([]core.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
