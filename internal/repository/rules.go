package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/reconcile"
)

// pgTx implements RuleTx over a pgx transaction.
type pgTx struct {
	q             querier
	notifyChannel string
}

func (t *pgTx) Hosts(ctx context.Context, ids []core.ID, keyID string, write bool) (map[core.ID]Host, error) {
	args := []any{ids64(ids)}
	sql := `
		SELECT h.hostid, h.host, h.status
		FROM hosts h
		WHERE h.hostid = ANY($1)
	`
	if keyID != "" {
		args = append(args, keyID, requiredPermission(write))
		sql += ` AND ` + permissionClause("h.hostid", 2, 3)
	}

	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	hosts := make(map[core.ID]Host, len(ids))
	for rows.Next() {
		var id int64
		var host Host
		var status int
		if err := rows.Scan(&id, &host.Name, &status); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		host.ID = core.ID(id)
		host.Template = status == hostStatusTemplate
		hosts[host.ID] = host
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list hosts rows: %w", err)
	}
	return hosts, nil
}

func (t *pgTx) Templates(ctx context.Context, ids []core.ID) (map[core.ID]Host, error) {
	hosts, err := t.Hosts(ctx, ids, "", false)
	if err != nil {
		return nil, err
	}
	for id, host := range hosts {
		if !host.Template {
			delete(hosts, id)
		}
	}
	return hosts, nil
}

func (t *pgTx) Items(ctx context.Context, ids []core.ID) (map[core.ID]Item, error) {
	rows, err := t.q.Query(ctx, `
		SELECT itemid, hostid, name, key_, type, COALESCE(master_itemid, 0), flags
		FROM items
		WHERE itemid = ANY($1)
	`, ids64(ids))
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make(map[core.ID]Item, len(ids))
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items rows: %w", err)
	}
	return items, nil
}

func (t *pgTx) ItemsByKey(ctx context.Context, hostID core.ID, keys []string) (map[string]Item, error) {
	rows, err := t.q.Query(ctx, `
		SELECT itemid, hostid, name, key_, type, COALESCE(master_itemid, 0), flags
		FROM items
		WHERE hostid = $1
		  AND key_ = ANY($2)
	`, int64(hostID), keys)
	if err != nil {
		return nil, fmt.Errorf("list items by key: %w", err)
	}
	defer rows.Close()

	items := make(map[string]Item, len(keys))
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items[item.Key] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items by key rows: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var id, hostID, masterID int64
	var flags int
	if err := row.Scan(&id, &hostID, &item.Name, &item.Key, &item.Type, &masterID, &flags); err != nil {
		return Item{}, fmt.Errorf("scan item: %w", err)
	}
	item.ID = core.ID(id)
	item.HostID = core.ID(hostID)
	item.MasterItemID = core.ID(masterID)
	item.Rule = flags == flagsRule
	return item, nil
}

func (t *pgTx) Rules(ctx context.Context, query RuleQuery) ([]Rule, error) {
	return loadRules(ctx, t.q, query)
}

func (t *pgTx) InsertRule(ctx context.Context, rule core.DiscoveryRule) (core.ID, error) {
	var id int64
	if err := t.q.QueryRow(ctx, `
		INSERT INTO items (
			hostid, name, key_, type, delay, master_itemid, status,
			lifetime, description, templateid, flags, evaltype, formula
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING itemid
	`,
		int64(rule.HostID),
		rule.Name,
		rule.Key,
		rule.Type,
		rule.Delay,
		nullableID(rule.MasterItemID),
		rule.Status,
		rule.Lifetime,
		rule.Description,
		nullableID(rule.TemplateID),
		flagsRule,
		int(rule.Filter.EvalType),
		filterFormula(rule.Filter),
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert rule: %w", err)
	}
	itemID := core.ID(id)

	for _, condition := range rule.Filter.Conditions {
		if err := t.insertCondition(ctx, itemID, condition); err != nil {
			return 0, err
		}
	}
	for i, step := range rule.Preprocessing {
		if err := t.insertPreprocessing(ctx, itemID, reconcile.PreprocessingRow{Step: i + 1, PreprocessingStep: step}); err != nil {
			return 0, err
		}
	}
	for _, path := range rule.MacroPaths {
		if err := t.insertMacroPath(ctx, itemID, path); err != nil {
			return 0, err
		}
	}
	for _, override := range rule.Overrides {
		if err := t.insertOverride(ctx, itemID, override); err != nil {
			return 0, err
		}
	}

	return itemID, nil
}

func (t *pgTx) UpdateRule(ctx context.Context, changes RuleChanges) error {
	rule := changes.Rule
	commandTag, err := t.q.Exec(ctx, `
		UPDATE items
		SET name = $2,
			key_ = $3,
			type = $4,
			delay = $5,
			master_itemid = $6,
			status = $7,
			lifetime = $8,
			description = $9,
			evaltype = $10,
			formula = $11
		WHERE itemid = $1
		  AND flags = 1
	`,
		int64(rule.ItemID),
		rule.Name,
		rule.Key,
		rule.Type,
		rule.Delay,
		nullableID(rule.MasterItemID),
		rule.Status,
		rule.Lifetime,
		rule.Description,
		int(rule.Filter.EvalType),
		filterFormula(rule.Filter),
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if err := noRows("update rule", commandTag); err != nil {
		return err
	}

	if plan := changes.Conditions; plan != nil {
		for _, row := range plan.Delete {
			if _, err := t.q.Exec(ctx, `DELETE FROM item_condition WHERE item_conditionid = $1`, int64(row.ID)); err != nil {
				return fmt.Errorf("delete condition: %w", err)
			}
		}
		for _, row := range plan.Update {
			if _, err := t.q.Exec(ctx, `
				UPDATE item_condition SET macro = $2, operator = $3, value = $4, formulaid = $5
				WHERE item_conditionid = $1
			`, int64(row.ID), row.Macro, int(row.Operator), row.Value, row.FormulaID); err != nil {
				return fmt.Errorf("update condition: %w", err)
			}
		}
		for _, row := range plan.Insert {
			if err := t.insertCondition(ctx, rule.ItemID, row.Condition); err != nil {
				return err
			}
		}
	}

	if plan := changes.Preprocessing; plan != nil {
		for _, row := range plan.Delete {
			if _, err := t.q.Exec(ctx, `DELETE FROM item_preproc WHERE item_preprocid = $1`, int64(row.ID)); err != nil {
				return fmt.Errorf("delete preprocessing: %w", err)
			}
		}
		for _, row := range plan.Update {
			if _, err := t.q.Exec(ctx, `
				UPDATE item_preproc
				SET type = $2, params = $3, error_handler = $4, error_handler_params = $5
				WHERE item_preprocid = $1
			`, int64(row.ID), row.Type, row.Params, row.ErrorHandler, row.ErrorHandlerParams); err != nil {
				return fmt.Errorf("update preprocessing: %w", err)
			}
		}
		for _, row := range plan.Insert {
			if err := t.insertPreprocessing(ctx, rule.ItemID, row); err != nil {
				return err
			}
		}
	}

	if plan := changes.MacroPaths; plan != nil {
		for _, row := range plan.Delete {
			if _, err := t.q.Exec(ctx, `DELETE FROM lld_macro_path WHERE lld_macro_pathid = $1`, int64(row.ID)); err != nil {
				return fmt.Errorf("delete macro path: %w", err)
			}
		}
		for _, row := range plan.Update {
			if _, err := t.q.Exec(ctx, `
				UPDATE lld_macro_path SET lld_macro = $2, path = $3
				WHERE lld_macro_pathid = $1
			`, int64(row.ID), row.LLDMacro, row.Path); err != nil {
				return fmt.Errorf("update macro path: %w", err)
			}
		}
		for _, row := range plan.Insert {
			if err := t.insertMacroPath(ctx, rule.ItemID, row); err != nil {
				return err
			}
		}
	}

	if plan := changes.Overrides; plan != nil {
		// A changed override is rewritten as a whole: drop its rows and
		// insert the replacement.
		for _, row := range append(append([]reconcile.OverrideRow{}, plan.Delete...), plan.Update...) {
			if _, err := t.q.Exec(ctx, `DELETE FROM lld_override WHERE lld_overrideid = $1`, int64(row.ID)); err != nil {
				return fmt.Errorf("delete override: %w", err)
			}
		}
		for _, row := range append(append([]reconcile.OverrideRow{}, plan.Update...), plan.Insert...) {
			if err := t.insertOverride(ctx, rule.ItemID, row.Override); err != nil {
				return err
			}
		}
	}

	return nil
}

func (t *pgTx) DeleteRules(ctx context.Context, ids []core.ID) error {
	if len(ids) == 0 {
		return nil
	}
	// Inherited copies follow through the templateid cascade.
	if _, err := t.q.Exec(ctx, `
		DELETE FROM items
		WHERE itemid = ANY($1)
		  AND flags = 1
	`, ids64(ids)); err != nil {
		return fmt.Errorf("delete rules: %w", err)
	}
	return nil
}

// RecordEvent persists a rule event and notifies listeners. The notification
// is delivered only when the surrounding transaction commits.
func (t *pgTx) RecordEvent(ctx context.Context, event RuleEvent) (RuleEvent, error) {
	event.Payload = ensureJSON(event.Payload, "{}")

	var itemID int64
	if err := t.q.QueryRow(ctx, `
		INSERT INTO rule_events (itemid, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, itemid, event_type, payload, created_at
	`, int64(event.ItemID), event.EventType, event.Payload).Scan(
		&event.EventID,
		&itemID,
		&event.EventType,
		&event.Payload,
		&event.CreatedAt,
	); err != nil {
		return RuleEvent{}, fmt.Errorf("insert rule event: %w", err)
	}
	event.ItemID = core.ID(itemID)

	notifyPayload, err := marshalNotifyPayload(event)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := t.q.Exec(ctx, `SELECT pg_notify($1, $2)`, t.notifyChannel, notifyPayload); err != nil {
		return RuleEvent{}, fmt.Errorf("notify rule event: %w", err)
	}

	return event, nil
}

func (t *pgTx) insertCondition(ctx context.Context, itemID core.ID, condition core.Condition) error {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO item_condition (itemid, macro, operator, value, formulaid)
		VALUES ($1, $2, $3, $4, $5)
	`, int64(itemID), condition.Macro, int(condition.Operator), condition.Value, condition.FormulaID); err != nil {
		return fmt.Errorf("insert condition: %w", err)
	}
	return nil
}

func (t *pgTx) insertPreprocessing(ctx context.Context, itemID core.ID, row reconcile.PreprocessingRow) error {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO item_preproc (itemid, step, type, params, error_handler, error_handler_params)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, int64(itemID), row.Step, row.Type, row.Params, row.ErrorHandler, row.ErrorHandlerParams); err != nil {
		return fmt.Errorf("insert preprocessing: %w", err)
	}
	return nil
}

func (t *pgTx) insertMacroPath(ctx context.Context, itemID core.ID, path core.MacroPath) error {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO lld_macro_path (itemid, lld_macro, path)
		VALUES ($1, $2, $3)
	`, int64(itemID), path.LLDMacro, path.Path); err != nil {
		return fmt.Errorf("insert macro path: %w", err)
	}
	return nil
}

func (t *pgTx) insertOverride(ctx context.Context, itemID core.ID, override core.Override) error {
	var evalType *int
	formula := ""
	if override.Filter != nil {
		v := int(override.Filter.EvalType)
		evalType = &v
		formula = filterFormula(*override.Filter)
	}

	var overrideID int64
	if err := t.q.QueryRow(ctx, `
		INSERT INTO lld_override (itemid, name, step, stop, evaltype, formula)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING lld_overrideid
	`, int64(itemID), override.Name, override.Step, override.Stop, evalType, formula).Scan(&overrideID); err != nil {
		return fmt.Errorf("insert override: %w", err)
	}

	if override.Filter != nil {
		for _, condition := range override.Filter.Conditions {
			if _, err := t.q.Exec(ctx, `
				INSERT INTO lld_override_condition (lld_overrideid, macro, operator, value, formulaid)
				VALUES ($1, $2, $3, $4, $5)
			`, overrideID, condition.Macro, int(condition.Operator), condition.Value, condition.FormulaID); err != nil {
				return fmt.Errorf("insert override condition: %w", err)
			}
		}
	}

	for i, operation := range override.Operations {
		if err := t.insertOperation(ctx, overrideID, i, operation); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) insertOperation(ctx context.Context, overrideID int64, position int, op core.Operation) error {
	var operationID int64
	if err := t.q.QueryRow(ctx, `
		INSERT INTO lld_override_operation (lld_overrideid, position, operationobject, operator, value)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING lld_override_operationid
	`, overrideID, position, int(op.OperationObject), int(op.Operator), op.Value).Scan(&operationID); err != nil {
		return fmt.Errorf("insert override operation: %w", err)
	}

	single := []struct {
		table  string
		column string
		value  any
		set    bool
	}{
		{"lld_override_opstatus", "status", valueOf(op.OpStatus, func(v *core.OpStatus) any { return v.Status }), op.OpStatus != nil},
		{"lld_override_opdiscover", "discover", valueOf(op.OpDiscover, func(v *core.OpDiscover) any { return v.Discover }), op.OpDiscover != nil},
		{"lld_override_opperiod", "delay", valueOf(op.OpPeriod, func(v *core.OpPeriod) any { return v.Delay }), op.OpPeriod != nil},
		{"lld_override_ophistory", "history", valueOf(op.OpHistory, func(v *core.OpHistory) any { return v.History }), op.OpHistory != nil},
		{"lld_override_optrends", "trends", valueOf(op.OpTrends, func(v *core.OpTrends) any { return v.Trends }), op.OpTrends != nil},
		{"lld_override_opseverity", "severity", valueOf(op.OpSeverity, func(v *core.OpSeverity) any { return v.Severity }), op.OpSeverity != nil},
		{"lld_override_opinventory", "inventory_mode", valueOf(op.OpInventory, func(v *core.OpInventory) any { return v.InventoryMode }), op.OpInventory != nil},
	}
	for _, sub := range single {
		if !sub.set {
			continue
		}
		sql := fmt.Sprintf(`INSERT INTO %s (lld_override_operationid, %s) VALUES ($1, $2)`, sub.table, sub.column)
		if _, err := t.q.Exec(ctx, sql, operationID, sub.value); err != nil {
			return fmt.Errorf("insert %s: %w", strings.TrimPrefix(sub.table, "lld_override_"), err)
		}
	}

	for _, tag := range op.OpTag {
		if _, err := t.q.Exec(ctx, `
			INSERT INTO lld_override_optag (lld_override_operationid, tag, value)
			VALUES ($1, $2, $3)
		`, operationID, tag.Tag, tag.Value); err != nil {
			return fmt.Errorf("insert optag: %w", err)
		}
	}
	for _, ref := range op.OpTemplate {
		if _, err := t.q.Exec(ctx, `
			INSERT INTO lld_override_optemplate (lld_override_operationid, templateid)
			VALUES ($1, $2)
		`, operationID, int64(ref.TemplateID)); err != nil {
			return fmt.Errorf("insert optemplate: %w", err)
		}
	}
	return nil
}

func valueOf[T any](v *T, get func(*T) any) any {
	if v == nil {
		return nil
	}
	return get(v)
}

// filterFormula returns the formula persisted for a filter. Only custom
// expressions keep theirs.
func filterFormula(filter core.Filter) string {
	if filter.EvalType == core.EvalExpression {
		return filter.Formula
	}
	return ""
}

func requiredPermission(write bool) int {
	if write {
		return permissionReadWrite
	}
	return permissionRead
}

// permissionClause restricts column to hosts the key at $keyArg may access
// with at least the permission at $permArg.
func permissionClause(column string, keyArg, permArg int) string {
	return fmt.Sprintf(`(
		EXISTS (SELECT 1 FROM api_keys k WHERE k.id = $%[2]d AND k.superuser)
		OR EXISTS (
			SELECT 1 FROM host_rights hr
			WHERE hr.api_key_id = $%[2]d
			  AND hr.hostid = %[1]s
			  AND hr.permission >= $%[3]d
		)
	)`, column, keyArg, permArg)
}

func loadRules(ctx context.Context, q querier, query RuleQuery) ([]Rule, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) int {
		args = append(args, v)
		return len(args)
	}

	where = append(where, "i.flags = 1")
	if len(query.ItemIDs) > 0 {
		where = append(where, fmt.Sprintf("i.itemid = ANY($%d)", arg(ids64(query.ItemIDs))))
	}
	if len(query.HostIDs) > 0 {
		where = append(where, fmt.Sprintf("i.hostid = ANY($%d)", arg(ids64(query.HostIDs))))
	}
	if query.KeyID != "" {
		keyArg := arg(query.KeyID)
		permArg := arg(requiredPermission(query.Write))
		where = append(where, permissionClause("i.hostid", keyArg, permArg))
	}

	sql := `
		SELECT i.itemid, i.hostid, i.name, i.key_, i.type, i.delay,
			COALESCE(i.master_itemid, 0), i.status, i.lifetime, i.description,
			COALESCE(i.templateid, 0), i.evaltype, i.formula
		FROM items i
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY i.itemid`
	if query.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", arg(query.Limit))
	}
	if query.Lock {
		sql += " FOR UPDATE"
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	rules := make([]Rule, 0)
	index := make(map[core.ID]int)
	for rows.Next() {
		var rule Rule
		var itemID, hostID, masterID, templateID int64
		var evalType int
		if err := rows.Scan(
			&itemID,
			&hostID,
			&rule.Name,
			&rule.Key,
			&rule.Type,
			&rule.Delay,
			&masterID,
			&rule.Status,
			&rule.Lifetime,
			&rule.Description,
			&templateID,
			&evalType,
			&rule.Filter.Formula,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.ItemID = core.ID(itemID)
		rule.HostID = core.ID(hostID)
		rule.MasterItemID = core.ID(masterID)
		rule.TemplateID = core.ID(templateID)
		rule.Filter.EvalType = core.EvalType(evalType)

		index[rule.ItemID] = len(rules)
		rules = append(rules, rule)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}
	if len(rules) == 0 {
		return rules, nil
	}

	ids := make([]int64, len(rules))
	for i, rule := range rules {
		ids[i] = int64(rule.ItemID)
	}
	if err := loadConditions(ctx, q, ids, rules, index); err != nil {
		return nil, err
	}
	if err := loadPreprocessing(ctx, q, ids, rules, index); err != nil {
		return nil, err
	}
	if err := loadMacroPaths(ctx, q, ids, rules, index); err != nil {
		return nil, err
	}
	if err := loadOverrides(ctx, q, ids, rules, index); err != nil {
		return nil, err
	}

	for i := range rules {
		rule := &rules[i]
		rule.Filter.Conditions = make([]core.Condition, len(rule.Conditions))
		for j, row := range rule.Conditions {
			rule.Filter.Conditions[j] = row.Condition
		}
		rule.DiscoveryRule.Preprocessing = make([]core.PreprocessingStep, len(rule.Preprocessing))
		for j, row := range rule.Preprocessing {
			rule.DiscoveryRule.Preprocessing[j] = row.PreprocessingStep
		}
		rule.DiscoveryRule.Overrides = make([]core.Override, len(rule.Overrides))
		for j, row := range rule.Overrides {
			rule.DiscoveryRule.Overrides[j] = row.Override
		}
		if rule.MacroPaths == nil {
			rule.MacroPaths = []core.MacroPath{}
		}
	}

	return rules, nil
}

func loadConditions(ctx context.Context, q querier, ids []int64, rules []Rule, index map[core.ID]int) error {
	rows, err := q.Query(ctx, `
		SELECT item_conditionid, itemid, macro, operator, value, formulaid
		FROM item_condition
		WHERE itemid = ANY($1)
		ORDER BY item_conditionid
	`, ids)
	if err != nil {
		return fmt.Errorf("list conditions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row reconcile.ConditionRow
		var id, itemID int64
		var operator int
		if err := rows.Scan(&id, &itemID, &row.Macro, &operator, &row.Value, &row.FormulaID); err != nil {
			return fmt.Errorf("scan condition: %w", err)
		}
		row.ID = core.ID(id)
		row.Operator = core.ConditionOperator(operator)
		rule := &rules[index[core.ID(itemID)]]
		rule.Conditions = append(rule.Conditions, row)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list conditions rows: %w", err)
	}
	return nil
}

func loadPreprocessing(ctx context.Context, q querier, ids []int64, rules []Rule, index map[core.ID]int) error {
	rows, err := q.Query(ctx, `
		SELECT item_preprocid, itemid, step, type, params, error_handler, error_handler_params
		FROM item_preproc
		WHERE itemid = ANY($1)
		ORDER BY itemid, step
	`, ids)
	if err != nil {
		return fmt.Errorf("list preprocessing: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row reconcile.PreprocessingRow
		var id, itemID int64
		if err := rows.Scan(&id, &itemID, &row.Step, &row.Type, &row.Params, &row.ErrorHandler, &row.ErrorHandlerParams); err != nil {
			return fmt.Errorf("scan preprocessing: %w", err)
		}
		row.ID = core.ID(id)
		rule := &rules[index[core.ID(itemID)]]
		rule.Preprocessing = append(rule.Preprocessing, row)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list preprocessing rows: %w", err)
	}
	return nil
}

func loadMacroPaths(ctx context.Context, q querier, ids []int64, rules []Rule, index map[core.ID]int) error {
	rows, err := q.Query(ctx, `
		SELECT lld_macro_pathid, itemid, lld_macro, path
		FROM lld_macro_path
		WHERE itemid = ANY($1)
		ORDER BY lld_macro_pathid
	`, ids)
	if err != nil {
		return fmt.Errorf("list macro paths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path core.MacroPath
		var id, itemID int64
		if err := rows.Scan(&id, &itemID, &path.LLDMacro, &path.Path); err != nil {
			return fmt.Errorf("scan macro path: %w", err)
		}
		path.ID = core.ID(id)
		rule := &rules[index[core.ID(itemID)]]
		rule.MacroPaths = append(rule.MacroPaths, path)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list macro paths rows: %w", err)
	}
	return nil
}

type overrideRef struct {
	rule     int
	override int
}

func loadOverrides(ctx context.Context, q querier, ids []int64, rules []Rule, index map[core.ID]int) error {
	rows, err := q.Query(ctx, `
		SELECT lld_overrideid, itemid, name, step, stop, evaltype, formula
		FROM lld_override
		WHERE itemid = ANY($1)
		ORDER BY itemid, step
	`, ids)
	if err != nil {
		return fmt.Errorf("list overrides: %w", err)
	}

	overrides := make(map[int64]overrideRef)
	overrideIDs := make([]int64, 0)
	for rows.Next() {
		var row reconcile.OverrideRow
		var id, itemID int64
		var evalType *int
		var formula string
		if err := rows.Scan(&id, &itemID, &row.Name, &row.Step, &row.Stop, &evalType, &formula); err != nil {
			rows.Close()
			return fmt.Errorf("scan override: %w", err)
		}
		row.ID = core.ID(id)
		if evalType != nil {
			row.Filter = &core.Filter{EvalType: core.EvalType(*evalType), Formula: formula, Conditions: []core.Condition{}}
		}
		row.Operations = []core.Operation{}

		at := index[core.ID(itemID)]
		rules[at].Overrides = append(rules[at].Overrides, row)
		overrides[id] = overrideRef{rule: at, override: len(rules[at].Overrides) - 1}
		overrideIDs = append(overrideIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list overrides rows: %w", err)
	}
	if len(overrideIDs) == 0 {
		return nil
	}

	override := func(id int64) *reconcile.OverrideRow {
		ref := overrides[id]
		return &rules[ref.rule].Overrides[ref.override]
	}

	rows, err = q.Query(ctx, `
		SELECT lld_overrideid, macro, operator, value, formulaid
		FROM lld_override_condition
		WHERE lld_overrideid = ANY($1)
		ORDER BY lld_override_conditionid
	`, overrideIDs)
	if err != nil {
		return fmt.Errorf("list override conditions: %w", err)
	}
	for rows.Next() {
		var overrideID int64
		var condition core.Condition
		var operator int
		if err := rows.Scan(&overrideID, &condition.Macro, &operator, &condition.Value, &condition.FormulaID); err != nil {
			rows.Close()
			return fmt.Errorf("scan override condition: %w", err)
		}
		condition.Operator = core.ConditionOperator(operator)
		if o := override(overrideID); o.Filter != nil {
			o.Filter.Conditions = append(o.Filter.Conditions, condition)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list override conditions rows: %w", err)
	}

	return loadOperations(ctx, q, overrideIDs, override)
}

func loadOperations(ctx context.Context, q querier, overrideIDs []int64, override func(int64) *reconcile.OverrideRow) error {
	rows, err := q.Query(ctx, `
		SELECT o.lld_override_operationid, o.lld_overrideid, o.operationobject, o.operator, o.value,
			st.status, di.discover, pe.delay, hi.history, tr.trends, se.severity, inv.inventory_mode
		FROM lld_override_operation o
		LEFT JOIN lld_override_opstatus st ON st.lld_override_operationid = o.lld_override_operationid
		LEFT JOIN lld_override_opdiscover di ON di.lld_override_operationid = o.lld_override_operationid
		LEFT JOIN lld_override_opperiod pe ON pe.lld_override_operationid = o.lld_override_operationid
		LEFT JOIN lld_override_ophistory hi ON hi.lld_override_operationid = o.lld_override_operationid
		LEFT JOIN lld_override_optrends tr ON tr.lld_override_operationid = o.lld_override_operationid
		LEFT JOIN lld_override_opseverity se ON se.lld_override_operationid = o.lld_override_operationid
		LEFT JOIN lld_override_opinventory inv ON inv.lld_override_operationid = o.lld_override_operationid
		WHERE o.lld_overrideid = ANY($1)
		ORDER BY o.lld_overrideid, o.position
	`, overrideIDs)
	if err != nil {
		return fmt.Errorf("list override operations: %w", err)
	}

	type operationRef struct {
		override int64
		position int
	}
	operations := make(map[int64]operationRef)
	operationIDs := make([]int64, 0)
	for rows.Next() {
		var id, overrideID int64
		var object, operator int
		var op core.Operation
		var status, discover, severity, inventory *int
		var delay, history, trends *string
		if err := rows.Scan(&id, &overrideID, &object, &operator, &op.Value,
			&status, &discover, &delay, &history, &trends, &severity, &inventory); err != nil {
			rows.Close()
			return fmt.Errorf("scan override operation: %w", err)
		}
		op.OperationObject = core.ObjectKind(object)
		op.Operator = core.MatchOperator(operator)
		if status != nil {
			op.OpStatus = &core.OpStatus{Status: *status}
		}
		if discover != nil {
			op.OpDiscover = &core.OpDiscover{Discover: *discover}
		}
		if delay != nil {
			op.OpPeriod = &core.OpPeriod{Delay: *delay}
		}
		if history != nil {
			op.OpHistory = &core.OpHistory{History: *history}
		}
		if trends != nil {
			op.OpTrends = &core.OpTrends{Trends: *trends}
		}
		if severity != nil {
			op.OpSeverity = &core.OpSeverity{Severity: *severity}
		}
		if inventory != nil {
			op.OpInventory = &core.OpInventory{InventoryMode: *inventory}
		}

		o := override(overrideID)
		o.Operations = append(o.Operations, op)
		operations[id] = operationRef{override: overrideID, position: len(o.Operations) - 1}
		operationIDs = append(operationIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list override operations rows: %w", err)
	}
	if len(operationIDs) == 0 {
		return nil
	}

	operation := func(id int64) *core.Operation {
		ref := operations[id]
		return &override(ref.override).Operations[ref.position]
	}

	rows, err = q.Query(ctx, `
		SELECT lld_override_operationid, tag, value
		FROM lld_override_optag
		WHERE lld_override_operationid = ANY($1)
		ORDER BY lld_override_optagid
	`, operationIDs)
	if err != nil {
		return fmt.Errorf("list optags: %w", err)
	}
	for rows.Next() {
		var operationID int64
		var tag core.Tag
		if err := rows.Scan(&operationID, &tag.Tag, &tag.Value); err != nil {
			rows.Close()
			return fmt.Errorf("scan optag: %w", err)
		}
		op := operation(operationID)
		op.OpTag = append(op.OpTag, tag)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list optags rows: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT lld_override_operationid, templateid
		FROM lld_override_optemplate
		WHERE lld_override_operationid = ANY($1)
		ORDER BY lld_override_optemplateid
	`, operationIDs)
	if err != nil {
		return fmt.Errorf("list optemplates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var operationID, templateID int64
		if err := rows.Scan(&operationID, &templateID); err != nil {
			return fmt.Errorf("scan optemplate: %w", err)
		}
		op := operation(operationID)
		op.OpTemplate = append(op.OpTemplate, core.TemplateRef{TemplateID: core.ID(templateID)})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list optemplates rows: %w", err)
	}
	return nil
}

// MarshalRulePayload renders a rule as an event payload.
func MarshalRulePayload(rule core.DiscoveryRule) (json.RawMessage, error) {
	payload, err := json.Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("marshal rule payload: %w", err)
	}
	return payload, nil
}
