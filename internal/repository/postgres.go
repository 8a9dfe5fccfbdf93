// Package repository provides PostgreSQL-backed persistence for discovery
// rules and their child collections, hosts, API keys, and rule change events.
// Every write happens inside a caller-supplied transaction, and committed
// changes are announced with LISTEN/NOTIFY so the service layer can drop
// compiled rulesets without polling.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/reconcile"
)

const (
	defaultNotifyChannel = "rule_events"
	maxEventBatchSize    = 1000

	// Host status of a template.
	hostStatusTemplate = 3

	permissionRead      = 2
	permissionReadWrite = 3

	flagsPlain = 0
	flagsRule  = 1
)

// Host is a host or template row.
type Host struct {
	ID       core.ID `json:"hostid"`
	Name     string  `json:"host"`
	Template bool    `json:"template"`
}

// Item is the subset of an item row needed to resolve master items and key
// collisions. Discovery rules are items with Rule set.
type Item struct {
	ID           core.ID `json:"itemid"`
	HostID       core.ID `json:"hostid"`
	Name         string  `json:"name"`
	Key          string  `json:"key_"`
	Type         int     `json:"type"`
	MasterItemID core.ID `json:"master_itemid"`
	Rule         bool    `json:"-"`
}

// Rule is a persisted discovery rule together with the row identities of its
// child collections.
type Rule struct {
	core.DiscoveryRule
	Conditions    []reconcile.ConditionRow
	Preprocessing []reconcile.PreprocessingRow
	Overrides     []reconcile.OverrideRow
}

// RuleQuery selects discovery rules. Empty id lists do not filter.
type RuleQuery struct {
	ItemIDs []core.ID
	HostIDs []core.ID
	// KeyID restricts the result to rules on hosts the API key may access.
	KeyID string
	Write bool
	// Lock takes row locks on the selected rules until the transaction ends.
	Lock  bool
	Limit int
}

// RuleChanges describes an update of one rule. A nil plan leaves the child
// collection untouched.
type RuleChanges struct {
	Rule          core.DiscoveryRule
	Conditions    *reconcile.Plan[reconcile.ConditionRow]
	Preprocessing *reconcile.Plan[reconcile.PreprocessingRow]
	MacroPaths    *reconcile.Plan[core.MacroPath]
	Overrides     *reconcile.Plan[reconcile.OverrideRow]
}

// APIKeyMeta contains non-sensitive metadata for an API key.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Superuser bool      `json:"superuser"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleEvent is a committed change of a discovery rule.
type RuleEvent struct {
	EventID   int64           `json:"event_id"`
	ItemID    core.ID         `json:"itemid"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// RuleTx is the set of operations available inside one transaction.
type RuleTx interface {
	Hosts(ctx context.Context, ids []core.ID, keyID string, write bool) (map[core.ID]Host, error)
	Templates(ctx context.Context, ids []core.ID) (map[core.ID]Host, error)
	Items(ctx context.Context, ids []core.ID) (map[core.ID]Item, error)
	ItemsByKey(ctx context.Context, hostID core.ID, keys []string) (map[string]Item, error)
	Rules(ctx context.Context, query RuleQuery) ([]Rule, error)
	InsertRule(ctx context.Context, rule core.DiscoveryRule) (core.ID, error)
	UpdateRule(ctx context.Context, changes RuleChanges) error
	DeleteRules(ctx context.Context, ids []core.ID) error
	RecordEvent(ctx context.Context, event RuleEvent) (RuleEvent, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements discovery rule, API key, and event
// persistence backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "rule_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for rule event notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(RuleTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx, notifyChannel: r.notifyChannel}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListRules loads the rules selected by query outside of any transaction.
func (r *PostgresRepository) ListRules(ctx context.Context, query RuleQuery) ([]Rule, error) {
	query.Lock = false
	return loadRules(ctx, r.pool, query)
}

// ListEventsSince returns up to 1000 rule events with IDs greater than
// eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]RuleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, itemid, event_type, payload, created_at
		FROM rule_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]RuleEvent, 0)
	for rows.Next() {
		var event RuleEvent
		var itemID int64
		if err := rows.Scan(
			&event.EventID,
			&itemID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.ItemID = core.ID(itemID)

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// CreateHost inserts a host, or a template when template is set.
func (r *PostgresRepository) CreateHost(ctx context.Context, name string, template bool) (core.ID, error) {
	status := 0
	if template {
		status = hostStatusTemplate
	}

	var id int64
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO hosts (host, status)
		VALUES ($1, $2)
		RETURNING hostid
	`, name, status).Scan(&id); err != nil {
		return 0, fmt.Errorf("create host: %w", err)
	}
	return core.ID(id), nil
}

// CreateItem inserts a plain item that discovery rules can use as master.
func (r *PostgresRepository) CreateItem(ctx context.Context, item Item) (core.ID, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO items (hostid, name, key_, type, master_itemid, flags)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING itemid
	`,
		int64(item.HostID),
		item.Name,
		item.Key,
		item.Type,
		nullableID(item.MasterItemID),
		flagsPlain,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("create item: %w", err)
	}
	return core.ID(id), nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// should do the secret comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string, superuser bool) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash, superuser)
		VALUES ($1, $2, $3, $4)
	`, keyID, name, string(hash), superuser)
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// GrantHost gives an API key read, or read-write, access to a host.
func (r *PostgresRepository) GrantHost(ctx context.Context, keyID string, hostID core.ID, write bool) error {
	permission := permissionRead
	if write {
		permission = permissionReadWrite
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO host_rights (api_key_id, hostid, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (api_key_id, hostid) DO UPDATE SET permission = EXCLUDED.permission
	`, keyID, int64(hostID), permission)
	if err != nil {
		return fmt.Errorf("grant host: %w", err)
	}
	return nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, superuser, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.Superuser, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return noRows("revoke api key", commandTag)
}

// SubscribeRuleInvalidation returns a channel that receives a signal whenever
// a rule event notification arrives on the PostgreSQL LISTEN channel. The
// channel is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runRuleInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runRuleInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForRuleInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRuleInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for rule event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func noRows(operation string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event RuleEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		EventID   int64   `json:"event_id"`
		ItemID    core.ID `json:"itemid"`
		EventType string  `json:"event_type"`
	}{
		EventID:   event.EventID,
		ItemID:    event.ItemID,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

func ids64(ids []core.ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func nullableID(id core.ID) *int64 {
	if id == 0 {
		return nil
	}
	v := int64(id)
	return &v
}
