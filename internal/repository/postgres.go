// Package repository provides PostgreSQL-backed persistence for addon rules,
// API keys, rule events, and the audit log. It also handles LISTEN/NOTIFY
// based cache invalidation so the service layer stays fresh without polling
// the database into submission.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultNotifyChannel = "rule_events"
	maxEventBatchSize    = 1000
)

// StoredRule is the repository-level representation of a rule row. Condition
// groups and actions stay as raw JSON here; the service layer decodes them
// into engine types and validates them before anything reaches this package.
type StoredRule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	AddonID         string          `json:"addon_id,omitempty"`
	Scope           string          `json:"scope"`
	ScopeID         string          `json:"scope_id,omitempty"`
	Priority        int             `json:"priority"`
	Enabled         bool            `json:"enabled"`
	GroupMatch      string          `json:"group_match,omitempty"`
	ConditionGroups json.RawMessage `json:"condition_groups"`
	Actions         json.RawMessage `json:"actions"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// APIKey represents a stored API key record used for bearer-token authentication.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleEvent represents a change event for a rule, stored in the rule_events
// table and used to drive SSE streaming and client cache invalidation.
type RuleEvent struct {
	EventID   int64           `json:"event_id"`
	RuleID    string          `json:"rule_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditLogEntry records a mutation performed on a rule for audit purposes.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	APIKeyID  string          `json:"api_key_id,omitempty"`
	Action    string          `json:"action"`
	RuleID    string          `json:"rule_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements rule, API key, event, and audit persistence
// backed by a pgxpool connection pool. It also supports LISTEN/NOTIFY for
// real-time cache invalidation.
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

const ruleColumns = `id, name, addon_id, scope, scope_id, priority, enabled, group_match, condition_groups, actions, created_at, updated_at`

func scanRule(row pgx.Row) (StoredRule, error) {
	var r StoredRule
	err := row.Scan(
		&r.ID,
		&r.Name,
		&r.AddonID,
		&r.Scope,
		&r.ScopeID,
		&r.Priority,
		&r.Enabled,
		&r.GroupMatch,
		&r.ConditionGroups,
		&r.Actions,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

// CreateRule inserts a new rule row and returns the created record with its
// generated ID and server timestamps. An empty rule.ID gets a fresh UUID.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule StoredRule) (StoredRule, error) {
	id := rule.ID
	if id == "" {
		id = uuid.NewString()
	}
	created, err := scanRule(r.pool.QueryRow(ctx, `
		INSERT INTO rules (id, name, addon_id, scope, scope_id, priority, enabled, group_match, condition_groups, actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+ruleColumns,
		id,
		rule.Name,
		rule.AddonID,
		rule.Scope,
		rule.ScopeID,
		rule.Priority,
		rule.Enabled,
		rule.GroupMatch,
		ensureJSON(rule.ConditionGroups, "[]"),
		ensureJSON(rule.Actions, "[]"),
	))
	if err != nil {
		return StoredRule{}, fmt.Errorf("create rule: %w", err)
	}

	return created, nil
}

// UpdateRule updates an existing rule row identified by ID and returns the
// updated record. Returns pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule StoredRule) (StoredRule, error) {
	updated, err := scanRule(r.pool.QueryRow(ctx, `
		UPDATE rules
		SET name = $2,
		    addon_id = $3,
		    scope = $4,
		    scope_id = $5,
		    priority = $6,
		    enabled = $7,
		    group_match = $8,
		    condition_groups = $9,
		    actions = $10,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+ruleColumns,
		rule.ID,
		rule.Name,
		rule.AddonID,
		rule.Scope,
		rule.ScopeID,
		rule.Priority,
		rule.Enabled,
		rule.GroupMatch,
		ensureJSON(rule.ConditionGroups, "[]"),
		ensureJSON(rule.Actions, "[]"),
	))
	if err != nil {
		return StoredRule{}, fmt.Errorf("update rule: %w", err)
	}

	return updated, nil
}

// GetRule retrieves a single rule by ID. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetRule(ctx context.Context, id string) (StoredRule, error) {
	rule, err := scanRule(r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1
	`, id))
	if err != nil {
		return StoredRule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ListRules returns all rules ordered by priority then ID, the same order
// the engine evaluates them in.
func (r *PostgresRepository) ListRules(ctx context.Context) ([]StoredRule, error) {
	return r.listRules(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		ORDER BY priority, id
	`)
}

// ListEnabledRules returns only enabled rules ordered by priority then ID.
// The service cache loads from this on startup and on invalidation.
func (r *PostgresRepository) ListEnabledRules(ctx context.Context) ([]StoredRule, error) {
	return r.listRules(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE enabled
		ORDER BY priority, id
	`)
}

// ListRulesForScope returns enabled rules applying to the given product and
// categories: global rules, category rules matching one of the categories,
// and product rules matching the product ID.
func (r *PostgresRepository) ListRulesForScope(ctx context.Context, productID string, categories []string) ([]StoredRule, error) {
	return r.listRules(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE enabled
		  AND (scope = 'global'
		    OR (scope = 'category' AND scope_id = ANY($2))
		    OR (scope = 'product' AND scope_id = $1))
		ORDER BY priority, id
	`, productID, categories)
}

func (r *PostgresRepository) listRules(ctx context.Context, query string, args ...any) ([]StoredRule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]StoredRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	return rules, nil
}

// DeleteRule removes a rule by ID. Returns pgx.ErrNoRows (wrapped) if the
// rule does not exist.
func (r *PostgresRepository) DeleteRule(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete rule: %w", pgx.ErrNoRows)
	}

	return nil
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// do the bcrypt comparison outside this package.
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
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
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

	if name == "" {
		name = "api-key-" + keyID[:8]
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
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
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// DeleteAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete api key: %w", pgx.ErrNoRows)
	}
	return nil
}

// ListEventsSince returns up to 1000 rule events with IDs greater than
// eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]RuleEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, rule_id, event_type, payload, created_at
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
		if err := rows.Scan(
			&event.EventID,
			&event.RuleID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishRuleEvent inserts a rule event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishRuleEvent(ctx context.Context, event RuleEvent) (RuleEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created RuleEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO rule_events (rule_id, event_type, payload)
		VALUES ($1, $2, $3)
		RETURNING event_id, rule_id, event_type, payload, created_at
	`,
		event.RuleID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.RuleID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return RuleEvent{}, fmt.Errorf("insert rule event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return RuleEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return RuleEvent{}, fmt.Errorf("notify rule event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RuleEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
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

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (api_key_id, action, rule_id, details)
		VALUES ($1, $2, $3, $4)
	`, entry.APIKeyID, entry.Action, entry.RuleID, entry.Details)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns audit log entries, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, api_key_id, action, rule_id, details, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.APIKeyID, &e.Action, &e.RuleID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit log rows: %w", err)
	}
	return entries, nil
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
		RuleID    string `json:"rule_id"`
		EventType string `json:"event_type"`
	}{
		RuleID:    event.RuleID,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
