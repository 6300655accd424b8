// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fraudwatch/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveSignal stores a signal with tenant isolation. Saving an already
// stored signal id is a no-op so replayed requests stay idempotent.
func (r *SQLRepository) SaveSignal(ctx context.Context, tenantID string, sig *domain.Signal) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	urls, _ := json.Marshal(sig.URLs)
	recipients, _ := json.Marshal(sig.Recipients)
	metadata, _ := json.Marshal(sig.Metadata)

	query := `
		INSERT INTO signals (
			id, tenant_id, channel, sender, caller_id,
			urls, recipients, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		sig.ID, tenantID, string(sig.Channel),
		sig.Sender, sig.CallerID,
		string(urls), string(recipients),
		sig.Timestamp, sig.CreatedAt,
		string(metadata),
	)
	return err
}

// GetSignal retrieves a signal by ID with tenant isolation.
func (r *SQLRepository) GetSignal(ctx context.Context, tenantID string, signalID string) (*domain.Signal, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, channel, sender, caller_id,
			   urls, recipients, timestamp, created_at, metadata
		FROM signals
		WHERE tenant_id = ? AND id = ?
	`

	var sig domain.Signal
	var channel, urls, recipients, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, signalID).Scan(
		&sig.ID, &sig.TenantID, &channel,
		&sig.Sender, &sig.CallerID,
		&urls, &recipients,
		&sig.Timestamp, &sig.CreatedAt,
		&metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sig.Channel = domain.ChannelKind(channel)
	json.Unmarshal([]byte(urls), &sig.URLs)
	json.Unmarshal([]byte(recipients), &sig.Recipients)
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &sig.Metadata)
	}

	return &sig, nil
}

// SaveSignalKeys records the correlation keys extracted for a signal.
func (r *SQLRepository) SaveSignalKeys(ctx context.Context, tenantID string, signalID string, keys []string, ts time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO signal_keys (tenant_id, signal_id, key, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, signal_id, key) DO NOTHING
	`

	for _, key := range keys {
		if _, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, signalID, key, ts); err != nil {
			return err
		}
	}
	return nil
}

// CountSignalsByKey returns how many signals referenced a correlation
// key since the given instant.
func (r *SQLRepository) CountSignalsByKey(ctx context.Context, tenantID string, key string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM signal_keys
		WHERE tenant_id = ? AND key = ? AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, key, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count signals by key: %w", err)
	}
	return count, nil
}

// ListSignalRefs rebuilds the per-signal references for graph restore.
func (r *SQLRepository) ListSignalRefs(ctx context.Context, tenantID string) ([]domain.SignalRef, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT sk.signal_id, s.channel, s.timestamp, sk.key
		FROM signal_keys sk
		JOIN signals s ON s.id = sk.signal_id AND s.tenant_id = sk.tenant_id
		WHERE sk.tenant_id = ?
		ORDER BY s.timestamp, sk.signal_id, sk.key
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []domain.SignalRef
	index := make(map[string]int)

	for rows.Next() {
		var signalID, channel, key string
		var ts time.Time
		if err := rows.Scan(&signalID, &channel, &ts, &key); err != nil {
			return nil, err
		}

		i, ok := index[signalID]
		if !ok {
			refs = append(refs, domain.SignalRef{
				SignalID:  signalID,
				Channel:   domain.ChannelKind(channel),
				Timestamp: ts,
			})
			i = len(refs) - 1
			index[signalID] = i
		}
		refs[i].Keys = append(refs[i].Keys, key)
	}

	return refs, rows.Err()
}

// SaveDetection stores a detection record with tenant isolation. The
// full record is kept as JSON alongside the queryable columns.
func (r *SQLRepository) SaveDetection(ctx context.Context, tenantID string, rec *domain.ExplanationRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal detection record: %w", err)
	}

	query := `
		INSERT INTO detections (
			id, tenant_id, signal_id, score, band, action,
			confidence, campaign_id, record, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, tenantID, rec.SignalID,
		rec.UnifiedScore, string(rec.Band), string(rec.Action),
		rec.Confidence, rec.CampaignID, string(record), rec.Timestamp,
	)
	return err
}

// GetDetection retrieves the detection for a signal with tenant
// isolation. The id parameter matches either the detection id or the
// signal id; replay lookups use the latter.
func (r *SQLRepository) GetDetection(ctx context.Context, tenantID string, detectionID string) (*domain.ExplanationRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT record FROM detections
		WHERE tenant_id = ? AND (id = ? OR signal_id = ?)
		ORDER BY timestamp
		LIMIT 1
	`

	var record string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, detectionID, detectionID).Scan(&record)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec domain.ExplanationRecord
	if err := json.Unmarshal([]byte(record), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse detection record: %w", err)
	}
	return &rec, nil
}

// UpsertCampaignNode stores or refreshes a campaign graph node.
func (r *SQLRepository) UpsertCampaignNode(ctx context.Context, tenantID string, node *domain.CampaignNode) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	signalIDs, _ := json.Marshal(node.SignalIDs)

	query := `
		INSERT INTO campaign_nodes (
			tenant_id, key_kind, key_value, first_seen, last_seen, signal_ids
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, key_kind, key_value) DO UPDATE SET
			last_seen = excluded.last_seen,
			signal_ids = excluded.signal_ids
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, string(node.Key.Kind), node.Key.Value,
		node.FirstSeen, node.LastSeen, string(signalIDs),
	)
	return err
}

// UpsertCampaignEdge stores or refreshes a campaign graph edge.
func (r *SQLRepository) UpsertCampaignEdge(ctx context.Context, tenantID string, edge *domain.CampaignEdge) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO campaign_edges (
			tenant_id, key_a, key_b, reason, created_at, refreshed_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, key_a, key_b) DO UPDATE SET
			reason = excluded.reason,
			refreshed_at = excluded.refreshed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, edge.A, edge.B, string(edge.Reason),
		edge.CreatedAt, edge.RefreshedAt,
	)
	return err
}

// GetCampaignNode retrieves a node by its arena key with tenant isolation.
func (r *SQLRepository) GetCampaignNode(ctx context.Context, tenantID string, key string) (*domain.CampaignNode, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	kind, value, ok := splitKey(key)
	if !ok {
		return nil, fmt.Errorf("%w: malformed node key %q", ErrInvalidInput, key)
	}

	query := `
		SELECT key_kind, key_value, first_seen, last_seen, signal_ids
		FROM campaign_nodes
		WHERE tenant_id = ? AND key_kind = ? AND key_value = ?
	`

	node, err := scanNode(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, kind, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return node, err
}

// ListCampaignNodes returns all nodes for a tenant.
func (r *SQLRepository) ListCampaignNodes(ctx context.Context, tenantID string) ([]*domain.CampaignNode, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT key_kind, key_value, first_seen, last_seen, signal_ids
		FROM campaign_nodes
		WHERE tenant_id = ?
		ORDER BY key_kind, key_value
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*domain.CampaignNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// ListCampaignEdges returns all edges for a tenant, expired included.
func (r *SQLRepository) ListCampaignEdges(ctx context.Context, tenantID string) ([]*domain.CampaignEdge, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT key_a, key_b, reason, created_at, refreshed_at
		FROM campaign_edges
		WHERE tenant_id = ?
		ORDER BY key_a, key_b
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*domain.CampaignEdge
	for rows.Next() {
		var edge domain.CampaignEdge
		var reason string
		if err := rows.Scan(&edge.A, &edge.B, &reason, &edge.CreatedAt, &edge.RefreshedAt); err != nil {
			return nil, err
		}
		edge.Reason = domain.EdgeReason(reason)
		edges = append(edges, &edge)
	}
	return edges, rows.Err()
}

// SaveAlertPolicy stores or updates an alert policy with tenant isolation.
func (r *SQLRepository) SaveAlertPolicy(ctx context.Context, tenantID string, policy *domain.AlertPolicy) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if policy.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := policy.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO alert_policies (
			id, tenant_id, name, description, expression, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		policy.ID, tenantID, policy.Name, policy.Description,
		policy.Expression, enabled, createdAt, now,
	)
	return err
}

// ListAlertPolicies returns all enabled policies for a tenant.
func (r *SQLRepository) ListAlertPolicies(ctx context.Context, tenantID string) ([]*domain.AlertPolicy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, enabled, created_at, updated_at
		FROM alert_policies
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.AlertPolicy
	for rows.Next() {
		var p domain.AlertPolicy
		var enabled int
		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.Name, &p.Description,
			&p.Expression, &enabled, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		p.Enabled = enabled == 1
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}

// DeleteAlertPolicy soft-deletes a policy by setting enabled = 0.
func (r *SQLRepository) DeleteAlertPolicy(ctx context.Context, tenantID string, policyID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE alert_policies
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, policyID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListTenants returns the tenant IDs with campaign graph state.
func (r *SQLRepository) ListTenants(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT tenant_id FROM campaign_nodes ORDER BY tenant_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanNode(s scanner) (*domain.CampaignNode, error) {
	var node domain.CampaignNode
	var kind, value, signalIDs string

	if err := s.Scan(&kind, &value, &node.FirstSeen, &node.LastSeen, &signalIDs); err != nil {
		return nil, err
	}

	node.Key = domain.CorrelationKey{Kind: domain.KeyKind(kind), Value: value}
	json.Unmarshal([]byte(signalIDs), &node.SignalIDs)
	return &node, nil
}

// splitKey splits an arena key "kind:value" into its parts.
func splitKey(key string) (kind, value string, ok bool) {
	i := strings.Index(key, ":")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
