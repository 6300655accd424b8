package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Signal operations
	SaveSignal(ctx context.Context, tenantID string, sig *Signal) error
	GetSignal(ctx context.Context, tenantID string, signalID string) (*Signal, error)

	// SaveSignalKeys records the correlation keys extracted for a signal,
	// used for key-velocity queries and graph restore. Keys are the
	// canonical "kind:value" form.
	SaveSignalKeys(ctx context.Context, tenantID string, signalID string, keys []string, ts time.Time) error

	// CountSignalsByKey returns how many signals referenced a correlation
	// key since the given instant.
	CountSignalsByKey(ctx context.Context, tenantID string, key string, since time.Time) (int64, error)

	// ListSignalRefs returns the signal references needed to rebuild the
	// in-memory campaign graph, ordered by timestamp ascending.
	ListSignalRefs(ctx context.Context, tenantID string) ([]SignalRef, error)

	// Detection operations
	SaveDetection(ctx context.Context, tenantID string, rec *ExplanationRecord) error
	GetDetection(ctx context.Context, tenantID string, detectionID string) (*ExplanationRecord, error)

	// Campaign graph audit store. Nodes and edges are upserted on every
	// observation and never deleted; the in-memory graph restores from
	// here on restart.
	UpsertCampaignNode(ctx context.Context, tenantID string, node *CampaignNode) error
	UpsertCampaignEdge(ctx context.Context, tenantID string, edge *CampaignEdge) error
	GetCampaignNode(ctx context.Context, tenantID string, key string) (*CampaignNode, error)
	ListCampaignNodes(ctx context.Context, tenantID string) ([]*CampaignNode, error)
	ListCampaignEdges(ctx context.Context, tenantID string) ([]*CampaignEdge, error)

	// Alert policy operations
	SaveAlertPolicy(ctx context.Context, tenantID string, policy *AlertPolicy) error
	ListAlertPolicies(ctx context.Context, tenantID string) ([]*AlertPolicy, error)
	DeleteAlertPolicy(ctx context.Context, tenantID string, policyID string) error

	// ListTenants returns the tenant IDs with campaign graph state,
	// used to restore per-tenant graphs at startup.
	ListTenants(ctx context.Context) ([]string, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
