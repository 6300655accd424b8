package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaSignals = `
CREATE TABLE IF NOT EXISTS signals (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    sender TEXT,
    caller_id TEXT,
    urls TEXT,
    recipients TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_signals_tenant ON signals(tenant_id);
CREATE INDEX IF NOT EXISTS idx_signals_timestamp ON signals(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_signals_channel ON signals(tenant_id, channel);
`

// signal_keys maps each signal to its extracted correlation keys.
// Feeds key-velocity queries and graph restore on restart.
const schemaSignalKeys = `
CREATE TABLE IF NOT EXISTS signal_keys (
    tenant_id TEXT NOT NULL,
    signal_id TEXT NOT NULL,
    key TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, signal_id, key)
);

CREATE INDEX IF NOT EXISTS idx_signal_keys_key ON signal_keys(tenant_id, key, timestamp);
`

const schemaDetections = `
CREATE TABLE IF NOT EXISTS detections (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    signal_id TEXT NOT NULL,
    score REAL NOT NULL,
    band TEXT NOT NULL,
    action TEXT NOT NULL,
    confidence REAL NOT NULL,
    campaign_id TEXT,
    record TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_tenant ON detections(tenant_id);
CREATE INDEX IF NOT EXISTS idx_detections_signal ON detections(tenant_id, signal_id);
CREATE INDEX IF NOT EXISTS idx_detections_band ON detections(tenant_id, band);
CREATE INDEX IF NOT EXISTS idx_detections_campaign ON detections(tenant_id, campaign_id);
`

const schemaCampaignNodes = `
CREATE TABLE IF NOT EXISTS campaign_nodes (
    tenant_id TEXT NOT NULL,
    key_kind TEXT NOT NULL,
    key_value TEXT NOT NULL,
    first_seen TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL,
    signal_ids TEXT NOT NULL,
    PRIMARY KEY (tenant_id, key_kind, key_value)
);

CREATE INDEX IF NOT EXISTS idx_campaign_nodes_tenant ON campaign_nodes(tenant_id);
`

const schemaCampaignEdges = `
CREATE TABLE IF NOT EXISTS campaign_edges (
    tenant_id TEXT NOT NULL,
    key_a TEXT NOT NULL,
    key_b TEXT NOT NULL,
    reason TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    refreshed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, key_a, key_b)
);

CREATE INDEX IF NOT EXISTS idx_campaign_edges_tenant ON campaign_edges(tenant_id);
`

const schemaAlertPolicies = `
CREATE TABLE IF NOT EXISTS alert_policies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_alert_policies_tenant ON alert_policies(tenant_id);
CREATE INDEX IF NOT EXISTS idx_alert_policies_enabled ON alert_policies(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSignals,
		schemaSignalKeys,
		schemaDetections,
		schemaCampaignNodes,
		schemaCampaignEdges,
		schemaAlertPolicies,
	}
}
