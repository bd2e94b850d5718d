package repository

// Schema definitions for Kestrel.
// Compatible with both SQLite and PostgreSQL. Timestamps are stored as
// Unix nanoseconds so both drivers scan them identically.

const schemaGraph = `
CREATE TABLE IF NOT EXISTS graph_nodes (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    properties TEXT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_kind ON graph_nodes(kind);

CREATE TABLE IF NOT EXISTS graph_edges (
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    properties TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (from_id, to_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_graph_edges_to ON graph_edges(to_id);
`

const schemaSignals = `
CREATE TABLE IF NOT EXISTS mev_signals (
    id TEXT PRIMARY KEY,
    dedup_key TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    block_number BIGINT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    target_tx_hash TEXT NOT NULL,
    payload TEXT NOT NULL,
    detected_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mev_signals_block ON mev_signals(block_number);
`

const schemaRiskScores = `
CREATE TABLE IF NOT EXISTS risk_scores (
    subject TEXT NOT NULL,
    version BIGINT NOT NULL,
    kind TEXT NOT NULL,
    value DOUBLE PRECISION NOT NULL,
    method TEXT NOT NULL,
    payload TEXT NOT NULL,
    computed_at BIGINT NOT NULL,
    PRIMARY KEY (subject, version)
);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    rule_id TEXT NOT NULL,
    status TEXT NOT NULL,
    priority TEXT NOT NULL,
    payload TEXT NOT NULL,
    triggered_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_id);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);

CREATE TABLE IF NOT EXISTS dead_letters (
    id TEXT PRIMARY KEY,
    alert_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    failed_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_alert ON dead_letters(alert_id);

CREATE TABLE IF NOT EXISTS alert_deliveries (
    alert_id TEXT PRIMARY KEY,
    attempts INTEGER NOT NULL,
    delivered_at BIGINT NOT NULL
);
`

const schemaAlertRules = `
CREATE TABLE IF NOT EXISTS alert_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    condition TEXT NOT NULL,
    threshold DOUBLE PRECISION NOT NULL,
    priority TEXT NOT NULL,
    cooldown_ns BIGINT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    updated_at BIGINT NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaGraph,
		schemaSignals,
		schemaRiskScores,
		schemaAlerts,
		schemaAlertRules,
	}
}
