package repository

// Schema definitions for the FieldPay database.
// Compatible with both SQLite and PostgreSQL. Money columns hold decimal
// strings so no precision is lost on either driver.

const schemaAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    phone TEXT,
    verification_status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);
`

const schemaPayments = `
CREATE TABLE IF NOT EXISTS payments (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    method TEXT NOT NULL,
    status TEXT NOT NULL,
    batch_id TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_payments_agent_created ON payments(tenant_id, agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_payments_agent_status ON payments(tenant_id, agent_id, status);
CREATE INDEX IF NOT EXISTS idx_payments_batch ON payments(tenant_id, batch_id);
`

const schemaBatches = `
CREATE TABLE IF NOT EXISTS payment_batches (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    expected_total TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);
`

const schemaFraudRules = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    threshold DOUBLE PRECISION NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    params TEXT NOT NULL,
    condition_expr TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_rules_enabled ON fraud_rules(tenant_id, enabled);
`

// schemaFraudAlerts holds one row per (payment, rule) trigger. The partial
// unique index enforces at most one open alert per (payment, rule).
const schemaFraudAlerts = `
CREATE TABLE IF NOT EXISTS fraud_alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    payment_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    evidence TEXT NOT NULL,
    detected_at TIMESTAMP NOT NULL,
    last_evaluated_at TIMESTAMP NOT NULL,
    evaluations INTEGER NOT NULL DEFAULT 1,
    reviewed_by TEXT,
    resolution_notes TEXT,
    resolved_at TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_fraud_alerts_open ON fraud_alerts(tenant_id, payment_id, rule_id) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_status ON fraud_alerts(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_fraud_alerts_detected ON fraud_alerts(tenant_id, detected_at);
`

const schemaReconciliations = `
CREATE TABLE IF NOT EXISTS payment_reconciliations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    payment_id TEXT NOT NULL,
    batch_id TEXT,
    run_id TEXT,
    reconciliation_date TIMESTAMP NOT NULL,
    opening_balance TEXT NOT NULL,
    closing_balance TEXT NOT NULL,
    difference TEXT NOT NULL,
    status TEXT NOT NULL,
    variance_reason TEXT,
    documents TEXT,
    notes TEXT,
    reconciled_by TEXT NOT NULL,
    resolved_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_reconciliations_run ON payment_reconciliations(tenant_id, payment_id, run_id);
CREATE INDEX IF NOT EXISTS idx_reconciliations_status ON payment_reconciliations(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_reconciliations_date ON payment_reconciliations(tenant_id, reconciliation_date);
`

const schemaAuditTrail = `
CREATE TABLE IF NOT EXISTS payment_audit_trail (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    payment_id TEXT NOT NULL,
    action TEXT NOT NULL,
    actor TEXT NOT NULL,
    old_values TEXT,
    new_values TEXT,
    notes TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_payment ON payment_audit_trail(tenant_id, payment_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAgents,
		schemaPayments,
		schemaBatches,
		schemaFraudRules,
		schemaFraudAlerts,
		schemaReconciliations,
		schemaAuditTrail,
	}
}
