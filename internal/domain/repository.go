// Package domain defines the core interfaces and types for FieldPay.
package domain

import (
	"context"
	"time"
)

// PaymentLedger is the payment ledger and agent read model.
// All methods require tenantID for strict multi-tenancy isolation.
type PaymentLedger interface {
	SaveAgent(ctx context.Context, tenantID string, agent *Agent) error
	GetAgent(ctx context.Context, tenantID string, agentID string) (*Agent, error)

	// SavePayment inserts a new payment and its creation audit entry.
	SavePayment(ctx context.Context, tenantID string, payment *Payment, actor Actor) error
	GetPayment(ctx context.Context, tenantID string, paymentID string) (*Payment, error)

	// TransitionPayment validates and applies a status change, writing an
	// audit entry in the same transaction.
	TransitionPayment(ctx context.Context, tenantID string, paymentID string, next PaymentStatus, actor Actor, notes string) (*Payment, error)

	// ListPaymentsByAgent returns the agent's payments created in [from, to].
	// A zero to means no upper bound.
	ListPaymentsByAgent(ctx context.Context, tenantID string, agentID string, from, to time.Time) ([]*Payment, error)
	ListPaymentsByAgentStatus(ctx context.Context, tenantID string, agentID string, status PaymentStatus, from, to time.Time) ([]*Payment, error)
	CountPaymentsByAgent(ctx context.Context, tenantID string, agentID string, from, to time.Time) (int, error)
	CountPaymentsByAgentStatus(ctx context.Context, tenantID string, agentID string, status PaymentStatus) (int, error)

	SaveBatch(ctx context.Context, tenantID string, batch *PaymentBatch) error
	GetBatch(ctx context.Context, tenantID string, batchID string) (*PaymentBatch, error)
	ListPaymentsByBatch(ctx context.Context, tenantID string, batchID string) ([]*Payment, error)
}

// RuleStore persists fraud rule configuration.
type RuleStore interface {
	SaveRule(ctx context.Context, tenantID string, rule *FraudRule) error
	// InsertRuleIfAbsent inserts the rule unless one with the same id exists.
	InsertRuleIfAbsent(ctx context.Context, tenantID string, rule *FraudRule) (bool, error)
	GetRule(ctx context.Context, tenantID string, ruleID string) (*FraudRule, error)
	ListRules(ctx context.Context, tenantID string, enabledOnly bool) ([]*FraudRule, error)
	CountRules(ctx context.Context, tenantID string) (int, error)
}

// AlertStore persists fraud alerts.
type AlertStore interface {
	// RecordAlerts writes one open alert per triggered result, refreshing an
	// existing open alert for the same (payment, rule) instead of inserting a
	// duplicate, and appends an audit entry per alert. All writes share one
	// transaction.
	RecordAlerts(ctx context.Context, tenantID string, paymentID string, results []RuleResult, actor Actor, at time.Time) ([]AlertWrite, error)
	GetAlert(ctx context.Context, tenantID string, alertID string) (*FraudAlert, error)
	ListAlerts(ctx context.Context, tenantID string, filter AlertFilter) ([]*FraudAlert, error)
	UpdateAlertStatus(ctx context.Context, tenantID string, alertID string, status AlertStatus, actor Actor, notes string, at time.Time) (*FraudAlert, error)
	AlertAnalytics(ctx context.Context, tenantID string, since time.Time) (*AlertAnalytics, error)
}

// ReconciliationStore persists reconciliation records.
type ReconciliationStore interface {
	// SaveReconciliations inserts records and their audit entries atomically.
	SaveReconciliations(ctx context.Context, tenantID string, records []*Reconciliation, audits []*AuditEntry) error
	GetReconciliation(ctx context.Context, tenantID string, id string) (*Reconciliation, error)
	ListReconciliations(ctx context.Context, tenantID string, filter ReconciliationFilter) ([]*Reconciliation, error)
	// ResolveReconciliation persists a resolution if the stored status still
	// equals prior.
	ResolveReconciliation(ctx context.Context, tenantID string, record *Reconciliation, prior ReconciliationStatus, audit *AuditEntry) error
}

// AuditStore is the append-only payment audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, tenantID string, entry *AuditEntry) error
	ListAudit(ctx context.Context, tenantID string, paymentID string) ([]*AuditEntry, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	PaymentLedger
	RuleStore
	AlertStore
	ReconciliationStore
	AuditStore

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
