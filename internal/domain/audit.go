package domain

import "time"

// SystemActorID is recorded when an automated job performs the action.
const SystemActorID = "system"

// Actor identifies who performed a mutating action: either an authenticated
// user or the system itself. The zero value is System.
type Actor struct {
	userID string
}

// System returns the actor used by automated jobs.
func System() Actor {
	return Actor{}
}

// User returns the actor for an authenticated user. An empty id yields System.
func User(id string) Actor {
	return Actor{userID: id}
}

// IsSystem reports whether the actor is the system.
func (a Actor) IsSystem() bool {
	return a.userID == ""
}

// ID returns the user id, or SystemActorID for the system actor.
func (a Actor) ID() string {
	if a.IsSystem() {
		return SystemActorID
	}
	return a.userID
}

func (a Actor) String() string {
	if a.IsSystem() {
		return SystemActorID
	}
	return "user:" + a.userID
}

// Audit actions.
const (
	AuditPaymentCreated         = "payment_created"
	AuditPaymentStatusChanged   = "payment_status_changed"
	AuditFraudAlertCreated      = "fraud_alert_created"
	AuditFraudAlertRefreshed    = "fraud_alert_refreshed"
	AuditFraudAlertReviewed     = "fraud_alert_reviewed"
	AuditReconciliationCreated  = "reconciliation_created"
	AuditReconciliationResolved = "reconciliation_resolved"
)

// AuditEntry is an append-only record of a mutating action on a payment.
type AuditEntry struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	PaymentID string         `json:"paymentId"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	OldValues map[string]any `json:"oldValues,omitempty"`
	NewValues map[string]any `json:"newValues,omitempty"`
	Notes     string         `json:"notes,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
