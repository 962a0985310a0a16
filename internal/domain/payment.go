package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTransition is returned when a status change is not allowed by a
// lifecycle state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// PaymentStatus is the lifecycle status of a payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentVerified   PaymentStatus = "verified"
	PaymentApproved   PaymentStatus = "approved"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSent       PaymentStatus = "sent"
	PaymentDelivered  PaymentStatus = "delivered"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentReversed   PaymentStatus = "reversed"
)

// forward lists the happy-path successor of each status.
var forward = map[PaymentStatus]PaymentStatus{
	PaymentPending:    PaymentVerified,
	PaymentVerified:   PaymentApproved,
	PaymentApproved:   PaymentProcessing,
	PaymentProcessing: PaymentSent,
	PaymentSent:       PaymentDelivered,
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentVerified, PaymentApproved, PaymentProcessing,
		PaymentSent, PaymentDelivered, PaymentFailed, PaymentCancelled, PaymentReversed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible except a retry.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCancelled, PaymentReversed:
		return true
	}
	return false
}

// PaymentMethod is how the payment is disbursed.
type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodCash         PaymentMethod = "cash"
	MethodCheque       PaymentMethod = "cheque"
	MethodOther        PaymentMethod = "other"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodMobileMoney, MethodCash, MethodCheque, MethodOther:
		return true
	}
	return false
}

// Payment is a single disbursement to a field agent.
type Payment struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	AgentID    string          `json:"agentId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Method     PaymentMethod   `json:"method"`
	Status     PaymentStatus   `json:"status"`
	BatchID    string          `json:"batchId,omitempty"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// AmountFloat returns the amount as a float for statistical work.
func (p *Payment) AmountFloat() float64 {
	return p.Amount.InexactFloat64()
}

// Transition validates moving the payment to next and applies it.
// delivered is reachable only through the forward chain; failed, cancelled and
// reversed are reachable from any non-terminal status. A failed payment may be
// retried back to pending while retries remain.
func (p *Payment) Transition(next PaymentStatus, at time.Time) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	cur := p.Status

	switch {
	case cur.Terminal():
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, cur)
	case cur == next:
		return fmt.Errorf("%w: already %s", ErrInvalidTransition, cur)
	case cur == PaymentFailed && next == PaymentPending:
		if p.RetryCount >= p.MaxRetries {
			return fmt.Errorf("%w: retry limit %d reached", ErrInvalidTransition, p.MaxRetries)
		}
		p.RetryCount++
	case next.exit():
	case forward[cur] != next:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}

	p.Status = next
	p.UpdatedAt = at
	return nil
}

func (s PaymentStatus) exit() bool {
	return s == PaymentFailed || s == PaymentCancelled || s == PaymentReversed
}

// VerificationStatus is the KYC state of an agent.
type VerificationStatus string

const (
	AgentPending  VerificationStatus = "pending"
	AgentVerified VerificationStatus = "verified"
	AgentRejected VerificationStatus = "rejected"
)

// Agent is the field worker receiving payments. It is owned by the agent
// directory; this service only reads it.
type Agent struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenantId"`
	Name               string             `json:"name"`
	Phone              string             `json:"phone,omitempty"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// PaymentBatch groups payments disbursed and settled together.
type PaymentBatch struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	Name          string          `json:"name"`
	ExpectedTotal decimal.Decimal `json:"expectedTotal"`
	CreatedAt     time.Time       `json:"createdAt"`
}
