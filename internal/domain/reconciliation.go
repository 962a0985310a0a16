package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationStatus is the outcome of comparing expected and settled amounts.
type ReconciliationStatus string

const (
	ReconMatched   ReconciliationStatus = "matched"
	ReconUnmatched ReconciliationStatus = "unmatched"
	ReconVariance  ReconciliationStatus = "variance"
	ReconException ReconciliationStatus = "exception"
	ReconResolved  ReconciliationStatus = "resolved"
)

// MatchTolerance is the largest absolute difference still considered a match.
var MatchTolerance = decimal.NewFromFloat(0.01)

// WithinTolerance reports whether |d| < MatchTolerance.
func WithinTolerance(d decimal.Decimal) bool {
	return d.Abs().LessThan(MatchTolerance)
}

// Valid reports whether s is a known reconciliation status.
func (s ReconciliationStatus) Valid() bool {
	switch s {
	case ReconMatched, ReconUnmatched, ReconVariance, ReconException, ReconResolved:
		return true
	}
	return false
}

// Creatable reports whether a record may be created in status s.
func (s ReconciliationStatus) Creatable() bool {
	return s.Valid() && s != ReconResolved
}

// Resolvable reports whether a record in status s can go through variance
// resolution. matched and resolved are final.
func (s ReconciliationStatus) Resolvable() error {
	switch s {
	case ReconVariance, ReconException, ReconUnmatched:
		return nil
	}
	return fmt.Errorf("%w: reconciliation is %s", ErrInvalidTransition, s)
}

// Reconciliation is one comparison of expected vs settled amount for a payment.
type Reconciliation struct {
	ID                 string               `json:"id"`
	TenantID           string               `json:"tenantId"`
	PaymentID          string               `json:"paymentId"`
	BatchID            string               `json:"batchId,omitempty"`
	RunID              string               `json:"runId,omitempty"`
	ReconciliationDate time.Time            `json:"reconciliationDate"`
	OpeningBalance     decimal.Decimal      `json:"openingBalance"`
	ClosingBalance     decimal.Decimal      `json:"closingBalance"`
	Difference         decimal.Decimal      `json:"difference"`
	Status             ReconciliationStatus `json:"status"`
	VarianceReason     string               `json:"varianceReason,omitempty"`
	Documents          []string             `json:"documents,omitempty"`
	Notes              string               `json:"notes,omitempty"`
	ReconciledBy       string               `json:"reconciledBy"`
	ResolvedAt         *time.Time           `json:"resolvedAt,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
}

// ReconciliationFilter narrows reconciliation listings.
type ReconciliationFilter struct {
	Status    ReconciliationStatus
	PaymentID string
	BatchID   string
	RunID     string
	DateFrom  time.Time
	DateTo    time.Time
	Limit     int
}

// BatchResult is the outcome of reconciling a payment batch.
type BatchResult struct {
	BatchID        string          `json:"batchId"`
	RunID          string          `json:"runId"`
	Total          int             `json:"total"`
	Matched        int             `json:"matched"`
	Variances      int             `json:"variances"`
	Exceptions     int             `json:"exceptions"`
	ExpectedTotal  decimal.Decimal `json:"expectedTotal"`
	DeliveredTotal decimal.Decimal `json:"deliveredTotal"`
	Variance       decimal.Decimal `json:"variance"`
}

// ReconciliationSummary aggregates reconciliation records over a date range.
type ReconciliationSummary struct {
	From             time.Time       `json:"from,omitempty"`
	To               time.Time       `json:"to,omitempty"`
	Total            int             `json:"total"`
	Matched          int             `json:"matched"`
	Unmatched        int             `json:"unmatched"`
	Variances        int             `json:"variances"`
	Exceptions       int             `json:"exceptions"`
	Resolved         int             `json:"resolved"`
	ExpectedAmount   decimal.Decimal `json:"expectedAmount"`
	SettledAmount    decimal.Decimal `json:"settledAmount"`
	NetDifference    decimal.Decimal `json:"netDifference"`
	AbsoluteVariance decimal.Decimal `json:"absoluteVariance"`
	MatchRate        float64         `json:"matchRate"`
}
