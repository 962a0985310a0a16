package domain

import (
	"fmt"
	"time"
)

// AlertStatus is the review state of a fraud alert.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertOpen, AlertInvestigating, AlertResolved, AlertFalsePositive:
		return true
	}
	return false
}

// Closed reports whether the alert has been settled by a reviewer.
func (s AlertStatus) Closed() bool {
	return s == AlertResolved || s == AlertFalsePositive
}

// CanTransition reports whether a reviewer may move an alert from s to next.
func (s AlertStatus) CanTransition(next AlertStatus) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown alert status %q", ErrInvalidTransition, next)
	}
	if s.Closed() {
		return fmt.Errorf("%w: alert is already %s", ErrInvalidTransition, s)
	}
	switch {
	case s == AlertOpen && next != AlertOpen:
		return nil
	case s == AlertInvestigating && next.Closed():
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
}

// FraudAlert is a persisted rule trigger awaiting human review.
type FraudAlert struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenantId"`
	PaymentID       string      `json:"paymentId"`
	RuleID          string      `json:"ruleId"`
	RuleName        string      `json:"ruleName"`
	RuleType        RuleType    `json:"ruleType"`
	RiskScore       float64     `json:"riskScore"`
	Severity        Severity    `json:"severity"`
	Status          AlertStatus `json:"status"`
	Evidence        Evidence    `json:"evidence,omitempty"`
	DetectedAt      time.Time   `json:"detectedAt"`
	LastEvaluatedAt time.Time   `json:"lastEvaluatedAt"`
	Evaluations     int         `json:"evaluations"`
	ReviewedBy      string      `json:"reviewedBy,omitempty"`
	ResolutionNotes string      `json:"resolutionNotes,omitempty"`
	ResolvedAt      *time.Time  `json:"resolvedAt,omitempty"`
}

// AlertWrite reports what the writer did for one triggered rule.
type AlertWrite struct {
	AlertID string `json:"alertId"`
	RuleID  string `json:"ruleId"`
	Created bool   `json:"created"`
}

// AlertFilter narrows alert listings. Zero values mean "any".
type AlertFilter struct {
	Status    AlertStatus
	Severity  Severity
	PaymentID string
	DateFrom  time.Time
	DateTo    time.Time
	Limit     int
}

// AlertAnalytics summarises alerts for the review dashboard.
type AlertAnalytics struct {
	TotalAlerts    int            `json:"totalAlerts"`
	OpenAlerts     int            `json:"openAlerts"`
	ResolvedAlerts int            `json:"resolvedAlerts"`
	BySeverity     map[string]int `json:"bySeverity"`
	ByRule         map[string]int `json:"byRule"`
	Trends         []TrendPoint   `json:"trends"`
}

// TrendPoint is the number of alerts detected on one day.
type TrendPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}
