package domain

import "time"

// RuleType identifies which evaluator a fraud rule runs.
type RuleType string

const (
	RuleDuplicatePayment RuleType = "duplicate_payment"
	RuleAmountAnomaly    RuleType = "amount_anomaly"
	RuleFrequencyAnomaly RuleType = "frequency_anomaly"
	RuleVelocityCheck    RuleType = "velocity_check"
	RuleAgentRisk        RuleType = "agent_risk"
	RuleTimePattern      RuleType = "time_pattern"
)

// RuleTypes lists every supported rule type.
func RuleTypes() []RuleType {
	return []RuleType{
		RuleDuplicatePayment,
		RuleAmountAnomaly,
		RuleFrequencyAnomaly,
		RuleVelocityCheck,
		RuleAgentRisk,
		RuleTimePattern,
	}
}

// Valid reports whether t is a supported rule type.
func (t RuleType) Valid() bool {
	for _, known := range RuleTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// FraudRule is an operator-tunable fraud detection heuristic.
type FraudRule struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	Type      RuleType   `json:"type"`
	Enabled   bool       `json:"enabled"`
	Threshold float64    `json:"threshold"`
	Weight    float64    `json:"weight"`
	Params    RuleParams `json:"params"`

	// Condition is an optional CEL expression. When set, the rule only applies
	// to payments for which it evaluates to true.
	Condition string `json:"condition,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RuleParams is the type-specific parameter bag. Each rule type reads only
// the fields it needs; zero values fall back to the defaults.
type RuleParams struct {
	TimeWindowMinutes      int     `json:"timeWindowMinutes,omitempty"`
	AmountTolerance        float64 `json:"amountTolerance,omitempty"`
	Multiplier             float64 `json:"multiplier,omitempty"`
	MinAmount              float64 `json:"minAmount,omitempty"`
	LookbackDays           int     `json:"lookbackDays,omitempty"`
	MaxPerDay              int     `json:"maxPerDay,omitempty"`
	MaxPerWeek             int     `json:"maxPerWeek,omitempty"`
	MaxCount               int     `json:"maxCount,omitempty"`
	NewAgentDays           int     `json:"newAgentDays,omitempty"`
	FailedPaymentThreshold int     `json:"failedPaymentThreshold,omitempty"`
	StartHour              *int    `json:"startHour,omitempty"`
	EndHour                *int    `json:"endHour,omitempty"`
	WeekendMultiplier      float64 `json:"weekendMultiplier,omitempty"`
}

// Severity is the low/medium/high/critical classification of a risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Severity band cutoffs for a total risk score.
const (
	BandCritical = 50.0
	BandHigh     = 30.0
	BandMedium   = 15.0
)

// SeverityForScore maps a total risk score onto the fixed severity bands.
// Lower limits are inclusive.
func SeverityForScore(score float64) Severity {
	switch {
	case score >= BandCritical:
		return SeverityCritical
	case score >= BandHigh:
		return SeverityHigh
	case score >= BandMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RuleResult is the output of one rule evaluator for one payment.
type RuleResult struct {
	RuleID    string   `json:"ruleId"`
	RuleName  string   `json:"ruleName"`
	RuleType  RuleType `json:"ruleType"`
	RiskScore float64  `json:"riskScore"`
	Severity  Severity `json:"severity"`
	Evidence  Evidence `json:"evidence,omitempty"`
}

// Triggered reports whether the rule produced a non-zero contribution.
func (r RuleResult) Triggered() bool {
	return r.RiskScore > 0
}

// AnalysisResult is the complete outcome of analysing one payment.
type AnalysisResult struct {
	PaymentID      string       `json:"paymentId"`
	TenantID       string       `json:"tenantId"`
	TotalRiskScore float64      `json:"riskScore"`
	Severity       Severity     `json:"severity"`
	Alerts         []RuleResult `json:"alerts"`
	RulesEvaluated int          `json:"rulesEvaluated"`
	RulesSkipped   int          `json:"rulesSkipped"`
	Written        []AlertWrite `json:"written,omitempty"`
	AnalyzedAt     time.Time    `json:"analyzedAt"`
	DurationMs     int64        `json:"durationMs"`
}
