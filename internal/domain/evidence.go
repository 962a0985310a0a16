package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Evidence is the structured, rule-specific justification attached to a rule
// result. Each rule type has exactly one evidence type.
type Evidence interface {
	EvidenceType() RuleType
}

// DuplicateMatch is a prior payment that looks like a duplicate.
type DuplicateMatch struct {
	PaymentID string    `json:"paymentId"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// DuplicateEvidence backs a duplicate_payment result.
type DuplicateEvidence struct {
	TimeWindowMinutes int              `json:"timeWindowMinutes"`
	Tolerance         float64          `json:"tolerance"`
	Matches           []DuplicateMatch `json:"matches"`
}

// AmountEvidence backs an amount_anomaly result.
type AmountEvidence struct {
	Amount       float64 `json:"amount"`
	SampleSize   int     `json:"sampleSize"`
	Mean         float64 `json:"mean,omitempty"`
	StdDev       float64 `json:"stdDev,omitempty"`
	ZScore       float64 `json:"zScore,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	MinAmount    float64 `json:"minAmount,omitempty"`
	Fallback     bool    `json:"fallback"`
	Degenerate   bool    `json:"degenerate,omitempty"`
	LookbackDays int     `json:"lookbackDays"`
}

// FrequencyEvidence backs a frequency_anomaly result.
type FrequencyEvidence struct {
	DayCount   int `json:"dayCount"`
	WeekCount  int `json:"weekCount"`
	MaxPerDay  int `json:"maxPerDay"`
	MaxPerWeek int `json:"maxPerWeek"`
	DayExcess  int `json:"dayExcess"`
	WeekExcess int `json:"weekExcess"`
}

// VelocityEvidence backs a velocity_check result.
type VelocityEvidence struct {
	Count             int `json:"count"`
	MaxCount          int `json:"maxCount"`
	TimeWindowMinutes int `json:"timeWindowMinutes"`
}

// AgentRiskEvidence backs an agent_risk result.
type AgentRiskEvidence struct {
	AgentID            string             `json:"agentId"`
	AgentName          string             `json:"agentName,omitempty"`
	AgentPhone         string             `json:"agentPhone,omitempty"`
	AgentAgeDays       int                `json:"agentAgeDays"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	FailedPayments     int                `json:"failedPayments"`
	Factors            []string           `json:"factors"`
}

// TimePatternEvidence backs a time_pattern result.
type TimePatternEvidence struct {
	Hour       int     `json:"hour"`
	Weekday    string  `json:"weekday"`
	Weekend    bool    `json:"weekend"`
	StartHour  int     `json:"startHour"`
	EndHour    int     `json:"endHour"`
	Multiplier float64 `json:"multiplier"`
	Timezone   string  `json:"timezone"`
}

func (DuplicateEvidence) EvidenceType() RuleType   { return RuleDuplicatePayment }
func (AmountEvidence) EvidenceType() RuleType      { return RuleAmountAnomaly }
func (FrequencyEvidence) EvidenceType() RuleType   { return RuleFrequencyAnomaly }
func (VelocityEvidence) EvidenceType() RuleType    { return RuleVelocityCheck }
func (AgentRiskEvidence) EvidenceType() RuleType   { return RuleAgentRisk }
func (TimePatternEvidence) EvidenceType() RuleType { return RuleTimePattern }

// EncodeEvidence serialises evidence for storage.
func EncodeEvidence(e Evidence) ([]byte, error) {
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e)
}

// DecodeEvidence restores typed evidence for a stored rule type.
func DecodeEvidence(t RuleType, raw []byte) (Evidence, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var (
		e   Evidence
		err error
	)
	switch t {
	case RuleDuplicatePayment:
		var v DuplicateEvidence
		err = json.Unmarshal(raw, &v)
		e = v
	case RuleAmountAnomaly:
		var v AmountEvidence
		err = json.Unmarshal(raw, &v)
		e = v
	case RuleFrequencyAnomaly:
		var v FrequencyEvidence
		err = json.Unmarshal(raw, &v)
		e = v
	case RuleVelocityCheck:
		var v VelocityEvidence
		err = json.Unmarshal(raw, &v)
		e = v
	case RuleAgentRisk:
		var v AgentRiskEvidence
		err = json.Unmarshal(raw, &v)
		e = v
	case RuleTimePattern:
		var v TimePatternEvidence
		err = json.Unmarshal(raw, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown rule type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s evidence: %w", t, err)
	}
	return e, nil
}

// EvidenceMap flattens evidence into a generic map for audit entries.
func EvidenceMap(e Evidence) map[string]any {
	out := map[string]any{}
	if e == nil {
		return out
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	out["type"] = string(e.EvidenceType())
	return out
}
