package rules

import (
	"math"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	// minSamples is the smallest history the amount anomaly rule treats
	// statistically. Below it the absolute minAmount check applies.
	minSamples = 3

	// degenerateZ is the z-score assigned when every historical amount is
	// identical and the target differs from them.
	degenerateZ = 10.0

	defaultZThreshold = 3.0
)

// EvaluateDuplicate flags payments to the same agent, created within the
// rule's time window, whose amount is within tolerance of the target's.
// Tolerance is relative to the compared payment's amount.
func EvaluateDuplicate(rule *domain.FraudRule, target *domain.Payment, nearby []*domain.Payment) domain.RuleResult {
	p := resolvedParams(rule)
	res := newResult(rule)
	tolerance := decimal.NewFromFloat(p.AmountTolerance)

	var matches []domain.DuplicateMatch
	for _, other := range nearby {
		if other.ID == target.ID {
			continue
		}
		diff := other.Amount.Sub(target.Amount).Abs()
		if diff.LessThanOrEqual(other.Amount.Abs().Mul(tolerance)) {
			matches = append(matches, domain.DuplicateMatch{
				PaymentID: other.ID,
				Amount:    other.Amount.String(),
				CreatedAt: other.CreatedAt,
			})
		}
	}
	if len(matches) == 0 {
		return res
	}

	res.RiskScore = rule.Weight * float64(len(matches))
	res.Severity = domain.SeverityMedium
	if len(matches) > 1 {
		res.Severity = domain.SeverityHigh
	}
	res.Evidence = domain.DuplicateEvidence{
		TimeWindowMinutes: p.TimeWindowMinutes,
		Tolerance:         p.AmountTolerance,
		Matches:           matches,
	}
	return res
}

// EvaluateAmountAnomaly compares the target amount with the agent's delivered
// payment history using a z-score and a mean multiplier.
func EvaluateAmountAnomaly(rule *domain.FraudRule, target *domain.Payment, delivered []*domain.Payment) domain.RuleResult {
	p := resolvedParams(rule)
	res := newResult(rule)

	amounts := make([]float64, 0, len(delivered))
	for _, h := range delivered {
		if h.ID == target.ID {
			continue
		}
		amounts = append(amounts, h.AmountFloat())
	}
	amount := target.AmountFloat()

	ev := domain.AmountEvidence{
		Amount:       amount,
		SampleSize:   len(amounts),
		LookbackDays: p.LookbackDays,
	}

	if len(amounts) < minSamples {
		if amount <= p.MinAmount {
			return res
		}
		ev.Fallback = true
		ev.MinAmount = p.MinAmount
		res.RiskScore = rule.Weight * 2
		res.Severity = domain.SeverityMedium
		res.Evidence = ev
		return res
	}

	mean, stdDev := meanStdDev(amounts)

	var z float64
	switch {
	case stdDev > 0:
		z = math.Abs(amount-mean) / stdDev
	case amount != mean:
		z = degenerateZ
		ev.Degenerate = true
	}

	threshold := rule.Threshold
	if threshold <= 0 {
		threshold = defaultZThreshold
	}
	if z <= threshold && amount <= mean*p.Multiplier {
		return res
	}

	ev.Mean = mean
	ev.StdDev = stdDev
	ev.ZScore = z
	ev.Multiplier = p.Multiplier

	res.RiskScore = rule.Weight * math.Max(z, 2)
	res.Severity = domain.SeverityMedium
	if z > 4 {
		res.Severity = domain.SeverityHigh
	}
	res.Evidence = ev
	return res
}

// EvaluateFrequency flags agents paid more often than the daily or weekly
// limit allows.
func EvaluateFrequency(rule *domain.FraudRule, dayCount, weekCount int) domain.RuleResult {
	p := resolvedParams(rule)
	res := newResult(rule)

	dayExcess := max(0, dayCount-p.MaxPerDay)
	weekExcess := max(0, weekCount-p.MaxPerWeek)
	if dayExcess == 0 && weekExcess == 0 {
		return res
	}

	res.RiskScore = rule.Weight * float64(max(dayExcess, weekExcess))
	res.Severity = domain.SeverityHigh
	res.Evidence = domain.FrequencyEvidence{
		DayCount:   dayCount,
		WeekCount:  weekCount,
		MaxPerDay:  p.MaxPerDay,
		MaxPerWeek: p.MaxPerWeek,
		DayExcess:  dayExcess,
		WeekExcess: weekExcess,
	}
	return res
}

// EvaluateVelocity flags bursts of payments to one agent. count includes the
// target payment when it is already persisted.
func EvaluateVelocity(rule *domain.FraudRule, count int) domain.RuleResult {
	p := resolvedParams(rule)
	res := newResult(rule)

	if count <= p.MaxCount {
		return res
	}

	res.RiskScore = rule.Weight * float64(count-1)
	res.Severity = domain.SeverityHigh
	if count > 5 {
		res.Severity = domain.SeverityCritical
	}
	res.Evidence = domain.VelocityEvidence{
		Count:             count,
		MaxCount:          p.MaxCount,
		TimeWindowMinutes: p.TimeWindowMinutes,
	}
	return res
}

// Agent risk factors listed in evidence.
const (
	FactorNewAgent       = "new_agent"
	FactorUnverified     = "unverified"
	FactorFailedPayments = "failed_payments"
)

// EvaluateAgentRisk scores the receiving agent's profile. Age is measured at
// the time the payment was created.
func EvaluateAgentRisk(rule *domain.FraudRule, target *domain.Payment, agent *domain.Agent, failedPayments int) domain.RuleResult {
	p := resolvedParams(rule)
	res := newResult(rule)

	ageDays := int(target.CreatedAt.Sub(agent.CreatedAt) / (24 * time.Hour))
	if ageDays < 0 {
		ageDays = 0
	}

	var score float64
	var factors []string
	if ageDays < p.NewAgentDays {
		score += rule.Weight
		factors = append(factors, FactorNewAgent)
	}
	if agent.VerificationStatus != domain.AgentVerified {
		score += rule.Weight * 2
		factors = append(factors, FactorUnverified)
	}
	if failedPayments >= p.FailedPaymentThreshold {
		score += rule.Weight * 3
		factors = append(factors, FactorFailedPayments)
	}
	if score == 0 {
		return res
	}

	res.RiskScore = score
	switch {
	case score > 30:
		res.Severity = domain.SeverityHigh
	case score > 15:
		res.Severity = domain.SeverityMedium
	default:
		res.Severity = domain.SeverityLow
	}
	res.Evidence = domain.AgentRiskEvidence{
		AgentID:            agent.ID,
		AgentName:          agent.Name,
		AgentPhone:         agent.Phone,
		AgentAgeDays:       ageDays,
		VerificationStatus: agent.VerificationStatus,
		FailedPayments:     failedPayments,
		Factors:            factors,
	}
	return res
}

// EvaluateTimePattern flags payments created at unusual local hours. A window
// whose start is after its end wraps past midnight.
func EvaluateTimePattern(rule *domain.FraudRule, target *domain.Payment, loc *time.Location) domain.RuleResult {
	p := resolvedParams(rule)
	res := newResult(rule)

	local := target.CreatedAt.In(loc)
	hour := local.Hour()
	start, end := *p.StartHour, *p.EndHour

	var inWindow bool
	if start > end {
		inWindow = hour >= start || hour <= end
	} else {
		inWindow = hour >= start && hour <= end
	}
	if !inWindow {
		return res
	}

	weekend := local.Weekday() == time.Saturday || local.Weekday() == time.Sunday
	multiplier := 1.0
	if weekend {
		multiplier = p.WeekendMultiplier
	}

	res.RiskScore = rule.Weight * multiplier
	res.Severity = domain.SeverityLow
	if multiplier > 1 {
		res.Severity = domain.SeverityMedium
	}
	res.Evidence = domain.TimePatternEvidence{
		Hour:       hour,
		Weekday:    local.Weekday().String(),
		Weekend:    weekend,
		StartHour:  start,
		EndHour:    end,
		Multiplier: multiplier,
		Timezone:   loc.String(),
	}
	return res
}

func newResult(rule *domain.FraudRule) domain.RuleResult {
	return domain.RuleResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		RuleType: rule.Type,
		Severity: domain.SeverityLow,
	}
}

// meanStdDev returns the mean and population standard deviation.
func meanStdDev(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// resolvedParams returns the rule's params with unset fields taken from the
// default rule of the same type.
func resolvedParams(rule *domain.FraudRule) domain.RuleParams {
	p := rule.Params
	d := defaultParams[rule.Type]

	if p.TimeWindowMinutes <= 0 {
		p.TimeWindowMinutes = d.TimeWindowMinutes
	}
	if p.AmountTolerance <= 0 {
		p.AmountTolerance = d.AmountTolerance
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.MinAmount <= 0 {
		p.MinAmount = d.MinAmount
	}
	if p.LookbackDays <= 0 {
		p.LookbackDays = d.LookbackDays
	}
	if p.MaxPerDay <= 0 {
		p.MaxPerDay = d.MaxPerDay
	}
	if p.MaxPerWeek <= 0 {
		p.MaxPerWeek = d.MaxPerWeek
	}
	if p.MaxCount <= 0 {
		p.MaxCount = d.MaxCount
	}
	if p.NewAgentDays <= 0 {
		p.NewAgentDays = d.NewAgentDays
	}
	if p.FailedPaymentThreshold <= 0 {
		p.FailedPaymentThreshold = d.FailedPaymentThreshold
	}
	if p.StartHour == nil {
		p.StartHour = d.StartHour
	}
	if p.EndHour == nil {
		p.EndHour = d.EndHour
	}
	if p.WeekendMultiplier <= 0 {
		p.WeekendMultiplier = d.WeekendMultiplier
	}
	return p
}

var defaultParams = func() map[domain.RuleType]domain.RuleParams {
	m := make(map[domain.RuleType]domain.RuleParams)
	for _, rule := range DefaultRules() {
		m[rule.Type] = rule.Params
	}
	return m
}()
