// Package fraud runs the fraud rules against payments, aggregates their
// scores and records alerts for human review.
package fraud

import (
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
)

// Aggregate holds the summed outcome of a payment's rule results.
type Aggregate struct {
	TotalRiskScore float64
	Severity       domain.Severity
	Triggered      []domain.RuleResult
}

// aggregate keeps the triggered results, sums their scores and bands the
// total. Results are ordered by rule id so the output does not depend on
// evaluation order.
func aggregate(results []domain.RuleResult) Aggregate {
	agg := Aggregate{Severity: domain.SeverityLow}

	for _, r := range results {
		if !r.Triggered() {
			continue
		}
		agg.Triggered = append(agg.Triggered, r)
		agg.TotalRiskScore += r.RiskScore
	}

	sort.Slice(agg.Triggered, func(i, j int) bool {
		return agg.Triggered[i].RuleID < agg.Triggered[j].RuleID
	})
	agg.Severity = domain.SeverityForScore(agg.TotalRiskScore)
	return agg
}

// newAnalysisResult builds the result returned to callers.
func newAnalysisResult(tenantID, paymentID string, agg Aggregate, evaluated, skipped int, start time.Time) *domain.AnalysisResult {
	alerts := agg.Triggered
	if alerts == nil {
		alerts = []domain.RuleResult{}
	}
	return &domain.AnalysisResult{
		PaymentID:      paymentID,
		TenantID:       tenantID,
		TotalRiskScore: agg.TotalRiskScore,
		Severity:       agg.Severity,
		Alerts:         alerts,
		RulesEvaluated: evaluated,
		RulesSkipped:   skipped,
		AnalyzedAt:     time.Now().UTC(),
		DurationMs:     time.Since(start).Milliseconds(),
	}
}

// ShouldReview reports whether the analysis produced anything for a
// reviewer to look at.
func ShouldReview(res *domain.AnalysisResult) bool {
	return len(res.Alerts) > 0
}

// Reasons extracts human-readable reasons from an analysis.
func Reasons(res *domain.AnalysisResult) []string {
	var reasons []string
	for _, r := range res.Alerts {
		reasons = append(reasons, fmt.Sprintf("%s: %s (%.1f)", r.RuleName, r.Severity, r.RiskScore))
	}
	return reasons
}
