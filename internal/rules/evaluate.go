package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
)

// History is the read-only ledger access the evaluators need.
type History interface {
	PaymentsAround(ctx context.Context, tenantID, agentID string, at time.Time, window time.Duration) ([]*domain.Payment, error)
	DeliveredBetween(ctx context.Context, tenantID, agentID string, from, to time.Time) ([]*domain.Payment, error)
	CountBetween(ctx context.Context, tenantID, agentID string, from, to time.Time) (int, error)
	CountByStatus(ctx context.Context, tenantID, agentID string, status domain.PaymentStatus) (int, error)
}

// Evaluator fetches the supporting data a rule needs and runs the matching
// pure evaluator.
type Evaluator struct {
	history History
	loc     *time.Location
}

// NewEvaluator creates an evaluator. Local hours and days use loc.
func NewEvaluator(history History, loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{history: history, loc: loc}
}

// Location returns the zone used for local-time rules.
func (e *Evaluator) Location() *time.Location {
	return e.loc
}

// Evaluate runs one rule against a payment. agent may be nil when the agent
// is unknown; only the agent risk rule requires it.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, rule *domain.FraudRule, payment *domain.Payment, agent *domain.Agent) (domain.RuleResult, error) {
	p := resolvedParams(rule)
	at := payment.CreatedAt

	switch rule.Type {
	case domain.RuleDuplicatePayment:
		window := time.Duration(p.TimeWindowMinutes) * time.Minute
		nearby, err := e.history.PaymentsAround(ctx, tenantID, payment.AgentID, at, window)
		if err != nil {
			return domain.RuleResult{}, err
		}
		return EvaluateDuplicate(rule, payment, nearby), nil

	case domain.RuleAmountAnomaly:
		delivered, err := e.history.DeliveredBetween(ctx, tenantID, payment.AgentID, at.AddDate(0, 0, -p.LookbackDays), at)
		if err != nil {
			return domain.RuleResult{}, err
		}
		return EvaluateAmountAnomaly(rule, payment, delivered), nil

	case domain.RuleFrequencyAnomaly:
		dayCount, err := e.history.CountBetween(ctx, tenantID, payment.AgentID, StartOfDay(at, e.loc), at)
		if err != nil {
			return domain.RuleResult{}, err
		}
		weekCount, err := e.history.CountBetween(ctx, tenantID, payment.AgentID, at.AddDate(0, 0, -p.LookbackDays), at)
		if err != nil {
			return domain.RuleResult{}, err
		}
		return EvaluateFrequency(rule, dayCount, weekCount), nil

	case domain.RuleVelocityCheck:
		window := time.Duration(p.TimeWindowMinutes) * time.Minute
		count, err := e.history.CountBetween(ctx, tenantID, payment.AgentID, at.Add(-window), at.Add(window))
		if err != nil {
			return domain.RuleResult{}, err
		}
		return EvaluateVelocity(rule, count), nil

	case domain.RuleAgentRisk:
		if agent == nil {
			return domain.RuleResult{}, fmt.Errorf("agent %s not found", payment.AgentID)
		}
		failed, err := e.history.CountByStatus(ctx, tenantID, payment.AgentID, domain.PaymentFailed)
		if err != nil {
			return domain.RuleResult{}, err
		}
		return EvaluateAgentRisk(rule, payment, agent, failed), nil

	case domain.RuleTimePattern:
		return EvaluateTimePattern(rule, payment, e.loc), nil

	default:
		return domain.RuleResult{}, fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// LoadLocation resolves an IANA zone name, falling back to West Africa Time
// when the zone database is unavailable.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = "Africa/Lagos"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("WAT", 3600)
	}
	return loc
}
