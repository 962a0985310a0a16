package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/opensource-finance/fieldpay/internal/metrics"
	"github.com/opensource-finance/fieldpay/internal/repository"
	"github.com/opensource-finance/fieldpay/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("fieldpay-fraud")

// PaymentSource loads the payment under analysis and its agent.
type PaymentSource interface {
	GetPayment(ctx context.Context, tenantID string, paymentID string) (*domain.Payment, error)
	GetAgent(ctx context.Context, tenantID string, agentID string) (*domain.Agent, error)
}

// Config bounds the analyzer's concurrency.
type Config struct {
	// RuleConcurrency bounds concurrent rule evaluations per payment.
	RuleConcurrency int

	// BulkConcurrency bounds concurrent payments in AnalyzeBatch.
	BulkConcurrency int
}

// Analyzer evaluates every enabled rule against a payment and records the
// triggered ones.
type Analyzer struct {
	payments   PaymentSource
	registry   rules.Registry
	conditions *rules.Conditions
	evaluator  *rules.Evaluator
	writer     *Writer
	metrics    *metrics.Metrics

	ruleWorkers int
	bulkWorkers int
}

// NewAnalyzer creates an analyzer. conditions and m may be nil.
func NewAnalyzer(payments PaymentSource, registry rules.Registry, conditions *rules.Conditions, evaluator *rules.Evaluator, writer *Writer, m *metrics.Metrics, cfg Config) *Analyzer {
	if cfg.RuleConcurrency <= 0 {
		cfg.RuleConcurrency = 6
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 8
	}
	return &Analyzer{
		payments:    payments,
		registry:    registry,
		conditions:  conditions,
		evaluator:   evaluator,
		writer:      writer,
		metrics:     m,
		ruleWorkers: cfg.RuleConcurrency,
		bulkWorkers: cfg.BulkConcurrency,
	}
}

// AnalyzePayment runs the tenant's enabled rules against one payment, sums
// the triggered scores into a severity band and records an alert per
// triggered rule. A rule that fails is logged and contributes nothing.
func (a *Analyzer) AnalyzePayment(ctx context.Context, tenantID string, actor domain.Actor, paymentID string) (*domain.AnalysisResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "fraud.AnalyzePayment",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("payment.id", paymentID),
		),
	)
	defer span.End()

	payment, err := a.payments.GetPayment(ctx, tenantID, paymentID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load payment %s: %w", paymentID, err)
	}

	agent, err := a.payments.GetAgent(ctx, tenantID, payment.AgentID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		slog.Warn("agent not found for payment",
			"tenant_id", tenantID,
			"payment_id", paymentID,
			"agent_id", payment.AgentID,
		)
		agent = nil
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load agent %s: %w", payment.AgentID, err)
	}

	enabled, err := a.registry.ListEnabled(ctx, tenantID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	applicable, skipped := a.applicableRules(tenantID, enabled, payment, agent)

	results := a.evaluateAll(ctx, tenantID, applicable, payment, agent)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	agg := aggregate(results)

	writes, err := a.writer.Record(ctx, tenantID, actor, payment, agg.Triggered)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := newAnalysisResult(tenantID, paymentID, agg, len(applicable), skipped, start)
	res.Written = writes

	a.metrics.ObserveAnalysis(string(res.Severity), time.Since(start))
	span.SetAttributes(
		attribute.Float64("fraud.risk_score", res.TotalRiskScore),
		attribute.String("fraud.severity", string(res.Severity)),
		attribute.Int("fraud.alerts", len(res.Alerts)),
	)

	attrs := []any{
		"tenant_id", tenantID,
		"payment_id", paymentID,
		"risk_score", res.TotalRiskScore,
		"severity", res.Severity,
		"alerts", len(res.Alerts),
		"rules_evaluated", res.RulesEvaluated,
		"rules_skipped", res.RulesSkipped,
		"duration_ms", res.DurationMs,
	}
	if ShouldReview(res) {
		slog.Warn("payment flagged for review", append(attrs, "reasons", Reasons(res))...)
	} else {
		slog.Info("payment analyzed", attrs...)
	}

	return res, nil
}

// applicableRules drops rules whose condition rejects the payment. A
// condition that cannot be evaluated skips its rule.
func (a *Analyzer) applicableRules(tenantID string, enabled []*domain.FraudRule, payment *domain.Payment, agent *domain.Agent) ([]*domain.FraudRule, int) {
	if a.conditions == nil {
		return enabled, 0
	}

	out := make([]*domain.FraudRule, 0, len(enabled))
	skipped := 0
	for _, rule := range enabled {
		ok, err := a.conditions.Applies(rule, payment, agent)
		if err != nil {
			slog.Warn("rule condition failed",
				"tenant_id", tenantID,
				"payment_id", payment.ID,
				"rule_id", rule.ID,
				"error", err,
			)
		}
		if !ok {
			skipped++
			continue
		}
		out = append(out, rule)
	}
	return out, skipped
}

// evaluateAll runs every rule concurrently, bounded by a semaphore, and waits
// for all of them.
func (a *Analyzer) evaluateAll(ctx context.Context, tenantID string, enabled []*domain.FraudRule, payment *domain.Payment, agent *domain.Agent) []domain.RuleResult {
	results := make([]domain.RuleResult, len(enabled))
	var wg sync.WaitGroup

	sem := make(chan struct{}, a.ruleWorkers)

	for i, rule := range enabled {
		wg.Add(1)
		go func(idx int, r *domain.FraudRule) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			res, err := a.evaluator.Evaluate(ctx, tenantID, r, payment, agent)
			if err != nil {
				slog.Warn("rule evaluation failed",
					"tenant_id", tenantID,
					"payment_id", payment.ID,
					"rule_id", r.ID,
					"rule_type", r.Type,
					"error", err,
				)
				a.metrics.RuleError(string(r.Type))
				return
			}
			results[idx] = res
		}(i, rule)
	}

	wg.Wait()
	return results
}
