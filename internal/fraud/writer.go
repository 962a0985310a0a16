package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fieldpay/internal/bus"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/opensource-finance/fieldpay/internal/metrics"
)

// analyticsCacheKey caches the dashboard analytics per tenant.
const analyticsCacheKey = "fraud-analytics"

// Writer persists triggered rule results as alerts with their audit trail.
type Writer struct {
	store   domain.AlertStore
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewWriter creates an alert writer. cache, eventBus and m may be nil.
func NewWriter(store domain.AlertStore, cache domain.Cache, eventBus domain.EventBus, m *metrics.Metrics) *Writer {
	return &Writer{
		store:   store,
		cache:   cache,
		bus:     eventBus,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record writes one open alert per triggered result. An open alert for the
// same payment and rule is refreshed instead of duplicated. Alerts and audit
// entries share one transaction; events for newly created alerts are
// published after it commits.
func (w *Writer) Record(ctx context.Context, tenantID string, actor domain.Actor, payment *domain.Payment, results []domain.RuleResult) ([]domain.AlertWrite, error) {
	var triggered []domain.RuleResult
	for _, r := range results {
		if r.Triggered() {
			triggered = append(triggered, r)
		}
	}
	if len(triggered) == 0 {
		return nil, nil
	}

	writes, err := w.store.RecordAlerts(ctx, tenantID, payment.ID, triggered, actor, w.now())
	if err != nil {
		return nil, fmt.Errorf("failed to record alerts for payment %s: %w", payment.ID, err)
	}

	invalidateAnalytics(ctx, w.cache, tenantID)

	byRule := make(map[string]domain.RuleResult, len(triggered))
	for _, r := range triggered {
		byRule[r.RuleID] = r
	}

	for _, wr := range writes {
		r := byRule[wr.RuleID]
		w.metrics.AlertWritten(string(r.RuleType), wr.Created)

		if !wr.Created {
			continue
		}
		slog.Info("fraud alert created",
			"tenant_id", tenantID,
			"payment_id", payment.ID,
			"alert_id", wr.AlertID,
			"rule_id", wr.RuleID,
			"severity", r.Severity,
			"risk_score", r.RiskScore,
		)
		if w.bus == nil {
			continue
		}
		event := domain.AlertEvent{
			AlertID:   wr.AlertID,
			PaymentID: payment.ID,
			RuleID:    wr.RuleID,
			RuleType:  r.RuleType,
			RiskScore: r.RiskScore,
			Severity:  r.Severity,
		}
		if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicAlertCreated, event); err != nil {
			slog.Warn("failed to publish alert event",
				"tenant_id", tenantID,
				"alert_id", wr.AlertID,
				"error", err,
			)
		}
	}

	return writes, nil
}

func invalidateAnalytics(ctx context.Context, c domain.Cache, tenantID string) {
	if c == nil {
		return
	}
	if err := c.Delete(ctx, tenantID, analyticsCacheKey); err != nil {
		slog.Warn("failed to invalidate analytics cache",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}
