package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveAnalysis("high", 12*time.Millisecond)
	m.ObserveAnalysis("high", 8*time.Millisecond)
	m.RuleError("velocity_check")
	m.AlertWritten("velocity_check", true)
	m.AlertWritten("velocity_check", false)
	m.ReconciliationRecorded("matched")
	m.EventConsumed("payment.created", nil)
	m.EventConsumed("payment.created", errors.New("boom"))
	m.ObserveHTTP("/alerts", http.MethodGet, 200, time.Millisecond)

	body := scrape(t, m)

	for _, line := range []string{
		`fieldpay_payment_analyses_total{severity="high"} 2`,
		`fieldpay_payment_analysis_duration_seconds_count 2`,
		`fieldpay_rule_errors_total{rule_type="velocity_check"} 1`,
		`fieldpay_fraud_alerts_written_total{outcome="created",rule_type="velocity_check"} 1`,
		`fieldpay_fraud_alerts_written_total{outcome="refreshed",rule_type="velocity_check"} 1`,
		`fieldpay_reconciliations_total{status="matched"} 1`,
		`fieldpay_payment_events_consumed_total{result="error",topic="payment.created"} 1`,
		`fieldpay_http_requests_total{code="200",method="GET",route="/alerts"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("expected %q in exposition", line)
		}
	}

	t.Run("NilIsNoop", func(t *testing.T) {
		var nilMetrics *Metrics
		nilMetrics.ObserveAnalysis("low", time.Second)
		nilMetrics.AlertWritten("x", true)
		nilMetrics.ObserveHTTP("/", http.MethodGet, 200, time.Second)
		if nilMetrics.Registry() != nil {
			t.Error("expected nil registry")
		}

		rec := httptest.NewRecorder()
		nilMetrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}
