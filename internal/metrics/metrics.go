// Package metrics exposes the Prometheus collectors for fraud analysis,
// alerting, reconciliation and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldpay"

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	analyses        *prometheus.CounterVec
	analysisSeconds prometheus.Histogram
	ruleErrors      *prometheus.CounterVec
	alertsWritten   *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	eventsConsumed  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_analyses_total",
			Help:      "Payments analysed, by resulting severity.",
		}, []string{"severity"}),
		analysisSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_analysis_duration_seconds",
			Help:      "Time spent analysing one payment.",
			Buckets:   prometheus.DefBuckets,
		}),
		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Rule evaluations that failed and contributed nothing.",
		}, []string{"rule_type"}),
		alertsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fraud_alerts_written_total",
			Help:      "Fraud alerts written, by rule type and outcome.",
		}, []string{"rule_type", "outcome"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliation records created, by status.",
		}, []string{"status"}),
		eventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_consumed_total",
			Help:      "Payment events consumed by the worker, by topic and result.",
		}, []string{"topic", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of response latency (seconds) for HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.analyses,
		m.analysisSeconds,
		m.ruleErrors,
		m.alertsWritten,
		m.reconciliations,
		m.eventsConsumed,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAnalysis records one completed payment analysis.
func (m *Metrics) ObserveAnalysis(severity string, d time.Duration) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(severity).Inc()
	m.analysisSeconds.Observe(d.Seconds())
}

// RuleError records a rule that failed during analysis.
func (m *Metrics) RuleError(ruleType string) {
	if m == nil {
		return
	}
	m.ruleErrors.WithLabelValues(ruleType).Inc()
}

// AlertWritten records an alert insert or refresh.
func (m *Metrics) AlertWritten(ruleType string, created bool) {
	if m == nil {
		return
	}
	outcome := "refreshed"
	if created {
		outcome = "created"
	}
	m.alertsWritten.WithLabelValues(ruleType, outcome).Inc()
}

// ReconciliationRecorded records a created reconciliation record.
func (m *Metrics) ReconciliationRecorded(status string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(status).Inc()
}

// EventConsumed records a payment event handled by the worker.
func (m *Metrics) EventConsumed(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsConsumed.WithLabelValues(topic, result).Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
