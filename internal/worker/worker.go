// Package worker consumes payment events from the EventBus, keeps the ledger
// read model current and runs fraud analysis on every created or updated
// payment.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/fieldpay/internal/bus"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/opensource-finance/fieldpay/internal/metrics"
	"github.com/opensource-finance/fieldpay/internal/repository"
)

// Ledger is the subset of the payment ledger the worker writes to.
type Ledger interface {
	SaveAgent(ctx context.Context, tenantID string, agent *domain.Agent) error
	SavePayment(ctx context.Context, tenantID string, payment *domain.Payment, actor domain.Actor) error
	GetPayment(ctx context.Context, tenantID string, paymentID string) (*domain.Payment, error)
	TransitionPayment(ctx context.Context, tenantID string, paymentID string, next domain.PaymentStatus, actor domain.Actor, notes string) (*domain.Payment, error)
}

// Analyzer runs fraud analysis on a stored payment.
type Analyzer interface {
	AnalyzePayment(ctx context.Context, tenantID string, actor domain.Actor, paymentID string) (*domain.AnalysisResult, error)
}

// Worker processes payment events asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	ledger   Ledger
	analyzer Analyzer
	metrics  *metrics.Metrics

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants whose payment topics are consumed.
	TenantIDs []string
}

// NewWorker creates a new async worker. m may be nil.
func NewWorker(eventBus domain.EventBus, ledger Ledger, analyzer Analyzer, m *metrics.Metrics) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		ledger:   ledger,
		analyzer: analyzer,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to payment.created and payment.updated for every tenant.
// A tenant whose subscription fails is logged and skipped.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		slog.Warn("worker has no tenants configured, no payment events will be consumed")
		return nil
	}

	started := 0
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return errors.New("worker: no tenant subscriptions could be started")
	}

	slog.Info("workers started",
		"tenant_count", started,
	)
	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	for _, topic := range []string{domain.TopicPaymentCreated, domain.TopicPaymentUpdated} {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
			return w.handle(ctx, tenantID, msg)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}

		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()

		slog.Info("tenant worker started",
			"tenant_id", tenantID,
			"topic", topic,
		)
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	// Accepted events run to completion even once Stop cancels the subscription.
	err := w.processPayment(context.WithoutCancel(ctx), tenantID, msg)
	w.metrics.EventConsumed(msg.Topic, err)
	return err
}

// processPayment applies one payment event to the ledger and analyzes the
// payment. Analysis is advisory: its failure is logged and does not fail the
// event.
func (w *Worker) processPayment(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var ev domain.PaymentEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse payment event",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"error", err,
		)
		return err
	}
	if ev.Payment.ID == "" {
		return fmt.Errorf("%w: payment event without payment id", repository.ErrInvalidInput)
	}

	traceID := ev.TraceID
	if traceID == "" {
		traceID = msg.Metadata[bus.MetadataTraceID]
	}
	if traceID == "" {
		traceID = msg.ID
	}

	actor := domain.System()
	if ev.ActorID != "" {
		actor = domain.User(ev.ActorID)
	}

	slog.Debug("processing payment event",
		"payment_id", ev.Payment.ID,
		"tenant_id", tenantID,
		"topic", msg.Topic,
		"trace_id", traceID,
	)

	if ev.Agent != nil {
		if err := w.ledger.SaveAgent(ctx, tenantID, ev.Agent); err != nil {
			return fmt.Errorf("save agent %s: %w", ev.Agent.ID, err)
		}
	}

	var err error
	switch msg.Topic {
	case domain.TopicPaymentCreated:
		err = w.applyCreated(ctx, tenantID, &ev.Payment, actor)
	case domain.TopicPaymentUpdated:
		err = w.applyUpdated(ctx, tenantID, &ev.Payment, actor)
	default:
		err = fmt.Errorf("%w: unexpected topic %q", repository.ErrInvalidInput, msg.Topic)
	}
	if err != nil {
		slog.Error("failed to apply payment event",
			"payment_id", ev.Payment.ID,
			"tenant_id", tenantID,
			"topic", msg.Topic,
			"error", err,
		)
		return err
	}

	res, err := w.analyzer.AnalyzePayment(ctx, tenantID, actor, ev.Payment.ID)
	if err != nil {
		slog.Error("fraud analysis failed",
			"payment_id", ev.Payment.ID,
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		return nil
	}

	slog.Info("payment event processed",
		"payment_id", ev.Payment.ID,
		"tenant_id", tenantID,
		"topic", msg.Topic,
		"trace_id", traceID,
		"risk_score", res.TotalRiskScore,
		"severity", res.Severity,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) applyCreated(ctx context.Context, tenantID string, p *domain.Payment, actor domain.Actor) error {
	err := w.ledger.SavePayment(ctx, tenantID, p, actor)
	if errors.Is(err, repository.ErrConflict) {
		// Redelivered event; the stored payment is authoritative.
		slog.Debug("payment already recorded",
			"payment_id", p.ID,
			"tenant_id", tenantID,
		)
		return nil
	}
	return err
}

func (w *Worker) applyUpdated(ctx context.Context, tenantID string, p *domain.Payment, actor domain.Actor) error {
	stored, err := w.ledger.GetPayment(ctx, tenantID, p.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return w.ledger.SavePayment(ctx, tenantID, p, actor)
	}
	if err != nil {
		return err
	}
	if p.Status == "" || stored.Status == p.Status {
		return nil
	}
	_, err = w.ledger.TransitionPayment(ctx, tenantID, p.ID, p.Status, actor, "payment.updated event")
	return err
}

// Stop refuses new events, unsubscribes and waits for in-flight events to
// finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.cancel()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats reports the worker's active subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
