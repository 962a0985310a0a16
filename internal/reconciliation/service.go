// Package reconciliation compares expected and settled payment amounts,
// classifies the outcome and supports manual variance resolution.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldpay/internal/bus"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/opensource-finance/fieldpay/internal/metrics"
	"github.com/opensource-finance/fieldpay/internal/repository"
	"github.com/shopspring/decimal"
)

// ErrRunInProgress is returned when another reconciliation run holds the
// batch lock.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

const defaultLockTTL = 10 * time.Minute

// Ledger is the payment data reconciliation reads.
type Ledger interface {
	GetPayment(ctx context.Context, tenantID string, paymentID string) (*domain.Payment, error)
	GetBatch(ctx context.Context, tenantID string, batchID string) (*domain.PaymentBatch, error)
	ListPaymentsByBatch(ctx context.Context, tenantID string, batchID string) ([]*domain.Payment, error)
}

// Service is the reconciliation engine.
type Service struct {
	ledger  Ledger
	store   domain.ReconciliationStore
	cache   domain.Cache
	bus     domain.EventBus
	metrics *metrics.Metrics
	lockTTL time.Duration
	now     func() time.Time
}

// NewService creates a reconciliation service. cache holds batch run locks;
// cache, eventBus and m may be nil.
func NewService(ledger Ledger, store domain.ReconciliationStore, cache domain.Cache, eventBus domain.EventBus, m *metrics.Metrics, lockTTL time.Duration) *Service {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Service{
		ledger:  ledger,
		store:   store,
		cache:   cache,
		bus:     eventBus,
		metrics: m,
		lockTTL: lockTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput describes a manual reconciliation.
type CreateInput struct {
	PaymentID      string
	Date           time.Time
	OpeningBalance decimal.Decimal
	ClosingBalance decimal.Decimal
	Notes          string
	Documents      []string

	// Status overrides the computed classification. It must be a status a
	// record can be created in.
	Status domain.ReconciliationStatus
}

// Classify returns matched when the difference is within tolerance and
// variance otherwise.
func Classify(difference decimal.Decimal) domain.ReconciliationStatus {
	if domain.WithinTolerance(difference) {
		return domain.ReconMatched
	}
	return domain.ReconVariance
}

// CreateReconciliation records a comparison of opening and closing balance
// for one payment.
func (s *Service) CreateReconciliation(ctx context.Context, tenantID string, actor domain.Actor, in CreateInput) (*domain.Reconciliation, error) {
	if in.PaymentID == "" {
		return nil, fmt.Errorf("%w: paymentId is required", repository.ErrInvalidInput)
	}
	if in.Status != "" && !in.Status.Creatable() {
		return nil, fmt.Errorf("%w: cannot create reconciliation in status %q", repository.ErrInvalidInput, in.Status)
	}
	if _, err := s.ledger.GetPayment(ctx, tenantID, in.PaymentID); err != nil {
		return nil, fmt.Errorf("failed to load payment %s: %w", in.PaymentID, err)
	}

	now := s.now()
	date := in.Date
	if date.IsZero() {
		date = now
	}

	difference := in.ClosingBalance.Sub(in.OpeningBalance)
	status := in.Status
	if status == "" {
		status = Classify(difference)
	}

	rec := &domain.Reconciliation{
		ID:                 uuid.New().String(),
		PaymentID:          in.PaymentID,
		ReconciliationDate: date,
		OpeningBalance:     in.OpeningBalance,
		ClosingBalance:     in.ClosingBalance,
		Difference:         difference,
		Status:             status,
		Documents:          in.Documents,
		Notes:              in.Notes,
		ReconciledBy:       actor.ID(),
		CreatedAt:          now,
	}

	if err := s.store.SaveReconciliations(ctx, tenantID, []*domain.Reconciliation{rec}, []*domain.AuditEntry{createdAudit(rec, actor)}); err != nil {
		return nil, fmt.Errorf("failed to save reconciliation: %w", err)
	}

	s.recorded(ctx, tenantID, rec)

	slog.Info("reconciliation created",
		"tenant_id", tenantID,
		"payment_id", rec.PaymentID,
		"reconciliation_id", rec.ID,
		"status", rec.Status,
		"difference", rec.Difference.String(),
	)
	return rec, nil
}

// ReconcileBatch reconciles every payment of a batch in one run. Payments not
// delivered are exceptions. The delivered total is compared with the batch's
// expected total and the single aggregate variance classifies every delivered
// payment. This approximates settlement at batch level; it is not a
// per-payment statement match.
func (s *Service) ReconcileBatch(ctx context.Context, tenantID string, actor domain.Actor, batchID string) (*domain.BatchResult, error) {
	batch, err := s.ledger.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}

	unlock, err := s.lockBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	payments, err := s.ledger.ListPaymentsByBatch(ctx, tenantID, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch payments: %w", err)
	}

	res := &domain.BatchResult{
		BatchID:        batchID,
		RunID:          uuid.New().String(),
		Total:          len(payments),
		ExpectedTotal:  batch.ExpectedTotal,
		DeliveredTotal: decimal.Zero,
	}

	for _, p := range payments {
		if p.Status == domain.PaymentDelivered {
			res.DeliveredTotal = res.DeliveredTotal.Add(p.Amount)
		}
	}
	res.Variance = res.DeliveredTotal.Sub(batch.ExpectedTotal)
	deliveredStatus := Classify(res.Variance)

	now := s.now()
	records := make([]*domain.Reconciliation, 0, len(payments))
	audits := make([]*domain.AuditEntry, 0, len(payments))

	for _, p := range payments {
		rec := &domain.Reconciliation{
			ID:                 uuid.New().String(),
			PaymentID:          p.ID,
			BatchID:            batchID,
			RunID:              res.RunID,
			ReconciliationDate: now,
			OpeningBalance:     p.Amount,
			ReconciledBy:       actor.ID(),
			CreatedAt:          now,
		}

		if p.Status != domain.PaymentDelivered {
			rec.ClosingBalance = decimal.Zero
			rec.Difference = p.Amount.Neg()
			rec.Status = domain.ReconException
			rec.VarianceReason = fmt.Sprintf("payment is %s, not delivered", p.Status)
			res.Exceptions++
		} else {
			rec.ClosingBalance = p.Amount
			rec.Difference = decimal.Zero
			rec.Status = deliveredStatus
			if deliveredStatus == domain.ReconVariance {
				rec.VarianceReason = fmt.Sprintf("batch delivered total %s differs from expected %s by %s",
					res.DeliveredTotal.StringFixed(2), batch.ExpectedTotal.StringFixed(2), res.Variance.StringFixed(2))
				res.Variances++
			} else {
				res.Matched++
			}
		}

		records = append(records, rec)
		audits = append(audits, createdAudit(rec, actor))
	}

	if err := s.store.SaveReconciliations(ctx, tenantID, records, audits); err != nil {
		return nil, fmt.Errorf("failed to save batch reconciliation: %w", err)
	}

	for _, rec := range records {
		s.recorded(ctx, tenantID, rec)
	}

	slog.Info("batch reconciled",
		"tenant_id", tenantID,
		"batch_id", batchID,
		"run_id", res.RunID,
		"total", res.Total,
		"matched", res.Matched,
		"variances", res.Variances,
		"exceptions", res.Exceptions,
		"variance", res.Variance.String(),
	)
	return res, nil
}

// lockBatch takes the batch run lock. The returned func releases it.
func (s *Service) lockBatch(ctx context.Context, tenantID, batchID string) (func(), error) {
	if s.cache == nil {
		return func() {}, nil
	}

	key := "recon-lock:" + batchID
	token, ok, err := s.cache.AcquireLock(ctx, tenantID, key, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire batch lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", ErrRunInProgress, batchID)
	}

	return func() {
		if err := s.cache.ReleaseLock(context.WithoutCancel(ctx), tenantID, key, token); err != nil {
			slog.Warn("failed to release batch lock",
				"tenant_id", tenantID,
				"batch_id", batchID,
				"error", err,
			)
		}
	}, nil
}

// ResolveVariance settles a variance, exception or unmatched record. The
// optional adjustment is added to the closing balance; the record becomes
// matched when the new difference is within tolerance and resolved
// otherwise.
func (s *Service) ResolveVariance(ctx context.Context, tenantID string, actor domain.Actor, id string, notes string, adjustment *decimal.Decimal) (*domain.Reconciliation, error) {
	rec, err := s.store.GetReconciliation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := rec.Status.Resolvable(); err != nil {
		return nil, err
	}

	prior := rec.Status
	before := rec.Difference

	if adjustment != nil {
		rec.ClosingBalance = rec.ClosingBalance.Add(*adjustment)
	}
	rec.Difference = rec.ClosingBalance.Sub(rec.OpeningBalance)
	rec.Status = domain.ReconResolved
	if domain.WithinTolerance(rec.Difference) {
		rec.Status = domain.ReconMatched
	}

	now := s.now()
	rec.ResolvedAt = &now
	rec.ReconciledBy = actor.ID()
	if notes != "" {
		rec.Notes = notes
	}

	newValues := map[string]any{
		"reconciliationId": rec.ID,
		"status":           string(rec.Status),
		"difference":       rec.Difference.String(),
		"closingBalance":   rec.ClosingBalance.String(),
	}
	if adjustment != nil {
		newValues["adjustment"] = adjustment.String()
	}

	audit := &domain.AuditEntry{
		PaymentID: rec.PaymentID,
		Action:    domain.AuditReconciliationResolved,
		Actor:     actor.ID(),
		OldValues: map[string]any{
			"reconciliationId": rec.ID,
			"status":           string(prior),
			"difference":       before.String(),
		},
		NewValues: newValues,
		Notes:     notes,
		CreatedAt: now,
	}

	if err := s.store.ResolveReconciliation(ctx, tenantID, rec, prior, audit); err != nil {
		return nil, err
	}

	slog.Info("reconciliation resolved",
		"tenant_id", tenantID,
		"reconciliation_id", rec.ID,
		"status", rec.Status,
		"difference_before", before.String(),
		"difference_after", rec.Difference.String(),
		"actor", actor.String(),
	)
	return rec, nil
}

// GetReconciliationRecords lists records matching filter.
func (s *Service) GetReconciliationRecords(ctx context.Context, tenantID string, filter domain.ReconciliationFilter) ([]*domain.Reconciliation, error) {
	return s.store.ListReconciliations(ctx, tenantID, filter)
}

// GetReconciliation returns one record.
func (s *Service) GetReconciliation(ctx context.Context, tenantID, id string) (*domain.Reconciliation, error) {
	return s.store.GetReconciliation(ctx, tenantID, id)
}

// GetReconciliationSummary aggregates the records reconciled within
// [from, to]. Zero bounds are open.
func (s *Service) GetReconciliationSummary(ctx context.Context, tenantID string, from, to time.Time) (*domain.ReconciliationSummary, error) {
	records, err := s.store.ListReconciliations(ctx, tenantID, domain.ReconciliationFilter{DateFrom: from, DateTo: to})
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	return Summarize(records, from, to), nil
}

// Summarize aggregates records. MatchRate is a percentage.
func Summarize(records []*domain.Reconciliation, from, to time.Time) *domain.ReconciliationSummary {
	sum := &domain.ReconciliationSummary{
		From:             from,
		To:               to,
		Total:            len(records),
		ExpectedAmount:   decimal.Zero,
		SettledAmount:    decimal.Zero,
		NetDifference:    decimal.Zero,
		AbsoluteVariance: decimal.Zero,
	}

	for _, r := range records {
		switch r.Status {
		case domain.ReconMatched:
			sum.Matched++
		case domain.ReconUnmatched:
			sum.Unmatched++
		case domain.ReconVariance:
			sum.Variances++
		case domain.ReconException:
			sum.Exceptions++
		case domain.ReconResolved:
			sum.Resolved++
		}
		sum.ExpectedAmount = sum.ExpectedAmount.Add(r.OpeningBalance)
		sum.SettledAmount = sum.SettledAmount.Add(r.ClosingBalance)
		sum.NetDifference = sum.NetDifference.Add(r.Difference)
		sum.AbsoluteVariance = sum.AbsoluteVariance.Add(r.Difference.Abs())
	}

	if sum.Total > 0 {
		sum.MatchRate = float64(sum.Matched) / float64(sum.Total) * 100
	}
	return sum
}

func createdAudit(rec *domain.Reconciliation, actor domain.Actor) *domain.AuditEntry {
	values := map[string]any{
		"reconciliationId": rec.ID,
		"status":           string(rec.Status),
		"openingBalance":   rec.OpeningBalance.String(),
		"closingBalance":   rec.ClosingBalance.String(),
		"difference":       rec.Difference.String(),
	}
	if rec.RunID != "" {
		values["batchId"] = rec.BatchID
		values["runId"] = rec.RunID
	}
	return &domain.AuditEntry{
		PaymentID: rec.PaymentID,
		Action:    domain.AuditReconciliationCreated,
		Actor:     actor.ID(),
		NewValues: values,
		Notes:     rec.Notes,
		CreatedAt: rec.CreatedAt,
	}
}

// recorded emits the reconciliation event and metrics for a saved record.
func (s *Service) recorded(ctx context.Context, tenantID string, rec *domain.Reconciliation) {
	s.metrics.ReconciliationRecorded(string(rec.Status))
	if s.bus == nil {
		return
	}

	event := domain.ReconciliationEvent{
		ReconciliationID: rec.ID,
		PaymentID:        rec.PaymentID,
		BatchID:          rec.BatchID,
		RunID:            rec.RunID,
		Status:           rec.Status,
		Difference:       rec.Difference.String(),
	}
	if err := bus.PublishJSON(ctx, s.bus, tenantID, domain.TopicReconciliationRecorded, event); err != nil {
		slog.Warn("failed to publish reconciliation event",
			"tenant_id", tenantID,
			"reconciliation_id", rec.ID,
			"error", err,
		)
	}
}
