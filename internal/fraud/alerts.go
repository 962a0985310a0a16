package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fieldpay/internal/cache"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

const (
	analyticsWindowDays = 30
	defaultAnalyticsTTL = 30 * time.Second
)

// AlertService serves alert review and the analytics dashboard.
type AlertService struct {
	store domain.AlertStore
	cache domain.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewAlertService creates the review service. Analytics are cached in c for
// ttl; c may be nil to disable caching.
func NewAlertService(store domain.AlertStore, c domain.Cache, ttl time.Duration) *AlertService {
	if ttl <= 0 {
		ttl = defaultAnalyticsTTL
	}
	return &AlertService{
		store: store,
		cache: c,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// GetFraudAlerts lists alerts matching filter, newest first.
func (s *AlertService) GetFraudAlerts(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.FraudAlert, error) {
	return s.store.ListAlerts(ctx, tenantID, filter)
}

// GetFraudAlert returns a single alert.
func (s *AlertService) GetFraudAlert(ctx context.Context, tenantID, alertID string) (*domain.FraudAlert, error) {
	return s.store.GetAlert(ctx, tenantID, alertID)
}

// UpdateAlertStatus moves an alert through its review lifecycle.
func (s *AlertService) UpdateAlertStatus(ctx context.Context, tenantID string, actor domain.Actor, alertID string, status domain.AlertStatus, notes string) (*domain.FraudAlert, error) {
	alert, err := s.store.UpdateAlertStatus(ctx, tenantID, alertID, status, actor, notes, s.now())
	if err != nil {
		return nil, err
	}

	invalidateAnalytics(ctx, s.cache, tenantID)

	slog.Info("fraud alert reviewed",
		"tenant_id", tenantID,
		"alert_id", alertID,
		"status", status,
		"actor", actor.String(),
	)
	return alert, nil
}

// GetFraudAnalytics summarises the last 30 days of alerts.
func (s *AlertService) GetFraudAnalytics(ctx context.Context, tenantID string) (*domain.AlertAnalytics, error) {
	if s.cache != nil {
		var cached domain.AlertAnalytics
		ok, err := cache.GetJSON(ctx, s.cache, tenantID, analyticsCacheKey, &cached)
		if err != nil {
			slog.Warn("analytics cache read failed",
				"tenant_id", tenantID,
				"error", err,
			)
		}
		if ok {
			return &cached, nil
		}
	}

	since := s.now().AddDate(0, 0, -analyticsWindowDays)
	analytics, err := s.store.AlertAnalytics(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute alert analytics: %w", err)
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, tenantID, analyticsCacheKey, analytics, s.ttl); err != nil {
			slog.Warn("analytics cache write failed",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}
	return analytics, nil
}
