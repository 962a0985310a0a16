// Package history provides read-only queries over the payment ledger for
// fraud rule evaluation.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
)

// Service answers time-windowed questions about an agent's payments.
// It holds no decision logic.
type Service struct {
	ledger domain.PaymentLedger
}

// NewService creates a new history service.
func NewService(ledger domain.PaymentLedger) *Service {
	return &Service{ledger: ledger}
}

// PaymentsAround returns the agent's payments created within window before or
// after at, both ends inclusive.
func (s *Service) PaymentsAround(ctx context.Context, tenantID, agentID string, at time.Time, window time.Duration) ([]*domain.Payment, error) {
	if err := requireIDs(tenantID, agentID); err != nil {
		return nil, err
	}

	payments, err := s.ledger.ListPaymentsByAgent(ctx, tenantID, agentID, at.Add(-window), at.Add(window))
	if err != nil {
		return nil, fmt.Errorf("failed to list payments around %s: %w", at.Format(time.RFC3339), err)
	}
	return payments, nil
}

// DeliveredBetween returns the agent's delivered payments created in [from, to].
func (s *Service) DeliveredBetween(ctx context.Context, tenantID, agentID string, from, to time.Time) ([]*domain.Payment, error) {
	if err := requireIDs(tenantID, agentID); err != nil {
		return nil, err
	}

	payments, err := s.ledger.ListPaymentsByAgentStatus(ctx, tenantID, agentID, domain.PaymentDelivered, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivered payments: %w", err)
	}
	return payments, nil
}

// CountBetween counts the agent's payments created in [from, to].
func (s *Service) CountBetween(ctx context.Context, tenantID, agentID string, from, to time.Time) (int, error) {
	if err := requireIDs(tenantID, agentID); err != nil {
		return 0, err
	}

	n, err := s.ledger.CountPaymentsByAgent(ctx, tenantID, agentID, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to count payments: %w", err)
	}
	return n, nil
}

// CountByStatus counts all of the agent's payments in status.
func (s *Service) CountByStatus(ctx context.Context, tenantID, agentID string, status domain.PaymentStatus) (int, error) {
	if err := requireIDs(tenantID, agentID); err != nil {
		return 0, err
	}

	n, err := s.ledger.CountPaymentsByAgentStatus(ctx, tenantID, agentID, status)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s payments: %w", status, err)
	}
	return n, nil
}

func requireIDs(tenantID, agentID string) error {
	if tenantID == "" || agentID == "" {
		return fmt.Errorf("tenantID and agentID are required")
	}
	return nil
}
