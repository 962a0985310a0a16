package rules

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countCall struct {
	from, to time.Time
}

// fakeHistory serves canned history and records the windows it was asked for.
type fakeHistory struct {
	around    []*domain.Payment
	delivered []*domain.Payment
	count     int
	failed    int

	aroundWindow    time.Duration
	deliveredWindow countCall
	counts          []countCall
}

func (f *fakeHistory) PaymentsAround(ctx context.Context, tenantID, agentID string, at time.Time, window time.Duration) ([]*domain.Payment, error) {
	f.aroundWindow = window
	return f.around, nil
}

func (f *fakeHistory) DeliveredBetween(ctx context.Context, tenantID, agentID string, from, to time.Time) ([]*domain.Payment, error) {
	f.deliveredWindow = countCall{from: from, to: to}
	return f.delivered, nil
}

func (f *fakeHistory) CountBetween(ctx context.Context, tenantID, agentID string, from, to time.Time) (int, error) {
	f.counts = append(f.counts, countCall{from: from, to: to})
	return f.count, nil
}

func (f *fakeHistory) CountByStatus(ctx context.Context, tenantID, agentID string, status domain.PaymentStatus) (int, error) {
	return f.failed, nil
}

func TestEvaluatorDispatch(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2027, 2, 25, 12, 0, 0, 0, time.UTC)
	target := payment("pay-9", 10000, at)

	t.Run("Duplicate", func(t *testing.T) {
		h := &fakeHistory{around: []*domain.Payment{payment("pay-1", 10000, at.Add(-5*time.Minute)), target}}
		e := NewEvaluator(h, lagos)

		res, err := e.Evaluate(ctx, "t", defaultRule(t, domain.RuleDuplicatePayment), target, nil)

		require.NoError(t, err)
		assert.Equal(t, 8.0, res.RiskScore)
		assert.Equal(t, 30*time.Minute, h.aroundWindow)
	})

	t.Run("AmountLooksBackLookbackDays", func(t *testing.T) {
		h := &fakeHistory{}
		e := NewEvaluator(h, lagos)

		_, err := e.Evaluate(ctx, "t", defaultRule(t, domain.RuleAmountAnomaly), target, nil)

		require.NoError(t, err)
		assert.True(t, h.deliveredWindow.from.Equal(at.AddDate(0, 0, -30)))
		assert.True(t, h.deliveredWindow.to.Equal(at), "baseline must not include later payments")
	})

	t.Run("FrequencyWindows", func(t *testing.T) {
		h := &fakeHistory{count: 6}
		e := NewEvaluator(h, lagos)

		res, err := e.Evaluate(ctx, "t", defaultRule(t, domain.RuleFrequencyAnomaly), target, nil)

		require.NoError(t, err)
		assert.Equal(t, 6.0, res.RiskScore)
		require.Len(t, h.counts, 2)
		assert.True(t, h.counts[0].from.Equal(StartOfDay(at, lagos)))
		assert.True(t, h.counts[0].to.Equal(at))
		assert.True(t, h.counts[1].from.Equal(at.AddDate(0, 0, -7)))
	})

	t.Run("VelocityWindowIsCentred", func(t *testing.T) {
		h := &fakeHistory{count: 4}
		e := NewEvaluator(h, lagos)

		res, err := e.Evaluate(ctx, "t", defaultRule(t, domain.RuleVelocityCheck), target, nil)

		require.NoError(t, err)
		assert.Equal(t, 27.0, res.RiskScore)
		require.Len(t, h.counts, 1)
		assert.True(t, h.counts[0].from.Equal(at.Add(-time.Hour)))
		assert.True(t, h.counts[0].to.Equal(at.Add(time.Hour)))
	})

	t.Run("AgentRiskNeedsAgent", func(t *testing.T) {
		e := NewEvaluator(&fakeHistory{}, lagos)

		_, err := e.Evaluate(ctx, "t", defaultRule(t, domain.RuleAgentRisk), target, nil)
		assert.Error(t, err)

		agent := &domain.Agent{ID: "agent-001", VerificationStatus: domain.AgentVerified, CreatedAt: at.AddDate(0, 0, -5)}
		res, err := e.Evaluate(ctx, "t", defaultRule(t, domain.RuleAgentRisk), target, agent)
		require.NoError(t, err)
		assert.Equal(t, 5.0, res.RiskScore)
	})

	t.Run("TimePatternUsesLocation", func(t *testing.T) {
		e := NewEvaluator(&fakeHistory{}, lagos)
		late := payment("pay-late", 1000, time.Date(2027, 2, 25, 21, 30, 0, 0, time.UTC))

		res, err := e.Evaluate(ctx, "t", defaultRule(t, domain.RuleTimePattern), late, nil)

		require.NoError(t, err)
		assert.Equal(t, 4.0, res.RiskScore)
	})

	t.Run("UnknownType", func(t *testing.T) {
		e := NewEvaluator(&fakeHistory{}, lagos)
		_, err := e.Evaluate(ctx, "t", &domain.FraudRule{ID: "x", Type: "nope"}, target, nil)
		assert.Error(t, err)
	})
}

func TestLoadLocation(t *testing.T) {
	loc := LoadLocation("Not/AZone")
	_, offset := time.Date(2027, 2, 25, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 3600, offset)
}
