package rules

import (
	"context"
	"sync"
	"testing"

	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryRuleStore is an in-memory domain.RuleStore.
type memoryRuleStore struct {
	mu    sync.Mutex
	rules map[string]map[string]*domain.FraudRule
}

func newMemoryRuleStore() *memoryRuleStore {
	return &memoryRuleStore{rules: make(map[string]map[string]*domain.FraudRule)}
}

func (s *memoryRuleStore) tenant(tenantID string) map[string]*domain.FraudRule {
	m, ok := s.rules[tenantID]
	if !ok {
		m = make(map[string]*domain.FraudRule)
		s.rules[tenantID] = m
	}
	return m
}

func (s *memoryRuleStore) SaveRule(ctx context.Context, tenantID string, rule *domain.FraudRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	cp.TenantID = tenantID
	s.tenant(tenantID)[rule.ID] = &cp
	return nil
}

func (s *memoryRuleStore) InsertRuleIfAbsent(ctx context.Context, tenantID string, rule *domain.FraudRule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tenant(tenantID)
	if _, ok := m[rule.ID]; ok {
		return false, nil
	}
	cp := *rule
	cp.TenantID = tenantID
	m[rule.ID] = &cp
	return true, nil
}

func (s *memoryRuleStore) GetRule(ctx context.Context, tenantID, ruleID string) (*domain.FraudRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tenant(tenantID)[ruleID]
	if !ok {
		return nil, assert.AnError
	}
	cp := *r
	return &cp, nil
}

func (s *memoryRuleStore) ListRules(ctx context.Context, tenantID string, enabledOnly bool) ([]*domain.FraudRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.FraudRule
	for _, r := range s.tenant(tenantID) {
		if enabledOnly && !r.Enabled {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memoryRuleStore) CountRules(ctx context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenant(tenantID)), nil
}

func TestDefaultRules(t *testing.T) {
	defaults := DefaultRules()
	require.Len(t, defaults, len(domain.RuleTypes()))

	seen := make(map[domain.RuleType]bool)
	for _, r := range defaults {
		assert.True(t, r.Enabled, r.ID)
		assert.Equal(t, string(r.Type), r.ID)
		assert.False(t, seen[r.Type], "duplicate default for %s", r.Type)
		seen[r.Type] = true
	}

	// Each call returns fresh copies.
	defaults[0].Weight = 99
	assert.NotEqual(t, 99.0, DefaultRules()[0].Weight)
}

func TestBootstrapDefaults(t *testing.T) {
	ctx := context.Background()

	t.Run("SeedsOnce", func(t *testing.T) {
		store := newMemoryRuleStore()
		reg := NewStoreRegistry(store, nil)

		created, err := reg.BootstrapDefaults(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, 6, created)

		created, err = reg.BootstrapDefaults(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Zero(t, created)

		n, _ := store.CountRules(ctx, "tenant-a")
		assert.Equal(t, 6, n)
	})

	t.Run("NeverOverwritesTunedRules", func(t *testing.T) {
		store := newMemoryRuleStore()
		reg := NewStoreRegistry(store, nil)

		tuned := DefaultRules()[3]
		tuned.Weight = 12
		require.NoError(t, store.SaveRule(ctx, "tenant-a", tuned))

		created, err := reg.BootstrapDefaults(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Zero(t, created)

		got, err := store.GetRule(ctx, "tenant-a", tuned.ID)
		require.NoError(t, err)
		assert.Equal(t, 12.0, got.Weight)
	})

	t.Run("TenantsAreIndependent", func(t *testing.T) {
		store := newMemoryRuleStore()
		reg := NewStoreRegistry(store, nil)

		_, err := reg.BootstrapDefaults(ctx, "tenant-a")
		require.NoError(t, err)

		n, _ := store.CountRules(ctx, "tenant-b")
		assert.Zero(t, n)
	})
}

func TestStoreRegistry(t *testing.T) {
	ctx := context.Background()
	conditions, err := NewConditions(lagos)
	require.NoError(t, err)

	store := newMemoryRuleStore()
	reg := NewStoreRegistry(store, conditions)
	_, err = reg.BootstrapDefaults(ctx, "tenant-a")
	require.NoError(t, err)

	t.Run("ListEnabledSkipsDisabledAndSortsByName", func(t *testing.T) {
		rule, err := reg.Get(ctx, "tenant-a", string(domain.RuleTimePattern))
		require.NoError(t, err)
		rule.Enabled = false
		require.NoError(t, reg.Save(ctx, "tenant-a", rule))

		enabled, err := reg.ListEnabled(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, enabled, 5)
		for i := 1; i < len(enabled); i++ {
			assert.LessOrEqual(t, enabled[i-1].Name, enabled[i].Name)
		}

		all, err := reg.List(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Len(t, all, 6)
	})

	t.Run("RejectsInvalidRules", func(t *testing.T) {
		bad := []*domain.FraudRule{
			nil,
			{ID: "x", Type: "made_up"},
			{ID: "x", Type: domain.RuleVelocityCheck, Weight: -1},
			{ID: "x", Type: domain.RuleTimePattern, Params: domain.RuleParams{StartHour: intPtr(24)}},
			{ID: "x", Type: domain.RuleTimePattern, Params: domain.RuleParams{EndHour: intPtr(-1)}},
			{ID: "x", Type: domain.RuleVelocityCheck, Condition: "amount >"},
			{ID: "x", Type: domain.RuleVelocityCheck, Condition: "amount + 1.0"},
		}
		for _, r := range bad {
			assert.Error(t, reg.Save(ctx, "tenant-a", r))
		}
	})

	t.Run("AcceptsConditionalRule", func(t *testing.T) {
		rule := &domain.FraudRule{
			ID:        "cash-velocity",
			Name:      "Cash Velocity",
			Type:      domain.RuleVelocityCheck,
			Enabled:   true,
			Weight:    9,
			Condition: `method == "cash" && amount > 1000.0`,
		}
		require.NoError(t, reg.Save(ctx, "tenant-a", rule))

		got, err := reg.Get(ctx, "tenant-a", "cash-velocity")
		require.NoError(t, err)
		assert.Equal(t, rule.Condition, got.Condition)
	})
}

func TestStaticRegistry(t *testing.T) {
	disabled := DefaultRules()[0]
	disabled.Enabled = false
	reg := NewStaticRegistry(DefaultRules()[5], disabled, DefaultRules()[1])

	rules, err := reg.ListEnabled(context.Background(), "any")

	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "Amount Anomaly Detection", rules[0].Name)
	assert.Equal(t, "Unusual Time Pattern", rules[1].Name)
}
