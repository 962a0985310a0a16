package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensource-finance/fieldpay/internal/domain"
)

// Registry supplies the fraud rules to evaluate. Rules are always looked up
// live so operators can tune them without a redeploy.
type Registry interface {
	ListEnabled(ctx context.Context, tenantID string) ([]*domain.FraudRule, error)
}

// StoreRegistry is the Registry backed by the rule store.
type StoreRegistry struct {
	store      domain.RuleStore
	conditions *Conditions
}

// NewStoreRegistry creates a registry over store. Conditions validates rule
// expressions on save; it may be nil to skip that check.
func NewStoreRegistry(store domain.RuleStore, conditions *Conditions) *StoreRegistry {
	return &StoreRegistry{store: store, conditions: conditions}
}

// ListEnabled returns the tenant's enabled rules ordered by name.
func (r *StoreRegistry) ListEnabled(ctx context.Context, tenantID string) ([]*domain.FraudRule, error) {
	rules, err := r.store.ListRules(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	sortByName(rules)
	return rules, nil
}

// List returns every rule of the tenant, enabled or not, ordered by name.
func (r *StoreRegistry) List(ctx context.Context, tenantID string) ([]*domain.FraudRule, error) {
	rules, err := r.store.ListRules(ctx, tenantID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	sortByName(rules)
	return rules, nil
}

// Get returns a single rule.
func (r *StoreRegistry) Get(ctx context.Context, tenantID, ruleID string) (*domain.FraudRule, error) {
	return r.store.GetRule(ctx, tenantID, ruleID)
}

// Save validates and stores a rule.
func (r *StoreRegistry) Save(ctx context.Context, tenantID string, rule *domain.FraudRule) error {
	if err := r.Validate(rule); err != nil {
		return err
	}
	return r.store.SaveRule(ctx, tenantID, rule)
}

// Validate checks a rule without storing it.
func (r *StoreRegistry) Validate(rule *domain.FraudRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if !rule.Type.Valid() {
		return fmt.Errorf("unknown rule type %q", rule.Type)
	}
	if rule.Weight < 0 || rule.Threshold < 0 {
		return fmt.Errorf("rule %s: threshold and weight must not be negative", rule.ID)
	}
	p := rule.Params
	if p.StartHour != nil && (*p.StartHour < 0 || *p.StartHour > 23) {
		return fmt.Errorf("rule %s: startHour must be within 0-23", rule.ID)
	}
	if p.EndHour != nil && (*p.EndHour < 0 || *p.EndHour > 23) {
		return fmt.Errorf("rule %s: endHour must be within 0-23", rule.ID)
	}
	if rule.Condition != "" && r.conditions != nil {
		if err := r.conditions.Validate(rule.Condition); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// BootstrapDefaults seeds the default rules when the tenant has none and
// returns how many were created. Calling it again is a no-op: existing rules
// are never overwritten.
func (r *StoreRegistry) BootstrapDefaults(ctx context.Context, tenantID string) (int, error) {
	n, err := r.store.CountRules(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	created := 0
	for _, rule := range DefaultRules() {
		inserted, err := r.store.InsertRuleIfAbsent(ctx, tenantID, rule)
		if err != nil {
			return created, fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
		}
		if inserted {
			created++
		}
	}

	slog.Info("default fraud rules bootstrapped",
		"tenant_id", tenantID,
		"created", created,
	)
	return created, nil
}

// StaticRegistry serves a fixed rule set. Useful for tests and offline
// analysis.
type StaticRegistry struct {
	rules []*domain.FraudRule
}

// NewStaticRegistry creates a registry over a fixed set of rules.
func NewStaticRegistry(rules ...*domain.FraudRule) *StaticRegistry {
	return &StaticRegistry{rules: rules}
}

// ListEnabled returns the enabled rules ordered by name.
func (r *StaticRegistry) ListEnabled(ctx context.Context, tenantID string) ([]*domain.FraudRule, error) {
	out := make([]*domain.FraudRule, 0, len(r.rules))
	for _, rule := range r.rules {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	sortByName(out)
	return out, nil
}

func sortByName(rules []*domain.FraudRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Name < rules[j].Name
	})
}

func intPtr(v int) *int { return &v }

// DefaultRules returns the six default rules, one per rule type.
func DefaultRules() []*domain.FraudRule {
	return []*domain.FraudRule{
		{
			ID:        string(domain.RuleDuplicatePayment),
			Name:      "Duplicate Payment Detection",
			Type:      domain.RuleDuplicatePayment,
			Enabled:   true,
			Threshold: 30,
			Weight:    8,
			Params: domain.RuleParams{
				TimeWindowMinutes: 30,
				AmountTolerance:   0.10,
			},
		},
		{
			ID:        string(domain.RuleAmountAnomaly),
			Name:      "Amount Anomaly Detection",
			Type:      domain.RuleAmountAnomaly,
			Enabled:   true,
			Threshold: 3,
			Weight:    7,
			Params: domain.RuleParams{
				Multiplier:   2.5,
				MinAmount:    50000,
				LookbackDays: 30,
			},
		},
		{
			ID:        string(domain.RuleFrequencyAnomaly),
			Name:      "Payment Frequency Anomaly",
			Type:      domain.RuleFrequencyAnomaly,
			Enabled:   true,
			Threshold: 5,
			Weight:    6,
			Params: domain.RuleParams{
				MaxPerDay:    5,
				MaxPerWeek:   15,
				LookbackDays: 7,
			},
		},
		{
			ID:        string(domain.RuleVelocityCheck),
			Name:      "Payment Velocity Check",
			Type:      domain.RuleVelocityCheck,
			Enabled:   true,
			Threshold: 3,
			Weight:    9,
			Params: domain.RuleParams{
				TimeWindowMinutes: 60,
				MaxCount:          3,
			},
		},
		{
			ID:        string(domain.RuleAgentRisk),
			Name:      "Agent Risk Assessment",
			Type:      domain.RuleAgentRisk,
			Enabled:   true,
			Threshold: 50,
			Weight:    5,
			Params: domain.RuleParams{
				NewAgentDays:           30,
				FailedPaymentThreshold: 3,
			},
		},
		{
			ID:        string(domain.RuleTimePattern),
			Name:      "Unusual Time Pattern",
			Type:      domain.RuleTimePattern,
			Enabled:   true,
			Threshold: 22,
			Weight:    4,
			Params: domain.RuleParams{
				StartHour:         intPtr(22),
				EndHour:           intPtr(6),
				WeekendMultiplier: 1.5,
			},
		},
	}
}
