package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
)

const ruleColumns = `
	id, tenant_id, name, rule_type, enabled, threshold, weight,
	params, condition_expr, created_at, updated_at
`

// SaveRule upserts a fraud rule with tenant isolation.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.FraudRule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}

	now := ts(time.Now())
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.CreatedAt = ts(rule.CreatedAt)
	rule.UpdatedAt = now
	rule.TenantID = tenantID

	params, err := json.Marshal(rule.Params)
	if err != nil {
		return fmt.Errorf("marshal rule params: %w", err)
	}

	query := `
		INSERT INTO fraud_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			rule_type = excluded.rule_type,
			enabled = excluded.enabled,
			threshold = excluded.threshold,
			weight = excluded.weight,
			params = excluded.params,
			condition_expr = excluded.condition_expr,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, string(rule.Type), boolInt(rule.Enabled),
		rule.Threshold, rule.Weight, string(params), nullString(rule.Condition),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// InsertRuleIfAbsent inserts the rule unless one with the same id already
// exists for the tenant. It reports whether a row was inserted.
func (r *SQLRepository) InsertRuleIfAbsent(ctx context.Context, tenantID string, rule *domain.FraudRule) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	if err := validateRule(rule); err != nil {
		return false, err
	}

	now := ts(time.Now())
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.TenantID = tenantID

	params, err := json.Marshal(rule.Params)
	if err != nil {
		return false, fmt.Errorf("marshal rule params: %w", err)
	}

	query := `
		INSERT INTO fraud_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, string(rule.Type), boolInt(rule.Enabled),
		rule.Threshold, rule.Weight, string(params), nullString(rule.Condition),
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func validateRule(rule *domain.FraudRule) error {
	if rule == nil || rule.ID == "" || rule.Name == "" {
		return fmt.Errorf("%w: rule id and name are required", ErrInvalidInput)
	}
	if !rule.Type.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidInput, rule.Type)
	}
	if rule.Threshold < 0 {
		return fmt.Errorf("%w: threshold must not be negative", ErrInvalidInput)
	}
	if rule.Weight < 0 {
		return fmt.Errorf("%w: weight must not be negative", ErrInvalidInput)
	}
	return nil
}

// GetRule retrieves a fraud rule regardless of its enabled flag.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.FraudRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM fraud_rules WHERE tenant_id = ? AND id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules returns the tenant's rules ordered by id.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string, enabledOnly bool) ([]*domain.FraudRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ruleColumns + ` FROM fraud_rules WHERE tenant_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.FraudRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CountRules returns the number of rules configured for the tenant.
func (r *SQLRepository) CountRules(ctx context.Context, tenantID string) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM fraud_rules WHERE tenant_id = ?`), tenantID).Scan(&n)
	return n, err
}

func scanRule(row rowScanner) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var ruleType, params string
	var enabled int
	var condition sql.NullString

	if err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &ruleType, &enabled,
		&rule.Threshold, &rule.Weight, &params, &condition,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Type = domain.RuleType(ruleType)
	rule.Enabled = enabled == 1
	rule.Condition = condition.String
	if params != "" {
		if err := json.Unmarshal([]byte(params), &rule.Params); err != nil {
			return nil, fmt.Errorf("decode params for rule %s: %w", rule.ID, err)
		}
	}
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}
