package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

const defaultListLimit = 100

const alertColumns = `
	id, tenant_id, payment_id, rule_id, rule_name, rule_type, risk_score,
	severity, status, evidence, detected_at, last_evaluated_at, evaluations,
	reviewed_by, resolution_notes, resolved_at
`

// RecordAlerts writes one open alert per triggered result. An existing open
// alert for the same (payment, rule) is refreshed in place instead of being
// duplicated. Every write and its audit entry share one transaction.
func (r *SQLRepository) RecordAlerts(ctx context.Context, tenantID string, paymentID string, results []domain.RuleResult, actor domain.Actor, at time.Time) ([]domain.AlertWrite, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if paymentID == "" {
		return nil, fmt.Errorf("%w: paymentId is required", ErrInvalidInput)
	}
	at = ts(at)

	var writes []domain.AlertWrite
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		for _, res := range results {
			if !res.Triggered() {
				continue
			}

			evidence, err := domain.EncodeEvidence(res.Evidence)
			if err != nil {
				return fmt.Errorf("encode evidence for rule %s: %w", res.RuleID, err)
			}

			query := `
				INSERT INTO fraud_alerts (
					id, tenant_id, payment_id, rule_id, rule_name, rule_type, risk_score,
					severity, status, evidence, detected_at, last_evaluated_at, evaluations
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
				ON CONFLICT(tenant_id, payment_id, rule_id) WHERE status = 'open' DO UPDATE SET
					rule_name = excluded.rule_name,
					risk_score = excluded.risk_score,
					severity = excluded.severity,
					evidence = excluded.evidence,
					last_evaluated_at = excluded.last_evaluated_at,
					evaluations = fraud_alerts.evaluations + 1
				RETURNING id, evaluations
			`

			var alertID string
			var evaluations int
			err = tx.QueryRowContext(ctx, r.rebind(query),
				uuid.New().String(), tenantID, paymentID, res.RuleID, res.RuleName, string(res.RuleType),
				res.RiskScore, string(res.Severity), string(domain.AlertOpen), string(evidence), at, at,
			).Scan(&alertID, &evaluations)
			if err != nil {
				return fmt.Errorf("upsert alert for rule %s: %w", res.RuleID, err)
			}

			created := evaluations == 1
			action := domain.AuditFraudAlertRefreshed
			if created {
				action = domain.AuditFraudAlertCreated
			}

			if err := r.insertAudit(ctx, tx, tenantID, &domain.AuditEntry{
				PaymentID: paymentID,
				Action:    action,
				Actor:     actor.ID(),
				NewValues: map[string]any{
					"alertId":     alertID,
					"ruleId":      res.RuleID,
					"ruleType":    string(res.RuleType),
					"riskScore":   res.RiskScore,
					"severity":    string(res.Severity),
					"evaluations": evaluations,
					"evidence":    domain.EvidenceMap(res.Evidence),
				},
				CreatedAt: at,
			}); err != nil {
				return err
			}

			writes = append(writes, domain.AlertWrite{AlertID: alertID, RuleID: res.RuleID, Created: created})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return writes, nil
}

// GetAlert retrieves a fraud alert with tenant isolation.
func (r *SQLRepository) GetAlert(ctx context.Context, tenantID string, alertID string) (*domain.FraudAlert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.getAlert(ctx, r.db, tenantID, alertID)
}

func (r *SQLRepository) getAlert(ctx context.Context, q execer, tenantID, alertID string) (*domain.FraudAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM fraud_alerts WHERE tenant_id = ? AND id = ?`

	alert, err := scanAlert(q.QueryRowContext(ctx, r.rebind(query), tenantID, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return alert, err
}

// ListAlerts returns alerts matching filter, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, filter domain.AlertFilter) ([]*domain.FraudAlert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + alertColumns + ` FROM fraud_alerts WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.PaymentID != "" {
		query += ` AND payment_id = ?`
		args = append(args, filter.PaymentID)
	}
	if !filter.DateFrom.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, ts(filter.DateFrom))
	}
	if !filter.DateTo.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, ts(filter.DateTo))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY detected_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.FraudAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// UpdateAlertStatus applies a reviewer decision to an alert and audits it.
func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, tenantID string, alertID string, status domain.AlertStatus, actor domain.Actor, notes string, at time.Time) (*domain.FraudAlert, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	at = ts(at)

	var updated *domain.FraudAlert
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		alert, err := r.getAlert(ctx, tx, tenantID, alertID)
		if err != nil {
			return err
		}
		if err := alert.Status.CanTransition(status); err != nil {
			return err
		}

		prev := alert.Status
		alert.Status = status
		alert.ReviewedBy = actor.ID()
		if notes != "" {
			alert.ResolutionNotes = notes
		}
		if status.Closed() {
			alert.ResolvedAt = &at
		}

		query := `
			UPDATE fraud_alerts
			SET status = ?, reviewed_by = ?, resolution_notes = ?, resolved_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ?
		`
		res, err := tx.ExecContext(ctx, r.rebind(query),
			string(alert.Status), alert.ReviewedBy, nullString(alert.ResolutionNotes), nullTime(alert.ResolvedAt),
			tenantID, alertID, string(prev),
		)
		if err != nil {
			return fmt.Errorf("update alert status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: alert %s changed concurrently", domain.ErrInvalidTransition, alertID)
		}

		updated = alert
		return r.insertAudit(ctx, tx, tenantID, &domain.AuditEntry{
			PaymentID: alert.PaymentID,
			Action:    domain.AuditFraudAlertReviewed,
			Actor:     actor.ID(),
			OldValues: map[string]any{"alertId": alertID, "status": string(prev)},
			NewValues: map[string]any{"alertId": alertID, "status": string(status)},
			Notes:     notes,
			CreatedAt: at,
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AlertAnalytics summarises alerts detected at or after since. Trends are
// bucketed by UTC day.
func (r *SQLRepository) AlertAnalytics(ctx context.Context, tenantID string, since time.Time) (*domain.AlertAnalytics, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT status, severity, rule_type, detected_at
		FROM fraud_alerts
		WHERE tenant_id = ? AND detected_at >= ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, ts(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &domain.AlertAnalytics{
		BySeverity: map[string]int{},
		ByRule:     map[string]int{},
	}
	byDay := map[string]int{}

	for rows.Next() {
		var status, severity, ruleType string
		var detected time.Time
		if err := rows.Scan(&status, &severity, &ruleType, &detected); err != nil {
			return nil, err
		}

		out.TotalAlerts++
		switch domain.AlertStatus(status) {
		case domain.AlertOpen:
			out.OpenAlerts++
		case domain.AlertResolved, domain.AlertFalsePositive:
			out.ResolvedAlerts++
		}
		out.BySeverity[severity]++
		out.ByRule[ruleType]++
		byDay[detected.UTC().Format(time.DateOnly)]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	out.Trends = make([]domain.TrendPoint, 0, len(days))
	for _, d := range days {
		out.Trends = append(out.Trends, domain.TrendPoint{Date: d, Count: byDay[d]})
	}

	return out, nil
}

func scanAlert(row rowScanner) (*domain.FraudAlert, error) {
	var a domain.FraudAlert
	var ruleType, severity, status, evidence string
	var reviewedBy, notes sql.NullString
	var resolvedAt sql.NullTime

	if err := row.Scan(
		&a.ID, &a.TenantID, &a.PaymentID, &a.RuleID, &a.RuleName, &ruleType, &a.RiskScore,
		&severity, &status, &evidence, &a.DetectedAt, &a.LastEvaluatedAt, &a.Evaluations,
		&reviewedBy, &notes, &resolvedAt,
	); err != nil {
		return nil, err
	}

	a.RuleType = domain.RuleType(ruleType)
	a.Severity = domain.Severity(severity)
	a.Status = domain.AlertStatus(status)
	a.ReviewedBy = reviewedBy.String
	a.ResolutionNotes = notes.String
	a.ResolvedAt = timePtr(resolvedAt)
	a.DetectedAt = a.DetectedAt.UTC()
	a.LastEvaluatedAt = a.LastEvaluatedAt.UTC()

	if evidence != "" && evidence != "{}" {
		ev, err := domain.DecodeEvidence(a.RuleType, []byte(evidence))
		if err != nil {
			return nil, err
		}
		a.Evidence = ev
	}
	return &a, nil
}
