package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

const reconciliationColumns = `
	id, tenant_id, payment_id, batch_id, run_id, reconciliation_date,
	opening_balance, closing_balance, difference, status, variance_reason,
	documents, notes, reconciled_by, resolved_at, created_at
`

// SaveReconciliations inserts reconciliation records and their audit entries
// in one transaction. A record repeating (payment, run) fails the whole set
// with ErrConflict.
func (r *SQLRepository) SaveReconciliations(ctx context.Context, tenantID string, records []*domain.Reconciliation, audits []*domain.AuditEntry) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if rec.PaymentID == "" {
				return fmt.Errorf("%w: paymentId is required", ErrInvalidInput)
			}
			if !rec.Status.Creatable() {
				return fmt.Errorf("%w: cannot create reconciliation in status %q", ErrInvalidInput, rec.Status)
			}
			if rec.ID == "" {
				rec.ID = uuid.New().String()
			}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = time.Now()
			}
			if rec.ReconciliationDate.IsZero() {
				rec.ReconciliationDate = rec.CreatedAt
			}
			rec.TenantID = tenantID
			rec.CreatedAt = ts(rec.CreatedAt)
			rec.ReconciliationDate = ts(rec.ReconciliationDate)

			docs, err := marshalDocuments(rec.Documents)
			if err != nil {
				return err
			}

			query := `
				INSERT INTO payment_reconciliations (` + reconciliationColumns + `)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`
			_, err = tx.ExecContext(ctx, r.rebind(query),
				rec.ID, tenantID, rec.PaymentID, nullString(rec.BatchID), nullString(rec.RunID),
				rec.ReconciliationDate, rec.OpeningBalance, rec.ClosingBalance, rec.Difference,
				string(rec.Status), nullString(rec.VarianceReason), docs, nullString(rec.Notes),
				rec.ReconciledBy, nullTime(rec.ResolvedAt), rec.CreatedAt,
			)
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: payment %s already reconciled in run %s", ErrConflict, rec.PaymentID, rec.RunID)
			}
			if err != nil {
				return fmt.Errorf("insert reconciliation: %w", err)
			}
		}

		for _, a := range audits {
			if err := r.insertAudit(ctx, tx, tenantID, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetReconciliation retrieves a reconciliation record.
func (r *SQLRepository) GetReconciliation(ctx context.Context, tenantID string, id string) (*domain.Reconciliation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + reconciliationColumns + ` FROM payment_reconciliations WHERE tenant_id = ? AND id = ?`

	rec, err := scanReconciliation(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListReconciliations returns records matching filter, newest first.
// A zero Limit returns every match.
func (r *SQLRepository) ListReconciliations(ctx context.Context, tenantID string, filter domain.ReconciliationFilter) ([]*domain.Reconciliation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + reconciliationColumns + ` FROM payment_reconciliations WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PaymentID != "" {
		query += ` AND payment_id = ?`
		args = append(args, filter.PaymentID)
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if !filter.DateFrom.IsZero() {
		query += ` AND reconciliation_date >= ?`
		args = append(args, ts(filter.DateFrom))
	}
	if !filter.DateTo.IsZero() {
		query += ` AND reconciliation_date <= ?`
		args = append(args, ts(filter.DateTo))
	}
	query += ` ORDER BY reconciliation_date DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.Reconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ResolveReconciliation persists a variance resolution, provided the stored
// status still equals prior, and appends its audit entry.
func (r *SQLRepository) ResolveReconciliation(ctx context.Context, tenantID string, rec *domain.Reconciliation, prior domain.ReconciliationStatus, audit *domain.AuditEntry) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	docs, err := marshalDocuments(rec.Documents)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE payment_reconciliations
			SET closing_balance = ?, difference = ?, status = ?, variance_reason = ?,
				documents = ?, notes = ?, reconciled_by = ?, resolved_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ?
		`
		res, err := tx.ExecContext(ctx, r.rebind(query),
			rec.ClosingBalance, rec.Difference, string(rec.Status), nullString(rec.VarianceReason),
			docs, nullString(rec.Notes), rec.ReconciledBy, nullTime(rec.ResolvedAt),
			tenantID, rec.ID, string(prior),
		)
		if err != nil {
			return fmt.Errorf("update reconciliation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: reconciliation %s is no longer %s", domain.ErrInvalidTransition, rec.ID, prior)
		}

		if audit != nil {
			return r.insertAudit(ctx, tx, tenantID, audit)
		}
		return nil
	})
}

func marshalDocuments(docs []string) (sql.NullString, error) {
	if len(docs) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal documents: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func scanReconciliation(row rowScanner) (*domain.Reconciliation, error) {
	var rec domain.Reconciliation
	var batchID, runID, reason, docs, notes sql.NullString
	var status string
	var resolvedAt sql.NullTime

	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.PaymentID, &batchID, &runID, &rec.ReconciliationDate,
		&rec.OpeningBalance, &rec.ClosingBalance, &rec.Difference, &status, &reason,
		&docs, &notes, &rec.ReconciledBy, &resolvedAt, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}

	rec.BatchID = batchID.String
	rec.RunID = runID.String
	rec.Status = domain.ReconciliationStatus(status)
	rec.VarianceReason = reason.String
	rec.Notes = notes.String
	rec.ResolvedAt = timePtr(resolvedAt)
	rec.ReconciliationDate = rec.ReconciliationDate.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()

	if docs.Valid && docs.String != "" {
		if err := json.Unmarshal([]byte(docs.String), &rec.Documents); err != nil {
			return nil, fmt.Errorf("decode documents for reconciliation %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}
