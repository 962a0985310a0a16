package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

const defaultMaxRetries = 3

const paymentColumns = `
	id, tenant_id, agent_id, amount, currency, method, status,
	batch_id, retry_count, max_retries, created_at, updated_at
`

// SaveAgent upserts an agent into the read model.
func (r *SQLRepository) SaveAgent(ctx context.Context, tenantID string, agent *domain.Agent) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if agent == nil || agent.ID == "" || agent.Name == "" {
		return fmt.Errorf("%w: agent id and name are required", ErrInvalidInput)
	}
	if agent.VerificationStatus == "" {
		agent.VerificationStatus = domain.AgentPending
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now()
	}
	agent.TenantID = tenantID
	agent.CreatedAt = ts(agent.CreatedAt)

	query := `
		INSERT INTO agents (id, tenant_id, name, phone, verification_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			verification_status = excluded.verification_status,
			created_at = excluded.created_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		agent.ID, tenantID, agent.Name, nullString(agent.Phone),
		string(agent.VerificationStatus), agent.CreatedAt,
	)
	return err
}

// GetAgent retrieves an agent with tenant isolation.
func (r *SQLRepository) GetAgent(ctx context.Context, tenantID string, agentID string) (*domain.Agent, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, phone, verification_status, created_at
		FROM agents
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.Agent
	var phone sql.NullString
	var status string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, agentID).Scan(
		&a.ID, &a.TenantID, &a.Name, &phone, &status, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Phone = phone.String
	a.VerificationStatus = domain.VerificationStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// SavePayment inserts a new payment together with its creation audit entry.
func (r *SQLRepository) SavePayment(ctx context.Context, tenantID string, p *domain.Payment, actor domain.Actor) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := normalisePayment(p); err != nil {
		return err
	}
	p.TenantID = tenantID

	return r.inTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO payments (` + paymentColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, r.rebind(query),
			p.ID, tenantID, p.AgentID, p.Amount, p.Currency, string(p.Method), string(p.Status),
			nullString(p.BatchID), p.RetryCount, p.MaxRetries, p.CreatedAt, p.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payment %s", ErrConflict, p.ID)
		}
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		return r.insertAudit(ctx, tx, tenantID, &domain.AuditEntry{
			PaymentID: p.ID,
			Action:    domain.AuditPaymentCreated,
			Actor:     actor.ID(),
			NewValues: map[string]any{
				"status":   string(p.Status),
				"amount":   p.Amount.String(),
				"currency": p.Currency,
				"method":   string(p.Method),
				"agentId":  p.AgentID,
			},
			CreatedAt: p.CreatedAt,
		})
	})
}

func normalisePayment(p *domain.Payment) error {
	if p == nil || p.AgentID == "" {
		return fmt.Errorf("%w: agentId is required", ErrInvalidInput)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Currency == "" {
		p.Currency = "NGN"
	}
	if p.Method == "" {
		p.Method = domain.MethodBankTransfer
	}
	if !p.Method.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, p.Method)
	}
	if p.Status == "" {
		p.Status = domain.PaymentPending
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown payment status %q", ErrInvalidInput, p.Status)
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.CreatedAt = ts(p.CreatedAt)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	p.UpdatedAt = ts(p.UpdatedAt)
	return nil
}

// GetPayment retrieves a payment with tenant isolation.
func (r *SQLRepository) GetPayment(ctx context.Context, tenantID string, paymentID string) (*domain.Payment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.getPayment(ctx, r.db, tenantID, paymentID)
}

func (r *SQLRepository) getPayment(ctx context.Context, q execer, tenantID, paymentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tenant_id = ? AND id = ?`

	p, err := scanPayment(q.QueryRowContext(ctx, r.rebind(query), tenantID, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// TransitionPayment applies a validated status change and records it in the
// audit trail within one transaction.
func (r *SQLRepository) TransitionPayment(ctx context.Context, tenantID string, paymentID string, next domain.PaymentStatus, actor domain.Actor, notes string) (*domain.Payment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	var updated *domain.Payment
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		p, err := r.getPayment(ctx, tx, tenantID, paymentID)
		if err != nil {
			return err
		}

		prev := p.Status
		now := ts(time.Now())
		if err := p.Transition(next, now); err != nil {
			return err
		}

		query := `
			UPDATE payments
			SET status = ?, retry_count = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND status = ?
		`
		res, err := tx.ExecContext(ctx, r.rebind(query),
			string(p.Status), p.RetryCount, p.UpdatedAt, tenantID, paymentID, string(prev),
		)
		if err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: payment %s changed concurrently", domain.ErrInvalidTransition, paymentID)
		}

		updated = p
		return r.insertAudit(ctx, tx, tenantID, &domain.AuditEntry{
			PaymentID: paymentID,
			Action:    domain.AuditPaymentStatusChanged,
			Actor:     actor.ID(),
			OldValues: map[string]any{"status": string(prev)},
			NewValues: map[string]any{"status": string(p.Status), "retryCount": p.RetryCount},
			Notes:     notes,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListPaymentsByAgent returns the agent's payments created in [from, to],
// oldest first. A zero to means no upper bound.
func (r *SQLRepository) ListPaymentsByAgent(ctx context.Context, tenantID string, agentID string, from, to time.Time) ([]*domain.Payment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE tenant_id = ? AND agent_id = ? AND created_at >= ?`
	args := []any{tenantID, agentID, ts(from)}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, ts(to))
	}
	query += ` ORDER BY created_at, id`

	return r.queryPayments(ctx, query, args...)
}

// ListPaymentsByAgentStatus returns the agent's payments in a status created
// in [from, to], oldest first. A zero to means no upper bound.
func (r *SQLRepository) ListPaymentsByAgentStatus(ctx context.Context, tenantID string, agentID string, status domain.PaymentStatus, from, to time.Time) ([]*domain.Payment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE tenant_id = ? AND agent_id = ? AND status = ? AND created_at >= ?`
	args := []any{tenantID, agentID, string(status), ts(from)}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, ts(to))
	}
	query += ` ORDER BY created_at, id`

	return r.queryPayments(ctx, query, args...)
}

// CountPaymentsByAgent counts the agent's payments created in [from, to].
func (r *SQLRepository) CountPaymentsByAgent(ctx context.Context, tenantID string, agentID string, from, to time.Time) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM payments WHERE tenant_id = ? AND agent_id = ? AND created_at >= ?`
	args := []any{tenantID, agentID, ts(from)}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, ts(to))
	}

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&n)
	return n, err
}

// CountPaymentsByAgentStatus counts all of the agent's payments in a status.
func (r *SQLRepository) CountPaymentsByAgentStatus(ctx context.Context, tenantID string, agentID string, status domain.PaymentStatus) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM payments WHERE tenant_id = ? AND agent_id = ? AND status = ?`

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, agentID, string(status)).Scan(&n)
	return n, err
}

// SaveBatch inserts a payment batch.
func (r *SQLRepository) SaveBatch(ctx context.Context, tenantID string, batch *domain.PaymentBatch) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if batch == nil || batch.Name == "" {
		return fmt.Errorf("%w: batch name is required", ErrInvalidInput)
	}
	if batch.ExpectedTotal.IsNegative() {
		return fmt.Errorf("%w: expected total must not be negative", ErrInvalidInput)
	}
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
	}
	batch.TenantID = tenantID
	batch.CreatedAt = ts(batch.CreatedAt)

	query := `
		INSERT INTO payment_batches (id, tenant_id, name, expected_total, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		batch.ID, tenantID, batch.Name, batch.ExpectedTotal, batch.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: batch %s", ErrConflict, batch.ID)
	}
	return err
}

// GetBatch retrieves a payment batch.
func (r *SQLRepository) GetBatch(ctx context.Context, tenantID string, batchID string) (*domain.PaymentBatch, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, expected_total, created_at
		FROM payment_batches
		WHERE tenant_id = ? AND id = ?
	`

	var b domain.PaymentBatch
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, batchID).Scan(
		&b.ID, &b.TenantID, &b.Name, &b.ExpectedTotal, &b.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

// ListPaymentsByBatch returns every payment in a batch, oldest first.
func (r *SQLRepository) ListPaymentsByBatch(ctx context.Context, tenantID string, batchID string) ([]*domain.Payment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE tenant_id = ? AND batch_id = ?
		ORDER BY created_at, id`

	return r.queryPayments(ctx, query, tenantID, batchID)
}

func (r *SQLRepository) queryPayments(ctx context.Context, query string, args ...any) ([]*domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var p domain.Payment
	var method, status string
	var batchID sql.NullString

	if err := row.Scan(
		&p.ID, &p.TenantID, &p.AgentID, &p.Amount, &p.Currency, &method, &status,
		&batchID, &p.RetryCount, &p.MaxRetries, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentStatus(status)
	p.BatchID = batchID.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
