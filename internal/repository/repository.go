// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	ctx := context.Background()

	var db *sql.DB
	var err error
	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// inTx runs fn inside a transaction, committing on success.
func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// insertAudit appends an audit entry using the given executor.
func (r *SQLRepository) insertAudit(ctx context.Context, exec execer, tenantID string, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.TenantID = tenantID
	e.CreatedAt = ts(e.CreatedAt)

	oldValues, err := marshalMap(e.OldValues)
	if err != nil {
		return err
	}
	newValues, err := marshalMap(e.NewValues)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO payment_audit_trail (
			id, tenant_id, payment_id, action, actor, old_values, new_values, notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = exec.ExecContext(ctx, r.rebind(query),
		e.ID, tenantID, e.PaymentID, e.Action, e.Actor,
		oldValues, newValues, nullString(e.Notes), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AppendAudit appends a standalone audit entry.
func (r *SQLRepository) AppendAudit(ctx context.Context, tenantID string, entry *domain.AuditEntry) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	return r.insertAudit(ctx, r.db, tenantID, entry)
}

// ListAudit returns a payment's audit trail, oldest first.
func (r *SQLRepository) ListAudit(ctx context.Context, tenantID string, paymentID string) ([]*domain.AuditEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, payment_id, action, actor, old_values, new_values, notes, created_at
		FROM payment_audit_trail
		WHERE tenant_id = ? AND payment_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var oldValues, newValues, notes sql.NullString
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.PaymentID, &e.Action, &e.Actor,
			&oldValues, &newValues, &notes, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if oldValues.Valid && oldValues.String != "" {
			json.Unmarshal([]byte(oldValues.String), &e.OldValues)
		}
		if newValues.Valid && newValues.String != "" {
			json.Unmarshal([]byte(newValues.String), &e.NewValues)
		}
		e.Notes = notes.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

// ts normalises timestamps so lexical and chronological order agree on SQLite.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: ts(*t), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal audit values: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either supported driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
