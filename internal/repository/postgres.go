package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

// Pool defaults for the shared ledger database.
const (
	defaultPostgresMaxOpen     = 25
	defaultPostgresMaxIdle     = 5
	defaultPostgresConnMaxLife = 30 * time.Minute
)

// openPostgres opens the shared ledger database through a pq connector and
// sizes the pool from cfg.
func openPostgres(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, error) {
	connector, err := pq.NewConnector(postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("invalid postgres settings: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, defaultPostgresMaxOpen))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, defaultPostgresMaxIdle))
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultPostgresConnMaxLife
	}
	db.SetConnMaxLifetime(lifetime)

	if err := pingWithTimeout(ctx, db, 10*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres at %s: %w", cfg.PostgresHost, err)
	}
	return db, nil
}

// postgresDSN builds a key/value connection string. Values are quoted so
// passwords containing spaces or quotes survive.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "fieldpay"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	pairs := [][2]string{
		{"host", host},
		{"port", fmt.Sprint(orDefault(cfg.PostgresPort, 5432))},
		{"user", cfg.PostgresUser},
		{"password", cfg.PostgresPassword},
		{"dbname", dbname},
		{"sslmode", sslmode},
		{"application_name", "fieldpay"},
		{"connect_timeout", "10"},
	}

	var b strings.Builder
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(quoteDSNValue(kv[1]))
	}
	return b.String()
}

func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
