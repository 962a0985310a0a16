package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "fieldpay-test.db"),
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedPayment(t *testing.T, repo *SQLRepository, tenantID, id, agentID, amount string, at time.Time) *domain.Payment {
	t.Helper()

	p := &domain.Payment{
		ID:        id,
		AgentID:   agentID,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "NGN",
		Method:    domain.MethodMobileMoney,
		CreatedAt: at,
	}
	if err := repo.SavePayment(context.Background(), tenantID, p, domain.System()); err != nil {
		t.Fatalf("SavePayment(%s) failed: %v", id, err)
	}
	return p
}

func TestPaymentLedger(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2027, 2, 20, 10, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetAgent", func(t *testing.T) {
		agent := &domain.Agent{
			ID:                 "agent-001",
			Name:               "Ada Obi",
			Phone:              "+2348000000001",
			VerificationStatus: domain.AgentVerified,
			CreatedAt:          base.AddDate(0, -3, 0),
		}
		if err := repo.SaveAgent(ctx, tenantID, agent); err != nil {
			t.Fatalf("SaveAgent failed: %v", err)
		}

		agent.VerificationStatus = domain.AgentRejected
		if err := repo.SaveAgent(ctx, tenantID, agent); err != nil {
			t.Fatalf("SaveAgent upsert failed: %v", err)
		}

		got, err := repo.GetAgent(ctx, tenantID, "agent-001")
		if err != nil {
			t.Fatalf("GetAgent failed: %v", err)
		}
		if got.VerificationStatus != domain.AgentRejected {
			t.Errorf("expected refreshed status rejected, got %s", got.VerificationStatus)
		}
		if got.Phone != agent.Phone {
			t.Errorf("expected phone %s, got %s", agent.Phone, got.Phone)
		}
	})

	t.Run("SaveAndGetPayment", func(t *testing.T) {
		p := seedPayment(t, repo, tenantID, "pay-001", "agent-001", "1000.50", base)

		got, err := repo.GetPayment(ctx, tenantID, p.ID)
		if err != nil {
			t.Fatalf("GetPayment failed: %v", err)
		}
		if !got.Amount.Equal(decimal.RequireFromString("1000.50")) {
			t.Errorf("expected amount 1000.50, got %s", got.Amount)
		}
		if got.Status != domain.PaymentPending {
			t.Errorf("expected default status pending, got %s", got.Status)
		}
		if got.MaxRetries != defaultMaxRetries {
			t.Errorf("expected max retries %d, got %d", defaultMaxRetries, got.MaxRetries)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("expected created_at %v, got %v", base, got.CreatedAt)
		}

		audit, err := repo.ListAudit(ctx, tenantID, p.ID)
		if err != nil {
			t.Fatalf("ListAudit failed: %v", err)
		}
		if len(audit) != 1 || audit[0].Action != domain.AuditPaymentCreated {
			t.Fatalf("expected one payment_created audit entry, got %+v", audit)
		}
		if audit[0].Actor != domain.SystemActorID {
			t.Errorf("expected system actor, got %s", audit[0].Actor)
		}
	})

	t.Run("DuplicatePaymentID", func(t *testing.T) {
		p := &domain.Payment{ID: "pay-001", AgentID: "agent-001", Amount: decimal.NewFromInt(5)}
		err := repo.SavePayment(ctx, tenantID, p, domain.System())
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("RejectsNonPositiveAmount", func(t *testing.T) {
		p := &domain.Payment{AgentID: "agent-001", Amount: decimal.Zero}
		err := repo.SavePayment(ctx, tenantID, p, domain.System())
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("TransitionPayment", func(t *testing.T) {
		p, err := repo.TransitionPayment(ctx, tenantID, "pay-001", domain.PaymentVerified, domain.User("officer-7"), "kyc ok")
		if err != nil {
			t.Fatalf("TransitionPayment failed: %v", err)
		}
		if p.Status != domain.PaymentVerified {
			t.Errorf("expected verified, got %s", p.Status)
		}

		_, err = repo.TransitionPayment(ctx, tenantID, "pay-001", domain.PaymentDelivered, domain.System(), "")
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition skipping ahead, got %v", err)
		}

		audit, _ := repo.ListAudit(ctx, tenantID, "pay-001")
		if len(audit) != 2 {
			t.Fatalf("expected 2 audit entries, got %d", len(audit))
		}
		last := audit[1]
		if last.Actor != "officer-7" || last.OldValues["status"] != "pending" || last.NewValues["status"] != "verified" {
			t.Errorf("unexpected status audit entry: %+v", last)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetPayment(ctx, "tenant-002", "pay-001")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
		_, err = repo.GetAgent(ctx, "tenant-002", "agent-001")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if _, err := repo.GetPayment(ctx, "", "pay-001"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenantID, got %v", err)
		}
		if err := repo.SavePayment(ctx, "", &domain.Payment{}, domain.System()); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenantID, got %v", err)
		}
	})

	t.Run("WindowQueries", func(t *testing.T) {
		seedPayment(t, repo, tenantID, "pay-002", "agent-001", "200", base.Add(30*time.Minute))
		seedPayment(t, repo, tenantID, "pay-003", "agent-001", "300", base.Add(2*time.Hour))
		seedPayment(t, repo, tenantID, "pay-004", "agent-002", "400", base.Add(time.Minute))

		list, err := repo.ListPaymentsByAgent(ctx, tenantID, "agent-001", base, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("ListPaymentsByAgent failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != "pay-001" || list[1].ID != "pay-002" {
			t.Errorf("expected pay-001 and pay-002 in window, got %d payments", len(list))
		}

		open, err := repo.ListPaymentsByAgent(ctx, tenantID, "agent-001", base, time.Time{})
		if err != nil {
			t.Fatalf("ListPaymentsByAgent failed: %v", err)
		}
		if len(open) != 3 {
			t.Errorf("expected 3 payments without upper bound, got %d", len(open))
		}

		n, err := repo.CountPaymentsByAgent(ctx, tenantID, "agent-001", base.Add(time.Minute), base.Add(3*time.Hour))
		if err != nil {
			t.Fatalf("CountPaymentsByAgent failed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected count 2, got %d", n)
		}

		pending, err := repo.CountPaymentsByAgentStatus(ctx, tenantID, "agent-001", domain.PaymentPending)
		if err != nil {
			t.Fatalf("CountPaymentsByAgentStatus failed: %v", err)
		}
		if pending != 2 {
			t.Errorf("expected 2 pending payments, got %d", pending)
		}
	})

	t.Run("Batches", func(t *testing.T) {
		batch := &domain.PaymentBatch{ID: "batch-001", Name: "Ward 4 stipends", ExpectedTotal: decimal.NewFromInt(500)}
		if err := repo.SaveBatch(ctx, tenantID, batch); err != nil {
			t.Fatalf("SaveBatch failed: %v", err)
		}

		p := &domain.Payment{ID: "pay-b1", AgentID: "agent-003", Amount: decimal.NewFromInt(500), BatchID: "batch-001", CreatedAt: base}
		if err := repo.SavePayment(ctx, tenantID, p, domain.System()); err != nil {
			t.Fatalf("SavePayment failed: %v", err)
		}

		got, err := repo.GetBatch(ctx, tenantID, "batch-001")
		if err != nil {
			t.Fatalf("GetBatch failed: %v", err)
		}
		if !got.ExpectedTotal.Equal(decimal.NewFromInt(500)) {
			t.Errorf("expected total 500, got %s", got.ExpectedTotal)
		}

		members, err := repo.ListPaymentsByBatch(ctx, tenantID, "batch-001")
		if err != nil {
			t.Fatalf("ListPaymentsByBatch failed: %v", err)
		}
		if len(members) != 1 || members[0].ID != "pay-b1" {
			t.Errorf("expected batch to contain pay-b1, got %d payments", len(members))
		}
	})
}

func TestRuleStore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	rule := &domain.FraudRule{
		ID:        "velocity_check",
		Name:      "Velocity check",
		Type:      domain.RuleVelocityCheck,
		Enabled:   true,
		Threshold: 5,
		Weight:    1.5,
		Params:    domain.RuleParams{TimeWindowMinutes: 60, MaxCount: 5},
	}

	t.Run("InsertIfAbsent", func(t *testing.T) {
		inserted, err := repo.InsertRuleIfAbsent(ctx, tenantID, rule)
		if err != nil {
			t.Fatalf("InsertRuleIfAbsent failed: %v", err)
		}
		if !inserted {
			t.Error("expected first insert to create the rule")
		}

		again := *rule
		again.Threshold = 99
		inserted, err = repo.InsertRuleIfAbsent(ctx, tenantID, &again)
		if err != nil {
			t.Fatalf("InsertRuleIfAbsent failed: %v", err)
		}
		if inserted {
			t.Error("expected second insert to be a no-op")
		}

		got, _ := repo.GetRule(ctx, tenantID, rule.ID)
		if got.Threshold != 5 {
			t.Errorf("expected existing threshold 5 to be kept, got %v", got.Threshold)
		}
		if got.Params.MaxCount != 5 || got.Params.TimeWindowMinutes != 60 {
			t.Errorf("unexpected params: %+v", got.Params)
		}
	})

	t.Run("SaveRuleUpdates", func(t *testing.T) {
		updated := *rule
		updated.Enabled = false
		updated.Condition = "payment.amount > 1000.0"
		if err := repo.SaveRule(ctx, tenantID, &updated); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		all, err := repo.ListRules(ctx, tenantID, false)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(all) != 1 || all[0].Enabled || all[0].Condition != updated.Condition {
			t.Errorf("unexpected rules after update: %+v", all)
		}

		enabled, _ := repo.ListRules(ctx, tenantID, true)
		if len(enabled) != 0 {
			t.Errorf("expected no enabled rules, got %d", len(enabled))
		}

		n, _ := repo.CountRules(ctx, tenantID)
		if n != 1 {
			t.Errorf("expected 1 rule, got %d", n)
		}
	})

	t.Run("RejectsUnknownType", func(t *testing.T) {
		bad := &domain.FraudRule{ID: "x", Name: "x", Type: "astrology"}
		if err := repo.SaveRule(ctx, tenantID, bad); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestAlertStore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	at := time.Date(2027, 2, 20, 10, 0, 0, 0, time.UTC)

	results := []domain.RuleResult{
		{
			RuleID: "duplicate_payment", RuleName: "Duplicate payment", RuleType: domain.RuleDuplicatePayment,
			RiskScore: 8, Severity: domain.SeverityMedium,
			Evidence: domain.DuplicateEvidence{TimeWindowMinutes: 60, Tolerance: 0.01, Matches: []domain.DuplicateMatch{{PaymentID: "pay-000", Amount: "1000"}}},
		},
		{RuleID: "time_pattern", RuleName: "Time pattern", RuleType: domain.RuleTimePattern},
	}

	var alertID string

	t.Run("RecordCreatesOnlyTriggered", func(t *testing.T) {
		writes, err := repo.RecordAlerts(ctx, tenantID, "pay-001", results, domain.System(), at)
		if err != nil {
			t.Fatalf("RecordAlerts failed: %v", err)
		}
		if len(writes) != 1 || !writes[0].Created {
			t.Fatalf("expected one created alert, got %+v", writes)
		}
		alertID = writes[0].AlertID

		alert, err := repo.GetAlert(ctx, tenantID, alertID)
		if err != nil {
			t.Fatalf("GetAlert failed: %v", err)
		}
		ev, ok := alert.Evidence.(domain.DuplicateEvidence)
		if !ok {
			t.Fatalf("expected DuplicateEvidence, got %T", alert.Evidence)
		}
		if len(ev.Matches) != 1 || ev.Matches[0].PaymentID != "pay-000" {
			t.Errorf("unexpected evidence: %+v", ev)
		}
	})

	t.Run("RecordRefreshesOpenAlert", func(t *testing.T) {
		refreshed := []domain.RuleResult{results[0]}
		refreshed[0].RiskScore = 12
		refreshed[0].Severity = domain.SeverityHigh

		writes, err := repo.RecordAlerts(ctx, tenantID, "pay-001", refreshed, domain.System(), at.Add(time.Minute))
		if err != nil {
			t.Fatalf("RecordAlerts failed: %v", err)
		}
		if len(writes) != 1 || writes[0].Created || writes[0].AlertID != alertID {
			t.Fatalf("expected refresh of %s, got %+v", alertID, writes)
		}

		open, _ := repo.ListAlerts(ctx, tenantID, domain.AlertFilter{PaymentID: "pay-001", Status: domain.AlertOpen})
		if len(open) != 1 {
			t.Fatalf("expected exactly one open alert, got %d", len(open))
		}
		if open[0].RiskScore != 12 || open[0].Evaluations != 2 {
			t.Errorf("expected refreshed score 12 with 2 evaluations, got %v/%d", open[0].RiskScore, open[0].Evaluations)
		}
		if !open[0].DetectedAt.Equal(at) {
			t.Errorf("expected detected_at to be kept, got %v", open[0].DetectedAt)
		}

		audit, _ := repo.ListAudit(ctx, tenantID, "pay-001")
		if len(audit) != 2 || audit[1].Action != domain.AuditFraudAlertRefreshed {
			t.Errorf("expected created and refreshed audit entries, got %d", len(audit))
		}
	})

	t.Run("ReviewTransitions", func(t *testing.T) {
		alert, err := repo.UpdateAlertStatus(ctx, tenantID, alertID, domain.AlertInvestigating, domain.User("analyst-1"), "", at)
		if err != nil {
			t.Fatalf("UpdateAlertStatus failed: %v", err)
		}
		if alert.ReviewedBy != "analyst-1" {
			t.Errorf("expected reviewer analyst-1, got %s", alert.ReviewedBy)
		}

		alert, err = repo.UpdateAlertStatus(ctx, tenantID, alertID, domain.AlertFalsePositive, domain.User("analyst-1"), "same-day retry", at)
		if err != nil {
			t.Fatalf("UpdateAlertStatus failed: %v", err)
		}
		if alert.ResolvedAt == nil {
			t.Error("expected resolved_at to be set")
		}

		_, err = repo.UpdateAlertStatus(ctx, tenantID, alertID, domain.AlertOpen, domain.User("analyst-1"), "", at)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition reopening a closed alert, got %v", err)
		}
	})

	t.Run("ClosedAlertDoesNotBlockNewOne", func(t *testing.T) {
		writes, err := repo.RecordAlerts(ctx, tenantID, "pay-001", results[:1], domain.System(), at.Add(time.Hour))
		if err != nil {
			t.Fatalf("RecordAlerts failed: %v", err)
		}
		if len(writes) != 1 || !writes[0].Created || writes[0].AlertID == alertID {
			t.Errorf("expected a fresh alert, got %+v", writes)
		}
	})

	t.Run("Analytics", func(t *testing.T) {
		stats, err := repo.AlertAnalytics(ctx, tenantID, at.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("AlertAnalytics failed: %v", err)
		}
		if stats.TotalAlerts != 2 || stats.OpenAlerts != 1 || stats.ResolvedAlerts != 1 {
			t.Errorf("unexpected totals: %+v", stats)
		}
		if stats.ByRule[string(domain.RuleDuplicatePayment)] != 2 {
			t.Errorf("expected 2 duplicate alerts, got %d", stats.ByRule[string(domain.RuleDuplicatePayment)])
		}
		if len(stats.Trends) != 1 || stats.Trends[0].Date != "2027-02-20" {
			t.Errorf("unexpected trends: %+v", stats.Trends)
		}
	})
}

func TestReconciliationStore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	rec := &domain.Reconciliation{
		PaymentID:      "pay-001",
		RunID:          "run-1",
		OpeningBalance: decimal.NewFromInt(1000),
		ClosingBalance: decimal.NewFromInt(1050),
		Difference:     decimal.NewFromInt(50),
		Status:         domain.ReconVariance,
		ReconciledBy:   domain.SystemActorID,
		Documents:      []string{"receipt-1.pdf"},
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		audit := &domain.AuditEntry{PaymentID: "pay-001", Action: domain.AuditReconciliationCreated, Actor: domain.SystemActorID}
		if err := repo.SaveReconciliations(ctx, tenantID, []*domain.Reconciliation{rec}, []*domain.AuditEntry{audit}); err != nil {
			t.Fatalf("SaveReconciliations failed: %v", err)
		}

		got, err := repo.GetReconciliation(ctx, tenantID, rec.ID)
		if err != nil {
			t.Fatalf("GetReconciliation failed: %v", err)
		}
		if !got.Difference.Equal(decimal.NewFromInt(50)) || got.Status != domain.ReconVariance {
			t.Errorf("unexpected record: %+v", got)
		}
		if len(got.Documents) != 1 {
			t.Errorf("expected documents to round trip, got %v", got.Documents)
		}
	})

	t.Run("DuplicateRunRejected", func(t *testing.T) {
		dup := *rec
		dup.ID = ""
		err := repo.SaveReconciliations(ctx, tenantID, []*domain.Reconciliation{&dup}, nil)
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("ResolveChecksPriorStatus", func(t *testing.T) {
		resolved := *rec
		resolved.ClosingBalance = decimal.NewFromInt(1000)
		resolved.Difference = decimal.Zero
		resolved.Status = domain.ReconMatched

		if err := repo.ResolveReconciliation(ctx, tenantID, &resolved, domain.ReconVariance, nil); err != nil {
			t.Fatalf("ResolveReconciliation failed: %v", err)
		}

		err := repo.ResolveReconciliation(ctx, tenantID, &resolved, domain.ReconVariance, nil)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition on stale prior status, got %v", err)
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		list, err := repo.ListReconciliations(ctx, tenantID, domain.ReconciliationFilter{Status: domain.ReconMatched})
		if err != nil {
			t.Fatalf("ListReconciliations failed: %v", err)
		}
		if len(list) != 1 {
			t.Errorf("expected 1 matched record, got %d", len(list))
		}

		list, _ = repo.ListReconciliations(ctx, tenantID, domain.ReconciliationFilter{Status: domain.ReconVariance})
		if len(list) != 0 {
			t.Errorf("expected no variance records, got %d", len(list))
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestDriverSettings(t *testing.T) {
	t.Run("SQLiteDSN", func(t *testing.T) {
		got := sqliteDSN("/var/lib/fieldpay/ledger.db")
		want := "file:/var/lib/fieldpay/ledger.db?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
		if got != want {
			t.Errorf("sqliteDSN = %q, want %q", got, want)
		}
	})

	t.Run("SQLiteSingleWriter", func(t *testing.T) {
		repo, err := New(domain.RepositoryConfig{
			Driver:       "sqlite",
			SQLitePath:   filepath.Join(t.TempDir(), "pool.db"),
			MaxOpenConns: 20,
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer repo.Close()

		if n := repo.db.Stats().MaxOpenConnections; n != 1 {
			t.Errorf("expected sqlite pool pinned to 1, got %d", n)
		}
	})

	t.Run("PostgresDSNDefaults", func(t *testing.T) {
		got := postgresDSN(domain.RepositoryConfig{PostgresUser: "fieldpay"})
		want := "host=localhost port=5432 user=fieldpay dbname=fieldpay sslmode=disable application_name=fieldpay connect_timeout=10"
		if got != want {
			t.Errorf("postgresDSN = %q, want %q", got, want)
		}
	})

	t.Run("PostgresDSNQuotesPassword", func(t *testing.T) {
		got := postgresDSN(domain.RepositoryConfig{
			PostgresHost:     "db.internal",
			PostgresPort:     6543,
			PostgresUser:     "recon",
			PostgresPassword: `it's a secret`,
			PostgresDB:       "ledger",
			PostgresSSLMode:  "require",
		})
		want := `host=db.internal port=6543 user=recon password='it\'s a secret' dbname=ledger sslmode=require application_name=fieldpay connect_timeout=10`
		if got != want {
			t.Errorf("postgresDSN = %q, want %q", got, want)
		}
	})
}
