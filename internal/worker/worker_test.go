package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fieldpay/internal/bus"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/opensource-finance/fieldpay/internal/repository"
	"github.com/shopspring/decimal"
)

type analyzeCall struct {
	tenantID  string
	actor     domain.Actor
	paymentID string
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []analyzeCall
	err   error
}

func (f *fakeAnalyzer) AnalyzePayment(ctx context.Context, tenantID string, actor domain.Actor, paymentID string) (*domain.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, analyzeCall{tenantID: tenantID, actor: actor, paymentID: paymentID})
	if f.err != nil {
		return nil, f.err
	}
	return &domain.AnalysisResult{PaymentID: paymentID, Severity: domain.SeverityLow}, nil
}

func (f *fakeAnalyzer) snapshot() []analyzeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]analyzeCall(nil), f.calls...)
}

// blockingAnalyzer holds the first analysis until release is closed and
// records whether its context was cancelled meanwhile.
type blockingAnalyzer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	ctxErr  error
}

func (b *blockingAnalyzer) AnalyzePayment(ctx context.Context, tenantID string, actor domain.Actor, paymentID string) (*domain.AnalysisResult, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.ctxErr = ctx.Err()
	return &domain.AnalysisResult{PaymentID: paymentID, Severity: domain.SeverityLow}, nil
}

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testPayment(id string) domain.Payment {
	return domain.Payment{
		ID:        id,
		AgentID:   "agent-001",
		Amount:    decimal.NewFromInt(15000),
		Method:    domain.MethodMobileMoney,
		CreatedAt: time.Now().UTC(),
	}
}

func TestWorkerLifecycle(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newRepo(t), &fakeAnalyzer{}, nil)

		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if n := w.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", n)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, newRepo(t), &fakeAnalyzer{}, nil)
		if err := w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if n := w.GetStats().SubscriptionCount; n != 4 {
			t.Errorf("expected 4 subscriptions for 2 tenants, got %d", n)
		}
	})

	t.Run("NoTenants", func(t *testing.T) {
		w := NewWorker(eventBus, newRepo(t), &fakeAnalyzer{}, nil)
		if err := w.Start(Config{}); err != nil {
			t.Errorf("expected no error without tenants, got %v", err)
		}
		if n := w.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("expected no subscriptions, got %d", n)
		}
	})

	t.Run("StopDrainsInFlight", func(t *testing.T) {
		analyzer := &blockingAnalyzer{started: make(chan struct{}), release: make(chan struct{})}
		w := NewWorker(eventBus, newRepo(t), analyzer, nil)
		if err := w.Start(Config{TenantIDs: []string{"tenant-drain"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		ctx := context.Background()
		ev := domain.PaymentEvent{Payment: testPayment("pay-drain")}
		if err := bus.PublishJSON(ctx, eventBus, "tenant-drain", domain.TopicPaymentCreated, ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		<-analyzer.started

		stopped := make(chan struct{})
		go func() {
			w.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("Stop returned while an event was still being analyzed")
		case <-time.After(50 * time.Millisecond):
		}

		close(analyzer.release)
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not return after the event finished")
		}
		if analyzer.ctxErr != nil {
			t.Errorf("expected in-flight analysis to keep a live context, got %v", analyzer.ctxErr)
		}
	})

	t.Run("ClosedBus", func(t *testing.T) {
		closed := bus.NewChannelBus(1)
		closed.Close()

		w := NewWorker(closed, newRepo(t), &fakeAnalyzer{}, nil)
		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err == nil {
			t.Error("expected error when no subscription can be started")
		}
	})
}

func TestPaymentCreated(t *testing.T) {
	ctx := context.Background()
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	repo := newRepo(t)
	analyzer := &fakeAnalyzer{}
	w := NewWorker(eventBus, repo, analyzer, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	ev := domain.PaymentEvent{
		Payment: testPayment("pay-001"),
		Agent: &domain.Agent{
			ID:                 "agent-001",
			Name:               "Ward Collation Agent",
			VerificationStatus: domain.AgentVerified,
			CreatedAt:          time.Now().AddDate(-1, 0, 0),
		},
		ActorID: "coordinator-7",
	}
	if err := bus.PublishJSON(ctx, eventBus, "tenant-001", domain.TopicPaymentCreated, ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool { return len(analyzer.snapshot()) == 1 })

	call := analyzer.snapshot()[0]
	if call.paymentID != "pay-001" || call.tenantID != "tenant-001" {
		t.Errorf("unexpected analyze call %+v", call)
	}
	if call.actor.ID() != "coordinator-7" {
		t.Errorf("expected actor coordinator-7, got %s", call.actor.ID())
	}

	p, err := repo.GetPayment(ctx, "tenant-001", "pay-001")
	if err != nil {
		t.Fatalf("payment not stored: %v", err)
	}
	if p.Status != domain.PaymentPending {
		t.Errorf("expected pending, got %s", p.Status)
	}
	if _, err := repo.GetAgent(ctx, "tenant-001", "agent-001"); err != nil {
		t.Errorf("agent not stored: %v", err)
	}

	t.Run("Redelivery", func(t *testing.T) {
		if err := bus.PublishJSON(ctx, eventBus, "tenant-001", domain.TopicPaymentCreated, ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, func() bool { return len(analyzer.snapshot()) == 2 })

		trail, err := repo.ListAudit(ctx, "tenant-001", "pay-001")
		if err != nil {
			t.Fatalf("ListAudit failed: %v", err)
		}
		if len(trail) != 1 {
			t.Errorf("expected a single creation audit entry, got %d", len(trail))
		}
	})

	t.Run("OtherTenantIgnored", func(t *testing.T) {
		before := len(analyzer.snapshot())
		if err := bus.PublishJSON(ctx, eventBus, "tenant-999", domain.TopicPaymentCreated, domain.PaymentEvent{Payment: testPayment("pay-x")}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		if n := len(analyzer.snapshot()); n != before {
			t.Errorf("expected no analysis for unsubscribed tenant, got %d calls", n-before)
		}
	})
}

func TestPaymentUpdated(t *testing.T) {
	ctx := context.Background()
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	repo := newRepo(t)
	analyzer := &fakeAnalyzer{}
	w := NewWorker(eventBus, repo, analyzer, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	p := testPayment("pay-002")
	if err := repo.SavePayment(ctx, "tenant-001", &p, domain.System()); err != nil {
		t.Fatalf("SavePayment failed: %v", err)
	}

	update := testPayment("pay-002")
	update.Status = domain.PaymentVerified
	if err := bus.PublishJSON(ctx, eventBus, "tenant-001", domain.TopicPaymentUpdated, domain.PaymentEvent{Payment: update}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, func() bool { return len(analyzer.snapshot()) == 1 })

	stored, err := repo.GetPayment(ctx, "tenant-001", "pay-002")
	if err != nil {
		t.Fatalf("GetPayment failed: %v", err)
	}
	if stored.Status != domain.PaymentVerified {
		t.Errorf("expected verified, got %s", stored.Status)
	}
	if !analyzer.snapshot()[0].actor.IsSystem() {
		t.Error("expected system actor when the event names none")
	}

	t.Run("InvalidTransitionSkipsAnalysis", func(t *testing.T) {
		bad := testPayment("pay-002")
		bad.Status = domain.PaymentDelivered
		if err := bus.PublishJSON(ctx, eventBus, "tenant-001", domain.TopicPaymentUpdated, domain.PaymentEvent{Payment: bad}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		if n := len(analyzer.snapshot()); n != 1 {
			t.Errorf("expected no analysis after rejected transition, got %d calls", n)
		}
	})

	t.Run("UnknownPaymentIsInserted", func(t *testing.T) {
		if err := bus.PublishJSON(ctx, eventBus, "tenant-001", domain.TopicPaymentUpdated, domain.PaymentEvent{Payment: testPayment("pay-003")}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, func() bool { return len(analyzer.snapshot()) == 2 })
		if _, err := repo.GetPayment(ctx, "tenant-001", "pay-003"); err != nil {
			t.Errorf("expected pay-003 stored: %v", err)
		}
	})

	t.Run("UpstreamReversalMidFlight", func(t *testing.T) {
		processing := testPayment("pay-004")
		processing.Status = domain.PaymentProcessing
		if err := repo.SavePayment(ctx, "tenant-001", &processing, domain.System()); err != nil {
			t.Fatalf("SavePayment failed: %v", err)
		}

		reversed := testPayment("pay-004")
		reversed.Status = domain.PaymentReversed
		if err := bus.PublishJSON(ctx, eventBus, "tenant-001", domain.TopicPaymentUpdated, domain.PaymentEvent{Payment: reversed}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitFor(t, func() bool { return len(analyzer.snapshot()) == 3 })

		stored, err := repo.GetPayment(ctx, "tenant-001", "pay-004")
		if err != nil {
			t.Fatalf("GetPayment failed: %v", err)
		}
		if stored.Status != domain.PaymentReversed {
			t.Errorf("expected reversed, got %s", stored.Status)
		}
		if got := analyzer.snapshot()[2].paymentID; got != "pay-004" {
			t.Errorf("expected pay-004 analyzed, got %s", got)
		}
	})
}

func TestProcessPayment(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	t.Run("MalformedPayload", func(t *testing.T) {
		w := NewWorker(bus.NewChannelBus(1), repo, &fakeAnalyzer{}, nil)
		err := w.processPayment(ctx, "tenant-001", &domain.Message{ID: "m-1", Topic: domain.TopicPaymentCreated, Payload: []byte("{")})
		if err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("MissingPaymentID", func(t *testing.T) {
		w := NewWorker(bus.NewChannelBus(1), repo, &fakeAnalyzer{}, nil)
		err := w.processPayment(ctx, "tenant-001", &domain.Message{ID: "m-2", Topic: domain.TopicPaymentCreated, Payload: []byte(`{"payment":{}}`)})
		if !errors.Is(err, repository.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("AnalysisFailureIsAdvisory", func(t *testing.T) {
		analyzer := &fakeAnalyzer{err: errors.New("history unavailable")}
		w := NewWorker(bus.NewChannelBus(1), repo, analyzer, nil)
		payload := []byte(`{"payment":{"id":"pay-010","agentId":"agent-001","amount":"500","method":"mobile_money"}}`)

		err := w.processPayment(ctx, "tenant-001", &domain.Message{ID: "m-3", Topic: domain.TopicPaymentCreated, Payload: payload})
		if err != nil {
			t.Errorf("expected analysis failure to be swallowed, got %v", err)
		}
		if len(analyzer.snapshot()) != 1 {
			t.Error("expected analysis to be attempted")
		}
		if _, err := repo.GetPayment(ctx, "tenant-001", "pay-010"); err != nil {
			t.Errorf("payment should be stored before analysis: %v", err)
		}
	})
}
