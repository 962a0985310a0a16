package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/opensource-finance/fieldpay/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. m may be nil, in which case /metrics
// answers 404.
func NewServer(cfg domain.ServerConfig, svc Services, m *metrics.Metrics, version string) *Server {
	handler := NewHandler(svc, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(m))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Operational endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", m.Handler())

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Ledger
		r.Post("/agents", handler.CreateAgent)
		r.Post("/payments", handler.CreatePayment)
		r.Get("/payments/{id}", handler.GetPayment)
		r.Get("/payments/{id}/audit", handler.GetPaymentAudit)
		r.Patch("/payments/{id}/status", handler.TransitionPayment)

		// Fraud analysis
		r.Post("/payments/{id}/analyze", handler.AnalyzePayment)
		r.Post("/analyze/bulk", handler.AnalyzeBulk)

		// Alert review
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Patch("/alerts/{id}", handler.UpdateAlert)
		r.Get("/analytics", handler.GetAnalytics)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Put("/rules/{id}", handler.PutRule)
		r.Post("/rules/bootstrap", handler.BootstrapRules)

		// Reconciliation
		r.Post("/reconciliations", handler.CreateReconciliation)
		r.Get("/reconciliations", handler.ListReconciliations)
		r.Get("/reconciliations/summary", handler.GetReconciliationSummary)
		r.Get("/reconciliations/report", handler.GetReconciliationReport)
		r.Get("/reconciliations/{id}", handler.GetReconciliation)
		r.Post("/reconciliations/{id}/resolve", handler.ResolveReconciliation)
		r.Post("/batches", handler.CreateBatch)
		r.Post("/batches/{id}/reconcile", handler.ReconcileBatch)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
