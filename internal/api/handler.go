package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/opensource-finance/fieldpay/internal/fraud"
	"github.com/opensource-finance/fieldpay/internal/reconciliation"
	"github.com/opensource-finance/fieldpay/internal/repository"
	"github.com/opensource-finance/fieldpay/internal/rules"
	"github.com/shopspring/decimal"
)

// Services are the application services the handlers call into.
type Services struct {
	Repo           domain.Repository
	Cache          domain.Cache
	Bus            domain.EventBus
	Rules          *rules.StoreRegistry
	Analyzer       *fraud.Analyzer
	Alerts         *fraud.AlertService
	Reconciliation *reconciliation.Service
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	rules    *rules.StoreRegistry
	analyzer *fraud.Analyzer
	alerts   *fraud.AlertService
	recon    *reconciliation.Service
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, version string) *Handler {
	return &Handler{
		repo:     svc.Repo,
		cache:    svc.Cache,
		bus:      svc.Bus,
		rules:    svc.Rules,
		analyzer: svc.Analyzer,
		alerts:   svc.Alerts,
		recon:    svc.Reconciliation,
		validate: newValidator(),
		version:  version,
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateAgentRequest is the request body for POST /agents.
type CreateAgentRequest struct {
	ID                 string     `json:"id" validate:"required,max=64"`
	Name               string     `json:"name" validate:"required,max=200"`
	Phone              string     `json:"phone,omitempty" validate:"omitempty,max=32"`
	VerificationStatus string     `json:"verificationStatus,omitempty" validate:"omitempty,oneof=pending verified rejected"`
	CreatedAt          *time.Time `json:"createdAt,omitempty"`
}

// CreatePaymentRequest is the request body for POST /payments.
type CreatePaymentRequest struct {
	ID         string     `json:"id,omitempty" validate:"omitempty,max=64"`
	AgentID    string     `json:"agentId" validate:"required"`
	Amount     string     `json:"amount" validate:"required,numeric"`
	Currency   string     `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	Method     string     `json:"method,omitempty" validate:"omitempty,oneof=bank_transfer mobile_money cash cheque other"`
	BatchID    string     `json:"batchId,omitempty"`
	MaxRetries int        `json:"maxRetries,omitempty" validate:"min=0,max=10"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
}

// TransitionRequest is the request body for PATCH /payments/{id}/status.
type TransitionRequest struct {
	Status string `json:"status" validate:"required"`
	Notes  string `json:"notes,omitempty" validate:"max=1000"`
}

// BulkAnalyzeRequest is the request body for POST /analyze/bulk.
type BulkAnalyzeRequest struct {
	PaymentIDs []string `json:"paymentIds" validate:"required,min=1,max=500,dive,required"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready handles GET /ready. The service is ready once its store answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreateAgent handles POST /agents. Saving an existing agent refreshes it.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateAgentRequest
	if !h.decode(w, r, &req) {
		return
	}

	agent := &domain.Agent{
		ID:                 req.ID,
		Name:               req.Name,
		Phone:              req.Phone,
		VerificationStatus: domain.VerificationStatus(req.VerificationStatus),
	}
	if req.CreatedAt != nil {
		agent.CreatedAt = *req.CreatedAt
	}

	if err := h.repo.SaveAgent(ctx, GetTenantID(ctx), agent); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// CreatePayment handles POST /payments. With ?analyze=true the payment is
// analyzed right away and the analysis is returned alongside it.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	actor := GetActor(ctx)

	var req CreatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}

	payment := &domain.Payment{
		ID:         req.ID,
		AgentID:    req.AgentID,
		Amount:     amount,
		Currency:   req.Currency,
		Method:     domain.PaymentMethod(req.Method),
		BatchID:    req.BatchID,
		MaxRetries: req.MaxRetries,
	}
	if req.CreatedAt != nil {
		payment.CreatedAt = *req.CreatedAt
	}

	if err := h.repo.SavePayment(ctx, tenantID, payment, actor); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("payment recorded",
		"tenant_id", tenantID,
		"payment_id", payment.ID,
		"agent_id", payment.AgentID,
		"amount", payment.Amount.String(),
	)

	if analyze, _ := strconv.ParseBool(r.URL.Query().Get("analyze")); !analyze {
		writeJSON(w, http.StatusCreated, payment)
		return
	}

	analysis, err := h.analyzer.AnalyzePayment(ctx, tenantID, actor, payment.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"payment":  payment,
		"analysis": analysis,
	})
}

// GetPayment handles GET /payments/{id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payment, err := h.repo.GetPayment(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// GetPaymentAudit handles GET /payments/{id}/audit.
func (h *Handler) GetPaymentAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.repo.ListAudit(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// TransitionPayment handles PATCH /payments/{id}/status.
func (h *Handler) TransitionPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	payment, err := h.repo.TransitionPayment(ctx, GetTenantID(ctx), chi.URLParam(r, "id"),
		domain.PaymentStatus(req.Status), GetActor(ctx), req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// AnalyzePayment handles POST /payments/{id}/analyze.
func (h *Handler) AnalyzePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := h.analyzer.AnalyzePayment(ctx, GetTenantID(ctx), GetActor(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AnalyzeBulk handles POST /analyze/bulk. Per-payment failures are reported
// in the outcome list and do not fail the request.
func (h *Handler) AnalyzeBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BulkAnalyzeRequest
	if !h.decode(w, r, &req) {
		return
	}

	outcomes := h.analyzer.AnalyzeBatch(ctx, GetTenantID(ctx), GetActor(ctx), req.PaymentIDs)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   outcomes,
		"total":     len(outcomes),
		"failed":    failed,
		"succeeded": len(outcomes) - failed,
	})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, validationBody(err))
		return false
	}
	return true
}

func validationBody(err error) map[string]any {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return map[string]any{"error": err.Error()}
	}

	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
	}
	return map[string]any{
		"error":  "validation failed",
		"fields": fields,
	}
}

func parseAmount(w http.ResponseWriter, field, s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("%s is not a decimal amount", field)))
		return decimal.Zero, false
	}
	return d, true
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// parseRange reads the from/to (or dateFrom/dateTo) query parameters. A
// plain-date upper bound covers the whole day.
func parseRange(r *http.Request, fromKey, toKey string) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from, err := parseTime(q.Get(fromKey))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", repository.ErrInvalidInput, fromKey)
	}
	rawTo := q.Get(toKey)
	to, err := parseTime(rawTo)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", repository.ErrInvalidInput, toKey)
	}
	if len(rawTo) == len(time.DateOnly) {
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", repository.ErrInvalidInput)
	}
	return n, nil
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrConflict), errors.Is(err, reconciliation.ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		ctx := r.Context()
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"tenant_id", GetTenantID(ctx),
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody(msg))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
