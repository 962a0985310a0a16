package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/opensource-finance/fieldpay/internal/reconciliation"
	"github.com/shopspring/decimal"
)

// CreateReconciliationRequest is the request body for POST /reconciliations.
type CreateReconciliationRequest struct {
	PaymentID      string     `json:"paymentId" validate:"required"`
	Date           *time.Time `json:"reconciliationDate,omitempty"`
	OpeningBalance string     `json:"openingBalance" validate:"required,numeric"`
	ClosingBalance string     `json:"closingBalance" validate:"required,numeric"`
	Status         string     `json:"status,omitempty" validate:"omitempty,oneof=matched unmatched variance exception"`
	Notes          string     `json:"notes,omitempty" validate:"max=2000"`
	Documents      []string   `json:"documents,omitempty" validate:"max=20,dive,required"`
}

// CreateBatchRequest is the request body for POST /batches.
type CreateBatchRequest struct {
	ID            string `json:"id,omitempty" validate:"omitempty,max=64"`
	Name          string `json:"name" validate:"required,max=200"`
	ExpectedTotal string `json:"expectedTotal" validate:"required,numeric"`
}

// ResolveRequest is the request body for POST /reconciliations/{id}/resolve.
type ResolveRequest struct {
	Notes      string  `json:"notes" validate:"required,max=2000"`
	Adjustment *string `json:"adjustment,omitempty" validate:"omitempty,numeric"`
}

// CreateReconciliation handles POST /reconciliations.
func (h *Handler) CreateReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateReconciliationRequest
	if !h.decode(w, r, &req) {
		return
	}
	opening, ok := parseAmount(w, "openingBalance", req.OpeningBalance)
	if !ok {
		return
	}
	closing, ok := parseAmount(w, "closingBalance", req.ClosingBalance)
	if !ok {
		return
	}

	in := reconciliation.CreateInput{
		PaymentID:      req.PaymentID,
		OpeningBalance: opening,
		ClosingBalance: closing,
		Notes:          req.Notes,
		Documents:      req.Documents,
		Status:         domain.ReconciliationStatus(req.Status),
	}
	if req.Date != nil {
		in.Date = *req.Date
	}

	rec, err := h.recon.CreateReconciliation(ctx, GetTenantID(ctx), GetActor(ctx), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListReconciliations handles GET /reconciliations.
func (h *Handler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	from, to, err := parseRange(r, "dateFrom", "dateTo")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filter := domain.ReconciliationFilter{
		Status:    domain.ReconciliationStatus(q.Get("status")),
		PaymentID: q.Get("paymentId"),
		BatchID:   q.Get("batchId"),
		RunID:     q.Get("runId"),
		DateFrom:  from,
		DateTo:    to,
		Limit:     limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("unknown reconciliation status"))
		return
	}

	records, err := h.recon.GetReconciliationRecords(ctx, GetTenantID(ctx), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reconciliations": records,
		"count":           len(records),
	})
}

// GetReconciliation handles GET /reconciliations/{id}.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.recon.GetReconciliation(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ResolveReconciliation handles POST /reconciliations/{id}/resolve.
func (h *Handler) ResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	var adjustment *decimal.Decimal
	if req.Adjustment != nil {
		d, ok := parseAmount(w, "adjustment", *req.Adjustment)
		if !ok {
			return
		}
		adjustment = &d
	}

	rec, err := h.recon.ResolveVariance(ctx, GetTenantID(ctx), GetActor(ctx), chi.URLParam(r, "id"), req.Notes, adjustment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetReconciliationSummary handles GET /reconciliations/summary.
func (h *Handler) GetReconciliationSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, to, err := parseRange(r, "from", "to")
	if err != nil {
		writeError(w, r, err)
		return
	}

	sum, err := h.recon.GetReconciliationSummary(ctx, GetTenantID(ctx), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetReconciliationReport handles GET /reconciliations/report.
func (h *Handler) GetReconciliationReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, to, err := parseRange(r, "from", "to")
	if err != nil {
		writeError(w, r, err)
		return
	}

	report, err := h.recon.GenerateReconciliationReport(ctx, GetTenantID(ctx), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(report))
}

// CreateBatch handles POST /batches.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	expected, ok := parseAmount(w, "expectedTotal", req.ExpectedTotal)
	if !ok {
		return
	}

	batch := &domain.PaymentBatch{
		ID:            req.ID,
		Name:          req.Name,
		ExpectedTotal: expected,
	}
	if err := h.repo.SaveBatch(ctx, GetTenantID(ctx), batch); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

// ReconcileBatch handles POST /batches/{id}/reconcile.
func (h *Handler) ReconcileBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.recon.ReconcileBatch(ctx, GetTenantID(ctx), GetActor(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
