package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/fieldpay/internal/domain"
)

// UpdateAlertRequest is the request body for PATCH /alerts/{id}.
type UpdateAlertRequest struct {
	Status string `json:"status" validate:"required,oneof=open investigating resolved false_positive"`
	Notes  string `json:"notes,omitempty" validate:"max=2000"`
}

// RuleRequest is the request body for PUT /rules/{id}.
type RuleRequest struct {
	Name      string            `json:"name" validate:"required,max=200"`
	Type      string            `json:"type" validate:"required"`
	Enabled   bool              `json:"enabled"`
	Threshold float64           `json:"threshold" validate:"min=0"`
	Weight    float64           `json:"weight" validate:"min=0"`
	Params    domain.RuleParams `json:"params"`
	Condition string            `json:"condition,omitempty"`
}

// ListAlerts handles GET /alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
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

	filter := domain.AlertFilter{
		Status:    domain.AlertStatus(q.Get("status")),
		Severity:  domain.Severity(q.Get("severity")),
		PaymentID: q.Get("paymentId"),
		DateFrom:  from,
		DateTo:    to,
		Limit:     limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("unknown alert status"))
		return
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("unknown severity"))
		return
	}

	alerts, err := h.alerts.GetFraudAlerts(ctx, GetTenantID(ctx), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alert, err := h.alerts.GetFraudAlert(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// UpdateAlert handles PATCH /alerts/{id}.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateAlertRequest
	if !h.decode(w, r, &req) {
		return
	}

	alert, err := h.alerts.UpdateAlertStatus(ctx, GetTenantID(ctx), GetActor(ctx), chi.URLParam(r, "id"),
		domain.AlertStatus(req.Status), req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// GetAnalytics handles GET /analytics.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	analytics, err := h.alerts.GetFraudAnalytics(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.rules.List(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rule, err := h.rules.Get(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// PutRule handles PUT /rules/{id}. The change applies to the next analysis.
func (h *Handler) PutRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req RuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	rule := &domain.FraudRule{
		ID:        chi.URLParam(r, "id"),
		Name:      req.Name,
		Type:      domain.RuleType(req.Type),
		Enabled:   req.Enabled,
		Threshold: req.Threshold,
		Weight:    req.Weight,
		Params:    req.Params,
		Condition: req.Condition,
	}
	if err := h.rules.Validate(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if err := h.rules.Save(ctx, tenantID, rule); err != nil {
		writeError(w, r, err)
		return
	}

	saved, err := h.rules.Get(ctx, tenantID, rule.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// BootstrapRules handles POST /rules/bootstrap.
func (h *Handler) BootstrapRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	created, err := h.rules.BootstrapDefaults(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"created": created,
	})
}
