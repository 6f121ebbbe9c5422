package promotion

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/entitlements/admission"
	"github.com/GoCodeAlone/entitlements/billing"
	"github.com/GoCodeAlone/entitlements/store"
	"github.com/GoCodeAlone/entitlements/tenant"
)

// Handler provides HTTP endpoints for promotional unit purchases.
type Handler struct {
	orch   *Orchestrator
	logger *slog.Logger
}

// NewHandler creates a new promotion HTTP handler.
func NewHandler(orch *Orchestrator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, logger: logger}
}

// RegisterRoutes registers promotion API routes on the given mux. Tenant
// routes run behind iso; purchases also need a user.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, iso *tenant.Isolation) {
	buyer := *iso
	buyer.RequireUserID = true

	mux.Handle("POST /api/v1/promotions/purchase", buyer.Process(http.HandlerFunc(h.purchase)))
	mux.Handle("GET /api/v1/promotions", iso.Process(http.HandlerFunc(h.list)))
	mux.Handle("GET /api/v1/promotions/capacity", iso.Process(http.HandlerFunc(h.capacity)))
	mux.Handle("GET /api/v1/promotions/{id}", iso.Process(http.HandlerFunc(h.get)))
	mux.HandleFunc("POST /api/v1/admin/promotions/{id}/approve", h.approve)
	mux.HandleFunc("POST /api/v1/admin/promotions/{id}/reject", h.reject)
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope           store.UnitScope `json:"scope"`
		Placement       string          `json:"placement"`
		DurationDays    int             `json:"durationDays"`
		PaymentMethodID string          `json:"paymentMethodId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := h.orch.Purchase(r.Context(), Request{
		TenantID:        tenant.TenantFromContext(r.Context()),
		UserID:          tenant.UserFromContext(r.Context()),
		Scope:           body.Scope,
		Placement:       body.Placement,
		DurationDays:    body.DurationDays,
		PaymentMethodID: body.PaymentMethodID,
	})
	if err != nil {
		h.writePurchaseError(w, err)
		return
	}

	code := http.StatusCreated
	switch res.PaymentState {
	case PaymentRequiresAction:
		code = http.StatusAccepted
	case PaymentFailed:
		code = http.StatusPaymentRequired
	}
	writeJSON(w, code, res)
}

func (h *Handler) writePurchaseError(w http.ResponseWriter, err error) {
	var rl *tenant.RateLimitError
	var perr *billing.PaymentError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, admission.ErrCapacityExceeded):
		writeJSON(w, http.StatusConflict, Result{Status: "rejected", Reason: err.Error()})
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "retryable": perr.Retryable()})
	default:
		h.logger.Error("Purchase failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	units, err := h.orch.List(r.Context(), tenant.TenantFromContext(r.Context()))
	if err != nil {
		h.logger.Error("List units failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if units == nil {
		units = []*store.PromotionalUnit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": units})
}

func (h *Handler) capacity(w http.ResponseWriter, r *http.Request) {
	usage, err := h.orch.Capacity(r.Context())
	if err != nil {
		h.logger.Error("Capacity lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": usage})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	unit, err := h.orch.Get(r.Context(), tenant.TenantFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeUnitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	unit, err := h.orch.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeUnitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	unit, err := h.orch.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeUnitError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *Handler) writeUnitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unit not found"})
	case errors.Is(err, ErrInvalidState):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("Unit operation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
