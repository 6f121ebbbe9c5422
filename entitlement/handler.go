package entitlement

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/entitlements/store"
	"github.com/GoCodeAlone/entitlements/tenant"
)

// Handler serves the tenant's entitlement view and the cascade retry queue.
type Handler struct {
	subs       store.SubscriptionStore
	accounts   store.EmailAccountStore
	features   store.FeatureStore
	retries    store.CascadeRetryStore
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewHandler creates an entitlement HTTP handler.
func NewHandler(subs store.SubscriptionStore, accounts store.EmailAccountStore, features store.FeatureStore,
	retries store.CascadeRetryStore, reconciler *Reconciler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		subs:       subs,
		accounts:   accounts,
		features:   features,
		retries:    retries,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RegisterRoutes registers the routes on mux. Tenant routes run behind iso.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, iso *tenant.Isolation) {
	mux.Handle("GET /api/v1/subscription", iso.Process(http.HandlerFunc(h.getSubscription)))
	mux.HandleFunc("GET /api/v1/admin/cascade-retries", h.listRetries)
	mux.HandleFunc("POST /api/v1/admin/cascade-retries/run", h.runRetries)
}

type subscriptionView struct {
	Subscription        *store.Subscription   `json:"subscription"`
	PaidFeaturesVisible bool                  `json:"paidFeaturesVisible"`
	EmailAccounts       []*store.EmailAccount `json:"emailAccounts"`
}

// ---------- GET /api/v1/subscription ----------

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.TenantFromContext(r.Context())

	sub, err := h.subs.GetByTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no subscription"})
			return
		}
		h.internalError(w, "get subscription", err)
		return
	}
	visible, err := h.features.Visible(r.Context(), tenantID)
	if err != nil {
		h.internalError(w, "get feature visibility", err)
		return
	}
	accounts, err := h.accounts.ListByTenant(r.Context(), tenantID, "")
	if err != nil {
		h.internalError(w, "list email accounts", err)
		return
	}
	if accounts == nil {
		accounts = []*store.EmailAccount{}
	}

	writeJSON(w, http.StatusOK, subscriptionView{
		Subscription:        sub,
		PaidFeaturesVisible: visible,
		EmailAccounts:       accounts,
	})
}

// ---------- /api/v1/admin/cascade-retries ----------

func (h *Handler) listRetries(w http.ResponseWriter, r *http.Request) {
	items, err := h.retries.List(r.Context())
	if err != nil {
		h.internalError(w, "list cascade retries", err)
		return
	}
	if items == nil {
		items = []*store.CascadeRetry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *Handler) runRetries(w http.ResponseWriter, r *http.Request) {
	n, err := h.reconciler.RetryPending(r.Context())
	if err != nil {
		h.internalError(w, "run cascade retries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"completed": n})
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("Request failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
