package notify

import (
	"encoding/json"
	"net/http"
)

// Handler exposes the notification dead-letter queue to operators.
type Handler struct {
	manager *RetryManager
}

// NewHandler creates a dead-letter admin handler.
func NewHandler(manager *RetryManager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes registers the admin routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/admin/notifications/dead-letter", h.list)
	mux.HandleFunc("GET /api/v1/admin/notifications/dead-letter/stats", h.stats)
	mux.HandleFunc("POST /api/v1/admin/notifications/dead-letter/{id}/retry", h.retry)
	mux.HandleFunc("POST /api/v1/admin/notifications/dead-letter/tenants/{tenantID}/retry", h.retryTenant)
	mux.HandleFunc("DELETE /api/v1/admin/notifications/dead-letter/{id}", h.remove)
	mux.HandleFunc("DELETE /api/v1/admin/notifications/dead-letter", h.purge)
}

// list accepts an optional tenant query parameter.
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var entries []*Delivery
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		entries = h.manager.DeadLetters().ListByTenant(tenant)
	} else {
		entries = h.manager.DeadLetters().List()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"total": len(entries),
	})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.DeadLetters().Stats())
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	d, err := h.manager.Replay(r.Context(), r.PathValue("id"))
	if err != nil {
		if d != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":    err.Error(),
				"delivery": d,
			})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) retryTenant(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenantID")
	delivered, err := h.manager.ReplayTenant(r.Context(), tenant)
	body := map[string]any{
		"delivered": delivered,
		"remaining": len(h.manager.DeadLetters().ListByTenant(tenant)),
	}
	status := http.StatusOK
	if err != nil {
		body["error"] = err.Error()
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, body)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.manager.DeadLetters().Remove(r.PathValue("id")); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	var n int
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		n = h.manager.DeadLetters().PurgeTenant(tenant)
	} else {
		n = h.manager.DeadLetters().Purge()
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
