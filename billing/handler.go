package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxWebhookBody bounds the size of an inbound webhook payload.
const maxWebhookBody = 1 << 20

// Outcome describes how an event was handled. Every outcome is a success
// from the processor's point of view.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeStale         Outcome = "stale"
	OutcomeNotApplicable Outcome = "not_applicable"
)

// EventHandler applies a verified processor event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *Event) (Outcome, error)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev *Event) (Outcome, error)

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev *Event) (Outcome, error) {
	return f(ctx, ev)
}

// Handler exposes the processor webhook endpoints over HTTP.
type Handler struct {
	provider  Provider
	lifecycle EventHandler
	payments  EventHandler
	logger    *slog.Logger
}

// NewHandler creates a webhook handler. Lifecycle events go to lifecycle,
// payment_intent.* events go to payments.
func NewHandler(provider Provider, lifecycle, payments EventHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		provider:  provider,
		lifecycle: lifecycle,
		payments:  payments,
		logger:    logger,
	}
}

// RegisterRoutes registers billing endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/billing/webhook", h.handleWebhook)
	mux.HandleFunc("POST /api/v1/payments/webhook", h.handleWebhook)
}

// ---------- POST /api/v1/billing/webhook, /api/v1/payments/webhook ----------

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	ev, err := h.provider.ConstructEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		// A bad signature or a malformed envelope will not improve on
		// redelivery; answer 400 so the processor gives up.
		h.logger.Warn("Rejected webhook", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid webhook"})
		return
	}

	target := h.lifecycle
	if ev.IsPaymentEvent() {
		target = h.payments
	}
	if target == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(OutcomeNotApplicable)})
		return
	}

	outcome, err := target.HandleEvent(r.Context(), ev)
	if err != nil {
		if errors.Is(err, ErrNotApplicable) {
			writeJSON(w, http.StatusOK, map[string]string{"status": string(OutcomeNotApplicable)})
			return
		}
		h.logger.Error("Webhook processing failed", "event_id", ev.ID, "type", ev.Type, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
