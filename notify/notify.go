// Package notify delivers tenant-facing notices about entitlement changes.
//
// A Sink is a collaborator: the engine only hands it a message for a tenant's
// owner. LogSink writes the notice to the log; WebhookSink posts it to an HTTP
// endpoint with exponential backoff and parks exhausted deliveries in a
// dead-letter store for replay.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/entitlements/metrics"
)

// Sink delivers a notice to a user of a tenant.
type Sink interface {
	Notify(ctx context.Context, tenantID, userID, message string) error
}

// Notification is the body posted by WebhookSink.
type Notification struct {
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// LogSink logs every notice at info level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(_ context.Context, tenantID, userID, message string) error {
	s.logger.Info("Tenant notification", "tenant_id", tenantID, "user_id", userID, "message", message)
	return nil
}

// WebhookSink posts notices as JSON to a fixed URL.
type WebhookSink struct {
	url     string
	manager *RetryManager
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewWebhookSink creates a WebhookSink delivering through manager.
func NewWebhookSink(url string, manager *RetryManager, m *metrics.Collector, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{url: url, manager: manager, metrics: m, logger: logger}
}

// Notify implements Sink. A notice that exhausts its retries is
// dead-lettered under the tenant and reported as an error.
func (s *WebhookSink) Notify(ctx context.Context, tenantID, userID, message string) error {
	d, err := s.manager.Send(ctx, s.url, Notification{
		TenantID: tenantID,
		UserID:   userID,
		Message:  message,
	})
	if err != nil {
		s.metrics.RecordNotification(string(StatusDeadLetter))
		s.logger.Warn("Notification dead-lettered", "tenant_id", tenantID, "attempts", attempts(d), "error", err)
		return fmt.Errorf("notify: deliver to %s: %w", s.url, err)
	}
	s.metrics.RecordNotification(string(StatusDelivered))
	return nil
}

func attempts(d *Delivery) int {
	if d == nil {
		return 0
	}
	return d.Attempts
}

// MultiSink fans a notice out to several sinks and joins their errors.
type MultiSink []Sink

// Notify implements Sink.
func (m MultiSink) Notify(ctx context.Context, tenantID, userID, message string) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, tenantID, userID, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
