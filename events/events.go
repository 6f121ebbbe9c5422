// Package events publishes entitlement-change events to downstream systems.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/GoCodeAlone/entitlements/billing"
)

// DefaultSubject is the NATS subject entitlement changes are published on.
const DefaultSubject = "entitlements.changed"

// EntitlementChanged describes one applied subscription transition.
type EntitlementChanged struct {
	TenantID   string                     `json:"tenant_id"`
	From       billing.SubscriptionStatus `json:"from,omitempty"`
	To         billing.SubscriptionStatus `json:"to"`
	Actions    []string                   `json:"actions,omitempty"`
	Failed     int                        `json:"failed_resources,omitempty"`
	OccurredAt time.Time                  `json:"occurred_at"`
}

// Publisher emits entitlement-change events.
type Publisher interface {
	Publish(ctx context.Context, ev *EntitlementChanged) error
}

// ---------------------------------------------------------------------------
// NATS
// ---------------------------------------------------------------------------

// NATSPublisher publishes events as JSON on a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		url = nats.DefaultURL
	}
	if subject == "" {
		subject = DefaultSubject
	}

	conn, err := nats.Connect(url,
		nats.Name("entitlementd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect to NATS at %s: %w", url, err)
	}
	logger.Info("NATS publisher connected", "url", url, "subject", subject)
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

// Publish sends the event with the tenant ID as a message header.
func (p *NATSPublisher) Publish(_ context.Context, ev *EntitlementChanged) error {
	msg, err := newMessage(p.subject, ev)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("events: publish to %s: %w", p.subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

func newMessage(subject string, ev *EntitlementChanged) (*nats.Msg, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("events: encode event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set("Tenant-Id", ev.TenantID)
	msg.Header.Set("Status", string(ev.To))
	msg.Data = data
	return msg, nil
}

// ---------------------------------------------------------------------------
// In-memory
// ---------------------------------------------------------------------------

// MemoryPublisher keeps published events in memory. Used in tests and when no
// broker is configured.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*EntitlementChanged
	// Err, when set, is returned by Publish.
	Err error
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, ev *EntitlementChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	cp := *ev
	p.events = append(p.events, &cp)
	return nil
}

// Events returns the published events in order.
func (p *MemoryPublisher) Events() []*EntitlementChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*EntitlementChanged(nil), p.events...)
}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = (*MemoryPublisher)(nil)
)
