package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/GoCodeAlone/entitlements/billing"
)

func TestNewMessage(t *testing.T) {
	ev := &EntitlementChanged{
		TenantID:   "tenant-a",
		From:       billing.StatusActive,
		To:         billing.StatusSuspended,
		Actions:    []string{"suspend_email_accounts", "hide_paid_features"},
		OccurredAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	msg, err := newMessage(DefaultSubject, ev)
	if err != nil {
		t.Fatalf("newMessage: %v", err)
	}
	if msg.Subject != DefaultSubject {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if got := msg.Header.Get("Tenant-Id"); got != "tenant-a" {
		t.Errorf("Tenant-Id header = %q", got)
	}
	if got := msg.Header.Get("Status"); got != "suspended" {
		t.Errorf("Status header = %q", got)
	}

	var decoded EntitlementChanged
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.To != billing.StatusSuspended || len(decoded.Actions) != 2 {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestNewNATSPublisher_ConnectFailure(t *testing.T) {
	if _, err := NewNATSPublisher("nats://127.0.0.1:1", "", nil); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()

	ev := &EntitlementChanged{TenantID: "t1", To: billing.StatusActive}
	if err := p.Publish(ctx, ev); err != nil {
		t.Fatal(err)
	}
	ev.TenantID = "mutated"
	got := p.Events()
	if len(got) != 1 || got[0].TenantID != "t1" {
		t.Fatalf("unexpected events: %+v", got)
	}

	p.Err = errors.New("broker down")
	if err := p.Publish(ctx, ev); err == nil {
		t.Fatal("expected injected error")
	}
}
