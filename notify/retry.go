package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the state of a notification delivery.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusFailed     DeliveryStatus = "failed"
	StatusDeadLetter DeliveryStatus = "dead_letter"
)

// RetryConfig holds the backoff policy for HTTP deliveries.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff        time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	JitterFraction    float64       `yaml:"jitter_fraction" env:"JITTER_FRACTION"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultRetryConfig returns the default backoff policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		Timeout:           10 * time.Second,
	}
}

// Delivery tracks one attempt to hand a notice to a webhook endpoint.
type Delivery struct {
	ID          string         `json:"id"`
	URL         string         `json:"url"`
	Notice      Notification   `json:"notice"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"lastError,omitempty"`
	StatusCode  int            `json:"statusCode,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	LastAttempt *time.Time     `json:"lastAttempt,omitempty"`
	DeliveredAt *time.Time     `json:"deliveredAt,omitempty"`
}

// RetryManager posts notices with exponential backoff and jitter. Notices
// that exhaust their retries go to the dead-letter store.
type RetryManager struct {
	config RetryConfig
	client *http.Client
	store  *DeadLetterStore
}

// NewRetryManager creates a RetryManager. Zero config values take defaults.
func NewRetryManager(config RetryConfig, store *DeadLetterStore) *RetryManager {
	def := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.JitterFraction < 0 {
		config.JitterFraction = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if store == nil {
		store = NewDeadLetterStore(0)
	}

	return &RetryManager{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		store:  store,
	}
}

// SetClient replaces the HTTP client.
func (rm *RetryManager) SetClient(client *http.Client) {
	rm.client = client
}

// DeadLetters returns the manager's dead-letter store.
func (rm *RetryManager) DeadLetters() *DeadLetterStore {
	return rm.store
}

// Send posts n to url, retrying on failure. A notice that exhausts its
// retries is dead-lettered and its last error returned.
func (rm *RetryManager) Send(ctx context.Context, url string, n Notification) (*Delivery, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return rm.run(ctx, &Delivery{
		ID:        uuid.NewString(),
		URL:       url,
		Notice:    n,
		CreatedAt: time.Now(),
	})
}

// Replay takes a notice out of the dead-letter store and sends it again
// with a fresh retry budget.
func (rm *RetryManager) Replay(ctx context.Context, id string) (*Delivery, error) {
	d, ok := rm.store.Remove(id)
	if !ok {
		return nil, fmt.Errorf("notify: dead letter %q not found", id)
	}
	d.Attempts, d.StatusCode, d.LastError = 0, 0, ""
	return rm.run(ctx, d)
}

// ReplayTenant replays every parked notice of one tenant, oldest first, and
// returns how many were delivered. Notices that fail again are parked anew.
func (rm *RetryManager) ReplayTenant(ctx context.Context, tenantID string) (int, error) {
	parked := rm.store.ListByTenant(tenantID)
	delivered := 0
	var errs []error
	for i := len(parked) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := rm.Replay(ctx, parked[i].ID); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

func (rm *RetryManager) run(ctx context.Context, d *Delivery) (*Delivery, error) {
	d.Status = StatusPending
	err := rm.attemptAll(ctx, d)
	if err == nil {
		return d, nil
	}
	d.Status = StatusDeadLetter
	d.LastError = err.Error()
	rm.store.Add(d)
	return d, err
}

func (rm *RetryManager) attemptAll(ctx context.Context, d *Delivery) error {
	var err error
	for d.Attempts <= rm.config.MaxRetries {
		if d.Attempts > 0 {
			timer := time.NewTimer(rm.backoff(d.Attempts))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		at := time.Now()
		d.Attempts++
		d.LastAttempt = &at
		if err = rm.post(ctx, d); err == nil {
			done := time.Now()
			d.Status = StatusDelivered
			d.DeliveredAt = &done
			return nil
		}
	}
	d.Status = StatusFailed
	return err
}

func (rm *RetryManager) post(ctx context.Context, d *Delivery) error {
	body, err := json.Marshal(d.Notice)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", d.Notice.TenantID)

	resp, err := rm.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	d.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint answered %d", resp.StatusCode)
	}
	return nil
}

// backoff returns the wait before retry n (1-based): exponential growth
// capped at MaxBackoff, then spread by up to JitterFraction either way.
func (rm *RetryManager) backoff(n int) time.Duration {
	wait := min(float64(rm.config.InitialBackoff)*math.Pow(rm.config.BackoffMultiplier, float64(n-1)),
		float64(rm.config.MaxBackoff))
	if j := rm.config.JitterFraction; j > 0 {
		wait = max(wait*(1+j*(2*rand.Float64()-1)), 0)
	}
	return time.Duration(wait)
}
