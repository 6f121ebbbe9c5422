package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidSignature is returned when a webhook payload is not authentically
// from the payment processor. Callers must not request redelivery.
var ErrInvalidSignature = errors.New("billing: invalid webhook signature")

// Provider abstracts the payment processor.
type Provider interface {
	// CreateCustomer registers a new processor customer for the given tenant.
	CreateCustomer(ctx context.Context, tenantID, email string) (customerID string, err error)
	// CreatePaymentIntent creates (and, with a saved payment method, confirms)
	// a payment intent. A declined card is reported through the returned
	// intent's status, not as an error.
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error)
	// CancelPaymentIntent cancels an unconfirmed payment intent.
	CancelPaymentIntent(ctx context.Context, intentID string) error
	// RefundPaymentIntent refunds a succeeded payment intent in full.
	RefundPaymentIntent(ctx context.Context, intentID string) error
	// GetSubscription fetches the authoritative subscription object.
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionObject, error)
	// ConstructEvent verifies the webhook signature and decodes the event.
	ConstructEvent(payload []byte, signature string) (*Event, error)
}

// PaymentIntentParams describes a one-off charge.
type PaymentIntentParams struct {
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
	Metadata        map[string]string
	IdempotencyKey  string
}

// PaymentIntentStatus is the processor's payment intent status. IntentFailed
// is internal and marks a synchronous decline.
type PaymentIntentStatus string

const (
	IntentSucceeded             PaymentIntentStatus = "succeeded"
	IntentRequiresAction        PaymentIntentStatus = "requires_action"
	IntentRequiresPaymentMethod PaymentIntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  PaymentIntentStatus = "requires_confirmation"
	IntentProcessing            PaymentIntentStatus = "processing"
	IntentCanceled              PaymentIntentStatus = "canceled"
	IntentFailed                PaymentIntentStatus = "failed"
)

// PaymentIntent is the processor's answer to CreatePaymentIntent.
type PaymentIntent struct {
	ID             string
	Status         PaymentIntentStatus
	ClientSecret   string
	AmountCents    int64
	Metadata       map[string]string
	FailureMessage string
}

// PaymentError is an upstream payment-processor failure. It is always
// retryable from the caller's point of view.
type PaymentError struct {
	Op  string
	Err error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("billing: %s: upstream payment error: %v", e.Op, e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Retryable reports that the operation may be retried.
func (e *PaymentError) Retryable() bool { return true }

// ---------- Mock implementation ----------

// MockProvider is a test double that records calls and returns configurable
// results.
type MockProvider struct {
	mu sync.Mutex

	// Secret, when set, must equal the signature passed to ConstructEvent.
	Secret string

	// Customers maps tenantID -> customerID.
	Customers map[string]string
	// Intents maps intentID -> intent.
	Intents map[string]*PaymentIntent
	// Subscriptions maps subscriptionID -> object returned by GetSubscription.
	Subscriptions map[string]*SubscriptionObject
	// Canceled collects canceled intent IDs.
	Canceled []string
	// Refunded collects refunded intent IDs.
	Refunded []string

	// ConfirmStatus is the status returned when a payment method is supplied
	// (the intent is confirmed synchronously). Defaults to IntentSucceeded.
	ConfirmStatus PaymentIntentStatus

	// Error fields allow tests to inject failures.
	CreateCustomerErr      error
	CreatePaymentIntentErr error
	CancelPaymentIntentErr error
	RefundPaymentIntentErr error
	GetSubscriptionErr     error

	IntentCalls int

	nextCustomerSeq int
	nextIntentSeq   int
}

// NewMockProvider creates a MockProvider ready for use.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Customers:     make(map[string]string),
		Intents:       make(map[string]*PaymentIntent),
		Subscriptions: make(map[string]*SubscriptionObject),
	}
}

// CreateCustomer creates a mock customer.
func (m *MockProvider) CreateCustomer(_ context.Context, tenantID, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateCustomerErr != nil {
		return "", m.CreateCustomerErr
	}

	m.nextCustomerSeq++
	id := fmt.Sprintf("cus_mock_%d", m.nextCustomerSeq)
	m.Customers[tenantID] = id
	return id, nil
}

// CreatePaymentIntent creates a mock intent. Without a payment method the
// intent waits for client confirmation.
func (m *MockProvider) CreatePaymentIntent(_ context.Context, params PaymentIntentParams) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.IntentCalls++
	if m.CreatePaymentIntentErr != nil {
		return nil, &PaymentError{Op: "create payment intent", Err: m.CreatePaymentIntentErr}
	}

	m.nextIntentSeq++
	id := fmt.Sprintf("pi_mock_%d", m.nextIntentSeq)
	status := IntentRequiresPaymentMethod
	if params.PaymentMethodID != "" {
		status = m.ConfirmStatus
		if status == "" {
			status = IntentSucceeded
		}
	}

	md := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		md[k] = v
	}
	pi := &PaymentIntent{
		ID:           id,
		Status:       status,
		ClientSecret: id + "_secret_mock",
		AmountCents:  params.AmountCents,
		Metadata:     md,
	}
	if status == IntentFailed {
		pi.FailureMessage = "Your card was declined."
	}
	m.Intents[id] = pi
	cp := *pi
	return &cp, nil
}

// CancelPaymentIntent records the cancellation.
func (m *MockProvider) CancelPaymentIntent(_ context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelPaymentIntentErr != nil {
		return m.CancelPaymentIntentErr
	}
	pi, ok := m.Intents[intentID]
	if !ok {
		return fmt.Errorf("billing: payment intent %s not found", intentID)
	}
	pi.Status = IntentCanceled
	m.Canceled = append(m.Canceled, intentID)
	return nil
}

// RefundPaymentIntent records the refund.
func (m *MockProvider) RefundPaymentIntent(_ context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RefundPaymentIntentErr != nil {
		return m.RefundPaymentIntentErr
	}
	if _, ok := m.Intents[intentID]; !ok {
		return fmt.Errorf("billing: payment intent %s not found", intentID)
	}
	m.Refunded = append(m.Refunded, intentID)
	return nil
}

// GetSubscription returns a configured subscription object.
func (m *MockProvider) GetSubscription(_ context.Context, subscriptionID string) (*SubscriptionObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetSubscriptionErr != nil {
		return nil, m.GetSubscriptionErr
	}
	obj, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("billing: subscription %s not found", subscriptionID)
	}
	cp := *obj
	return &cp, nil
}

// ConstructEvent checks the signature against Secret and decodes the payload.
func (m *MockProvider) ConstructEvent(payload []byte, signature string) (*Event, error) {
	m.mu.Lock()
	secret := m.Secret
	m.mu.Unlock()

	if secret != "" && signature != secret {
		return nil, ErrInvalidSignature
	}
	return ParseEvent(payload)
}

// SetSubscription registers an object for GetSubscription.
func (m *MockProvider) SetSubscription(obj *SubscriptionObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *obj
	m.Subscriptions[obj.ID] = &cp
}
