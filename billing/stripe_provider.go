package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider using the Stripe API.
type StripeProvider struct {
	apiKey        string
	webhookSecret string
}

// NewStripeProvider creates a StripeProvider with the given API key and
// webhook signing secret.
func NewStripeProvider(apiKey, webhookSecret string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
	}
}

// CreateCustomer creates a new Stripe customer for the given tenant.
func (p *StripeProvider) CreateCustomer(_ context.Context, tenantID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{
			"tenant_id": tenantID,
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	c, err := customer.New(params)
	if err != nil {
		return "", &PaymentError{Op: "create customer", Err: err}
	}
	return c.ID, nil
}

// CreatePaymentIntent creates a Stripe payment intent. With a saved payment
// method the intent is confirmed off-session in the same call.
func (p *StripeProvider) CreatePaymentIntent(_ context.Context, params PaymentIntentParams) (*PaymentIntent, error) {
	if params.AmountCents <= 0 {
		return nil, fmt.Errorf("billing: payment amount must be positive")
	}
	if params.Metadata["tenant_id"] == "" {
		return nil, fmt.Errorf("billing: tenant_id is required in payment metadata")
	}

	piParams := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(params.AmountCents),
		Currency: stripe.String(strings.ToLower(params.Currency)),
		Metadata: params.Metadata,
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if params.CustomerID != "" {
		piParams.Customer = stripe.String(params.CustomerID)
	}
	if params.Description != "" {
		piParams.Description = stripe.String(params.Description)
	}
	if params.PaymentMethodID != "" {
		piParams.PaymentMethod = stripe.String(params.PaymentMethodID)
		piParams.Confirm = stripe.Bool(true)
		piParams.OffSession = stripe.Bool(true)
		piParams.AutomaticPaymentMethods.AllowRedirects = stripe.String("never")
	}
	if params.IdempotencyKey != "" {
		piParams.IdempotencyKey = stripe.String(params.IdempotencyKey)
	}

	pi, err := paymentintent.New(piParams)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard && stripeErr.PaymentIntent != nil {
			declined := buildPaymentIntent(stripeErr.PaymentIntent)
			declined.Status = IntentFailed
			declined.FailureMessage = stripeErr.Msg
			return declined, nil
		}
		return nil, &PaymentError{Op: "create payment intent", Err: err}
	}
	return buildPaymentIntent(pi), nil
}

// CancelPaymentIntent cancels a Stripe payment intent.
func (p *StripeProvider) CancelPaymentIntent(_ context.Context, intentID string) error {
	if _, err := paymentintent.Cancel(intentID, &stripe.PaymentIntentCancelParams{}); err != nil {
		return &PaymentError{Op: "cancel payment intent", Err: err}
	}
	return nil
}

// RefundPaymentIntent refunds the full amount captured by a payment intent.
func (p *StripeProvider) RefundPaymentIntent(_ context.Context, intentID string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	params.SetIdempotencyKey("refund-" + intentID)
	if _, err := refund.New(params); err != nil {
		return &PaymentError{Op: "refund payment intent", Err: err}
	}
	return nil
}

// GetSubscription fetches a subscription from the processor.
func (p *StripeProvider) GetSubscription(_ context.Context, subscriptionID string) (*SubscriptionObject, error) {
	sub, err := subscription.Get(subscriptionID, nil)
	if err != nil {
		return nil, &PaymentError{Op: "get subscription", Err: err}
	}
	return subscriptionObject(sub, legacyFields{}), nil
}

// ConstructEvent validates the Stripe-Signature header and decodes the event.
func (p *StripeProvider) ConstructEvent(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return fromStripeEvent(&event, payload), nil
}

func buildPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:           pi.ID,
		Status:       PaymentIntentStatus(pi.Status),
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Metadata:     pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out
}

var (
	_ Provider = (*StripeProvider)(nil)
	_ Provider = (*MockProvider)(nil)
)
