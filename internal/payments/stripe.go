package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient wraps stripe-go for the fare hold/capture/cancel flow. A
// hold is placed when the rider confirms, captured on completion and
// released on cancellation.
type StripeClient struct{}

// NewStripeClient sets the package-level API key and returns a client.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual for the fare
// amount in the smallest currency unit. Returns the PaymentIntent ID.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerRef string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerRef != "" {
		params.Customer = stripe.String(customerRef)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
