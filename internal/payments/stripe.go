// Package payments exchanges a completed trip's fare for a payment token.
// Settlement happens outside the engine; only the token handshake lives here.
package payments

import (
	"context"
	"fmt"

	"tripsync/internal/general/config"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeCharger creates PaymentIntents for completed trips.
type StripeCharger struct {
	currency string
}

// NewStripeCharger configures the stripe client from config. Returns nil when
// no key is configured, which disables payments entirely.
func NewStripeCharger(cfg *config.Config) *StripeCharger {
	if cfg.Payments.StripeKey == "" {
		return nil
	}
	stripe.Key = cfg.Payments.StripeKey
	return &StripeCharger{currency: cfg.Payments.Currency}
}

// CreateFareToken creates a PaymentIntent for the fare and returns its client
// secret. The amount arrives in currency units and is converted to the minor
// unit stripe expects.
func (charger *StripeCharger) CreateFareToken(ctx context.Context, tripID string, amount float64) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(amount * 100)),
		Currency: stripe.String(charger.currency),
	}
	params.AddMetadata("trip_id", tripID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("create payment intent for trip %s: %w", tripID, err)
	}
	return pi.ClientSecret, nil
}
