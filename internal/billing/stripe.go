// Package billing provides the Stripe integration for the paid plan.
//
// Billing is an interface boundary for the usage subsystem: what matters
// here is that subscription lifecycle events flip the user's plan tier and
// invalidate the cached entitlement. Invoicing, proration, and dunning are
// Stripe's problem.
package billing

import (
	"fmt"

	"github.com/finchlabs/easel/internal/domain"
	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Service defines the billing operations the usage subsystem needs.
type Service interface {
	// CreateCustomer creates a Stripe customer for the given email and
	// returns its ID.
	CreateCustomer(email string) (string, error)

	// CreateCheckoutSession creates a subscription checkout for the paid
	// plan and returns the URL to redirect the user to.
	CreateCheckoutSession(customerID, successURL, cancelURL string) (string, error)

	// VerifyWebhookSignature verifies a webhook payload and returns the
	// event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)

	// PlanForPriceID maps a Stripe price ID to a plan tier. Unknown price
	// IDs map to free so a misconfigured webhook can never grant paid
	// access.
	PlanForPriceID(priceID string) domain.PlanTier
}

// PriceConfig holds the Stripe price IDs for the paid plan.
type PriceConfig struct {
	PaidMonthlyPriceID string
	PaidYearlyPriceID  string
}

type stripeService struct {
	webhookSecret string
	prices        PriceConfig
	priceToPlan   map[string]domain.PlanTier
}

// NewStripeService creates a Stripe billing service. secretKey
// authenticates API calls; webhookSecret verifies incoming webhooks.
func NewStripeService(secretKey, webhookSecret string, prices PriceConfig) Service {
	stripe.Key = secretKey

	priceToPlan := make(map[string]domain.PlanTier)
	if prices.PaidMonthlyPriceID != "" {
		priceToPlan[prices.PaidMonthlyPriceID] = domain.PlanPaid
	}
	if prices.PaidYearlyPriceID != "" {
		priceToPlan[prices.PaidYearlyPriceID] = domain.PlanPaid
	}

	return &stripeService{
		webhookSecret: webhookSecret,
		prices:        prices,
		priceToPlan:   priceToPlan,
	}
}

func (s *stripeService) CreateCustomer(email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return c.ID, nil
}

func (s *stripeService) CreateCheckoutSession(customerID, successURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.prices.PaidMonthlyPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

func (s *stripeService) PlanForPriceID(priceID string) domain.PlanTier {
	if plan, ok := s.priceToPlan[priceID]; ok {
		return plan
	}
	return domain.PlanFree
}
