package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/finchlabs/easel/internal/billing"
	"github.com/finchlabs/easel/internal/domain"
	"github.com/finchlabs/easel/internal/service"
	"github.com/finchlabs/easel/internal/store"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
)

// maxWebhookBody caps the Stripe webhook payload size.
const maxWebhookBody = 64 << 10

// BillingHandler serves checkout creation and the Stripe webhook.
type BillingHandler struct {
	billing billing.Service
	store   store.UsageStore
	usage   service.UsageService
	logger  *slog.Logger

	successURL string
	cancelURL  string
}

// NewBillingHandler creates the billing handler.
func NewBillingHandler(
	billingSvc billing.Service,
	st store.UsageStore,
	usage service.UsageService,
	successURL, cancelURL string,
	logger *slog.Logger,
) *BillingHandler {
	return &BillingHandler{
		billing:    billingSvc,
		store:      st,
		usage:      usage,
		logger:     logger,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

type checkoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// Checkout handles POST /api/checkout: creates a Stripe checkout session
// for the paid plan and returns the redirect URL. Requires an authenticated
// user.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	const op = "handler.checkout"
	ctx := r.Context()

	raw := r.Header.Get(userIDHeader)
	if raw == "" {
		ErrorResponse(w, r, h.logger, domain.Unauthorized(op, "Sign in to upgrade"))
		return
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Unauthorized(op, "Invalid user identity"))
		return
	}

	user, err := h.store.GetUserUsage(ctx, userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if user.Plan == domain.PlanPaid {
		ErrorResponse(w, r, h.logger,
			domain.Errorf(domain.ECONFLICT, op, "You already have an active subscription"))
		return
	}

	customerID := user.StripeCustomerID
	if customerID == "" {
		customerID, err = h.billing.CreateCustomer(user.Email)
		if err != nil {
			ErrorResponse(w, r, h.logger, domain.Internal(err, op, "Failed to start checkout"))
			return
		}
		if err := h.store.SetUserStripeCustomer(ctx, userID, customerID); err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
	}

	url, err := h.billing.CreateCheckoutSession(customerID, h.successURL, h.cancelURL)
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "Failed to start checkout"))
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{CheckoutURL: url})
}

// Webhook handles POST /api/stripe-webhook. Subscription lifecycle events
// flip the user's plan and drop the cached entitlement so the new tier
// takes effect on the next check.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	event, err := h.billing.VerifyWebhookSignature(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		h.handleSubscriptionChange(r, event, false)
	case "customer.subscription.deleted":
		h.handleSubscriptionChange(r, event, true)
	default:
		h.logger.Debug("ignoring webhook event", "type", event.Type)
	}

	// Always 200 once the signature checks out; Stripe retries anything
	// else and the handlers above already logged their failures.
	w.WriteHeader(http.StatusOK)
}

func (h *BillingHandler) handleSubscriptionChange(r *http.Request, event stripe.Event, deleted bool) {
	ctx := r.Context()

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("failed to parse subscription event", "type", event.Type, "error", err)
		return
	}
	if sub.Customer == nil {
		h.logger.Warn("subscription event missing customer", "subscription_id", sub.ID)
		return
	}

	user, err := h.store.GetUserByStripeCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		h.logger.Warn("no user for subscription event",
			"customer_id", sub.Customer.ID,
			"subscription_id", sub.ID,
		)
		return
	}

	plan := domain.PlanFree
	if !deleted && (sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing) {
		plan = h.planFromSubscription(&sub)
	}

	if err := h.store.SetUserPlan(ctx, user.UserID, plan); err != nil {
		h.logger.Error("failed to update plan from webhook",
			"user_id", user.UserID,
			"plan", plan,
			"error", err,
		)
		return
	}
	h.usage.InvalidateUser(user.UserID)

	h.logger.Info("plan updated from subscription event",
		"user_id", user.UserID,
		"plan", plan,
		"event", event.Type,
	)
}

// planFromSubscription maps the subscription's price to a plan tier.
func (h *BillingHandler) planFromSubscription(sub *stripe.Subscription) domain.PlanTier {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil {
				return h.billing.PlanForPriceID(item.Price.ID)
			}
		}
	}
	return domain.PlanFree
}
