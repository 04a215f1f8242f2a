// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v72"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/graygate/graygate/convex"
	"github.com/graygate/graygate/payments"
	"github.com/graygate/graygate/plans"
)

// ErrBillingAPI is the error class for the billing controller.
var ErrBillingAPI = errs.Class("gateway billing")

// Billing exposes subscription state and drives the Stripe checkout,
// portal, and webhook flows. Subscription records live in the backend;
// Stripe remains the source of truth and every inbound event or synced
// session overwrites the stored copy.
type Billing struct {
	log         *zap.Logger
	backend     Backend
	payments    *payments.Service
	prices      *plans.PriceMap
	frontendURL string
}

// NewBilling is a constructor for the billing controller.
func NewBilling(log *zap.Logger, backend Backend, payments *payments.Service, prices *plans.PriceMap, frontendURL string) *Billing {
	return &Billing{
		log:         log,
		backend:     backend,
		payments:    payments,
		prices:      prices,
		frontendURL: frontendURL,
	}
}

// stripeUser is the backend's view of a user for billing purposes.
type stripeUser struct {
	ClerkID          string `json:"clerkId"`
	Email            string `json:"email"`
	StripeCustomerID string `json:"stripeCustomerId"`
}

// Subscription returns the stored subscription record, or an inactive
// free placeholder when the user has none.
func (billing *Billing) Subscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	user, ok := GetUser(ctx)
	if !ok {
		serveCustomJSONError(billing.log, w, http.StatusUnauthorized, ErrBillingAPI.New("no user in context"), "Unauthorized")
		return
	}

	raw, err := billing.backend.Query(ctx, "subscriptions:get", map[string]interface{}{
		"userId": user.ClerkID,
	})
	if err != nil {
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error fetching subscription")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if convex.IsNull(raw) {
		_, _ = w.Write([]byte(`{"plan":"free","status":"inactive"}`))
		return
	}
	_, _ = w.Write(raw)
}

type checkoutRequest struct {
	PriceID    string `json:"priceId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// CreateCheckoutSession starts a Stripe checkout for the requested
// price. Users without a Stripe customer get one created and persisted
// first.
func (billing *Billing) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	user, ok := GetUser(ctx)
	if !ok {
		serveCustomJSONError(billing.log, w, http.StatusUnauthorized, ErrBillingAPI.New("no user in context"), "Unauthorized")
		return
	}

	var body checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.Wrap(err),
			"Missing required parameters: priceId, successUrl, cancelUrl")
		return
	}
	if strings.TrimSpace(body.PriceID) == "" || strings.TrimSpace(body.SuccessURL) == "" || strings.TrimSpace(body.CancelURL) == "" {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.New("missing checkout parameters"),
			"Missing required parameters: priceId, successUrl, cancelUrl")
		return
	}

	if _, known := billing.prices.PlanForPriceID(body.PriceID); !known {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.New("unknown price id %q", body.PriceID),
			"Unknown or unsupported Stripe price ID.")
		return
	}

	account, found, err := billing.userForStripe(ctx, user.ClerkID)
	if err != nil {
		billing.log.Error("failed to load user for Stripe checkout", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error creating checkout session")
		return
	}
	if !found {
		serveCustomJSONError(billing.log, w, http.StatusNotFound, ErrBillingAPI.New("user %s not found", user.ClerkID),
			"User not found in Convex database.")
		return
	}

	customerID := account.StripeCustomerID
	if customerID == "" {
		customer, err := billing.payments.CreateCustomer(ctx, account.Email, account.ClerkID)
		if err != nil {
			billing.log.Error("failed to create Stripe customer", zap.Error(err))
			serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error creating checkout session")
			return
		}
		_, err = billing.backend.Action(ctx, "users:setStripeCustomerId", map[string]interface{}{
			"clerkId":          account.ClerkID,
			"stripeCustomerId": customer.ID,
		})
		if err != nil {
			billing.log.Error("failed to persist Stripe customer id", zap.Error(err))
			serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error creating checkout session")
			return
		}
		customerID = customer.ID
	}

	session, err := billing.payments.CreateCheckoutSession(ctx, customerID, body.PriceID, body.SuccessURL, body.CancelURL)
	if err != nil {
		billing.log.Error("failed to create Stripe checkout session", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error creating checkout session")
		return
	}
	if session.URL == "" {
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.New("checkout session %s has no url", session.ID),
			"Error creating Stripe checkout session.")
		return
	}

	serveJSON(billing.log, w, http.StatusOK, map[string]string{"url": session.URL})
}

type syncSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// SyncSession reconciles a completed checkout session into the backend.
// The frontend calls this when Stripe redirects back, so the dashboard
// reflects the new plan even before the webhook arrives.
func (billing *Billing) SyncSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	user, ok := GetUser(ctx)
	if !ok {
		serveCustomJSONError(billing.log, w, http.StatusUnauthorized, ErrBillingAPI.New("no user in context"), "Unauthorized")
		return
	}

	var body syncSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.Wrap(err), "Missing sessionId")
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.New("missing session id"), "Missing sessionId")
		return
	}

	session, err := billing.payments.GetCheckoutSession(ctx, body.SessionID)
	if err != nil {
		billing.log.Error("failed to retrieve Stripe checkout session", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error syncing Stripe session")
		return
	}
	if session.Status != stripe.CheckoutSessionStatusComplete {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.New("session %s status is %q", body.SessionID, session.Status),
			"Checkout session not complete.")
		return
	}

	var subscriptionID, priceID string
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if session.LineItems != nil && len(session.LineItems.Data) > 0 && session.LineItems.Data[0].Price != nil {
		priceID = session.LineItems.Data[0].Price.ID
	}
	if subscriptionID == "" || priceID == "" {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.New("session %s has no subscription or price", body.SessionID),
			"Could not find subscription or price ID in session.")
		return
	}

	plan, known := billing.prices.PlanForPriceID(priceID)
	if !known {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.New("unknown price id %q", priceID),
			"Unknown or unsupported Stripe price ID.")
		return
	}

	_, found, err := billing.userForStripe(ctx, user.ClerkID)
	if err != nil {
		billing.log.Error("failed to fetch user for Stripe sync", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error syncing Stripe session")
		return
	}
	if !found {
		serveCustomJSONError(billing.log, w, http.StatusNotFound, ErrBillingAPI.New("user %s not found", user.ClerkID), "User not found.")
		return
	}

	existing, err := billing.backend.Query(ctx, "subscriptions:get", map[string]interface{}{
		"userId": user.ClerkID,
	})
	if err != nil {
		billing.log.Error("failed to fetch existing subscription", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error syncing Stripe session")
		return
	}

	action := "subscriptions:createSubscription"
	if !convex.IsNull(existing) {
		action = "subscriptions:updateSubscription"
	}
	_, err = billing.backend.Action(ctx, action, map[string]interface{}{
		"userId":               user.ClerkID,
		"plan":                 plan.String(),
		"status":               "active",
		"stripeSubscriptionId": subscriptionID,
		"stripePriceId":        priceID,
	})
	if err != nil {
		billing.log.Error("failed to sync subscription in Convex", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error syncing Stripe session")
		return
	}

	serveJSON(billing.log, w, http.StatusOK, map[string]string{"message": "Subscription synced successfully."})
}

// PortalSession opens a Stripe billing portal session and returns its
// URL. Only users that already have a Stripe customer can use it.
func (billing *Billing) PortalSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	user, ok := GetUser(ctx)
	if !ok {
		serveCustomJSONError(billing.log, w, http.StatusUnauthorized, ErrBillingAPI.New("no user in context"), "Unauthorized")
		return
	}

	account, found, err := billing.userForStripe(ctx, user.ClerkID)
	if err != nil {
		billing.log.Error("failed to load user for portal session", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error creating customer portal session")
		return
	}
	if !found || account.StripeCustomerID == "" {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.New("no Stripe customer for %s", user.ClerkID),
			"User or Stripe Customer ID not found.")
		return
	}

	returnURL := strings.TrimRight(billing.frontendURL, "/") + "/dashboard"
	session, err := billing.payments.CreatePortalSession(ctx, account.StripeCustomerID, returnURL)
	if err != nil {
		billing.log.Error("failed to create Stripe portal session", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Error creating customer portal session")
		return
	}
	if session.URL == "" {
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.New("portal session has no url"),
			"Error creating Stripe customer portal session.")
		return
	}

	serveJSON(billing.log, w, http.StatusOK, map[string]string{"url": session.URL})
}

// Webhook ingests Stripe events. Subscription lifecycle events sync the
// subscription straight from the event payload; invoice payment events
// re-fetch the subscription so the stored status tracks payment state.
// Unhandled event types are acknowledged without action.
func (billing *Billing) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.New("missing signature header"), "Missing Stripe signature.")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.Wrap(err), "Invalid signature.")
		return
	}

	if err := billing.payments.VerifyWebhook(signature, payload); err != nil {
		billing.log.Error("Stripe webhook signature verification failed", zap.Error(err))
		if payments.ErrNotConfigured.Has(err) {
			serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Webhook not configured.")
			return
		}
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.Wrap(err), "Invalid signature.")
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil || event.Data == nil {
		billing.log.Error("invalid Stripe webhook payload", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusBadRequest, ErrBillingAPI.New("malformed event payload"), "Invalid signature.")
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			billing.log.Error("failed to decode subscription object", zap.Error(err))
			serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Webhook handler failed.")
			return
		}
		err = billing.syncSubscription(ctx, &subscription)
	case "invoice.payment_failed", "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			billing.log.Error("failed to decode invoice object", zap.Error(err))
			serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Webhook handler failed.")
			return
		}
		if invoice.Subscription != nil {
			var subscription *stripe.Subscription
			subscription, err = billing.payments.GetSubscription(ctx, invoice.Subscription.ID)
			if err == nil {
				err = billing.syncSubscription(ctx, subscription)
			}
		}
	}

	if err != nil {
		billing.log.Error("Stripe webhook handling failed", zap.Error(err))
		serveCustomJSONError(billing.log, w, http.StatusInternalServerError, ErrBillingAPI.Wrap(err), "Webhook handler failed.")
		return
	}

	serveJSON(billing.log, w, http.StatusOK, map[string]bool{"received": true})
}

// syncSubscription writes the subscription's current state to the
// backend. Customers without clerkId metadata and prices that resolve
// to no known plan are skipped rather than failed: those events belong
// to a different environment sharing the Stripe account.
func (billing *Billing) syncSubscription(ctx context.Context, subscription *stripe.Subscription) (err error) {
	defer mon.Task()(&ctx)(&err)

	var customerID string
	if subscription.Customer != nil {
		customerID = subscription.Customer.ID
	}
	customer, err := billing.payments.GetCustomer(ctx, customerID)
	if err != nil {
		return ErrBillingAPI.Wrap(err)
	}
	clerkID := ""
	if !customer.Deleted {
		clerkID = customer.Metadata["clerkId"]
	}
	if clerkID == "" {
		billing.log.Warn("Stripe webhook: missing clerkId metadata for customer", zap.String("customer_id", customerID))
		return nil
	}

	var priceID string
	if subscription.Items != nil && len(subscription.Items.Data) > 0 && subscription.Items.Data[0].Price != nil {
		priceID = subscription.Items.Data[0].Price.ID
	}

	existing, err := billing.backend.Query(ctx, "subscriptions:get", map[string]interface{}{
		"userId": clerkID,
	})
	if err != nil {
		return ErrBillingAPI.Wrap(err)
	}

	plan, known := billing.prices.PlanForPriceID(priceID)
	if !known {
		if convex.IsNull(existing) {
			billing.log.Warn("Stripe webhook: unable to resolve plan for price", zap.String("price_id", priceID))
			return nil
		}
		var stored struct {
			Plan string `json:"plan"`
		}
		if err := json.Unmarshal(existing, &stored); err != nil {
			return ErrBillingAPI.Wrap(err)
		}
		plan = plans.Resolve(stored.Plan)
	}

	args := map[string]interface{}{
		"userId":               clerkID,
		"plan":                 plan.String(),
		"status":               string(subscription.Status),
		"stripeSubscriptionId": subscription.ID,
	}
	if priceID != "" {
		args["stripePriceId"] = priceID
	}
	if subscription.CurrentPeriodEnd != 0 {
		args["endsAt"] = subscription.CurrentPeriodEnd * 1000
	}

	action := "subscriptions:createSubscription"
	if !convex.IsNull(existing) {
		action = "subscriptions:updateSubscription"
	}
	_, err = billing.backend.Action(ctx, action, args)
	return ErrBillingAPI.Wrap(err)
}

// userForStripe loads the billing view of a user from the backend.
func (billing *Billing) userForStripe(ctx context.Context, clerkID string) (_ stripeUser, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := billing.backend.Action(ctx, "users:getUserForStripe", map[string]interface{}{
		"clerkId": clerkID,
	})
	if err != nil {
		return stripeUser{}, false, ErrBillingAPI.Wrap(err)
	}
	if convex.IsNull(raw) {
		return stripeUser{}, false, nil
	}
	var account stripeUser
	if err := json.Unmarshal(raw, &account); err != nil {
		return stripeUser{}, false, ErrBillingAPI.Wrap(err)
	}
	return account, true, nil
}
