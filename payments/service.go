// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package payments

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// Config holds the Stripe credentials.
type Config struct {
	SecretKey     string `help:"stripe API secret key" default:""`
	WebhookSecret string `help:"signing secret for stripe webhook events" default:""`
}

// Service exposes the billing operations backed by Stripe.
//
// architecture: Service
type Service struct {
	log           *zap.Logger
	client        StripeClient
	secretKey     string
	webhookSecret string

	nowFn func() time.Time
}

// NewService creates a payments service.
func NewService(log *zap.Logger, client StripeClient, config Config) *Service {
	return &Service{
		log:           log,
		client:        client,
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		nowFn:         time.Now,
	}
}

// Enabled reports whether a Stripe secret key was configured.
func (service *Service) Enabled() bool {
	return service.secretKey != ""
}

// CreateCustomer creates a Stripe customer tagged with the Clerk user
// id so webhook events can be traced back to the owning account.
func (service *Service) CreateCustomer(ctx context.Context, email, clerkID string) (_ *stripe.Customer, err error) {
	defer mon.Task()(&ctx)(&err)
	if !service.Enabled() {
		return nil, ErrNotConfigured.New("STRIPE_SECRET_KEY is not set")
	}

	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
	}
	params.AddMetadata("clerkId", clerkID)

	customer, err := service.client.Customers().New(params)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	service.log.Info("created stripe customer",
		zap.String("customer_id", customer.ID))
	return customer, nil
}

// GetCustomer fetches a customer by id.
func (service *Service) GetCustomer(ctx context.Context, customerID string) (_ *stripe.Customer, err error) {
	defer mon.Task()(&ctx)(&err)
	if !service.Enabled() {
		return nil, ErrNotConfigured.New("STRIPE_SECRET_KEY is not set")
	}

	customer, err := service.client.Customers().Get(customerID, &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return customer, nil
}

// CreateCheckoutSession starts a card subscription checkout for the
// given price.
func (service *Service) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (_ *stripe.CheckoutSession, err error) {
	defer mon.Task()(&ctx)(&err)
	if !service.Enabled() {
		return nil, ErrNotConfigured.New("STRIPE_SECRET_KEY is not set")
	}

	params := &stripe.CheckoutSessionParams{
		Params:             stripe.Params{Context: ctx},
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(priceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}

	session, err := service.client.CheckoutSessions().New(params)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return session, nil
}

// GetCheckoutSession fetches a checkout session with its line items
// expanded, so callers can recover the purchased price without extra
// round trips.
func (service *Service) GetCheckoutSession(ctx context.Context, sessionID string) (_ *stripe.CheckoutSession, err error) {
	defer mon.Task()(&ctx)(&err)
	if !service.Enabled() {
		return nil, ErrNotConfigured.New("STRIPE_SECRET_KEY is not set")
	}

	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
	}
	params.AddExpand("line_items")

	session, err := service.client.CheckoutSessions().Get(sessionID, params)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return session, nil
}

// CreatePortalSession opens a billing portal session for an existing
// customer.
func (service *Service) CreatePortalSession(ctx context.Context, customerID, returnURL string) (_ *stripe.BillingPortalSession, err error) {
	defer mon.Task()(&ctx)(&err)
	if !service.Enabled() {
		return nil, ErrNotConfigured.New("STRIPE_SECRET_KEY is not set")
	}

	session, err := service.client.BillingPortalSessions().New(&stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return session, nil
}

// GetSubscription fetches a subscription by id.
func (service *Service) GetSubscription(ctx context.Context, subscriptionID string) (_ *stripe.Subscription, err error) {
	defer mon.Task()(&ctx)(&err)
	if !service.Enabled() {
		return nil, ErrNotConfigured.New("STRIPE_SECRET_KEY is not set")
	}

	subscription, err := service.client.Subscriptions().Get(subscriptionID, &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return subscription, nil
}
