// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package payments wraps the Stripe API surface the gateway uses:
// customer bootstrap, subscription checkout, the billing portal, and
// webhook signature verification.
package payments

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the payments package.
	Error = errs.Class("payments")

	// ErrNotConfigured is returned when an operation needs a Stripe
	// credential that was not supplied at startup.
	ErrNotConfigured = errs.Class("payments not configured")
)

// StripeClient is the subset of the Stripe API the gateway calls.
type StripeClient interface {
	Customers() StripeCustomers
	CheckoutSessions() StripeCheckoutSessions
	BillingPortalSessions() StripeBillingPortalSessions
	Subscriptions() StripeSubscriptions
}

// StripeCustomers Stripe Customers interface.
type StripeCustomers interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
	Get(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
}

// StripeCheckoutSessions Stripe Checkout Sessions interface.
type StripeCheckoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeBillingPortalSessions Stripe Billing Portal Sessions interface.
type StripeBillingPortalSessions interface {
	New(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// StripeSubscriptions Stripe Subscriptions interface.
type StripeSubscriptions interface {
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

type stripeClient struct {
	client *client.API
}

func (s *stripeClient) Customers() StripeCustomers {
	return s.client.Customers
}

func (s *stripeClient) CheckoutSessions() StripeCheckoutSessions {
	return s.client.CheckoutSessions
}

func (s *stripeClient) BillingPortalSessions() StripeBillingPortalSessions {
	return s.client.BillingPortalSessions
}

func (s *stripeClient) Subscriptions() StripeSubscriptions {
	return s.client.Subscriptions
}

// NewStripeClient creates a Stripe client from the secret key.
func NewStripeClient(log *zap.Logger, secretKey string) StripeClient {
	backendConfig := &stripe.BackendConfig{
		LeveledLogger: log.Sugar(),
	}

	sClient := client.New(secretKey,
		&stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
		},
	)

	return &stripeClient{client: sClient}
}
