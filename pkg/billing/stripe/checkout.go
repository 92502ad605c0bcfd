package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

var (
	// ErrPriceNotConfigured is returned by CheckoutURL when no price id is configured
	ErrPriceNotConfigured = errors.New("stripe price id not configured")

	// ErrNoCustomer is returned by PortalURL for profiles that never checked out
	ErrNoCustomer = errors.New("profile has no billing customer")
)

// CheckoutURL creates a subscription Checkout Session for profile and returns its URL.
// The session carries the user id in its metadata, in the subscription metadata
// and as client_reference_id, so the completion webhook links back to the user.
// A known customer id is attached to avoid creating duplicate customers.
func (p *Provider) CheckoutURL(ctx context.Context, profile *entitle.Profile, successURL, cancelURL string) (string, error) {
	client, err := p.client()
	if err != nil {
		return "", err
	}
	if p.priceID == "" {
		return "", ErrPriceNotConfigured
	}
	if profile == nil || profile.UserID == "" {
		return "", fmt.Errorf("checkout requires a user id: %w", entitle.ErrProfileNotFound)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(profile.UserID),
	}
	params.AddMetadata(metadataUserID, profile.UserID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, profile.UserID)

	if profile.CustomerID != "" {
		params.Customer = stripe.String(profile.CustomerID)
	} else if profile.Email != "" {
		params.CustomerEmail = stripe.String(profile.Email)
	}

	start := p.now()
	session, err := client.createCheckoutSession(ctx, params)
	err = translateError(err, nil)
	p.observe(endpointCheckout, start, err)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return session.URL, nil
}

// PortalURL creates a Customer Portal session so the user can manage or cancel
// the subscription.
func (p *Provider) PortalURL(ctx context.Context, profile *entitle.Profile, returnURL string) (string, error) {
	client, err := p.client()
	if err != nil {
		return "", err
	}
	if profile == nil || profile.CustomerID == "" {
		return "", ErrNoCustomer
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(profile.CustomerID),
		ReturnURL: stripe.String(returnURL),
	}

	start := p.now()
	session, err := client.createPortalSession(ctx, params)
	err = translateError(err, nil)
	p.observe(endpointPortal, start, err)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return session.URL, nil
}
