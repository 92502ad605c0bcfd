package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	endpointSubscription  = "/v1/subscriptions/{id}"
	endpointSubscriptions = "/v1/subscriptions"
	endpointCustomers     = "/v1/customers"
	endpointCheckout      = "/v1/checkout/sessions"
	endpointPortal        = "/v1/billing_portal/sessions"
)

// api is the subset of the Stripe SDK this provider calls.
type api interface {
	retrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	listSubscriptions(ctx context.Context, customerID string, limit int) ([]*stripe.Subscription, error)
	listCustomersByEmail(ctx context.Context, email string, limit int) ([]*stripe.Customer, error)
	createCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	createPortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
}

// sdkAPI implements api with the stripe-go client.
type sdkAPI struct {
	client *stripe.Client
}

func (s *sdkAPI) retrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return s.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (s *sdkAPI) listSubscriptions(ctx context.Context, customerID string, limit int) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Limit = stripe.Int64(int64(limit))

	var subs []*stripe.Subscription
	for sub, err := range s.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
		if len(subs) >= limit {
			break
		}
	}
	return subs, nil
}

func (s *sdkAPI) listCustomersByEmail(ctx context.Context, email string, limit int) ([]*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(int64(limit))

	var customers []*stripe.Customer
	for cust, err := range s.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		customers = append(customers, cust)
		if len(customers) >= limit {
			break
		}
	}
	return customers, nil
}

func (s *sdkAPI) createCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	return s.client.V1CheckoutSessions.Create(ctx, params)
}

func (s *sdkAPI) createPortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
	return s.client.V1BillingPortalSessions.Create(ctx, params)
}

// FetchSubscription implements entitle.BillingClient.
func (p *Provider) FetchSubscription(ctx context.Context, subscriptionID string) (*entitle.SubscriptionSnapshot, error) {
	client, err := p.client()
	if err != nil {
		return nil, err
	}

	start := p.now()
	sub, err := client.retrieveSubscription(ctx, subscriptionID)
	err = translateError(err, entitle.ErrSubscriptionNotFound)
	p.observe(endpointSubscription, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", subscriptionID, err)
	}

	snapshot := snapshotFromSDK(sub)
	return &snapshot, nil
}

// ListSubscriptions implements entitle.BillingClient. Subscriptions in every status are returned.
func (p *Provider) ListSubscriptions(ctx context.Context, customerID string, limit int) ([]entitle.SubscriptionSnapshot, error) {
	client, err := p.client()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = entitle.DefaultSyncPageSize
	}

	start := p.now()
	subs, err := client.listSubscriptions(ctx, customerID, limit)
	err = translateError(err, nil)
	p.observe(endpointSubscriptions, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for customer %s: %w", customerID, err)
	}

	snapshots := make([]entitle.SubscriptionSnapshot, 0, len(subs))
	for _, sub := range subs {
		if sub != nil {
			snapshots = append(snapshots, snapshotFromSDK(sub))
		}
	}
	return snapshots, nil
}

// FindCustomerByEmail implements entitle.BillingClient and returns the first match.
func (p *Provider) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	client, err := p.client()
	if err != nil {
		return "", err
	}
	if email == "" {
		return "", entitle.ErrCustomerNotFound
	}

	start := p.now()
	customers, err := client.listCustomersByEmail(ctx, email, 1)
	err = translateError(err, nil)
	if err == nil && (len(customers) == 0 || customers[0] == nil) {
		err = entitle.ErrCustomerNotFound
	}
	p.observe(endpointCustomers, start, err)
	if err != nil {
		return "", err
	}
	return customers[0].ID, nil
}

// translateError maps Stripe API errors onto entitle errors. A missing resource
// becomes notFound when given; everything else is a provider failure.
func translateError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if notFound != nil && (stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing) {
			return fmt.Errorf("%w: %s", notFound, stripeErr.Msg)
		}
		return fmt.Errorf("%w: stripe %s (status %d): %s",
			entitle.ErrProviderUnavailable, stripeErr.Type, stripeErr.HTTPStatusCode, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", entitle.ErrProviderUnavailable, err)
}

// snapshotFromSDK converts a subscription from the API or a webhook into a policy snapshot.
// Stripe reports the billing period per item; the latest item period end wins.
func snapshotFromSDK(sub *stripe.Subscription) entitle.SubscriptionSnapshot {
	snapshot := entitle.SubscriptionSnapshot{
		SubscriptionID: sub.ID,
		Status:         entitle.Status(sub.Status),
	}
	if sub.Customer != nil {
		snapshot.CustomerID = sub.Customer.ID
	}
	if sub.Created > 0 {
		snapshot.CreatedAt = time.Unix(sub.Created, 0).UTC()
	}

	var periodEnd int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	snapshot.PeriodEnd = unixTime(periodEnd)
	return snapshot
}
