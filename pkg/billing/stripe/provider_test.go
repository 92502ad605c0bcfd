package stripe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testPriceID             = "price_pro_monthly"
)

// fakeAPI is an in-memory stand-in for the Stripe SDK
type fakeAPI struct {
	mu            sync.Mutex
	subscriptions map[string]*stripe.Subscription
	customers     []*stripe.Customer
	err           error

	lastLimit    int
	lastEmail    string
	lastCheckout *stripe.CheckoutSessionCreateParams
	lastPortal   *stripe.BillingPortalSessionCreateParams
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{subscriptions: make(map[string]*stripe.Subscription)}
}

func (f *fakeAPI) retrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: 404, Code: stripe.ErrorCodeResourceMissing, Msg: "No such subscription: '" + id + "'"}
	}
	return sub, nil
}

func (f *fakeAPI) listSubscriptions(_ context.Context, customerID string, limit int) ([]*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []*stripe.Subscription
	for _, sub := range f.subscriptions {
		if sub.Customer != nil && sub.Customer.ID == customerID && len(out) < limit {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeAPI) listCustomersByEmail(_ context.Context, email string, limit int) ([]*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastEmail = email
	if f.err != nil {
		return nil, f.err
	}
	var out []*stripe.Customer
	for _, c := range f.customers {
		if c.Email == email && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeAPI) createCheckoutSession(_ context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCheckout = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func (f *fakeAPI) createPortalSession(_ context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPortal = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.BillingPortalSession{ID: "bps_1", URL: "https://billing.stripe.com/p/session/bps_1"}, nil
}

// apiMetrics records API call statuses
type apiMetrics struct {
	billing.NoopMetrics

	mu       sync.Mutex
	calls    []string
	webhooks []string
}

func (m *apiMetrics) RecordAPICall(_, endpoint, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, endpoint+" "+status)
}

func (m *apiMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, errorType)
}

func newTestProvider(t *testing.T, fake *fakeAPI, metrics billing.Metrics) *Provider {
	t.Helper()
	p, err := NewProvider(Config{
		Config: billing.Config{
			APIKey:        testStripeAPIKey,
			WebhookSecret: testStripeWebhookSecret,
			Metrics:       metrics,
		},
		PriceID: testPriceID,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if fake != nil {
		p.api = fake
	}
	return p
}

func testSubscription(id, customerID string, status stripe.SubscriptionStatus, created int64, periodEnds ...int64) *stripe.Subscription {
	sub := &stripe.Subscription{
		ID:       id,
		Customer: &stripe.Customer{ID: customerID},
		Status:   status,
		Created:  created,
		Items:    &stripe.SubscriptionItemList{},
	}
	for _, end := range periodEnds {
		sub.Items.Data = append(sub.Items.Data, &stripe.SubscriptionItem{CurrentPeriodEnd: end})
	}
	return sub
}

func TestProvider_Name(t *testing.T) {
	p := newTestProvider(t, nil, nil)
	if p.Name() != "stripe" {
		t.Errorf("Expected name 'stripe', got %s", p.Name())
	}
}

func TestProvider_NewProvider_InvalidConfig(t *testing.T) {
	_, err := NewProvider(Config{Config: billing.Config{APIKey: "  ", WebhookSecret: ""}})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured, got %v", err)
	}

	// Webhook-only providers are allowed but cannot query the API
	p, err := NewProvider(Config{Config: billing.Config{WebhookSecret: testStripeWebhookSecret}})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	_, err = p.FetchSubscription(context.Background(), "sub_1")
	if !errors.Is(err, entitle.ErrProviderUnavailable) || !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("Expected provider unavailable, got %v", err)
	}
}

func TestProvider_FetchSubscription(t *testing.T) {
	fake := newFakeAPI()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fake.subscriptions["sub_1"] = testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusTrialing, created.Unix(), 1775000000, 1776000000)
	metrics := &apiMetrics{}
	p := newTestProvider(t, fake, metrics)

	snapshot, err := p.FetchSubscription(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("FetchSubscription failed: %v", err)
	}
	if snapshot.SubscriptionID != "sub_1" || snapshot.CustomerID != "cus_1" || snapshot.Status != entitle.StatusTrialing {
		t.Errorf("Unexpected snapshot: %+v", snapshot)
	}
	if !snapshot.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", snapshot.CreatedAt, created)
	}
	if snapshot.PeriodEnd == nil || snapshot.PeriodEnd.Unix() != 1776000000 {
		t.Errorf("Expected latest item period end, got %v", snapshot.PeriodEnd)
	}
	if len(metrics.calls) != 1 || metrics.calls[0] != endpointSubscription+" success" {
		t.Errorf("Unexpected metrics: %v", metrics.calls)
	}
}

func TestProvider_FetchSubscription_NotFound(t *testing.T) {
	metrics := &apiMetrics{}
	p := newTestProvider(t, newFakeAPI(), metrics)

	_, err := p.FetchSubscription(context.Background(), "sub_missing")
	if !errors.Is(err, entitle.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
	if errors.Is(err, entitle.ErrProviderUnavailable) {
		t.Error("Not found must not be reported as provider failure")
	}
	if metrics.calls[0] != endpointSubscription+" not_found" {
		t.Errorf("Unexpected metrics: %v", metrics.calls)
	}
}

func TestProvider_FetchSubscription_ProviderError(t *testing.T) {
	fake := newFakeAPI()
	fake.err = &stripe.Error{HTTPStatusCode: 500, Type: stripe.ErrorTypeAPI, Msg: "internal"}
	p := newTestProvider(t, fake, nil)

	_, err := p.FetchSubscription(context.Background(), "sub_1")
	if !errors.Is(err, entitle.ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}

	fake.err = context.DeadlineExceeded
	_, err = p.FetchSubscription(context.Background(), "sub_1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error to pass through, got %v", err)
	}
}

func TestProvider_ListSubscriptions(t *testing.T) {
	fake := newFakeAPI()
	fake.subscriptions["sub_1"] = testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 100)
	fake.subscriptions["sub_2"] = testSubscription("sub_2", "cus_1", stripe.SubscriptionStatusCanceled, 50)
	fake.subscriptions["sub_3"] = testSubscription("sub_3", "cus_2", stripe.SubscriptionStatusActive, 10)
	p := newTestProvider(t, fake, nil)

	snapshots, err := p.ListSubscriptions(context.Background(), "cus_1", 10)
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("Expected 2 subscriptions in any status, got %d", len(snapshots))
	}
	if best := entitle.SelectBest(snapshots); best == nil || best.SubscriptionID != "sub_1" {
		t.Errorf("Expected sub_1 to win, got %+v", best)
	}

	_, _ = p.ListSubscriptions(context.Background(), "cus_1", 0)
	if fake.lastLimit != entitle.DefaultSyncPageSize {
		t.Errorf("Expected default page size, got %d", fake.lastLimit)
	}
}

func TestProvider_FindCustomerByEmail(t *testing.T) {
	fake := newFakeAPI()
	fake.customers = []*stripe.Customer{
		{ID: "cus_first", Email: "pro@example.com"},
		{ID: "cus_second", Email: "pro@example.com"},
	}
	p := newTestProvider(t, fake, nil)
	ctx := context.Background()

	id, err := p.FindCustomerByEmail(ctx, "pro@example.com")
	if err != nil || id != "cus_first" {
		t.Errorf("FindCustomerByEmail = %q, %v; want first match", id, err)
	}

	if _, err := p.FindCustomerByEmail(ctx, "nobody@example.com"); !errors.Is(err, entitle.ErrCustomerNotFound) {
		t.Errorf("Expected ErrCustomerNotFound, got %v", err)
	}
	if _, err := p.FindCustomerByEmail(ctx, ""); !errors.Is(err, entitle.ErrCustomerNotFound) {
		t.Errorf("Expected ErrCustomerNotFound for empty email, got %v", err)
	}
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound error
		want     error
	}{
		{"nil", nil, entitle.ErrSubscriptionNotFound, nil},
		{"404", &stripe.Error{HTTPStatusCode: 404}, entitle.ErrSubscriptionNotFound, entitle.ErrSubscriptionNotFound},
		{"resource missing", &stripe.Error{HTTPStatusCode: 400, Code: stripe.ErrorCodeResourceMissing}, entitle.ErrSubscriptionNotFound, entitle.ErrSubscriptionNotFound},
		{"404 without not-found mapping", &stripe.Error{HTTPStatusCode: 404}, nil, entitle.ErrProviderUnavailable},
		{"rate limited", &stripe.Error{HTTPStatusCode: 429}, entitle.ErrSubscriptionNotFound, entitle.ErrProviderUnavailable},
		{"network", errors.New("connection reset"), nil, entitle.ErrProviderUnavailable},
		{"canceled", context.Canceled, nil, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.err, tt.notFound)
			if tt.want == nil {
				if got != nil {
					t.Errorf("Expected nil, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestProvider_DecoratedByCacheAndBreaker(t *testing.T) {
	fake := newFakeAPI()
	fake.subscriptions["sub_1"] = testSubscription("sub_1", "cus_1", stripe.SubscriptionStatusActive, 100)
	p := newTestProvider(t, fake, nil)

	var client entitle.BillingClient = billing.NewCachingClient(
		billing.NewCircuitBreakerClient(p, billing.CircuitBreakerConfig{Provider: p.Name(), FailureThreshold: 1}),
		billing.CachingConfig{Provider: p.Name()},
	)

	// Repeated not-found answers neither open the breaker nor get cached
	for i := 0; i < 3; i++ {
		if _, err := client.FetchSubscription(context.Background(), "sub_missing"); !errors.Is(err, entitle.ErrSubscriptionNotFound) {
			t.Fatalf("Expected ErrSubscriptionNotFound, got %v", err)
		}
	}
	snapshot, err := client.FetchSubscription(context.Background(), "sub_1")
	if err != nil || snapshot.Status != entitle.StatusActive {
		t.Errorf("FetchSubscription = %+v, %v", snapshot, err)
	}
}
