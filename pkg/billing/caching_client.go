package billing

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	cacheKindSubscription = "subscription"
	cacheKindCustomer     = "customer"
)

// CachingClient decorates a BillingClient with a short-lived response cache.
// Only positive results of FetchSubscription and FindCustomerByEmail are cached;
// ListSubscriptions always reaches the provider so sync reads live state.
type CachingClient struct {
	next          entitle.BillingClient
	provider      string
	subscriptions *Cache[string, entitle.SubscriptionSnapshot]
	customers     *Cache[string, string]
	group         singleflight.Group
	metrics       Metrics
}

// CachingConfig configures a CachingClient.
type CachingConfig struct {
	// Provider labels cache metrics (default: "unknown")
	Provider string

	Cache   CacheConfig
	Metrics Metrics
}

// NewCachingClient wraps next with a cache.
func NewCachingClient(next entitle.BillingClient, config CachingConfig) *CachingClient {
	if config.Provider == "" {
		config.Provider = "unknown"
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &CachingClient{
		next:          next,
		provider:      config.Provider,
		subscriptions: NewCache[string, entitle.SubscriptionSnapshot](config.Cache),
		customers:     NewCache[string, string](config.Cache),
		metrics:       config.Metrics,
	}
}

// FetchSubscription implements entitle.BillingClient.
func (c *CachingClient) FetchSubscription(ctx context.Context, subscriptionID string) (*entitle.SubscriptionSnapshot, error) {
	if s, ok := c.subscriptions.Get(subscriptionID); ok {
		c.metrics.RecordCacheHit(c.provider, cacheKindSubscription)
		return copySnapshot(s), nil
	}
	c.metrics.RecordCacheMiss(c.provider, cacheKindSubscription)

	v, err, _ := c.group.Do(cacheKindSubscription+":"+subscriptionID, func() (interface{}, error) {
		s, err := c.next.FetchSubscription(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, fmt.Errorf("%w: empty response for subscription %s", entitle.ErrProviderUnavailable, subscriptionID)
		}
		c.subscriptions.Set(subscriptionID, *s)
		return *s, nil
	})
	if err != nil {
		return nil, err
	}
	return copySnapshot(v.(entitle.SubscriptionSnapshot)), nil
}

// ListSubscriptions implements entitle.BillingClient. It is never cached.
func (c *CachingClient) ListSubscriptions(ctx context.Context, customerID string, limit int) ([]entitle.SubscriptionSnapshot, error) {
	subs, err := c.next.ListSubscriptions(ctx, customerID, limit)
	if err != nil {
		return nil, err
	}
	// Refresh single-subscription entries with what the provider just reported
	for _, s := range subs {
		c.subscriptions.Set(s.SubscriptionID, s)
	}
	return subs, nil
}

// FindCustomerByEmail implements entitle.BillingClient.
func (c *CachingClient) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	if id, ok := c.customers.Get(email); ok {
		c.metrics.RecordCacheHit(c.provider, cacheKindCustomer)
		return id, nil
	}
	c.metrics.RecordCacheMiss(c.provider, cacheKindCustomer)

	v, err, _ := c.group.Do(cacheKindCustomer+":"+email, func() (interface{}, error) {
		id, err := c.next.FindCustomerByEmail(ctx, email)
		if err != nil {
			return "", err
		}
		c.customers.Set(email, id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops any cached snapshot of subscriptionID.
func (c *CachingClient) Invalidate(subscriptionID string) {
	c.subscriptions.Invalidate(subscriptionID)
}

// Stats returns the subscription and customer cache statistics.
func (c *CachingClient) Stats() (subscriptions, customers CacheStats) {
	return c.subscriptions.Stats(), c.customers.Stats()
}

// IsNotFound reports whether err is a provider "does not exist" answer
// rather than a provider failure.
func IsNotFound(err error) bool {
	return errors.Is(err, entitle.ErrSubscriptionNotFound) || errors.Is(err, entitle.ErrCustomerNotFound)
}

func copySnapshot(s entitle.SubscriptionSnapshot) *entitle.SubscriptionSnapshot {
	if s.PeriodEnd != nil {
		t := *s.PeriodEnd
		s.PeriodEnd = &t
	}
	return &s
}

// Invalidator returns an observer that drops the cached snapshot of any subscription
// a pushed event reports on. Without it a cached snapshot can lag the provider by up
// to the cache TTL.
func (c *CachingClient) Invalidator() entitle.Observer {
	return cacheInvalidator{client: c}
}

type cacheInvalidator struct {
	entitle.NoopObserver
	client *CachingClient
}

func (i cacheInvalidator) EventReceived(_ context.Context, event *entitle.BillingEvent) {
	switch {
	case event.Subscription != nil && event.Subscription.SubscriptionID != "":
		i.client.Invalidate(event.Subscription.SubscriptionID)
	case event.Invoice != nil && event.Invoice.SubscriptionID != "":
		i.client.Invalidate(event.Invoice.SubscriptionID)
	}
}
