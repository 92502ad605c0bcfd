package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

// stubClient counts calls and answers from fixed data
type stubClient struct {
	fetchCalls atomic.Int32
	listCalls  atomic.Int32
	findCalls  atomic.Int32

	mu        sync.Mutex
	snapshots map[string]entitle.SubscriptionSnapshot
	customers map[string]string
	err       error
	gate      chan struct{}
}

func newStubClient() *stubClient {
	return &stubClient{
		snapshots: make(map[string]entitle.SubscriptionSnapshot),
		customers: make(map[string]string),
	}
}

func (s *stubClient) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubClient) FetchSubscription(ctx context.Context, id string) (*entitle.SubscriptionSnapshot, error) {
	s.fetchCalls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, entitle.ErrSubscriptionNotFound
	}
	return &snap, nil
}

func (s *stubClient) ListSubscriptions(ctx context.Context, customerID string, limit int) ([]entitle.SubscriptionSnapshot, error) {
	s.listCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []entitle.SubscriptionSnapshot
	for _, snap := range s.snapshots {
		if snap.CustomerID == customerID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *stubClient) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	s.findCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	id, ok := s.customers[email]
	if !ok {
		return "", entitle.ErrCustomerNotFound
	}
	return id, nil
}

// countingMetrics records cache and circuit breaker calls
type countingMetrics struct {
	NoopMetrics

	mu     sync.Mutex
	hits   int
	misses int
	states []string
}

func (m *countingMetrics) RecordCacheHit(_, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *countingMetrics) RecordCacheMiss(_, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func (m *countingMetrics) RecordCircuitBreakerStateChange(_, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func TestCachingClient_FetchSubscriptionCachesPositives(t *testing.T) {
	ctx := context.Background()
	stub := newStubClient()
	periodEnd := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	stub.snapshots["sub_1"] = entitle.SubscriptionSnapshot{SubscriptionID: "sub_1", Status: entitle.StatusActive, PeriodEnd: &periodEnd}
	metrics := &countingMetrics{}

	client := NewCachingClient(stub, CachingConfig{Provider: "stripe", Metrics: metrics, Cache: CacheConfig{Clock: newFakeClock()}})

	first, err := client.FetchSubscription(ctx, "sub_1")
	require.NoError(t, err)
	second, err := client.FetchSubscription(ctx, "sub_1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), stub.fetchCalls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, metrics.hits)
	assert.Equal(t, 1, metrics.misses)

	// Callers get their own copy
	*second.PeriodEnd = second.PeriodEnd.Add(time.Hour)
	third, _ := client.FetchSubscription(ctx, "sub_1")
	assert.True(t, third.PeriodEnd.Equal(periodEnd))
}

func TestCachingClient_DoesNotCacheNegatives(t *testing.T) {
	ctx := context.Background()
	stub := newStubClient()
	client := NewCachingClient(stub, CachingConfig{})

	_, err := client.FetchSubscription(ctx, "sub_missing")
	assert.ErrorIs(t, err, entitle.ErrSubscriptionNotFound)
	_, err = client.FetchSubscription(ctx, "sub_missing")
	assert.ErrorIs(t, err, entitle.ErrSubscriptionNotFound)
	assert.Equal(t, int32(2), stub.fetchCalls.Load())

	_, err = client.FindCustomerByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, entitle.ErrCustomerNotFound)
	_, _ = client.FindCustomerByEmail(ctx, "nobody@example.com")
	assert.Equal(t, int32(2), stub.findCalls.Load())
}

func TestCachingClient_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	stub := newStubClient()
	stub.snapshots["sub_1"] = entitle.SubscriptionSnapshot{SubscriptionID: "sub_1", Status: entitle.StatusActive}

	client := NewCachingClient(stub, CachingConfig{Cache: CacheConfig{TTL: 10 * time.Second, Clock: clock}})

	_, _ = client.FetchSubscription(ctx, "sub_1")
	clock.Advance(11 * time.Second)
	_, _ = client.FetchSubscription(ctx, "sub_1")

	assert.Equal(t, int32(2), stub.fetchCalls.Load())
}

func TestCachingClient_ListSubscriptionsPassesThrough(t *testing.T) {
	ctx := context.Background()
	stub := newStubClient()
	stub.snapshots["sub_1"] = entitle.SubscriptionSnapshot{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: entitle.StatusTrialing}
	client := NewCachingClient(stub, CachingConfig{})

	for i := 0; i < 3; i++ {
		subs, err := client.ListSubscriptions(ctx, "cus_1", 10)
		require.NoError(t, err)
		require.Len(t, subs, 1)
	}
	assert.Equal(t, int32(3), stub.listCalls.Load())

	// Listed snapshots refresh the single-subscription cache
	snap, err := client.FetchSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, entitle.StatusTrialing, snap.Status)
	assert.Zero(t, stub.fetchCalls.Load())
}

func TestCachingClient_FindCustomerByEmail(t *testing.T) {
	ctx := context.Background()
	stub := newStubClient()
	stub.customers["pro@example.com"] = "cus_1"
	client := NewCachingClient(stub, CachingConfig{})

	for i := 0; i < 3; i++ {
		id, err := client.FindCustomerByEmail(ctx, "pro@example.com")
		require.NoError(t, err)
		assert.Equal(t, "cus_1", id)
	}
	assert.Equal(t, int32(1), stub.findCalls.Load())
}

func TestCachingClient_CollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	stub := newStubClient()
	stub.snapshots["sub_1"] = entitle.SubscriptionSnapshot{SubscriptionID: "sub_1", Status: entitle.StatusActive}
	stub.gate = make(chan struct{})
	client := NewCachingClient(stub, CachingConfig{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.FetchSubscription(ctx, "sub_1")
			errs <- err
		}()
	}

	// Let the goroutines pile up on the in-flight call before releasing it
	require.Eventually(t, func() bool { return stub.fetchCalls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(stub.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, stub.fetchCalls.Load(), int32(10))
	assert.GreaterOrEqual(t, stub.fetchCalls.Load(), int32(1))
}

func TestCachingClient_Invalidate(t *testing.T) {
	ctx := context.Background()
	stub := newStubClient()
	stub.snapshots["sub_1"] = entitle.SubscriptionSnapshot{SubscriptionID: "sub_1", Status: entitle.StatusActive}
	client := NewCachingClient(stub, CachingConfig{})

	_, _ = client.FetchSubscription(ctx, "sub_1")
	client.Invalidate("sub_1")
	_, _ = client.FetchSubscription(ctx, "sub_1")

	assert.Equal(t, int32(2), stub.fetchCalls.Load())
	subs, _ := client.Stats()
	assert.Equal(t, 1, subs.Size)
}

func TestCachingClient_InvalidatorDropsPushedSubscriptions(t *testing.T) {
	ctx := context.Background()
	stub := newStubClient()
	stub.snapshots["sub_1"] = entitle.SubscriptionSnapshot{SubscriptionID: "sub_1", Status: entitle.StatusActive}
	stub.snapshots["sub_2"] = entitle.SubscriptionSnapshot{SubscriptionID: "sub_2", Status: entitle.StatusActive}
	client := NewCachingClient(stub, CachingConfig{})
	obs := client.Invalidator()

	_, _ = client.FetchSubscription(ctx, "sub_1")
	_, _ = client.FetchSubscription(ctx, "sub_2")

	obs.EventReceived(ctx, &entitle.BillingEvent{ID: "evt_1", Type: entitle.EventSubscriptionUpdated,
		Subscription: &entitle.SubscriptionSnapshot{SubscriptionID: "sub_1"}})
	obs.EventReceived(ctx, &entitle.BillingEvent{ID: "evt_2", Type: entitle.EventInvoicePaymentFailed,
		Invoice: &entitle.InvoicePayload{InvoiceID: "in_1", SubscriptionID: "sub_2"}})
	obs.EventReceived(ctx, &entitle.BillingEvent{ID: "evt_3", Type: "ping"})

	subs, _ := client.Stats()
	assert.Equal(t, 0, subs.Size)
}

func TestCachingClient_CheckoutAfterPushReadsLiveState(t *testing.T) {
	ctx := context.Background()
	stub := newStubClient()
	stub.snapshots["sub_1"] = entitle.SubscriptionSnapshot{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: entitle.StatusActive}
	client := NewCachingClient(stub, CachingConfig{Cache: CacheConfig{TTL: time.Hour, Clock: newFakeClock()}})

	store := memory.New()
	require.NoError(t, store.PutProfile(ctx, &entitle.Profile{UserID: "u1"}))
	engine, err := entitle.NewEngine(entitle.Config{
		Ledger:   store,
		Store:    store,
		Billing:  client,
		Observer: client.Invalidator(),
	})
	require.NoError(t, err)

	checkout := func(id string) *entitle.BillingEvent {
		return &entitle.BillingEvent{ID: id, Type: entitle.EventCheckoutCompleted,
			Checkout: &entitle.CheckoutPayload{UserID: "u1", CustomerID: "cus_1", SubscriptionID: "sub_1"}}
	}

	_, err = engine.Handle(ctx, checkout("evt_checkout_1"))
	require.NoError(t, err)

	// The subscription is canceled at the provider and the push arrives
	stub.mu.Lock()
	stub.snapshots["sub_1"] = entitle.SubscriptionSnapshot{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: entitle.StatusCanceled}
	stub.mu.Unlock()
	_, err = engine.Handle(ctx, &entitle.BillingEvent{ID: "evt_sub_1", Type: entitle.EventSubscriptionUpdated,
		Subscription: &entitle.SubscriptionSnapshot{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: entitle.StatusCanceled}})
	require.NoError(t, err)

	// A second checkout event for the same subscription must not resurrect the cached snapshot
	_, err = engine.Handle(ctx, checkout("evt_checkout_2"))
	require.NoError(t, err)

	profile, err := store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitle.StatusCanceled, profile.SubscriptionStatus)
	assert.False(t, profile.IsPro)
	assert.Equal(t, int32(2), stub.fetchCalls.Load())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(entitle.ErrSubscriptionNotFound))
	assert.True(t, IsNotFound(errors.Join(errors.New("wrapped"), entitle.ErrCustomerNotFound)))
	assert.False(t, IsNotFound(entitle.ErrProviderUnavailable))
	assert.False(t, IsNotFound(nil))
}
