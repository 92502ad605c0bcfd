package entitle_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

var errStorageDown = errors.New("storage down")

// failingStore wraps a ProfileStore and fails on selected operations
type failingStore struct {
	entitle.ProfileStore

	mu              sync.Mutex
	failFind        bool
	failGet         bool
	failNextUpdates int
	updates         int
}

func (f *failingStore) UpdateProfile(ctx context.Context, userID string, update entitle.ProfileUpdate) error {
	f.mu.Lock()
	if f.failNextUpdates > 0 {
		f.failNextUpdates--
		f.mu.Unlock()
		return errStorageDown
	}
	f.updates++
	f.mu.Unlock()
	return f.ProfileStore.UpdateProfile(ctx, userID, update)
}

func (f *failingStore) GetProfile(ctx context.Context, userID string) (*entitle.Profile, error) {
	if f.failGet {
		return nil, errStorageDown
	}
	return f.ProfileStore.GetProfile(ctx, userID)
}

func (f *failingStore) FindByCustomerID(ctx context.Context, customerID string) (string, error) {
	if f.failFind {
		return "", errStorageDown
	}
	return f.ProfileStore.FindByCustomerID(ctx, customerID)
}

func (f *failingStore) FindBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	if f.failFind {
		return "", errStorageDown
	}
	return f.ProfileStore.FindBySubscriptionID(ctx, subscriptionID)
}

func (f *failingStore) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

// failingLedger wraps a Ledger and fails on selected operations
type failingLedger struct {
	entitle.Ledger
	failHas      bool
	alreadyMarks bool
}

func (f *failingLedger) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	if f.failHas {
		return false, errStorageDown
	}
	return f.Ledger.HasProcessed(ctx, eventID)
}

func (f *failingLedger) MarkProcessed(ctx context.Context, eventID string) error {
	if f.alreadyMarks {
		return entitle.ErrAlreadyMarked
	}
	return f.Ledger.MarkProcessed(ctx, eventID)
}

// fakeBilling is an in-memory BillingClient
type fakeBilling struct {
	mu            sync.Mutex
	subscriptions map[string]entitle.SubscriptionSnapshot
	customers     map[string]string
	fetchErr      error
	listErr       error
	findErr       error
	fetchCalls    int
	lastLimit     int
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		subscriptions: make(map[string]entitle.SubscriptionSnapshot),
		customers:     make(map[string]string),
	}
}

func (f *fakeBilling) add(s entitle.SubscriptionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[s.SubscriptionID] = s
}

func (f *fakeBilling) FetchSubscription(ctx context.Context, subscriptionID string) (*entitle.SubscriptionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	s, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, entitle.ErrSubscriptionNotFound
	}
	return &s, nil
}

func (f *fakeBilling) ListSubscriptions(ctx context.Context, customerID string, limit int) ([]entitle.SubscriptionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []entitle.SubscriptionSnapshot
	for _, s := range f.subscriptions {
		if s.CustomerID == customerID && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeBilling) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return "", f.findErr
	}
	if id, ok := f.customers[email]; ok {
		return id, nil
	}
	return "", entitle.ErrCustomerNotFound
}

// recordingObserver counts lifecycle notifications
type recordingObserver struct {
	entitle.NoopObserver

	mu         sync.Mutex
	received   int
	resolved   []string
	applied    []string
	skipped    []entitle.SkipReason
	unresolved int
	failed     int
	handled    []entitle.OutcomeKind
	syncs      int
}

func (r *recordingObserver) EventReceived(context.Context, *entitle.BillingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received++
}

func (r *recordingObserver) EventResolved(_ context.Context, _ *entitle.BillingEvent, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, userID)
}

func (r *recordingObserver) EventApplied(_ context.Context, _ *entitle.BillingEvent, userID string, _ entitle.ProfileUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, userID)
}

func (r *recordingObserver) EventSkipped(_ context.Context, _ *entitle.BillingEvent, reason entitle.SkipReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, reason)
}

func (r *recordingObserver) EventUnresolved(context.Context, *entitle.BillingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unresolved++
}

func (r *recordingObserver) EventFailed(context.Context, *entitle.BillingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func (r *recordingObserver) EventHandled(_ context.Context, _ *entitle.BillingEvent, kind entitle.OutcomeKind, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, kind)
}

func (r *recordingObserver) SyncCompleted(context.Context, string, entitle.SyncResult, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs++
}

// failingAudit rejects every entry
type failingAudit struct{}

func (failingAudit) LogAuditEntry(context.Context, *entitle.AuditLogEntry) error {
	return errStorageDown
}

func (failingAudit) GetAuditLogs(context.Context, entitle.AuditLogFilter) ([]*entitle.AuditLogEntry, error) {
	return nil, errStorageDown
}

func subscriptionEvent(id string, eventType entitle.EventType, s entitle.SubscriptionSnapshot) *entitle.BillingEvent {
	return &entitle.BillingEvent{ID: id, Type: eventType, Subscription: &s}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
