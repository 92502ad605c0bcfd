package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Config holds the collaborators of an Engine.
type Config struct {
	// Ledger records handled event ids (required)
	Ledger Ledger

	// Store persists profile fields (required)
	Store ProfileStore

	// Billing is used to fetch the subscription behind a completed checkout.
	// When nil, checkouts fall back to a provisional active status.
	Billing BillingClient

	// Audit receives one entry per handled event (optional)
	Audit AuditTrail

	// Observer receives lifecycle notifications (default: NoopObserver)
	Observer Observer

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// UserIDValidator checks explicit user ids carried by checkout events (default: DefaultUserIDs)
	UserIDValidator UserIDValidator

	// Now returns the current time (default: time.Now in UTC)
	Now func() time.Time

	// RejectStaleEvents skips status writes from events created before the last
	// event applied to the same profile. Off by default: the most recent write wins.
	RejectStaleEvents bool
}

// Engine applies billing events to profiles exactly once per event id.
type Engine struct {
	ledger      Ledger
	store       ProfileStore
	billing     BillingClient
	audit       AuditTrail
	observer    Observer
	logger      Logger
	resolver    *IdentityResolver
	now         func() time.Time
	rejectStale bool

	inflight singleflight.Group
}

// NewEngine creates an engine from config.
func NewEngine(config Config) (*Engine, error) {
	if config.Ledger == nil || config.Store == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Observer == nil {
		config.Observer = NoopObserver{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		ledger:      config.Ledger,
		store:       config.Store,
		billing:     config.Billing,
		audit:       config.Audit,
		observer:    config.Observer,
		logger:      config.Logger,
		resolver:    NewIdentityResolver(config.Store, config.UserIDValidator),
		now:         config.Now,
		rejectStale: config.RejectStaleEvents,
	}, nil
}

// Handle applies event and records it in the ledger.
//
// Duplicates, unhandled types and no-op events are reported as OutcomeSkipped and
// events that cannot be linked to a user as OutcomeUnresolved; neither is an error.
// An error means the event was not recorded and a redelivery will retry it.
//
// Concurrent calls for the same event id within this process are collapsed: one
// caller does the work and the others report a duplicate.
func (e *Engine) Handle(ctx context.Context, event *BillingEvent) (Outcome, error) {
	if event == nil || event.ID == "" {
		return Outcome{}, ErrInvalidEvent
	}

	executed := false
	v, err, _ := e.inflight.Do(event.ID, func() (interface{}, error) {
		executed = true
		return e.handle(ctx, event)
	})
	if err != nil {
		return Outcome{}, err
	}

	outcome := v.(Outcome)
	if !executed && outcome.Kind == OutcomeApplied {
		return Outcome{Kind: OutcomeSkipped, Reason: SkipDuplicate, UserID: outcome.UserID}, nil
	}
	return outcome, nil
}

func (e *Engine) handle(ctx context.Context, event *BillingEvent) (Outcome, error) {
	start := e.now()
	e.observer.EventReceived(ctx, event)

	outcome, err := e.process(ctx, event)
	if err != nil {
		e.observer.EventFailed(ctx, event, err)
		e.record(ctx, event, OutcomeFailed, err.Error(), outcome.UserID)
		e.observer.EventHandled(ctx, event, OutcomeFailed, e.now().Sub(start))
		return Outcome{}, err
	}

	switch outcome.Kind {
	case OutcomeApplied:
		e.observer.EventApplied(ctx, event, outcome.UserID, *outcome.Update)
	case OutcomeSkipped:
		e.observer.EventSkipped(ctx, event, outcome.Reason)
	case OutcomeUnresolved:
		e.observer.EventUnresolved(ctx, event)
	}
	e.record(ctx, event, outcome.Kind, string(outcome.Reason), outcome.UserID)
	e.observer.EventHandled(ctx, event, outcome.Kind, e.now().Sub(start))

	return outcome, nil
}

// process runs ledger check, planning, profile write and ledger commit.
func (e *Engine) process(ctx context.Context, event *BillingEvent) (Outcome, error) {
	processed, err := e.ledger.HasProcessed(ctx, event.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to check ledger for event %s: %w", event.ID, err)
	}
	if processed {
		return skipped(SkipDuplicate, ""), nil
	}

	outcome, err := e.plan(ctx, event)
	if err != nil {
		return outcome, err
	}
	if outcome.Kind == OutcomeUnresolved {
		return outcome, nil
	}

	if outcome.Kind == OutcomeApplied && e.rejectStale {
		outcome, err = e.checkStale(ctx, event, outcome)
		if err != nil || outcome.Kind == OutcomeUnresolved {
			return outcome, err
		}
	}

	if outcome.Kind == OutcomeApplied {
		if err := e.store.UpdateProfile(ctx, outcome.UserID, *outcome.Update); err != nil {
			if errors.Is(err, ErrProfileNotFound) {
				e.logger.Warn("resolved user has no profile",
					Field{Key: "event_id", Value: event.ID},
					Field{Key: "user_id", Value: outcome.UserID},
				)
				return Outcome{Kind: OutcomeUnresolved, UserID: outcome.UserID}, nil
			}
			return Outcome{UserID: outcome.UserID}, fmt.Errorf("failed to update profile %s: %w", outcome.UserID, err)
		}
	}

	if err := e.ledger.MarkProcessed(ctx, event.ID); err != nil && !errors.Is(err, ErrAlreadyMarked) {
		return Outcome{UserID: outcome.UserID}, fmt.Errorf("failed to mark event %s processed: %w", event.ID, err)
	}

	return outcome, nil
}

// plan decides what an event changes without writing anything.
func (e *Engine) plan(ctx context.Context, event *BillingEvent) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)

	switch event.Type {
	case EventCheckoutCompleted:
		outcome, err = e.planCheckout(ctx, event.Checkout)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		outcome, err = e.planSubscription(ctx, event.Type, event.Subscription)
	case EventInvoicePaymentFailed:
		outcome, err = e.planInvoiceFailed(ctx, event.Invoice)
	default:
		return skipped(SkipUnhandledType, ""), nil
	}

	if err != nil {
		return outcome, err
	}
	if outcome.UserID != "" {
		e.observer.EventResolved(ctx, event, outcome.UserID)
	}

	if outcome.Kind == OutcomeApplied && !event.CreatedAt.IsZero() {
		createdAt := event.CreatedAt
		outcome.Update.EventAt = &createdAt
	}
	return outcome, nil
}

func (e *Engine) planCheckout(ctx context.Context, p *CheckoutPayload) (Outcome, error) {
	if p == nil {
		return skipped(SkipMissingPayload, ""), nil
	}
	// Only checkouts carry an explicit user link; without one there is nothing to retry.
	if p.UserID == "" {
		return Outcome{Kind: OutcomeUnresolved}, nil
	}

	userID, err := e.resolver.Resolve(ctx, IdentityHint{
		UserID:         p.UserID,
		CustomerID:     p.CustomerID,
		SubscriptionID: p.SubscriptionID,
	})
	if err != nil {
		return Outcome{}, err
	}
	if userID == "" {
		return Outcome{Kind: OutcomeUnresolved}, nil
	}

	update := &ProfileUpdate{CustomerID: p.CustomerID, SubscriptionID: p.SubscriptionID}
	if p.SubscriptionID != "" {
		snapshot, err := e.fetchSubscription(ctx, p.SubscriptionID)
		if err != nil {
			// The subscription may not have propagated yet. The completed checkout is
			// enough to grant access until the lifecycle events arrive.
			e.logger.Warn("subscription fetch failed, using provisional status",
				Field{Key: "subscription_id", Value: p.SubscriptionID},
				Field{Key: "user_id", Value: userID},
				Field{Key: "error", Value: err.Error()},
			)
			update.Entitlement = NewEntitlementState(StatusActive, nil, false)
		} else {
			update.Entitlement = NewEntitlementState(snapshot.Status, snapshot.PeriodEnd, true)
			if update.CustomerID == "" {
				update.CustomerID = snapshot.CustomerID
			}
		}
	}

	if update.IsEmpty() {
		return skipped(SkipNothingToApply, userID), nil
	}
	return Outcome{Kind: OutcomeApplied, UserID: userID, Update: update}, nil
}

func (e *Engine) fetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error) {
	if e.billing == nil {
		return nil, ErrProviderUnavailable
	}
	snapshot, err := e.billing.FetchSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ErrSubscriptionNotFound
	}
	return snapshot, nil
}

func (e *Engine) planSubscription(ctx context.Context, eventType EventType, s *SubscriptionSnapshot) (Outcome, error) {
	if s == nil {
		return skipped(SkipMissingPayload, ""), nil
	}

	userID, err := e.resolver.Resolve(ctx, IdentityHint{
		CustomerID:     s.CustomerID,
		SubscriptionID: s.SubscriptionID,
	})
	if err != nil {
		return Outcome{}, err
	}
	if userID == "" {
		return Outcome{Kind: OutcomeUnresolved}, nil
	}

	status := s.Status
	if eventType == EventSubscriptionDeleted && status == "" {
		status = StatusCanceled
	}

	return Outcome{
		Kind:   OutcomeApplied,
		UserID: userID,
		Update: &ProfileUpdate{
			CustomerID:     s.CustomerID,
			SubscriptionID: s.SubscriptionID,
			Entitlement:    NewEntitlementState(status, s.PeriodEnd, true),
		},
	}, nil
}

func (e *Engine) planInvoiceFailed(ctx context.Context, inv *InvoicePayload) (Outcome, error) {
	if inv == nil {
		return skipped(SkipMissingPayload, ""), nil
	}

	userID, err := e.resolver.Resolve(ctx, IdentityHint{
		CustomerID:     inv.CustomerID,
		SubscriptionID: inv.SubscriptionID,
	})
	if err != nil {
		return Outcome{}, err
	}
	if userID == "" {
		return Outcome{Kind: OutcomeUnresolved}, nil
	}

	// A failed charge always means past_due, whatever the invoice status says.
	return Outcome{
		Kind:   OutcomeApplied,
		UserID: userID,
		Update: &ProfileUpdate{
			CustomerID:     inv.CustomerID,
			SubscriptionID: inv.SubscriptionID,
			Entitlement:    NewEntitlementState(StatusPastDue, nil, false),
		},
	}, nil
}

// checkStale turns an applied outcome into a stale skip when the profile has already
// seen a newer event.
func (e *Engine) checkStale(ctx context.Context, event *BillingEvent, outcome Outcome) (Outcome, error) {
	if event.CreatedAt.IsZero() || outcome.Update.Entitlement == nil {
		return outcome, nil
	}

	profile, err := e.store.GetProfile(ctx, outcome.UserID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return Outcome{Kind: OutcomeUnresolved, UserID: outcome.UserID}, nil
		}
		return Outcome{UserID: outcome.UserID}, fmt.Errorf("failed to load profile %s: %w", outcome.UserID, err)
	}

	if profile.LastEventAt != nil && event.CreatedAt.Before(*profile.LastEventAt) {
		return skipped(SkipStale, outcome.UserID), nil
	}
	return outcome, nil
}

// record appends an audit entry. Audit failures never fail the event.
func (e *Engine) record(ctx context.Context, event *BillingEvent, kind OutcomeKind, reason, userID string) {
	if e.audit == nil {
		return
	}

	entry := &AuditLogEntry{
		ID:        uuid.NewString(),
		EventID:   event.ID,
		EventType: event.Type,
		Outcome:   kind,
		Reason:    reason,
		UserID:    userID,
		Timestamp: e.now(),
	}
	if err := e.audit.LogAuditEntry(ctx, entry); err != nil {
		e.logger.Error("failed to write audit entry",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "error", Value: err.Error()},
		)
	}
}

func skipped(reason SkipReason, userID string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason, UserID: userID}
}
