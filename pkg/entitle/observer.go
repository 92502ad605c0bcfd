package entitle

import (
	"context"
	"time"
)

// Observer receives lifecycle notifications from the Engine and Syncer.
// Observers run inline and must not block; they cannot influence the outcome.
type Observer interface {
	// EventReceived is called before the ledger check
	EventReceived(ctx context.Context, event *BillingEvent)

	// EventResolved is called once the event is mapped to a user
	EventResolved(ctx context.Context, event *BillingEvent, userID string)

	// EventApplied is called after the profile write and ledger commit
	EventApplied(ctx context.Context, event *BillingEvent, userID string, update ProfileUpdate)

	// EventSkipped is called for duplicates, unhandled types and no-op events
	EventSkipped(ctx context.Context, event *BillingEvent, reason SkipReason)

	// EventUnresolved is called when no user could be found for the event
	EventUnresolved(ctx context.Context, event *BillingEvent)

	// EventFailed is called when handling returns an error; the event stays unprocessed
	EventFailed(ctx context.Context, event *BillingEvent, err error)

	// EventHandled is called last for every event with the total handling time
	EventHandled(ctx context.Context, event *BillingEvent, kind OutcomeKind, duration time.Duration)

	// SyncCompleted is called at the end of every Syncer.Sync
	SyncCompleted(ctx context.Context, userID string, result SyncResult, duration time.Duration, err error)
}

// NoopObserver ignores every notification. Embed it to implement a subset of Observer.
type NoopObserver struct{}

func (NoopObserver) EventReceived(context.Context, *BillingEvent)                            {}
func (NoopObserver) EventResolved(context.Context, *BillingEvent, string)                    {}
func (NoopObserver) EventApplied(context.Context, *BillingEvent, string, ProfileUpdate)      {}
func (NoopObserver) EventSkipped(context.Context, *BillingEvent, SkipReason)                 {}
func (NoopObserver) EventUnresolved(context.Context, *BillingEvent)                          {}
func (NoopObserver) EventFailed(context.Context, *BillingEvent, error)                       {}
func (NoopObserver) EventHandled(context.Context, *BillingEvent, OutcomeKind, time.Duration) {}
func (NoopObserver) SyncCompleted(context.Context, string, SyncResult, time.Duration, error) {}

// Observers fans every notification out to each observer in order.
type Observers []Observer

func (o Observers) EventReceived(ctx context.Context, event *BillingEvent) {
	for _, obs := range o {
		obs.EventReceived(ctx, event)
	}
}

func (o Observers) EventResolved(ctx context.Context, event *BillingEvent, userID string) {
	for _, obs := range o {
		obs.EventResolved(ctx, event, userID)
	}
}

func (o Observers) EventApplied(ctx context.Context, event *BillingEvent, userID string, update ProfileUpdate) {
	for _, obs := range o {
		obs.EventApplied(ctx, event, userID, update)
	}
}

func (o Observers) EventSkipped(ctx context.Context, event *BillingEvent, reason SkipReason) {
	for _, obs := range o {
		obs.EventSkipped(ctx, event, reason)
	}
}

func (o Observers) EventUnresolved(ctx context.Context, event *BillingEvent) {
	for _, obs := range o {
		obs.EventUnresolved(ctx, event)
	}
}

func (o Observers) EventFailed(ctx context.Context, event *BillingEvent, err error) {
	for _, obs := range o {
		obs.EventFailed(ctx, event, err)
	}
}

func (o Observers) EventHandled(ctx context.Context, event *BillingEvent, kind OutcomeKind, d time.Duration) {
	for _, obs := range o {
		obs.EventHandled(ctx, event, kind, d)
	}
}

func (o Observers) SyncCompleted(ctx context.Context, userID string, result SyncResult, d time.Duration, err error) {
	for _, obs := range o {
		obs.SyncCompleted(ctx, userID, result, d, err)
	}
}

// LoggingObserver writes every lifecycle notification to a Logger.
type LoggingObserver struct {
	Logger Logger
}

// NewLoggingObserver returns an observer that logs through logger (NoopLogger if nil).
func NewLoggingObserver(logger Logger) *LoggingObserver {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &LoggingObserver{Logger: logger}
}

func eventFields(event *BillingEvent, extra ...Field) []Field {
	fields := []Field{
		{Key: "event_id", Value: event.ID},
		{Key: "event_type", Value: string(event.Type)},
	}
	return append(fields, extra...)
}

func (l *LoggingObserver) EventReceived(_ context.Context, event *BillingEvent) {
	l.Logger.Debug("billing event received", eventFields(event)...)
}

func (l *LoggingObserver) EventResolved(_ context.Context, event *BillingEvent, userID string) {
	l.Logger.Debug("billing event resolved", eventFields(event, Field{Key: "user_id", Value: userID})...)
}

func (l *LoggingObserver) EventApplied(_ context.Context, event *BillingEvent, userID string, update ProfileUpdate) {
	fields := eventFields(event, Field{Key: "user_id", Value: userID})
	if update.Entitlement != nil {
		fields = append(fields,
			Field{Key: "status", Value: string(update.Entitlement.Status)},
			Field{Key: "is_pro", Value: update.Entitlement.IsPro},
		)
	}
	l.Logger.Info("billing event applied", fields...)
}

func (l *LoggingObserver) EventSkipped(_ context.Context, event *BillingEvent, reason SkipReason) {
	l.Logger.Debug("billing event skipped", eventFields(event, Field{Key: "reason", Value: string(reason)})...)
}

func (l *LoggingObserver) EventUnresolved(_ context.Context, event *BillingEvent) {
	l.Logger.Warn("billing event could not be linked to a user", eventFields(event)...)
}

func (l *LoggingObserver) EventFailed(_ context.Context, event *BillingEvent, err error) {
	l.Logger.Error("billing event failed", eventFields(event, Field{Key: "error", Value: err.Error()})...)
}

func (l *LoggingObserver) EventHandled(context.Context, *BillingEvent, OutcomeKind, time.Duration) {}

func (l *LoggingObserver) SyncCompleted(_ context.Context, userID string, result SyncResult, d time.Duration, err error) {
	if err != nil {
		l.Logger.Error("entitlement sync failed",
			Field{Key: "user_id", Value: userID},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}
	l.Logger.Info("entitlement synced",
		Field{Key: "user_id", Value: userID},
		Field{Key: "is_pro", Value: result.IsPro},
		Field{Key: "status", Value: string(result.SubscriptionStatus)},
		Field{Key: "found_customer", Value: result.FoundCustomer},
		Field{Key: "duration_ms", Value: d.Milliseconds()},
	)
}
