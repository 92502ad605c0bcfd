package entitle

import "time"

// EventType identifies the kind of billing event delivered by the provider.
type EventType string

const (
	// EventCheckoutCompleted is emitted when a checkout initiated by this system finishes.
	// It is the only event that carries an explicit user reference.
	EventCheckoutCompleted EventType = "checkout.session.completed"

	// EventSubscriptionCreated is emitted when the provider creates a subscription
	EventSubscriptionCreated EventType = "customer.subscription.created"

	// EventSubscriptionUpdated is emitted on any subscription state change
	EventSubscriptionUpdated EventType = "customer.subscription.updated"

	// EventSubscriptionDeleted is emitted when a subscription ends
	EventSubscriptionDeleted EventType = "customer.subscription.deleted"

	// EventInvoicePaymentFailed is emitted when a renewal charge fails
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
)

// Status is a provider-reported subscription status.
// Values outside the declared constants are treated as "other".
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// BillingEvent is an immutable, provider-authored notification of a state change.
// Exactly one of Checkout, Subscription or Invoice is set for handled event types.
type BillingEvent struct {
	// ID is globally unique per provider and is the idempotency key
	ID   string
	Type EventType

	Checkout     *CheckoutPayload
	Subscription *SubscriptionSnapshot
	Invoice      *InvoicePayload

	// CreatedAt is when the provider created the event (zero if unknown)
	CreatedAt time.Time

	// ReceivedAt is when this system received the event
	ReceivedAt time.Time
}

// CheckoutPayload is the part of a checkout-completion event this module reads.
type CheckoutPayload struct {
	SessionID      string
	UserID         string // explicit link stamped at checkout creation
	CustomerID     string
	SubscriptionID string
	CustomerEmail  string
}

// InvoicePayload is the part of an invoice event this module reads.
type InvoicePayload struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	Status         string
}

// SubscriptionSnapshot is a point-in-time view of one provider subscription.
// It is policy input only and is never persisted verbatim.
type SubscriptionSnapshot struct {
	SubscriptionID string
	CustomerID     string
	Status         Status
	PeriodEnd      *time.Time
	CreatedAt      time.Time
}

// ProcessedEventRecord marks an event id as handled. Never updated, never deleted.
type ProcessedEventRecord struct {
	EventID     string
	ProcessedAt time.Time
}

// Profile holds the entitlement fields this module owns on a user profile.
// Empty strings represent absent values.
type Profile struct {
	UserID             string
	Email              string
	CustomerID         string
	SubscriptionID     string
	SubscriptionStatus Status
	IsPro              bool
	CurrentPeriodEnd   *time.Time
	LastEventAt        *time.Time
	UpdatedAt          time.Time
}

// EntitlementState is the status-derived part of a profile write.
// Use NewEntitlementState so IsPro always agrees with Status.
type EntitlementState struct {
	Status Status
	IsPro  bool

	// PeriodEnd is written only when SetPeriodEnd is true (nil clears it)
	PeriodEnd    *time.Time
	SetPeriodEnd bool
}

// NewEntitlementState derives IsPro from status. An empty status means "no subscription".
func NewEntitlementState(status Status, periodEnd *time.Time, setPeriodEnd bool) *EntitlementState {
	return &EntitlementState{
		Status:       status,
		IsPro:        IsEntitled(status),
		PeriodEnd:    periodEnd,
		SetPeriodEnd: setPeriodEnd,
	}
}

// ProfileUpdate lists the fields to overwrite on a profile. Zero-valued fields are left untouched.
type ProfileUpdate struct {
	CustomerID     string
	SubscriptionID string
	Entitlement    *EntitlementState

	// EventAt is the creation time of the event that produced this update (nil for sync)
	EventAt *time.Time
}

// IsEmpty reports whether the update would not change anything.
func (u ProfileUpdate) IsEmpty() bool {
	return u.CustomerID == "" && u.SubscriptionID == "" && u.Entitlement == nil && u.EventAt == nil
}

// ApplyTo merges the update into p. Stores that keep whole documents use this as their merge rule.
func (u ProfileUpdate) ApplyTo(p *Profile, now time.Time) {
	if u.CustomerID != "" {
		p.CustomerID = u.CustomerID
	}
	if u.SubscriptionID != "" {
		p.SubscriptionID = u.SubscriptionID
	}
	if u.Entitlement != nil {
		p.SubscriptionStatus = u.Entitlement.Status
		p.IsPro = u.Entitlement.IsPro
		if u.Entitlement.SetPeriodEnd {
			p.CurrentPeriodEnd = copyTime(u.Entitlement.PeriodEnd)
		}
	}
	if u.EventAt != nil && (p.LastEventAt == nil || u.EventAt.After(*p.LastEventAt)) {
		p.LastEventAt = copyTime(u.EventAt)
	}
	p.UpdatedAt = now
}

// OutcomeKind classifies the result of handling one event.
type OutcomeKind string

const (
	OutcomeApplied    OutcomeKind = "applied"
	OutcomeSkipped    OutcomeKind = "skipped"
	OutcomeUnresolved OutcomeKind = "unresolved"

	// OutcomeFailed is reported to observers and the audit trail when Handle
	// returns an error. Handle itself never returns it.
	OutcomeFailed OutcomeKind = "failed"
)

// SkipReason explains an OutcomeSkipped.
type SkipReason string

const (
	SkipDuplicate      SkipReason = "duplicate"
	SkipUnhandledType  SkipReason = "unhandled_event_type"
	SkipNothingToApply SkipReason = "nothing_to_apply"
	SkipStale          SkipReason = "stale"
	SkipMissingPayload SkipReason = "missing_payload"
)

// Outcome is the structured result of Engine.Handle.
type Outcome struct {
	Kind   OutcomeKind
	Reason SkipReason
	UserID string
	Update *ProfileUpdate
}

// SyncResult is returned by Syncer.Sync.
type SyncResult struct {
	IsPro              bool   `json:"isPro"`
	SubscriptionStatus Status `json:"subscriptionStatus"`
	FoundCustomer      bool   `json:"foundCustomer"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
