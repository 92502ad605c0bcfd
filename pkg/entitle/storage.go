package entitle

import (
	"context"
	"time"
)

// Ledger is the durable set of already-handled event ids.
type Ledger interface {
	// HasProcessed reports whether a record exists for eventID
	HasProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed creates the record for eventID.
	// Must be atomic create-if-absent: when the record already exists (including a
	// concurrent insert that won the race) it returns ErrAlreadyMarked.
	MarkProcessed(ctx context.Context, eventID string) error
}

// ProfileStore persists the profile fields this module owns.
type ProfileStore interface {
	// GetProfile returns ErrProfileNotFound when the user has no profile
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// UpdateProfile overwrites only the fields set in update, in a single write.
	// Returns ErrProfileNotFound when the user has no profile.
	UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) error

	// FindByCustomerID returns the user linked to a provider customer id, or ErrProfileNotFound
	FindByCustomerID(ctx context.Context, customerID string) (string, error)

	// FindBySubscriptionID returns the user linked to a provider subscription id, or ErrProfileNotFound
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (string, error)
}

// EventVerifier authenticates and decodes raw provider payloads.
// Unverifiable payloads never reach the Engine.
type EventVerifier interface {
	// VerifyAndParse returns ErrInvalidSignature or ErrInvalidPayload (wrapped) on failure
	VerifyAndParse(payload []byte, signatureHeader string) (*BillingEvent, error)
}

// BillingClient queries the billing provider directly.
type BillingClient interface {
	// FetchSubscription returns ErrSubscriptionNotFound when the subscription does not exist
	FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionSnapshot, error)

	// ListSubscriptions returns at most limit subscriptions of the customer, in any status
	ListSubscriptions(ctx context.Context, customerID string, limit int) ([]SubscriptionSnapshot, error)

	// FindCustomerByEmail returns the first matching customer id, or ErrCustomerNotFound
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
}

// AuditLogEntry is one line of the per-event audit trail.
type AuditLogEntry struct {
	ID        string
	EventID   string
	EventType EventType
	Outcome   OutcomeKind
	Reason    string
	UserID    string
	Timestamp time.Time
}

// AuditLogFilter narrows GetAuditLogs. Zero fields are ignored.
type AuditLogFilter struct {
	EventID string
	UserID  string

	// Limit caps the result size (default: 100)
	Limit int
}

// AuditTrail records every handled event for operational visibility.
// Stores can optionally implement it.
type AuditTrail interface {
	LogAuditEntry(ctx context.Context, entry *AuditLogEntry) error

	// GetAuditLogs returns matching entries, newest first
	GetAuditLogs(ctx context.Context, filter AuditLogFilter) ([]*AuditLogEntry, error)
}

// DefaultAuditLimit is used when AuditLogFilter.Limit is zero.
const DefaultAuditLimit = 100
