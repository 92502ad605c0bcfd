package entitle

import "errors"

var (
	// ErrAlreadyMarked is returned by Ledger.MarkProcessed when the event id already has a record.
	// Callers treat it exactly like "already processed".
	ErrAlreadyMarked = errors.New("event already marked as processed")

	// ErrProfileNotFound is returned when no profile matches a user, customer or subscription id
	ErrProfileNotFound = errors.New("profile not found")

	// ErrSubscriptionNotFound is returned by BillingClient when the provider has no such subscription
	ErrSubscriptionNotFound = errors.New("subscription not found in billing provider")

	// ErrCustomerNotFound is returned by BillingClient when no customer matches a lookup
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrInvalidSignature is returned when an event payload fails authenticity verification
	ErrInvalidSignature = errors.New("invalid event signature")

	// ErrInvalidPayload is returned when a verified payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrProviderUnavailable is returned when the billing provider cannot be reached
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrStorageUnavailable is returned when the profile or ledger store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidEvent is returned for events without an id
	ErrInvalidEvent = errors.New("invalid billing event")
)
