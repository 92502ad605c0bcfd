package entitle

import (
	"context"
	"errors"
	"fmt"
	"unicode"

	"github.com/google/uuid"
)

const maxUserIDLen = 255

// IdentityHint carries the identifiers an event offers for user resolution.
type IdentityHint struct {
	UserID         string
	CustomerID     string
	SubscriptionID string
}

// UserIDValidator reports whether an explicit user id is syntactically acceptable.
type UserIDValidator func(userID string) bool

// DefaultUserIDs accepts non-empty printable ids without whitespace, up to 255 bytes.
func DefaultUserIDs(userID string) bool {
	if userID == "" || len(userID) > maxUserIDLen {
		return false
	}
	for _, r := range userID {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// UUIDUserIDs accepts only RFC 4122 UUID strings.
func UUIDUserIDs(userID string) bool {
	_, err := uuid.Parse(userID)
	return err == nil
}

// IdentityResolver maps provider identifiers on an event to a local user.
type IdentityResolver struct {
	store    ProfileStore
	validate UserIDValidator
}

// NewIdentityResolver creates a resolver backed by store. A nil validator uses DefaultUserIDs.
func NewIdentityResolver(store ProfileStore, validate UserIDValidator) *IdentityResolver {
	if validate == nil {
		validate = DefaultUserIDs
	}
	return &IdentityResolver{store: store, validate: validate}
}

// Resolve returns the user id for hint, or "" when no user matches.
// The first match wins: explicit user id, then customer id, then subscription id.
// Store errors other than ErrProfileNotFound are returned.
func (r *IdentityResolver) Resolve(ctx context.Context, hint IdentityHint) (string, error) {
	if hint.UserID != "" && r.validate(hint.UserID) {
		return hint.UserID, nil
	}

	if hint.CustomerID != "" {
		userID, err := r.store.FindByCustomerID(ctx, hint.CustomerID)
		if err == nil && userID != "" {
			return userID, nil
		}
		if err != nil && !errors.Is(err, ErrProfileNotFound) {
			return "", fmt.Errorf("failed to look up customer %s: %w", hint.CustomerID, err)
		}
	}

	if hint.SubscriptionID != "" {
		userID, err := r.store.FindBySubscriptionID(ctx, hint.SubscriptionID)
		if err == nil && userID != "" {
			return userID, nil
		}
		if err != nil && !errors.Is(err, ErrProfileNotFound) {
			return "", fmt.Errorf("failed to look up subscription %s: %w", hint.SubscriptionID, err)
		}
	}

	return "", nil
}
