package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultSyncPageSize bounds how many subscriptions Sync reads per customer.
const DefaultSyncPageSize = 10

// SyncConfig holds the collaborators of a Syncer.
type SyncConfig struct {
	// Store persists profile fields (required)
	Store ProfileStore

	// Billing is queried for the customer's live subscriptions (required)
	Billing BillingClient

	// Observer receives a SyncCompleted notification per call (default: NoopObserver)
	Observer Observer

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// PageSize caps the subscriptions listed per sync (default: 10)
	PageSize int

	// Now returns the current time (default: time.Now in UTC)
	Now func() time.Time
}

// Syncer recomputes a user's entitlement from live provider state. It is the pull
// counterpart to Engine and never touches the ledger.
type Syncer struct {
	store    ProfileStore
	billing  BillingClient
	observer Observer
	logger   Logger
	pageSize int
	now      func() time.Time
}

// NewSyncer creates a syncer from config.
func NewSyncer(config SyncConfig) (*Syncer, error) {
	if config.Store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Billing == nil {
		return nil, ErrProviderUnavailable
	}

	if config.Observer == nil {
		config.Observer = NoopObserver{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultSyncPageSize
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Syncer{
		store:    config.Store,
		billing:  config.Billing,
		observer: config.Observer,
		logger:   config.Logger,
		pageSize: config.PageSize,
		now:      config.Now,
	}, nil
}

// Sync reconciles userID against the billing provider and writes the result.
// A user with no provider customer gets {IsPro: false, FoundCustomer: false} and no write.
func (s *Syncer) Sync(ctx context.Context, userID string) (SyncResult, error) {
	start := s.now()
	result, err := s.sync(ctx, userID)
	s.observer.SyncCompleted(ctx, userID, result, s.now().Sub(start), err)
	if err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

func (s *Syncer) sync(ctx context.Context, userID string) (SyncResult, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to load profile %s: %w", userID, err)
	}

	customerID := profile.CustomerID
	linked := false
	if customerID == "" && profile.Email != "" {
		// Best effort: first customer with the account email.
		found, err := s.billing.FindCustomerByEmail(ctx, profile.Email)
		switch {
		case err == nil:
			customerID = found
			linked = true
		case errors.Is(err, ErrCustomerNotFound):
		default:
			return SyncResult{}, fmt.Errorf("failed to look up customer by email: %w", err)
		}
	}

	if customerID == "" {
		return SyncResult{}, nil
	}

	subscriptions, err := s.billing.ListSubscriptions(ctx, customerID, s.pageSize)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to list subscriptions for %s: %w", customerID, err)
	}

	update := ProfileUpdate{}
	if linked {
		update.CustomerID = customerID
	}

	best := SelectBest(subscriptions)
	if best != nil {
		update.SubscriptionID = best.SubscriptionID
		update.Entitlement = NewEntitlementState(best.Status, best.PeriodEnd, true)
	} else {
		update.Entitlement = NewEntitlementState("", nil, true)
	}

	if err := s.store.UpdateProfile(ctx, userID, update); err != nil {
		return SyncResult{}, fmt.Errorf("failed to update profile %s: %w", userID, err)
	}

	s.logger.Debug("profile synced from billing provider",
		Field{Key: "user_id", Value: userID},
		Field{Key: "customer_id", Value: customerID},
		Field{Key: "subscriptions", Value: len(subscriptions)},
	)

	return SyncResult{
		IsPro:              update.Entitlement.IsPro,
		SubscriptionStatus: update.Entitlement.Status,
		FoundCustomer:      true,
	}, nil
}
