// Package firestore provides a Firestore implementation of the entitle storage interfaces.
// Profile updates run in transactions; the ledger relies on Create failing with AlreadyExists.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Storage implements entitle.ProfileStore, entitle.Ledger and entitle.AuditTrail using Google Cloud Firestore
type Storage struct {
	client              *firestore.Client
	profilesCollection  string
	processedCollection string
	auditCollection     string
	now                 func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// ProfilesCollection holds one document per user, keyed by user id
	// Default: "entitle_profiles"
	ProfilesCollection string

	// ProcessedCollection holds one document per handled event id
	// Default: "entitle_processed_events"
	ProcessedCollection string

	// AuditCollection holds the audit trail
	// Default: "entitle_audit_log"
	AuditCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "entitle_profiles"
	}
	if config.ProcessedCollection == "" {
		config.ProcessedCollection = "entitle_processed_events"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "entitle_audit_log"
	}

	return &Storage{
		client:              client,
		profilesCollection:  config.ProfilesCollection,
		processedCollection: config.ProcessedCollection,
		auditCollection:     config.AuditCollection,
		now:                 func() time.Time { return time.Now().UTC() },
	}, nil
}

// PutProfile creates or replaces a profile. Applications use it to register users.
func (s *Storage) PutProfile(ctx context.Context, p *entitle.Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("invalid profile")
	}

	stored := *p
	stored.UpdatedAt = s.now()
	if _, err := s.profileDoc(p.UserID).Set(ctx, profileData(&stored)); err != nil {
		return fmt.Errorf("failed to put profile: %w", err)
	}
	return nil
}

// GetProfile implements entitle.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitle.Profile, error) {
	snap, err := s.profileDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, entitle.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if !snap.Exists() {
		return nil, entitle.ErrProfileNotFound
	}
	return profileFromData(userID, snap.Data()), nil
}

// UpdateProfile implements entitle.ProfileStore
func (s *Storage) UpdateProfile(ctx context.Context, userID string, update entitle.ProfileUpdate) error {
	ref := s.profileDoc(userID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return entitle.ErrProfileNotFound
			}
			return err
		}
		if !snap.Exists() {
			return entitle.ErrProfileNotFound
		}

		p := profileFromData(userID, snap.Data())
		update.ApplyTo(p, s.now())
		return tx.Set(ref, profileData(p))
	})
	if errors.Is(err, entitle.ErrProfileNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

// FindByCustomerID implements entitle.ProfileStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (string, error) {
	return s.findBy(ctx, "customerId", customerID)
}

// FindBySubscriptionID implements entitle.ProfileStore
func (s *Storage) FindBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	return s.findBy(ctx, "subscriptionId", subscriptionID)
}

func (s *Storage) findBy(ctx context.Context, field, value string) (string, error) {
	if value == "" {
		return "", entitle.ErrProfileNotFound
	}

	docs, err := s.client.Collection(s.profilesCollection).
		Where(field, "==", value).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return "", fmt.Errorf("failed to find profile by %s: %w", field, err)
	}
	if len(docs) == 0 {
		return "", entitle.ErrProfileNotFound
	}
	return docs[0].Ref.ID, nil
}

// HasProcessed implements entitle.Ledger
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	snap, err := s.client.Collection(s.processedCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return snap.Exists(), nil
}

// MarkProcessed implements entitle.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.client.Collection(s.processedCollection).Doc(eventID).Create(ctx, map[string]interface{}{
		"eventId":     eventID,
		"processedAt": s.now(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return entitle.ErrAlreadyMarked
	}
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// LogAuditEntry implements entitle.AuditTrail
func (s *Storage) LogAuditEntry(ctx context.Context, entry *entitle.AuditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	_, err := s.client.Collection(s.auditCollection).Doc(id).Set(ctx, map[string]interface{}{
		"eventId":   entry.EventID,
		"eventType": string(entry.EventType),
		"outcome":   string(entry.Outcome),
		"reason":    entry.Reason,
		"userId":    entry.UserID,
		"timestamp": ts,
	})
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements entitle.AuditTrail.
// Filtered queries need a composite index on the filter field and timestamp.
func (s *Storage) GetAuditLogs(ctx context.Context, filter entitle.AuditLogFilter) ([]*entitle.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = entitle.DefaultAuditLimit
	}

	q := s.client.Collection(s.auditCollection).Query
	if filter.EventID != "" {
		q = q.Where("eventId", "==", filter.EventID)
	}
	if filter.UserID != "" {
		q = q.Where("userId", "==", filter.UserID)
	}

	docs, err := q.OrderBy("timestamp", firestore.Desc).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	results := make([]*entitle.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		data := doc.Data()
		results = append(results, &entitle.AuditLogEntry{
			ID:        doc.Ref.ID,
			EventID:   getString(data, "eventId"),
			EventType: entitle.EventType(getString(data, "eventType")),
			Outcome:   entitle.OutcomeKind(getString(data, "outcome")),
			Reason:    getString(data, "reason"),
			UserID:    getString(data, "userId"),
			Timestamp: getTime(data, "timestamp"),
		})
	}
	return results, nil
}

func (s *Storage) profileDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.profilesCollection).Doc(userID)
}

// profileData is the stored document form of a profile.
// Absent times are stored as nil so they round-trip.
func profileData(p *entitle.Profile) map[string]interface{} {
	data := map[string]interface{}{
		"email":              p.Email,
		"customerId":         p.CustomerID,
		"subscriptionId":     p.SubscriptionID,
		"subscriptionStatus": string(p.SubscriptionStatus),
		"isPro":              p.IsPro,
		"currentPeriodEnd":   nil,
		"lastEventAt":        nil,
		"updatedAt":          p.UpdatedAt,
	}
	if p.CurrentPeriodEnd != nil {
		data["currentPeriodEnd"] = *p.CurrentPeriodEnd
	}
	if p.LastEventAt != nil {
		data["lastEventAt"] = *p.LastEventAt
	}
	return data
}

func profileFromData(userID string, data map[string]interface{}) *entitle.Profile {
	p := &entitle.Profile{
		UserID:             userID,
		Email:              getString(data, "email"),
		CustomerID:         getString(data, "customerId"),
		SubscriptionID:     getString(data, "subscriptionId"),
		SubscriptionStatus: entitle.Status(getString(data, "subscriptionStatus")),
		IsPro:              getBool(data, "isPro"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
	if t, ok := data["currentPeriodEnd"].(time.Time); ok {
		p.CurrentPeriodEnd = &t
	}
	if t, ok := data["lastEventAt"].(time.Time); ok {
		p.LastEventAt = &t
	}
	return p
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
