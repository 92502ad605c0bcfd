// Package redis provides a Redis implementation of the entitle storage interfaces.
// Profiles are JSON documents updated under WATCH/MULTI; the ledger uses SET NX.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// ErrTooManyConflicts is returned when a profile update keeps losing optimistic locking races
var ErrTooManyConflicts = errors.New("too many concurrent profile updates")

// Storage implements entitle.ProfileStore, entitle.Ledger and entitle.AuditTrail using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:")
	KeyPrefix string

	// LedgerTTL expires processed-event markers (0 = never).
	// A TTL shorter than the provider's retry horizon lets redeliveries apply twice.
	LedgerTTL time.Duration

	// AuditMaxEntries caps the audit list length (default: 10000)
	AuditMaxEntries int64

	// MaxRetries is the maximum number of optimistic-lock retries (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "goentitle:",
		AuditMaxEntries: 10000,
		MaxRetries:      3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.AuditMaxEntries == 0 {
		config.AuditMaxEntries = 10000
	}

	return &Storage{client: client, config: config}, nil
}

// profileRecord is the stored JSON form of a profile
type profileRecord struct {
	UserID             string     `json:"userId"`
	Email              string     `json:"email,omitempty"`
	CustomerID         string     `json:"customerId,omitempty"`
	SubscriptionID     string     `json:"subscriptionId,omitempty"`
	SubscriptionStatus string     `json:"subscriptionStatus,omitempty"`
	IsPro              bool       `json:"isPro"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	LastEventAt        *time.Time `json:"lastEventAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func toRecord(p *entitle.Profile) profileRecord {
	return profileRecord{
		UserID:             p.UserID,
		Email:              p.Email,
		CustomerID:         p.CustomerID,
		SubscriptionID:     p.SubscriptionID,
		SubscriptionStatus: string(p.SubscriptionStatus),
		IsPro:              p.IsPro,
		CurrentPeriodEnd:   p.CurrentPeriodEnd,
		LastEventAt:        p.LastEventAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func (r profileRecord) profile() *entitle.Profile {
	return &entitle.Profile{
		UserID:             r.UserID,
		Email:              r.Email,
		CustomerID:         r.CustomerID,
		SubscriptionID:     r.SubscriptionID,
		SubscriptionStatus: entitle.Status(r.SubscriptionStatus),
		IsPro:              r.IsPro,
		CurrentPeriodEnd:   r.CurrentPeriodEnd,
		LastEventAt:        r.LastEventAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// PutProfile creates or replaces a profile. Applications use it to register users.
func (s *Storage) PutProfile(ctx context.Context, p *entitle.Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("invalid profile")
	}

	stored := *p
	stored.UpdatedAt = time.Now().UTC()
	return s.writeProfile(ctx, p.UserID, func(*entitle.Profile) (*entitle.Profile, error) {
		return &stored, nil
	}, false)
}

// GetProfile implements entitle.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitle.Profile, error) {
	return s.readProfile(ctx, s.client, userID)
}

// UpdateProfile implements entitle.ProfileStore
func (s *Storage) UpdateProfile(ctx context.Context, userID string, update entitle.ProfileUpdate) error {
	return s.writeProfile(ctx, userID, func(current *entitle.Profile) (*entitle.Profile, error) {
		if current == nil {
			return nil, entitle.ErrProfileNotFound
		}
		update.ApplyTo(current, time.Now().UTC())
		return current, nil
	}, true)
}

// writeProfile runs mutate under WATCH on the profile key and rewrites the document
// and its index keys in one MULTI block, retrying on conflicts.
func (s *Storage) writeProfile(
	ctx context.Context, userID string,
	mutate func(current *entitle.Profile) (*entitle.Profile, error),
	mustExist bool,
) error {
	key := s.profileKey(userID)

	txf := func(tx *redis.Tx) error {
		current, err := s.readProfile(ctx, tx, userID)
		if err != nil && !errors.Is(err, entitle.ErrProfileNotFound) {
			return err
		}
		if errors.Is(err, entitle.ErrProfileNotFound) && mustExist {
			return entitle.ErrProfileNotFound
		}

		var previous *entitle.Profile
		if current != nil {
			p := *current
			previous = &p
		}

		next, err := mutate(current)
		if err != nil {
			return err
		}
		data, err := json.Marshal(toRecord(next))
		if err != nil {
			return fmt.Errorf("failed to marshal profile: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.reindex(ctx, pipe, previous, next)
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, entitle.ErrProfileNotFound) {
			return err
		}
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return ErrTooManyConflicts
}

// reindex moves customer and subscription lookups from previous to next
func (s *Storage) reindex(ctx context.Context, pipe redis.Pipeliner, previous, next *entitle.Profile) {
	if previous != nil {
		if previous.CustomerID != "" && previous.CustomerID != next.CustomerID {
			pipe.Del(ctx, s.customerKey(previous.CustomerID))
		}
		if previous.SubscriptionID != "" && previous.SubscriptionID != next.SubscriptionID {
			pipe.Del(ctx, s.subscriptionKey(previous.SubscriptionID))
		}
	}
	if next.CustomerID != "" {
		pipe.Set(ctx, s.customerKey(next.CustomerID), next.UserID, 0)
	}
	if next.SubscriptionID != "" {
		pipe.Set(ctx, s.subscriptionKey(next.SubscriptionID), next.UserID, 0)
	}
}

// getter is satisfied by both the client and a WATCH transaction
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Storage) readProfile(ctx context.Context, c getter, userID string) (*entitle.Profile, error) {
	data, err := c.Get(ctx, s.profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitle.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	var rec profileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return rec.profile(), nil
}

// FindByCustomerID implements entitle.ProfileStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", entitle.ErrProfileNotFound
	}
	return s.lookup(ctx, s.customerKey(customerID))
}

// FindBySubscriptionID implements entitle.ProfileStore
func (s *Storage) FindBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	if subscriptionID == "" {
		return "", entitle.ErrProfileNotFound
	}
	return s.lookup(ctx, s.subscriptionKey(subscriptionID))
}

func (s *Storage) lookup(ctx context.Context, key string) (string, error) {
	userID, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", entitle.ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up profile: %w", err)
	}
	return userID, nil
}

// HasProcessed implements entitle.Ledger
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.processedKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements entitle.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	ok, err := s.client.SetNX(ctx, s.processedKey(eventID), time.Now().UTC().Format(time.RFC3339Nano), s.config.LedgerTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if !ok {
		return entitle.ErrAlreadyMarked
	}
	return nil
}

type auditRecord struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogAuditEntry implements entitle.AuditTrail. The list is trimmed to AuditMaxEntries.
func (s *Storage) LogAuditEntry(ctx context.Context, entry *entitle.AuditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}

	rec := auditRecord{
		ID:        entry.ID,
		EventID:   entry.EventID,
		EventType: string(entry.EventType),
		Outcome:   string(entry.Outcome),
		Reason:    entry.Reason,
		UserID:    entry.UserID,
		Timestamp: entry.Timestamp,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	key := s.auditKey()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.config.AuditMaxEntries-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements entitle.AuditTrail
func (s *Storage) GetAuditLogs(ctx context.Context, filter entitle.AuditLogFilter) ([]*entitle.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = entitle.DefaultAuditLimit
	}

	items, err := s.client.LRange(ctx, s.auditKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit logs: %w", err)
	}

	var results []*entitle.AuditLogEntry
	for _, item := range items {
		var rec auditRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		if filter.EventID != "" && rec.EventID != filter.EventID {
			continue
		}
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		results = append(results, &entitle.AuditLogEntry{
			ID:        rec.ID,
			EventID:   rec.EventID,
			EventType: entitle.EventType(rec.EventType),
			Outcome:   entitle.OutcomeKind(rec.Outcome),
			Reason:    rec.Reason,
			UserID:    rec.UserID,
			Timestamp: rec.Timestamp,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func (s *Storage) profileKey(userID string) string {
	return s.config.KeyPrefix + "profile:" + userID
}

func (s *Storage) customerKey(customerID string) string {
	return s.config.KeyPrefix + "customer:" + customerID
}

func (s *Storage) subscriptionKey(subscriptionID string) string {
	return s.config.KeyPrefix + "subscription:" + subscriptionID
}

func (s *Storage) processedKey(eventID string) string {
	return s.config.KeyPrefix + "processed:" + eventID
}

func (s *Storage) auditKey() string {
	return s.config.KeyPrefix + "audit"
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
