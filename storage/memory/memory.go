// Package memory provides an in-memory implementation of the entitle storage interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Storage implements entitle.ProfileStore, entitle.Ledger and entitle.AuditTrail using in-memory maps
type Storage struct {
	mu             sync.RWMutex
	profiles       map[string]*entitle.Profile
	byCustomer     map[string]string
	bySubscription map[string]string
	processed      map[string]entitle.ProcessedEventRecord
	audit          []*entitle.AuditLogEntry
	now            func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		profiles:       make(map[string]*entitle.Profile),
		byCustomer:     make(map[string]string),
		bySubscription: make(map[string]string),
		processed:      make(map[string]entitle.ProcessedEventRecord),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// PutProfile creates or replaces a profile. Applications use it to register users.
func (s *Storage) PutProfile(ctx context.Context, profile *entitle.Profile) error {
	if profile == nil || profile.UserID == "" {
		return fmt.Errorf("invalid profile")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.profiles[profile.UserID]; ok {
		s.unindex(old)
	}

	// Store a copy to prevent external mutations
	p := copyProfile(profile)
	s.profiles[p.UserID] = p
	s.index(p)
	return nil
}

// GetProfile implements entitle.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitle.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, entitle.ErrProfileNotFound
	}
	return copyProfile(p), nil
}

// UpdateProfile implements entitle.ProfileStore
func (s *Storage) UpdateProfile(ctx context.Context, userID string, update entitle.ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return entitle.ErrProfileNotFound
	}

	s.unindex(p)
	update.ApplyTo(p, s.now())
	s.index(p)
	return nil
}

// FindByCustomerID implements entitle.ProfileStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if userID, ok := s.byCustomer[customerID]; ok && customerID != "" {
		return userID, nil
	}
	return "", entitle.ErrProfileNotFound
}

// FindBySubscriptionID implements entitle.ProfileStore
func (s *Storage) FindBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if userID, ok := s.bySubscription[subscriptionID]; ok && subscriptionID != "" {
		return userID, nil
	}
	return "", entitle.ErrProfileNotFound
}

// HasProcessed implements entitle.Ledger
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[eventID]
	return ok, nil
}

// MarkProcessed implements entitle.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[eventID]; ok {
		return entitle.ErrAlreadyMarked
	}
	s.processed[eventID] = entitle.ProcessedEventRecord{EventID: eventID, ProcessedAt: s.now()}
	return nil
}

// ProcessedEvents returns the number of ledger records
func (s *Storage) ProcessedEvents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processed)
}

// LogAuditEntry implements entitle.AuditTrail
func (s *Storage) LogAuditEntry(ctx context.Context, entry *entitle.AuditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	s.audit = append(s.audit, &entryCopy)
	return nil
}

// GetAuditLogs implements entitle.AuditTrail
func (s *Storage) GetAuditLogs(ctx context.Context, filter entitle.AuditLogFilter) ([]*entitle.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = entitle.DefaultAuditLimit
	}

	var results []*entitle.AuditLogEntry
	for _, entry := range s.audit {
		if filter.EventID != "" && entry.EventID != filter.EventID {
			continue
		}
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		entryCopy := *entry
		results = append(results, &entryCopy)
	}

	// Newest first; insertion order breaks timestamp ties
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = make(map[string]*entitle.Profile)
	s.byCustomer = make(map[string]string)
	s.bySubscription = make(map[string]string)
	s.processed = make(map[string]entitle.ProcessedEventRecord)
	s.audit = nil
}

func (s *Storage) index(p *entitle.Profile) {
	if p.CustomerID != "" {
		s.byCustomer[p.CustomerID] = p.UserID
	}
	if p.SubscriptionID != "" {
		s.bySubscription[p.SubscriptionID] = p.UserID
	}
}

func (s *Storage) unindex(p *entitle.Profile) {
	if s.byCustomer[p.CustomerID] == p.UserID {
		delete(s.byCustomer, p.CustomerID)
	}
	if s.bySubscription[p.SubscriptionID] == p.UserID {
		delete(s.bySubscription, p.SubscriptionID)
	}
}

func copyProfile(p *entitle.Profile) *entitle.Profile {
	c := *p
	if p.CurrentPeriodEnd != nil {
		t := *p.CurrentPeriodEnd
		c.CurrentPeriodEnd = &t
	}
	if p.LastEventAt != nil {
		t := *p.LastEventAt
		c.LastEventAt = &t
	}
	return &c
}
