// Package gorm provides a GORM implementation of the entitle storage interfaces.
// It runs on PostgreSQL or MySQL, for applications that already manage their
// schema and connections through GORM.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Supported drivers for Open
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

type profileModel struct {
	UserID             string     `gorm:"column:user_id;primaryKey;size:255"`
	Email              string     `gorm:"column:email;size:320;not null;default:''"`
	CustomerID         string     `gorm:"column:customer_id;size:255;index;not null;default:''"`
	SubscriptionID     string     `gorm:"column:subscription_id;size:255;index;not null;default:''"`
	SubscriptionStatus string     `gorm:"column:subscription_status;size:32;not null;default:''"`
	IsPro              bool       `gorm:"column:is_pro;not null;default:false"`
	CurrentPeriodEnd   *time.Time `gorm:"column:current_period_end"`
	LastEventAt        *time.Time `gorm:"column:last_event_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (profileModel) TableName() string { return "profiles" }

type processedEventModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey;size:255"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (processedEventModel) TableName() string { return "processed_events" }

type auditModel struct {
	ID        string    `gorm:"column:id;primaryKey;size:36"`
	EventID   string    `gorm:"column:event_id;size:255;index"`
	EventType string    `gorm:"column:event_type;size:64"`
	Outcome   string    `gorm:"column:outcome;size:32"`
	Reason    string    `gorm:"column:reason;size:64"`
	UserID    string    `gorm:"column:user_id;size:255;index"`
	LoggedAt  time.Time `gorm:"column:logged_at;index"`
}

func (auditModel) TableName() string { return "audit_log" }

// Storage implements entitle.ProfileStore, entitle.Ledger and entitle.AuditTrail using GORM
type Storage struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects with the postgres or mysql dialector.
// Error translation is enabled so duplicate keys surface as gorm.ErrDuplicatedKey.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError:         true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	return db, nil
}

// New creates a GORM storage adapter on an open database
func New(db *gorm.DB) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	return &Storage{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate creates or updates the tables
func (s *Storage) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&profileModel{}, &processedEventModel{}, &auditModel{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// PutProfile creates or replaces a profile. Applications use it to register users.
func (s *Storage) PutProfile(ctx context.Context, p *entitle.Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("invalid profile")
	}

	m := toModel(p)
	m.UpdatedAt = s.now()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to put profile: %w", err)
	}
	return nil
}

// GetProfile implements entitle.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitle.Profile, error) {
	var m profileModel
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, entitle.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return m.profile(), nil
}

// UpdateProfile implements entitle.ProfileStore.
// The row is locked for the read-merge-write so concurrent updates serialize.
func (s *Storage) UpdateProfile(ctx context.Context, userID string, update entitle.ProfileUpdate) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m profileModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitle.ErrProfileNotFound
		}
		if err != nil {
			return err
		}

		p := m.profile()
		update.ApplyTo(p, s.now())
		next := toModel(p)

		return tx.Model(&profileModel{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
			"customer_id":         next.CustomerID,
			"subscription_id":     next.SubscriptionID,
			"subscription_status": next.SubscriptionStatus,
			"is_pro":              next.IsPro,
			"current_period_end":  next.CurrentPeriodEnd,
			"last_event_at":       next.LastEventAt,
			"updated_at":          next.UpdatedAt,
		}).Error
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
	return s.findBy(ctx, "customer_id", customerID)
}

// FindBySubscriptionID implements entitle.ProfileStore
func (s *Storage) FindBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	return s.findBy(ctx, "subscription_id", subscriptionID)
}

func (s *Storage) findBy(ctx context.Context, column, value string) (string, error) {
	if value == "" {
		return "", entitle.ErrProfileNotFound
	}

	var m profileModel
	err := s.db.WithContext(ctx).
		Select("user_id").
		Where(column+" = ?", value).
		Order("updated_at DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", entitle.ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find profile by %s: %w", column, err)
	}
	return m.UserID, nil
}

// HasProcessed implements entitle.Ledger
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&processedEventModel{}).Where("event_id = ?", eventID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements entitle.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	err := s.db.WithContext(ctx).Create(&processedEventModel{EventID: eventID, ProcessedAt: s.now()}).Error
	if isDuplicateKey(err) {
		return entitle.ErrAlreadyMarked
	}
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// isDuplicateKey also recognizes raw PostgreSQL errors for databases opened without TranslateError
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// LogAuditEntry implements entitle.AuditTrail
func (s *Storage) LogAuditEntry(ctx context.Context, entry *entitle.AuditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}
	m := auditModel{
		ID:        entry.ID,
		EventID:   entry.EventID,
		EventType: string(entry.EventType),
		Outcome:   string(entry.Outcome),
		Reason:    entry.Reason,
		UserID:    entry.UserID,
		LoggedAt:  entry.Timestamp,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.LoggedAt.IsZero() {
		m.LoggedAt = s.now()
	}

	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
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

	q := s.db.WithContext(ctx).Model(&auditModel{})
	if filter.EventID != "" {
		q = q.Where("event_id = ?", filter.EventID)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}

	var models []auditModel
	if err := q.Order("logged_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	results := make([]*entitle.AuditLogEntry, 0, len(models))
	for _, m := range models {
		results = append(results, &entitle.AuditLogEntry{
			ID:        m.ID,
			EventID:   m.EventID,
			EventType: entitle.EventType(m.EventType),
			Outcome:   entitle.OutcomeKind(m.Outcome),
			Reason:    m.Reason,
			UserID:    m.UserID,
			Timestamp: m.LoggedAt,
		})
	}
	return results, nil
}

func toModel(p *entitle.Profile) profileModel {
	return profileModel{
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

func (m profileModel) profile() *entitle.Profile {
	return &entitle.Profile{
		UserID:             m.UserID,
		Email:              m.Email,
		CustomerID:         m.CustomerID,
		SubscriptionID:     m.SubscriptionID,
		SubscriptionStatus: entitle.Status(m.SubscriptionStatus),
		IsPro:              m.IsPro,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
		LastEventAt:        m.LastEventAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
