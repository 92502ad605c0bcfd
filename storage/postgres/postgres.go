// Package postgres provides a PostgreSQL implementation of the entitle storage interfaces.
// The ledger relies on the processed_events primary key for atomic create-if-absent,
// and profile updates are single UPDATE statements.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Storage implements entitle.ProfileStore, entitle.Ledger and entitle.AuditTrail using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger entitle.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate runs the embedded migrations in New
	AutoMigrate bool

	// Audit retention. Ledger records are never deleted.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	AuditRetention  time.Duration

	Logger entitle.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		AuditRetention:  90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &entitle.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      config.Logger,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.AuditRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate applies the embedded schema migrations
func (s *Storage) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const profileColumns = `user_id, email, customer_id, subscription_id, subscription_status,
	is_pro, current_period_end, last_event_at, updated_at`

// PutProfile creates or replaces a profile. Applications use it to register users.
func (s *Storage) PutProfile(ctx context.Context, p *entitle.Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("invalid profile")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (`+profileColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id) DO UPDATE SET
				email = EXCLUDED.email,
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				subscription_status = EXCLUDED.subscription_status,
				is_pro = EXCLUDED.is_pro,
				current_period_end = EXCLUDED.current_period_end,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Email, p.CustomerID, p.SubscriptionID, string(p.SubscriptionStatus),
		p.IsPro, p.CurrentPeriodEnd, p.LastEventAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put profile: %w", err)
	}
	return nil
}

// GetProfile implements entitle.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitle.Profile, error) {
	var p entitle.Profile
	var status string

	err := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.Email, &p.CustomerID, &p.SubscriptionID, &status,
		&p.IsPro, &p.CurrentPeriodEnd, &p.LastEventAt, &p.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.SubscriptionStatus = entitle.Status(status)
	return &p, nil
}

// UpdateProfile implements entitle.ProfileStore
func (s *Storage) UpdateProfile(ctx context.Context, userID string, update entitle.ProfileUpdate) error {
	query, args := updateStatement(userID, update, time.Now().UTC())

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitle.ErrProfileNotFound
	}
	return nil
}

// updateStatement builds the single-row UPDATE for a ProfileUpdate.
// last_event_at only moves forward; GREATEST ignores the NULL of a fresh profile.
func updateStatement(userID string, u entitle.ProfileUpdate, now time.Time) (string, []any) {
	var sets []string
	args := []any{userID}

	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.CustomerID != "" {
		set("customer_id", u.CustomerID)
	}
	if u.SubscriptionID != "" {
		set("subscription_id", u.SubscriptionID)
	}
	if u.Entitlement != nil {
		set("subscription_status", string(u.Entitlement.Status))
		set("is_pro", u.Entitlement.IsPro)
		if u.Entitlement.SetPeriodEnd {
			set("current_period_end", u.Entitlement.PeriodEnd)
		}
	}
	if u.EventAt != nil {
		args = append(args, *u.EventAt)
		sets = append(sets, fmt.Sprintf("last_event_at = GREATEST(last_event_at, $%d)", len(args)))
	}
	set("updated_at", now)

	return "UPDATE profiles SET " + strings.Join(sets, ", ") + " WHERE user_id = $1", args
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

	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM profiles WHERE `+column+` = $1 ORDER BY updated_at DESC LIMIT 1`, value,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", entitle.ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find profile by %s: %w", column, err)
	}
	return userID, nil
}

// HasProcessed implements entitle.Ledger
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// MarkProcessed implements entitle.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, processed_at) VALUES ($1, $2)`,
		eventID, time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyMarked
	}
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
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
		ts = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, event_id, event_type, outcome, reason, user_id, logged_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, entry.EventID, string(entry.EventType), string(entry.Outcome), entry.Reason, entry.UserID, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements entitle.AuditTrail
func (s *Storage) GetAuditLogs(ctx context.Context, filter entitle.AuditLogFilter) ([]*entitle.AuditLogEntry, error) {
	query, args := auditQuery(filter)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var results []*entitle.AuditLogEntry
	for rows.Next() {
		var e entitle.AuditLogEntry
		var eventType, outcome string
		if err := rows.Scan(&e.ID, &e.EventID, &eventType, &outcome, &e.Reason, &e.UserID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.EventType = entitle.EventType(eventType)
		e.Outcome = entitle.OutcomeKind(outcome)
		results = append(results, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit logs: %w", err)
	}
	return results, nil
}

func auditQuery(filter entitle.AuditLogFilter) (string, []any) {
	var where []string
	var args []any

	if filter.EventID != "" {
		args = append(args, filter.EventID)
		where = append(where, fmt.Sprintf("event_id = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = entitle.DefaultAuditLimit
	}
	args = append(args, limit)

	query := `SELECT id::text, event_id, event_type, outcome, reason, user_id, logged_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY logged_at DESC LIMIT $%d", len(args))
	return query, args
}

// startCleanup runs periodic audit retention until Close is called
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Cleanup(ctx)
			if err != nil {
				s.logger.Error("audit cleanup failed", entitle.Field{Key: "error", Value: err})
				continue
			}
			if n > 0 {
				s.logger.Info("audit cleanup removed entries", entitle.Field{Key: "count", Value: n})
			}
		}
	}
}

// Cleanup deletes audit entries older than the configured retention.
// It returns the number of deleted entries.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.AuditRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.AuditRetention)

	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE logged_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}
