// Package sqlite provides a SQLite implementation of the entitle storage interfaces
// for single-node deployments. It uses the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Storage implements entitle.ProfileStore, entitle.Ledger and entitle.AuditTrail using SQLite
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file path; ":memory:" keeps everything in memory
	Path string

	// BusyTimeout bounds how long a writer waits for the database lock (default: 30s)
	BusyTimeout time.Duration
}

// New opens (or creates) the database and initializes the schema
func New(ctx context.Context, config Config) (*Storage, error) {
	if strings.TrimSpace(config.Path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 30 * time.Second
	}

	dsn := config.Path + "?" + url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", config.BusyTimeout.Milliseconds()),
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Storage{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := s.Migrate(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close sqlite db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist
func (s *Storage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		subscription_status TEXT NOT NULL DEFAULT '',
		is_pro INTEGER NOT NULL DEFAULT 0,
		current_period_end INTEGER,
		last_event_at INTEGER,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_customer_id ON profiles(customer_id);
	CREATE INDEX IF NOT EXISTS idx_profiles_subscription_id ON profiles(subscription_id);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		processed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		logged_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_event_id ON audit_log(event_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_user_id ON audit_log(user_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const profileColumns = `user_id, email, customer_id, subscription_id, subscription_status,
	is_pro, current_period_end, last_event_at, updated_at`

// PutProfile creates or replaces a profile. Applications use it to register users.
func (s *Storage) PutProfile(ctx context.Context, p *entitle.Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("invalid profile")
	}

	stored := *p
	stored.UpdatedAt = s.now()
	if err := upsertProfile(ctx, s.db, &stored); err != nil {
		return fmt.Errorf("failed to put profile: %w", err)
	}
	return nil
}

// GetProfile implements entitle.ProfileStore
func (s *Storage) GetProfile(ctx context.Context, userID string) (*entitle.Profile, error) {
	return getProfile(ctx, s.db, userID)
}

// UpdateProfile implements entitle.ProfileStore
func (s *Storage) UpdateProfile(ctx context.Context, userID string, update entitle.ProfileUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := getProfile(ctx, tx, userID)
	if err != nil {
		return err
	}
	update.ApplyTo(p, s.now())
	if err := upsertProfile(ctx, tx, p); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile update: %w", err)
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

	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM profiles WHERE `+column+` = ? ORDER BY updated_at DESC LIMIT 1`, value,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", entitle.ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find profile by %s: %w", column, err)
	}
	return userID, nil
}

// HasProcessed implements entitle.Ledger
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM processed_events WHERE event_id = ?`, eventID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements entitle.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, processed_at) VALUES (?, ?)
			ON CONFLICT(event_id) DO NOTHING`,
		eventID, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if n == 0 {
		return entitle.ErrAlreadyMarked
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, event_id, event_type, outcome, reason, user_id, logged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, entry.EventID, string(entry.EventType), string(entry.Outcome), entry.Reason, entry.UserID, ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements entitle.AuditTrail
func (s *Storage) GetAuditLogs(ctx context.Context, filter entitle.AuditLogFilter) ([]*entitle.AuditLogEntry, error) {
	var where []string
	var args []any
	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = entitle.DefaultAuditLimit
	}

	query := `SELECT id, event_id, event_type, outcome, reason, user_id, logged_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY logged_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var results []*entitle.AuditLogEntry
	for rows.Next() {
		var e entitle.AuditLogEntry
		var eventType, outcome string
		var loggedAt int64
		if err := rows.Scan(&e.ID, &e.EventID, &eventType, &outcome, &e.Reason, &e.UserID, &loggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.EventType = entitle.EventType(eventType)
		e.Outcome = entitle.OutcomeKind(outcome)
		e.Timestamp = time.Unix(0, loggedAt).UTC()
		results = append(results, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit logs: %w", err)
	}
	return results, nil
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getProfile(ctx context.Context, q querier, userID string) (*entitle.Profile, error) {
	var p entitle.Profile
	var status string
	var isPro int
	var periodEnd, lastEvent sql.NullInt64
	var updatedAt int64

	err := q.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Email, &p.CustomerID, &p.SubscriptionID, &status,
		&isPro, &periodEnd, &lastEvent, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitle.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.SubscriptionStatus = entitle.Status(status)
	p.IsPro = isPro != 0
	p.CurrentPeriodEnd = fromNullNanos(periodEnd)
	p.LastEventAt = fromNullNanos(lastEvent)
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &p, nil
}

func upsertProfile(ctx context.Context, q querier, p *entitle.Profile) error {
	isPro := 0
	if p.IsPro {
		isPro = 1
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO profiles (`+profileColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				email = excluded.email,
				customer_id = excluded.customer_id,
				subscription_id = excluded.subscription_id,
				subscription_status = excluded.subscription_status,
				is_pro = excluded.is_pro,
				current_period_end = excluded.current_period_end,
				last_event_at = excluded.last_event_at,
				updated_at = excluded.updated_at`,
		p.UserID, p.Email, p.CustomerID, p.SubscriptionID, string(p.SubscriptionStatus),
		isPro, toNullNanos(p.CurrentPeriodEnd), toNullNanos(p.LastEventAt), p.UpdatedAt.UnixNano(),
	)
	return err
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
