package main

import (
	"context"
	"fmt"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/internal/config"
	"github.com/mihaimyh/goentitle/pkg/entitle"
	entitlezerolog "github.com/mihaimyh/goentitle/pkg/entitle/logger/zerolog"
	"github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/gorm"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
	"github.com/mihaimyh/goentitle/storage/redis"
	"github.com/mihaimyh/goentitle/storage/sqlite"
	"github.com/mihaimyh/goentitle/storage/tiered"
)

// hotLedgerTTL bounds how long the Redis ledger remembers an event when it fronts a durable driver
const hotLedgerTTL = 7 * 24 * time.Hour

// profileWriter is implemented by every store; the server uses it to register users.
type profileWriter interface {
	PutProfile(ctx context.Context, p *entitle.Profile) error
}

// backend bundles the storage roles chosen by storage.driver.
type backend struct {
	store   entitle.ProfileStore
	writer  profileWriter
	ledger  entitle.Ledger
	audit   entitle.AuditTrail
	migrate func(ctx context.Context) error
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// storage is the method set shared by all store implementations
type storage interface {
	entitle.ProfileStore
	entitle.Ledger
	entitle.AuditTrail
	profileWriter
}

func (b *backend) use(s storage) {
	b.store = s
	b.writer = s
	b.ledger = s
	b.audit = s
}

func noMigration(driver string, logger zerolog.Logger) func(context.Context) error {
	return func(context.Context) error {
		logger.Info().Str("driver", driver).Msg("Driver has no schema to migrate")
		return nil
	}
}

// openBackend connects the configured driver.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	b := &backend{migrate: noMigration(cfg.Storage.Driver, logger)}
	adapter := entitlezerolog.NewLogger(&logger).With("storage")

	switch cfg.Storage.Driver {
	case "memory":
		b.use(memory.New())

	case "postgres":
		pc := postgres.DefaultConfig()
		pc.ConnectionString = cfg.Storage.DSN
		pc.Logger = adapter
		s, err := postgres.New(ctx, pc)
		if err != nil {
			return nil, err
		}
		b.use(s)
		b.migrate = s.Migrate
		b.closers = append(b.closers, s.Close)

	case "redis":
		client := newRedisClient(cfg)
		s, err := redis.New(client, redis.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		b.use(s)
		b.closers = append(b.closers, func() { _ = s.Close() })

	case "firestore":
		client, err := gcpfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		b.use(s)
		b.closers = append(b.closers, func() { _ = client.Close() })

	case "sqlite":
		s, err := sqlite.New(ctx, sqlite.Config{Path: cfg.Storage.DSN})
		if err != nil {
			return nil, err
		}
		b.use(s)
		b.migrate = s.Migrate
		b.closers = append(b.closers, func() { _ = s.Close() })

	case "mysql":
		db, err := gorm.Open(gorm.DriverMySQL, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		s, err := gorm.New(db)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, err
		}
		b.use(s)
		b.migrate = s.Migrate
		b.closers = append(b.closers, func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Storage.HotLedger {
		if err := b.addHotLedger(cfg, adapter); err != nil {
			b.close()
			return nil, err
		}
	}

	return b, nil
}

// addHotLedger fronts the durable ledger with Redis.
func (b *backend) addHotLedger(cfg *config.Config, logger entitle.Logger) error {
	client := newRedisClient(cfg)
	rc := redis.DefaultConfig()
	rc.LedgerTTL = hotLedgerTTL
	hot, err := redis.New(client, rc)
	if err != nil {
		_ = client.Close()
		return err
	}

	ledger, err := tiered.New(tiered.Config{
		Hot:            hot,
		Cold:           b.ledger,
		AsyncWriteBack: true,
		AsyncErrorHandler: func(err error) {
			logger.Warn("Hot ledger write-back failed", entitle.Field{Key: "error", Value: err.Error()})
		},
	})
	if err != nil {
		_ = client.Close()
		return err
	}

	b.ledger = ledger
	b.closers = append(b.closers, func() { _ = client.Close() }, func() { _ = ledger.Close() })
	return nil
}

func newRedisClient(cfg *config.Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
