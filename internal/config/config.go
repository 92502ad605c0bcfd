// Package config loads the entitled server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. ENTITLE_STORAGE_DSN
const EnvPrefix = "ENTITLE"

// Config holds all server configuration
type Config struct {
	Env      string `validate:"oneof=development staging production test"`
	LogLevel string `validate:"oneof=debug info warn error"`

	HTTP      HTTPConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Firestore FirestoreConfig
	Stripe    StripeConfig
	Cache     CacheConfig
	Sync      SyncConfig
	Engine    EngineConfig
	NATS      NATSConfig
	Metrics   MetricsConfig
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Addr            string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// StorageConfig selects the profile store, ledger and audit backend
type StorageConfig struct {
	Driver string `validate:"oneof=memory postgres redis firestore sqlite mysql"`

	// DSN is the connection string for postgres and mysql, or the file path for sqlite
	DSN string

	// HotLedger puts the Redis ledger in front of a durable driver
	HotLedger bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

// FirestoreConfig holds Firestore settings
type FirestoreConfig struct {
	ProjectID string
}

// StripeConfig holds Stripe credentials and checkout settings
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	PriceID       string
	SuccessURL    string
	CancelURL     string
	ReturnURL     string
}

// CacheConfig sizes the subscription cache in front of Stripe
type CacheConfig struct {
	Size int           `validate:"gte=0"`
	TTL  time.Duration `validate:"gte=0"`
}

// SyncConfig tunes pull reconciliation
type SyncConfig struct {
	PageSize int `validate:"gt=0,lte=100"`
}

// EngineConfig tunes the event engine
type EngineConfig struct {
	RejectStaleEvents bool
}

// NATSConfig enables outcome publishing when URL is set
type NATSConfig struct {
	URL     string
	Subject string
}

// MetricsConfig configures Prometheus collectors
type MetricsConfig struct {
	Namespace string `validate:"required"`
}

// Load reads configuration with this priority (highest first):
//  1. Environment variables with the ENTITLE_ prefix (a .env file is loaded into the environment)
//  2. The config file at path, when path is not empty
//  3. Built-in defaults
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Env:      v.GetString("env"),
		LogLevel: strings.ToLower(v.GetString("log_level")),
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Storage: StorageConfig{
			Driver:    strings.ToLower(v.GetString("storage.driver")),
			DSN:       v.GetString("storage.dsn"),
			HotLedger: v.GetBool("storage.hot_ledger"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Firestore: FirestoreConfig{
			ProjectID: v.GetString("firestore.project_id"),
		},
		Stripe: StripeConfig{
			APIKey:        v.GetString("stripe.api_key"),
			WebhookSecret: v.GetString("stripe.webhook_secret"),
			PriceID:       v.GetString("stripe.price_id"),
			SuccessURL:    v.GetString("stripe.success_url"),
			CancelURL:     v.GetString("stripe.cancel_url"),
			ReturnURL:     v.GetString("stripe.return_url"),
		},
		Cache: CacheConfig{
			Size: v.GetInt("cache.size"),
			TTL:  v.GetDuration("cache.ttl"),
		},
		Sync: SyncConfig{
			PageSize: v.GetInt("sync.page_size"),
		},
		Engine: EngineConfig{
			RejectStaleEvents: v.GetBool("engine.reject_stale_events"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("nats.url"),
			Subject: v.GetString("nats.subject"),
		},
		Metrics: MetricsConfig{
			Namespace: v.GetString("metrics.namespace"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.hot_ledger", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("firestore.project_id", "")
	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.price_id", "")
	v.SetDefault("stripe.success_url", "")
	v.SetDefault("stripe.cancel_url", "")
	v.SetDefault("stripe.return_url", "")
	v.SetDefault("cache.size", 1000)
	// Pushed events invalidate entries early; the TTL bounds changes not yet pushed
	v.SetDefault("cache.ttl", 30*time.Second)
	v.SetDefault("sync.page_size", 10)
	v.SetDefault("engine.reject_stale_events", false)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "entitle.outcomes")
	v.SetDefault("metrics.namespace", "entitle")
}

// Validate checks field constraints and the settings each storage driver needs
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Storage.Driver {
	case "postgres", "mysql", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("invalid configuration: storage.dsn is required for driver %s", c.Storage.Driver)
		}
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("invalid configuration: redis.addr is required for driver redis")
		}
	case "firestore":
		if c.Firestore.ProjectID == "" {
			return errors.New("invalid configuration: firestore.project_id is required for driver firestore")
		}
	}

	if c.Storage.HotLedger && (c.Storage.Driver == "memory" || c.Storage.Driver == "redis") {
		return errors.New("invalid configuration: storage.hot_ledger needs a durable driver")
	}
	return nil
}

// IsProduction reports whether the server runs in production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
