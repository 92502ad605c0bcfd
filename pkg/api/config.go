package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	defaultMaxBodyBytes    = 256 * 1024
	defaultRateLimit       = 100
	defaultRateLimitWindow = time.Minute
	defaultSignatureHeader = "Stripe-Signature"
	defaultProvider        = "stripe"
)

// SessionCreator creates hosted billing pages for a user. The Stripe provider implements it.
type SessionCreator interface {
	CheckoutURL(ctx context.Context, profile *entitle.Profile, successURL, cancelURL string) (string, error)
	PortalURL(ctx context.Context, profile *entitle.Profile, returnURL string) (string, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	// Engine applies verified webhook events (required)
	Engine *entitle.Engine

	// Verifier authenticates webhook payloads (required)
	Verifier entitle.EventVerifier

	// Syncer serves the pull reconciliation endpoint (required)
	Syncer *entitle.Syncer

	// Store is read by the status and session endpoints (required)
	Store entitle.ProfileStore

	// GetUserID extracts the authenticated user ID from an HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// Sessions enables the checkout and portal endpoints (optional)
	Sessions SessionCreator

	// SuccessURL, CancelURL and ReturnURL are passed to Sessions
	SuccessURL string
	CancelURL  string
	ReturnURL  string

	// Provider labels metrics (default: "stripe")
	Provider string

	// SignatureHeader carries the webhook signature (default: "Stripe-Signature")
	SignatureHeader string

	// MaxBodyBytes caps webhook bodies (default: 256KB)
	MaxBodyBytes int64

	// RateLimit is the number of webhook requests allowed per client IP and window (default: 100/minute)
	RateLimit       int
	RateLimitWindow time.Duration

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Metrics is an optional recorder for webhook metrics
	Metrics billing.Metrics

	// Logger is used for structured logging (default: entitle.NoopLogger)
	Logger entitle.Logger

	// Now is the time source (default: time.Now)
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}
	if c.Syncer == nil {
		return fmt.Errorf("syncer is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("maxBodyBytes cannot be negative")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Provider == "" {
		c.Provider = defaultProvider
	}
	if c.SignatureHeader == "" {
		c.SignatureHeader = defaultSignatureHeader
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = defaultRateLimitWindow
	}
	if c.Metrics == nil {
		c.Metrics = &billing.NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &entitle.NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.setDefaults()

	return &Handler{
		config:  config,
		limiter: NewRateLimiter(config.RateLimit, config.RateLimitWindow, config.Now),
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
