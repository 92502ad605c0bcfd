package billing

import "github.com/mihaimyh/goentitle/pkg/entitle"

// Config defines the standard configuration all providers should accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider (subscription
	// lookups, customer search, checkout sessions).
	APIKey string

	// WebhookSecret is used to verify incoming webhook signatures.
	WebhookSecret string

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics(reg, namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: entitle.NoopLogger)
	Logger entitle.Logger
}
