package stripe

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const (
	providerName = "stripe"

	// metadataUserID is stamped on checkout sessions and subscriptions created here
	metadataUserID = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// PriceID is the recurring price used by CheckoutURL
	PriceID string

	// Now is used for metric timings (default: time.Now)
	Now func() time.Time
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	api           api
	webhookSecret string
	priceID       string
	metrics       billing.Metrics
	logger        entitle.Logger
	now           func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider.
// At least one of APIKey and WebhookSecret must be set. Without an API key the
// provider verifies webhooks but every BillingClient call reports ErrProviderUnavailable.
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	secret := strings.TrimSpace(config.WebhookSecret)
	if apiKey == "" && secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	p := &Provider{
		webhookSecret: secret,
		priceID:       strings.TrimSpace(config.PriceID),
		metrics:       config.Metrics,
		logger:        config.Logger,
		now:           config.Now,
	}
	if p.metrics == nil {
		p.metrics = &billing.NoopMetrics{}
	}
	if p.logger == nil {
		p.logger = &entitle.NoopLogger{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	if apiKey != "" {
		p.api = &sdkAPI{client: stripe.NewClient(apiKey)}
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// client returns the API client or an error when no API key was configured
func (p *Provider) client() (api, error) {
	if p.api == nil {
		return nil, fmt.Errorf("%w: %w", entitle.ErrProviderUnavailable, billing.ErrProviderNotConfigured)
	}
	return p.api, nil
}

// observe records the outcome and latency of one API call.
func (p *Provider) observe(endpoint string, start time.Time, err error) {
	status := "success"
	switch {
	case billing.IsNotFound(err):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, p.now().Sub(start))
}
