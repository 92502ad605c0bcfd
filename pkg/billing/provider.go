package billing

import "github.com/mihaimyh/goentitle/pkg/entitle"

// Provider is the interface a billing backend implements. It both authenticates
// pushed events and answers the pull-side queries used by sync.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	entitle.EventVerifier
	entitle.BillingClient
}
