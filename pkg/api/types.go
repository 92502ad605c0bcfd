package api

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// StatusResponse is the stored entitlement of the calling user
type StatusResponse struct {
	UserID             string         `json:"user_id"`
	IsPro              bool           `json:"is_pro"`
	SubscriptionStatus entitle.Status `json:"subscription_status"`
	CurrentPeriodEnd   *time.Time     `json:"current_period_end,omitempty"`
	UpdatedAt          *time.Time     `json:"updated_at,omitempty"`
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Received bool                `json:"received"`
	Outcome  entitle.OutcomeKind `json:"outcome"`
	Reason   entitle.SkipReason  `json:"reason,omitempty"`
}

// SessionResponse carries the URL of a hosted billing page
type SessionResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}
