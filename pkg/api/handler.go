package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const maxUserIDLen = 255

// Handler provides the HTTP endpoints of the entitlement service
type Handler struct {
	config  Config
	limiter *RateLimiter
}

// WebhookHandler returns the rate-limited webhook endpoint
func (h *Handler) WebhookHandler() http.Handler {
	return h.limiter.Middleware(http.HandlerFunc(h.Webhook))
}

// Webhook authenticates a provider delivery and hands it to the engine.
// Applied, skipped and unresolved events are acknowledged with 200 so the provider
// stops retrying; storage failures answer 500 so it retries later.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	start := h.config.Now()
	setSecurityHeaders(w)
	provider := h.config.Provider

	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	body, err := ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			h.config.Metrics.RecordWebhookError(provider, "payload_too_large")
			h.handleError(w, r, err, http.StatusRequestEntityTooLarge)
			return
		}
		h.config.Metrics.RecordWebhookError(provider, "invalid_payload")
		h.handleError(w, r, fmt.Errorf("invalid payload: %w", err), http.StatusBadRequest)
		return
	}

	event, err := h.config.Verifier.VerifyAndParse(body, r.Header.Get(h.config.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, entitle.ErrInvalidSignature):
			h.config.Logger.Warn("rejected webhook with invalid signature",
				entitle.Field{Key: "remote_ip", Value: GetClientIP(r)})
			h.handleError(w, r, entitle.ErrInvalidSignature, http.StatusBadRequest)
		case errors.Is(err, entitle.ErrInvalidPayload):
			h.handleError(w, r, entitle.ErrInvalidPayload, http.StatusBadRequest)
		case errors.Is(err, billing.ErrProviderNotConfigured):
			h.handleError(w, r, fmt.Errorf("webhook not configured"), http.StatusServiceUnavailable)
		default:
			h.config.Logger.Error("webhook verification failed", entitle.Field{Key: "error", Value: err})
			h.handleError(w, r, fmt.Errorf("webhook verification failed"), http.StatusInternalServerError)
		}
		return
	}

	eventType := string(event.Type)
	outcome, err := h.config.Engine.Handle(r.Context(), event)
	h.config.Metrics.RecordWebhookProcessingDuration(provider, eventType, h.config.Now().Sub(start))
	if err != nil {
		h.config.Logger.Error("failed to process webhook",
			entitle.Field{Key: "event_id", Value: event.ID},
			entitle.Field{Key: "event_type", Value: eventType},
			entitle.Field{Key: "error", Value: err},
		)
		h.config.Metrics.RecordWebhookEvent(provider, eventType, "error")
		h.config.Metrics.RecordWebhookError(provider, "processing_error")
		h.handleError(w, r, fmt.Errorf("failed to process webhook"), http.StatusInternalServerError)
		return
	}

	h.config.Metrics.RecordWebhookEvent(provider, eventType, string(outcome.Kind))
	_ = WriteJSON(w, http.StatusOK, WebhookResponse{Received: true, Outcome: outcome.Kind, Reason: outcome.Reason})
}

// Sync reconciles the calling user's entitlement against the provider.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	result, err := h.config.Syncer.Sync(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, entitle.ErrProfileNotFound):
			h.handleError(w, r, entitle.ErrProfileNotFound, http.StatusNotFound)
		case errors.Is(err, entitle.ErrProviderUnavailable), errors.Is(err, billing.ErrCircuitOpen):
			h.handleError(w, r, entitle.ErrProviderUnavailable, http.StatusServiceUnavailable)
		default:
			h.config.Logger.Error("sync failed",
				entitle.Field{Key: "user_id", Value: userID},
				entitle.Field{Key: "error", Value: err},
			)
			h.handleError(w, r, fmt.Errorf("sync failed"), http.StatusInternalServerError)
		}
		return
	}

	_ = WriteJSON(w, http.StatusOK, result)
}

// Status returns the stored entitlement of the calling user.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	profile, ok := h.profile(w, r)
	if !ok {
		return
	}

	resp := StatusResponse{
		UserID:             profile.UserID,
		IsPro:              profile.IsPro,
		SubscriptionStatus: profile.SubscriptionStatus,
		CurrentPeriodEnd:   profile.CurrentPeriodEnd,
	}
	if !profile.UpdatedAt.IsZero() {
		updated := profile.UpdatedAt
		resp.UpdatedAt = &updated
	}
	_ = WriteJSON(w, http.StatusOK, resp)
}

// Checkout creates a checkout session for the calling user.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	h.session(w, r, func(p *entitle.Profile) (string, error) {
		return h.config.Sessions.CheckoutURL(r.Context(), p, h.config.SuccessURL, h.config.CancelURL)
	})
}

// Portal creates a customer portal session for the calling user.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	h.session(w, r, func(p *entitle.Profile) (string, error) {
		return h.config.Sessions.PortalURL(r.Context(), p, h.config.ReturnURL)
	})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request, create func(*entitle.Profile) (string, error)) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if h.config.Sessions == nil {
		h.handleError(w, r, fmt.Errorf("billing sessions not configured"), http.StatusNotImplemented)
		return
	}
	profile, ok := h.profile(w, r)
	if !ok {
		return
	}

	url, err := create(profile)
	if err != nil {
		h.config.Logger.Error("failed to create billing session",
			entitle.Field{Key: "user_id", Value: profile.UserID},
			entitle.Field{Key: "error", Value: err},
		)
		status := http.StatusBadGateway
		if !errors.Is(err, entitle.ErrProviderUnavailable) {
			status = http.StatusUnprocessableEntity
		}
		h.handleError(w, r, fmt.Errorf("failed to create billing session"), status)
		return
	}
	_ = WriteJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// userID extracts and validates the caller's id, writing the error reply when absent.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) (*entitle.Profile, bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return nil, false
	}

	profile, err := h.config.Store.GetProfile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, entitle.ErrProfileNotFound) {
			h.handleError(w, r, entitle.ErrProfileNotFound, http.StatusNotFound)
			return nil, false
		}
		h.config.Logger.Error("failed to load profile",
			entitle.Field{Key: "user_id", Value: userID},
			entitle.Field{Key: "error", Value: err},
		)
		h.handleError(w, r, fmt.Errorf("failed to load profile"), http.StatusInternalServerError)
		return nil, false
	}
	return profile, true
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	_ = WriteJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

var startedAt = time.Now()

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	_ = WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(startedAt).Round(time.Second).String(),
	})
}
