package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// VerifyAndParse authenticates a raw webhook body against the Stripe-Signature
// header and translates it into a BillingEvent. Unknown event types are returned
// with no payload so the engine can record and skip them.
func (p *Provider) VerifyAndParse(payload []byte, signatureHeader string) (*entitle.BillingEvent, error) {
	if p.webhookSecret == "" {
		return nil, fmt.Errorf("webhook secret not set: %w", billing.ErrProviderNotConfigured)
	}
	if strings.TrimSpace(signatureHeader) == "" {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", entitle.ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			p.metrics.RecordWebhookError(providerName, "auth_failed")
			return nil, fmt.Errorf("%w: %v", entitle.ErrInvalidSignature, err)
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return nil, fmt.Errorf("%w: %v", entitle.ErrInvalidPayload, err)
	}

	be, err := p.translate(&event)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return nil, err
	}
	return be, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// translate maps a verified Stripe event onto the provider-neutral BillingEvent.
func (p *Provider) translate(event *stripe.Event) (*entitle.BillingEvent, error) {
	if event.ID == "" {
		return nil, fmt.Errorf("%w: event has no id", entitle.ErrInvalidPayload)
	}

	be := &entitle.BillingEvent{
		ID:         event.ID,
		Type:       entitle.EventType(event.Type),
		ReceivedAt: p.now().UTC(),
	}
	if event.Created > 0 {
		be.CreatedAt = time.Unix(event.Created, 0).UTC()
	}

	switch be.Type {
	case entitle.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := decodeObject(event, &session); err != nil {
			return nil, err
		}
		be.Checkout = checkoutPayload(&session)

	case entitle.EventSubscriptionCreated, entitle.EventSubscriptionUpdated, entitle.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decodeObject(event, &sub); err != nil {
			return nil, err
		}
		snapshot := snapshotFromSDK(&sub)
		if snapshot.PeriodEnd == nil {
			// Accounts pinned to an older API version still send the period on the subscription
			if end, ok := legacyField(event.Data.Raw, "current_period_end").(float64); ok {
				snapshot.PeriodEnd = unixTime(int64(end))
			}
		}
		be.Subscription = &snapshot

	case entitle.EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := decodeObject(event, &inv); err != nil {
			return nil, err
		}
		be.Invoice = invoicePayload(&inv, event.Data.Raw)
	}

	return be, nil
}

func decodeObject(event *stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s event %s has no data object", entitle.ErrInvalidPayload, event.Type, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", entitle.ErrInvalidPayload, event.Type, err)
	}
	return nil
}

// legacyField returns a top-level field of the raw event object that the current
// SDK types no longer model, or nil.
func legacyField(raw []byte, key string) interface{} {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields[key]
}

func checkoutPayload(s *stripe.CheckoutSession) *entitle.CheckoutPayload {
	userID := strings.TrimSpace(s.Metadata[metadataUserID])
	if userID == "" {
		userID = strings.TrimSpace(s.ClientReferenceID)
	}
	email := s.CustomerEmail
	if email == "" && s.CustomerDetails != nil {
		email = s.CustomerDetails.Email
	}

	payload := &entitle.CheckoutPayload{
		SessionID:     s.ID,
		UserID:        userID,
		CustomerEmail: email,
	}
	if s.Customer != nil {
		payload.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		payload.SubscriptionID = s.Subscription.ID
	}
	return payload
}

func invoicePayload(inv *stripe.Invoice, raw []byte) *entitle.InvoicePayload {
	payload := &entitle.InvoicePayload{
		InvoiceID: inv.ID,
		Status:    string(inv.Status),
	}
	if inv.Customer != nil {
		payload.CustomerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		payload.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}

	// Older API versions put the subscription on the invoice itself, as an id or an object
	if payload.SubscriptionID == "" {
		switch v := legacyField(raw, "subscription").(type) {
		case string:
			payload.SubscriptionID = v
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				payload.SubscriptionID = id
			}
		}
	}
	return payload
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
