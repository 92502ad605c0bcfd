package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/internal/config"
	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const testWebhookSecret = "whsec_test_secret"

func testConfig(t *testing.T, driver, dsn string) *config.Config {
	t.Helper()
	t.Setenv("ENTITLE_ENV", "test")
	t.Setenv("ENTITLE_STORAGE_DRIVER", driver)
	t.Setenv("ENTITLE_STORAGE_DSN", dsn)
	t.Setenv("ENTITLE_STRIPE_WEBHOOK_SECRET", testWebhookSecret)

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func signedRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestNewApp_RequiresStripeCredentials(t *testing.T) {
	t.Setenv("ENTITLE_ENV", "test")
	cfg, err := config.Load("")
	require.NoError(t, err)

	_, err = newApp(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	a := newTestApp(t, testConfig(t, "memory", ""))
	h := a.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRoutes_WebhookFlow(t *testing.T) {
	a := newTestApp(t, testConfig(t, "sqlite", filepath.Join(t.TempDir(), "entitle.db")))
	h := a.routes()
	ctx := context.Background()

	require.NoError(t, a.backend.writer.PutProfile(ctx, &entitle.Profile{UserID: "user1", CustomerID: "cus_1"}))

	// Not entitled before the subscription event
	req := httptest.NewRequest(http.MethodGet, "/entitled", nil)
	req.Header.Set(userIDHeader, "user1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	payload := `{"id": "evt_sub_1", "object": "event", "type": "customer.subscription.updated", "created": 1767225600,
		"data": {"object": {"id": "sub_1", "customer": "cus_1", "status": "active",
		"items": {"data": [{"current_period_end": 1769904000}]}}}}`

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Outcome string `json:"outcome"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "applied", resp.Outcome)

	// Redelivery is acknowledged as a duplicate
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "skipped", resp.Outcome)
	assert.Equal(t, "duplicate", resp.Reason)

	req = httptest.NewRequest(http.MethodGet, "/entitled", nil)
	req.Header.Set(userIDHeader, "user1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/billing/status", nil)
	req.Header.Set(userIDHeader, "user1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		IsPro bool `json:"is_pro"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.True(t, status.IsPro)

	logs, err := a.backend.audit.GetAuditLogs(ctx, entitle.AuditLogFilter{EventID: "evt_sub_1"})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "entitle_billing_events_received_total")
}

func TestRoutes_WebhookRejectsBadSignature(t *testing.T) {
	a := newTestApp(t, testConfig(t, "memory", ""))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id": "evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_RequireUser(t *testing.T) {
	a := newTestApp(t, testConfig(t, "memory", ""))
	h := a.routes()

	for _, path := range []string{"/billing/status", "/entitled"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestOpenBackend_Migrate(t *testing.T) {
	cfg := testConfig(t, "sqlite", filepath.Join(t.TempDir(), "entitle.db"))

	b, err := openBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.close()

	assert.NoError(t, b.migrate(context.Background()))

	cfg = testConfig(t, "memory", "")
	b, err = openBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, b.migrate(context.Background()))
}
