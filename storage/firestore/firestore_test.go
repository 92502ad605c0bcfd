package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const testProjectID = "test-project"

// setupStorage connects to the Firestore emulator named by FIRESTORE_EMULATOR_HOST.
// Each test gets its own collections.
func setupStorage(t *testing.T) *Storage {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	storage, err := New(client, Config{
		ProfilesCollection:  "test_profiles_" + suffix,
		ProcessedCollection: "test_processed_" + suffix,
		AuditCollection:     "test_audit_" + suffix,
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return storage
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error for nil client")
	}
}

func TestProfileData_RoundTrip(t *testing.T) {
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	p := &entitle.Profile{
		UserID:             "user1",
		Email:              "a@example.com",
		CustomerID:         "cus_1",
		SubscriptionID:     "sub_1",
		SubscriptionStatus: entitle.StatusActive,
		IsPro:              true,
		CurrentPeriodEnd:   &end,
	}

	got := profileFromData("user1", profileData(p))
	if got.CustomerID != "cus_1" || got.SubscriptionStatus != entitle.StatusActive || !got.IsPro {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(end) {
		t.Errorf("Expected period end %v, got %v", end, got.CurrentPeriodEnd)
	}
	if got.LastEventAt != nil {
		t.Errorf("Expected nil LastEventAt, got %v", got.LastEventAt)
	}
}

func TestStorage_ProfileLifecycle(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	if _, err := storage.GetProfile(ctx, "user1"); !errors.Is(err, entitle.ErrProfileNotFound) {
		t.Fatalf("Expected ErrProfileNotFound, got %v", err)
	}
	if err := storage.UpdateProfile(ctx, "user1", entitle.ProfileUpdate{CustomerID: "cus_1"}); !errors.Is(err, entitle.ErrProfileNotFound) {
		t.Fatalf("Expected ErrProfileNotFound on update, got %v", err)
	}

	if err := storage.PutProfile(ctx, &entitle.Profile{UserID: "user1"}); err != nil {
		t.Fatalf("PutProfile failed: %v", err)
	}

	end := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Microsecond)
	err := storage.UpdateProfile(ctx, "user1", entitle.ProfileUpdate{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Entitlement:    entitle.NewEntitlementState(entitle.StatusActive, &end, true),
	})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}

	p, err := storage.GetProfile(ctx, "user1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if !p.IsPro || p.CustomerID != "cus_1" {
		t.Errorf("Unexpected profile: %+v", p)
	}

	userID, err := storage.FindByCustomerID(ctx, "cus_1")
	if err != nil || userID != "user1" {
		t.Errorf("FindByCustomerID = %q, %v", userID, err)
	}
	userID, err = storage.FindBySubscriptionID(ctx, "sub_1")
	if err != nil || userID != "user1" {
		t.Errorf("FindBySubscriptionID = %q, %v", userID, err)
	}
	if _, err := storage.FindByCustomerID(ctx, "cus_missing"); !errors.Is(err, entitle.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}
}

func TestStorage_LedgerConcurrentMark(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	marked := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := storage.MarkProcessed(ctx, "evt_1")
			if err == nil {
				mu.Lock()
				marked++
				mu.Unlock()
				return
			}
			if !errors.Is(err, entitle.ErrAlreadyMarked) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if marked != 1 {
		t.Errorf("Expected exactly one successful mark, got %d", marked)
	}
	done, err := storage.HasProcessed(ctx, "evt_1")
	if err != nil || !done {
		t.Errorf("HasProcessed = %v, %v", done, err)
	}
}

func TestStorage_AuditTrail(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		err := storage.LogAuditEntry(ctx, &entitle.AuditLogEntry{
			EventID:   fmt.Sprintf("evt_%d", i),
			Outcome:   entitle.OutcomeApplied,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("LogAuditEntry failed: %v", err)
		}
	}

	logs, err := storage.GetAuditLogs(ctx, entitle.AuditLogFilter{Limit: 2})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(logs) != 2 || logs[0].EventID != "evt_2" {
		t.Errorf("Expected newest two entries, got %+v", logs)
	}
}
