package entitle

import (
	"testing"
	"time"
)

func TestIsEntitled(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusActive, true},
		{StatusTrialing, true},
		{StatusPastDue, true},
		{StatusCanceled, false},
		{"incomplete", false},
		{"incomplete_expired", false},
		{"unpaid", false},
		{"paused", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsEntitled(tt.status); got != tt.want {
			t.Errorf("IsEntitled(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestStatusPriority(t *testing.T) {
	if !(StatusPriority(StatusActive) > StatusPriority(StatusTrialing) &&
		StatusPriority(StatusTrialing) > StatusPriority(StatusPastDue) &&
		StatusPriority(StatusPastDue) > StatusPriority(StatusCanceled)) {
		t.Error("priority order must be active > trialing > past_due > other")
	}
	if StatusPriority("unpaid") != 0 {
		t.Errorf("unknown status priority = %d, want 0", StatusPriority("unpaid"))
	}
}

func TestSelectBest_Empty(t *testing.T) {
	if got := SelectBest(nil); got != nil {
		t.Errorf("SelectBest(nil) = %+v, want nil", got)
	}
	if got := SelectBest([]SubscriptionSnapshot{}); got != nil {
		t.Errorf("SelectBest([]) = %+v, want nil", got)
	}
}

func TestSelectBest_PriorityDominatesRecency(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	candidates := []SubscriptionSnapshot{
		{SubscriptionID: "sub_new", Status: StatusCanceled, CreatedAt: t1},
		{SubscriptionID: "sub_old", Status: StatusActive, CreatedAt: t0},
	}

	best := SelectBest(candidates)
	if best == nil || best.SubscriptionID != "sub_old" {
		t.Fatalf("SelectBest = %+v, want sub_old", best)
	}

	// Input order is preserved
	if candidates[0].SubscriptionID != "sub_new" {
		t.Error("SelectBest reordered its input")
	}
}

func TestSelectBest_RecencyBreaksTies(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	candidates := []SubscriptionSnapshot{
		{SubscriptionID: "sub_a", Status: StatusActive, CreatedAt: t0},
		{SubscriptionID: "sub_b", Status: StatusActive, CreatedAt: t0.Add(time.Hour)},
		{SubscriptionID: "sub_c", Status: StatusTrialing, CreatedAt: t0.Add(2 * time.Hour)},
	}

	best := SelectBest(candidates)
	if best == nil || best.SubscriptionID != "sub_b" {
		t.Fatalf("SelectBest = %+v, want sub_b", best)
	}
}

func TestSelectBest_ReturnsCopy(t *testing.T) {
	candidates := []SubscriptionSnapshot{{SubscriptionID: "sub_a", Status: StatusActive}}
	best := SelectBest(candidates)
	best.Status = StatusCanceled
	if candidates[0].Status != StatusActive {
		t.Error("SelectBest returned a pointer into its input")
	}
}

func TestProfileUpdate_ApplyTo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oldEnd := now.Add(-time.Hour)
	newer := now.Add(-time.Minute)
	older := now.Add(-time.Hour)

	p := &Profile{
		UserID:           "u1",
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		CurrentPeriodEnd: &oldEnd,
		LastEventAt:      &newer,
	}

	ProfileUpdate{
		SubscriptionID: "sub_2",
		Entitlement:    NewEntitlementState(StatusCanceled, nil, true),
		EventAt:        &older,
	}.ApplyTo(p, now)

	if p.CustomerID != "cus_1" {
		t.Errorf("CustomerID = %q, want untouched", p.CustomerID)
	}
	if p.SubscriptionID != "sub_2" {
		t.Errorf("SubscriptionID = %q, want sub_2", p.SubscriptionID)
	}
	if p.IsPro || p.SubscriptionStatus != StatusCanceled {
		t.Errorf("status = %s/%v, want canceled/false", p.SubscriptionStatus, p.IsPro)
	}
	if p.CurrentPeriodEnd != nil {
		t.Error("SetPeriodEnd with nil should clear the period end")
	}
	if !p.LastEventAt.Equal(newer) {
		t.Errorf("LastEventAt moved backwards to %v", p.LastEventAt)
	}
	if !p.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", p.UpdatedAt, now)
	}
}

func TestProfileUpdate_IsEmpty(t *testing.T) {
	if !(ProfileUpdate{}).IsEmpty() {
		t.Error("zero update should be empty")
	}
	if (ProfileUpdate{CustomerID: "cus_1"}).IsEmpty() {
		t.Error("update with customer id should not be empty")
	}
}
