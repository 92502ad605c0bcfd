package entitle

import "slices"

// IsEntitled reports whether a subscription in the given status grants Pro access.
// past_due keeps access while the provider retries payment.
func IsEntitled(status Status) bool {
	switch status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

// StatusPriority ranks candidate subscriptions of one customer. It is never used to
// order events in time.
func StatusPriority(status Status) int {
	switch status {
	case StatusActive:
		return 3
	case StatusTrialing:
		return 2
	case StatusPastDue:
		return 1
	default:
		return 0
	}
}

// SelectBest returns the highest-priority candidate, preferring the most recently created
// one among equals. Returns nil for an empty slice. The input is not reordered.
func SelectBest(candidates []SubscriptionSnapshot) *SubscriptionSnapshot {
	if len(candidates) == 0 {
		return nil
	}

	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b SubscriptionSnapshot) int {
		if pa, pb := StatusPriority(a.Status), StatusPriority(b.Status); pa != pb {
			return pb - pa
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	best := sorted[0]
	return &best
}
