// Package entitle keeps each user's paid entitlement in line with a billing provider.
//
// Provider webhooks arrive at least once, possibly out of order. Engine.Handle
// checks the Ledger, links the event to a user through the IdentityResolver, maps
// the subscription status to an entitlement with IsEntitled, writes the profile
// and only then marks the event processed. A failed write leaves the event
// unmarked so the provider's redelivery retries it.
//
// Syncer.Sync is the pull side: it reads the customer's subscriptions from the
// BillingClient, picks one with SelectBest and overwrites the stored entitlement.
//
// Storage, the provider and telemetry sit behind the Ledger, ProfileStore,
// AuditTrail, BillingClient, EventVerifier, Observer and Logger interfaces.
// Implementations live under storage/ and pkg/billing.
package entitle
