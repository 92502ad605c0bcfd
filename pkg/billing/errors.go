package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrCircuitOpen is returned when the circuit breaker rejects a provider call
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
