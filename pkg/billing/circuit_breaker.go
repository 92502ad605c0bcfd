package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreakerConfig configures a CircuitBreakerClient.
type CircuitBreakerConfig struct {
	// Provider labels state-change metrics (default: "unknown")
	Provider string

	// FailureThreshold is the number of consecutive failures that opens the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call is let through (default: 30s)
	ResetTimeout time.Duration

	Clock   Clock
	Metrics Metrics
	Logger  entitle.Logger
}

// CircuitBreakerClient decorates a BillingClient and fails fast with ErrCircuitOpen
// once the provider keeps failing. "Not found" answers and caller cancellations
// are not provider failures.
type CircuitBreakerClient struct {
	next entitle.BillingClient

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	provider         string
	failureThreshold int
	resetTimeout     time.Duration
	clock            Clock
	metrics          Metrics
	logger           entitle.Logger
}

// NewCircuitBreakerClient wraps next with a circuit breaker.
func NewCircuitBreakerClient(next entitle.BillingClient, config CircuitBreakerConfig) *CircuitBreakerClient {
	if config.Provider == "" {
		config.Provider = "unknown"
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &entitle.NoopLogger{}
	}

	return &CircuitBreakerClient{
		next:             next,
		state:            StateClosed,
		provider:         config.Provider,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		clock:            config.Clock,
		metrics:          config.Metrics,
		logger:           config.Logger,
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreakerClient) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreakerClient) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// FetchSubscription implements entitle.BillingClient.
func (cb *CircuitBreakerClient) FetchSubscription(ctx context.Context, subscriptionID string) (*entitle.SubscriptionSnapshot, error) {
	var s *entitle.SubscriptionSnapshot
	err := cb.execute(ctx, func() error {
		var err error
		s, err = cb.next.FetchSubscription(ctx, subscriptionID)
		return err
	})
	return s, err
}

// ListSubscriptions implements entitle.BillingClient.
func (cb *CircuitBreakerClient) ListSubscriptions(ctx context.Context, customerID string, limit int) ([]entitle.SubscriptionSnapshot, error) {
	var subs []entitle.SubscriptionSnapshot
	err := cb.execute(ctx, func() error {
		var err error
		subs, err = cb.next.ListSubscriptions(ctx, customerID, limit)
		return err
	})
	return subs, err
}

// FindCustomerByEmail implements entitle.BillingClient.
func (cb *CircuitBreakerClient) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := cb.execute(ctx, func() error {
		var err error
		id, err = cb.next.FindCustomerByEmail(ctx, email)
		return err
	})
	return id, err
}

func (cb *CircuitBreakerClient) execute(ctx context.Context, fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()
	if err == nil || IsNotFound(err) {
		cb.success()
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		cb.release()
		return err
	}
	cb.failure()
	return err
}

// allow admits the call, or rejects it while open. Half-open admits one trial call at a time.
func (cb *CircuitBreakerClient) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		cb.changeState(StateHalfOpen)
	}
	return nil
}

func (cb *CircuitBreakerClient) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false
	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

func (cb *CircuitBreakerClient) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialInFlight = false
	cb.consecutiveFailures++

	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold) {
		cb.openedAt = cb.clock.Now()
		cb.changeState(StateOpen)
	}
}

// release ends a call that says nothing about provider health.
func (cb *CircuitBreakerClient) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialInFlight = false
}

func (cb *CircuitBreakerClient) changeState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	cb.logger.Warn("billing circuit breaker state changed",
		entitle.Field{Key: "provider", Value: cb.provider},
		entitle.Field{Key: "from", Value: string(cb.state)},
		entitle.Field{Key: "to", Value: string(newState)},
	)
	cb.state = newState
	cb.metrics.RecordCircuitBreakerStateChange(cb.provider, string(newState))
}
