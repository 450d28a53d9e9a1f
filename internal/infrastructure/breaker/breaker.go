package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/errors"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject calls
	StateHalfOpen              // Testing recovery
)

// String returns a human-readable label for the circuit state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Fallback is invoked instead of failing when the circuit is open.
type Fallback func(ctx context.Context, cause error) (any, error)

// Config tunes a breaker.
type Config struct {
	FailureThreshold int           // consecutive failures to trip (default 5)
	ResetTimeout     time.Duration // wait before probing (default 30s)
	Fallback         Fallback      // optional, called on open-circuit rejection
}

// Breaker is a named circuit breaker. When calls through it fail
// consecutively beyond the threshold, the circuit opens and subsequent calls
// are rejected without reaching the dependency. After the reset timeout one
// probe is allowed; its outcome decides between closing and re-opening.
type Breaker struct {
	name     string
	mu       sync.Mutex
	state    State
	failures int // consecutive failures in the current closed period

	threshold    int
	resetTimeout time.Duration
	nextAttempt  time.Time
	probing      bool // a half-open probe is in flight
	fallback     Fallback

	// Lifetime counters for observability.
	totalFailures  int64
	totalSuccesses int64
	fallbackCalls  int64
	lastFailure    time.Time
	lastSuccess    time.Time
}

// New creates a breaker with the given thresholds.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:         name,
		state:        StateClosed,
		threshold:    cfg.FailureThreshold,
		resetTimeout: cfg.ResetTimeout,
		fallback:     cfg.Fallback,
	}
}

// Name returns the breaker's registry key.
func (b *Breaker) Name() string { return b.name }

// allow decides whether a call may proceed. It transitions OPEN → HALF_OPEN
// when the reset timeout has elapsed, and admits a single probe in half-open.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().Before(b.nextAttempt) {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// recordSuccess resets the failure count; a successful half-open probe closes
// the circuit.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.totalSuccesses++
	b.lastSuccess = time.Now()
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
	}
}

// recordFailure counts a failure, tripping the circuit at the threshold and
// re-opening immediately on a failed probe.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.totalFailures++
	b.lastFailure = time.Now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.probing = false
		b.nextAttempt = time.Now().Add(b.resetTimeout)
		return
	}

	if b.failures >= b.threshold {
		b.state = StateOpen
		b.nextAttempt = time.Now().Add(b.resetTimeout)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the circuit back to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Execute runs fn through the breaker. When the circuit is open it does not
// invoke fn: the fallback result is returned if one is configured, otherwise
// a CircuitOpenError.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn through breaker b, preserving fn's result type.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if !b.allow() {
		open := errors.NewCircuitOpen(b.name)
		if b.fallback != nil {
			b.mu.Lock()
			b.fallbackCalls++
			b.mu.Unlock()
			v, err := b.fallback(ctx, open)
			if err != nil {
				return zero, err
			}
			typed, ok := v.(T)
			if !ok {
				return zero, errors.NewInternal("circuit fallback returned unexpected type", nil)
			}
			return typed, nil
		}
		return zero, open
	}

	out, err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return zero, err
	}
	b.recordSuccess()
	return out, nil
}

// Snapshot is a point-in-time view of a breaker for capability reporting.
type Snapshot struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Failures            int64  `json:"failures"` // lifetime total
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Successes           int64  `json:"successes"`
	FallbackCalls       int64  `json:"fallbackCalls"`
	LastFailure         string `json:"lastFailure,omitempty"`
	LastSuccess         string `json:"lastSuccess,omitempty"`
}

// Snapshot returns the breaker's current state and lifetime counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		Failures:            b.totalFailures,
		ConsecutiveFailures: b.failures,
		Successes:           b.totalSuccesses,
		FallbackCalls:       b.fallbackCalls,
	}
	if !b.lastFailure.IsZero() {
		s.LastFailure = b.lastFailure.UTC().Format(time.RFC3339)
	}
	if !b.lastSuccess.IsZero() {
		s.LastSuccess = b.lastSuccess.UTC().Format(time.RFC3339)
	}
	return s
}
