// Package circuitbreaker provides a per-provider circuit breaker with
// closed → open → half-open state transitions and a hard per-call timeout.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: calls flow through
	StateOpen                  // Tripped: calls are short-circuited
	StateHalfOpen              // Probing: calls run to test recovery
)

// String returns the state name.
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

var (
	// ErrCircuitOpen is returned when the breaker short-circuits a call and
	// no fallback was supplied.
	ErrCircuitOpen = errors.New("circuitbreaker: circuit open")

	// ErrTimeout is returned when the wrapped operation exceeds the call timeout.
	ErrTimeout = errors.New("circuitbreaker: call timed out")

	// ErrNotCounted marks an op outcome that reflects a caller bug rather than
	// provider health. Execute returns the wrapped error unchanged but records
	// neither a success nor a failure for the call.
	ErrNotCounted = errors.New("circuitbreaker: call not counted")
)

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "enrichd",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by provider, from-state, and to-state.",
}, []string{"provider", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the circuit open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open probe
	// successes required to close the circuit again.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before a probe is allowed.
	ResetTimeout time.Duration
	// CallTimeout is the hard deadline applied to every wrapped call.
	// A timed-out call counts as a failure.
	CallTimeout time.Duration
}

// DefaultConfig returns the tuning used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Metrics counts breaker activity over the process lifetime.
type Metrics struct {
	TotalCalls      int64 `json:"totalCalls"`
	SuccessfulCalls int64 `json:"successfulCalls"`
	FailedCalls     int64 `json:"failedCalls"`
	Timeouts        int64 `json:"timeouts"`
	Opens           int64 `json:"opens"`
	Closes          int64 `json:"closes"`
}

// Snapshot is a point-in-time view of a breaker for status endpoints.
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failureCount"`
	SuccessCount  int       `json:"successCount"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitzero"`
	Metrics       Metrics   `json:"metrics"`
}

// Breaker wraps calls to a single provider. One instance exists per provider
// for the lifetime of the process; an outage observed through any request
// affects every subsequent call through the same breaker.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	nextAttemptAt time.Time
	metrics       Metrics
	onTransition  func(name string, from, to State)
}

// New creates a breaker for the named provider.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

// Name returns the provider name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs op under the breaker's policy. When the circuit is open and the
// reset timeout has not elapsed, op is never invoked: fallback runs instead,
// or ErrCircuitOpen is returned if fallback is nil. Every invocation of op
// carries a hard CallTimeout deadline; a timeout counts as a failure.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error, fallback func() error) error {
	b.mu.Lock()
	b.metrics.TotalCalls++
	if b.state == StateOpen {
		if time.Now().Before(b.nextAttemptAt) {
			b.mu.Unlock()
			if fallback != nil {
				return fallback()
			}
			return ErrCircuitOpen
		}
		// Reset timeout elapsed: this call becomes the probe.
		b.transition(StateHalfOpen)
	}
	b.mu.Unlock()

	err := b.run(ctx, op)
	if errors.Is(err, ErrNotCounted) {
		return err
	}
	if err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

// run executes op with the call timeout enforced even if op ignores its context.
func (b *Breaker) run(ctx context.Context, op func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return callCtx.Err()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.SuccessfulCalls++
	switch b.state {
	case StateClosed:
		// A single success clears closed-state failure history.
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.FailedCalls++
	if errors.Is(err, ErrTimeout) {
		b.metrics.Timeouts++
	}

	switch b.state {
	case StateHalfOpen:
		// A failed probe reopens immediately, discarding prior probe successes.
		b.transition(StateOpen)
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		NextAttemptAt: b.nextAttemptAt,
		Metrics:       b.metrics,
	}
}

// transition changes state, maintaining counters and the reset deadline.
// Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.nextAttemptAt = time.Now().Add(b.cfg.ResetTimeout)
		b.successCount = 0
		b.metrics.Opens++
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.metrics.Closes++
	case StateHalfOpen:
		b.successCount = 0
	}

	cbStateTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(b.name, from, to)
	}
}
