// Package breaker guards calls to external services with circuit breakers.
package breaker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/logging"
)

// State represents the state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config configures one breaker.
type Config struct {
	// Name identifies the guarded service in logs, errors and metrics.
	Name string

	// FailureThreshold consecutive failures open the circuit. Default: 5
	FailureThreshold int

	// SuccessThreshold consecutive half-open successes close it again. Default: 2
	SuccessThreshold int

	// Timeout is how long the circuit stays open before a trial call. Default: 60s
	Timeout time.Duration

	Logger *zap.SugaredLogger

	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

// Defaults applied to unset Config fields.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeout          = 60 * time.Second
)

// OpenError is returned instead of calling the service while the circuit is open.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("circuit breaker for %s is OPEN, retry after %d seconds", e.Service, secs)
}

// Is makes every OpenError match errors.ErrCircuitOpen.
func (e *OpenError) Is(target error) bool {
	return target == errors.ErrCircuitOpen
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailure          *time.Time `json:"last_failure,omitempty"`
	LastSuccess          *time.Time `json:"last_success,omitempty"`
	TotalCalls           int64      `json:"total_calls"`
	TotalSuccesses       int64      `json:"total_successes"`
	TotalFailures        int64      `json:"total_failures"`
	TotalRejections      int64      `json:"total_rejections"`
}

// Breaker wraps failsafe-go's count based circuit breaker and keeps the
// counters operators look at.
type Breaker struct {
	cb      circuitbreaker.CircuitBreaker[any]
	name    string
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	stats Stats
}

// New creates a breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	b := &Breaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		logger:  logging.OrNop(cfg.Logger),
		stats:   Stats{Name: cfg.Name},
	}

	// Listeners run inside failsafe's transition, so they must not call back
	// into the failsafe breaker.
	b.cb = circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(uint(cfg.FailureThreshold)).
		WithSuccessThreshold(uint(cfg.SuccessThreshold)).
		WithDelay(cfg.Timeout).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from, to := convertState(event.OldState), convertState(event.NewState)
			b.mu.Lock()
			b.stats.ConsecutiveSuccesses = 0
			if to == StateClosed {
				b.stats.ConsecutiveFailures = 0
			}
			b.mu.Unlock()

			b.logger.Warnw("circuit breaker state change",
				"circuit_breaker", cfg.Name,
				"from_state", from.String(),
				"to_state", to.String(),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, from, to)
			}
		}).
		Build()
	return b
}

func convertState(state circuitbreaker.State) State {
	switch state {
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// Name returns the guarded service name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open circuit whose timeout elapsed
// reports HALF_OPEN once the next call is let through.
func (b *Breaker) State() State {
	return convertState(b.cb.State())
}

// Execute runs fn through the breaker. While open, fn is not invoked and an
// *OpenError is returned.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Get(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Get runs fn through b and returns its result.
func Get[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	b.mu.Lock()
	b.stats.TotalCalls++
	b.mu.Unlock()

	invoked := false
	res, err := failsafe.With[any](b.cb).Get(func() (any, error) {
		invoked = true
		v, err := fn(ctx)
		b.record(err)
		return v, err
	})
	if !invoked && errors.Is(err, circuitbreaker.ErrOpen) {
		return zero, b.reject()
	}
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// Check returns an *OpenError while the circuit is open and its timeout has
// not elapsed, without running anything.
func (b *Breaker) Check() error {
	if b.State() != StateOpen {
		return nil
	}
	b.mu.Lock()
	waiting := b.stats.LastFailure != nil && time.Since(*b.stats.LastFailure) < b.timeout
	if waiting {
		b.stats.TotalCalls++
	}
	b.mu.Unlock()
	if !waiting {
		return nil
	}
	return b.reject()
}

func (b *Breaker) record(err error) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.stats.TotalFailures++
		b.stats.ConsecutiveFailures++
		b.stats.ConsecutiveSuccesses = 0
		b.stats.LastFailure = &now
		return
	}
	b.stats.TotalSuccesses++
	b.stats.ConsecutiveSuccesses++
	b.stats.ConsecutiveFailures = 0
	b.stats.LastSuccess = &now
}

func (b *Breaker) reject() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.TotalRejections++
	retry := b.timeout
	if b.stats.LastFailure != nil {
		retry = b.timeout - time.Since(*b.stats.LastFailure)
	}
	if retry < 0 {
		retry = 0
	}
	return &OpenError{Service: b.name, RetryAfter: retry}
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.State = state
	return s
}

// Reset forces the circuit CLOSED and clears consecutive counters.
func (b *Breaker) Reset() {
	b.cb.Close()
	b.mu.Lock()
	b.stats.ConsecutiveFailures = 0
	b.stats.ConsecutiveSuccesses = 0
	b.mu.Unlock()
	b.logger.Infow("circuit breaker reset", "circuit_breaker", b.name)
}
