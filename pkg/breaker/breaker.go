// Package breaker implements the per-provider circuit breaker isolating
// upstream channel failures.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/metrics"
	"github.com/butlerfleet/butlerd/pkg/models"
)

// State is the breaker's position in the closed → open → half_open cycle.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// CircuitOpenError is returned when a call is rejected without invoking
// the underlying function.
type CircuitOpenError struct {
	Provider       string
	OpenedAt       time.Time
	LastErrorClass models.ErrorClass
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %s since %s (last error class: %s)",
		e.Provider, e.OpenedAt.Format(time.RFC3339), e.LastErrorClass)
}

// Status is a structured snapshot for observability surfaces.
type Status struct {
	Provider            string               `json:"provider"`
	State               State                `json:"state"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	OpenedAt            *time.Time           `json:"opened_at,omitempty"`
	HalfOpenAttempts    int                  `json:"half_open_attempts"`
	HalfOpenSuccesses   int                  `json:"half_open_successes"`
	LastErrorClass      models.ErrorClass    `json:"last_error_class,omitempty"`
	LastErrorMessage    string               `json:"last_error_message,omitempty"`
	Config              config.BreakerConfig `json:"config"`
}

// Breaker guards calls to one provider. All transitions are serialized by
// the internal mutex; clock is injectable for tests.
type Breaker struct {
	provider string
	cfg      *config.BreakerConfig
	metrics  *metrics.Metrics
	now      func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
	halfOpenSuccesses   int
	lastErrorClass      models.ErrorClass
	lastErrorMessage    string
}

// New creates a closed breaker for the provider.
func New(provider string, cfg *config.BreakerConfig, m *metrics.Metrics) *Breaker {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Breaker{
		provider: provider,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		state:    StateClosed,
	}
}

// Execute runs fn under the breaker's admission policy.
//
// When open and within the recovery timeout, fn is not called and a
// CircuitOpenError is returned. Validation errors never count toward
// opening; timeout and target_unavailable count only when configured.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterCall(err)
	return err
}

// beforeCall admits or rejects the call, transitioning open → half_open
// when the recovery timeout has elapsed.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		if b.state == StateHalfOpen {
			b.halfOpenAttempts++
		}
		return nil
	}

	if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
		return &CircuitOpenError{
			Provider:       b.provider,
			OpenedAt:       b.openedAt,
			LastErrorClass: b.lastErrorClass,
		}
	}

	b.transition(StateHalfOpen)
	b.halfOpenAttempts = 1
	b.halfOpenSuccesses = 0
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.countsAsFailure(models.ClassOf(err)) {
		b.onSuccess()
		return
	}

	b.lastErrorClass = models.ClassOf(err)
	b.lastErrorMessage = err.Error()
	b.onFailure()
}

// countsAsFailure applies the error-class policy. Non-failures are treated
// as successes for state purposes.
func (b *Breaker) countsAsFailure(class models.ErrorClass) bool {
	switch class {
	case models.ErrClassValidation, models.ErrClassNotFound:
		return false
	case models.ErrClassTimeout:
		return b.cfg.CountTimeoutAsFailure()
	case models.ErrClassTargetUnavailable:
		return b.cfg.CountTargetUnavailableAsFailure()
	default:
		return true
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		// A single success erases prior failures below the threshold.
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessThreshold {
			b.transition(StateClosed)
			b.consecutiveFailures = 0
			b.halfOpenAttempts = 0
			b.halfOpenSuccesses = 0
			b.lastErrorClass = ""
			b.lastErrorMessage = ""
		} else if b.halfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
			// Probe budget exhausted without enough successes.
			b.reopen()
		}
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.reopen()
		}
	case StateHalfOpen:
		b.reopen()
	case StateOpen:
		// Late failure from a call admitted before opening; keep counters.
	}
}

func (b *Breaker) reopen() {
	b.transition(StateOpen)
	b.openedAt = b.now()
	b.halfOpenAttempts = 0
	b.halfOpenSuccesses = 0
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.metrics.BreakerTransitions.WithLabelValues(b.provider, string(to)).Inc()
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Status{
		Provider:            b.provider,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenAttempts:    b.halfOpenAttempts,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		LastErrorClass:      b.lastErrorClass,
		LastErrorMessage:    b.lastErrorMessage,
		Config:              *b.cfg,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}
