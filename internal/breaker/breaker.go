// Package breaker implements the per-target circuit breaker guarding
// admission: a three-state machine that halts traffic to a failing target
// and periodically probes for recovery.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's position in its lifecycle.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config holds breaker thresholds. Zero values are replaced with defaults
// by New.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// DefaultConfig returns production-safe thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// Breaker is a three-state circuit breaker. One instance exists per target,
// created lazily and living for the process lifetime; only an explicit
// Reset clears it.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state            State
	failureCount     int
	successCount     int
	nextAttempt      time.Time
	halfOpenInFlight int
}

// New constructs a Breaker, filling zero config fields with defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a request may proceed at the given instant. The
// first Allow after the open timeout transitions to HalfOpen and admits a
// single probe; further calls are rejected until that probe reports.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(b.nextAttempt) {
			return false
		}
		b.state = StateHalfOpen
		b.successCount = 0
		b.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			return false
		}
		b.halfOpenInFlight = 1
		return true
	}
	return false
}

// RecordSuccess notes a successful request. While Closed it decays
// failureCount toward zero so isolated failures never accumulate into a
// trip; in HalfOpen it counts toward re-closing.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.toClosed()
		}
	}
}

// RecordFailure notes a qualifying failure at the given instant. Tripping
// from Closed or failing a HalfOpen probe opens the breaker with the
// timeout recomputed from now.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.toOpen(now)
		}
	case StateHalfOpen:
		b.toOpen(now)
	case StateOpen:
		// Already open; a stray failure report extends nothing.
	}
}

// ReleaseProbe frees a HalfOpen probe slot without counting an outcome.
// The limiter uses it when an admission passed the breaker but was denied
// by a later check, so the unissued probe does not wedge the breaker.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.halfOpenInFlight = 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the current failure and success counters.
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount, b.successCount
}

// NextAttempt returns when an Open breaker will admit its probe.
func (b *Breaker) NextAttempt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAttempt
}

// Reset forces the breaker Closed with cleared counters. Operator action
// only; nothing in the core calls it automatically.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosed()
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
	b.nextAttempt = time.Time{}
}

func (b *Breaker) toOpen(now time.Time) {
	b.state = StateOpen
	b.successCount = 0
	b.halfOpenInFlight = 0
	b.nextAttempt = now.Add(b.cfg.OpenTimeout)
}
