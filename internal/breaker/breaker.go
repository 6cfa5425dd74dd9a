// Package breaker implements a per-provider circuit breaker. The
// breaker counts failures inside a sliding monitoring window, fails
// fast while open, and probes recovery through a half-open state. All
// transitions are computed lazily on access; there is no timer
// goroutine.
package breaker

import (
	"sync"
	"time"

	"github.com/tdnqanh/llm-cascade/internal/failure"
)

// State of a circuit breaker.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // failing fast
	StateHalfOpen State = "half_open" // probing recovery
)

// maxFailureRecords bounds the retained failure history per breaker.
const maxFailureRecords = 100

// Config holds the immutable tunables of a breaker.
type Config struct {
	// FailureThreshold failures inside MonitorWindow open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive successes close a half-open circuit.
	SuccessThreshold int
	// Timeout is how long an open circuit waits before allowing a probe.
	Timeout time.Duration
	// SlowResponseThresholdMs marks responses slower than this as
	// timeout failures even when the call itself returned.
	SlowResponseThresholdMs float64
	// MonitorWindow is the sliding window failures are counted over.
	MonitorWindow time.Duration
	// OnOpen is invoked, outside the breaker lock, each time the
	// circuit transitions to open.
	OnOpen func(name string, failureCount int)
}

// DefaultConfig returns the conservative defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:        5,
		SuccessThreshold:        2,
		Timeout:                 60 * time.Second,
		SlowResponseThresholdMs: 5000,
		MonitorWindow:           60 * time.Second,
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
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.SlowResponseThresholdMs <= 0 {
		c.SlowResponseThresholdMs = d.SlowResponseThresholdMs
	}
	if c.MonitorWindow <= 0 {
		c.MonitorWindow = d.MonitorWindow
	}
	return c
}

type failureRecord struct {
	at             time.Time
	kind           failure.Kind
	responseTimeMs float64
}

// Stats is a point-in-time snapshot for diagnostics.
type Stats struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	FailureCount   int       `json:"failure_count"`
	SuccessCount   int       `json:"success_count"`
	LastFailureAt  time.Time `json:"last_failure_at,omitzero"`
	LastSuccessAt  time.Time `json:"last_success_at,omitzero"`
	StateChangedAt time.Time `json:"state_changed_at"`
	CanAttempt     bool      `json:"can_attempt"`
}

// CircuitBreaker gates attempts against one provider. Methods never
// return errors; callers check CanAttempt before attempting and report
// exactly one of RecordSuccess or RecordFailure per attempt.
type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu             sync.Mutex
	state          State
	failures       []failureRecord
	successCount   int
	lastFailureAt  time.Time
	lastSuccessAt  time.Time
	stateChangedAt time.Time
}

func New(name string, cfg Config) *CircuitBreaker {
	now := time.Now
	return &CircuitBreaker{
		name:           name,
		cfg:            cfg.withDefaults(),
		now:            now,
		state:          StateClosed,
		stateChangedAt: now(),
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// RecordSuccess registers a successful attempt. In half-open state it
// counts toward closing the circuit; in closed state it prunes expired
// failures, since a success is evidence of recovery.
func (cb *CircuitBreaker) RecordSuccess(responseTimeMs float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastSuccessAt = now

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.stateChangedAt = now
			cb.failures = nil
			cb.successCount = 0
		}
	case StateClosed:
		cb.pruneLocked(now)
	}
}

// RecordFailure registers a failed attempt. It opens the circuit when
// the windowed failure count reaches the threshold, or immediately if
// the circuit was half-open.
func (cb *CircuitBreaker) RecordFailure(kind failure.Kind, responseTimeMs float64) {
	cb.mu.Lock()

	now := cb.now()
	cb.lastFailureAt = now
	cb.failures = append(cb.failures, failureRecord{at: now, kind: kind, responseTimeMs: responseTimeMs})
	cb.pruneLocked(now)

	opened := false
	switch cb.state {
	case StateClosed:
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			opened = cb.openLocked(now)
		}
	case StateHalfOpen:
		opened = cb.openLocked(now)
	}
	count := len(cb.failures)
	onOpen := cb.cfg.OnOpen
	cb.mu.Unlock()

	if opened && onOpen != nil {
		onOpen(cb.name, count)
	}
}

// RecordSlowResponse treats an over-threshold latency as a timeout
// failure. Latency is a failure signal independent of explicit errors.
func (cb *CircuitBreaker) RecordSlowResponse(responseTimeMs float64) {
	cb.mu.Lock()
	threshold := cb.cfg.SlowResponseThresholdMs
	cb.mu.Unlock()

	if responseTimeMs > threshold {
		cb.RecordFailure(failure.KindTimeout, responseTimeMs)
	}
}

// CanAttempt reports whether an attempt may proceed, performing the
// lazy open-to-half-open transition first.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tryHalfOpenLocked(cb.now())
	return cb.state == StateClosed || cb.state == StateHalfOpen
}

// State returns the current state, applying the lazy half-open
// transition when due.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tryHalfOpenLocked(cb.now())
	return cb.state
}

// Stats returns a snapshot for diagnostics endpoints.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.tryHalfOpenLocked(now)
	return Stats{
		Name:           cb.name,
		State:          cb.state,
		FailureCount:   len(cb.failures),
		SuccessCount:   cb.successCount,
		LastFailureAt:  cb.lastFailureAt,
		LastSuccessAt:  cb.lastSuccessAt,
		StateChangedAt: cb.stateChangedAt,
		CanAttempt:     cb.state == StateClosed || cb.state == StateHalfOpen,
	}
}

// Reset returns the breaker to its initial closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = nil
	cb.successCount = 0
	cb.lastFailureAt = time.Time{}
	cb.lastSuccessAt = time.Time{}
	cb.stateChangedAt = cb.now()
}

// openLocked transitions to open and reports whether a transition
// happened. Caller holds the lock and fires OnOpen after releasing it.
func (cb *CircuitBreaker) openLocked(now time.Time) bool {
	if cb.state == StateOpen {
		return false
	}
	cb.state = StateOpen
	cb.stateChangedAt = now
	cb.successCount = 0
	return true
}

func (cb *CircuitBreaker) tryHalfOpenLocked(now time.Time) {
	if cb.state != StateOpen {
		return
	}
	if now.Sub(cb.stateChangedAt) >= cb.cfg.Timeout {
		cb.state = StateHalfOpen
		cb.stateChangedAt = now
		cb.successCount = 0
	}
}

// pruneLocked drops failures older than the monitoring window and
// enforces the retained-record cap.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.MonitorWindow)
	kept := cb.failures[:0]
	for _, fr := range cb.failures {
		if !fr.at.Before(cutoff) {
			kept = append(kept, fr)
		}
	}
	if len(kept) > maxFailureRecords {
		kept = kept[len(kept)-maxFailureRecords:]
	}
	cb.failures = kept
}
