// Package resilience provides the reusable call-protection policy applied to
// every external dependency call: retry with backoff, circuit breaking and an
// explicit per-dependency fallback mode.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type callOutcome struct {
	failed bool
	slow   bool
}

// CircuitBreaker guards one named dependency. It keeps a rolling window of
// the last N call outcomes and transitions CLOSED -> OPEN when the failure
// rate or slow-call rate in the window reaches the configured threshold,
// once a minimum sample size has been observed. While OPEN, calls are
// rejected without reaching the dependency until the cool-down elapses;
// then a single HALF_OPEN trial decides whether to close or reopen.
type CircuitBreaker struct {
	mu     sync.Mutex
	policy domain.CallPolicy

	state    domain.CircuitState
	window   []callOutcome
	next     int
	count    int
	openedAt time.Time

	// Only one trial call is admitted while half-open.
	trialInFlight bool
}

func newCircuitBreaker(policy domain.CallPolicy) *CircuitBreaker {
	size := policy.WindowSize
	if size <= 0 {
		size = 10
	}
	return &CircuitBreaker{
		policy: policy,
		state:  domain.CircuitClosed,
		window: make([]callOutcome, size),
	}
}

// Allow reports whether a call may proceed right now. An OPEN breaker whose
// cool-down has elapsed moves to HALF_OPEN and admits exactly one trial.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.CircuitClosed:
		return true

	case domain.CircuitOpen:
		if time.Since(b.openedAt) >= b.policy.OpenDuration {
			b.transition(domain.CircuitHalfOpen)
			b.trialInFlight = true
			return true
		}
		return false

	case domain.CircuitHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}

	return true
}

// Record feeds one call outcome into the breaker.
func (b *CircuitBreaker) Record(err error, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil
	slow := b.policy.SlowCallThreshold > 0 && elapsed >= b.policy.SlowCallThreshold

	switch b.state {
	case domain.CircuitHalfOpen:
		b.trialInFlight = false
		if failed {
			b.trip()
		} else {
			b.reset()
		}

	case domain.CircuitOpen:
		// Late result from a call admitted before the circuit opened.

	default:
		b.push(callOutcome{failed: failed, slow: slow})
		if b.count < b.policy.MinimumCalls {
			return
		}
		failRate, slowRate := b.rates()
		if failRate >= b.policy.FailureRateThreshold || slowRate >= b.policy.SlowCallRateThreshold {
			b.trip()
		}
	}
}

// State returns the current state tag.
func (b *CircuitBreaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes a breaker for observability endpoints.
type Snapshot struct {
	Name        string              `json:"name"`
	State       domain.CircuitState `json:"state"`
	WindowCalls int                 `json:"windowCalls"`
	Failures    int                 `json:"failures"`
	SlowCalls   int                 `json:"slowCalls"`
	OpenedAt    *time.Time          `json:"openedAt,omitempty"`
}

// Snapshot returns the breaker's current state and window tallies.
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:        b.policy.Name,
		State:       b.state,
		WindowCalls: b.count,
	}
	for i := 0; i < b.count; i++ {
		if b.window[i].failed {
			snap.Failures++
		}
		if b.window[i].slow {
			snap.SlowCalls++
		}
	}
	if b.state == domain.CircuitOpen {
		openedAt := b.openedAt
		snap.OpenedAt = &openedAt
	}
	return snap
}

// push appends an outcome to the rolling window, displacing the oldest
// entry once the window is full. Caller holds the lock.
func (b *CircuitBreaker) push(o callOutcome) {
	b.window[b.next] = o
	b.next = (b.next + 1) % len(b.window)
	if b.count < len(b.window) {
		b.count++
	}
}

func (b *CircuitBreaker) rates() (failRate, slowRate float64) {
	var failures, slows int
	for i := 0; i < b.count; i++ {
		if b.window[i].failed {
			failures++
		}
		if b.window[i].slow {
			slows++
		}
	}
	return float64(failures) / float64(b.count), float64(slows) / float64(b.count)
}

func (b *CircuitBreaker) trip() {
	b.transition(domain.CircuitOpen)
	b.openedAt = time.Now()
	b.clearWindow()
}

func (b *CircuitBreaker) reset() {
	b.transition(domain.CircuitClosed)
	b.clearWindow()
}

func (b *CircuitBreaker) clearWindow() {
	b.next = 0
	b.count = 0
}

func (b *CircuitBreaker) transition(to domain.CircuitState) {
	if b.state == to {
		return
	}
	slog.Warn("circuit state changed",
		"dependency", b.policy.Name,
		"from", b.state,
		"to", to,
	)
	b.state = to
}
