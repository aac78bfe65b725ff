package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrCircuitOpen is returned when a call is rejected without reaching the
// dependency because its circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

// Registry owns one circuit breaker per named dependency and executes
// guarded calls under that dependency's policy. It is the only shared
// mutable state crossing concurrent pipeline invocations and is safe for
// concurrent use. Pass the registry explicitly into the components that
// need it; there is no ambient singleton.
type Registry struct {
	mu       sync.Mutex
	policies map[string]domain.CallPolicy
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry from the configured per-dependency policies.
func NewRegistry(cfg domain.ResilienceConfig) *Registry {
	return &Registry{
		policies: cfg.Policies(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Policy returns the policy for a dependency name. Unknown names get the
// rule-lookup defaults so a misconfigured caller still gets protection.
func (r *Registry) Policy(name string) domain.CallPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[name]; ok {
		return p
	}
	p := domain.DefaultResilienceConfig().RuleLookup
	p.Name = name
	r.policies[name] = p
	return p
}

func (r *Registry) breaker(name string) *CircuitBreaker {
	policy := r.Policy(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newCircuitBreaker(policy)
		r.breakers[name] = b
	}
	return b
}

// Execute runs fn under the named dependency's policy: up to MaxAttempts
// attempts, each bounded by AttemptTimeout, with multiplicative backoff
// between attempts. Retries stop as soon as the circuit opens. The returned
// error is ErrCircuitOpen (wrapped) when the dependency was never reached,
// or the last attempt error once retries are exhausted; fn's success is nil.
// Total wall-clock time is bounded by the attempt timeouts plus backoff
// waits, so a guarded call never hangs its caller.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	policy := r.Policy(name)
	breaker := r.breaker(name)

	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if !breaker.Allow() {
			slog.Warn("call rejected, circuit open",
				"dependency", name,
				"attempt", attempt,
			)
			return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}

		start := time.Now()
		err := fn(attemptCtx)
		elapsed := time.Since(start)
		cancel()

		breaker.Record(err, elapsed)

		if err == nil {
			if attempt > 1 {
				slog.Info("call succeeded after retry",
					"dependency", name,
					"attempts", attempt,
				)
			}
			return nil
		}

		lastErr = err
		slog.Warn("dependency call failed",
			"dependency", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)

		if attempt < attempts {
			if werr := sleepCtx(ctx, backoff); werr != nil {
				return fmt.Errorf("%s: %w", name, werr)
			}
			backoff = time.Duration(float64(backoff) * policy.BackoffMultiplier)
		}
	}

	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", name, attempts, lastErr)
}

// State returns the current circuit state for a dependency.
func (r *Registry) State(name string) domain.CircuitState {
	return r.breaker(name).State()
}

// Snapshots returns breaker snapshots for all known dependencies, sorted by
// name for stable output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snaps = append(snaps, r.breaker(name).Snapshot())
	}
	return snaps
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
