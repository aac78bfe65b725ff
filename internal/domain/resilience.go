package domain

import "time"

// CircuitState is the breaker state for one named dependency.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Dependency names guarded by the resilience wrapper. Each has its own
// independent circuit; one opening does not affect another.
const (
	DepRuleLookup = "rule-lookup"
	DepEnrichment = "enrichment"
	DepBroadcast  = "broadcast"
)

// FallbackMode selects what happens when retries are exhausted or the
// circuit is open. The choice is deliberate per dependency and lives in
// configuration so operators can flip it without code changes.
type FallbackMode string

const (
	// FailOpen approves the record in degraded mode, tagged so downstream
	// auditing can tell degraded approval from genuine approval.
	FailOpen FallbackMode = "fail-open"

	// FailClosed rejects the call outcome rather than assuming success.
	FailClosed FallbackMode = "fail-closed"
)

// CallPolicy parameterizes the resilience wrapper for one dependency.
type CallPolicy struct {
	Name string `json:"name"`

	// Retry settings. MaxAttempts counts the first call.
	MaxAttempts       int           `json:"maxAttempts"`
	InitialBackoff    time.Duration `json:"initialBackoff"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
	AttemptTimeout    time.Duration `json:"attemptTimeout"`

	// Circuit breaker settings. The rolling window holds the last
	// WindowSize call outcomes and is consulted once MinimumCalls have
	// been recorded.
	WindowSize            int           `json:"windowSize"`
	MinimumCalls          int           `json:"minimumCalls"`
	FailureRateThreshold  float64       `json:"failureRateThreshold"`
	SlowCallRateThreshold float64       `json:"slowCallRateThreshold"`
	SlowCallThreshold     time.Duration `json:"slowCallThreshold"`
	OpenDuration          time.Duration `json:"openDuration"`

	// Fallback behavior on exhausted retries or an open circuit.
	Fallback FallbackMode `json:"fallback"`
}

// ResilienceConfig carries one policy per guarded dependency.
type ResilienceConfig struct {
	RuleLookup CallPolicy `json:"ruleLookup"`
	Enrichment CallPolicy `json:"enrichment"`
	Broadcast  CallPolicy `json:"broadcast"`
}

// Policies returns the configured policies keyed by dependency name.
func (c ResilienceConfig) Policies() map[string]CallPolicy {
	return map[string]CallPolicy{
		DepRuleLookup: c.RuleLookup,
		DepEnrichment: c.Enrichment,
		DepBroadcast:  c.Broadcast,
	}
}

// DefaultResilienceConfig returns the stock per-dependency policies:
// synchronous lookups retry from 1s with a x1.5 backoff and a 30s cool-down,
// broadcast retries from 2s with a x2 backoff and a 10s cool-down. Lookups
// and enrichment fail open, broadcast fails closed onto the delivery-failed
// channel.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		RuleLookup: CallPolicy{
			Name:                  DepRuleLookup,
			MaxAttempts:           3,
			InitialBackoff:        time.Second,
			BackoffMultiplier:     1.5,
			AttemptTimeout:        5 * time.Second,
			WindowSize:            10,
			MinimumCalls:          5,
			FailureRateThreshold:  0.5,
			SlowCallRateThreshold: 0.5,
			SlowCallThreshold:     2 * time.Second,
			OpenDuration:          30 * time.Second,
			Fallback:              FailOpen,
		},
		Enrichment: CallPolicy{
			Name:                  DepEnrichment,
			MaxAttempts:           3,
			InitialBackoff:        time.Second,
			BackoffMultiplier:     1.5,
			AttemptTimeout:        10 * time.Second,
			WindowSize:            10,
			MinimumCalls:          5,
			FailureRateThreshold:  0.5,
			SlowCallRateThreshold: 0.5,
			SlowCallThreshold:     5 * time.Second,
			OpenDuration:          30 * time.Second,
			Fallback:              FailOpen,
		},
		Broadcast: CallPolicy{
			Name:                  DepBroadcast,
			MaxAttempts:           3,
			InitialBackoff:        2 * time.Second,
			BackoffMultiplier:     2.0,
			AttemptTimeout:        5 * time.Second,
			WindowSize:            10,
			MinimumCalls:          5,
			FailureRateThreshold:  0.5,
			SlowCallRateThreshold: 0.5,
			SlowCallThreshold:     2 * time.Second,
			OpenDuration:          10 * time.Second,
			Fallback:              FailClosed,
		},
	}
}
