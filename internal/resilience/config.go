package resilience

import (
	"time"
)

// BackoffFromConfig converts the retry section of the config to a Backoff.
// Zero values fall back to DefaultBackoff.
func BackoffFromConfig(initialSecs, maxSecs int, multiplier, jitterFraction float64) Backoff {
	b := DefaultBackoff()
	if initialSecs > 0 {
		b.Initial = time.Duration(initialSecs) * time.Second
	}
	if maxSecs > 0 {
		b.Max = time.Duration(maxSecs) * time.Second
	}
	if multiplier > 0 {
		b.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		b.JitterFraction = jitterFraction
	}
	return b
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
