package resilience

import (
	"time"

	"github.com/sells-group/classify-cli/internal/model"
)

// FromRetryPolicy converts a frozen job retry policy into a RetryConfig whose
// attempts are each bounded by attemptTimeout.
func FromRetryPolicy(p model.RetryPolicy, attemptTimeout time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if p.MaxAttempts > 0 {
		cfg.MaxAttempts = p.MaxAttempts
	}
	if p.InitialBackoff > 0 {
		cfg.InitialBackoff = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		cfg.MaxBackoff = p.MaxBackoff
	}
	if p.Multiplier > 0 {
		cfg.Multiplier = p.Multiplier
	}
	if p.JitterFraction >= 0 {
		cfg.JitterFraction = p.JitterFraction
	}
	cfg.AttemptTimeout = attemptTimeout
	return cfg
}

// FromCircuitConfig builds a CircuitBreakerConfig from config values. Zero
// values fall back to the breaker defaults in NewCircuitBreaker.
func FromCircuitConfig(failureThreshold, halfOpenProbes int, resetTimeout time.Duration) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  failureThreshold,
		ResetTimeout:      resetTimeout,
		HalfOpenMaxProbes: halfOpenProbes,
	}
}
