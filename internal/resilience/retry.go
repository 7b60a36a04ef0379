package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls exponential backoff with jitter. Zero fields take
// the values from DefaultRetryConfig.
type RetryConfig struct {
	MaxAttempts    int           // total attempts including the first; 1 disables retries
	InitialBackoff time.Duration // sleep before the first retry
	MaxBackoff     time.Duration // cap on any single sleep
	Multiplier     float64       // growth factor per retry
	JitterFraction float64       // ± fraction of each sleep randomized; 0 for none

	// AttemptTimeout bounds each attempt on top of the caller's deadline.
	AttemptTimeout time.Duration

	// ShouldRetry decides which errors are retried. Nil means IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the retry settings used for classifier calls
// when a job does not override them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// withDefaults fills unset fields from DefaultRetryConfig. Jitter is left
// alone so zero keeps meaning none.
func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	c.JitterFraction = max(c.JitterFraction, 0)
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// backoff returns the sleep before retry number n, counting from zero.
func (c RetryConfig) backoff(n int) time.Duration {
	delay := min(float64(c.InitialBackoff)*math.Pow(c.Multiplier, float64(n)), float64(c.MaxBackoff))
	if c.JitterFraction > 0 {
		delay += (rand.Float64()*2 - 1) * delay * c.JitterFraction
	}
	return time.Duration(max(delay, 0))
}

// Do runs fn until it succeeds, returns an error ShouldRetry rejects, or
// MaxAttempts is reached. It returns the number of attempts made.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) (int, error) {
	_, attempts, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return attempts, err
}

// DoVal is Do for functions that return a value. The zero value is returned
// on failure. Cancelling ctx stops retries immediately; an attempt that only
// hit AttemptTimeout is retried like any other transient failure.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, int, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		switch {
		case err == nil:
			return val, attempt, nil
		case ctx.Err() != nil, !cfg.ShouldRetry(err), attempt >= cfg.MaxAttempts:
			return zero, attempt, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		timer := time.NewTimer(cfg.backoff(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, err
		case <-timer.C:
		}
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// RetryLogger returns an OnRetry callback that logs each retry at warn level.
// A nil logger uses the global one.
func RetryLogger(log *zap.Logger, operation string) func(int, error) {
	if log == nil {
		log = zap.L()
	}
	return func(attempt int, err error) {
		log.Warn("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
