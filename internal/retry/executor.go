package retry

import (
	"context"
	"time"
)

// Config bounds one retry loop, matching RetryConfig in
// resilience/retry_executor.py.
type Config struct {
	MaxRetries int
	Strategy   Strategy
	// IsRetryable overrides the default substring-based classification; nil
	// means every error is retryable until MaxRetries is exhausted.
	IsRetryable func(error) bool
}

// DefaultOpenAIConfig matches OpenAIRetryConfig's defaults: three retries,
// exponential backoff, capped at 30s.
func DefaultOpenAIConfig(isRetryable func(error) bool) Config {
	return Config{
		MaxRetries:  3,
		Strategy:    NewExponentialBackoff(500*time.Millisecond, 30*time.Second),
		IsRetryable: isRetryable,
	}
}

// DefaultDatabaseConfig matches DatabaseRetryConfig's defaults: fixed
// backoff, since a lost connection either comes back quickly or needs
// operator attention, not an escalating wait.
func DefaultDatabaseConfig(isRetryable func(error) bool) Config {
	return Config{
		MaxRetries:  2,
		Strategy:    NewFixedBackoff(1 * time.Second),
		IsRetryable: isRetryable,
	}
}

// Execute runs fn, retrying per cfg until it succeeds, the error is judged
// non-retryable, or MaxRetries is exhausted — matching
// RetryExecutor.execute_with_retry's attempt loop (1..max_retries+1).
func Execute(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		retryable := cfg.IsRetryable == nil || cfg.IsRetryable(err)
		if !retryable || attempt == cfg.MaxRetries+1 {
			return lastErr
		}

		delay := cfg.Strategy.Delay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
