package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the next retry delay
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		delay = delay + rand.Float64()*0.3*delay - 0.15*delay
	}
	return time.Duration(delay)
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// NoRetry never retries
var NoRetry RetryPolicy = NewFixedDelay(0, 0)

// PolicyConfig describes a retry policy in configuration files
type PolicyConfig struct {
	Kind        string        `toml:"kind"` // "exponential", "fixed" or "none"
	Initial     time.Duration `toml:"initial"`
	Max         time.Duration `toml:"max"`
	Multiplier  float64       `toml:"multiplier"`
	MaxAttempts int           `toml:"max_attempts"`
}

// NewPolicy builds the policy described by cfg
func NewPolicy(cfg PolicyConfig) (RetryPolicy, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "exponential":
		initial := cfg.Initial
		if initial <= 0 {
			initial = 100 * time.Millisecond
		}
		max := cfg.Max
		if max <= 0 {
			max = 10 * time.Second
		}
		mult := cfg.Multiplier
		if mult <= 1 {
			mult = 2.0
		}
		attempts := cfg.MaxAttempts
		if attempts <= 0 {
			attempts = 3
		}
		return NewExponentialBackoff(initial, max, mult, attempts), nil
	case "fixed":
		return NewFixedDelay(cfg.Initial, cfg.MaxAttempts), nil
	case "none":
		return NoRetry, nil
	default:
		return nil, fmt.Errorf("%w: unknown retry policy kind %q", ErrInvalidPolicy, cfg.Kind)
	}
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done. When
// the policy gives up after at least one retry the last error is wrapped in
// a *RetryError.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			if attempt == 0 {
				return err
			}
			return &RetryError{
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// IsRetryable classifies err. Errors anywhere in the chain that implement
// IsRetryable() decide; context errors, ErrNonRetryable and open circuits
// are final; everything else is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	switch {
	case errors.Is(err, ErrNonRetryable),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
