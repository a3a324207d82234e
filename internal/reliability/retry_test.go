package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type finalErr struct{}

func (finalErr) Error() string {
	return "final"
}

func (finalErr) IsRetryable() bool {
	return false
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 5)
		eb.Jitter = false

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
		assert.Equal(t, 400*time.Millisecond, eb.NextDelay(2))
		assert.Equal(t, time.Second, eb.NextDelay(10))
	})

	t.Run("jitter stays within 15%", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 20; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("ShouldRetry respects max attempts and classification", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 2)
		ok, _ := eb.ShouldRetry(1, errors.New("x"))
		assert.True(t, ok)
		ok, _ = eb.ShouldRetry(2, errors.New("x"))
		assert.False(t, ok)
		ok, _ = eb.ShouldRetry(0, finalErr{})
		assert.False(t, ok)
	})
}

func TestNewPolicy(t *testing.T) {
	t.Run("defaults to exponential", func(t *testing.T) {
		p, err := NewPolicy(PolicyConfig{})
		require.NoError(t, err)
		eb, ok := p.(*ExponentialBackoff)
		require.True(t, ok)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
	})

	t.Run("fixed", func(t *testing.T) {
		p, err := NewPolicy(PolicyConfig{Kind: "fixed", Initial: time.Second, MaxAttempts: 4})
		require.NoError(t, err)
		assert.Equal(t, 4, p.MaxRetries())
		assert.Equal(t, time.Second, p.NextDelay(3))
	})

	t.Run("none", func(t *testing.T) {
		p, err := NewPolicy(PolicyConfig{Kind: "none"})
		require.NoError(t, err)
		ok, _ := p.ShouldRetry(0, errors.New("x"))
		assert.False(t, ok)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := NewPolicy(PolicyConfig{Kind: "random"})
		assert.ErrorIs(t, err, ErrInvalidPolicy)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps the last error when the policy gives up", func(t *testing.T) {
		last := errors.New("persistent")
		attempts := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 2), func() error {
			attempts++
			return last
		})

		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, last)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)

		var rerr *RetryError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, 3, rerr.Attempts)
	})

	t.Run("returns non-retryable errors unwrapped", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			return RetryableError{Err: errors.New("fatal"), Retryable: false}
		})
		assert.Equal(t, 1, attempts)
		assert.EqualError(t, err, "fatal")
	})

	t.Run("stops when the context is done", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		err := Retry(ctx, NewFixedDelay(time.Second, 10), func() error {
			return errors.New("again")
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.False(t, IsRetryable(finalErr{}))
	assert.False(t, IsRetryable(errors.Join(errors.New("ctx"), finalErr{})))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(&CircuitBreakerError{State: StateOpen}))
	assert.True(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: true}))
}
