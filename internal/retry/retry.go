package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"
)

// Policy defines retry behavior
type Policy struct {
	MaxRetries   int           // Retries after the first attempt
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Upper bound between retries
	Multiplier   float64       // Exponential backoff multiplier
	Jitter       bool          // Add +/-10% jitter to delays
	Retryable    func(error) bool
}

// TimeoutPolicy retries a store operation once, and only when it timed out.
func TimeoutPolicy() Policy {
	return Policy{
		MaxRetries:   1,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       true,
		Retryable:    IsTimeout,
	}
}

// NoRetry runs the operation exactly once.
func NoRetry() Policy {
	return Policy{MaxRetries: 0}
}

// IsTimeout reports whether err is a network or deadline timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Do executes operation with the policy's retry logic.
func Do(ctx context.Context, policy Policy, operation func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// DoWithResult executes an operation that returns a result with retry logic.
// The caller's context is checked before every attempt and during backoff.
func DoWithResult[T any](ctx context.Context, policy Policy, operation func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return zero, fmt.Errorf("retry cancelled: %w", lastErr)
			}
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !policy.retryable(err) || attempt == policy.MaxRetries {
			break
		}

		select {
		case <-time.After(calculateDelay(policy, attempt)):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during delay: %w", lastErr)
		}
	}

	if policy.MaxRetries == 0 || !policy.retryable(lastErr) {
		return zero, lastErr
	}
	return zero, fmt.Errorf("operation failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return false
	}
	return p.Retryable(err)
}

// calculateDelay calculates the delay for the given attempt using exponential backoff
func calculateDelay(policy Policy, attempt int) time.Duration {
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}

	delay := float64(policy.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	if policy.Jitter {
		jitter := delay * 0.1
		delay += (rand.Float64() * 2 * jitter) - jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
