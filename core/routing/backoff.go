package routing

import (
	"math"
	"time"
)

// RetryPolicy controls redelivery of failed high and critical messages.
type RetryPolicy struct {
	// InitialDelay before the first retry.
	InitialDelay time.Duration

	// Multiplier applied per attempt.
	Multiplier float64

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// MaxRetries bounds redelivery; a message is attempted at most
	// MaxRetries+1 times including the initial try.
	MaxRetries int
}

// DefaultRetryPolicy returns the standard 1s/2s/4s schedule with three
// retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		MaxRetries:   3,
	}
}

// normalize treats the zero policy as unset. A partially built policy
// keeps an explicit zero MaxRetries, which disables redelivery.
func (p RetryPolicy) normalize() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 3
	}
	return p
}

// CalculateDelay computes the backoff delay for a retry attempt.
// Formula: delay = initial * (multiplier ^ attempt), capped at MaxDelay.
// Attempt 0 is the first retry.
func CalculateDelay(attempt int, policy RetryPolicy) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	factor := math.Pow(policy.Multiplier, float64(attempt))
	delay := time.Duration(float64(policy.InitialDelay) * factor)

	return capDelay(delay, policy.MaxDelay)
}

func capDelay(delay, maxDelay time.Duration) time.Duration {
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
