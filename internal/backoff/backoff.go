// Package backoff decides whether and how long to wait before re-running a
// scrape job. It does no I/O of its own apart from Sleep, so the retry rules
// can be tested without a network.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	// DefaultRateLimitWait is used when a 429 carries no usable Retry-After
	DefaultRateLimitWait = 60 * time.Second

	// DefaultMaxRetries bounds retries per job: initial attempt + 2 retries
	DefaultMaxRetries = 2

	// DefaultTransientInitial and DefaultTransientMax shape the exponential
	// delay used for network failures
	DefaultTransientInitial = 2 * time.Second
	DefaultTransientMax     = 30 * time.Second
)

// Strategy computes the delay before retry attempt n (1-indexed)
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max), with optional full jitter.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// Delay returns Initial * 2^(attempt-1), capped at Max
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d = rand.Float64() * d //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}

// Decision is the outcome of consulting the policy after a failed attempt
type Decision struct {
	Retry       bool
	Wait        time.Duration
	RateLimited bool // the wait was directed by the backend and applies to the whole batch
}

// Policy is the bounded retry policy shared by every job of a backend
type Policy struct {
	MaxRetries    int
	RateLimitWait time.Duration
	Transient     Strategy
}

// NewPolicy creates a policy, falling back to defaults for zero values
func NewPolicy(maxRetries int, rateLimitWait time.Duration, transient Strategy) *Policy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if rateLimitWait <= 0 {
		rateLimitWait = DefaultRateLimitWait
	}
	if transient == nil {
		transient = Exponential{Initial: DefaultTransientInitial, Max: DefaultTransientMax, Jitter: true}
	}
	return &Policy{
		MaxRetries:    maxRetries,
		RateLimitWait: rateLimitWait,
		Transient:     transient,
	}
}

// DefaultPolicy returns 2 retries, 60s rate-limit wait, 2s..30s jittered transient backoff
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultMaxRetries, DefaultRateLimitWait, nil)
}

// RateLimited decides on a 429. retryAfter is the server-suggested wait; zero
// or negative means none was given.
func (p *Policy) RateLimited(retryCount int, retryAfter time.Duration) Decision {
	wait := retryAfter
	if wait <= 0 {
		wait = p.RateLimitWait
	}
	return Decision{
		Retry:       retryCount < p.MaxRetries,
		Wait:        wait,
		RateLimited: true,
	}
}

// TransientFailure decides on a retryable network failure
func (p *Policy) TransientFailure(retryCount int) Decision {
	if retryCount >= p.MaxRetries {
		return Decision{}
	}
	return Decision{
		Retry: true,
		Wait:  p.Transient.Delay(retryCount + 1),
	}
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
