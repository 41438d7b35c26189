package backoff_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/harvest/internal/backoff"
)

func TestExponential_DoublesAndCaps(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_JitterStaysInRange(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: 8 * time.Second, Jitter: true}
	for attempt := 1; attempt <= 6; attempt++ {
		ceiling := backoff.Exponential{Initial: time.Second, Max: 8 * time.Second}.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := e.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestPolicy_RateLimitedUsesServerWait(t *testing.T) {
	p := backoff.DefaultPolicy()

	d := p.RateLimited(0, 15*time.Second)

	assert.True(t, d.Retry)
	assert.True(t, d.RateLimited)
	assert.Equal(t, 15*time.Second, d.Wait)
}

func TestPolicy_RateLimitedDefaultWait(t *testing.T) {
	p := backoff.DefaultPolicy()

	d := p.RateLimited(1, 0)

	assert.True(t, d.Retry)
	assert.Equal(t, 60*time.Second, d.Wait)
}

func TestPolicy_RateLimitedBound(t *testing.T) {
	p := backoff.NewPolicy(2, time.Second, nil)

	// initial attempt + 2 retries = 3 attempts, then give up
	attempts := 1
	for retryCount := 0; ; retryCount++ {
		d := p.RateLimited(retryCount, 0)
		if !d.Retry {
			break
		}
		attempts++
	}

	assert.Equal(t, 3, attempts)
}

func TestPolicy_TransientFailure(t *testing.T) {
	p := backoff.NewPolicy(2, time.Second, backoff.Exponential{Initial: time.Second, Max: time.Minute})

	first := p.TransientFailure(0)
	require.True(t, first.Retry)
	assert.False(t, first.RateLimited)
	assert.Equal(t, time.Second, first.Wait)

	second := p.TransientFailure(1)
	require.True(t, second.Retry)
	assert.Equal(t, 2*time.Second, second.Wait)

	assert.False(t, p.TransientFailure(2).Retry)
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := backoff.NewPolicy(-1, 0, nil)

	assert.Equal(t, backoff.DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, backoff.DefaultRateLimitWait, p.RateLimitWait)
	assert.NotNil(t, p.Transient)
}

func TestNewPolicy_ZeroRetries(t *testing.T) {
	p := backoff.NewPolicy(0, time.Second, nil)

	assert.False(t, p.RateLimited(0, 0).Retry)
	assert.False(t, p.TransientFailure(0).Retry)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, backoff.Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, backoff.Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := backoff.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
