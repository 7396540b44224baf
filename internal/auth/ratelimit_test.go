package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterEnforcesBudget(t *testing.T) {
	l := NewRateLimiter()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(1, false, 3), "request %d should fit", i+1)
	}
	assert.False(t, l.Allow(1, false, 3), "fourth request in the window must be rejected")
}

func TestRateLimiterZeroLimitIsUnlimited(t *testing.T) {
	l := NewRateLimiter()
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow(1, false, 0))
	}
}

func TestRateLimiterReadsAndWritesCountSeparately(t *testing.T) {
	l := NewRateLimiter()

	assert.True(t, l.Allow(1, false, 1))
	assert.False(t, l.Allow(1, false, 1))
	assert.True(t, l.Allow(1, true, 1), "the write window is independent of the read window")
}

func TestRateLimiterWindowResets(t *testing.T) {
	l := NewRateLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow(1, false, 1))
	assert.False(t, l.Allow(1, false, 1))

	now = now.Add(time.Minute + time.Second)
	assert.True(t, l.Allow(1, false, 1), "a fresh window starts after one minute")
}

func TestRateLimiterForget(t *testing.T) {
	l := NewRateLimiter()

	assert.True(t, l.Allow(1, false, 1))
	assert.False(t, l.Allow(1, false, 1))

	l.Forget(1)
	assert.True(t, l.Allow(1, false, 1), "rotation clears the budget")
}

func TestRateLimiterPrune(t *testing.T) {
	l := NewRateLimiter()
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow(1, false, 10)
	l.Allow(2, true, 10)
	assert.Len(t, l.windows, 2)

	now = now.Add(2 * time.Minute)
	l.Prune()
	assert.Empty(t, l.windows)
}
