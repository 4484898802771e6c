package jobqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(3, time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("owner"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("owner"))
	assert.True(t, rl.Allow("other"), "limits are per owner")
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(2, time.Minute, clock.Now)

	assert.True(t, rl.Allow("owner"))
	clock.Advance(30 * time.Second)
	assert.True(t, rl.Allow("owner"))
	assert.False(t, rl.Allow("owner"))

	clock.Advance(30 * time.Second)
	assert.True(t, rl.Allow("owner"), "first request left the window")
	assert.False(t, rl.Allow("owner"))
}

func TestRateLimiterRetryAfter(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(1, time.Minute, clock.Now)

	assert.Zero(t, rl.RetryAfter("owner"))
	assert.True(t, rl.Allow("owner"))

	clock.Advance(20*time.Second + 500*time.Millisecond)
	assert.Equal(t, 40*time.Second, rl.RetryAfter("owner"))

	clock.Advance(40 * time.Second)
	assert.Zero(t, rl.RetryAfter("owner"))
}

func TestRateLimiterRemainingQuota(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(5, time.Minute, clock.Now)

	assert.Equal(t, 5, rl.RemainingQuota("owner"))
	rl.Allow("owner")
	rl.Allow("owner")
	assert.Equal(t, 3, rl.RemainingQuota("owner"))

	clock.Advance(time.Minute)
	assert.Equal(t, 5, rl.RemainingQuota("owner"))
}

func TestRateLimiterCleanup(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(5, time.Minute, clock.Now)

	rl.Allow("a")
	clock.Advance(45 * time.Second)
	rl.Allow("b")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 1, rl.Cleanup())
	assert.Equal(t, 4, rl.RemainingQuota("b"))
}

func TestRateLimiterSnapshot(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(3, time.Minute, clock.Now)

	assert.Empty(t, rl.Snapshot())

	rl.Allow("a")
	clock.Advance(45 * time.Second)
	rl.Allow("b")
	rl.Allow("b")
	rl.Allow("b")
	rl.Allow("b")
	assert.Equal(t, map[string]int{"a": 2, "b": 0}, rl.Snapshot())

	clock.Advance(30 * time.Second)
	assert.Equal(t, map[string]int{"b": 0}, rl.Snapshot(), "idle owners are left out")
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(0, 0, nil)
	assert.Equal(t, DefaultRateLimit, rl.Limit())
	assert.Equal(t, DefaultRateWindow, rl.Window())
}
