package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCooldownLimiter(t *testing.T) {
	clock := newFakeClock()
	l := NewCooldownLimiter(30 * time.Second)
	l.now = clock.Now
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "1.2.3.4"), "first attempt is always allowed")

	clock.Advance(10 * time.Second)
	assert.False(t, l.Allow(ctx, "1.2.3.4"), "attempt within the window is rejected")

	// The rejected attempt still counted: the cooldown restarts from it.
	clock.Advance(25 * time.Second)
	assert.False(t, l.Allow(ctx, "1.2.3.4"))

	clock.Advance(30 * time.Second)
	assert.True(t, l.Allow(ctx, "1.2.3.4"), "attempt a full window later is allowed")
}

func TestCooldownLimiter_IdentitiesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := NewCooldownLimiter(30 * time.Second)
	l.now = clock.Now
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "1.2.3.4"))
	assert.True(t, l.Allow(ctx, "5.6.7.8"))

	clock.Advance(time.Second)
	assert.False(t, l.Allow(ctx, "1.2.3.4"))
	assert.False(t, l.Allow(ctx, "5.6.7.8"))
}

func TestSlidingWindowLimiter(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindowLimiter(time.Minute, 3)
	l.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "1.2.3.4"), "attempt %d within budget", i+1)
		clock.Advance(time.Second)
	}
	assert.False(t, l.Allow(ctx, "1.2.3.4"), "budget exhausted inside the window")

	// Once the earliest attempts slide out of the window, budget returns.
	clock.Advance(time.Minute)
	assert.True(t, l.Allow(ctx, "1.2.3.4"))
}

func TestSlidingWindowLimiter_RejectionsDoNotConsumeBudget(t *testing.T) {
	clock := newFakeClock()
	l := NewSlidingWindowLimiter(time.Minute, 2)
	l.now = clock.Now
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "1.2.3.4"))
	assert.True(t, l.Allow(ctx, "1.2.3.4"))
	assert.False(t, l.Allow(ctx, "1.2.3.4"))
	assert.False(t, l.Allow(ctx, "1.2.3.4"))

	// Only the two allowed attempts occupy the window; once they expire the
	// caller is clean again.
	clock.Advance(61 * time.Second)
	assert.True(t, l.Allow(ctx, "1.2.3.4"))
}

func TestSlidingWindowLimiter_ConcurrentAccess(t *testing.T) {
	l := NewSlidingWindowLimiter(time.Minute, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Allow(ctx, "1.2.3.4")
		}()
	}
	wg.Wait()
	close(allowed)

	wins := 0
	for ok := range allowed {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 10, wins, "exactly maxAttempts concurrent calls may pass")
}
