package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter throttles lifecycle attempts per caller identity (source address).
// It is a defense-in-depth measure against brute-force guessing, not a
// security boundary: implementations are best-effort and may lose state on
// restart. Attempts are recorded on every call and never cleared on a
// successful claim, so scripted success-then-abuse is damped too.
type Limiter interface {
	Allow(ctx context.Context, identity string) bool
}

// CooldownLimiter rejects a caller whose previous attempt is less than
// window ago. The attempt is recorded regardless of the verdict.
type CooldownLimiter struct {
	mu     sync.Mutex
	last   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

var _ Limiter = (*CooldownLimiter)(nil)

func NewCooldownLimiter(window time.Duration) *CooldownLimiter {
	return &CooldownLimiter{
		last:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

func (l *CooldownLimiter) Allow(_ context.Context, identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	prev, seen := l.last[identity]
	l.last[identity] = now

	if !seen {
		return true
	}
	return now.Sub(prev) >= l.window
}

// SlidingWindowLimiter keeps the attempt timestamps within the trailing
// window and rejects once maxAttempts of them accumulate.
type SlidingWindowLimiter struct {
	mu          sync.Mutex
	attempts    map[string][]time.Time
	window      time.Duration
	maxAttempts int
	now         func() time.Time
}

var _ Limiter = (*SlidingWindowLimiter)(nil)

func NewSlidingWindowLimiter(window time.Duration, maxAttempts int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		attempts:    make(map[string][]time.Time),
		window:      window,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (l *SlidingWindowLimiter) Allow(_ context.Context, identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.attempts[identity][:0]
	for _, t := range l.attempts[identity] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.maxAttempts {
		l.attempts[identity] = recent
		return false
	}

	l.attempts[identity] = append(recent, now)
	return true
}
