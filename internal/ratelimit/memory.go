package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is the single-process implementation: a mutex-guarded
// counter keyed by the current hour. Suitable when exactly one pipeline
// instance runs against the authority; multi-instance deployments use the
// Redis or service backends.
type MemoryLimiter struct {
	capacity int

	mu    sync.Mutex
	key   string
	count int

	now func() time.Time // test hook
}

// NewMemory creates an in-process limiter with the given hourly capacity.
func NewMemory(capacity int) *MemoryLimiter {
	return &MemoryLimiter{capacity: capacity, now: time.Now}
}

func (l *MemoryLimiter) CheckAndIncrement(_ context.Context) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.roll(now)

	if l.count >= l.capacity {
		return buildStatus(l.count, l.capacity, false, now), nil
	}
	l.count++
	return buildStatus(l.count, l.capacity, true, now), nil
}

func (l *MemoryLimiter) Status(_ context.Context) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.roll(now)
	return buildStatus(l.count, l.capacity, l.count < l.capacity, now), nil
}

// roll resets the counter when the hour key has moved on. Caller holds mu.
func (l *MemoryLimiter) roll(now time.Time) {
	key := windowKey(now)
	if key != l.key {
		l.key = key
		l.count = 0
	}
}
