// Package ratelimit enforces the shared hourly quota for voter-roll
// lookups. The counter is the only cross-worker mutable state in the
// pipeline, so every implementation must make the threshold check atomic
// with the increment: no caller may observe a pre-increment value and
// proceed past capacity.
package ratelimit

import (
	"context"
	"time"
)

// WarnFraction is the share of capacity at which Status.Warning trips.
// Warning still permits calls; it exists so operators see the wall coming.
const WarnFraction = 0.9

// Status is the outcome of one quota check.
type Status struct {
	Count     int       `json:"count"`
	Capacity  int       `json:"capacity"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
	Warning   bool      `json:"warning"`
	Exceeded  bool      `json:"exceeded"`
}

// Limiter is the shared-quota contract. CheckAndIncrement atomically
// increments the window counter unless doing so would cross capacity, in
// which case it reports Exceeded without advancing. Implementations fail
// open (report Normal) when their backend is unreachable: availability
// over strictness.
type Limiter interface {
	CheckAndIncrement(ctx context.Context) (Status, error)
	Status(ctx context.Context) (Status, error)
}

// windowKey buckets a wall-clock instant into its UTC hour. The counter
// resets naturally when the key changes; no teardown is needed.
func windowKey(now time.Time) string {
	return now.UTC().Format("2006010215")
}

// windowReset is the instant the current hour window rolls over.
func windowReset(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour).Add(time.Hour)
}

// buildStatus derives the Warning/Exceeded flags from a raw count.
// allowed reports whether this call's increment went through.
func buildStatus(count, capacity int, allowed bool, now time.Time) Status {
	remaining := capacity - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Count:     count,
		Capacity:  capacity,
		Remaining: remaining,
		ResetTime: windowReset(now),
		Warning:   float64(count) >= WarnFraction*float64(capacity),
		Exceeded:  !allowed,
	}
}

// failOpen is the Status returned when a shared backend is unreachable.
func failOpen(capacity int, now time.Time) Status {
	return Status{
		Capacity:  capacity,
		Remaining: capacity,
		ResetTime: windowReset(now),
	}
}
