package ratelimit

import (
	"context"
	"time"
)

// Window summarises a sliding window after an operation.
type Window struct {
	Count  int
	Oldest time.Time
}

// Store holds limiter state. Implementations must be safe for concurrent use
// and must make AddFailure atomic with respect to the count it returns.
type Store interface {
	// AddFailure records a failure at `at` and returns the window (at-window, at].
	AddFailure(ctx context.Context, key string, at time.Time, window time.Duration) (Window, error)
	// Window returns the window (at-window, at] without modifying it.
	Window(ctx context.Context, key string, at time.Time, window time.Duration) (Window, error)
	// SetLock locks key until the given time.
	SetLock(ctx context.Context, key string, until, now time.Time) error
	// LockedUntil returns the lock expiry, or the zero time when key is not locked.
	LockedUntil(ctx context.Context, key string, now time.Time) (time.Time, error)
	// Increment bumps a counter that expires ttl after its last increment.
	Increment(ctx context.Context, key string, ttl time.Duration, now time.Time) (int, error)
	Delete(ctx context.Context, keys ...string) error
}
