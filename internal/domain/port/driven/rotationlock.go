package driven

import (
	"context"
	"time"
)

// RotationLock is the driven port for per-page mutual exclusion around
// credential validation and derivation. Acquisition is a conditional
// set-if-absent; the TTL bounds the lock's lifetime when a holder crashes
// before releasing.
type RotationLock interface {
	// Acquire tries to take the page's lock for ttl. On success it returns
	// an opaque holder token and ok=true; when another holder owns the lock
	// it returns ok=false with no error. Backend failures are returned as
	// errors for the caller's policy to absorb.
	Acquire(ctx context.Context, pageID string, ttl time.Duration) (token string, ok bool, err error)

	// Release frees the lock only when token matches the current holder.
	// A stale or foreign token is a no-op, never an error.
	Release(ctx context.Context, pageID, token string) error
}

// NopLock is the explicit fail-open lock installed when distributed locking
// is disabled by configuration. Every acquisition succeeds immediately.
type NopLock struct{}

// Acquire always grants the lock.
func (NopLock) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", true, nil
}

// Release does nothing.
func (NopLock) Release(context.Context, string, string) error { return nil }
