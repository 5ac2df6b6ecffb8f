package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RotationLock = (*Lock)(nil)

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// Lock is the in-process rotation lock: one holder per page, bounded by TTL
// so a holder that never releases cannot wedge the page forever.
type Lock struct {
	mu    sync.Mutex
	holds map[string]lockEntry
	now   func() time.Time
}

// NewLock creates an empty in-process lock table.
func NewLock() *Lock {
	return &Lock{
		holds: make(map[string]lockEntry),
		now:   time.Now,
	}
}

// Acquire grants the page's lock when it is free or its previous holder's
// TTL has lapsed. The returned token is required to release.
func (l *Lock) Acquire(_ context.Context, pageID string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.holds[pageID]; ok && now.Before(entry.expiresAt) {
		return "", false, nil
	}

	token := uuid.NewString()
	l.holds[pageID] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

// Release frees the lock only when token matches the current holder; a stale
// or foreign token leaves the lock untouched.
func (l *Lock) Release(_ context.Context, pageID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.holds[pageID]; ok && entry.token == token {
		delete(l.holds, pageID)
	}
	return nil
}
