package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock() (*Lock, *fakeClock) {
	clock := &fakeClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	lock := NewLock()
	lock.now = clock.now
	return lock, clock
}

func TestLock_AcquireRelease(t *testing.T) {
	lock, _ := newTestLock()
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	require.NoError(t, lock.Release(ctx, "page-1", token))

	token2, ok, err := lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free again after release")
	assert.NotEqual(t, token, token2)
}

func TestLock_SecondAcquireBusy(t *testing.T) {
	lock, _ := newTestLock()
	ctx := context.Background()

	_, ok, err := lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	token, ok, err := lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, token)
}

func TestLock_ExpiredHolderIsReplaced(t *testing.T) {
	lock, clock := newTestLock()
	ctx := context.Background()

	_, ok, err := lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.advance(16 * time.Second)

	token, ok, err := lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "an expired hold must not block a new acquire")
	assert.NotEmpty(t, token)
}

func TestLock_ReleaseWrongTokenKeepsHold(t *testing.T) {
	lock, _ := newTestLock()
	ctx := context.Background()

	token, ok, err := lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(ctx, "page-1", "not-the-holder"))

	_, ok, err = lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a foreign-token release must not free the lock")

	require.NoError(t, lock.Release(ctx, "page-1", token))

	_, ok, err = lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_PagesIndependent(t *testing.T) {
	lock, _ := newTestLock()
	ctx := context.Background()

	_, ok, err := lock.Acquire(ctx, "page-1", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, "page-2", 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "holds on different pages must not interfere")
}
