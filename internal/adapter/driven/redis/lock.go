package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RotationLock = (*Lock)(nil)

const lockKeyPrefix = "pagevault:lock:"

// releaseScript deletes the lock key only while its value still matches the
// caller's token. Without the compare a holder whose TTL already lapsed
// could delete the lock out from under its successor.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is the shared per-page rotation lock: a SET NX key whose value is an
// opaque holder token and whose TTL bounds how long a crashed holder can
// wedge the page.
type Lock struct {
	client *goredis.Client
}

// NewLock wraps an open Redis client as a rotation lock.
func NewLock(client *goredis.Client) *Lock {
	return &Lock{client: client}
}

func lockKey(pageID string) string {
	return lockKeyPrefix + pageID
}

// Acquire attempts a conditional set of the page's lock key. ok=false with a
// nil error means another holder owns the lock.
func (l *Lock) Acquire(ctx context.Context, pageID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey(pageID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquiring rotation lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

// Release frees the lock if token still matches the holder. A stale or
// foreign token leaves the lock in place and returns nil.
func (l *Lock) Release(ctx context.Context, pageID, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(pageID)}, token).Err(); err != nil {
		return fmt.Errorf("releasing rotation lock: %w", err)
	}

	return nil
}
