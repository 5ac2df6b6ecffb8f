// Package redis implements the plaintext cache and rotation lock ports on a
// shared Redis backend, so that every vault process sees the same cached
// credentials and the same per-page locks. All operations carry short
// timeouts: a slow backend is treated the same as an absent one, and the
// service degrades to its in-process fallbacks rather than stalling.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	dialTimeout  = 1 * time.Second
	readTimeout  = 500 * time.Millisecond
	writeTimeout = 500 * time.Millisecond
)

// Open connects to the Redis backend and verifies it is reachable with a
// ping. Callers that get an error back are expected to fall back to the
// in-process adapters instead of failing startup.
func Open(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}

	return client, nil
}
