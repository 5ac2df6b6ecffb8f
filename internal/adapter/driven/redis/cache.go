package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialCache = (*Cache)(nil)

const cacheKeyPrefix = "pagevault:cred:"

// Cache stores decrypted credentials under one Redis key per page. Redis
// owns expiry: entries are written with a TTL and vanish on their own, so a
// reader never has to reason about staleness beyond hit or miss.
type Cache struct {
	client *goredis.Client
}

// NewCache wraps an open Redis client as a credential cache.
func NewCache(client *goredis.Client) *Cache {
	return &Cache{client: client}
}

func cacheKey(pageID string) string {
	return cacheKeyPrefix + pageID
}

// Get fetches the page's cached entry. A missing key is a miss, not an
// error; a backend failure is returned for the caller to absorb.
func (c *Cache) Get(ctx context.Context, pageID string) (*model.CachedCredential, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(pageID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}

	var entry model.CachedCredential
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decoding cache entry: %w", err)
	}

	return &entry, true, nil
}

// Set writes the entry with the given TTL, replacing any previous one.
func (c *Cache) Set(ctx context.Context, pageID string, entry model.CachedCredential, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	if err := c.client.Set(ctx, cacheKey(pageID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}

	return nil
}

// Clear drops the page's entry. Deleting an absent key is not an error.
func (c *Cache) Clear(ctx context.Context, pageID string) error {
	if err := c.client.Del(ctx, cacheKey(pageID)).Err(); err != nil {
		return fmt.Errorf("clearing cache entry: %w", err)
	}

	return nil
}
