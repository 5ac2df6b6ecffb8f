// Package memory provides in-process implementations of the plaintext cache
// and rotation lock ports. They are the fallback when no shared backend is
// configured or the configured one is unreachable at startup; entries are
// lost on restart and invisible to other processes, which the contract of
// both ports permits.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialCache = (*Cache)(nil)

type cacheEntry struct {
	value     model.CachedCredential
	expiresAt time.Time
}

// Cache is a mutex-guarded map with per-entry TTL. Expired entries are
// dropped lazily on read.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCache creates an empty in-process cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached entry for a page, dropping it first if its TTL has
// lapsed.
func (c *Cache) Get(_ context.Context, pageID string) (*model.CachedCredential, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[pageID]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: a Set may have raced the expiry.
		if current, ok := c.entries[pageID]; ok && c.now().After(current.expiresAt) {
			delete(c.entries, pageID)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	value := entry.value
	return &value, true, nil
}

// Set stores the entry with the given TTL, replacing any previous one.
func (c *Cache) Set(_ context.Context, pageID string, entry model.CachedCredential, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[pageID] = cacheEntry{
		value:     entry,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Clear removes the page's entry if present.
func (c *Cache) Clear(_ context.Context, pageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, pageID)
	return nil
}
