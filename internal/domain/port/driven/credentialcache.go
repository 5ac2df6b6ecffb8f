package driven

import (
	"context"
	"time"

	"github.com/postloom/pagevault/internal/domain/model"
)

// CredentialCache is the driven port for the short-TTL plaintext cache. The
// cache is never a source of truth: an entry may vanish at any time, and
// callers treat every backend error as a miss. Implementations must bound
// their own I/O so a slow backend cannot stall credential lookups.
type CredentialCache interface {
	// Get returns the cached entry for a page and whether one was present.
	// A returned error implies a miss; callers log it and move on.
	Get(ctx context.Context, pageID string) (*model.CachedCredential, bool, error)

	// Set stores the entry with the given TTL, replacing any previous one.
	Set(ctx context.Context, pageID string, entry model.CachedCredential, ttl time.Duration) error

	// Clear removes the page's entry if present.
	Clear(ctx context.Context, pageID string) error
}
