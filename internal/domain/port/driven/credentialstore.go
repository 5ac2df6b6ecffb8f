package driven

import (
	"context"
	"errors"
	"time"

	"github.com/postloom/pagevault/internal/domain/model"
)

// ErrNotFound is returned by store operations that target a record or page
// that does not exist. Operations documented as best-effort swallow it
// instead.
var ErrNotFound = errors.New("not found")

// CredentialStore is the driven port for durable credential persistence. It
// is the single source of truth; implementations receive and return records
// in encrypted form and never see plaintext.
type CredentialStore interface {
	// Create persists a new record. When the owning page has no primary
	// credential yet, the new record becomes primary in the same transaction.
	// Records with an incomplete encrypted payload are rejected.
	Create(ctx context.Context, rec *model.CredentialRecord) error

	// ListCandidates returns the page's records, optionally filtered by
	// status ("" means all), ordered most-recent-success first with
	// never-succeeded records last, ties broken by issued_at descending.
	// The order is deterministic; candidate selection depends on it.
	ListCandidates(ctx context.Context, pageID string, status model.CredentialStatus) ([]model.CredentialRecord, error)

	// RecordOutcome mutates only the health fields of the targeted record:
	// a success sets status=active and last_success_at; an error sets
	// status=error, last_error, and last_error_at. A record that no longer
	// exists is ignored -- recording outcomes is best-effort.
	RecordOutcome(ctx context.Context, pageID, credentialID string, outcome model.Outcome) error

	// GetPrimary returns the page's primary credential id, or "" when the
	// page has none.
	GetPrimary(ctx context.Context, pageID string) (string, error)

	// SetPrimary points the page at the given credential. Returns
	// ErrNotFound when the credential does not exist for that page.
	SetPrimary(ctx context.Context, pageID, credentialID string) error

	// ListPageIDs returns the distinct ids of every page that has at least
	// one stored record.
	ListPageIDs(ctx context.Context) ([]string, error)

	// MarkExpired flips status to expired on records whose expires_at has
	// passed, returning how many rows changed.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)

	// Delete removes the given records of a page, returning how many rows
	// were deleted. Deleting a page's current primary is refused by the
	// schema; callers filter it out first.
	Delete(ctx context.Context, pageID string, credentialIDs []string) (int64, error)
}
