package driven

import (
	"context"

	"github.com/postloom/pagevault/internal/domain/model"
)

// GraphClient is the driven port for the external social-graph API. The
// vault needs exactly two calls during normal operation (a warm check and a
// page-credential derivation) plus a page listing used only while onboarding.
type GraphClient interface {
	// ValidatePage performs the warm check: a lightweight read of the page
	// using the candidate credential. A nil return means the provider
	// accepted the credential and returned the expected page id. Any other
	// outcome is returned as an error whose message is suitable for storing
	// verbatim in the record's last_error field.
	ValidatePage(ctx context.Context, pageID, credential string) error

	// DerivePageCredential exchanges an actor-level credential for a
	// page-scoped one. Used only during onboarding.
	DerivePageCredential(ctx context.Context, pageID, actorCredential string) (string, error)

	// ListActorPages returns the pages reachable from the actor credential.
	ListActorPages(ctx context.Context, actorCredential string) ([]model.ActorPage, error)
}
