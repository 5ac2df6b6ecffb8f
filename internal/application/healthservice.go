package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// PageCredentialHealth is the aggregated health view of one page's stored
// credentials, as served by the admin API.
type PageCredentialHealth struct {
	PageID              string
	Total               int
	Active              int
	Errored             int
	Expired             int
	PrimaryCredentialID string
	LastSuccessAt       *time.Time
	NeedsReauth         bool
}

// HealthService assembles credential health views for the HTTP API. It is
// pure aggregation over the store and depends only on port interfaces.
type HealthService struct {
	store driven.CredentialStore
}

// NewHealthService creates a new HealthService with the required dependencies.
func NewHealthService(store driven.CredentialStore) *HealthService {
	return &HealthService{
		store: store,
	}
}

// GetPageCredentialHealth counts the page's records by status, finds the
// most recent success across all of them, and flags NeedsReauth when no
// candidate is active -- the same condition under which a lookup would
// exhaust and page an operator.
func (s *HealthService) GetPageCredentialHealth(ctx context.Context, pageID string) (*PageCredentialHealth, error) {
	if pageID == "" {
		return nil, errors.New("page id required")
	}

	candidates, err := s.store.ListCandidates(ctx, pageID, "")
	if err != nil {
		return nil, fmt.Errorf("listing candidates for page %s: %w", pageID, err)
	}

	primary, err := s.store.GetPrimary(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("resolving primary for page %s: %w", pageID, err)
	}

	health := &PageCredentialHealth{
		PageID:              pageID,
		Total:               len(candidates),
		PrimaryCredentialID: primary,
	}

	for _, rec := range candidates {
		switch rec.Status {
		case model.CredentialStatusActive:
			health.Active++
		case model.CredentialStatusError:
			health.Errored++
		case model.CredentialStatusExpired:
			health.Expired++
		}

		if rec.LastSuccessAt != nil && (health.LastSuccessAt == nil || rec.LastSuccessAt.After(*health.LastSuccessAt)) {
			t := *rec.LastSuccessAt
			health.LastSuccessAt = &t
		}
	}

	health.NeedsReauth = health.Active == 0

	return health, nil
}
