// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/domain/port/driven"
	"github.com/postloom/pagevault/internal/envelope"
)

const (
	// lockRetryInterval is the pause between acquire attempts while another
	// holder owns a page's rotation lock.
	lockRetryInterval = 250 * time.Millisecond

	// releaseTimeout bounds the background release of the rotation lock so
	// a canceled caller still frees it promptly.
	releaseTimeout = 2 * time.Second

	// notifyTimeout bounds the fire-and-forget operator alert.
	notifyTimeout = 10 * time.Second
)

// AuthenticationNeededError reports that a page has no credential the
// provider will accept: every stored candidate was rejected (or none exist)
// and a human must re-authorize the page. It is the only hard authentication
// failure a credential lookup produces.
type AuthenticationNeededError struct {
	PageID string
	Detail string
}

func (e *AuthenticationNeededError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("page %s needs re-authorization", e.PageID)
	}
	return fmt.Sprintf("page %s needs re-authorization: %s", e.PageID, e.Detail)
}

// VaultService serves decrypted page credentials and tracks their health. It
// orchestrates the cipher, store, cache, lock, and graph ports; plaintext
// exists only in its call frames and in the cache, never in the store.
type VaultService struct {
	cipher   *envelope.Cipher
	store    driven.CredentialStore
	cache    driven.CredentialCache
	lock     driven.RotationLock
	graph    driven.GraphClient
	notifier driven.Notifier // nil disables operator alerts

	cacheTTL         time.Duration
	lockTTL          time.Duration
	lockWait         time.Duration
	warmCheckTimeout time.Duration
}

// NewVaultService creates a new VaultService with all required dependencies.
// notifier may be nil when operator alerting is not configured.
func NewVaultService(
	cipher *envelope.Cipher,
	store driven.CredentialStore,
	cache driven.CredentialCache,
	lock driven.RotationLock,
	graph driven.GraphClient,
	notifier driven.Notifier,
	cacheTTL time.Duration,
	lockTTL time.Duration,
	lockWait time.Duration,
	warmCheckTimeout time.Duration,
) *VaultService {
	return &VaultService{
		cipher:           cipher,
		store:            store,
		cache:            cache,
		lock:             lock,
		graph:            graph,
		notifier:         notifier,
		cacheTTL:         cacheTTL,
		lockTTL:          lockTTL,
		lockWait:         lockWait,
		warmCheckTimeout: warmCheckTimeout,
	}
}

// GetUsableCredential returns a decrypted, provider-validated credential for
// the page. The fast path is a cache hit; on a miss the call takes the
// page's rotation lock, re-checks the cache, then decrypts and warm-checks
// the best stored candidate with at most one fallback. Exhaustion comes back
// as *AuthenticationNeededError; store failures are the only other hard
// errors, everything else degrades.
func (s *VaultService) GetUsableCredential(ctx context.Context, pageID string) (*model.UsableCredential, error) {
	if pageID == "" {
		return nil, errors.New("page id required")
	}

	if entry, ok := s.cacheGet(ctx, pageID); ok {
		return cachedResult(entry), nil
	}

	if token, acquired := s.acquireLock(ctx, pageID); acquired {
		defer s.releaseLock(pageID, token)
	}

	// Second look now that we hold the lock: whoever held it before us has
	// probably refreshed the cache. This double check is what bounds N
	// racing callers to a single warm check.
	if entry, ok := s.cacheGet(ctx, pageID); ok {
		return cachedResult(entry), nil
	}

	candidates, err := s.store.ListCandidates(ctx, pageID, "")
	if err != nil {
		return nil, fmt.Errorf("listing candidates for page %s: %w", pageID, err)
	}
	if len(candidates) == 0 {
		return nil, s.exhausted(pageID, "no stored credentials")
	}

	first := firstAttempt(candidates)
	plaintext, detail, ok := s.tryCandidate(ctx, pageID, first)
	if ok {
		return s.serveFromStore(ctx, pageID, first.CredentialID, plaintext), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fallback := fallbackAttempt(candidates, first.CredentialID)
	if fallback == nil {
		return nil, s.exhausted(pageID, detail)
	}

	plaintext, detail, ok = s.tryCandidate(ctx, pageID, *fallback)
	if ok {
		return s.serveFromStore(ctx, pageID, fallback.CredentialID, plaintext), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return nil, s.exhausted(pageID, detail)
}

// firstAttempt is the best active candidate, or the best candidate of any
// status when no active one exists -- an error-status record's only road
// back to active is being warm-checked again.
func firstAttempt(candidates []model.CredentialRecord) model.CredentialRecord {
	for _, rec := range candidates {
		if rec.Status == model.CredentialStatusActive {
			return rec
		}
	}
	return candidates[0]
}

// fallbackAttempt is the highest-ranked candidate distinct from the one just
// tried, or nil when none remains. At most one fallback per call.
func fallbackAttempt(candidates []model.CredentialRecord, triedID string) *model.CredentialRecord {
	for i := range candidates {
		if candidates[i].CredentialID != triedID {
			return &candidates[i]
		}
	}
	return nil
}

// tryCandidate decrypts and warm-checks one candidate, recording the outcome
// on the record. A decryption failure counts exactly like a provider
// rejection: a tampered record is operationally indistinguishable from an
// invalid credential. No outcome is recorded when the caller's context died
// mid-check, since that is not a verdict on the credential.
func (s *VaultService) tryCandidate(ctx context.Context, pageID string, rec model.CredentialRecord) (plaintext, detail string, ok bool) {
	plaintext, err := s.cipher.Decrypt(rec.Payload)
	if err != nil {
		detail = err.Error()
		slog.Warn("credential failed decryption",
			"page_id", pageID,
			"credential_id", rec.CredentialID,
			"error", err,
		)
		s.recordOutcome(ctx, pageID, rec.CredentialID, errorOutcome(detail))
		return "", detail, false
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.warmCheckTimeout)
	defer cancel()

	if err := s.graph.ValidatePage(checkCtx, pageID, plaintext); err != nil {
		if ctx.Err() != nil {
			return "", "", false
		}

		detail = err.Error()
		slog.Info("warm check rejected credential",
			"page_id", pageID,
			"credential_id", rec.CredentialID,
			"error", err,
		)
		s.recordOutcome(ctx, pageID, rec.CredentialID, errorOutcome(detail))
		return "", detail, false
	}

	s.recordOutcome(ctx, pageID, rec.CredentialID, model.Outcome{
		Result: model.OutcomeSuccess,
		At:     time.Now().UTC(),
	})

	return plaintext, "", true
}

// serveFromStore caches the validated plaintext and builds the result.
func (s *VaultService) serveFromStore(ctx context.Context, pageID, credentialID, plaintext string) *model.UsableCredential {
	s.cacheSet(ctx, pageID, model.CachedCredential{
		Plaintext:    plaintext,
		CredentialID: credentialID,
	})

	return &model.UsableCredential{
		Plaintext:    plaintext,
		CredentialID: credentialID,
		Source:       model.SourceStore,
	}
}

// exhausted raises the operator alert and returns the page's hard
// authentication failure.
func (s *VaultService) exhausted(pageID, detail string) error {
	authErr := &AuthenticationNeededError{PageID: pageID, Detail: detail}
	slog.Error("page has no usable credential", "page_id", pageID, "detail", detail)

	if s.notifier != nil {
		go s.sendAlert(pageID, authErr.Error())
	}

	return authErr
}

// sendAlert delivers one operator alert on its own context; alerting must
// never block or fail a credential lookup.
func (s *VaultService) sendAlert(pageID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if err := s.notifier.Notify(ctx, message); err != nil {
		slog.Warn("operator alert failed", "page_id", pageID, "error", err)
	}
}

// CreateCredential encrypts plaintext and persists a new record for the
// page. The first record a page ever receives becomes its primary
// automatically, inside the store's insert transaction.
func (s *VaultService) CreateCredential(ctx context.Context, pageID, plaintext string, prov model.Provenance, expiresAt *time.Time) (string, error) {
	if pageID == "" {
		return "", errors.New("page id required")
	}
	if plaintext == "" {
		return "", errors.New("credential plaintext required")
	}

	payload, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypting credential for page %s: %w", pageID, err)
	}

	rec, err := model.NewCredentialRecord(uuid.NewString(), pageID, payload, prov, expiresAt, time.Now())
	if err != nil {
		return "", err
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("storing credential for page %s: %w", pageID, err)
	}

	slog.Info("credential stored",
		"page_id", pageID,
		"credential_id", rec.CredentialID,
		"key_version", payload.KeyVersion,
	)

	return rec.CredentialID, nil
}

// OnboardCredential derives and stores a page-scoped credential for the
// named page from an actor-level credential, then does the same best-effort
// for every sibling page the actor can reach. Returns the named page's new
// credential id. Onboarding never pre-populates the cache: the first lookup
// warm-checks the stored record like any other.
func (s *VaultService) OnboardCredential(ctx context.Context, pageID, actorCredential string, prov model.Provenance) (string, error) {
	if pageID == "" {
		return "", errors.New("page id required")
	}
	if actorCredential == "" {
		return "", errors.New("actor credential required")
	}

	plaintext, err := s.graph.DerivePageCredential(ctx, pageID, actorCredential)
	if err != nil {
		return "", fmt.Errorf("deriving credential for page %s: %w", pageID, err)
	}

	credentialID, err := s.CreateCredential(ctx, pageID, plaintext, prov, nil)
	if err != nil {
		return "", err
	}

	s.onboardSiblings(ctx, pageID, actorCredential, prov)

	return credentialID, nil
}

// onboardSiblings derives and stores credentials for the actor's other
// pages. Failures are logged and skipped; they never fail the named page's
// onboarding.
func (s *VaultService) onboardSiblings(ctx context.Context, namedPageID, actorCredential string, prov model.Provenance) {
	pages, err := s.graph.ListActorPages(ctx, actorCredential)
	if err != nil {
		slog.Warn("listing actor pages failed, skipping sibling onboarding",
			"page_id", namedPageID,
			"error", err,
		)
		return
	}

	for _, page := range pages {
		if page.ID == namedPageID {
			continue
		}

		plaintext, err := s.graph.DerivePageCredential(ctx, page.ID, actorCredential)
		if err != nil {
			slog.Warn("sibling credential derive failed", "page_id", page.ID, "error", err)
			continue
		}

		if _, err := s.CreateCredential(ctx, page.ID, plaintext, prov, nil); err != nil {
			slog.Warn("sibling credential store failed", "page_id", page.ID, "error", err)
		}
	}
}

// RecordOutcome forwards a caller-observed outcome to the store. An error
// outcome also clears the page's cache entry so a credential the provider
// just rejected is not served for the rest of its TTL.
func (s *VaultService) RecordOutcome(ctx context.Context, pageID, credentialID string, outcome model.Outcome) error {
	if pageID == "" || credentialID == "" {
		return errors.New("page id and credential id required")
	}

	if outcome.At.IsZero() {
		outcome.At = time.Now().UTC()
	}

	if err := s.store.RecordOutcome(ctx, pageID, credentialID, outcome); err != nil {
		return fmt.Errorf("recording outcome for credential %s: %w", credentialID, err)
	}

	if outcome.Result == model.OutcomeError {
		s.cacheClear(ctx, pageID)
	}

	return nil
}

// SetPrimary repoints the page's preferred credential and clears the cache
// so the next lookup serves the newly preferred record.
func (s *VaultService) SetPrimary(ctx context.Context, pageID, credentialID string) error {
	if pageID == "" || credentialID == "" {
		return errors.New("page id and credential id required")
	}

	if err := s.store.SetPrimary(ctx, pageID, credentialID); err != nil {
		return fmt.Errorf("setting primary for page %s: %w", pageID, err)
	}

	s.cacheClear(ctx, pageID)

	return nil
}

// ListCandidates returns the page's stored records in selection order.
func (s *VaultService) ListCandidates(ctx context.Context, pageID string, status model.CredentialStatus) ([]model.CredentialRecord, error) {
	if pageID == "" {
		return nil, errors.New("page id required")
	}
	return s.store.ListCandidates(ctx, pageID, status)
}

// GetPrimary returns the page's primary credential id, or "" when unset.
func (s *VaultService) GetPrimary(ctx context.Context, pageID string) (string, error) {
	if pageID == "" {
		return "", errors.New("page id required")
	}
	return s.store.GetPrimary(ctx, pageID)
}

// acquireLock takes the page's rotation lock within the wait budget. Backend
// errors count as busy. A caller that exhausts the budget proceeds without
// exclusivity: the wait is deliberately longer than the lock TTL, so by then
// any crashed holder's entry has already expired, and a bounded duplicate
// warm check beats a stalled credential lookup.
func (s *VaultService) acquireLock(ctx context.Context, pageID string) (string, bool) {
	deadline := time.Now().Add(s.lockWait)

	for {
		token, ok, err := s.lock.Acquire(ctx, pageID, s.lockTTL)
		if err != nil {
			slog.Debug("rotation lock acquire failed, treating as busy", "page_id", pageID, "error", err)
		} else if ok {
			return token, true
		}

		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(lockRetryInterval):
		}

		if time.Now().After(deadline) {
			slog.Warn("rotation lock wait exhausted, proceeding without exclusivity", "page_id", pageID)
			return "", false
		}
	}
}

// releaseLock frees the rotation lock on its own short context so a caller
// whose context died still releases promptly instead of waiting out the TTL.
func (s *VaultService) releaseLock(pageID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := s.lock.Release(ctx, pageID, token); err != nil {
		slog.Warn("rotation lock release failed, ttl will expire it", "page_id", pageID, "error", err)
	}
}

// cacheGet reads the cache with the error taxonomy applied: any backend
// error is a miss, logged and absorbed.
func (s *VaultService) cacheGet(ctx context.Context, pageID string) (*model.CachedCredential, bool) {
	entry, ok, err := s.cache.Get(ctx, pageID)
	if err != nil {
		slog.Warn("credential cache read failed, treating as miss", "page_id", pageID, "error", err)
		return nil, false
	}
	return entry, ok
}

func (s *VaultService) cacheSet(ctx context.Context, pageID string, entry model.CachedCredential) {
	if err := s.cache.Set(ctx, pageID, entry, s.cacheTTL); err != nil {
		slog.Warn("credential cache write failed", "page_id", pageID, "error", err)
	}
}

func (s *VaultService) cacheClear(ctx context.Context, pageID string) {
	if err := s.cache.Clear(ctx, pageID); err != nil {
		slog.Warn("credential cache clear failed", "page_id", pageID, "error", err)
	}
}

// recordOutcome writes a health outcome during a lookup, logging instead of
// failing: health tracking is advisory there.
func (s *VaultService) recordOutcome(ctx context.Context, pageID, credentialID string, outcome model.Outcome) {
	if err := s.store.RecordOutcome(ctx, pageID, credentialID, outcome); err != nil {
		slog.Warn("recording credential outcome failed",
			"page_id", pageID,
			"credential_id", credentialID,
			"error", err,
		)
	}
}

func errorOutcome(detail string) model.Outcome {
	return model.Outcome{
		Result: model.OutcomeError,
		Detail: detail,
		At:     time.Now().UTC(),
	}
}

func cachedResult(entry *model.CachedCredential) *model.UsableCredential {
	return &model.UsableCredential{
		Plaintext:    entry.Plaintext,
		CredentialID: entry.CredentialID,
		Source:       model.SourceCache,
	}
}
