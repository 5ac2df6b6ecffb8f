package application_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/domain/port/driven"
	"github.com/postloom/pagevault/internal/envelope"
)

// --- Mock implementations shared by the application tests ---

type outcomeCall struct {
	PageID       string
	CredentialID string
	Outcome      model.Outcome
}

type deleteCall struct {
	PageID        string
	CredentialIDs []string
}

// mockStore is an in-memory CredentialStore. Candidate order is the slice
// order of records[pageID]; tests arrange it to stand in for the real
// store's ranking.
type mockStore struct {
	mu        sync.Mutex
	records   map[string][]model.CredentialRecord
	primaries map[string]string

	created   []model.CredentialRecord
	outcomes  []outcomeCall
	deletes   []deleteCall
	listCalls int

	createErr error
	listErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		records:   make(map[string][]model.CredentialRecord),
		primaries: make(map[string]string),
	}
}

func (m *mockStore) Create(_ context.Context, rec *model.CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}

	copied := *rec
	m.created = append(m.created, copied)
	m.records[rec.PageID] = append(m.records[rec.PageID], copied)
	if m.primaries[rec.PageID] == "" {
		m.primaries[rec.PageID] = rec.CredentialID
	}
	return nil
}

func (m *mockStore) ListCandidates(_ context.Context, pageID string, status model.CredentialStatus) ([]model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}

	var out []model.CredentialRecord
	for _, rec := range m.records[pageID] {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *mockStore) RecordOutcome(_ context.Context, pageID, credentialID string, outcome model.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomes = append(m.outcomes, outcomeCall{PageID: pageID, CredentialID: credentialID, Outcome: outcome})

	recs := m.records[pageID]
	for i := range recs {
		if recs[i].CredentialID != credentialID {
			continue
		}
		at := outcome.At
		if outcome.Result == model.OutcomeSuccess {
			recs[i].Status = model.CredentialStatusActive
			recs[i].LastSuccessAt = &at
			recs[i].LastError = ""
			recs[i].LastErrorAt = nil
		} else {
			recs[i].Status = model.CredentialStatusError
			recs[i].LastError = outcome.Detail
			recs[i].LastErrorAt = &at
		}
	}
	return nil
}

func (m *mockStore) GetPrimary(_ context.Context, pageID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primaries[pageID], nil
}

func (m *mockStore) SetPrimary(_ context.Context, pageID, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records[pageID] {
		if rec.CredentialID == credentialID {
			m.primaries[pageID] = credentialID
			return nil
		}
	}
	return fmt.Errorf("credential %s for page %s: %w", credentialID, pageID, driven.ErrNotFound)
}

func (m *mockStore) ListPageIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *mockStore) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, recs := range m.records {
		for i := range recs {
			if recs[i].ExpiresAt != nil && !recs[i].ExpiresAt.After(now) && recs[i].Status != model.CredentialStatusExpired {
				recs[i].Status = model.CredentialStatusExpired
				n++
			}
		}
	}
	return n, nil
}

func (m *mockStore) Delete(_ context.Context, pageID string, credentialIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deletes = append(m.deletes, deleteCall{PageID: pageID, CredentialIDs: append([]string(nil), credentialIDs...)})

	doomed := make(map[string]bool, len(credentialIDs))
	for _, id := range credentialIDs {
		doomed[id] = true
	}

	var kept []model.CredentialRecord
	var n int64
	for _, rec := range m.records[pageID] {
		if doomed[rec.CredentialID] {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	m.records[pageID] = kept
	return n, nil
}

// mockCache is an in-memory CredentialCache that records writes and clears.
type mockCache struct {
	mu      sync.Mutex
	entries map[string]model.CachedCredential
	sets    int
	clears  []string
	getErr  error
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]model.CachedCredential)}
}

func (m *mockCache) Get(_ context.Context, pageID string) (*model.CachedCredential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, false, m.getErr
	}
	entry, ok := m.entries[pageID]
	if !ok {
		return nil, false, nil
	}
	value := entry
	return &value, true, nil
}

func (m *mockCache) Set(_ context.Context, pageID string, entry model.CachedCredential, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sets++
	m.entries[pageID] = entry
	return nil
}

func (m *mockCache) Clear(_ context.Context, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clears = append(m.clears, pageID)
	delete(m.entries, pageID)
	return nil
}

// mockLock either grants fresh tokens or reports busy/errors, recording
// every call.
type mockLock struct {
	mu       sync.Mutex
	busy     bool
	err      error
	acquires int
	releases []string
}

func (m *mockLock) Acquire(_ context.Context, _ string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.acquires++
	if m.err != nil {
		return "", false, m.err
	}
	if m.busy {
		return "", false, nil
	}
	return fmt.Sprintf("token-%d", m.acquires), true, nil
}

func (m *mockLock) Release(_ context.Context, _, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releases = append(m.releases, token)
	return nil
}

// mockGraph counts warm checks and delegates behavior to optional funcs.
type mockGraph struct {
	mu         sync.Mutex
	validated  []string
	validate   func(pageID, credential string) error
	derive     func(pageID, actorCredential string) (string, error)
	listPages  func(actorCredential string) ([]model.ActorPage, error)
	checkDelay time.Duration
}

func (m *mockGraph) ValidatePage(ctx context.Context, pageID, credential string) error {
	if m.checkDelay > 0 {
		select {
		case <-time.After(m.checkDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	m.validated = append(m.validated, credential)
	fn := m.validate
	m.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(pageID, credential)
}

func (m *mockGraph) warmChecks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.validated...)
}

func (m *mockGraph) DerivePageCredential(_ context.Context, pageID, actorCredential string) (string, error) {
	if m.derive == nil {
		return "", errors.New("derive not configured")
	}
	return m.derive(pageID, actorCredential)
}

func (m *mockGraph) ListActorPages(_ context.Context, actorCredential string) ([]model.ActorPage, error) {
	if m.listPages == nil {
		return nil, nil
	}
	return m.listPages(actorCredential)
}

// mockNotifier buffers alerts so tests can await the asynchronous delivery.
type mockNotifier struct {
	alerts chan string
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{alerts: make(chan string, 8)}
}

func (m *mockNotifier) Notify(_ context.Context, message string) error {
	m.alerts <- message
	return nil
}

func (m *mockNotifier) await(t *testing.T) string {
	t.Helper()

	select {
	case msg := <-m.alerts:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("expected an operator alert")
		return ""
	}
}

// --- Fixture helpers ---

func testCipher(t *testing.T) *envelope.Cipher {
	t.Helper()

	key := bytes.Repeat([]byte{0x42}, envelope.KeySize)
	cipher, err := envelope.NewCipher("v1", map[string][]byte{"v1": key})
	require.NoError(t, err)
	return cipher
}

// storedRecord builds a stored credential whose payload decrypts to
// plaintext under the test cipher.
func storedRecord(t *testing.T, cipher *envelope.Cipher, credentialID, pageID, plaintext string, status model.CredentialStatus) model.CredentialRecord {
	t.Helper()

	payload, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)

	return model.CredentialRecord{
		CredentialID: credentialID,
		PageID:       pageID,
		Payload:      payload,
		IssuedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:       status,
	}
}
