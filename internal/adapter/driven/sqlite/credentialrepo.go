package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port
// interface. It only ever sees envelope-encrypted payloads; plaintext never
// reaches this layer.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new CredentialRepo backed by the given DB.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

// candidateColumns is the shared select list so every read returns records in
// the same shape.
const candidateColumns = `
	credential_id, page_id,
	ciphertext, iv, tag, wrapped_key, wrapped_key_iv, wrapped_key_tag, key_version,
	source_actor_id, source_label, issuing_app_id,
	issued_at, expires_at, status, last_success_at, last_error, last_error_at
`

// Create persists a new credential record. The insert and the conditional
// primary-pointer update run in one transaction: the record becomes the
// page's primary only when the page has none yet, so later creates never
// steal primary.
func (r *CredentialRepo) Create(ctx context.Context, rec *model.CredentialRecord) error {
	if err := rec.Payload.Validate(); err != nil {
		return err
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create credential: %w", err)
	}
	defer tx.Rollback()

	const insertRecord = `
		INSERT INTO credential_records (
			credential_id, page_id,
			ciphertext, iv, tag, wrapped_key, wrapped_key_iv, wrapped_key_tag, key_version,
			source_actor_id, source_label, issuing_app_id,
			issued_at, expires_at, status, last_success_at, last_error, last_error_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, insertRecord,
		rec.CredentialID, rec.PageID,
		rec.Payload.Ciphertext, rec.Payload.IV, rec.Payload.Tag,
		rec.Payload.WrappedKey, rec.Payload.WrappedKeyIV, rec.Payload.WrappedKeyTag,
		rec.Payload.KeyVersion,
		rec.Provenance.SourceActorID, rec.Provenance.SourceLabel, rec.Provenance.IssuingAppID,
		rec.IssuedAt.UTC(), nullableTime(rec.ExpiresAt), string(rec.Status),
		nullableTime(rec.LastSuccessAt), rec.LastError, nullableTime(rec.LastErrorAt),
	)
	if err != nil {
		return fmt.Errorf("insert credential for page %q: %w", rec.PageID, err)
	}

	const claimPrimary = `
		INSERT INTO pages (page_id, primary_credential_id) VALUES (?, ?)
		ON CONFLICT(page_id) DO UPDATE SET primary_credential_id = excluded.primary_credential_id
		WHERE pages.primary_credential_id IS NULL
	`

	if _, err := tx.ExecContext(ctx, claimPrimary, rec.PageID, rec.CredentialID); err != nil {
		return fmt.Errorf("claim primary for page %q: %w", rec.PageID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create credential: %w", err)
	}

	return nil
}

// ListCandidates returns the page's records, optionally filtered by status
// ("" means all). Records with a success are ordered most recent first;
// never-succeeded records follow, newest issued first. Equal timestamps fall
// back to credential_id so the order is fully deterministic.
func (r *CredentialRepo) ListCandidates(ctx context.Context, pageID string, status model.CredentialStatus) ([]model.CredentialRecord, error) {
	query := `
		SELECT ` + candidateColumns + `
		FROM credential_records
		WHERE page_id = ?
	`
	args := []any{pageID}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}

	query += ` ORDER BY (last_success_at IS NULL), last_success_at DESC, issued_at DESC, credential_id`

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates for page %q: %w", pageID, err)
	}
	defer rows.Close()

	var records []model.CredentialRecord
	for rows.Next() {
		rec, err := scanCredentialRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential record: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential records: %w", err)
	}

	return records, nil
}

// RecordOutcome mutates only the health fields of the targeted record. A
// record that no longer exists (swept concurrently) is not an error: the
// outcome is simply dropped.
func (r *CredentialRepo) RecordOutcome(ctx context.Context, pageID, credentialID string, outcome model.Outcome) error {
	var query string
	var args []any

	switch outcome.Result {
	case model.OutcomeSuccess:
		query = `
			UPDATE credential_records
			SET status = 'active', last_success_at = ?, last_error = '', last_error_at = NULL
			WHERE page_id = ? AND credential_id = ?
		`
		args = []any{outcome.At.UTC(), pageID, credentialID}
	case model.OutcomeError:
		query = `
			UPDATE credential_records
			SET status = 'error', last_error = ?, last_error_at = ?
			WHERE page_id = ? AND credential_id = ?
		`
		args = []any{outcome.Detail, outcome.At.UTC(), pageID, credentialID}
	default:
		return fmt.Errorf("record outcome: unknown result %q", outcome.Result)
	}

	result, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record %s outcome for credential %q: %w", outcome.Result, credentialID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("outcome dropped, credential no longer exists",
			"page_id", pageID,
			"credential_id", credentialID,
		)
	}

	return nil
}

// GetPrimary returns the page's primary credential id, or "" when the page
// has no credentials yet.
func (r *CredentialRepo) GetPrimary(ctx context.Context, pageID string) (string, error) {
	const query = `SELECT primary_credential_id FROM pages WHERE page_id = ?`

	var primary sql.NullString
	err := r.db.Reader.QueryRowContext(ctx, query, pageID).Scan(&primary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get primary for page %q: %w", pageID, err)
	}

	return primary.String, nil
}

// SetPrimary points the page at the given credential. The SELECT feeding the
// upsert only produces a row when the credential actually belongs to that
// page, so an unknown credential yields driven.ErrNotFound.
func (r *CredentialRepo) SetPrimary(ctx context.Context, pageID, credentialID string) error {
	const query = `
		INSERT INTO pages (page_id, primary_credential_id)
		SELECT page_id, credential_id FROM credential_records
		WHERE page_id = ? AND credential_id = ?
		ON CONFLICT(page_id) DO UPDATE SET primary_credential_id = excluded.primary_credential_id
	`

	result, err := r.db.Writer.ExecContext(ctx, query, pageID, credentialID)
	if err != nil {
		return fmt.Errorf("set primary for page %q: %w", pageID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("credential %q for page %q: %w", credentialID, pageID, driven.ErrNotFound)
	}

	return nil
}

// ListPageIDs returns the distinct ids of every page with at least one record.
func (r *CredentialRepo) ListPageIDs(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT page_id FROM credential_records ORDER BY page_id`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list page ids: %w", err)
	}
	defer rows.Close()

	var pageIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan page id: %w", err)
		}
		pageIDs = append(pageIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page ids: %w", err)
	}

	return pageIDs, nil
}

// MarkExpired flips status to expired on records whose expires_at has passed.
// datetime() normalizes both sides so the comparison is format-independent.
func (r *CredentialRepo) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		UPDATE credential_records
		SET status = 'expired'
		WHERE expires_at IS NOT NULL
		  AND datetime(expires_at) <= datetime(?)
		  AND status != 'expired'
	`

	result, err := r.db.Writer.ExecContext(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark expired credentials: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	return rows, nil
}

// Delete removes the given records of a page, returning how many rows were
// deleted. The pages table's foreign key refuses to delete a record that is
// still the page's primary pointer; callers filter the primary out first.
func (r *CredentialRepo) Delete(ctx context.Context, pageID string, credentialIDs []string) (int64, error) {
	if len(credentialIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?, ", len(credentialIDs)-1) + "?"
	query := `DELETE FROM credential_records WHERE page_id = ? AND credential_id IN (` + placeholders + `)`

	args := make([]any, 0, len(credentialIDs)+1)
	args = append(args, pageID)
	for _, id := range credentialIDs {
		args = append(args, id)
	}

	result, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete credentials for page %q: %w", pageID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	return rows, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCredentialRecord(s scanner) (*model.CredentialRecord, error) {
	var rec model.CredentialRecord
	var status string
	var issuedAt string
	var expiresAt, lastSuccessAt, lastErrorAt sql.NullString

	err := s.Scan(
		&rec.CredentialID, &rec.PageID,
		&rec.Payload.Ciphertext, &rec.Payload.IV, &rec.Payload.Tag,
		&rec.Payload.WrappedKey, &rec.Payload.WrappedKeyIV, &rec.Payload.WrappedKeyTag,
		&rec.Payload.KeyVersion,
		&rec.Provenance.SourceActorID, &rec.Provenance.SourceLabel, &rec.Provenance.IssuingAppID,
		&issuedAt, &expiresAt, &status, &lastSuccessAt, &rec.LastError, &lastErrorAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = model.CredentialStatus(status)

	rec.IssuedAt, err = parseTime(issuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse issued_at: %w", err)
	}

	rec.ExpiresAt, err = parseNullableTime(expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	rec.LastSuccessAt, err = parseNullableTime(lastSuccessAt)
	if err != nil {
		return nil, fmt.Errorf("parse last_success_at: %w", err)
	}

	rec.LastErrorAt, err = parseNullableTime(lastErrorAt)
	if err != nil {
		return nil, fmt.Errorf("parse last_error_at: %w", err)
	}

	return &rec, nil
}

// nullableTime converts an optional timestamp into a driver-bindable value.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseTime tries multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
