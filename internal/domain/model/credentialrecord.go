// Package model defines the domain types for page credential storage.
package model

import (
	"errors"
	"time"
)

// Validation errors returned by NewCredentialRecord and EncryptedPayload.Validate.
var (
	ErrPageIDRequired       = errors.New("credential: page id required")
	ErrCredentialIDRequired = errors.New("credential: credential id required")
	ErrPartialPayload       = errors.New("credential: encrypted payload incomplete")
)

// CredentialStatus represents the health state of a stored credential.
type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "active"
	CredentialStatusError   CredentialStatus = "error"
	CredentialStatusExpired CredentialStatus = "expired"
)

// EncryptedPayload is the envelope-encrypted form of a credential. The data
// key that encrypted Ciphertext is itself encrypted (wrapped) under the
// master key identified by KeyVersion. All six byte fields plus KeyVersion
// are required together; a record with a partial payload is invalid and must
// be rejected before it reaches storage.
type EncryptedPayload struct {
	Ciphertext    []byte
	IV            []byte
	Tag           []byte
	WrappedKey    []byte
	WrappedKeyIV  []byte
	WrappedKeyTag []byte
	KeyVersion    string
}

// Validate returns ErrPartialPayload unless every envelope field is present.
func (p EncryptedPayload) Validate() error {
	if len(p.Ciphertext) == 0 || len(p.IV) == 0 || len(p.Tag) == 0 ||
		len(p.WrappedKey) == 0 || len(p.WrappedKeyIV) == 0 || len(p.WrappedKeyTag) == 0 ||
		p.KeyVersion == "" {
		return ErrPartialPayload
	}
	return nil
}

// Provenance records where a credential came from. All fields are immutable
// after creation.
type Provenance struct {
	SourceActorID string
	SourceLabel   string
	IssuingAppID  string
}

// CredentialRecord is one stored, encrypted credential for a page. A page may
// hold several records (candidates); the payload and provenance are
// write-once, and only Status, LastSuccessAt, LastError, and LastErrorAt
// change after creation.
type CredentialRecord struct {
	CredentialID  string
	PageID        string
	Payload       EncryptedPayload
	Provenance    Provenance
	IssuedAt      time.Time
	ExpiresAt     *time.Time
	Status        CredentialStatus
	LastSuccessAt *time.Time
	LastError     string
	LastErrorAt   *time.Time
}

// NewCredentialRecord assembles a new active record and validates it. The id
// and clock are supplied by the caller so creation stays deterministic under
// test.
func NewCredentialRecord(id, pageID string, payload EncryptedPayload, prov Provenance, expiresAt *time.Time, now time.Time) (*CredentialRecord, error) {
	if id == "" {
		return nil, ErrCredentialIDRequired
	}
	if pageID == "" {
		return nil, ErrPageIDRequired
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	return &CredentialRecord{
		CredentialID: id,
		PageID:       pageID,
		Payload:      payload,
		Provenance:   prov,
		IssuedAt:     now.UTC(),
		ExpiresAt:    expiresAt,
		Status:       CredentialStatusActive,
	}, nil
}
