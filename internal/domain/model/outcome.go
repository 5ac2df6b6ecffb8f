package model

import "time"

// OutcomeResult distinguishes a successful warm check from a rejection.
type OutcomeResult string

const (
	OutcomeSuccess OutcomeResult = "success"
	OutcomeError   OutcomeResult = "error"
)

// Outcome is a health signal recorded against one credential after a warm
// check or an external call made with it. Detail carries the provider's
// error verbatim and is empty on success.
type Outcome struct {
	Result OutcomeResult
	Detail string
	At     time.Time
}

// CredentialSource tells a caller whether the plaintext came from the cache
// or was decrypted and warm-checked against the store.
type CredentialSource string

const (
	SourceCache CredentialSource = "cache"
	SourceStore CredentialSource = "store"
)

// UsableCredential is the result of a successful credential lookup.
type UsableCredential struct {
	Plaintext    string
	CredentialID string
	Source       CredentialSource
}

// CachedCredential is the value stored in the plaintext cache. It carries the
// credential id alongside the plaintext so cache hits can still report which
// record they came from.
type CachedCredential struct {
	Plaintext    string `json:"token"`
	CredentialID string `json:"credential_id"`
}
