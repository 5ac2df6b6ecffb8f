package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/postloom/pagevault/internal/application"
	"github.com/postloom/pagevault/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// CredentialResponse is the JSON representation of a served credential. This
// is the only response in the API that carries plaintext.
type CredentialResponse struct {
	Token        string `json:"token"`
	CredentialID string `json:"credential_id"`
	Source       string `json:"source"`
}

// AuthenticationNeededResponse reports that every stored candidate was
// rejected (or none exist) and a human must re-authorize the page.
type AuthenticationNeededResponse struct {
	Error  string `json:"error"`
	PageID string `json:"page_id"`
	Detail string `json:"detail,omitempty"`
}

// OnboardRequest is the JSON body for the onboarding endpoint.
type OnboardRequest struct {
	ActorCredential string `json:"actor_credential"`
	SourceActorID   string `json:"source_actor_id"`
	SourceLabel     string `json:"source_label"`
	IssuingAppID    string `json:"issuing_app_id"`
}

// OnboardResponse reports the named page's newly stored credential.
type OnboardResponse struct {
	CredentialID string `json:"credential_id"`
	PageID       string `json:"page_id"`
}

// OutcomeRequest is the JSON body for the outcome reporting endpoint.
type OutcomeRequest struct {
	Result string `json:"result"`
	Detail string `json:"detail"`
}

// SetPrimaryRequest is the JSON body for the primary repoint endpoint.
type SetPrimaryRequest struct {
	CredentialID string `json:"credential_id"`
}

// CandidateResponse is the JSON representation of one stored credential:
// status, provenance, and health timestamps. It deliberately has no field
// for payload bytes or plaintext.
type CandidateResponse struct {
	CredentialID  string  `json:"credential_id"`
	PageID        string  `json:"page_id"`
	Status        string  `json:"status"`
	KeyVersion    string  `json:"key_version"`
	SourceActorID string  `json:"source_actor_id"`
	SourceLabel   string  `json:"source_label"`
	IssuingAppID  string  `json:"issuing_app_id"`
	IssuedAt      string  `json:"issued_at"`
	ExpiresAt     *string `json:"expires_at"`
	LastSuccessAt *string `json:"last_success_at"`
	LastError     string  `json:"last_error"`
	LastErrorAt   *string `json:"last_error_at"`
}

// PageHealthResponse is the JSON representation of a page's aggregated
// credential health.
type PageHealthResponse struct {
	PageID              string  `json:"page_id"`
	Total               int     `json:"total"`
	Active              int     `json:"active"`
	Errored             int     `json:"errored"`
	Expired             int     `json:"expired"`
	PrimaryCredentialID string  `json:"primary_credential_id"`
	LastSuccessAt       *string `json:"last_success_at"`
	NeedsReauth         bool    `json:"needs_reauth"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// toCandidateResponse converts a stored record to its JSON representation,
// dropping the encrypted payload.
func toCandidateResponse(rec model.CredentialRecord) CandidateResponse {
	return CandidateResponse{
		CredentialID:  rec.CredentialID,
		PageID:        rec.PageID,
		Status:        string(rec.Status),
		KeyVersion:    rec.Payload.KeyVersion,
		SourceActorID: rec.Provenance.SourceActorID,
		SourceLabel:   rec.Provenance.SourceLabel,
		IssuingAppID:  rec.Provenance.IssuingAppID,
		IssuedAt:      rec.IssuedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     formatTimePtr(rec.ExpiresAt),
		LastSuccessAt: formatTimePtr(rec.LastSuccessAt),
		LastError:     rec.LastError,
		LastErrorAt:   formatTimePtr(rec.LastErrorAt),
	}
}

// toPageHealthResponse converts an aggregated health view to its JSON
// representation.
func toPageHealthResponse(h *application.PageCredentialHealth) PageHealthResponse {
	return PageHealthResponse{
		PageID:              h.PageID,
		Total:               h.Total,
		Active:              h.Active,
		Errored:             h.Errored,
		Expired:             h.Expired,
		PrimaryCredentialID: h.PrimaryCredentialID,
		LastSuccessAt:       formatTimePtr(h.LastSuccessAt),
		NeedsReauth:         h.NeedsReauth,
	}
}

// formatTimePtr formats an optional timestamp as RFC3339, preserving nil.
func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
