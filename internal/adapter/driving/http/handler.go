// Package httphandler is the HTTP driving adapter serving the admin REST
// API. Credential plaintext appears only in the single-credential endpoint's
// response body; candidate listings carry health metadata and never payload
// bytes.
package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/postloom/pagevault/internal/application"
	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	vault     *application.VaultService
	health    *application.HealthService
	retention *application.RetentionService
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. retention may
// be nil when the sweeper is not running.
func NewHandler(
	vault *application.VaultService,
	health *application.HealthService,
	retention *application.RetentionService,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		vault:     vault,
		health:    health,
		retention: retention,
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with API-key, logging, and recovery middleware. An empty apiKey leaves the
// API unauthenticated.
func NewServeMux(h *Handler, apiKey string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/pages/{pageID}/credential", h.GetCredential)
	mux.HandleFunc("POST /api/v1/pages/{pageID}/credentials", h.OnboardCredentials)
	mux.HandleFunc("GET /api/v1/pages/{pageID}/credentials", h.ListCredentials)
	mux.HandleFunc("GET /api/v1/pages/{pageID}/credentials/health", h.GetCredentialHealth)
	mux.HandleFunc("POST /api/v1/pages/{pageID}/credentials/{credentialID}/outcome", h.RecordOutcome)
	mux.HandleFunc("PUT /api/v1/pages/{pageID}/primary", h.SetPrimary)
	mux.HandleFunc("POST /api/v1/retention/sweep", h.TriggerSweep)

	// Recovery innermost so panics are caught before logging; the API key
	// check sits inside logging so rejected requests still show up.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = apiKeyMiddleware(apiKey, wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// GetCredential serves a decrypted, validated credential for the page. A
// page with no accepted candidate answers 409 so callers can distinguish
// "re-authorize" from an outage.
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	pageID := r.PathValue("pageID")

	cred, err := h.vault.GetUsableCredential(r.Context(), pageID)
	if err != nil {
		var authErr *application.AuthenticationNeededError
		if errors.As(err, &authErr) {
			writeJSON(w, http.StatusConflict, AuthenticationNeededResponse{
				Error:  "authentication_needed",
				PageID: authErr.PageID,
				Detail: authErr.Detail,
			})
			return
		}
		h.logger.Error("failed to serve credential", "page_id", pageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Plaintext in the body; keep it out of intermediary caches.
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, CredentialResponse{
		Token:        cred.Plaintext,
		CredentialID: cred.CredentialID,
		Source:       string(cred.Source),
	})
}

// OnboardCredentials exchanges an actor-level credential for stored
// page-scoped ones: the named page hard-fails, sibling pages are best-effort.
func (h *Handler) OnboardCredentials(w http.ResponseWriter, r *http.Request) {
	pageID := r.PathValue("pageID")

	var req OnboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ActorCredential == "" {
		writeError(w, http.StatusBadRequest, "actor_credential is required")
		return
	}

	prov := model.Provenance{
		SourceActorID: req.SourceActorID,
		SourceLabel:   req.SourceLabel,
		IssuingAppID:  req.IssuingAppID,
	}

	credentialID, err := h.vault.OnboardCredential(r.Context(), pageID, req.ActorCredential, prov)
	if err != nil {
		if strings.Contains(err.Error(), "deriving credential") {
			writeError(w, http.StatusBadGateway, "provider rejected the actor credential")
			return
		}
		h.logger.Error("failed to onboard credential", "page_id", pageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, OnboardResponse{
		CredentialID: credentialID,
		PageID:       pageID,
	})
}

// ListCredentials returns the page's stored candidates in selection order,
// optionally filtered by status.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	pageID := r.PathValue("pageID")

	status := model.CredentialStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.CredentialStatusActive, model.CredentialStatusError, model.CredentialStatusExpired:
	default:
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	records, err := h.vault.ListCandidates(r.Context(), pageID, status)
	if err != nil {
		h.logger.Error("failed to list credentials", "page_id", pageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]CandidateResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toCandidateResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetCredentialHealth returns the aggregated credential health of one page.
func (h *Handler) GetCredentialHealth(w http.ResponseWriter, r *http.Request) {
	pageID := r.PathValue("pageID")

	health, err := h.health.GetPageCredentialHealth(r.Context(), pageID)
	if err != nil {
		h.logger.Error("failed to aggregate credential health", "page_id", pageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toPageHealthResponse(health))
}

// RecordOutcome lets external callers report how a served credential fared.
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	pageID := r.PathValue("pageID")
	credentialID := r.PathValue("credentialID")

	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := model.OutcomeResult(req.Result)
	if result != model.OutcomeSuccess && result != model.OutcomeError {
		writeError(w, http.StatusBadRequest, "result must be success or error")
		return
	}

	outcome := model.Outcome{Result: result, Detail: req.Detail}
	if err := h.vault.RecordOutcome(r.Context(), pageID, credentialID, outcome); err != nil {
		h.logger.Error("failed to record outcome", "page_id", pageID, "credential_id", credentialID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetPrimary repoints the page's preferred credential.
func (h *Handler) SetPrimary(w http.ResponseWriter, r *http.Request) {
	pageID := r.PathValue("pageID")

	var req SetPrimaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CredentialID == "" {
		writeError(w, http.StatusBadRequest, "credential_id is required")
		return
	}

	if err := h.vault.SetPrimary(r.Context(), pageID, req.CredentialID); err != nil {
		if errors.Is(err, driven.ErrNotFound) {
			writeError(w, http.StatusNotFound, "credential not found")
			return
		}
		h.logger.Error("failed to set primary", "page_id", pageID, "credential_id", req.CredentialID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TriggerSweep runs one retention sweep on the running sweeper and returns
// its summary.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.retention == nil {
		writeError(w, http.StatusServiceUnavailable, "retention sweeper not running")
		return
	}

	summary, err := h.retention.SweepNow(r.Context())
	if err != nil {
		h.logger.Error("manual retention sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}
