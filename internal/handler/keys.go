// Package handler exposes the key lifecycle API over HTTP.
package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cavelabs/caved/internal/model"
	"github.com/cavelabs/caved/internal/server/middleware"
	"github.com/cavelabs/caved/internal/service"
)

// WebhookSignatureHeader carries the hex HMAC signature of a rotation
// webhook body.
const WebhookSignatureHeader = "X-Cave-Webhook-Signature"

// KeysHandler serves the /api/v1/auth/keys endpoints.
type KeysHandler struct {
	svc *service.KeyService
}

func NewKeysHandler(svc *service.KeyService) *KeysHandler {
	return &KeysHandler{svc: svc}
}

// createKeyRequest is the expected payload for key issuance.
type createKeyRequest struct {
	Scope      *model.KeyScope `json:"scope"`
	RateLimit  int             `json:"rate_limit"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// Create issues a new API key. On an empty store this is the unauthenticated
// bootstrap path; once any key exists, an admin bearer token is required.
// POST /api/v1/auth/keys
func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !middleware.IsBootstrap(r.Context()) {
		principal, ok := middleware.PrincipalFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if !principal.Scope().IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin scope required")
			return
		}
	}

	var req createKeyRequest
	if err := readJSON(r, &req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	// The bootstrap key defaults to admin scope.
	scope := model.AdminScope()
	if req.Scope != nil {
		scope = *req.Scope
	}

	issued, err := h.svc.Issue(r.Context(), service.IssueParams{
		Scope:      scope,
		RateLimit:  req.RateLimit,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issued)
}

// List returns every key, live and revoked, oldest first.
// GET /api/v1/auth/keys
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	infos, err := h.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// rotateKeyRequest is the expected payload for key rotation.
type rotateKeyRequest struct {
	KeyID      string `json:"key_id"`
	RateLimit  int    `json:"rate_limit"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Rotate retires a key and issues its successor in one atomic step. The
// response carries the successor's one-time token, the revoked predecessor,
// and the signed rotation webhook.
// POST /api/v1/auth/keys/rotate
func (h *KeysHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.KeyID == "" {
		writeError(w, http.StatusBadRequest, "key_id is required")
		return
	}

	rotated, err := h.svc.Rotate(r.Context(), service.RotateParams{
		KeyID:      req.KeyID,
		RateLimit:  req.RateLimit,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rotated)
}

// VerifyRotated validates an inbound rotation webhook body against its
// signature header. Receivers use this to confirm a notification before
// acting on it. The router requires an admin bearer token in front of the
// signature check.
// POST /api/v1/auth/keys/rotated
func (h *KeysHandler) VerifyRotated(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get(WebhookSignatureHeader)
	if sig == "" {
		writeError(w, http.StatusUnauthorized, "Missing "+WebhookSignatureHeader+" header")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if !h.svc.Notifier().Verify(body, sig) {
		writeError(w, http.StatusUnauthorized, "Webhook signature verification failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Revoke permanently disables a key. Revoking an already revoked key
// succeeds; revocation cannot be undone.
// DELETE /api/v1/auth/keys/{id}
func (h *KeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Key id is required")
		return
	}

	if err := h.svc.Revoke(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
