package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cavelabs/caved/internal/handler"
	"github.com/cavelabs/caved/internal/model"
	"github.com/cavelabs/caved/internal/ratelimit"
	"github.com/cavelabs/caved/internal/service"
	"github.com/cavelabs/caved/internal/store"
	"github.com/cavelabs/caved/internal/webhook"
)

const testWebhookSecret = "integration-test-webhook-secret"

// testEnv holds the shared state for integration tests.
type testEnv struct {
	server *Server
	store  *store.Store
	svc    *service.KeyService
}

// newTestEnv creates a fresh environment with an in-memory key store and a
// fully wired Server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewKeyService(st, ratelimit.New(time.Minute),
		webhook.NewNotifier([]byte(testWebhookSecret)), logger)

	srv := New(DefaultConfig(), st, svc, logger)
	return &testEnv{server: srv, store: st, svc: svc}
}

// request performs an HTTP request against the in-memory router and decodes
// the JSON response body into out when out is non-nil.
func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}, out interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %s: %v", rec.Body.String(), err)
		}
	}
	return rec
}

// bootstrap issues the first admin key through the unauthenticated path.
func (e *testEnv) bootstrap(t *testing.T) model.IssuedKey {
	t.Helper()
	var issued model.IssuedKey
	rec := e.request(t, http.MethodPost, "/api/v1/auth/keys", "", map[string]interface{}{}, &issued)
	if rec.Code != http.StatusCreated {
		t.Fatalf("bootstrap issuance: status %d, body %s", rec.Code, rec.Body.String())
	}
	return issued
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/readyz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz status = %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/openapi.json", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/openapi.json status = %d", rec.Code)
	}
}

func TestBootstrapIssuance(t *testing.T) {
	env := newTestEnv(t)

	issued := env.bootstrap(t)
	if issued.Token == "" {
		t.Fatal("bootstrap returned no token")
	}
	if !issued.Info.Scope.IsAdmin() {
		t.Errorf("bootstrap scope = %+v, want admin", issued.Info.Scope)
	}

	// Once a key exists, unauthenticated issuance is rejected.
	rec := env.request(t, http.MethodPost, "/api/v1/auth/keys", "", map[string]interface{}{}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("second unauthenticated create: status %d, want 401", rec.Code)
	}
}

func TestCreateNamespaceKey(t *testing.T) {
	env := newTestEnv(t)
	admin := env.bootstrap(t)

	var issued model.IssuedKey
	rec := env.request(t, http.MethodPost, "/api/v1/auth/keys", admin.Token, map[string]interface{}{
		"scope":      map[string]string{"type": "namespace", "namespace": "demo"},
		"rate_limit": 500,
	}, &issued)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d, body %s", rec.Code, rec.Body.String())
	}
	if issued.Info.Scope != model.NamespaceScope("demo") {
		t.Errorf("scope = %+v", issued.Info.Scope)
	}
	if issued.Info.RateLimit != 500 {
		t.Errorf("rate limit = %d, want 500", issued.Info.RateLimit)
	}

	// Invalid scope fails validation.
	rec = env.request(t, http.MethodPost, "/api/v1/auth/keys", admin.Token, map[string]interface{}{
		"scope": map[string]string{"type": "namespace"},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid scope: status %d, want 400", rec.Code)
	}
}

func TestNamespaceKeyCannotManageKeys(t *testing.T) {
	env := newTestEnv(t)
	admin := env.bootstrap(t)

	var nsKey model.IssuedKey
	env.request(t, http.MethodPost, "/api/v1/auth/keys", admin.Token, map[string]interface{}{
		"scope": map[string]string{"type": "namespace", "namespace": "demo"},
	}, &nsKey)

	rec := env.request(t, http.MethodGet, "/api/v1/auth/keys", nsKey.Token, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("namespace key list: status %d, want 403", rec.Code)
	}
	rec = env.request(t, http.MethodPost, "/api/v1/auth/keys", nsKey.Token, map[string]interface{}{}, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("namespace key create: status %d, want 403", rec.Code)
	}
}

func TestListKeys(t *testing.T) {
	env := newTestEnv(t)
	admin := env.bootstrap(t)

	env.request(t, http.MethodPost, "/api/v1/auth/keys", admin.Token, map[string]interface{}{
		"scope": map[string]string{"type": "namespace", "namespace": "demo"},
	}, nil)

	var keys []model.KeyInfo
	rec := env.request(t, http.MethodGet, "/api/v1/auth/keys", admin.Token, nil, &keys)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	if len(keys) != 2 {
		t.Errorf("len = %d, want 2", len(keys))
	}

	// Unauthenticated list is rejected.
	rec = env.request(t, http.MethodGet, "/api/v1/auth/keys", "", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list: status %d, want 401", rec.Code)
	}
	// Garbage token is rejected.
	rec = env.request(t, http.MethodGet, "/api/v1/auth/keys", "cave_admin_bogus", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus token list: status %d, want 401", rec.Code)
	}
}

func TestRevokeKey(t *testing.T) {
	env := newTestEnv(t)
	admin := env.bootstrap(t)

	var issued model.IssuedKey
	env.request(t, http.MethodPost, "/api/v1/auth/keys", admin.Token, map[string]interface{}{
		"scope": map[string]string{"type": "namespace", "namespace": "demo"},
	}, &issued)

	rec := env.request(t, http.MethodDelete, "/api/v1/auth/keys/"+issued.Info.ID, admin.Token, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: status %d", rec.Code)
	}

	// Revocation is idempotent over the wire too.
	rec = env.request(t, http.MethodDelete, "/api/v1/auth/keys/"+issued.Info.ID, admin.Token, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("revoke again: status %d, want 204", rec.Code)
	}

	rec = env.request(t, http.MethodDelete, "/api/v1/auth/keys/missing-id", admin.Token, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("revoke missing: status %d, want 404", rec.Code)
	}
}

func TestRotateFlow(t *testing.T) {
	env := newTestEnv(t)
	admin := env.bootstrap(t)

	var issued model.IssuedKey
	env.request(t, http.MethodPost, "/api/v1/auth/keys", admin.Token, map[string]interface{}{
		"scope":      map[string]string{"type": "namespace", "namespace": "demo"},
		"rate_limit": 100,
	}, &issued)

	var rotated model.RotatedKey
	rec := env.request(t, http.MethodPost, "/api/v1/auth/keys/rotate", admin.Token, map[string]interface{}{
		"key_id":     issued.Info.ID,
		"rate_limit": 200,
	}, &rotated)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: status %d, body %s", rec.Code, rec.Body.String())
	}

	if rotated.Info.Scope != model.NamespaceScope("demo") {
		t.Errorf("successor scope = %+v", rotated.Info.Scope)
	}
	if rotated.Info.RateLimit != 200 {
		t.Errorf("successor rate limit = %d, want 200", rotated.Info.RateLimit)
	}
	if !rotated.Previous.Revoked {
		t.Error("previous not revoked in response")
	}

	// Rotating the same key again conflicts.
	rec = env.request(t, http.MethodPost, "/api/v1/auth/keys/rotate", admin.Token, map[string]interface{}{
		"key_id": issued.Info.ID,
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("re-rotate retired key: status %d, want 404", rec.Code)
	}

	// Missing key_id is a validation error.
	rec = env.request(t, http.MethodPost, "/api/v1/auth/keys/rotate", admin.Token, map[string]interface{}{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("rotate without key_id: status %d, want 400", rec.Code)
	}

	// The rotation webhook round-trips through the verification endpoint.
	payloadBytes, err := json.Marshal(rotated.Webhook.Payload)
	if err != nil {
		t.Fatalf("marshal webhook payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/keys/rotated", bytes.NewReader(payloadBytes))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+admin.Token)
	req.Header.Set(handler.WebhookSignatureHeader, rotated.Webhook.Signature)
	wrec := httptest.NewRecorder()
	env.server.ServeHTTP(wrec, req)
	if wrec.Code != http.StatusNoContent {
		t.Errorf("webhook verify: status %d, body %s", wrec.Code, wrec.Body.String())
	}
}

func TestWebhookVerificationFailures(t *testing.T) {
	env := newTestEnv(t)
	admin := env.bootstrap(t)

	body := []byte(`{"event":"api_key.rotated","key_id":"a","previous_key_id":"b"}`)

	// No bearer token.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/keys/rotated", bytes.NewReader(body))
	req.Header.Set(handler.WebhookSignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no bearer token: status %d, want 401", rec.Code)
	}

	// Missing signature header.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/keys/rotated", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+admin.Token)
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing signature: status %d, want 401", rec.Code)
	}

	// Wrong signature.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/keys/rotated", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+admin.Token)
	req.Header.Set(handler.WebhookSignatureHeader, "deadbeef")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad signature: status %d, want 401", rec.Code)
	}
}

func TestPerKeyRateLimit(t *testing.T) {
	env := newTestEnv(t)
	admin := env.bootstrap(t)

	var small model.IssuedKey
	env.request(t, http.MethodPost, "/api/v1/auth/keys", admin.Token, map[string]interface{}{
		"rate_limit": 3,
	}, &small)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = env.request(t, http.MethodGet, "/api/v1/auth/keys", small.Token, nil, nil)
		if last.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, last.Code)
		}
	}

	last = env.request(t, http.MethodGet, "/api/v1/auth/keys", small.Token, nil, nil)
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit request: status %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After header")
	}

	// The admin key's own budget is unaffected.
	rec := env.request(t, http.MethodGet, "/api/v1/auth/keys", admin.Token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("admin after other key throttled: status %d", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/healthz", "", nil, nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Errorf("X-Request-ID = %q, want client-supplied value", got)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	env := newTestEnv(t)
	env.bootstrap(t)

	rec := env.request(t, http.MethodGet, "/api/v1/auth/keys", "", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	var envelope model.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (body %s)", err, rec.Body.String())
	}
	if envelope.Error.Code != http.StatusUnauthorized {
		t.Errorf("error.code = %d, want 401", envelope.Error.Code)
	}
	if envelope.Error.Message == "" {
		t.Error("error.message empty")
	}
}

func TestRateLimitInheritedAcrossRotation(t *testing.T) {
	env := newTestEnv(t)
	admin := env.bootstrap(t)

	var issued model.IssuedKey
	env.request(t, http.MethodPost, "/api/v1/auth/keys", admin.Token, map[string]interface{}{
		"scope":      map[string]string{"type": "namespace", "namespace": "demo"},
		"rate_limit": 42,
	}, &issued)

	var rotated model.RotatedKey
	rec := env.request(t, http.MethodPost, "/api/v1/auth/keys/rotate", admin.Token, map[string]interface{}{
		"key_id": issued.Info.ID,
	}, &rotated)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: status %d", rec.Code)
	}
	if rotated.Info.RateLimit != 42 {
		t.Errorf("inherited rate limit = %d, want 42", rotated.Info.RateLimit)
	}
	if fmt.Sprintf("%v", rotated.Info.Scope) != fmt.Sprintf("%v", issued.Info.Scope) {
		t.Errorf("scope changed across rotation: %+v -> %+v", issued.Info.Scope, rotated.Info.Scope)
	}
}
