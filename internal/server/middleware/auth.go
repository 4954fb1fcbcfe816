package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/cavelabs/caved/internal/model"
	"github.com/cavelabs/caved/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated key record.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
	// BootstrapKey marks a request admitted through the empty-store
	// bootstrap path.
	BootstrapKey contextKeyAuth = "auth_bootstrap"
)

// Authenticate returns an HTTP middleware that resolves the Authorization
// Bearer token to an API key record. Unknown, revoked, and expired tokens
// are rejected identically with a 401 so callers cannot probe key state.
// On success the record is attached to the request context.
func Authenticate(svc *service.KeyService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec, ok := authenticate(svc, w, r)
			if !ok {
				return
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AllowBootstrap behaves like Authenticate, except that while no key exists
// yet the request passes through unauthenticated with a bootstrap marker on
// the context. This is how the very first admin key gets issued.
func AllowBootstrap(svc *service.KeyService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hasKeys, err := svc.HasKeys(r.Context())
			if err != nil {
				writeAuthError(w, http.StatusInternalServerError, "Key store unavailable")
				return
			}
			if !hasKeys {
				ctx := context.WithValue(r.Context(), BootstrapKey, true)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			rec, ok := authenticate(svc, w, r)
			if !ok {
				return
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(svc *service.KeyService, w http.ResponseWriter, r *http.Request) (*model.KeyRecord, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		writeAuthError(w, http.StatusUnauthorized,
			"Authentication required. Provide an Authorization: Bearer token.")
		return nil, false
	}

	rec, err := svc.Authenticate(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "Invalid API key")
		return nil, false
	}
	reportKeyID(r.Context(), rec.ID)
	return rec, true
}

// RequireAdmin returns an HTTP middleware that enforces admin scope. It must
// run after Authenticate in the middleware chain.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec, ok := PrincipalFrom(r.Context())
			if !ok || !rec.Scope().IsAdmin() {
				writeAuthError(w, http.StatusForbidden, "Admin scope required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFrom extracts the authenticated key record from the context.
func PrincipalFrom(ctx context.Context) (*model.KeyRecord, bool) {
	rec, ok := ctx.Value(AuthPrincipalKey).(*model.KeyRecord)
	return rec, ok
}

// IsBootstrap reports whether the request was admitted through the
// empty-store bootstrap path.
func IsBootstrap(ctx context.Context) bool {
	v, _ := ctx.Value(BootstrapKey).(bool)
	return v
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually construct JSON to avoid an import cycle with the handler
	// package; messages here are static strings.
	w.Write([]byte(`{"error":{"code":` + strconv.Itoa(status) + `,"message":"` + message + `"}}`))
}
