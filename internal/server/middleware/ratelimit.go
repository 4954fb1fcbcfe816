package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/cavelabs/caved/internal/service"
)

// KeyRateLimit returns an HTTP middleware that charges each request against
// the authenticated key's per-minute budget. It must run after Authenticate.
// Throttled requests receive a 429 with a Retry-After header; unauthenticated
// requests (the bootstrap path) pass through uncharged.
func KeyRateLimit(svc *service.KeyService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec, ok := PrincipalFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if err := svc.CheckRateLimit(rec); err != nil {
				var throttled *service.Throttled
				if errors.As(err, &throttled) {
					retryAfter := int(throttled.RetryAfter / time.Second)
					if retryAfter < 1 {
						retryAfter = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
					writeAuthError(w, http.StatusTooManyRequests, "Rate limit exceeded")
					return
				}
				writeAuthError(w, http.StatusInternalServerError, "Rate limiter failure")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPRateLimit returns a coarse per-client-IP limiter for the whole API
// surface. It sits in front of authentication and shields the token lookup
// path from anonymous flooding.
func IPRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}
