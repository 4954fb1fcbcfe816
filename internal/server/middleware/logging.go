package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Logger returns an HTTP middleware that logs every request using structured
// logging. It captures the method, path, status code, response size,
// duration, request ID, remote address, and the authenticated key when one
// is present. Raw tokens never reach the log; only the key id does.
//
// Logger runs before Authenticate, so it plants an empty key id holder on
// the context for the auth middleware to fill in.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			holder := &keyIDHolder{}
			r = r.WithContext(context.WithValue(r.Context(), keyIDHolderKey, holder))

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if ww.status >= 500 {
				level = slog.LevelError
			} else if ww.status >= 400 {
				level = slog.LevelWarn
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", float64(duration.Microseconds()) / 1000.0,
				"bytes", ww.bytes,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			if id := holder.get(); id != "" {
				attrs = append(attrs, "key_id", id)
			}

			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

const keyIDHolderKey contextKey = "log_key_id"

// keyIDHolder lets the auth middleware report the authenticated key id back
// to the logger that wraps it.
type keyIDHolder struct {
	mu sync.Mutex
	id string
}

func (h *keyIDHolder) set(id string) {
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
}

func (h *keyIDHolder) get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// reportKeyID records the authenticated key id for request logging, if a
// logger planted a holder on this context.
func reportKeyID(ctx context.Context, id string) {
	if h, ok := ctx.Value(keyIDHolderKey).(*keyIDHolder); ok {
		h.set(id)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written for logging purposes.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter, required for http.Flusher
// and other interface assertions through middleware chains.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
