package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrorKindHeader carries the error kind of a failed response. Handlers set
// it so the access log names the exact rejection reason.
const ErrorKindHeader = "X-Error-Kind"

// Logger returns an HTTP middleware that logs every request using structured
// logging. Requests carrying secrets in their path (invite tokens) are
// logged by route pattern only.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.status >= 500 {
				level = slog.LevelError
			} else if ww.status >= 400 {
				level = slog.LevelWarn
			}

			attrs := []any{
				"method", r.Method,
				"path", redactPath(r.URL.Path),
				"status", ww.status,
				"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
				"bytes", ww.bytes,
				"request_id", GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			}
			if kind := ww.Header().Get(ErrorKindHeader); kind != "" {
				attrs = append(attrs, "kind", kind)
			}
			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

const invitePathPrefix = "/api/v1/invites/"

func redactPath(path string) string {
	rest, ok := strings.CutPrefix(path, invitePathPrefix)
	if !ok || rest == "" || rest == "redeem" || rest == "trial" {
		return path
	}
	return invitePathPrefix + "{token}"
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
