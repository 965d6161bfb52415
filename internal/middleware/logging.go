package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/auth"
	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging must run inside Auth so tenant and actor are known.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		attrs := []any{"request_id", TraceIDFromContext(r.Context())}
		if id, ok := auth.IdentityFromContext(r.Context()); ok {
			attrs = append(attrs, "tenant_id", id.TenantID, "actor_id", id.ActorID)
		}

		logger := slog.Default().With(attrs...)
		ctx := logging.WithLogger(r.Context(), logger)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"replayed", rec.Header().Get("X-Idempotent-Replayed") == "true",
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
