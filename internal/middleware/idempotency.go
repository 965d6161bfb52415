package middleware

import (
	"net/http"

	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/handler"
	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
)

// IdempotencyKey rejects malformed idempotency keys on mutating requests
// before they reach a handler and tags the request logger with the key.
// A missing key is allowed; the request then runs without replay protection.
func IdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := handler.IdempotencyKeyFromRequest(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if err := domain.ValidateIdempotencyKey(key); err != nil {
			handler.RespondAppError(w, handler.ErrInvalidIdempotencyKey, nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(logging.With(r.Context(), "idempotency_key", key)))
	})
}
