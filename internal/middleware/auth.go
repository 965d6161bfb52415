package middleware

import (
	"net/http"
	"strings"

	"github.com/christcr2012/StreamFlow-sub010/internal/auth"
	"github.com/christcr2012/StreamFlow-sub010/internal/handler"
)

// Auth resolves the tenant and actor from a bearer token.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				handler.RespondAppError(w, handler.ErrMissingToken, nil)
				return
			}

			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				handler.RespondAppError(w, handler.ErrInvalidToken, nil)
				return
			}

			claims, err := auth.ValidateToken(token, secret)
			if err != nil {
				handler.RespondAppError(w, handler.ErrInvalidToken, nil)
				return
			}

			ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{
				TenantID: claims.TenantID,
				ActorID:  claims.ActorID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
