// Package auth carries the authenticated user identity through request
// contexts. Token verification itself is an external collaborator; this
// package only defines the seam the real authenticator plugs into.
package auth

import (
	"context"
	"net/http"
)

type contextKey struct{}

// WithUserID returns a context carrying the authenticated user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext extracts the authenticated user ID set by the
// middleware chain.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}

// NewHeaderAuthMiddleware trusts the X-User-ID header as the caller's
// identity. It stands in for the real token-verifying middleware in local
// runs and tests; production deployments sit behind a gateway that
// replaces it.
func NewHeaderAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get("X-User-ID")
			if userID == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
