package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/skridlevsky/timeline-votes/internal/votes"
)

// Authenticator resolves bearer tokens to user ids.
// Unknown tokens return votes.ErrUnauthorized.
type Authenticator interface {
	UserForToken(ctx context.Context, token string) (string, error)
}

type userKey struct{}

// UserFromContext returns the authenticated user id, if any
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// AuthMiddleware attaches the user for a valid bearer token. Requests without
// a token pass through anonymously; an invalid token is rejected with 401.
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := auth.UserForToken(r.Context(), tok)
			if err != nil {
				if errors.Is(err, votes.ErrUnauthorized) {
					respondError(w, http.StatusUnauthorized, "Invalid token")
					return
				}
				slog.Error("Token lookup failed", "error", err)
				respondError(w, http.StatusInternalServerError, "Internal server error")
				return
			}

			ctx := context.WithValue(r.Context(), userKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects anonymous requests with 401
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			respondError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
