package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/auth"
)

// IdentityResolver resolves request credentials.
type IdentityResolver interface {
	Resolve(r *http.Request) (*auth.Identity, error)
}

// RequireIdentity resolves the caller and stores the Identity in the
// request context. Requests without valid credentials get 401.
func RequireIdentity(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r)
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequirePrivileged allows only the API key identity. It must run after
// RequireIdentity.
func RequirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsPrivileged(r.Context()) {
			writeError(w, fmt.Errorf("api key required: %w", apperr.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession allows only identities backed by a session token.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok || id.Kind != auth.KindSession {
			writeError(w, fmt.Errorf("session required: %w", apperr.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.Status(err))
	json.NewEncoder(w).Encode(apperr.BodyOf(err))
}
