// auth.go - Request authentication: resolves the session cookie to an
// Identity and guards protected routes.
package server

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

type authCtxKey struct{}

// identityFromContext returns the authenticated identity attached by
// requireAuth, or nil on unauthenticated routes.
func identityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(authCtxKey{}).(*Identity)
	return id
}

// sessionTokenFromRequest extracts and parses the session token cookie.
func sessionTokenFromRequest(r *http.Request) (SessionToken, error) {
	c, err := r.Cookie(sessionTokenCookie)
	if err != nil {
		return SessionToken{}, ErrUnauthenticated
	}
	token, err := ParseSessionToken(c.Value)
	if err != nil {
		return SessionToken{}, ErrUnauthenticated
	}
	return token, nil
}

// requireAuth validates the session cookie and attaches the resolved
// Identity to the request context. Missing, malformed, unknown and expired
// tokens all produce the same 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := sessionTokenFromRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		identity, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrUnauthenticated) {
				s.log.Error("session validation failed", zap.Error(err))
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), authCtxKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
