package server

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Sentinel errors returned by the authentication and file services. Handlers
// map these to HTTP statuses in writeError; anything else is treated as an
// internal failure and never leaks detail to the client.
var (
	// ErrUnauthenticated covers bad credentials, unknown/expired/replayed
	// tickets and unknown sessions. The cause is deliberately not
	// distinguishable from the outside.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnsupportedAlgorithm is returned when a registered public key uses
	// an algorithm the challenge protocol cannot encrypt to. Unlike the
	// other auth failures it is not secret-dependent, so it is surfaced
	// distinctly.
	ErrUnsupportedAlgorithm = errors.New("key algorithm not supported")

	// ErrNotFound is returned for unknown identifiers (file, user, username).
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller is authenticated but lacks
	// the rights for the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned for duplicate unique values, e.g. a taken
	// username or invite code.
	ErrConflict = errors.New("conflict")
)

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505). The pre-insert EXISTS checks run inside the
// same transaction but cannot see concurrent uncommitted inserts; the
// schema's unique constraints catch that race and surface here.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// writeError maps a service error onto an HTTP response. Internal errors are
// logged with full detail and answered with an opaque 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, ErrUnsupportedAlgorithm):
		http.Error(w, "SSH key algorithm not supported", http.StatusUnprocessableEntity)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, ErrConflict):
		http.Error(w, "conflict", http.StatusConflict)
	default:
		s.log.Error("internal error",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
