// session.go - Issues, validates and removes database-backed sessions, and
// externalizes them as cookies.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxTokenAttempts bounds the retry-until-unique loop for session tokens and
// file ids. With 256-bit (resp. 64-bit) random values the loop effectively
// never repeats; the bound exists so a broken store cannot spin forever.
const maxTokenAttempts = 32

// SessionRecord describes an issued session.
type SessionRecord struct {
	Token     SessionToken `json:"token"`
	UserID    uuid.UUID    `json:"user_id"`
	IssuedAt  time.Time    `json:"issued_at"`
	ExpiresOn time.Time    `json:"expires_on"`
}

// Identity is the authenticated user attached to a request.
type Identity struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	IsAdmin  bool      `json:"is_admin"`
}

// SessionManager mints and validates session tokens. Creation always happens
// inside the caller's transaction, so a session is atomic with whatever
// triggered it (password login, challenge completion, or registration).
type SessionManager struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionManager wires the session manager.
func NewSessionManager(db *sql.DB) *SessionManager {
	return &SessionManager{db: db, now: time.Now}
}

// Create mints a token that is not yet present in the session store and
// inserts its row using the caller's transaction. Once issued a token is
// never reused for a different user.
func (m *SessionManager) Create(ctx context.Context, tx *sql.Tx, userID uuid.UUID, validFor time.Duration) (*SessionRecord, error) {
	var token SessionToken
	for attempt := 0; ; attempt++ {
		if attempt == maxTokenAttempts {
			return nil, fmt.Errorf("could not find an unused session token after %d attempts", maxTokenAttempts)
		}

		t, err := NewSessionToken()
		if err != nil {
			return nil, err
		}

		var exists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM sessions WHERE token = $1)`,
			t.Raw(),
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check token uniqueness: %w", err)
		}
		if !exists {
			token = t
			break
		}
	}

	issuedAt := m.now().UTC()
	expiresOn := issuedAt.Add(validFor)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, issued_at, expires_on) VALUES ($1, $2, $3, $4)`,
		token.Raw(), userID, issuedAt, expiresOn,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &SessionRecord{
		Token:     token,
		UserID:    userID,
		IssuedAt:  issuedAt,
		ExpiresOn: expiresOn,
	}, nil
}

// Validate resolves a token to the owning user. An unknown, not-yet-valid or
// expired token is indistinguishable to the caller: all return
// ErrUnauthenticated.
func (m *SessionManager) Validate(ctx context.Context, token SessionToken) (*Identity, error) {
	var id Identity
	err := m.db.QueryRowContext(ctx, `
		SELECT users.user_id, users.username, users.is_admin
		FROM sessions JOIN users ON sessions.user_id = users.user_id
		WHERE sessions.issued_at < now() AND sessions.expires_on > now() AND sessions.token = $1`,
		token.Raw(),
	).Scan(&id.UserID, &id.Username, &id.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	return &id, nil
}

// Delete removes a session row, ending the session (logout). Deleting an
// already-absent token is not an error.
func (m *SessionManager) Delete(ctx context.Context, token SessionToken) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token.Raw())
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Cookie names used to deliver a session to the browser.
const (
	sessionTokenCookie = "session-token"
	sessionUUIDCookie  = "session-uuid"
)

// setSessionCookies stores a session in the response cookies: the opaque
// token (Secure, HttpOnly) and a companion user id cookie readable by the
// frontend. Both are scoped to the whole path and expire with the session.
func setSessionCookies(w http.ResponseWriter, session *SessionRecord) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionTokenCookie,
		Value:    session.Token.String(),
		Path:     "/",
		Expires:  session.ExpiresOn,
		Secure:   true,
		HttpOnly: true,
	})
	http.SetCookie(w, &http.Cookie{
		Name:    sessionUUIDCookie,
		Value:   session.UserID.String(),
		Path:    "/",
		Expires: session.ExpiresOn,
	})
}

// clearSessionCookies expires both session cookies.
func clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{sessionTokenCookie, sessionUUIDCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:    name,
			Value:   "",
			Path:    "/",
			Expires: time.Unix(0, 0),
			MaxAge:  -1,
		})
	}
}
