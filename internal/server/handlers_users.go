// handlers_users.go - Registration, account management, SSH key management
// and invites.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// RegisterSessionValidity is how long the session minted at account creation
// lasts.
const RegisterSessionValidity = 14 * 24 * time.Hour

const maxInviteValidity = 7 * 24 * time.Hour

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// validateUsername checks username requirements
func validateUsername(username string) (bool, string) {
	if len(username) < 3 {
		return false, "Username must be at least 3 characters long"
	}
	if len(username) > 50 {
		return false, "Username must be no more than 50 characters long"
	}
	if !usernamePattern.MatchString(username) {
		return false, "Username may only contain letters, digits and underscores"
	}
	return true, ""
}

// validatePassword checks password strength requirements
func validatePassword(password string) (bool, string) {
	if len(password) < 8 {
		return false, "Password must be at least 8 characters long"
	}
	if len(password) > 128 {
		return false, "Password must be no more than 128 characters long"
	}
	return true, ""
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Invite   string `json:"invite,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Public.AllowRegistering {
		http.Error(w, "User registering has been disabled", http.StatusForbidden)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if valid, msg := validateUsername(req.Username); !valid {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	if valid, msg := validatePassword(req.Password); !valid {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if !s.cfg.Public.DisableInviteCodes {
		if err := redeemInvite(ctx, tx, req.Invite); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	var taken bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`,
		req.Username,
	).Scan(&taken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if taken {
		s.writeError(w, r, fmt.Errorf("username taken: %w", ErrConflict))
		return
	}

	var passwordHash string
	var hashErr error
	if err := s.pool.Run(ctx, func() {
		passwordHash, hashErr = hashPassword(req.Password)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	if hashErr != nil {
		s.writeError(w, r, hashErr)
		return
	}

	userID := uuid.New()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (user_id, username, password_hash) VALUES ($1, $2, $3)`,
		userID, req.Username, passwordHash,
	); err != nil {
		if isUniqueViolation(err) {
			s.writeError(w, r, fmt.Errorf("username taken: %w", ErrConflict))
			return
		}
		s.writeError(w, r, err)
		return
	}

	session, err := s.sessions.Create(ctx, tx, userID, RegisterSessionValidity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.log.Info("user registered", zap.String("username", req.Username))
	setSessionCookies(w, session)
	s.writeJSON(w, http.StatusOK, session)
}

// redeemInvite consumes one use of the invite code inside the caller's
// transaction. An unknown, expired or exhausted code is rejected uniformly.
func redeemInvite(ctx context.Context, tx *sql.Tx, code string) error {
	if code == "" {
		return fmt.Errorf("missing invite code: %w", ErrForbidden)
	}

	var maxUses, uses int
	var validUntil time.Time
	err := tx.QueryRowContext(ctx,
		`SELECT max_uses, uses, valid_until FROM invites WHERE invite = $1 FOR UPDATE`,
		code,
	).Scan(&maxUses, &uses, &validUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("unknown invite code: %w", ErrForbidden)
	}
	if err != nil {
		return fmt.Errorf("fetch invite: %w", err)
	}

	if time.Now().After(validUntil) || uses >= maxUses {
		return fmt.Errorf("invite code no longer valid: %w", ErrForbidden)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE invites SET uses = uses + 1 WHERE invite = $1`,
		code,
	); err != nil {
		return fmt.Errorf("redeem invite: %w", err)
	}
	return nil
}

// requireSelfOrAdmin parses the user_id path parameter and checks the caller
// may act on that account.
func requireSelfOrAdmin(r *http.Request) (uuid.UUID, error) {
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		return uuid.Nil, ErrNotFound
	}
	identity := identityFromContext(r.Context())
	if identity.UserID != userID && !identity.IsAdmin {
		return uuid.Nil, ErrForbidden
	}
	return userID, nil
}

type userInfoResponse struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	IsAdmin  bool      `json:"is_admin"`
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	userID, err := requireSelfOrAdmin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var info userInfoResponse
	err = s.db.QueryRowContext(r.Context(),
		`SELECT user_id, username, is_admin FROM users WHERE user_id = $1`,
		userID,
	).Scan(&info.UserID, &info.Username, &info.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, r, ErrNotFound)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleUserDelete removes an account: every file row of the user is
// deleted with the user row in one transaction, then the blobs are removed.
// Session rows go away through the schema's cascade.
func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	userID, err := requireSelfOrAdmin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	fileIDs, err := s.files.DeleteAllByUploader(ctx, tx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE user_id = $1`, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		s.writeError(w, r, ErrNotFound)
		return
	}

	if err := tx.Commit(); err != nil {
		s.writeError(w, r, err)
		return
	}

	// The rows are gone; a failure here only strands blobs for the sweep.
	s.files.RemoveBlobs(ctx, fileIDs)

	s.log.Info("user deleted", zap.String("user_id", userID.String()))
	clearSessionCookies(w)
	w.WriteHeader(http.StatusOK)
}

type usernameChangeRequest struct {
	Username string `json:"username"`
}

// handleUsernameChange renames the target account. The new name must meet
// the same requirements as at registration and must not be taken.
func (s *Server) handleUsernameChange(w http.ResponseWriter, r *http.Request) {
	userID, err := requireSelfOrAdmin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req usernameChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if valid, msg := validateUsername(req.Username); !valid {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	var taken bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)`,
		req.Username,
	).Scan(&taken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if taken {
		s.writeError(w, r, fmt.Errorf("username taken: %w", ErrConflict))
		return
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET username = $2 WHERE user_id = $1`,
		userID, req.Username,
	)
	if err != nil {
		if isUniqueViolation(err) {
			s.writeError(w, r, fmt.Errorf("username taken: %w", ErrConflict))
			return
		}
		s.writeError(w, r, err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		s.writeError(w, r, ErrNotFound)
		return
	}

	if err := tx.Commit(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUserFiles(w http.ResponseWriter, r *http.Request) {
	userID, err := requireSelfOrAdmin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	files, err := s.files.ListByUploader(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, files)
}

type sshKeyInfo struct {
	Fingerprint string    `json:"fingerprint"`
	PublicKey   string    `json:"public_key"`
	AddedAt     time.Time `json:"added_at"`
}

func (s *Server) handleSSHKeyList(w http.ResponseWriter, r *http.Request) {
	userID, err := requireSelfOrAdmin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT public_key_fingerprint, public_key, added_at
		   FROM ssh_keys WHERE user_id = $1 ORDER BY added_at`,
		userID,
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rows.Close()

	keys := []sshKeyInfo{}
	for rows.Next() {
		var k sshKeyInfo
		if err := rows.Scan(&k.Fingerprint, &k.PublicKey, &k.AddedAt); err != nil {
			s.writeError(w, r, err)
			return
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, keys)
}

type sshKeyAddRequest struct {
	PublicKey string `json:"public_key"`
}

func (s *Server) handleSSHKeyAdd(w http.ResponseWriter, r *http.Request) {
	userID, err := requireSelfOrAdmin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req sshKeyAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.PublicKey))
	if err != nil {
		http.Error(w, "Invalid public key", http.StatusBadRequest)
		return
	}
	fingerprint := keyFingerprint(pubkey)

	result, err := s.db.ExecContext(r.Context(),
		`INSERT INTO ssh_keys (user_id, public_key_fingerprint, public_key)
		      VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, public_key_fingerprint) DO NOTHING`,
		userID, fingerprint, req.PublicKey,
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		s.writeError(w, r, fmt.Errorf("key already registered: %w", ErrConflict))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fingerprint})
}

func (s *Server) handleSSHKeyDelete(w http.ResponseWriter, r *http.Request) {
	userID, err := requireSelfOrAdmin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.db.ExecContext(r.Context(),
		`DELETE FROM ssh_keys WHERE user_id = $1 AND public_key_fingerprint = $2`,
		userID, chi.URLParam(r, "fingerprint"),
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		s.writeError(w, r, ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// handlePasswordChange sets a new password for the target account. The
// caller proves their own current password first; all of the target's
// sessions are revoked so every device has to log in again.
func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	userID, err := requireSelfOrAdmin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req passwordChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if valid, msg := validatePassword(req.NewPassword); !valid {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	identity := identityFromContext(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	var currentHash string
	err = tx.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE user_id = $1`,
		identity.UserID,
	).Scan(&currentHash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var match bool
	var verifyErr error
	if err := s.pool.Run(ctx, func() {
		match, verifyErr = verifyPassword(currentHash, req.CurrentPassword)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	if verifyErr != nil {
		s.writeError(w, r, verifyErr)
		return
	}
	if !match {
		s.log.Warn("password change rejected", zap.String("username", identity.Username))
		s.writeError(w, r, ErrUnauthenticated)
		return
	}

	var newHash string
	var hashErr error
	if err := s.pool.Run(ctx, func() {
		newHash, hashErr = hashPassword(req.NewPassword)
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	if hashErr != nil {
		s.writeError(w, r, hashErr)
		return
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE user_id = $1`,
		userID, newHash,
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		s.writeError(w, r, ErrNotFound)
		return
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1`,
		userID,
	); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := tx.Commit(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUsernameAvailable(w http.ResponseWriter, r *http.Request) {
	var userID uuid.UUID
	err := s.db.QueryRowContext(r.Context(),
		`SELECT user_id FROM users WHERE username = $1`,
		chi.URLParam(r, "username"),
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, r, ErrNotFound)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uuid.UUID{"user_id": userID})
}

type inviteCreateRequest struct {
	InviteCode string `json:"invite_code"`
	// Seconds the invite stays valid.
	ValidFor uint32 `json:"valid_for"`
	MaxUses  uint16 `json:"max_uses"`
}

func (s *Server) handleInviteCreate(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	if !identity.IsAdmin {
		s.writeError(w, r, ErrForbidden)
		return
	}

	var req inviteCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	validFor := time.Duration(req.ValidFor) * time.Second
	if validFor > maxInviteValidity {
		http.Error(w, "`valid_for` field must be between 0 and 7 days (in seconds)", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM invites WHERE invite = $1)`,
		req.InviteCode,
	).Scan(&exists)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if exists {
		s.writeError(w, r, fmt.Errorf("invite code taken: %w", ErrConflict))
		return
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO invites (invite, max_uses, valid_until, created_by)
		      VALUES ($1, $2, $3, $4)`,
		req.InviteCode, int(req.MaxUses), time.Now().Add(validFor), identity.UserID,
	); err != nil {
		if isUniqueViolation(err) {
			s.writeError(w, r, fmt.Errorf("invite code taken: %w", ErrConflict))
			return
		}
		s.writeError(w, r, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePublicConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Public)
}
