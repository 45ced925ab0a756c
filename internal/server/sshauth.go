// sshauth.go - Two-step SSH public key login.
//
// Step 1 hands the client a ticket encrypted with their registered public
// key; step 2 accepts the decrypted ticket (nonce decremented by one) and
// mints a short bootstrap session. Possession of the private key is proven
// without it ever leaving the client.
package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// ChallengeSessionValidity is how long a session minted by the challenge
// protocol lasts. It is intentionally short: the protocol bootstraps a full
// session rather than serving as the primary one.
const ChallengeSessionValidity = time.Minute

// ChallengeAuthenticator runs the two-step public key protocol against the
// registered SSH keys.
type ChallengeAuthenticator struct {
	db       *sql.DB
	tickets  *TicketStore
	sessions *SessionManager
	log      *zap.Logger
}

// NewChallengeAuthenticator wires the challenge authenticator.
func NewChallengeAuthenticator(db *sql.DB, tickets *TicketStore, sessions *SessionManager, log *zap.Logger) *ChallengeAuthenticator {
	return &ChallengeAuthenticator{db: db, tickets: tickets, sessions: sessions, log: log}
}

// Begin starts the protocol: it looks up the registered key for username
// matching fingerprint, mints a ticket bound to the user, and returns the
// ticket encrypted with the key.
//
// A missing user, missing key or wrong fingerprint all return
// ErrUnauthenticated without revealing which check failed. Only RSA keys can
// be encrypted to with PKCS#1 v1.5; any other algorithm returns
// ErrUnsupportedAlgorithm.
func (a *ChallengeAuthenticator) Begin(ctx context.Context, username, fingerprint string) ([]byte, error) {
	var userID uuid.UUID
	var publicKey string
	err := a.db.QueryRowContext(ctx, `
		SELECT users.user_id, ssh_keys.public_key
		FROM ssh_keys JOIN users ON ssh_keys.user_id = users.user_id
		WHERE users.username = $1 AND ssh_keys.public_key_fingerprint = $2`,
		username, fingerprint,
	).Scan(&userID, &publicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("fetch public key: %w", err)
	}

	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return nil, fmt.Errorf("parse registered public key: %w", err)
	}

	rsaKey, err := rsaPublicKey(pubkey)
	if err != nil {
		return nil, err
	}

	ticket, err := a.tickets.New(userID, fingerprint)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(ticket)
	if err != nil {
		return nil, fmt.Errorf("encode ticket: %w", err)
	}

	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, rsaKey, payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt ticket: %w", err)
	}
	return encrypted, nil
}

// Complete finishes the protocol: resp must be the issued ticket with its
// nonce decremented by one. The matching ticket is consumed, the key
// registration is re-checked (it may have been revoked since step 1), and a
// one-minute session is minted.
func (a *ChallengeAuthenticator) Complete(ctx context.Context, resp Ticket) (*SessionRecord, error) {
	fingerprint, ok := a.tickets.TakeResponse(resp)
	if !ok {
		a.log.Warn("unknown or expired challenge ticket submitted")
		return nil, ErrUnauthenticated
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The user or the key may have been removed between the two steps.
	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ssh_keys WHERE user_id = $1 AND public_key_fingerprint = $2)`,
		resp.Subject, fingerprint,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check key registration: %w", err)
	}
	if !exists {
		a.log.Warn("ssh key revoked between challenge steps", zap.String("fingerprint", fingerprint))
		return nil, ErrUnauthenticated
	}

	session, err := a.sessions.Create(ctx, tx, resp.Subject, ChallengeSessionValidity)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return session, nil
}

// rsaPublicKey extracts the RSA key from a parsed SSH public key, or returns
// ErrUnsupportedAlgorithm for any other key type.
func rsaPublicKey(pubkey ssh.PublicKey) (*rsa.PublicKey, error) {
	if pubkey.Type() != ssh.KeyAlgoRSA {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, pubkey.Type())
	}
	cryptoKey, ok := pubkey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, pubkey.Type())
	}
	rsaKey, ok := cryptoKey.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, pubkey.Type())
	}
	return rsaKey, nil
}

// keyFingerprint returns the canonical fingerprint used to identify a
// registered key (SHA256, OpenSSH text form).
func keyFingerprint(pubkey ssh.PublicKey) string {
	return ssh.FingerprintSHA256(pubkey)
}
