package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const selectKeyQuery = `
		SELECT users.user_id, ssh_keys.public_key
		FROM ssh_keys JOIN users ON ssh_keys.user_id = users.user_id
		WHERE users.username = $1 AND ssh_keys.public_key_fingerprint = $2`

func newTestChallengeAuthenticator(t *testing.T) (*ChallengeAuthenticator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tickets := &TicketStore{
		tickets: make(map[Ticket]string),
		now:     time.Now,
		done:    make(chan struct{}),
		closed:  true,
	}

	auth := NewChallengeAuthenticator(db, tickets, NewSessionManager(db), zap.NewNop())
	return auth, mock
}

func generateRSAKey(t *testing.T) (*rsa.PrivateKey, ssh.PublicKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubkey, err := ssh.NewPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, pubkey, keyFingerprint(pubkey)
}

func TestChallengeAuthenticator_FullProtocol(t *testing.T) {
	auth, mock := newTestChallengeAuthenticator(t)
	key, pubkey, fingerprint := generateRSAKey(t)
	authorized := string(ssh.MarshalAuthorizedKey(pubkey))
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(selectKeyQuery)).
		WithArgs("alice", fingerprint).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "public_key"}).
			AddRow(userID.String(), authorized))

	ciphertext, err := auth.Begin(context.Background(), "alice", fingerprint)
	require.NoError(t, err)

	// Only the private key holder can read the ticket.
	payload, err := rsa.DecryptPKCS1v15(rand.Reader, key, ciphertext)
	require.NoError(t, err)

	var issued Ticket
	require.NoError(t, json.Unmarshal(payload, &issued))
	assert.Equal(t, userID, issued.Subject)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM ssh_keys WHERE user_id = $1 AND public_key_fingerprint = $2)`)).
		WithArgs(userID, fingerprint).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(tokenExistsQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta(insertSessionQuery)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	session, err := auth.Complete(context.Background(), respond(issued))
	require.NoError(t, err)
	assert.Equal(t, userID, session.UserID)
	assert.Equal(t, ChallengeSessionValidity, session.ExpiresOn.Sub(session.IssuedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeAuthenticator_UnknownKey(t *testing.T) {
	auth, mock := newTestChallengeAuthenticator(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectKeyQuery)).
		WithArgs("alice", "SHA256:unknown").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "public_key"}))

	_, err := auth.Begin(context.Background(), "alice", "SHA256:unknown")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestChallengeAuthenticator_NonRSAKeyUnsupported(t *testing.T) {
	auth, mock := newTestChallengeAuthenticator(t)

	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubkey, err := ssh.NewPublicKey(edPub)
	require.NoError(t, err)
	fingerprint := keyFingerprint(pubkey)

	mock.ExpectQuery(regexp.QuoteMeta(selectKeyQuery)).
		WithArgs("alice", fingerprint).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "public_key"}).
			AddRow(uuid.New().String(), string(ssh.MarshalAuthorizedKey(pubkey))))

	_, err = auth.Begin(context.Background(), "alice", fingerprint)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestChallengeAuthenticator_UnknownTicket(t *testing.T) {
	auth, _ := newTestChallengeAuthenticator(t)

	nonce, err := NewNonce()
	require.NoError(t, err)
	_, err = auth.Complete(context.Background(), Ticket{
		Nonce:   nonce,
		Subject: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestChallengeAuthenticator_RevokedKeyRejected(t *testing.T) {
	auth, mock := newTestChallengeAuthenticator(t)
	_, pubkey, fingerprint := generateRSAKey(t)
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(selectKeyQuery)).
		WithArgs("alice", fingerprint).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "public_key"}).
			AddRow(userID.String(), string(ssh.MarshalAuthorizedKey(pubkey))))

	_, err := auth.Begin(context.Background(), "alice", fingerprint)
	require.NoError(t, err)

	// Grab the issued ticket straight from the store; the test plays a
	// client whose key was revoked between the two steps.
	var issued Ticket
	auth.tickets.mu.Lock()
	for ticket := range auth.tickets.tickets {
		issued = ticket
	}
	auth.tickets.mu.Unlock()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM ssh_keys WHERE user_id = $1 AND public_key_fingerprint = $2)`)).
		WithArgs(userID, fingerprint).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err = auth.Complete(context.Background(), respond(issued))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
