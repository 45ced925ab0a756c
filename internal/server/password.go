// password.go - Password hashing and the password authenticator.
//
// Hashes are argon2id in the standard PHC string format. Verification is
// deliberately CPU-expensive, so it runs on a small dedicated worker pool
// instead of the request goroutine pool.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

// argon2id parameters. 64 MiB, one pass, four lanes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// PasswordSessionValidity is how long a session minted by a password login
// lasts.
const PasswordSessionValidity = 7 * 24 * time.Hour

// hashPassword derives an argon2id hash of password with a fresh random salt
// and encodes it as a PHC string.
func hashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// verifyPassword checks password against an encoded argon2id hash. The
// comparison is constant time.
func verifyPassword(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("malformed password hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("malformed password hash version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version %d", version)
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("malformed password hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("malformed password hash salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("malformed password hash digest: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// cpuPool bounds concurrent CPU-heavy work (key derivation) so it cannot
// starve the goroutines serving I/O-bound requests.
type cpuPool struct {
	sem chan struct{}
}

func newCPUPool(size int) *cpuPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &cpuPool{sem: make(chan struct{}, size)}
}

// Run executes fn once a pool slot is available, or returns early if ctx is
// done first.
func (p *cpuPool) Run(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	fn()
	return nil
}

// PasswordAuthenticator verifies username/password credentials against the
// user store and mints a week-long session on success. Failed attempts are
// throttled per username.
type PasswordAuthenticator struct {
	db       *sql.DB
	sessions *SessionManager
	throttle *FailureThrottle
	pool     *cpuPool
	log      *zap.Logger
}

// NewPasswordAuthenticator wires the password authenticator.
func NewPasswordAuthenticator(db *sql.DB, sessions *SessionManager, throttle *FailureThrottle, pool *cpuPool, log *zap.Logger) *PasswordAuthenticator {
	return &PasswordAuthenticator{db: db, sessions: sessions, throttle: throttle, pool: pool, log: log}
}

// Authenticate checks the credentials and returns a fresh session on
// success, ErrUnauthenticated otherwise. On a wrong password the computed
// throttle delay is fully awaited before the rejection is returned.
//
// Note: an unknown username is rejected immediately, without the throttle
// delay. This mirrors the historical behavior and is kept deliberately; see
// DESIGN.md.
func (a *PasswordAuthenticator) Authenticate(ctx context.Context, username, password string) (*SessionRecord, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var userID uuid.UUID
	var passwordHash string
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, password_hash FROM users WHERE username = $1`,
		username,
	).Scan(&userID, &passwordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}

	var match bool
	var verifyErr error
	if err := a.pool.Run(ctx, func() {
		match, verifyErr = verifyPassword(passwordHash, password)
	}); err != nil {
		return nil, err
	}
	if verifyErr != nil {
		return nil, fmt.Errorf("verify password for %q: %w", username, verifyErr)
	}

	if !match {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		a.log.Warn("password authentication failed", zap.String("username", username))

		delay := a.throttle.RecordFailure(username, time.Now())
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		return nil, ErrUnauthenticated
	}

	session, err := a.sessions.Create(ctx, tx, userID, PasswordSessionValidity)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	a.throttle.Reset(username)
	return session, nil
}

// sleepCtx waits out d unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
