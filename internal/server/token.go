// token.go - Random identifier and token types shared by the auth and file
// subsystems: 256-bit session tokens and 64-bit file identifiers, both
// rendered as lowercase hex.
package server

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SessionToken proves to the backend that a client is authenticated.
//
// The token is 256 bits; 128 bits is the minimum recommended by OWASP for
// session identifiers.
type SessionToken [32]byte

// NewSessionToken generates a new random token.
func NewSessionToken() (SessionToken, error) {
	var t SessionToken
	if _, err := rand.Read(t[:]); err != nil {
		return SessionToken{}, fmt.Errorf("generate session token: %w", err)
	}
	return t, nil
}

// ParseSessionToken parses the 64-character lowercase hex form of a token.
// Uppercase digits are rejected; the lowercase form is the only one ever
// issued.
func ParseSessionToken(s string) (SessionToken, error) {
	var t SessionToken
	if len(s) != hex.EncodedLen(len(t)) {
		return SessionToken{}, fmt.Errorf("session token must be %d hex characters", hex.EncodedLen(len(t)))
	}
	if strings.ContainsAny(s, "ABCDEF") {
		return SessionToken{}, fmt.Errorf("session token must be lowercase hex")
	}
	if _, err := hex.Decode(t[:], []byte(s)); err != nil {
		return SessionToken{}, fmt.Errorf("parse session token: %w", err)
	}
	return t, nil
}

// Raw returns the token bytes as stored in the sessions table.
func (t SessionToken) Raw() []byte { return t[:] }

func (t SessionToken) String() string { return hex.EncodeToString(t[:]) }

func (t SessionToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *SessionToken) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSessionToken(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// FileID is the unique identifier of a stored file. It is a random 64-bit
// value, not derived from content; uniqueness is enforced by checking the
// metadata store at creation time.
type FileID int64

// NewFileID generates a new random file id.
func NewFileID() (FileID, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate file id: %w", err)
	}
	return FileID(binary.BigEndian.Uint64(b[:])), nil
}

// ParseFileID parses the lowercase hex form used in URLs and object keys.
func ParseFileID(s string) (FileID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse file id: %w", err)
	}
	return FileID(v), nil
}

func (id FileID) String() string {
	return strconv.FormatUint(uint64(id), 16)
}

func (id FileID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *FileID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseFileID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
