package server

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lowercaseHex = regexp.MustCompile(`^[0-9a-f]+$`)

func TestSessionToken_Distinct(t *testing.T) {
	seen := make(map[SessionToken]bool)
	for i := 0; i < 1000; i++ {
		token, err := NewSessionToken()
		require.NoError(t, err)
		require.False(t, seen[token], "generated tokens must be pairwise distinct")
		seen[token] = true
	}
}

func TestSessionToken_StringForm(t *testing.T) {
	token, err := NewSessionToken()
	require.NoError(t, err)

	s := token.String()
	assert.Len(t, s, 64)
	assert.Regexp(t, lowercaseHex, s)

	parsed, err := ParseSessionToken(s)
	require.NoError(t, err)
	assert.Equal(t, token, parsed)
}

func TestParseSessionToken_Invalid(t *testing.T) {
	_, err := ParseSessionToken("")
	assert.Error(t, err)

	_, err = ParseSessionToken("abc123")
	assert.Error(t, err)

	_, err = ParseSessionToken("zz" + string(make([]byte, 62)))
	assert.Error(t, err)
}

func TestParseSessionToken_RejectsUppercase(t *testing.T) {
	// Only the lowercase form is ever issued; the uppercase spelling of a
	// valid token is not accepted.
	upper := strings.Repeat("AB", 32)
	_, err := ParseSessionToken(upper)
	assert.Error(t, err)

	_, err = ParseSessionToken(strings.ToLower(upper))
	assert.NoError(t, err)
}

func TestSessionToken_JSON(t *testing.T) {
	token, err := NewSessionToken()
	require.NoError(t, err)

	data, err := json.Marshal(token)
	require.NoError(t, err)
	assert.Equal(t, `"`+token.String()+`"`, string(data))

	var back SessionToken
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, token, back)
}

func TestFileID_HexRoundTrip(t *testing.T) {
	id, err := NewFileID()
	require.NoError(t, err)

	s := id.String()
	assert.Regexp(t, lowercaseHex, s)

	parsed, err := ParseFileID(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestFileID_NegativeValuesRenderUnsigned(t *testing.T) {
	id := FileID(-1)
	assert.Equal(t, "ffffffffffffffff", id.String())

	parsed, err := ParseFileID("ffffffffffffffff")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseFileID_Invalid(t *testing.T) {
	for _, s := range []string{"", "nothex!", "10000000000000000"} {
		_, err := ParseFileID(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestFileID_JSON(t *testing.T) {
	id := FileID(0x1f)
	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"1f"`, string(data))

	var back FileID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back)
}
