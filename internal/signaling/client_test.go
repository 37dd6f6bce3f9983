package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"example.com/livetranscription/internal/errs"
)

func TestSanitizeURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://hpb.example.com", "wss://hpb.example.com/spreed"},
		{"http://hpb.example.com", "ws://hpb.example.com/spreed"},
		{"wss://hpb.example.com/spreed", "wss://hpb.example.com/spreed"},
		{"wss://hpb.example.com", "wss://hpb.example.com/spreed"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitizeURL(c.in))
	}
}

func TestHMACSHA256Deterministic(t *testing.T) {
	a := hmacSHA256("secret", "nonce")
	b := hmacSHA256("secret", "nonce")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex-encoded sha256 digest
}

func TestGenerateNonceUnique(t *testing.T) {
	a := generateNonce()
	b := generateNonce()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 86) // base64 urlsafe, no padding, of 64 bytes
}

func TestBackendURL(t *testing.T) {
	assert.Equal(t, "https://nc.example.com/ocs/v2.php/apps/spreed/api/v3/signaling/backend",
		backendURL("https://nc.example.com"))
	assert.Equal(t, "https://nc.example.com/ocs/v2.php/apps/spreed/api/v3/signaling/backend",
		backendURL("https://nc.example.com/"))
	assert.Equal(t, "https://nc.example.com/ocs/v2.php/apps/spreed/api/v3/signaling/backend",
		backendURL("https://nc.example.com/ocs/v2.php/apps/spreed/api/v3/signaling/backend"))
}

func TestClassifyError(t *testing.T) {
	result, err := classifyError(&ErrorPayload{Code: "duplicate_session"})
	assert.Equal(t, ResultFailed, result)
	assert.ErrorIs(t, err, errs.ErrDuplicateSession)

	result, err = classifyError(&ErrorPayload{Code: "room_join_failed"})
	assert.Equal(t, ResultRetry, result)
	assert.ErrorIs(t, err, errs.ErrRoomJoinFailed)
}
