package sttproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseToken(t *testing.T) {
	raw := `{"type":"token","text":"hello"}`
	msg := Parse(raw)
	assert.Equal(t, Token, msg.Type)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, raw, msg.Raw)
	assert.True(t, msg.HasText())
}

func TestParseVadEnd(t *testing.T) {
	msg := Parse(`{"type":"vad_end"}`)
	assert.Equal(t, VadEnd, msg.Type)
}

func TestParseError(t *testing.T) {
	msg := Parse(`{"type":"error","message":"boom"}`)
	assert.Equal(t, Error, msg.Type)
	assert.Equal(t, "boom", msg.ErrorMessage)
}

func TestParseInvalidJSON(t *testing.T) {
	raw := "not valid json {"
	msg := Parse(raw)
	assert.Equal(t, Error, msg.Type)
	assert.Contains(t, msg.ErrorMessage, "Invalid JSON")
	assert.Equal(t, raw, msg.Raw)
}

func TestParseUnknownType(t *testing.T) {
	msg := Parse(`{"type":"something_else"}`)
	assert.Equal(t, Unknown, msg.Type)
}

func TestURL(t *testing.T) {
	u := URL("acme", DefaultHostSuffix)
	assert.Equal(t, "wss://acme--kyutai-stt-rust-kyutaisttrustservice-serve.modal.run/v1/stream", u)
}

func TestHeaders(t *testing.T) {
	h := Headers("k", "s")
	assert.Equal(t, "k", h.Get("Modal-Key"))
	assert.Equal(t, "s", h.Get("Modal-Secret"))
}
