// Package sttproto implements the Kyutai/Modal streaming STT wire
// format: message parsing and connection endpoint construction.
package sttproto

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// MessageType identifies the variant of an inbound STT message.
type MessageType int

const (
	Token MessageType = iota
	VadEnd
	Error
	Ping
	Unknown
)

// Message is the tagged union of everything the STT service can send.
// Raw always preserves the original frame text for diagnostics.
type Message struct {
	Type         MessageType
	Text         string
	ErrorMessage string
	Raw          string
}

// HasText reports whether this message carries transcript text.
func (m Message) HasText() bool {
	return m.Type == Token && m.Text != ""
}

type wireMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// Parse decodes one inbound STT frame. Malformed JSON produces an Error
// message rather than a Go error, matching the service's tolerant
// demultiplexing: a single bad frame should not take down the pipeline.
func Parse(raw string) Message {
	var w wireMessage
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		preview := raw
		if len(preview) > 100 {
			preview = preview[:100]
		}
		return Message{
			Type:         Error,
			ErrorMessage: fmt.Sprintf("Invalid JSON: %s", preview),
			Raw:          raw,
		}
	}

	switch w.Type {
	case "token":
		return Message{Type: Token, Text: w.Text, Raw: raw}
	case "vad_end":
		return Message{Type: VadEnd, Raw: raw}
	case "error":
		return Message{Type: Error, ErrorMessage: w.Message, Raw: raw}
	case "ping":
		return Message{Type: Ping, Raw: raw}
	default:
		return Message{Type: Unknown, Raw: raw}
	}
}

// URL builds the Kyutai streaming endpoint for a workspace and host
// suffix, e.g. "wss://acme--kyutai-stt-rust-kyutaisttrustservice-serve.modal.run/v1/stream".
func URL(workspace, hostSuffix string) string {
	return fmt.Sprintf("wss://%s--%s/v1/stream", workspace, hostSuffix)
}

// Headers builds the authentication headers Modal expects on the
// WebSocket upgrade request.
func Headers(key, secret string) http.Header {
	h := make(http.Header)
	h.Set("Modal-Key", key)
	h.Set("Modal-Secret", secret)
	return h
}

// DefaultHostSuffix is the vendor default used when no override is
// configured.
const DefaultHostSuffix = "kyutai-stt-rust-kyutaisttrustservice-serve.modal.run"
