package signaling

import "encoding/json"

// Call flag bits reported in participant "update" events.
const (
	FlagDisconnected = 0
	FlagInCall       = 1
	FlagWithAudio    = 2
	FlagWithVideo    = 4
	FlagWithPhone    = 8
)

// Message is the top-level HPB envelope. Every field beyond Type is a
// pointer so that absent sub-objects decode as nil rather than a
// zero-valued struct, mirroring the polymorphic JSON the HPB sends.
type Message struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Hello *HelloPayload `json:"hello,omitempty"`

	Error *ErrorPayload `json:"error,omitempty"`
	Bye   *struct{}     `json:"bye,omitempty"`

	Room *RoomPayload `json:"room,omitempty"`

	Internal *InternalPayload `json:"internal,omitempty"`

	Event *EventPayload `json:"event,omitempty"`

	Message *MessagePayload `json:"message,omitempty"`
}

// HelloPayload appears both outbound (authentication) and inbound
// (session/resume identifiers returned by the HPB).
type HelloPayload struct {
	Version  string       `json:"version,omitempty"`
	SessionID string      `json:"sessionid,omitempty"`
	ResumeID  string       `json:"resumeid,omitempty"`
	Auth     *HelloAuth   `json:"auth,omitempty"`
}

type HelloAuth struct {
	Type   string          `json:"type"`
	Params HelloAuthParams `json:"params"`
}

type HelloAuthParams struct {
	Random  string `json:"random"`
	Token   string `json:"token"`
	Backend string `json:"backend"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RoomPayload struct {
	RoomID    string `json:"roomid"`
	SessionID string `json:"sessionid,omitempty"`
}

type InternalPayload struct {
	Type   string          `json:"type"`
	InCall *InternalInCall `json:"incall,omitempty"`
}

type InternalInCall struct {
	InCall int `json:"incall"`
}

type EventPayload struct {
	Target string              `json:"target"`
	Type   string              `json:"type"`
	Update *ParticipantsUpdate `json:"update,omitempty"`
}

type ParticipantsUpdate struct {
	All   bool           `json:"all,omitempty"`
	InCall int           `json:"incall,omitempty"`
	Users []UpdateUser   `json:"users,omitempty"`
}

type UpdateUser struct {
	SessionID          string `json:"sessionId"`
	NextcloudSessionID string `json:"nextcloudSessionId,omitempty"`
	InCall             int    `json:"inCall"`
	Internal           bool   `json:"internal,omitempty"`
}

// MessagePayload carries peer-to-peer signaling: offer/answer/candidate
// during WebRTC negotiation, requestoffer to invite a publisher, and
// transcript to deliver results.
type MessagePayload struct {
	Recipient *MessageRecipient `json:"recipient,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

type MessageRecipient struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionid"`
}

// DataEnvelope is the decoded form of MessagePayload.Data.
type DataEnvelope struct {
	To        string          `json:"to,omitempty"`
	Sid       string          `json:"sid,omitempty"`
	RoomType  string          `json:"roomType,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OfferPayload/AnswerPayload carry the SDP text.
type SDPPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// CandidatePayload carries one ICE candidate line.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// TranscriptPayload is what ends up in DataEnvelope.Payload for
// type=="transcript".
type TranscriptPayload struct {
	Final            bool   `json:"final"`
	LangID           string `json:"langId"`
	Message          string `json:"message"`
	SpeakerSessionID string `json:"speakerSessionId"`
}
