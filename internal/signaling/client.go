// Package signaling speaks the HPB JSON-over-WebSocket protocol: an
// authenticated hello, room join, call-flag announcement, short-resume
// or full-reconnect, and the event/message dispatch that drives the
// rest of the bridge.
package signaling

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"example.com/livetranscription/internal/errs"
)

// backendPath is the Nextcloud OCS endpoint the HPB validates the
// internal auth token against; appended to NextcloudURL unless already
// present.
const backendPath = "/ocs/v2.php/apps/spreed/api/v3/signaling/backend"

// ConnectMode selects which handshake variant Connect runs.
type ConnectMode int

const (
	Fresh ConnectMode = iota
	ShortResume
	FullReconnect
)

// ConnectResult reports the outcome of a handshake attempt.
type ConnectResult int

const (
	ResultConnected ConnectResult = iota
	ResultRetry
	ResultFailed
)

const handshakeTimeout = 30 * time.Second

// Config carries everything needed to authenticate and join a room.
type Config struct {
	URL             string
	InternalSecret  string
	NextcloudURL    string
	RoomToken       string
	SkipCertVerify  bool
}

// Callbacks lets the room orchestrator receive dispatched events
// without the signaling client needing to know its concrete type.
// ncSessionID arguments are the Nextcloud Talk session id carried
// alongside the HPB session id in participant-update events; it may be
// empty if the HPB omits it.
type Callbacks struct {
	OnOffer       func(speakerSession, offerSid, sdp string)
	OnCandidate   func(speakerSession, sdpLine string)
	OnParticipantAvailable func(hpbSessionID, ncSessionID string, flags int)
	OnParticipantGone      func(hpbSessionID, ncSessionID string)
	OnLastPeerLeft         func()
	OnTornDown             func(err error)

	// HasActiveSubscriber reports whether a live WebRTC subscriber
	// already exists for a session, so the dispatcher skips asking for
	// another offer from a publisher it is already receiving.
	HasActiveSubscriber func(hpbSessionID string) bool
}

// Client is one HPB connection, scoped to a single room.
type Client struct {
	cfg Config
	cb  Callbacks
	log *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	msgID    atomic.Int64
	sessionID string
	resumeID  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a client. Connect must be called before any traffic flows.
func New(cfg Config, cb Callbacks, log *zap.Logger) *Client {
	return &Client{
		cfg: cfg,
		cb:  cb,
		log: log,
	}
}

// Connect runs the handshake for the requested mode and, on success,
// starts the dispatcher loop.
func (c *Client) Connect(ctx context.Context, mode ConnectMode) (ConnectResult, error) {
	url := sanitizeURL(c.cfg.URL)

	dialer := *websocket.DefaultDialer
	if c.cfg.SkipCertVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return ResultRetry, fmt.Errorf("signaling: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	var result ConnectResult
	if mode == ShortResume {
		result, err = c.resumeHandshake(conn)
		if result == ResultRetry && err == errs.ErrRoomJoinFailed {
			// Fall through to a fresh handshake on the same socket.
			result, err = c.freshHandshake(conn)
		}
	} else {
		result, err = c.freshHandshake(conn)
	}

	if result != ResultConnected {
		conn.Close()
		return result, err
	}

	c.sendInCall()
	c.sendJoin()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.dispatchLoop(runCtx)

	return ResultConnected, nil
}

func (c *Client) freshHandshake(conn *websocket.Conn) (ConnectResult, error) {
	nonce := generateNonce()
	token := hmacSHA256(c.cfg.InternalSecret, nonce)

	hello := Message{
		Type: "hello",
		Hello: &HelloPayload{
			Version: "2.0",
			Auth: &HelloAuth{
				Type: "internal",
				Params: HelloAuthParams{
					Random:  nonce,
					Token:   token,
					Backend: backendURL(c.cfg.NextcloudURL),
				},
			},
		},
	}
	if err := c.send(conn, hello); err != nil {
		return ResultRetry, err
	}

	for i := 0; i < 10; i++ {
		msg, err := c.receive(conn, handshakeTimeout)
		if err != nil {
			return ResultRetry, err
		}
		switch msg.Type {
		case "welcome":
			continue
		case "hello":
			if msg.Hello != nil {
				c.mu.Lock()
				c.sessionID = msg.Hello.SessionID
				c.resumeID = msg.Hello.ResumeID
				c.mu.Unlock()
			}
			return ResultConnected, nil
		case "error":
			return classifyError(msg.Error)
		case "bye":
			return ResultFailed, errs.ErrDefunct
		}
	}
	return ResultRetry, fmt.Errorf("signaling: handshake exceeded frame budget")
}

func (c *Client) resumeHandshake(conn *websocket.Conn) (ConnectResult, error) {
	c.mu.Lock()
	resumeID := c.resumeID
	c.mu.Unlock()

	hello := Message{Type: "hello", Hello: &HelloPayload{Version: "2.0", ResumeID: resumeID}}
	if err := c.send(conn, hello); err != nil {
		return ResultRetry, err
	}

	for i := 0; i < 10; i++ {
		msg, err := c.receive(conn, handshakeTimeout)
		if err != nil {
			return ResultRetry, err
		}
		switch msg.Type {
		case "hello":
			if msg.Hello != nil {
				c.mu.Lock()
				c.sessionID = msg.Hello.SessionID
				c.mu.Unlock()
			}
			return ResultConnected, nil
		case "error":
			if msg.Error != nil && msg.Error.Code == "no_such_session" {
				return ResultRetry, errs.ErrRoomJoinFailed
			}
			if msg.Error != nil && msg.Error.Code == "too_many_requests" {
				return ResultFailed, errs.ErrRateLimited
			}
			return ResultRetry, fmt.Errorf("signaling: resume error %s", msg.Error.Code)
		}
	}
	return ResultRetry, fmt.Errorf("signaling: resume handshake exceeded frame budget")
}

func classifyError(e *ErrorPayload) (ConnectResult, error) {
	if e == nil {
		return ResultFailed, fmt.Errorf("signaling: empty error payload")
	}
	switch e.Code {
	case "duplicate_session":
		return ResultFailed, errs.ErrDuplicateSession
	case "room_join_failed":
		return ResultRetry, errs.ErrRoomJoinFailed
	default:
		return ResultFailed, fmt.Errorf("signaling: %s: %s", e.Code, e.Message)
	}
}

// dispatchLoop is the long-running reader; it owns no lock across
// ReadMessage and acquires c.mu only briefly to read the current
// connection and session id.
func (c *Client) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		msg, err := c.receive(conn, 0)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			// Run asynchronously: the callback may reconnect or close this
			// client, and Close waits on this very goroutine via c.wg.
			if c.cb.OnTornDown != nil {
				go c.cb.OnTornDown(fmt.Errorf("signaling: read: %w", err))
			}
			return
		}

		switch msg.Type {
		case "error":
			if msg.Error != nil && msg.Error.Code == "processing_failed" {
				c.log.Warn("signaling processing_failed, continuing")
				continue
			}
			if c.cb.OnTornDown != nil {
				go c.cb.OnTornDown(fmt.Errorf("signaling: error %s", msg.Error.Code))
			}
			return
		case "bye":
			if c.cb.OnTornDown != nil {
				go c.cb.OnTornDown(nil)
			}
			return
		case "event":
			c.handleEvent(msg.Event)
		case "message":
			c.handleMessage(msg.Message)
		}
	}
}

func (c *Client) handleEvent(ev *EventPayload) {
	if ev == nil || ev.Target != "participants" || ev.Type != "update" || ev.Update == nil {
		return
	}
	u := ev.Update

	if u.All && u.InCall == FlagDisconnected {
		// Async for the same reason as the dispatchLoop read-error path:
		// this runs on the dispatchLoop goroutine itself.
		if c.cb.OnTornDown != nil {
			go c.cb.OnTornDown(nil)
		}
		return
	}

	c.mu.Lock()
	selfSession := c.sessionID
	c.mu.Unlock()

	if len(u.Users) == 2 {
		var other *UpdateUser
		sawSelf := false
		for i := range u.Users {
			usr := &u.Users[i]
			if usr.SessionID == selfSession {
				sawSelf = true
			} else {
				other = usr
			}
		}
		if sawSelf && other != nil && other.InCall == FlagDisconnected {
			// Async: OnLastPeerLeft typically closes the room, which waits
			// on this dispatchLoop goroutine via c.wg.
			if c.cb.OnLastPeerLeft != nil {
				go c.cb.OnLastPeerLeft()
			}
			return
		}
	}

	for _, usr := range u.Users {
		if usr.Internal {
			continue
		}
		if usr.InCall == FlagDisconnected {
			if c.cb.OnParticipantGone != nil {
				c.cb.OnParticipantGone(usr.SessionID, usr.NextcloudSessionID)
			}
			continue
		}
		if c.cb.OnParticipantAvailable != nil {
			c.cb.OnParticipantAvailable(usr.SessionID, usr.NextcloudSessionID, usr.InCall)
		}
		if usr.InCall&FlagInCall != 0 && usr.InCall&FlagWithAudio != 0 {
			if c.cb.HasActiveSubscriber == nil || !c.cb.HasActiveSubscriber(usr.SessionID) {
				c.sendOfferRequest(usr.SessionID)
			}
		}
	}
}

func (c *Client) handleMessage(m *MessagePayload) {
	if m == nil || len(m.Data) == 0 {
		return
	}
	var env DataEnvelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		c.log.Warn("signaling: malformed message data", zap.Error(err))
		return
	}

	switch env.Type {
	case "offer":
		var sdp SDPPayload
		if err := json.Unmarshal(env.Payload, &sdp); err == nil && c.cb.OnOffer != nil {
			c.cb.OnOffer(env.From(), env.Sid, sdp.SDP)
		}
	case "candidate":
		var cand CandidatePayload
		if err := json.Unmarshal(env.Payload, &cand); err == nil && c.cb.OnCandidate != nil {
			c.cb.OnCandidate(env.From(), cand.Candidate)
		}
	}
}

// From resolves the sender's HPB session id; the HPB's own wire form
// names it "from" in some payload revisions and "to" in others
// depending on direction, so callers index by Sid which is always the
// originating session for a message routed to us.
func (e DataEnvelope) From() string { return e.Sid }

// outbound helpers

func (c *Client) SendTranscript(recipients []string, tr TranscriptPayload) {
	payload, _ := json.Marshal(tr)
	env := DataEnvelope{Type: "transcript", Payload: payload}
	data, _ := json.Marshal(env)

	for _, r := range recipients {
		c.sendLocked(Message{
			Type: "message",
			Message: &MessagePayload{
				Recipient: &MessageRecipient{Type: "session", SessionID: r},
				Data:      data,
			},
		})
	}
}

func (c *Client) sendInCall() {
	c.sendLocked(Message{Type: "internal", Internal: &InternalPayload{
		Type:   "incall",
		InCall: &InternalInCall{InCall: FlagInCall},
	}})
}

func (c *Client) sendJoin() {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	c.sendLocked(Message{Type: "room", Room: &RoomPayload{RoomID: c.cfg.RoomToken, SessionID: sid}})
}

func (c *Client) sendOfferRequest(target string) {
	env := DataEnvelope{Type: "requestoffer", To: target}
	data, _ := json.Marshal(env)
	c.sendLocked(Message{
		Type: "message",
		Message: &MessagePayload{
			Recipient: &MessageRecipient{Type: "session", SessionID: target},
			Data:      data,
		},
	})
}

// SendAnswer completes an offer/answer exchange for a given speaker.
func (c *Client) SendAnswer(speakerSession, offerSid, sdp string) {
	sdpPayload, _ := json.Marshal(SDPPayload{SDP: sdp, Type: "answer"})
	env := DataEnvelope{Type: "answer", To: speakerSession, Sid: offerSid, Payload: sdpPayload}
	data, _ := json.Marshal(env)
	c.sendLocked(Message{
		Type: "message",
		Message: &MessagePayload{
			Recipient: &MessageRecipient{Type: "session", SessionID: speakerSession},
			Data:      data,
		},
	})
}

// SendCandidate forwards one locally-gathered ICE candidate line.
func (c *Client) SendCandidate(speakerSession, sdpLine string) {
	candPayload, _ := json.Marshal(CandidatePayload{Candidate: sdpLine})
	env := DataEnvelope{Type: "candidate", To: speakerSession, Payload: candPayload}
	data, _ := json.Marshal(env)
	c.sendLocked(Message{
		Type: "message",
		Message: &MessagePayload{
			Recipient: &MessageRecipient{Type: "session", SessionID: speakerSession},
			Data:      data,
		},
	})
}

// Bye sends a best-effort bye frame; errors are ignored since this is
// always called during teardown.
func (c *Client) Bye() {
	c.sendLocked(Message{Type: "bye"})
}

func (c *Client) sendLocked(m Message) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.send(conn, m); err != nil {
		c.log.Warn("signaling: send failed", zap.Error(err))
	}
}

func (c *Client) send(conn *websocket.Conn, m Message) error {
	m.ID = strconv.FormatInt(c.msgID.Add(1), 10)
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) receive(conn *websocket.Conn, timeout time.Duration) (Message, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("signaling: decode frame: %w", err)
	}
	return m, nil
}

// Close tears the connection down; idempotent.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.Bye()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func hmacSHA256(key, message string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateNonce mirrors Python's secrets.token_urlsafe(64): 64 random
// bytes, base64-urlsafe-encoded without padding.
func generateNonce() string {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		ts := time.Now().UnixNano()
		for i := range b {
			b[i] = byte(ts >> (8 * (i % 8)))
		}
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func sanitizeURL(raw string) string {
	u := raw
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(u, "/spreed") {
		u = strings.TrimSuffix(u, "/") + "/spreed"
	}
	return u
}

func backendURL(nextcloudURL string) string {
	u := strings.TrimSuffix(nextcloudURL, "/")
	if strings.HasSuffix(u, backendPath) {
		return u
	}
	return u + backendPath
}
