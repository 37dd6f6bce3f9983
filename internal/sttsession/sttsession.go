// Package sttsession manages one WebSocket connection to the streaming
// STT service per speaker, in the style of the project's existing
// deepgram and assemblyai clients: a Config, a Connect that dials and
// spawns a reader goroutine, and a mutex-guarded connected flag.
package sttsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"example.com/livetranscription/internal/errs"
	"example.com/livetranscription/internal/sttproto"
)

const (
	defaultConnectTimeout = 120 * time.Second
	pingInterval          = 30 * time.Second
	pingTimeout           = 10 * time.Second
)

// Config carries the credentials and endpoint override needed to reach
// the STT service.
type Config struct {
	Workspace      string
	Key            string
	Secret         string
	HostSuffix     string
	ConnectTimeout time.Duration
}

// IsConfigured reports whether enough credentials are present to
// attempt a connection.
func (c Config) IsConfigured() bool {
	return c.Workspace != "" && c.Key != "" && c.Secret != ""
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (c Config) hostSuffix() string {
	if c.HostSuffix != "" {
		return c.HostSuffix
	}
	return sttproto.DefaultHostSuffix
}

// Stream is a live STT connection: Send pushes audio chunks, Messages
// yields demultiplexed replies.
type Stream struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu     sync.Mutex
	closed bool

	messages chan sttproto.Message
	done     chan struct{}
}

// Connect dials the STT service and starts the background reader. The
// caller must call Close when done; there is no separate Disconnect.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Stream, error) {
	if !cfg.IsConfigured() {
		return nil, errs.ErrNotConfigured
	}

	url := sttproto.URL(cfg.Workspace, cfg.hostSuffix())
	header := sttproto.Headers(cfg.Key, cfg.Secret)

	timeout := cfg.connectTimeout()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.DialContext(dialCtx, url, header)
	if err != nil {
		return nil, fmt.Errorf("sttsession: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		return nil
	})

	s := &Stream{
		conn:     conn,
		log:      log,
		messages: make(chan sttproto.Message, 32),
		done:     make(chan struct{}),
	}

	go s.readLoop()
	go s.pingLoop()

	log.Info("stt session connected", zap.String("url", url))
	return s, nil
}

func (s *Stream) readLoop() {
	defer close(s.messages)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("stt session read error", zap.Error(err))
			}
			return
		}
		msg := sttproto.Parse(string(raw))
		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
		if msg.Type == sttproto.Error {
			return
		}
	}
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send transmits one audio chunk as a binary frame. Safe for concurrent
// use with Messages; concurrent Send calls are serialized by s.mu.
func (s *Stream) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sttsession: send on closed stream")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// Messages returns the channel of demultiplexed STT replies. It is
// closed when the connection ends, for any reason.
func (s *Stream) Messages() <-chan sttproto.Message {
	return s.messages
}

// Close tears down the socket and reader goroutine. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
