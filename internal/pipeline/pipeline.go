// Package pipeline implements the per-speaker transcription pipeline:
// buffer incoming PCM frames, push chunks to an STT stream, and turn
// token/vad_end/error replies into partial and final transcripts.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/livetranscription/internal/audiodsp"
	"example.com/livetranscription/internal/errs"
	"example.com/livetranscription/internal/sttproto"
	"example.com/livetranscription/internal/sttsession"
)

const (
	defaultMinBufferMs  = 200
	partialThreshold    = 50
	defaultStaleTimeout = 30 * time.Second
)

// Transcript is one emitted result, partial or final, attributed to the
// speaker who owns this pipeline.
type Transcript struct {
	Final          bool
	LangID         string
	Message        string
	SpeakerSession string
}

// Config tunes buffering and source audio shape.
type Config struct {
	SpeakerSession string
	LangID         string
	SourceRate     int
	TargetRate     int
	IsStereo       bool
	MinBufferMs    int
	StaleTimeout   time.Duration
}

// Pipeline owns one STT stream and the buffering/accumulation state for
// a single speaker. It is not safe for concurrent use from more than
// one frame-producing goroutine; Stop and SetLanguage may be called
// from any goroutine.
type Pipeline struct {
	cfg    Config
	stream *sttsession.Stream
	log    *zap.Logger
	onXcpt func(Transcript)

	mu          sync.Mutex
	lang        string
	accumulated strings.Builder
	err         error

	buf         []byte
	bufDuration time.Duration

	lastMessageAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New starts the receive loop against an already-connected STT stream
// and returns a pipeline ready to accept frames via PushFrame.
func New(ctx context.Context, cfg Config, stream *sttsession.Stream, log *zap.Logger, onTranscript func(Transcript)) *Pipeline {
	if cfg.MinBufferMs <= 0 {
		cfg.MinBufferMs = defaultMinBufferMs
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	childCtx, cancel := context.WithCancel(ctx)

	p := &Pipeline{
		cfg:           cfg,
		stream:        stream,
		log:           log,
		onXcpt:        onTranscript,
		lang:          cfg.LangID,
		lastMessageAt: time.Now(),
		cancel:        cancel,
	}

	p.wg.Add(1)
	go p.receiveLoop(childCtx)
	p.wg.Add(1)
	go p.staleWatch(childCtx)

	return p
}

func (p *Pipeline) receiveLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case msg, ok := <-p.stream.Messages():
			if !ok {
				return
			}
			p.handleMessage(msg)
			if msg.Type == sttproto.Error {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) staleWatch(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.StaleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			idle := time.Since(p.lastMessageAt)
			p.mu.Unlock()
			if idle >= p.cfg.StaleTimeout {
				p.log.Warn("stt stream stale", zap.Duration("idle", idle), zap.String("speaker", p.cfg.SpeakerSession))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handleMessage(msg sttproto.Message) {
	p.mu.Lock()
	p.lastMessageAt = time.Now()
	defer p.mu.Unlock()

	switch msg.Type {
	case sttproto.Token:
		p.accumulated.WriteString(msg.Text)
		if p.accumulated.Len() > partialThreshold {
			p.emitLocked(false, p.accumulated.String())
		}
	case sttproto.VadEnd:
		trimmed := strings.TrimSpace(p.accumulated.String())
		if trimmed != "" {
			p.emitLocked(true, trimmed)
		}
		p.accumulated.Reset()
	case sttproto.Error:
		p.err = errs.ErrStreamFailed
		p.log.Warn("stt stream error", zap.String("message", msg.ErrorMessage), zap.String("speaker", p.cfg.SpeakerSession))
	}
}

func (p *Pipeline) emitLocked(final bool, message string) {
	if p.onXcpt == nil {
		return
	}
	p.onXcpt(Transcript{
		Final:          final,
		LangID:         p.lang,
		Message:        message,
		SpeakerSession: p.cfg.SpeakerSession,
	})
}

// SetLanguage updates the language tag attached to future transcripts.
// The STT model itself is multilingual and needs no protocol message.
func (p *Pipeline) SetLanguage(lang string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lang = lang
}

// PushFrame converts one raw WebRTC PCM frame and buffers it, flushing
// to the STT stream once MinBufferMs worth of audio has accumulated.
func (p *Pipeline) PushFrame(pcm []byte) error {
	converted, err := audiodsp.PackWebRTCFrame(pcm, p.cfg.SourceRate, p.cfg.TargetRate, p.cfg.IsStereo)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.buf = append(p.buf, converted...)
	samples := len(converted) / 4
	p.bufDuration += time.Duration(samples) * time.Second / time.Duration(p.cfg.TargetRate)

	var toSend []byte
	if p.bufDuration >= time.Duration(p.cfg.MinBufferMs)*time.Millisecond {
		toSend = p.buf
		p.buf = nil
		p.bufDuration = 0
	}
	p.mu.Unlock()

	if toSend != nil {
		return p.stream.Send(toSend)
	}
	return nil
}

// Flush sends any partially-buffered audio, used when the track ends.
func (p *Pipeline) Flush() error {
	p.mu.Lock()
	toSend := p.buf
	p.buf = nil
	p.bufDuration = 0
	p.mu.Unlock()

	if len(toSend) == 0 {
		return nil
	}
	return p.stream.Send(toSend)
}

// Err reports why the pipeline stopped, if it stopped due to an
// upstream error rather than explicit Close.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops the receive loop and closes the underlying STT stream.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.stream.Close()
		p.wg.Wait()
	})
	return err
}
