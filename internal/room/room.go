// Package room implements the per-room orchestrator: it owns a
// signaling client, the set of recipients who want transcripts, one
// WebRTC subscriber and transcription pipeline per speaker, and the
// lifecycle that ties them together (deferred leave, reconnect with
// backoff, defunct teardown).
package room

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/livetranscription/internal/audiodsp"
	"example.com/livetranscription/internal/errs"
	"example.com/livetranscription/internal/pipeline"
	"example.com/livetranscription/internal/signaling"
	"example.com/livetranscription/internal/sttsession"
	"example.com/livetranscription/internal/subscriber"
)

// State is the orchestrator's lifecycle stage. Defunct is sticky:
// once reached, no transition out is possible.
type State int

const (
	Connecting State = iota
	Connected
	Defunct
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "defunct"
	}
}

// Config is everything the orchestrator needs for the lifetime of one
// room; it is immutable after construction.
type Config struct {
	RoomToken      string
	HPBURL         string
	InternalSecret string
	NextcloudURL   string
	SkipCertVerify bool

	ICEServers []subscriber.ICEServer

	STT sttsession.Config

	LeaveGrace        time.Duration
	TranscriptTimeout time.Duration
	StaleTimeout      time.Duration
	MaxRetries        int
	BackoffBase       int
}

// OnClosed is invoked exactly once when the orchestrator tears itself
// down, so the registry can drop its reference.
type OnClosed func(roomToken string)

// Orchestrator is one live room.
type Orchestrator struct {
	cfg      Config
	log      *zap.Logger
	onClosed OnClosed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                 sync.Mutex
	state              State
	langID             string
	recipients         map[string]struct{}
	ncToHPB            map[string]string
	pendingRecipients  map[string]struct{}
	transcribers       map[string]*pipeline.Pipeline
	peerConnections    map[string]*subscriber.Subscriber
	leaveTimer         *time.Timer
	lastActive         time.Time

	sig *signaling.Client

	outbox chan pipeline.Transcript
}

// New constructs an orchestrator. It does not connect; call Start.
func New(cfg Config, lang string, log *zap.Logger, onClosed OnClosed) *Orchestrator {
	if cfg.LeaveGrace == 0 {
		cfg.LeaveGrace = 2 * time.Second
	}
	if cfg.TranscriptTimeout == 0 {
		cfg.TranscriptTimeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:               cfg,
		log:               log,
		onClosed:          onClosed,
		ctx:               ctx,
		cancel:            cancel,
		state:             Connecting,
		langID:            lang,
		recipients:        make(map[string]struct{}),
		ncToHPB:           make(map[string]string),
		pendingRecipients: make(map[string]struct{}),
		transcribers:      make(map[string]*pipeline.Pipeline),
		peerConnections:   make(map[string]*subscriber.Subscriber),
		lastActive:        time.Now(),
		outbox:            make(chan pipeline.Transcript, 256),
	}
	return o
}

// Start connects the signaling client and begins the fan-out consumer.
// recipient is recorded before connecting: straight into the recipient
// set when its HPB session is already known, otherwise as pending so the
// first participant update can promote it. A Defunct orchestrator is
// never restarted; Start then returns errs.ErrDefunct.
func (o *Orchestrator) Start(ctx context.Context, recipient string) error {
	o.mu.Lock()
	if o.state == Defunct {
		o.mu.Unlock()
		return errs.ErrDefunct
	}
	if _, ok := o.ncToHPB[recipient]; ok {
		o.recipients[recipient] = struct{}{}
	} else {
		o.pendingRecipients[recipient] = struct{}{}
	}
	o.cancelLeaveTimerLocked()
	alreadyConnected := o.state == Connected
	o.mu.Unlock()

	if alreadyConnected {
		return nil
	}

	o.sig = signaling.New(signaling.Config{
		URL:            o.cfg.HPBURL,
		InternalSecret: o.cfg.InternalSecret,
		NextcloudURL:   o.cfg.NextcloudURL,
		RoomToken:      o.cfg.RoomToken,
		SkipCertVerify: o.cfg.SkipCertVerify,
	}, signaling.Callbacks{
		OnOffer:                o.handleOffer,
		OnCandidate:            o.handleCandidate,
		OnParticipantAvailable: o.handleParticipantAvailable,
		OnParticipantGone:      o.handleParticipantGone,
		OnLastPeerLeft:         func() { o.Close(fmt.Errorf("last peer left")) },
		OnTornDown:             o.handleTornDown,
		HasActiveSubscriber:    o.hasSubscriber,
	}, o.log)

	result, err := o.sig.Connect(ctx, signaling.Fresh)
	if result != signaling.ResultConnected {
		o.setDefunct()
		return fmt.Errorf("room: signaling connect failed: %w", err)
	}

	o.mu.Lock()
	o.state = Connected
	o.mu.Unlock()

	o.wg.Add(1)
	go o.fanOutLoop()

	return nil
}

// Stop removes a recipient; if none remain, a deferred close begins.
func (o *Orchestrator) Stop(recipient string) {
	o.mu.Lock()
	delete(o.recipients, recipient)
	delete(o.pendingRecipients, recipient)
	empty := len(o.recipients) == 0
	if empty && o.state == Connected {
		o.startDeferredCloseLocked()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) startDeferredCloseLocked() {
	if o.leaveTimer != nil {
		return
	}
	o.leaveTimer = time.AfterFunc(o.cfg.LeaveGrace, func() {
		o.mu.Lock()
		stillEmpty := len(o.recipients) == 0
		o.leaveTimer = nil
		o.mu.Unlock()
		if stillEmpty {
			o.Close(nil)
		}
	})
}

func (o *Orchestrator) cancelLeaveTimerLocked() {
	if o.leaveTimer != nil {
		o.leaveTimer.Stop()
		o.leaveTimer = nil
	}
}

// SetLanguage updates the room language and propagates it to every
// live speaker pipeline.
func (o *Orchestrator) SetLanguage(lang string) {
	o.mu.Lock()
	o.langID = lang
	pipelines := make([]*pipeline.Pipeline, 0, len(o.transcribers))
	for _, p := range o.transcribers {
		pipelines = append(pipelines, p)
	}
	o.mu.Unlock()

	for _, p := range pipelines {
		p.SetLanguage(lang)
	}
}

// State reports the current lifecycle stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LangID reports the room's current transcription language.
func (o *Orchestrator) LangID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.langID
}

func (o *Orchestrator) setDefunct() {
	o.mu.Lock()
	o.state = Defunct
	o.mu.Unlock()
}

// handleParticipantAvailable promotes a pending recipient once its HPB
// session id is known, and records the mapping either way.
func (o *Orchestrator) handleParticipantAvailable(hpbSessionID, ncSessionID string, flags int) {
	o.mu.Lock()
	o.lastActive = time.Now()
	if ncSessionID != "" {
		o.ncToHPB[ncSessionID] = hpbSessionID
		if _, pending := o.pendingRecipients[ncSessionID]; pending {
			delete(o.pendingRecipients, ncSessionID)
			o.recipients[ncSessionID] = struct{}{}
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) hasSubscriber(hpbSessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.peerConnections[hpbSessionID]
	return ok
}

func (o *Orchestrator) handleParticipantGone(hpbSessionID, ncSessionID string) {
	o.mu.Lock()
	p, ok := o.transcribers[hpbSessionID]
	delete(o.transcribers, hpbSessionID)
	sub, hasSub := o.peerConnections[hpbSessionID]
	delete(o.peerConnections, hpbSessionID)
	o.mu.Unlock()

	if ok {
		p.Close()
	}
	if hasSub {
		sub.Close()
	}
}

// handleTornDown runs when the signaling connection ends short of an
// explicit close. A nil cause (a bye from the HPB, or the call ending)
// closes the room. Any other cause starts a short resume, then
// full-reconnects with exponential backoff, and only gives up the room
// once the retry budget is exhausted.
func (o *Orchestrator) handleTornDown(cause error) {
	if cause == nil {
		o.Close(nil)
		return
	}

	o.mu.Lock()
	if o.state == Defunct {
		o.mu.Unlock()
		return
	}
	o.state = Connecting
	o.mu.Unlock()

	o.log.Warn("room: signaling connection lost, reconnecting", zap.Error(cause))

	result, err := o.sig.Connect(o.ctx, signaling.ShortResume)
	if result == signaling.ResultConnected {
		o.mu.Lock()
		o.state = Connected
		o.mu.Unlock()
		o.log.Info("room: short resume succeeded")
		return
	}
	if result == signaling.ResultFailed {
		o.log.Warn("room: signaling terminal failure, not reconnecting", zap.Error(err))
		o.Close(fmt.Errorf("room: signaling failed: %w", err))
		return
	}

	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		backoff := time.Duration(math.Pow(float64(o.cfg.BackoffBase), float64(attempt))) * time.Second
		select {
		case <-time.After(backoff):
		case <-o.ctx.Done():
			return
		}

		result, err = o.sig.Connect(o.ctx, signaling.FullReconnect)
		if result == signaling.ResultConnected {
			o.mu.Lock()
			o.state = Connected
			o.ncToHPB = make(map[string]string)
			o.mu.Unlock()
			o.log.Info("room: full reconnect succeeded", zap.Int("attempt", attempt))
			return
		}
		if result == signaling.ResultFailed {
			break
		}
	}

	o.log.Warn("room: reconnect attempts exhausted", zap.Error(err))
	o.Close(fmt.Errorf("room: reconnect failed: %w", err))
}

// AddTarget registers an external recipient, promoting it from pending
// once the HPB mapping for it is known.
func (o *Orchestrator) AddTarget(ncSessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.ncToHPB[ncSessionID]; ok {
		o.recipients[ncSessionID] = struct{}{}
		return
	}
	o.pendingRecipients[ncSessionID] = struct{}{}
}

// RemoveTarget removes a recipient by its external session id.
func (o *Orchestrator) RemoveTarget(ncSessionID string) {
	o.Stop(ncSessionID)
}

func (o *Orchestrator) handleOffer(speakerSession, offerSid, sdp string) {
	o.mu.Lock()
	_, exists := o.peerConnections[speakerSession]
	o.mu.Unlock()
	if exists {
		o.log.Debug("room: ignoring duplicate offer", zap.String("speaker", speakerSession))
		return
	}

	sub, err := subscriber.New(speakerSession, o.cfg.ICEServers, subscriber.Callbacks{
		SendAnswer: func(sdp string) { o.sig.SendAnswer(speakerSession, offerSid, sdp) },
		SendCandidate: func(line string) { o.sig.SendCandidate(speakerSession, line) },
		OnPCMFrame: func(pcm []byte) { o.onPCMFrame(speakerSession, pcm) },
		OnTrackEnded: func() { o.handleParticipantGone(speakerSession, "") },
		DeleteSelf: func() { o.handleParticipantGone(speakerSession, "") },
	}, o.log)
	if err != nil {
		o.log.Warn("room: failed to create subscriber", zap.Error(err), zap.String("speaker", speakerSession))
		return
	}

	o.mu.Lock()
	o.peerConnections[speakerSession] = sub
	o.mu.Unlock()

	if err := sub.HandleOffer(sdp); err != nil {
		o.log.Warn("room: offer negotiation failed", zap.Error(err), zap.String("speaker", speakerSession))
	}
}

func (o *Orchestrator) handleCandidate(speakerSession, sdpLine string) {
	o.mu.Lock()
	sub, ok := o.peerConnections[speakerSession]
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := sub.AddCandidate(sdpLine); err != nil {
		o.log.Warn("room: add candidate failed", zap.Error(err))
	}
}

func (o *Orchestrator) onPCMFrame(speakerSession string, pcm []byte) {
	o.mu.Lock()
	o.lastActive = time.Now()
	p, ok := o.transcribers[speakerSession]
	lang := o.langID
	o.mu.Unlock()

	if !ok {
		stream, err := sttsession.Connect(o.ctx, o.cfg.STT, o.log)
		if err != nil {
			o.log.Warn("room: stt connect failed", zap.Error(err), zap.String("speaker", speakerSession))
			return
		}
		p = pipeline.New(o.ctx, pipeline.Config{
			SpeakerSession: speakerSession,
			LangID:         lang,
			SourceRate:     audiodsp.WebRTCSampleRate,
			TargetRate:     audiodsp.KyutaiSampleRate,
			IsStereo:       true,
			StaleTimeout:   o.cfg.StaleTimeout,
		}, stream, o.log, o.emitTranscript)

		o.mu.Lock()
		o.transcribers[speakerSession] = p
		o.mu.Unlock()
	}

	if err := p.PushFrame(pcm); err != nil {
		o.log.Warn("room: push frame failed", zap.Error(err), zap.String("speaker", speakerSession))
	}
}

func (o *Orchestrator) emitTranscript(tr pipeline.Transcript) {
	select {
	case o.outbox <- tr:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) fanOutLoop() {
	defer o.wg.Done()
	for {
		select {
		case tr := <-o.outbox:
			o.sendTranscript(tr)
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) sendTranscript(tr pipeline.Transcript) {
	o.mu.Lock()
	recipients := make([]string, 0, len(o.recipients))
	for r := range o.recipients {
		hpb, ok := o.ncToHPB[r]
		if ok {
			recipients = append(recipients, hpb)
		} else {
			recipients = append(recipients, r)
		}
	}
	o.mu.Unlock()

	if len(recipients) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.TranscriptTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.sig.SendTranscript(recipients, signaling.TranscriptPayload{
			Final:            tr.Final,
			LangID:           tr.LangID,
			Message:          tr.Message,
			SpeakerSessionID: tr.SpeakerSession,
		})
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("room: transcript send timed out", zap.String("speaker", tr.SpeakerSession))
	}
}

// Close tears the orchestrator down: marks it Defunct, stops every
// subscriber and pipeline, closes the signaling socket, and invokes
// onClosed. Idempotent.
func (o *Orchestrator) Close(reason error) {
	o.mu.Lock()
	if o.state == Defunct {
		o.mu.Unlock()
		return
	}
	o.state = Defunct
	o.cancelLeaveTimerLocked()
	pipelines := make([]*pipeline.Pipeline, 0, len(o.transcribers))
	for _, p := range o.transcribers {
		pipelines = append(pipelines, p)
	}
	subs := make([]*subscriber.Subscriber, 0, len(o.peerConnections))
	for _, s := range o.peerConnections {
		subs = append(subs, s)
	}
	o.mu.Unlock()

	if reason != nil {
		o.log.Info("room: closing", zap.Error(reason))
	} else {
		o.log.Info("room: closing")
	}

	for _, p := range pipelines {
		p.Close()
	}
	for _, s := range subs {
		s.Close()
	}
	if o.sig != nil {
		o.sig.Close()
	}

	o.cancel()

	if o.onClosed != nil {
		go o.onClosed(o.cfg.RoomToken)
	}
}

// LastActive reports when this room last saw participant or audio
// activity, used by the memory watchdog to pick a shed candidate.
func (o *Orchestrator) LastActive() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActive
}
