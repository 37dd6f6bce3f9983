// Package subscriber implements the answer-side WebRTC peer connection
// for one publishing participant: it receives an offer, gathers ICE,
// and hands decoded PCM frames to a callback so the transcription
// pipeline never has to know about RTP or Opus.
package subscriber

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"example.com/livetranscription/pkg/audio"
)

// ICEServer mirrors the STUN/TURN settings the HPB reports for a room.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Callbacks routes subscriber events back to the owning orchestrator
// without handing it the concrete type, avoiding a reference cycle.
type Callbacks struct {
	SendAnswer    func(sdp string)
	SendCandidate func(sdpLine string)
	OnPCMFrame    func(pcm []byte)
	OnTrackEnded  func()
	DeleteSelf    func()
}

// Subscriber is one recvonly audio peer connection for one speaker.
type Subscriber struct {
	speakerSession string
	cb             Callbacks
	log            *zap.Logger

	mu   sync.Mutex
	pc   *webrtc.PeerConnection
	dec  *audio.OpusDecoder
}

// New creates the peer connection and media engine, but does not yet
// negotiate; call HandleOffer with the publisher's SDP to do that.
func New(speakerSession string, iceServers []ICEServer, cb Callbacks, log *zap.Logger) (*Subscriber, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("subscriber: register codec: %w", err)
	}

	var servers []webrtc.ICEServer
	for _, s := range iceServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("subscriber: new peer connection: %w", err)
	}

	dec, err := audio.NewOpusDecoder(48000, 2)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("subscriber: new opus decoder: %w", err)
	}

	s := &Subscriber{
		speakerSession: speakerSession,
		cb:             cb,
		log:            log,
		pc:             pc,
		dec:            dec,
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("subscriber: add transceiver: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.cb.SendCandidate == nil {
			return
		}
		s.cb.SendCandidate(c.ToJSON().Candidate)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.log.Info("subscriber connection ended", zap.String("state", state.String()))
			if s.cb.DeleteSelf != nil {
				s.cb.DeleteSelf()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.readTrack(track)
	})

	return s, nil
}

func (s *Subscriber) readTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if s.cb.OnTrackEnded != nil {
				s.cb.OnTrackEnded()
			}
			return
		}
		s.handlePacket(pkt)
	}
}

func (s *Subscriber) handlePacket(pkt *rtp.Packet) {
	pcm, err := s.dec.DecodeToBytes(pkt.Payload)
	if err != nil {
		s.log.Warn("subscriber: opus decode failed", zap.Error(err))
		return
	}
	if s.cb.OnPCMFrame != nil {
		s.cb.OnPCMFrame(pcm)
	}
}

// HandleOffer completes the SDP exchange for the publisher's offer and
// sends the resulting answer via cb.SendAnswer.
func (s *Subscriber) HandleOffer(sdp string) error {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("subscriber: set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("subscriber: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("subscriber: set local description: %w", err)
	}

	if s.cb.SendAnswer != nil {
		s.cb.SendAnswer(answer.SDP)
	}
	return nil
}

// AddCandidate adds one remote ICE candidate line gathered by the
// publisher.
func (s *Subscriber) AddCandidate(sdpLine string) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: sdpLine})
}

// Close tears down the peer connection. Idempotent at the pion level.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc.Close()
}
