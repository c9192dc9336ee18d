package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

const pliInterval = 3 * time.Second

// Factory builds pion-backed media sessions configured with the room's ICE
// servers.
type Factory struct {
	cfg    webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewFactory(iceServers []webrtc.ICEServer, logger *zap.SugaredLogger) *Factory {
	return &Factory{
		cfg:    webrtc.Configuration{ICEServers: iceServers},
		logger: logger,
	}
}

func (f *Factory) NewSession() (ports.MediaSession, error) {
	pc, err := webrtc.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{pc: pc, logger: f.logger, done: make(chan struct{})}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		s.mu.Lock()
		fn := s.onCandidate
		s.mu.Unlock()
		if fn != nil {
			fn(candidateToDomain(c.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go s.keyframeLoop(track.SSRC())
		}
		s.mu.Lock()
		fn := s.onTrack
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mu.Lock()
		fn := s.onState
		s.mu.Unlock()
		if fn != nil {
			fn(connStateToDomain(state))
		}
	})

	return s, nil
}

// Session wraps one pion PeerConnection behind the opaque media session
// contract.
type Session struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
	done   chan struct{}

	mu          sync.Mutex
	onCandidate func(*domain.ICECandidate)
	onTrack     func()
	onState     func(domain.ConnectionState)
	closed      bool
}

func (s *Session) CreateOffer(ctx context.Context) (*domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local offer: %w", err)
	}
	return &domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *Session) CreateAnswer(ctx context.Context) (*domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local answer: %w", err)
	}
	return &domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (s *Session) ApplyRemoteDescription(desc *domain.SessionDescription) error {
	sd := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
	if err := s.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (s *Session) AddICECandidate(cand *domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func (s *Session) AttachLocal(media ports.LocalMedia) error {
	for _, track := range media.Tracks() {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to attach local track %s: %w", track.ID(), err)
		}
		go s.drainRTCP(sender)
	}
	return nil
}

func (s *Session) OnICECandidate(fn func(*domain.ICECandidate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCandidate = fn
}

func (s *Session) OnRemoteTrack(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrack = fn
}

func (s *Session) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.pc.Close()
}

// drainRTCP reads and discards sender reports so interceptors keep running.
func (s *Session) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// keyframeLoop periodically requests a keyframe for a remote video track so
// a consumer that attaches late still gets a decodable stream.
func (s *Session) keyframeLoop(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				return
			}
		}
	}
}

func candidateToDomain(init webrtc.ICECandidateInit) *domain.ICECandidate {
	return &domain.ICECandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func connStateToDomain(state webrtc.PeerConnectionState) domain.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnConnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnFailed
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnDisconnected
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnClosed
	default:
		return domain.ConnConnecting
	}
}
