package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/tracing"
	"meshroom/pkg/utils"
)

// FeedListener is notified when a remote media feed for a peer becomes
// available or is lost.
type FeedListener func(id domain.ParticipantID, available bool)

// peerSession is one pairwise media session and its handshake bookkeeping.
// All fields are guarded by the manager's mutex.
type peerSession struct {
	target    domain.ParticipantID
	role      domain.SessionRole
	state     domain.HandshakeState
	media     ports.MediaSession
	pending   []*domain.ICECandidate
	remoteSet bool
	hasFeed   bool
	closed    bool
	createdAt time.Time
}

// PeerManager owns the set of live pairwise media sessions for one room
// membership. Every mutation of the session set funnels through one mutex;
// media-transport callbacks re-enter through manager methods and take the
// same lock, so handlers never overlap on session state.
type PeerManager struct {
	self    domain.ParticipantID
	room    string
	signals ports.SignalChannel
	factory ports.MediaSessionFactory
	local   ports.LocalMedia // nil when capture failed
	onFeed  FeedListener
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.ParticipantID]*peerSession
	seen     map[string]struct{}               // consumed signal message ids
	gone     map[domain.ParticipantID]struct{} // departed peers, cleared on re-arrival
}

func NewPeerManager(
	self domain.ParticipantID,
	room string,
	signals ports.SignalChannel,
	factory ports.MediaSessionFactory,
	local ports.LocalMedia,
	onFeed FeedListener,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *PeerManager {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if onFeed == nil {
		onFeed = func(domain.ParticipantID, bool) {}
	}
	return &PeerManager{
		self:     self,
		room:     room,
		signals:  signals,
		factory:  factory,
		local:    local,
		onFeed:   onFeed,
		metrics:  metrics,
		logger:   logger,
		sessions: make(map[domain.ParticipantID]*peerSession),
		seen:     make(map[string]struct{}),
		gone:     make(map[domain.ParticipantID]struct{}),
	}
}

// EnsureSession returns the existing session for target or creates one with
// the given role. Idempotent: concurrent calls for the same target yield
// one session.
func (m *PeerManager) EnsureSession(target domain.ParticipantID, role domain.SessionRole) (created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, created, err = m.ensureLocked(target, role)
	return created, err
}

func (m *PeerManager) ensureLocked(target domain.ParticipantID, role domain.SessionRole) (*peerSession, bool, error) {
	if s, ok := m.sessions[target]; ok {
		return s, false, nil
	}

	media, err := m.factory.NewSession()
	if err != nil {
		return nil, false, err
	}
	if m.local != nil {
		if err := media.AttachLocal(m.local); err != nil {
			media.Close()
			return nil, false, err
		}
	}

	s := &peerSession{
		target:    target,
		role:      role,
		state:     domain.StateNew,
		media:     media,
		createdAt: time.Now(),
	}
	m.sessions[target] = s

	media.OnICECandidate(func(cand *domain.ICECandidate) {
		m.publishCandidate(target, cand)
	})
	media.OnRemoteTrack(func() {
		m.handleRemoteTrack(target)
	})
	media.OnConnectionStateChange(func(state domain.ConnectionState) {
		m.handleConnectionState(target, state)
	})

	m.metrics.SessionOpened()
	m.logger.Infow("peer session created",
		"room", m.room,
		"peer_id", target,
		"role", role,
	)
	return s, true, nil
}

// HandleNewcomer reacts to a participant appearing in the directory. The
// lexicographically smaller id initiates; the other side waits for the
// offer, so both sides agree without coordination.
func (m *PeerManager) HandleNewcomer(ctx context.Context, id domain.ParticipantID) {
	if id == m.self {
		return
	}

	m.mu.Lock()
	delete(m.gone, id)
	if domain.InitiatorFor(m.self, id) != domain.RoleInitiator {
		m.mu.Unlock()
		return
	}
	s, created, err := m.ensureLocked(id, domain.RoleInitiator)
	m.mu.Unlock()
	if err != nil {
		m.logger.Errorw("failed to create initiator session", "peer_id", id, "error", err)
		return
	}
	if created {
		// Offer generation suspends; run it off the caller's event loop.
		go m.sendOffer(ctx, s)
	}
}

func (m *PeerManager) sendOffer(ctx context.Context, s *peerSession) {
	ctx, span := tracing.TraceHandshake(ctx, "offer", string(s.target))
	defer span.End()

	offer, err := s.media.CreateOffer(ctx)
	if err != nil {
		m.logger.Errorw("failed to create offer", "peer_id", s.target, "error", err)
		tracing.RecordError(ctx, err)
		return
	}

	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return // session torn down while the offer was pending
	}
	s.state = domain.StateHaveLocalOffer
	m.mu.Unlock()

	m.append(ctx, &domain.SignalMessage{
		ID:          utils.GenerateMessageID(),
		Kind:        domain.SignalOffer,
		From:        m.self,
		To:          s.target,
		Description: offer,
	})
}

// HandleSignal routes one signal message addressed to this participant.
// Messages for other recipients, duplicates, and malformed payloads are
// ignored. Must be called sequentially per sender to preserve the per-pair
// offer/answer/candidate order.
func (m *PeerManager) HandleSignal(ctx context.Context, msg *domain.SignalMessage) {
	if msg.To != m.self {
		return
	}
	if err := msg.Validate(); err != nil {
		m.metrics.SignalIgnored("malformed")
		m.logger.Warnw("ignoring malformed signal message", "from", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	if msg.ID != "" {
		if _, dup := m.seen[msg.ID]; dup {
			m.mu.Unlock()
			m.metrics.SignalIgnored("duplicate")
			return
		}
		m.seen[msg.ID] = struct{}{}
	}
	m.mu.Unlock()

	m.metrics.SignalReceived(string(msg.Kind))

	switch msg.Kind {
	case domain.SignalOffer:
		m.handleOffer(ctx, msg)
	case domain.SignalAnswer:
		m.handleAnswer(msg)
	case domain.SignalICECandidate:
		m.handleCandidate(msg)
	}
}

// HandleDeparture closes the session for a peer whose presence record has
// disappeared and blocks late signals from it from resurrecting a session
// until the peer reappears in the directory.
func (m *PeerManager) HandleDeparture(id domain.ParticipantID) {
	m.mu.Lock()
	m.gone[id] = struct{}{}
	var lostFeed bool
	if s := m.sessions[id]; s != nil {
		lostFeed = m.closeLocked(s)
	}
	m.mu.Unlock()

	if lostFeed {
		m.metrics.FeedLost()
		m.onFeed(id, false)
	}
}

func (m *PeerManager) handleOffer(ctx context.Context, msg *domain.SignalMessage) {
	m.mu.Lock()
	if _, departed := m.gone[msg.From]; departed {
		m.mu.Unlock()
		m.metrics.SignalIgnored("departed_peer")
		m.logger.Warnw("ignoring offer from departed peer", "peer_id", msg.From)
		return
	}
	s := m.sessions[msg.From]
	if s != nil && s.role == domain.RoleInitiator {
		if domain.InitiatorFor(m.self, msg.From) == domain.RoleInitiator {
			// We are the rightful initiator for this pair; a peer that
			// offers anyway is ignored.
			m.mu.Unlock()
			m.metrics.SignalIgnored("glare")
			m.logger.Warnw("ignoring offer from responder-side peer", "peer_id", msg.From)
			return
		}
		// Raced initiator roles: yield to the rightful initiator by
		// discarding our session and answering theirs.
		m.closeLocked(s)
		s = nil
		m.logger.Infow("yielding raced initiator session", "peer_id", msg.From)
	}
	if s == nil {
		var err error
		s, _, err = m.ensureLocked(msg.From, domain.RoleResponder)
		if err != nil {
			m.mu.Unlock()
			m.logger.Errorw("failed to create responder session", "peer_id", msg.From, "error", err)
			return
		}
	}
	media := s.media
	m.mu.Unlock()

	ctx, span := tracing.TraceHandshake(ctx, "answer", string(msg.From))
	defer span.End()

	if err := media.ApplyRemoteDescription(msg.Description); err != nil {
		m.logger.Errorw("failed to apply remote offer", "peer_id", msg.From, "error", err)
		tracing.RecordError(ctx, err)
		return
	}

	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return
	}
	s.state = domain.StateHaveRemoteOffer
	pending := s.pending
	s.pending = nil
	s.remoteSet = true
	m.mu.Unlock()

	m.applyCandidates(s, pending)

	answer, err := media.CreateAnswer(ctx)
	if err != nil {
		m.logger.Errorw("failed to create answer", "peer_id", msg.From, "error", err)
		tracing.RecordError(ctx, err)
		return
	}

	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return
	}
	s.state = domain.StateHaveLocalAnswer
	m.mu.Unlock()

	m.append(ctx, &domain.SignalMessage{
		ID:          utils.GenerateMessageID(),
		Kind:        domain.SignalAnswer,
		From:        m.self,
		To:          msg.From,
		Description: answer,
	})
}

func (m *PeerManager) handleAnswer(msg *domain.SignalMessage) {
	m.mu.Lock()
	s := m.sessions[msg.From]
	if s == nil || s.closed {
		m.mu.Unlock()
		m.metrics.SignalIgnored("orphan_answer")
		m.logger.Warnw("ignoring answer without a session", "peer_id", msg.From)
		return
	}
	if s.role != domain.RoleInitiator || s.state != domain.StateHaveLocalOffer {
		m.mu.Unlock()
		m.metrics.SignalIgnored("unexpected_answer")
		m.logger.Warnw("ignoring answer in unexpected state",
			"peer_id", msg.From,
			"role", s.role,
			"state", s.state,
		)
		return
	}
	media := s.media
	m.mu.Unlock()

	if err := media.ApplyRemoteDescription(msg.Description); err != nil {
		m.logger.Errorw("failed to apply remote answer", "peer_id", msg.From, "error", err)
		return
	}

	m.mu.Lock()
	if s.closed {
		m.mu.Unlock()
		return
	}
	s.state = domain.StateHaveRemoteAnswer
	pending := s.pending
	s.pending = nil
	s.remoteSet = true
	m.mu.Unlock()

	m.applyCandidates(s, pending)
}

func (m *PeerManager) handleCandidate(msg *domain.SignalMessage) {
	m.mu.Lock()
	if _, departed := m.gone[msg.From]; departed {
		m.mu.Unlock()
		m.metrics.SignalIgnored("departed_peer")
		return
	}
	s := m.sessions[msg.From]
	if s == nil {
		// Candidate raced ahead of its offer; create the responder session
		// lazily and hold the candidate until the description lands.
		var err error
		s, _, err = m.ensureLocked(msg.From, domain.RoleResponder)
		if err != nil {
			m.mu.Unlock()
			m.logger.Errorw("failed to create session for early candidate", "peer_id", msg.From, "error", err)
			return
		}
	}
	if s.closed {
		m.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, msg.Candidate)
		m.mu.Unlock()
		return
	}
	media := s.media
	m.mu.Unlock()

	if err := media.AddICECandidate(msg.Candidate); err != nil {
		// Duplicate or stale candidates are not fatal to the session.
		m.logger.Warnw("failed to apply ice candidate", "peer_id", msg.From, "error", err)
	}
}

func (m *PeerManager) applyCandidates(s *peerSession, pending []*domain.ICECandidate) {
	for _, cand := range pending {
		if err := s.media.AddICECandidate(cand); err != nil {
			m.logger.Warnw("failed to apply buffered candidate", "peer_id", s.target, "error", err)
		}
	}
}

// publishCandidate ships one locally gathered candidate to the peer. Called
// from the media transport's goroutine.
func (m *PeerManager) publishCandidate(target domain.ParticipantID, cand *domain.ICECandidate) {
	m.mu.Lock()
	s := m.sessions[target]
	if s == nil || s.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.append(context.Background(), &domain.SignalMessage{
		ID:        utils.GenerateMessageID(),
		Kind:      domain.SignalICECandidate,
		From:      m.self,
		To:        target,
		Candidate: cand,
	})
}

// append writes one signal message to the shared channel. Failures are
// surfaced in logs and metrics but not retried; the affected handshake
// stays observable in its current state.
func (m *PeerManager) append(ctx context.Context, msg *domain.SignalMessage) {
	if err := m.signals.Append(ctx, m.room, msg); err != nil {
		m.metrics.SignalAppendFailed()
		m.logger.Errorw("failed to append signal message",
			"kind", msg.Kind,
			"peer_id", msg.To,
			"error", err,
		)
		return
	}
	m.metrics.SignalSent(string(msg.Kind))
}

func (m *PeerManager) handleRemoteTrack(target domain.ParticipantID) {
	m.mu.Lock()
	s := m.sessions[target]
	if s == nil || s.closed || s.hasFeed {
		m.mu.Unlock()
		return
	}
	s.hasFeed = true
	m.mu.Unlock()

	m.metrics.FeedAvailable()
	m.onFeed(target, true)
}

func (m *PeerManager) handleConnectionState(target domain.ParticipantID, state domain.ConnectionState) {
	m.mu.Lock()
	s := m.sessions[target]
	if s == nil || s.closed {
		m.mu.Unlock()
		return
	}

	var lostFeed bool
	switch state {
	case domain.ConnConnected:
		if s.state != domain.StateConnected {
			s.state = domain.StateConnected
			m.metrics.HandshakeCompleted(time.Since(s.createdAt))
			m.logger.Infow("peer session connected",
				"peer_id", target,
				"role", s.role,
				"elapsed", time.Since(s.createdAt),
			)
		}
	case domain.ConnFailed:
		s.state = domain.StateFailed
		if s.hasFeed {
			s.hasFeed = false
			lostFeed = true
		}
		m.logger.Warnw("peer session failed", "peer_id", target)
	}
	m.mu.Unlock()

	if lostFeed {
		m.metrics.FeedLost()
		m.onFeed(target, false)
	}
}

// Close tears down the session for the given peer. No-op for unknown ids;
// idempotent.
func (m *PeerManager) Close(id domain.ParticipantID) {
	m.mu.Lock()
	s := m.sessions[id]
	if s == nil {
		m.mu.Unlock()
		return
	}
	lostFeed := m.closeLocked(s)
	m.mu.Unlock()

	if lostFeed {
		m.metrics.FeedLost()
		m.onFeed(id, false)
	}
}

// CloseAll tears down every session.
func (m *PeerManager) CloseAll() {
	m.mu.Lock()
	var lost []domain.ParticipantID
	for id, s := range m.sessions {
		if m.closeLocked(s) {
			lost = append(lost, id)
		}
	}
	m.mu.Unlock()

	for _, id := range lost {
		m.metrics.FeedLost()
		m.onFeed(id, false)
	}
}

// closeLocked removes and closes one session; reports whether a live feed
// was lost. Caller holds the lock and emits notifications after unlocking.
func (m *PeerManager) closeLocked(s *peerSession) bool {
	if s.closed {
		return false
	}
	s.closed = true
	s.state = domain.StateClosed
	delete(m.sessions, s.target)
	if err := s.media.Close(); err != nil {
		m.logger.Warnw("error closing media session", "peer_id", s.target, "error", err)
	}
	m.metrics.SessionClosed()
	m.logger.Infow("peer session closed", "peer_id", s.target)

	hadFeed := s.hasFeed
	s.hasFeed = false
	return hadFeed
}

// HasFeed reports whether a remote feed for the peer has arrived.
func (m *PeerManager) HasFeed(id domain.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	return s != nil && s.hasFeed
}

// SessionInfo is a diagnostic view of one peer session.
type SessionInfo struct {
	Target  domain.ParticipantID  `json:"target"`
	Role    domain.SessionRole    `json:"role"`
	State   domain.HandshakeState `json:"state"`
	HasFeed bool                  `json:"hasFeed"`
}

// Sessions returns a diagnostic snapshot of all live sessions.
func (m *PeerManager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			Target:  s.target,
			Role:    s.role,
			State:   s.state,
			HasFeed: s.hasFeed,
		})
	}
	return out
}
