package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/tracing"
	"meshroom/pkg/utils"
)

const eventBuffer = 64

// Deps are the collaborators a room session composes. Chat is optional.
type Deps struct {
	Directory ports.Directory
	Signals   ports.SignalChannel
	Chat      ports.ChatLog
	Media     ports.MediaSessionFactory
	Capture   ports.CaptureDevice
	Metrics   ports.Metrics
}

// RoomSession is the per-room runtime: it acquires local capture, announces
// presence, subscribes to the directory and signal channel, and feeds the
// peer manager until Leave.
type RoomSession struct {
	deps   Deps
	logger *zap.SugaredLogger

	mu         sync.Mutex
	joined     bool
	roomID     string
	roomKey    string
	local      ports.LocalMedia
	mgr        *PeerManager
	psync      *PresenceSync
	cancel     context.CancelFunc
	lastRoster []*domain.Participant

	wg sync.WaitGroup

	evMu         sync.Mutex
	events       chan domain.Event
	eventsClosed bool
}

func NewRoomSession(deps Deps, logger *zap.SugaredLogger) *RoomSession {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	return &RoomSession{
		deps:   deps,
		logger: logger,
		events: make(chan domain.Event, eventBuffer),
	}
}

// Join enters the named room. Capture acquisition may fail; the session
// then continues without outgoing media. Subscriptions to the directory and
// signal channel are established before the presence record is published,
// so no handshake message addressed to this participant can be missed.
func (s *RoomSession) Join(ctx context.Context, roomID string, self *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined {
		return domain.ErrAlreadyJoined
	}

	ctx, span := tracing.TraceRoomOperation(ctx, "join", roomID)
	defer span.End()

	key := utils.SanitizeRoomKey(roomID)

	local, err := s.deps.Capture.Acquire()
	if err != nil {
		// Fatal to outgoing media only; the participant still joins.
		s.logger.Warnw("local capture unavailable, joining without outgoing media",
			"room", roomID,
			"error", err,
		)
		local = nil
	}
	if local != nil {
		local.SetEnabled(domain.FlagMuted, self.IsMuted)
		local.SetEnabled(domain.FlagVideoOff, self.IsVideoOff)
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	// Undoes the partial join on a subscription or publish failure.
	abort := func(err error) error {
		cancel()
		if local != nil {
			local.Close()
		}
		tracing.RecordError(ctx, err)
		return err
	}

	mgr := NewPeerManager(self.ID, key, s.deps.Signals, s.deps.Media, local, s.handleFeed, s.deps.Metrics, s.logger)
	psync := NewPresenceSync(key, self, s.deps.Directory, mgr, s.handleRoster, s.deps.Metrics, s.logger)

	sigCh, err := s.deps.Signals.Messages(sessCtx, key)
	if err != nil {
		return abort(fmt.Errorf("failed to subscribe to signal channel: %w", err))
	}
	dirCh, err := s.deps.Directory.Snapshots(sessCtx, key)
	if err != nil {
		return abort(fmt.Errorf("failed to subscribe to directory: %w", err))
	}
	var chatCh <-chan *domain.ChatMessage
	if s.deps.Chat != nil {
		chatCh, err = s.deps.Chat.Messages(sessCtx, key)
		if err != nil {
			return abort(fmt.Errorf("failed to subscribe to chat: %w", err))
		}
	}

	if err := psync.PublishSelf(ctx); err != nil {
		return abort(fmt.Errorf("failed to publish presence: %w", err))
	}

	s.roomID = roomID
	s.roomKey = key
	s.local = local
	s.mgr = mgr
	s.psync = psync
	s.cancel = cancel
	s.joined = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		// Messages are handled sequentially so per-pair ordering holds.
		for msg := range sigCh {
			mgr.HandleSignal(sessCtx, msg)
		}
	}()
	go func() {
		defer s.wg.Done()
		for snap := range dirCh {
			psync.HandleSnapshot(sessCtx, snap)
		}
	}()
	if chatCh != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// History replay can overlap the live feed; drop repeats by id.
			seen := make(map[string]struct{})
			for msg := range chatCh {
				if msg.ID != "" {
					if _, dup := seen[msg.ID]; dup {
						continue
					}
					seen[msg.ID] = struct{}{}
				}
				s.emit(domain.Event{
					Kind:      domain.EventChatMessage,
					Timestamp: time.Now(),
					Chat:      msg,
				})
			}
		}()
	}

	s.logger.Infow("joined room", "room", roomID, "participant_id", self.ID)
	return nil
}

// Leave tears the session down: withdraws presence, closes every peer
// session, cancels subscriptions, and stops local capture. Best effort:
// every step runs even if earlier ones fail; the combined error is
// returned.
func (s *RoomSession) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	s.joined = false
	roomID := s.roomID
	mgr, psync, local, cancel := s.mgr, s.psync, s.local, s.cancel
	s.mu.Unlock()

	ctx, span := tracing.TraceRoomOperation(ctx, "leave", roomID)
	defer span.End()

	var errs []error
	if err := psync.Withdraw(ctx); err != nil {
		s.logger.Errorw("failed to withdraw presence record", "room", roomID, "error", err)
		errs = append(errs, err)
	}

	mgr.CloseAll()
	cancel()

	if local != nil {
		if err := local.Close(); err != nil {
			s.logger.Errorw("failed to stop local capture", "room", roomID, "error", err)
			errs = append(errs, err)
		}
	}

	s.wg.Wait()
	s.closeEvents()

	s.logger.Infow("left room", "room", roomID)
	return errors.Join(errs...)
}

// SetFlag toggles one media-state flag: the local track is enabled or
// disabled in place and the presence record is republished. No media
// session is renegotiated.
func (s *RoomSession) SetFlag(ctx context.Context, flag domain.MediaFlag, value bool) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	local, psync := s.local, s.psync
	s.mu.Unlock()

	if local != nil && flag != domain.FlagScreenSharing {
		local.SetEnabled(flag, value)
	}
	return psync.SetFlag(ctx, flag, value)
}

// StartScreenShare acquires the secondary capture source and advertises the
// sharing flag. Existing peer sessions keep the camera track: mid-session
// track replacement is not supported, and callers that need the screen
// content in established sessions must treat this as a presence-level
// indicator only.
func (s *RoomSession) StartScreenShare(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	local, psync := s.local, s.psync
	s.mu.Unlock()

	if local == nil {
		return domain.ErrCaptureUnavailable
	}
	if err := local.AcquireScreen(); err != nil {
		return fmt.Errorf("failed to acquire screen capture: %w", err)
	}
	local.SetEnabled(domain.FlagScreenSharing, true)
	s.logger.Infow("screen share started, existing sessions keep the camera track", "room", s.roomID)
	return psync.SetFlag(ctx, domain.FlagScreenSharing, true)
}

// StopScreenShare releases the secondary capture source and clears the flag.
func (s *RoomSession) StopScreenShare(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	local, psync := s.local, s.psync
	s.mu.Unlock()

	if local != nil {
		local.ReleaseScreen()
		local.SetEnabled(domain.FlagScreenSharing, false)
	}
	return psync.SetFlag(ctx, domain.FlagScreenSharing, false)
}

// SendChat appends one chat message to the room log.
func (s *RoomSession) SendChat(ctx context.Context, text string) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	roomKey := s.roomKey
	psync := s.psync
	s.mu.Unlock()

	if s.deps.Chat == nil {
		return domain.ErrChatUnavailable
	}
	return s.deps.Chat.Append(ctx, roomKey, &domain.ChatMessage{
		ID:        utils.GenerateChatID(),
		Sender:    psync.Self().Name,
		Text:      utils.SanitizeString(text),
		Timestamp: time.Now(),
	})
}

// Events is the read-only notification stream for the rendering layer. The
// channel is closed by Leave.
func (s *RoomSession) Events() <-chan domain.Event {
	return s.events
}

// Roster returns the current render-ready participant list.
func (s *RoomSession) Roster() []domain.RosterEntry {
	s.mu.Lock()
	roster := s.lastRoster
	mgr := s.mgr
	s.mu.Unlock()
	return s.buildRoster(roster, mgr)
}

// Self returns a copy of the local presence record.
func (s *RoomSession) Self() *domain.Participant {
	s.mu.Lock()
	psync := s.psync
	s.mu.Unlock()
	if psync == nil {
		return nil
	}
	return psync.Self()
}

// Sessions returns a diagnostic snapshot of the live peer sessions.
func (s *RoomSession) Sessions() []SessionInfo {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.Sessions()
}

func (s *RoomSession) buildRoster(participants []*domain.Participant, mgr *PeerManager) []domain.RosterEntry {
	out := make([]domain.RosterEntry, 0, len(participants))
	for _, p := range participants {
		hasFeed := false
		if mgr != nil {
			hasFeed = mgr.HasFeed(p.ID)
		}
		out = append(out, domain.RosterEntry{Participant: p.Clone(), HasFeed: hasFeed})
	}
	return out
}

func (s *RoomSession) handleRoster(participants []*domain.Participant) {
	s.mu.Lock()
	s.lastRoster = participants
	mgr := s.mgr
	s.mu.Unlock()

	s.emit(domain.Event{
		Kind:      domain.EventRosterUpdated,
		Timestamp: time.Now(),
		Roster:    s.buildRoster(participants, mgr),
	})
}

func (s *RoomSession) handleFeed(id domain.ParticipantID, available bool) {
	kind := domain.EventFeedAvailable
	if !available {
		kind = domain.EventFeedLost
	}
	s.emit(domain.Event{Kind: kind, Timestamp: time.Now(), PeerID: id})

	s.mu.Lock()
	roster := s.lastRoster
	mgr := s.mgr
	s.mu.Unlock()
	s.emit(domain.Event{
		Kind:      domain.EventRosterUpdated,
		Timestamp: time.Now(),
		Roster:    s.buildRoster(roster, mgr),
	})
}

// emit never blocks the handlers that produce events; a full buffer drops
// the event.
func (s *RoomSession) emit(ev domain.Event) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debugw("event buffer full, dropping event", "kind", ev.Kind)
	}
}

func (s *RoomSession) closeEvents() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
}
