package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshroom/internal/core/domain"
	"meshroom/internal/infrastructure/store/memory"
)

// roomHarness is one participant wired to a shared in-process store.
type roomHarness struct {
	session *RoomSession
	factory *fakeFactory
	local   *fakeLocal

	mu     sync.Mutex
	events []domain.Event
}

func newRoomHarness(t *testing.T, store *memory.Store) *roomHarness {
	t.Helper()
	h := &roomHarness{
		factory: &fakeFactory{},
		local:   newFakeLocal(),
	}
	h.session = NewRoomSession(Deps{
		Directory: memory.Directory{Store: store},
		Signals:   memory.SignalChannel{Store: store},
		Chat:      memory.ChatLog{Store: store},
		Media:     h.factory,
		Capture:   &fakeCapture{local: h.local},
	}, zap.NewNop().Sugar())
	return h
}

func (h *roomHarness) collectEvents() {
	for ev := range h.session.Events() {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}
}

func (h *roomHarness) eventsOfKind(kind domain.EventKind) []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func waitSessions(t *testing.T, s *RoomSession, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Sessions()) == n
	}, 3*time.Second, 10*time.Millisecond)
}

func TestJoinLeaveLifecycle(t *testing.T) {
	store := memory.NewStore()
	h := newRoomHarness(t, store)
	ctx := context.Background()

	self := &domain.Participant{ID: "p_a", Name: "Alice"}
	require.NoError(t, h.session.Join(ctx, "standup", self))
	assert.ErrorIs(t, h.session.Join(ctx, "standup", self), domain.ErrAlreadyJoined)

	require.NoError(t, h.session.Leave(ctx))
	assert.ErrorIs(t, h.session.Leave(ctx), domain.ErrNotJoined)
	assert.True(t, h.local.closed)

	// Events channel is closed after Leave; draining terminates.
	for range h.session.Events() {
	}
}

func TestTwoParticipantsHandshakeToConnected(t *testing.T) {
	store := memory.NewStore()
	a := newRoomHarness(t, store)
	b := newRoomHarness(t, store)
	go a.collectEvents()
	go b.collectEvents()
	ctx := context.Background()

	require.NoError(t, a.session.Join(ctx, "standup", &domain.Participant{ID: "p_a", Name: "Alice"}))
	require.NoError(t, b.session.Join(ctx, "standup", &domain.Participant{ID: "p_b", Name: "Bob"}))

	// p_a initiates, p_b answers; both sides converge without coordination.
	waitSessions(t, a.session, 1)
	waitSessions(t, b.session, 1)

	require.Eventually(t, func() bool {
		sa := a.session.Sessions()
		sb := b.session.Sessions()
		return len(sa) == 1 && sa[0].State == domain.StateHaveRemoteAnswer &&
			len(sb) == 1 && sb[0].State == domain.StateHaveLocalAnswer
	}, 3*time.Second, 10*time.Millisecond)

	sa := a.session.Sessions()
	sb := b.session.Sessions()
	assert.Equal(t, domain.RoleInitiator, sa[0].Role)
	assert.Equal(t, domain.RoleResponder, sb[0].Role)

	// Transport reports connectivity; both sessions settle.
	a.factory.session(0).fireState(domain.ConnConnected)
	b.factory.session(0).fireState(domain.ConnConnected)
	assert.Equal(t, domain.StateConnected, a.session.Sessions()[0].State)
	assert.Equal(t, domain.StateConnected, b.session.Sessions()[0].State)

	require.NoError(t, a.session.Leave(ctx))
	require.NoError(t, b.session.Leave(ctx))
}

func TestRemoteFeedSurfacesInEventsAndRoster(t *testing.T) {
	store := memory.NewStore()
	a := newRoomHarness(t, store)
	b := newRoomHarness(t, store)
	go a.collectEvents()
	ctx := context.Background()

	require.NoError(t, a.session.Join(ctx, "standup", &domain.Participant{ID: "p_a", Name: "Alice"}))
	require.NoError(t, b.session.Join(ctx, "standup", &domain.Participant{ID: "p_b", Name: "Bob"}))
	waitSessions(t, a.session, 1)

	a.factory.session(0).fireTrack()

	require.Eventually(t, func() bool {
		return len(a.eventsOfKind(domain.EventFeedAvailable)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.ParticipantID("p_b"), a.eventsOfKind(domain.EventFeedAvailable)[0].PeerID)

	roster := a.session.Roster()
	require.Len(t, roster, 2)
	for _, entry := range roster {
		if entry.Participant.ID == "p_b" {
			assert.True(t, entry.HasFeed)
		} else {
			assert.False(t, entry.HasFeed)
		}
	}

	require.NoError(t, a.session.Leave(ctx))
	require.NoError(t, b.session.Leave(ctx))
}

func TestDepartureTearsDownRemoteSessions(t *testing.T) {
	store := memory.NewStore()
	a := newRoomHarness(t, store)
	b := newRoomHarness(t, store)
	ctx := context.Background()

	require.NoError(t, a.session.Join(ctx, "standup", &domain.Participant{ID: "p_a", Name: "Alice"}))
	require.NoError(t, b.session.Join(ctx, "standup", &domain.Participant{ID: "p_b", Name: "Bob"}))
	waitSessions(t, a.session, 1)
	waitSessions(t, b.session, 1)

	require.NoError(t, b.session.Leave(ctx))

	// The survivor notices the removed record and closes the pair session.
	waitSessions(t, a.session, 0)
	assert.True(t, a.factory.session(0).isClosed())

	require.NoError(t, a.session.Leave(ctx))
}

func TestFlagChangePropagatesWithoutRenegotiation(t *testing.T) {
	store := memory.NewStore()
	a := newRoomHarness(t, store)
	b := newRoomHarness(t, store)
	go b.collectEvents()
	ctx := context.Background()

	require.NoError(t, a.session.Join(ctx, "standup", &domain.Participant{ID: "p_a", Name: "Alice"}))
	require.NoError(t, b.session.Join(ctx, "standup", &domain.Participant{ID: "p_b", Name: "Bob"}))
	waitSessions(t, b.session, 1)
	sessionsBefore := b.factory.count()

	require.NoError(t, a.session.SetFlag(ctx, domain.FlagMuted, true))

	require.Eventually(t, func() bool {
		for _, ev := range b.eventsOfKind(domain.EventRosterUpdated) {
			for _, entry := range ev.Roster {
				if entry.Participant.ID == "p_a" && entry.Participant.IsMuted {
					return true
				}
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	// Local track gating followed the flag; no session was renegotiated.
	assert.True(t, a.local.Enabled(domain.FlagMuted))
	assert.Equal(t, sessionsBefore, b.factory.count())

	require.NoError(t, a.session.Leave(ctx))
	require.NoError(t, b.session.Leave(ctx))
}

func TestScreenShareTogglesFlagOnly(t *testing.T) {
	store := memory.NewStore()
	a := newRoomHarness(t, store)
	b := newRoomHarness(t, store)
	ctx := context.Background()

	require.NoError(t, a.session.Join(ctx, "standup", &domain.Participant{ID: "p_a", Name: "Alice"}))
	require.NoError(t, b.session.Join(ctx, "standup", &domain.Participant{ID: "p_b", Name: "Bob"}))
	waitSessions(t, a.session, 1)
	sessionsBefore := a.factory.count()

	require.NoError(t, a.session.StartScreenShare(ctx))
	assert.True(t, a.local.screen)
	assert.True(t, a.session.Self().IsScreenSharing)
	assert.Equal(t, sessionsBefore, a.factory.count())

	require.NoError(t, a.session.StopScreenShare(ctx))
	assert.False(t, a.local.screen)
	assert.False(t, a.session.Self().IsScreenSharing)

	require.NoError(t, a.session.Leave(ctx))
	require.NoError(t, b.session.Leave(ctx))
}

func TestChatRoundTrip(t *testing.T) {
	store := memory.NewStore()
	a := newRoomHarness(t, store)
	b := newRoomHarness(t, store)
	go b.collectEvents()
	ctx := context.Background()

	require.NoError(t, a.session.Join(ctx, "standup", &domain.Participant{ID: "p_a", Name: "Alice"}))
	require.NoError(t, b.session.Join(ctx, "standup", &domain.Participant{ID: "p_b", Name: "Bob"}))

	require.NoError(t, a.session.SendChat(ctx, "hello room"))

	require.Eventually(t, func() bool {
		return len(b.eventsOfKind(domain.EventChatMessage)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	msg := b.eventsOfKind(domain.EventChatMessage)[0].Chat
	require.NotNil(t, msg)
	assert.Equal(t, "Alice", msg.Sender)
	assert.Equal(t, "hello room", msg.Text)

	require.NoError(t, a.session.Leave(ctx))
	require.NoError(t, b.session.Leave(ctx))
}

func TestJoinWithoutCaptureStillReceives(t *testing.T) {
	store := memory.NewStore()

	// Receiver with a broken capture device still joins and answers.
	recvFactory := &fakeFactory{}
	recv := NewRoomSession(Deps{
		Directory: memory.Directory{Store: store},
		Signals:   memory.SignalChannel{Store: store},
		Media:     recvFactory,
		Capture:   &fakeCapture{err: domain.ErrCaptureUnavailable},
	}, zap.NewNop().Sugar())
	sender := newRoomHarness(t, store)
	ctx := context.Background()

	require.NoError(t, recv.Join(ctx, "standup", &domain.Participant{ID: "p_b", Name: "Bob"}))
	require.NoError(t, sender.session.Join(ctx, "standup", &domain.Participant{ID: "p_a", Name: "Alice"}))

	waitSessions(t, recv, 1)
	assert.Equal(t, domain.RoleResponder, recv.Sessions()[0].Role)

	// Screen share needs local capture.
	assert.ErrorIs(t, recv.StartScreenShare(ctx), domain.ErrCaptureUnavailable)

	require.NoError(t, recv.Leave(ctx))
	require.NoError(t, sender.session.Leave(ctx))
}

type brokenSignals struct{}

func (brokenSignals) Append(ctx context.Context, room string, msg *domain.SignalMessage) error {
	return assert.AnError
}

func (brokenSignals) Messages(ctx context.Context, room string) (<-chan *domain.SignalMessage, error) {
	return nil, assert.AnError
}

func TestFailedJoinReleasesCapture(t *testing.T) {
	store := memory.NewStore()
	local := newFakeLocal()
	s := NewRoomSession(Deps{
		Directory: memory.Directory{Store: store},
		Signals:   brokenSignals{},
		Media:     &fakeFactory{},
		Capture:   &fakeCapture{local: local},
	}, zap.NewNop().Sugar())

	err := s.Join(context.Background(), "standup", &domain.Participant{ID: "p_a", Name: "Alice"})
	require.Error(t, err)
	assert.True(t, local.closed)

	// The failed join leaves the session usable for another attempt.
	assert.ErrorIs(t, s.SendChat(context.Background(), "hi"), domain.ErrNotJoined)
}

func TestChatUnavailableWithoutLog(t *testing.T) {
	store := memory.NewStore()
	s := NewRoomSession(Deps{
		Directory: memory.Directory{Store: store},
		Signals:   memory.SignalChannel{Store: store},
		Media:     &fakeFactory{},
		Capture:   &fakeCapture{local: newFakeLocal()},
	}, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, s.Join(ctx, "standup", &domain.Participant{ID: "p_a", Name: "Alice"}))
	assert.ErrorIs(t, s.SendChat(ctx, "hi"), domain.ErrChatUnavailable)
	require.NoError(t, s.Leave(ctx))
}

func TestOperationsRequireJoin(t *testing.T) {
	s := NewRoomSession(Deps{}, zap.NewNop().Sugar())
	ctx := context.Background()

	assert.ErrorIs(t, s.SetFlag(ctx, domain.FlagMuted, true), domain.ErrNotJoined)
	assert.ErrorIs(t, s.StartScreenShare(ctx), domain.ErrNotJoined)
	assert.ErrorIs(t, s.StopScreenShare(ctx), domain.ErrNotJoined)
	assert.ErrorIs(t, s.SendChat(ctx, "hi"), domain.ErrNotJoined)
	assert.ErrorIs(t, s.Leave(ctx), domain.ErrNotJoined)
}
