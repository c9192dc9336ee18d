package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
)

// fakeMedia is a scriptable stand-in for a point-to-point media transport.
// Callbacks are fired by the tests to simulate transport events.
type fakeMedia struct {
	mu         sync.Mutex
	attached   ports.LocalMedia
	remote     *domain.SessionDescription
	candidates []*domain.ICECandidate
	offers     int
	answers    int
	closed     bool
	failOffer  error
	failAnswer error

	onCand  func(*domain.ICECandidate)
	onTrack func()
	onState func(domain.ConnectionState)
}

func (f *fakeMedia) CreateOffer(ctx context.Context) (*domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOffer != nil {
		return nil, f.failOffer
	}
	f.offers++
	return &domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("v=0 offer %d", f.offers)}, nil
}

func (f *fakeMedia) CreateAnswer(ctx context.Context) (*domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAnswer != nil {
		return nil, f.failAnswer
	}
	if f.remote == nil {
		return nil, errors.New("no remote description")
	}
	f.answers++
	return &domain.SessionDescription{Type: "answer", SDP: fmt.Sprintf("v=0 answer %d", f.answers)}, nil
}

func (f *fakeMedia) ApplyRemoteDescription(desc *domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = desc
	return nil
}

func (f *fakeMedia) AddICECandidate(cand *domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("candidate before remote description")
	}
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeMedia) AttachLocal(media ports.LocalMedia) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = media
	return nil
}

func (f *fakeMedia) OnICECandidate(fn func(*domain.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCand = fn
}

func (f *fakeMedia) OnRemoteTrack(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeMedia) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMedia) fireCandidate(cand *domain.ICECandidate) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

func (f *fakeMedia) fireTrack() {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeMedia) fireState(state domain.ConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakeMedia) remoteDesc() *domain.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeMedia) appliedCandidates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakeMedia) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory hands out fakeMedia sessions and remembers them in creation
// order.
type fakeFactory struct {
	mu       sync.Mutex
	created  []*fakeMedia
	failNext error
}

func (f *fakeFactory) NewSession() (ports.MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	m := &fakeMedia{}
	f.created = append(f.created, m)
	return m, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) session(i int) *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.created) {
		return nil
	}
	return f.created[i]
}

// fakeLocal satisfies the local capture contract without any real device.
type fakeLocal struct {
	mu         sync.Mutex
	flags      map[domain.MediaFlag]bool
	screen     bool
	closed     bool
	failScreen error
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{flags: map[domain.MediaFlag]bool{}}
}

func (f *fakeLocal) Tracks() []webrtc.TrackLocal { return nil }

func (f *fakeLocal) SetEnabled(flag domain.MediaFlag, value bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[flag] = value
}

func (f *fakeLocal) Enabled(flag domain.MediaFlag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[flag]
}

func (f *fakeLocal) AcquireScreen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failScreen != nil {
		return f.failScreen
	}
	f.screen = true
	return nil
}

func (f *fakeLocal) ReleaseScreen() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screen = false
}

func (f *fakeLocal) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeCapture struct {
	local *fakeLocal
	err   error
}

func (f *fakeCapture) Acquire() (ports.LocalMedia, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.local, nil
}

// fakeSignals records appended messages for assertions.
type fakeSignals struct {
	mu         sync.Mutex
	appended   []*domain.SignalMessage
	failAppend error
}

func (f *fakeSignals) Append(ctx context.Context, room string, msg *domain.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend != nil {
		return f.failAppend
	}
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeSignals) Messages(ctx context.Context, room string) (<-chan *domain.SignalMessage, error) {
	ch := make(chan *domain.SignalMessage)
	close(ch)
	return ch, nil
}

func (f *fakeSignals) sent() []*domain.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.SignalMessage, len(f.appended))
	copy(out, f.appended)
	return out
}

func (f *fakeSignals) sentOfKind(kind domain.SignalKind) []*domain.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.SignalMessage
	for _, msg := range f.appended {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

// fakeDirectory records published and removed records.
type fakeDirectory struct {
	mu        sync.Mutex
	published []*domain.Participant
	removed   []domain.ParticipantID
}

func (f *fakeDirectory) Publish(ctx context.Context, room string, p *domain.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, p.Clone())
	return nil
}

func (f *fakeDirectory) Remove(ctx context.Context, room string, id domain.ParticipantID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDirectory) Snapshots(ctx context.Context, room string) (<-chan []*domain.Participant, error) {
	ch := make(chan []*domain.Participant)
	close(ch)
	return ch, nil
}

func (f *fakeDirectory) lastPublished() *domain.Participant {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return nil
	}
	return f.published[len(f.published)-1]
}
