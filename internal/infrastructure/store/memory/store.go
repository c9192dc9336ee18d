package memory

import (
	"context"
	"sort"
	"sync"

	"meshroom/internal/core/domain"
)

// Store is an in-process signaling store shared by every subscriber in the
// same process. It mirrors the replicated store contract: at-least-once
// delivery to all subscribers, ordered per publisher, full-snapshot
// directory updates. Used by tests and single-host runs.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	presence map[domain.ParticipantID]*domain.Participant
	signals  []*domain.SignalMessage
	chat     []*domain.ChatMessage

	dirSubs  map[int]*subscriber[[]*domain.Participant]
	sigSubs  map[int]*subscriber[*domain.SignalMessage]
	chatSubs map[int]*subscriber[*domain.ChatMessage]
	nextSub  int
}

// subscriber pumps items to one consumer in publish order without holding
// the store lock during delivery. done is closed on unsubscribe so a
// publisher never blocks on a consumer whose pump has exited.
type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
}

const subscriberBuffer = 256

func newSubscriber[T any]() *subscriber[T] {
	return &subscriber[T]{
		ch:   make(chan T, subscriberBuffer),
		done: make(chan struct{}),
	}
}

func (s *subscriber[T]) deliver(item T) {
	select {
	case s.ch <- item:
	case <-s.done:
	}
}

func NewStore() *Store {
	return &Store{rooms: make(map[string]*roomState)}
}

func (s *Store) room(key string) *roomState {
	r, ok := s.rooms[key]
	if !ok {
		r = &roomState{
			presence: make(map[domain.ParticipantID]*domain.Participant),
			dirSubs:  make(map[int]*subscriber[[]*domain.Participant]),
			sigSubs:  make(map[int]*subscriber[*domain.SignalMessage]),
			chatSubs: make(map[int]*subscriber[*domain.ChatMessage]),
		}
		s.rooms[key] = r
	}
	return r
}

func (r *roomState) snapshot() []*domain.Participant {
	out := make([]*domain.Participant, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Publish upserts a presence record and fans the new full snapshot out to
// every directory subscriber.
func (s *Store) Publish(ctx context.Context, room string, p *domain.Participant) error {
	s.mu.Lock()
	r := s.room(room)
	r.presence[p.ID] = p.Clone()
	snap := r.snapshot()
	subs := make([]*subscriber[[]*domain.Participant], 0, len(r.dirSubs))
	for _, sub := range r.dirSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(snap)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, room string, id domain.ParticipantID) error {
	s.mu.Lock()
	r := s.room(room)
	delete(r.presence, id)
	snap := r.snapshot()
	subs := make([]*subscriber[[]*domain.Participant], 0, len(r.dirSubs))
	for _, sub := range r.dirSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(snap)
	}
	return nil
}

func (s *Store) Snapshots(ctx context.Context, room string) (<-chan []*domain.Participant, error) {
	s.mu.Lock()
	r := s.room(room)
	id := r.nextSub
	r.nextSub++
	sub := newSubscriber[[]*domain.Participant]()
	r.dirSubs[id] = sub
	sub.ch <- r.snapshot()
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(r.dirSubs, id)
		s.mu.Unlock()
		close(sub.done)
	}

	out := make(chan []*domain.Participant, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case snap := <-sub.ch:
				select {
				case out <- snap:
				case <-ctx.Done():
					unsubscribe()
					return
				}
			}
		}
	}()
	return out, nil
}

// Append adds a signal message and delivers it to every subscriber,
// including ones that subscribe later (replay keeps the at-least-once,
// per-publisher-ordered contract).
func (s *Store) Append(ctx context.Context, room string, msg *domain.SignalMessage) error {
	cp := *msg
	s.mu.Lock()
	r := s.room(room)
	r.signals = append(r.signals, &cp)
	subs := make([]*subscriber[*domain.SignalMessage], 0, len(r.sigSubs))
	for _, sub := range r.sigSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(&cp)
	}
	return nil
}

func (s *Store) Messages(ctx context.Context, room string) (<-chan *domain.SignalMessage, error) {
	s.mu.Lock()
	r := s.room(room)
	id := r.nextSub
	r.nextSub++
	sub := newSubscriber[*domain.SignalMessage]()
	r.sigSubs[id] = sub
	backlog := make([]*domain.SignalMessage, len(r.signals))
	copy(backlog, r.signals)
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(r.sigSubs, id)
		s.mu.Unlock()
		close(sub.done)
	}

	out := make(chan *domain.SignalMessage, subscriberBuffer)
	go func() {
		defer close(out)
		for _, msg := range backlog {
			select {
			case out <- msg:
			case <-ctx.Done():
				unsubscribe()
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case msg := <-sub.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					unsubscribe()
					return
				}
			}
		}
	}()
	return out, nil
}

// AppendChat adds a chat message; ChatMessages replays history then follows.
func (s *Store) AppendChat(ctx context.Context, room string, msg *domain.ChatMessage) error {
	cp := *msg
	s.mu.Lock()
	r := s.room(room)
	r.chat = append(r.chat, &cp)
	subs := make([]*subscriber[*domain.ChatMessage], 0, len(r.chatSubs))
	for _, sub := range r.chatSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(&cp)
	}
	return nil
}

func (s *Store) ChatMessages(ctx context.Context, room string) (<-chan *domain.ChatMessage, error) {
	s.mu.Lock()
	r := s.room(room)
	id := r.nextSub
	r.nextSub++
	sub := newSubscriber[*domain.ChatMessage]()
	r.chatSubs[id] = sub
	backlog := make([]*domain.ChatMessage, len(r.chat))
	copy(backlog, r.chat)
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(r.chatSubs, id)
		s.mu.Unlock()
		close(sub.done)
	}

	out := make(chan *domain.ChatMessage, subscriberBuffer)
	go func() {
		defer close(out)
		for _, msg := range backlog {
			select {
			case out <- msg:
			case <-ctx.Done():
				unsubscribe()
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case msg := <-sub.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					unsubscribe()
					return
				}
			}
		}
	}()
	return out, nil
}

// Directory, SignalChannel and ChatLog views over the same store.

type Directory struct{ *Store }
type SignalChannel struct{ *Store }
type ChatLog struct{ *Store }

func (c ChatLog) Append(ctx context.Context, room string, msg *domain.ChatMessage) error {
	return c.AppendChat(ctx, room, msg)
}

func (c ChatLog) Messages(ctx context.Context, room string) (<-chan *domain.ChatMessage, error) {
	return c.ChatMessages(ctx, room)
}
