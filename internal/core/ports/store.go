package ports

import (
	"context"

	"meshroom/internal/core/domain"
)

// Directory is the per-room replicated mapping from participant identity to
// presence record. Participants create/update/delete only their own record;
// every member observes the full set.
type Directory interface {
	// Publish upserts one presence record.
	Publish(ctx context.Context, room string, p *domain.Participant) error
	// Remove deletes one presence record (graceful leave).
	Remove(ctx context.Context, room string, id domain.ParticipantID) error
	// Snapshots subscribes to the directory. The subscription is active by
	// the time the call returns; the channel first carries the current full
	// set, then a fresh full snapshot on every change, and is closed when
	// ctx is done.
	Snapshots(ctx context.Context, room string) (<-chan []*domain.Participant, error)
}

// SignalChannel is the per-room append-only stream of addressed handshake
// messages. Messages are never mutated; delivery is at-least-once, ordered
// per publisher.
type SignalChannel interface {
	Append(ctx context.Context, room string, msg *domain.SignalMessage) error
	// Messages subscribes to newly appended messages for all recipients;
	// the consumer filters by recipient. The subscription is active by the
	// time the call returns; the channel is closed when ctx is done.
	Messages(ctx context.Context, room string) (<-chan *domain.SignalMessage, error)
}

// ChatLog is the per-room append-only chat history.
type ChatLog interface {
	Append(ctx context.Context, room string, msg *domain.ChatMessage) error
	// Messages replays the existing history and then follows live appends.
	Messages(ctx context.Context, room string) (<-chan *domain.ChatMessage, error)
}
