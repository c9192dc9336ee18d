package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshroom/internal/core/domain"
)

// Directory stores presence records in a per-room hash and notifies
// subscribers of changes over pub/sub. Subscribers re-read the full hash on
// every notification, so each delivery is a complete snapshot.
type Directory struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewDirectory(client *redis.Client, logger *zap.SugaredLogger) *Directory {
	return &Directory{client: client, logger: logger}
}

func (d *Directory) Publish(ctx context.Context, room string, p *domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	if err := d.client.HSet(ctx, presenceKey(room), string(p.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to set presence record: %w", err)
	}
	if err := d.client.Publish(ctx, presenceNotifyChannel(room), string(p.ID)).Err(); err != nil {
		return fmt.Errorf("failed to notify presence change: %w", err)
	}
	return nil
}

func (d *Directory) Remove(ctx context.Context, room string, id domain.ParticipantID) error {
	if err := d.client.HDel(ctx, presenceKey(room), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence record: %w", err)
	}
	if err := d.client.Publish(ctx, presenceNotifyChannel(room), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to notify presence change: %w", err)
	}
	return nil
}

func (d *Directory) snapshot(ctx context.Context, room string) ([]*domain.Participant, error) {
	entries, err := d.client.HGetAll(ctx, presenceKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence hash: %w", err)
	}

	out := make([]*domain.Participant, 0, len(entries))
	for id, raw := range entries {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			d.logger.Warnw("skipping unreadable presence record",
				"room", room,
				"participant_id", id,
				"error", err,
			)
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Directory) Snapshots(ctx context.Context, room string) (<-chan []*domain.Participant, error) {
	pubsub := d.client.Subscribe(ctx, presenceNotifyChannel(room))
	// Receive forces the SUBSCRIBE round-trip so the subscription is active
	// before the initial snapshot is taken.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to presence channel: %w", err)
	}

	out := make(chan []*domain.Participant, 16)
	notifications := pubsub.Channel()

	go func() {
		defer close(out)
		defer pubsub.Close()

		deliver := func() bool {
			snap, err := d.snapshot(ctx, room)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Errorw("failed to read directory snapshot", "room", room, "error", err)
				}
				return true
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !deliver() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notifications:
				if !ok {
					return
				}
				if !deliver() {
					return
				}
			}
		}
	}()
	return out, nil
}
