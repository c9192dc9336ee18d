package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshroom/internal/core/domain"
)

// SignalChannel carries handshake messages over a per-room pub/sub channel.
// Redis delivers messages from one publisher in publish order, which covers
// the required offer-before-answer-before-candidates ordering per pair.
// Every subscriber that joined before the publish receives each message;
// room members subscribe before announcing presence, so no handshake message
// addressed to them can precede their subscription.
type SignalChannel struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewSignalChannel(client *redis.Client, logger *zap.SugaredLogger) *SignalChannel {
	return &SignalChannel{client: client, logger: logger}
}

func (s *SignalChannel) Append(ctx context.Context, room string, msg *domain.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signal message: %w", err)
	}
	if err := s.client.Publish(ctx, signalChannel(room), data).Err(); err != nil {
		return fmt.Errorf("failed to append signal message: %w", err)
	}
	return nil
}

func (s *SignalChannel) Messages(ctx context.Context, room string) (<-chan *domain.SignalMessage, error) {
	pubsub := s.client.Subscribe(ctx, signalChannel(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to signal channel: %w", err)
	}

	out := make(chan *domain.SignalMessage, 64)
	raw := pubsub.Channel()

	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-raw:
				if !ok {
					return
				}
				var msg domain.SignalMessage
				if err := json.Unmarshal([]byte(payload.Payload), &msg); err != nil {
					s.logger.Warnw("dropping unreadable signal message",
						"room", room,
						"error", err,
					)
					continue
				}
				select {
				case out <- &msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
