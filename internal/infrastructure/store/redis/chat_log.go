package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshroom/internal/core/domain"
)

// ChatLog keeps the room chat in a Redis list for history and fans out new
// entries over pub/sub.
type ChatLog struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewChatLog(client *redis.Client, logger *zap.SugaredLogger) *ChatLog {
	return &ChatLog{client: client, logger: logger}
}

func (c *ChatLog) Append(ctx context.Context, room string, msg *domain.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}
	if err := c.client.RPush(ctx, chatListKey(room), data).Err(); err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	if err := c.client.Publish(ctx, chatNotifyChannel(room), data).Err(); err != nil {
		return fmt.Errorf("failed to notify chat message: %w", err)
	}
	return nil
}

func (c *ChatLog) Messages(ctx context.Context, room string) (<-chan *domain.ChatMessage, error) {
	pubsub := c.client.Subscribe(ctx, chatNotifyChannel(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to chat channel: %w", err)
	}

	history, err := c.client.LRange(ctx, chatListKey(room), 0, -1).Result()
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to read chat history: %w", err)
	}

	out := make(chan *domain.ChatMessage, 64)
	live := pubsub.Channel()

	decode := func(raw string) *domain.ChatMessage {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			c.logger.Warnw("dropping unreadable chat message", "room", room, "error", err)
			return nil
		}
		return &msg
	}

	go func() {
		defer close(out)
		defer pubsub.Close()

		// Live messages published while the history replays are also in the
		// history list; the consumer deduplicates by message id.
		for _, raw := range history {
			msg := decode(raw)
			if msg == nil {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-live:
				if !ok {
					return
				}
				msg := decode(payload.Payload)
				if msg == nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
