package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewClient creates a Redis client with connection pooling and verifies the
// connection.
func NewClient(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", address,
			"db", db,
			"pool_size", poolSize,
		)
	}

	return client, nil
}

// keys for one room, all derived from the sanitized room key

func presenceKey(room string) string {
	return "meshroom:room:" + room + ":presence"
}

func presenceNotifyChannel(room string) string {
	return "meshroom:room:" + room + ":presence.notify"
}

func signalChannel(room string) string {
	return "meshroom:room:" + room + ":signals"
}

func chatListKey(room string) string {
	return "meshroom:room:" + room + ":chat"
}

func chatNotifyChannel(room string) string {
	return "meshroom:room:" + room + ":chat.notify"
}
