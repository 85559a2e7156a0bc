package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/models"
)

const ledgerTTL = 7 * 24 * time.Hour

// RedisCache persists ledger snapshots in Redis, one JSON value per chat.
type RedisCache struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisCache connects to Redis at redisURL.
func NewRedisCache(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func ledgerKey(chatID string) string {
	return fmt.Sprintf("chat:%s:ledger", chatID)
}

// Get returns the cached ledger for a chat. Malformed values are deleted
// and treated as absent.
func (c *RedisCache) Get(ctx context.Context, chatID string) ([]models.Message, error) {
	payload, err := c.client.Get(ctx, ledgerKey(chatID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []models.Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		c.logger.Warn().Str("chat_id", chatID).Err(err).Msg("dropping malformed cache entry")
		_ = c.client.Del(ctx, ledgerKey(chatID)).Err()
		return nil, nil
	}
	return msgs, nil
}

// Set replaces the cached ledger for a chat.
func (c *RedisCache) Set(ctx context.Context, chatID string, msgs []models.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, ledgerKey(chatID), string(payload), ledgerTTL).Err()
}
