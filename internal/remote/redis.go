package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/models"
)

const messageTTL = 30 * 24 * time.Hour

// Redis is a remote store backed by Redis: each chat's authoritative
// message set lives in a sorted set scored by server timestamp, and a
// pub/sub channel per chat wakes subscribers after every write.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis connects to Redis at redisURL.
func NewRedis(ctx context.Context, redisURL string, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &models.TransportError{Op: "redis connect", Err: err}
	}

	return &Redis{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func chatMessagesKey(chatID string) string {
	return fmt.Sprintf("chat:%s:messages", chatID)
}

func chatEventsKey(chatID string) string {
	return fmt.Sprintf("chat:%s:events", chatID)
}

// Send stores the message, assigning its authoritative ULID and server
// timestamp. The caller's LocalID is kept in the stored record so
// subscribers can match placeholders exactly.
func (r *Redis) Send(ctx context.Context, msg models.Message) (string, error) {
	rec := msg.Clone()
	rec.ID = ulid.Make().String()
	rec.ServerTS = time.Now().UnixMilli()
	rec.Lifecycle = ""

	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	key := chatMessagesKey(rec.ChatID)
	err = r.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(rec.ServerTS),
		Member: string(data),
	}).Err()
	if err != nil {
		return "", &models.TransportError{Op: "message write", Err: err}
	}
	r.client.Expire(ctx, key, messageTTL)

	// Wake subscribers. Best-effort: pollers catch up regardless.
	if err := r.client.Publish(ctx, chatEventsKey(rec.ChatID), rec.ID).Err(); err != nil {
		r.logger.Debug().Str("chat_id", rec.ChatID).Err(err).Msg("publish failed")
	}

	return rec.ID, nil
}

// Subscribe delivers the full snapshot now and again after every pub/sub
// wakeup, until the returned unsubscribe function is called.
func (r *Redis) Subscribe(ctx context.Context, chatID string, onSnapshot func([]models.Message), onError func(error)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	pubsub := r.client.Subscribe(subCtx, chatEventsKey(chatID))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, &models.TransportError{Op: "subscribe", Err: err}
	}

	deliver := func() {
		msgs, err := r.snapshot(subCtx, chatID)
		if err != nil {
			if subCtx.Err() == nil {
				onError(err)
			}
			return
		}
		onSnapshot(msgs)
	}

	go func() {
		deliver()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	return func() {
		cancel()
		pubsub.Close()
	}, nil
}

// snapshot loads a chat's full authoritative set, ascending by server
// timestamp. Members that no longer parse are skipped.
func (r *Redis) snapshot(ctx context.Context, chatID string) ([]models.Message, error) {
	results, err := r.client.ZRange(ctx, chatMessagesKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, &models.TransportError{Op: "snapshot read", Err: err}
	}

	msgs := make([]models.Message, 0, len(results))
	for _, data := range results {
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			r.logger.Debug().Str("chat_id", chatID).Err(err).Msg("skipping malformed remote record")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
