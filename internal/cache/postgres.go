package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/models"
)

// PostgresCache persists ledger snapshots in PostgreSQL, for deployments
// that already run one.
type PostgresCache struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresCache connects to databaseURL and ensures the cache table
// exists.
func NewPostgresCache(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresCache, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS chat_cache (
		chat_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresCache{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (c *PostgresCache) Close() error {
	c.pool.Close()
	return nil
}

// Get returns the cached ledger for a chat. Malformed payloads are deleted
// and treated as absent.
func (c *PostgresCache) Get(ctx context.Context, chatID string) ([]models.Message, error) {
	var payload []byte
	err := c.pool.QueryRow(ctx, `
		SELECT payload FROM chat_cache WHERE chat_id = $1
	`, chatID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []models.Message
	if err := json.Unmarshal(payload, &msgs); err != nil {
		c.logger.Warn().Str("chat_id", chatID).Err(err).Msg("dropping malformed cache entry")
		_, _ = c.pool.Exec(ctx, `DELETE FROM chat_cache WHERE chat_id = $1`, chatID)
		return nil, nil
	}
	return msgs, nil
}

// Set replaces the cached ledger for a chat.
func (c *PostgresCache) Set(ctx context.Context, chatID string, msgs []models.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO chat_cache (chat_id, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chat_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`, chatID, payload)
	return err
}
