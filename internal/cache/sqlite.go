package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/models"
)

// SQLiteCache persists one ledger snapshot per chat in a local SQLite file.
type SQLiteCache struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteCache opens (creating if necessary) the cache database at path.
func NewSQLiteCache(path string, logger zerolog.Logger) (*SQLiteCache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS chat_cache (
		chat_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteCache{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Get returns the cached ledger for a chat. A row whose payload no longer
// parses is deleted and treated as absent.
func (c *SQLiteCache) Get(ctx context.Context, chatID string) ([]models.Message, error) {
	var payload string
	err := c.db.QueryRowContext(ctx, `
		SELECT payload FROM chat_cache WHERE chat_id = ?
	`, chatID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []models.Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		c.logger.Warn().Str("chat_id", chatID).Err(err).Msg("dropping malformed cache entry")
		_, _ = c.db.ExecContext(ctx, `DELETE FROM chat_cache WHERE chat_id = ?`, chatID)
		return nil, nil
	}
	return msgs, nil
}

// Set replaces the cached ledger for a chat.
func (c *SQLiteCache) Set(ctx context.Context, chatID string, msgs []models.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO chat_cache (chat_id, payload, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chat_id) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP
	`, chatID, string(payload))
	return err
}
