// Package cache provides the best-effort persistent ledger cache: one
// durable snapshot of the reconciled message list per chat.
package cache

import (
	"context"

	"github.com/eldtechnologies/msgsync/internal/models"
)

// Cache stores the reconciled ledger per chat. It is a best-effort
// resource: callers swallow errors, and a failed write never blocks or
// fails the in-memory path.
// SQLiteCache, RedisCache and PostgresCache implement this interface.
type Cache interface {
	// Get returns the cached ledger for a chat, or nil when absent.
	Get(ctx context.Context, chatID string) ([]models.Message, error)
	// Set replaces the cached ledger for a chat.
	Set(ctx context.Context, chatID string, msgs []models.Message) error
	Close() error
}

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]models.Message, error) { return nil, nil }

func (Nop) Set(context.Context, string, []models.Message) error { return nil }

func (Nop) Close() error { return nil }
