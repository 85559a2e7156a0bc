// Package queue implements the durable offline send queue: a SQLite-backed
// FIFO of unsent messages, replayed on reconnect and periodically while
// online.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/metrics"
	"github.com/eldtechnologies/msgsync/internal/models"
)

// Queue is a durable FIFO of unsent sends. Entries are kept until the
// primary send path is confirmed through the feed or a drain delivers them.
type Queue struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Entry is one queued send: the chat it belongs to and a snapshot of the
// placeholder at enqueue time.
type Entry struct {
	Seq        int64
	ChatID     string
	Message    models.Message
	EnqueuedAt time.Time
}

// Open opens (creating if necessary) the queue database at path.
func Open(path string, logger zerolog.Logger) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{db: db, logger: logger}
	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_chat ON outbox(chat_id);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends a send to the queue.
func (q *Queue) Enqueue(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO outbox (chat_id, payload) VALUES (?, ?)
	`, msg.ChatID, string(payload))
	if err == nil {
		metrics.QueueEnqueues.Inc()
		q.updateDepthGauge(ctx)
	}
	return err
}

// Dequeue removes the entry with the given sequence number.
func (q *Queue) Dequeue(ctx context.Context, seq int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq)
	if err == nil {
		q.updateDepthGauge(ctx)
	}
	return err
}

// Entries returns queued sends in enqueue order. An empty chatID returns
// entries for every chat. Rows whose payload no longer parses are dropped
// and logged; a corrupt row must never wedge the queue.
func (q *Queue) Entries(ctx context.Context, chatID string) ([]Entry, error) {
	query := `SELECT seq, chat_id, payload, enqueued_at FROM outbox ORDER BY seq ASC`
	args := []any{}
	if chatID != "" {
		query = `SELECT seq, chat_id, payload, enqueued_at FROM outbox WHERE chat_id = ? ORDER BY seq ASC`
		args = append(args, chatID)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	var corrupt []int64
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.Seq, &e.ChatID, &payload, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Message); err != nil {
			q.logger.Warn().Int64("seq", e.Seq).Err(err).Msg("dropping malformed queue entry")
			corrupt = append(corrupt, e.Seq)
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, seq := range corrupt {
		if err := q.Dequeue(ctx, seq); err != nil {
			q.logger.Warn().Int64("seq", seq).Err(err).Msg("failed to remove malformed queue entry")
		}
	}
	return entries, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

// DrainDeps are the collaborators a drain needs: ledger lookups for the
// already-confirmed check, the remote send, and a hook to mark the
// corresponding placeholder failed when delivery keeps failing.
type DrainDeps struct {
	// Ledger returns the current reconciled ledger for a chat.
	Ledger func(chatID string) []models.Message
	// Confirmed reports whether a confirmed record matching the queued
	// snapshot already exists in the ledger.
	Confirmed func(msg models.Message, ledger []models.Message) bool
	// Send attempts remote delivery of the queued snapshot.
	Send func(ctx context.Context, msg models.Message) (string, error)
	// OnFailed marks the placeholder for a still-undeliverable entry failed.
	OnFailed func(chatID, localID string)
}

// Drain replays queued sends oldest-first. An entry whose confirmation is
// already visible in the ledger is dequeued without resending. Delivery
// failures leave the entry queued for the next drain, except sends into a
// deleted chat, which are dropped. After the first failure for a chat the
// rest of that chat's entries are skipped so the original enqueue order is
// preserved on the next drain.
func (q *Queue) Drain(ctx context.Context, deps DrainDeps) error {
	entries, err := q.Entries(ctx, "")
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		metrics.QueueDrains.Inc()
	}

	stalled := make(map[string]bool)
	for _, e := range entries {
		if stalled[e.ChatID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if deps.Ledger != nil && deps.Confirmed != nil {
			if deps.Confirmed(e.Message, deps.Ledger(e.ChatID)) {
				q.logger.Debug().Str("chat_id", e.ChatID).Str("local_id", e.Message.LocalID).
					Msg("queued send already confirmed, dequeuing")
				if err := q.Dequeue(ctx, e.Seq); err != nil {
					q.logger.Warn().Int64("seq", e.Seq).Err(err).Msg("dequeue failed")
				}
				continue
			}
		}

		_, sendErr := deps.Send(ctx, e.Message)
		if sendErr == nil {
			metrics.QueueResends.Inc()
			if err := q.Dequeue(ctx, e.Seq); err != nil {
				q.logger.Warn().Int64("seq", e.Seq).Err(err).Msg("dequeue failed")
			}
			continue
		}

		if errors.Is(sendErr, models.ErrChatGone) {
			q.logger.Info().Str("chat_id", e.ChatID).Str("local_id", e.Message.LocalID).
				Msg("dropping queued send for deleted chat")
			if err := q.Dequeue(ctx, e.Seq); err != nil {
				q.logger.Warn().Int64("seq", e.Seq).Err(err).Msg("dequeue failed")
			}
			continue
		}

		q.logger.Warn().Str("chat_id", e.ChatID).Str("local_id", e.Message.LocalID).
			Err(sendErr).Msg("queued send still failing, leaving queued")
		if deps.OnFailed != nil {
			deps.OnFailed(e.ChatID, e.Message.LocalID)
		}
		stalled[e.ChatID] = true
	}
	return nil
}

// ReleaseConfirmed dequeues every entry for chatID whose confirmation is
// now visible in the ledger. Called after each snapshot merge.
func (q *Queue) ReleaseConfirmed(ctx context.Context, chatID string, ledger []models.Message, confirmed func(msg models.Message, ledger []models.Message) bool) {
	entries, err := q.Entries(ctx, chatID)
	if err != nil {
		q.logger.Warn().Str("chat_id", chatID).Err(err).Msg("queue scan failed")
		return
	}
	for _, e := range entries {
		if !confirmed(e.Message, ledger) {
			continue
		}
		if err := q.Dequeue(ctx, e.Seq); err != nil {
			q.logger.Warn().Int64("seq", e.Seq).Err(err).Msg("dequeue failed")
		}
	}
}

func (q *Queue) updateDepthGauge(ctx context.Context) {
	if n, err := q.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}
