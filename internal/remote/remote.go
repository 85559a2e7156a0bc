// Package remote defines the interfaces of the authoritative message store
// and the adapters that implement them.
package remote

import (
	"context"

	"github.com/eldtechnologies/msgsync/internal/models"
)

// Feed delivers ordered snapshots of a chat's authoritative messages.
// Each snapshot is the full current set, ascending by server timestamp.
// The backing store is assumed to buffer writes issued while offline and
// deliver them once connectivity resumes.
type Feed interface {
	// Subscribe starts snapshot delivery for a chat and returns an
	// unsubscribe function. onSnapshot and onError may be called from a
	// background goroutine.
	Subscribe(ctx context.Context, chatID string, onSnapshot func([]models.Message), onError func(error)) (func(), error)
}

// Writer issues message writes to the authoritative store. The store must
// tolerate caller-side retries; deduplication is the engine's job, not the
// transport's. Implementations that can persist the caller's LocalID echo
// it back in feed records, making placeholder matching exact.
type Writer interface {
	// Send writes the message and returns the authoritative id.
	Send(ctx context.Context, msg models.Message) (string, error)
}

// Store combines both directions of the remote boundary.
type Store interface {
	Feed
	Writer
}
