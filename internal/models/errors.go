package models

import (
	"errors"
	"fmt"
)

// Send failures fall into four buckets: transport problems are retriable,
// validation and permission problems are fatal to the send, and
// serialization problems in locally persisted data are absorbed (logged,
// entry dropped) and never surfaced.
var (
	// ErrEmptyBody rejects a send with no text and no attachment.
	ErrEmptyBody = errors.New("message body is empty")
	// ErrAttachmentTooLarge rejects an attachment over the configured limit.
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrNotParticipant means the sender is not a member of the chat.
	ErrNotParticipant = errors.New("not a chat participant")
	// ErrChatGone means the chat no longer exists; retrying is pointless.
	ErrChatGone = errors.New("chat no longer exists")
)

// TransportError wraps a network-level failure (unreachable host, timeout).
// Sends that fail this way are retriable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetriable reports whether a failed send may succeed on a later attempt.
func IsRetriable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsFatalSend reports whether the failure is permanent for this send:
// validation and permission errors, and sends into deleted chats.
func IsFatalSend(err error) bool {
	return errors.Is(err, ErrEmptyBody) ||
		errors.Is(err, ErrAttachmentTooLarge) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrChatGone)
}
