package models

import "strings"

// Lifecycle is the client-side delivery state of a message. Confirmed
// records carry no lifecycle at all; only local placeholders do.
type Lifecycle string

const (
	// LifecyclePending marks a placeholder whose remote write has not been
	// confirmed by the feed yet.
	LifecyclePending Lifecycle = "pending"
	// LifecycleFailed marks a placeholder whose remote write was rejected.
	LifecycleFailed Lifecycle = "failed"
)

// Attachment is an image reference carried by a message. URI starts out as
// a local file reference and is swapped to a durable URL before the remote
// write is issued.
type Attachment struct {
	URI    string `json:"uri"`
	Width  int    `json:"w,omitempty"`
	Height int    `json:"h,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// Remote reports whether the attachment already points at durable storage.
func (a *Attachment) Remote() bool {
	if a == nil {
		return false
	}
	return strings.HasPrefix(a.URI, "https://") || strings.HasPrefix(a.URI, "http://")
}

// Message represents a chat message, either confirmed by the remote store
// or a local optimistic placeholder.
type Message struct {
	ID         string      `json:"id,omitempty"`    // authoritative, set by the remote store
	LocalID    string      `json:"lid,omitempty"`   // client-generated, stable until confirmation
	ChatID     string      `json:"chat_id"`
	SenderID   string      `json:"from"`
	Body       string      `json:"body,omitempty"`
	Attachment *Attachment `json:"att,omitempty"`
	CreatedAt  int64       `json:"created_at"` // Unix ms, client clock
	ServerTS   int64       `json:"ts,omitempty"`    // Unix ms, authoritative once assigned
	ReadBy     []string    `json:"read_by,omitempty"`
	Lifecycle  Lifecycle   `json:"state,omitempty"` // empty once confirmed
}

// Confirmed reports whether the message carries an authoritative identity.
func (m *Message) Confirmed() bool {
	return m.ID != "" && m.ServerTS != 0 && m.Lifecycle == ""
}

// Local reports whether the message is an unconfirmed placeholder.
func (m *Message) Local() bool {
	return m.Lifecycle == LifecyclePending || m.Lifecycle == LifecycleFailed
}

// EffectiveTS returns the ordering key: the server timestamp once assigned,
// the client-observed creation time before that.
func (m *Message) EffectiveTS() int64 {
	if m.ServerTS != 0 {
		return m.ServerTS
	}
	return m.CreatedAt
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Attachment != nil {
		att := *m.Attachment
		out.Attachment = &att
	}
	if m.ReadBy != nil {
		out.ReadBy = append([]string(nil), m.ReadBy...)
	}
	return out
}

// CloneAll deep-copies a slice of messages.
func CloneAll(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}
