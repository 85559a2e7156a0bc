// Package reconcile merges the local ledger, the remote snapshot, and
// pending placeholders into one deduplicated, ordered view of a chat.
package reconcile

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/models"
)

// Default tolerance windows for the content/time-proximity dedup heuristic.
// Text confirmations usually land within a couple of seconds of the local
// placeholder; attachment uploads add latency, so images get a wider window.
const (
	DefaultTextTolerance       = 5 * time.Second
	DefaultAttachmentTolerance = 10 * time.Second
)

// Input is one reconciliation request: the authoritative snapshot for a
// chat plus the previous ledger it is merged against.
type Input struct {
	ChatID    string
	Remote    []models.Message
	Previous  []models.Message
	Connected bool
}

// Reconciler merges remote snapshots with local ledgers. Merge is a pure
// function of its input: it never mutates its arguments, never panics, and
// skips malformed entries instead of failing.
type Reconciler struct {
	textTol   time.Duration
	attachTol time.Duration
	logger    zerolog.Logger
}

// New creates a reconciler. Non-positive tolerances fall back to the
// defaults.
func New(textTol, attachTol time.Duration, logger zerolog.Logger) *Reconciler {
	if textTol <= 0 {
		textTol = DefaultTextTolerance
	}
	if attachTol <= 0 {
		attachTol = DefaultAttachmentTolerance
	}
	return &Reconciler{textTol: textTol, attachTol: attachTol, logger: logger}
}

// Merge produces the new ledger for in.ChatID. The result contains every
// valid remote record plus any local placeholder not yet superseded by a
// confirmed record, ordered by effective timestamp. No two records in the
// output represent the same user action.
func (r *Reconciler) Merge(in Input) []models.Message {
	remote := make([]models.Message, 0, len(in.Remote))
	for _, m := range in.Remote {
		if m.ID == "" {
			r.logger.Debug().Str("chat_id", in.ChatID).Msg("skipping remote record without id")
			continue
		}
		if m.ChatID != "" && m.ChatID != in.ChatID {
			r.logger.Debug().Str("chat_id", in.ChatID).Str("record_chat_id", m.ChatID).
				Str("id", m.ID).Msg("skipping remote record from another chat")
			continue
		}
		remote = append(remote, m.Clone())
	}

	var locals []models.Message
	for _, m := range in.Previous {
		if m.Local() {
			locals = append(locals, m.Clone())
		}
	}

	// While disconnected the remote store may surface its own unconfirmed
	// local cache as authoritative. Drop any remote record that is just the
	// echo of a pending write; the placeholder keeps representing it until
	// the write is confirmed over a live connection.
	if !in.Connected {
		kept := remote[:0]
		for _, rec := range remote {
			if r.echoOfLocal(rec, locals) {
				r.logger.Debug().Str("chat_id", in.ChatID).Str("id", rec.ID).
					Msg("dropping offline local-echo record")
				continue
			}
			kept = append(kept, rec)
		}
		remote = kept
	}

	// A placeholder superseded by a matching remote record is dropped; the
	// confirmed record is the single source of truth from here on.
	retained := locals[:0]
	for _, local := range locals {
		superseded := false
		for i := range remote {
			if r.SameAction(&remote[i], &local) {
				superseded = true
				break
			}
		}
		if superseded {
			continue
		}
		retained = append(retained, local)
	}

	merged := append(remote, retained...)
	merged = r.dedupe(in.ChatID, merged)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].EffectiveTS() < merged[j].EffectiveTS()
	})
	return merged
}

// SameAction reports whether two records represent the same user action.
// Exact matches by echoed LocalID win; otherwise same-sender records match
// by identical content within the tolerance window (5s text, 10s image).
// Cross-sender records never match.
func (r *Reconciler) SameAction(a, b *models.Message) bool {
	if a.SenderID != b.SenderID {
		return false
	}
	if a.LocalID != "" && a.LocalID == b.LocalID {
		return true
	}
	if a.ID != "" && a.ID == b.ID {
		return true
	}

	delta := a.EffectiveTS() - b.EffectiveTS()
	if delta < 0 {
		delta = -delta
	}

	if a.Attachment != nil && b.Attachment != nil {
		if a.Attachment.URI != "" && a.Attachment.URI == b.Attachment.URI {
			return true
		}
		return delta <= r.attachTol.Milliseconds()
	}
	if a.Attachment != nil || b.Attachment != nil {
		return false
	}
	return a.Body == b.Body && delta <= r.textTol.Milliseconds()
}

// echoOfLocal reports whether a remote record duplicates one of the
// pending placeholders.
func (r *Reconciler) echoOfLocal(rec models.Message, locals []models.Message) bool {
	for i := range locals {
		if locals[i].Lifecycle != models.LifecyclePending {
			continue
		}
		if r.SameAction(&rec, &locals[i]) {
			return true
		}
	}
	return false
}

// dedupe collapses records sharing an identity, keeping the one whose
// attachment reference is a durable remote URL. This covers the window
// where an attachment placeholder still holds its local URI while the
// remote-URL twin has already arrived.
func (r *Reconciler) dedupe(chatID string, msgs []models.Message) []models.Message {
	type slot struct{ idx int }
	byKey := make(map[string]slot, len(msgs))
	out := make([]models.Message, 0, len(msgs))

	keyOf := func(m *models.Message) string {
		if m.LocalID != "" {
			return "local:" + m.SenderID + ":" + m.LocalID
		}
		if m.ID != "" {
			return "id:" + m.ID
		}
		return ""
	}

	for _, m := range msgs {
		key := keyOf(&m)
		if key == "" {
			out = append(out, m)
			continue
		}
		prev, seen := byKey[key]
		if !seen {
			byKey[key] = slot{idx: len(out)}
			out = append(out, m)
			continue
		}
		if r.prefer(&m, &out[prev.idx]) {
			out[prev.idx] = m
		}
		r.logger.Debug().Str("chat_id", chatID).Str("key", key).
			Msg("collapsed duplicate record")
	}
	return out
}

// prefer reports whether candidate should replace current when both carry
// the same identity.
func (r *Reconciler) prefer(candidate, current *models.Message) bool {
	if candidate.Attachment.Remote() != current.Attachment.Remote() {
		return candidate.Attachment.Remote()
	}
	if candidate.Confirmed() != current.Confirmed() {
		return candidate.Confirmed()
	}
	return false
}
