// Package send implements the optimistic send pipeline: synchronous
// placeholder creation, asynchronous remote delivery, and the fallback to
// the offline queue while disconnected.
package send

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/metrics"
	"github.com/eldtechnologies/msgsync/internal/models"
	"github.com/eldtechnologies/msgsync/internal/netmon"
	"github.com/eldtechnologies/msgsync/internal/queue"
	"github.com/eldtechnologies/msgsync/internal/remote"
)

// DefaultMaxAttachmentBytes is the attachment size limit enforced before
// any network work starts.
const DefaultMaxAttachmentBytes = 25 << 20

// Content is what a caller asks to send.
type Content struct {
	Body       string
	Attachment *models.Attachment
}

// Transformer prepares attachment content for upload (compress, resize).
// Performed by an external collaborator.
type Transformer interface {
	Transform(ctx context.Context, att *models.Attachment) (*models.Attachment, error)
}

// Uploader moves attachment content to durable storage and returns its
// remote URL.
type Uploader interface {
	Upload(ctx context.Context, att *models.Attachment) (string, error)
}

// Hooks are how delivery results flow back into the chat's event loop.
// The pipeline never touches the ledger directly.
type Hooks struct {
	// Update re-inserts the placeholder after a mutation (attachment URI
	// swapped to its durable URL).
	Update func(msg models.Message)
	// Failed flips the placeholder to the failed state.
	Failed func(localID string, err error)
}

// Pipeline creates placeholders and attempts remote delivery. Confirmation
// is never signalled from here: the reconciler recognises it when the
// matching record appears in a feed snapshot.
type Pipeline struct {
	writer      remote.Writer
	queue       *queue.Queue
	monitor     *netmon.Monitor
	transformer Transformer
	uploader    Uploader
	maxAttach   int64
	logger      zerolog.Logger
}

// New creates a pipeline. transformer and uploader may be nil when the
// deployment never sends attachments.
func New(writer remote.Writer, q *queue.Queue, monitor *netmon.Monitor, transformer Transformer, uploader Uploader, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		writer:      writer,
		queue:       q,
		monitor:     monitor,
		transformer: transformer,
		uploader:    uploader,
		maxAttach:   DefaultMaxAttachmentBytes,
		logger:      logger,
	}
}

// Prepare validates the content and builds the pending placeholder. It is
// synchronous: the returned placeholder must be visible in the ledger
// before any network call completes.
func (p *Pipeline) Prepare(chatID, senderID string, c Content) (models.Message, error) {
	if c.Body == "" && c.Attachment == nil {
		return models.Message{}, models.ErrEmptyBody
	}
	if c.Attachment != nil && c.Attachment.Size > p.maxAttach {
		return models.Message{}, models.ErrAttachmentTooLarge
	}

	msg := models.Message{
		LocalID:   uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Body:      c.Body,
		CreatedAt: time.Now().UnixMilli(),
		Lifecycle: models.LifecyclePending,
	}
	if c.Attachment != nil {
		att := *c.Attachment
		msg.Attachment = &att
	}
	metrics.SendsTotal.Inc()
	return msg, nil
}

// Deliver attempts remote delivery of a placeholder. Run it in its own
// goroutine; results come back through hooks, never by blocking the event
// loop. While disconnected the send is parked in the offline queue and the
// placeholder stays pending.
func (p *Pipeline) Deliver(ctx context.Context, msg models.Message, h Hooks) {
	if msg.Attachment != nil && !msg.Attachment.Remote() {
		prepared, err := p.prepareAttachment(ctx, msg)
		if err != nil {
			p.fail(msg, err, h)
			return
		}
		msg = prepared
		// The durable URL must be in the ledger before the write is
		// issued, so the reconciler can match the record by exact URL.
		if h.Update != nil {
			h.Update(msg.Clone())
		}
	}

	if !p.monitor.Connected() {
		p.park(ctx, msg)
		return
	}

	_, err := p.writer.Send(ctx, msg)
	if err == nil {
		// Done. The placeholder stays pending until the feed confirms it.
		return
	}

	if models.IsRetriable(err) && !p.monitor.Connected() {
		// The link dropped mid-send; the queue is the retry surface.
		p.park(ctx, msg)
		return
	}
	p.fail(msg, err, h)
}

// Retry re-attempts a failed send, reusing its LocalID. The caller has
// already flipped the placeholder back to pending in the ledger.
func (p *Pipeline) Retry(ctx context.Context, msg models.Message, h Hooks) {
	metrics.Retries.Inc()
	msg.Lifecycle = models.LifecyclePending
	p.Deliver(ctx, msg, h)
}

func (p *Pipeline) prepareAttachment(ctx context.Context, msg models.Message) (models.Message, error) {
	att := msg.Attachment
	if p.transformer != nil {
		transformed, err := p.transformer.Transform(ctx, att)
		if err != nil {
			return msg, err
		}
		att = transformed
	}
	if p.uploader == nil {
		return msg, &models.TransportError{Op: "attachment upload", Err: errors.New("no uploader configured")}
	}
	url, err := p.uploader.Upload(ctx, att)
	if err != nil {
		return msg, err
	}

	swapped := *att
	swapped.URI = url
	msg.Attachment = &swapped
	return msg, nil
}

func (p *Pipeline) park(ctx context.Context, msg models.Message) {
	if p.queue == nil {
		p.logger.Warn().Str("chat_id", msg.ChatID).Str("local_id", msg.LocalID).
			Msg("offline with no queue, send will be lost")
		return
	}
	if err := p.queue.Enqueue(ctx, msg); err != nil {
		p.logger.Error().Str("chat_id", msg.ChatID).Str("local_id", msg.LocalID).
			Err(err).Msg("offline enqueue failed")
		return
	}
	p.logger.Debug().Str("chat_id", msg.ChatID).Str("local_id", msg.LocalID).
		Msg("send parked in offline queue")
}

func (p *Pipeline) fail(msg models.Message, err error, h Hooks) {
	metrics.SendFailures.WithLabelValues(classify(err)).Inc()
	p.logger.Warn().Str("chat_id", msg.ChatID).Str("local_id", msg.LocalID).
		Err(err).Msg("send failed")
	if h.Failed != nil {
		h.Failed(msg.LocalID, err)
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, models.ErrChatGone):
		return "chat_gone"
	case errors.Is(err, models.ErrNotParticipant):
		return "permission"
	case errors.Is(err, models.ErrEmptyBody), errors.Is(err, models.ErrAttachmentTooLarge):
		return "validation"
	case models.IsRetriable(err):
		return "transport"
	default:
		return "other"
	}
}
