// Package engine wires the reconciler, send pipeline, offline queue,
// persistent cache, and network monitor into the per-chat message engine.
//
// All ledger mutations for a chat are serialized through that chat's event
// loop: the send pipeline and the remote feed only produce inputs to
// reconciliation, so no partially merged ledger state is ever observable.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/cache"
	"github.com/eldtechnologies/msgsync/internal/metrics"
	"github.com/eldtechnologies/msgsync/internal/models"
	"github.com/eldtechnologies/msgsync/internal/netmon"
	"github.com/eldtechnologies/msgsync/internal/queue"
	"github.com/eldtechnologies/msgsync/internal/reconcile"
	"github.com/eldtechnologies/msgsync/internal/remote"
	"github.com/eldtechnologies/msgsync/internal/send"
)

var (
	// ErrChatNotOpen is returned for operations on a chat without an open
	// session.
	ErrChatNotOpen = errors.New("chat not open")
	// ErrUnknownLocalID is returned when a retry references no placeholder.
	ErrUnknownLocalID = errors.New("unknown local id")
)

// DefaultDrainInterval is how often the offline queue is drained while
// online, as a secondary path behind reconnect-triggered drains.
const DefaultDrainInterval = 30 * time.Second

// Options configures an Engine. Feed, Writer and SenderID are required;
// everything else has a usable default.
type Options struct {
	Feed    remote.Feed
	Writer  remote.Writer
	Cache   cache.Cache
	Queue   *queue.Queue
	Monitor *netmon.Monitor

	Reconciler  *reconcile.Reconciler
	Transformer send.Transformer
	Uploader    send.Uploader

	SenderID      string
	DrainInterval time.Duration
	Logger        zerolog.Logger
}

// Engine owns the per-chat session registry and the ledgers inside it.
// Sessions are created by OpenChat and torn down by CloseChat; there is no
// ambient per-chat global state.
type Engine struct {
	feed       remote.Feed
	writer     remote.Writer
	cache      cache.Cache
	queue      *queue.Queue
	monitor    *netmon.Monitor
	reconciler *reconcile.Reconciler
	pipeline   *send.Pipeline
	senderID   string
	logger     zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func()

	registry *registry
}

// New creates an engine and starts its connectivity watcher and periodic
// drain loop.
func New(opts Options) (*Engine, error) {
	if opts.Feed == nil || opts.Writer == nil {
		return nil, errors.New("engine: feed and writer are required")
	}
	if opts.SenderID == "" {
		return nil, errors.New("engine: sender id is required")
	}
	if opts.Monitor == nil {
		opts.Monitor = netmon.New(0)
	}
	if opts.Cache == nil {
		opts.Cache = cache.Nop{}
	}
	if opts.Reconciler == nil {
		opts.Reconciler = reconcile.New(0, 0, opts.Logger)
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		feed:       opts.Feed,
		writer:     opts.Writer,
		cache:      opts.Cache,
		queue:      opts.Queue,
		monitor:    opts.Monitor,
		reconciler: opts.Reconciler,
		senderID:   opts.SenderID,
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		registry:   newRegistry(),
	}
	e.pipeline = send.New(opts.Writer, opts.Queue, opts.Monitor, opts.Transformer, opts.Uploader, opts.Logger)

	e.stopWatch = e.monitor.Notify(e.onConnectivity)
	go e.drainLoop(opts.DrainInterval)
	return e, nil
}

// Close tears down every open session. The queue, cache and remote store
// belong to the caller and stay open.
func (e *Engine) Close() {
	e.stopWatch()
	e.cancel()
	for _, s := range e.registry.drain() {
		s.stop()
	}
}

// OpenChat starts a session for a chat: the ledger seeds from the
// persistent cache, queued unsent messages reappear as pending
// placeholders, and the remote feed subscription begins.
func (e *Engine) OpenChat(chatID string) error {
	s, created := e.registry.getOrCreate(chatID, func() *session {
		return newSession(e, chatID)
	})
	if !created {
		return nil
	}

	// Best-effort seed; a broken cache must not block opening the chat.
	if cached, err := e.cache.Get(e.ctx, chatID); err != nil {
		e.logger.Debug().Str("chat_id", chatID).Err(err).Msg("cache read failed")
	} else if len(cached) > 0 {
		s.seed(cached)
	}

	s.start()

	// Unsent messages survive restarts in the offline queue; surface them
	// as pending placeholders again.
	if e.queue != nil {
		entries, err := e.queue.Entries(e.ctx, chatID)
		if err != nil {
			e.logger.Warn().Str("chat_id", chatID).Err(err).Msg("queue scan failed")
		}
		for _, entry := range entries {
			msg := entry.Message
			msg.Lifecycle = models.LifecyclePending
			s.post(event{kind: evPlaceholder, msg: msg})
		}
	}

	e.subscribe(s)
	return nil
}

// CloseChat tears down a chat's session.
func (e *Engine) CloseChat(chatID string) {
	if s := e.registry.remove(chatID); s != nil {
		s.stop()
	}
}

// Messages returns a copy of the reconciled ledger for a chat, or nil when
// the chat is not open.
func (e *Engine) Messages(chatID string) []models.Message {
	s := e.registry.get(chatID)
	if s == nil {
		return nil
	}
	return s.messages()
}

// OnChange registers a ledger listener for a chat and returns a cancel
// function. The listener receives a copy of each new ledger.
func (e *Engine) OnChange(chatID string, fn func([]models.Message)) (func(), error) {
	s := e.registry.get(chatID)
	if s == nil {
		return nil, ErrChatNotOpen
	}
	return s.onChange(fn), nil
}

// Send validates the content, inserts a pending placeholder synchronously,
// and attempts remote delivery in the background. It returns the
// placeholder's LocalID. Validation errors are returned directly and leave
// no trace in the ledger.
func (e *Engine) Send(chatID string, c send.Content) (string, error) {
	s := e.registry.get(chatID)
	if s == nil {
		return "", ErrChatNotOpen
	}

	msg, err := e.pipeline.Prepare(chatID, e.senderID, c)
	if err != nil {
		return "", err
	}

	s.post(event{kind: evPlaceholder, msg: msg})
	go e.pipeline.Deliver(e.ctx, msg, e.hooks(s))
	return msg.LocalID, nil
}

// Retry re-attempts a failed send under its existing LocalID. Retrying a
// placeholder that is already pending is a no-op; a second placeholder is
// never created.
func (e *Engine) Retry(chatID, localID string) error {
	s := e.registry.get(chatID)
	if s == nil {
		return ErrChatNotOpen
	}
	msg, ok := s.find(localID)
	if !ok {
		return ErrUnknownLocalID
	}
	if msg.Lifecycle != models.LifecycleFailed {
		return nil
	}

	msg.Lifecycle = models.LifecyclePending
	s.post(event{kind: evPlaceholder, msg: msg})
	go e.pipeline.Retry(e.ctx, msg, e.hooks(s))
	return nil
}

// Drain replays the offline queue now. Normally triggered by reconnects
// and the periodic loop; exposed for callers that know delivery just
// became possible.
func (e *Engine) Drain(ctx context.Context) error {
	if e.queue == nil {
		return nil
	}
	return e.queue.Drain(ctx, queue.DrainDeps{
		Ledger:    e.Messages,
		Confirmed: e.confirmedMatch,
		Send:      e.writer.Send,
		OnFailed: func(chatID, localID string) {
			if s := e.registry.get(chatID); s != nil {
				s.post(event{kind: evFailed, localID: localID})
			}
		},
	})
}

// confirmedMatch reports whether the ledger already holds a confirmed
// record for the same user action as msg.
func (e *Engine) confirmedMatch(msg models.Message, ledger []models.Message) bool {
	for i := range ledger {
		if ledger[i].Confirmed() && e.reconciler.SameAction(&ledger[i], &msg) {
			return true
		}
	}
	return false
}

func (e *Engine) hooks(s *session) send.Hooks {
	return send.Hooks{
		Update: func(msg models.Message) {
			s.post(event{kind: evPlaceholder, msg: msg})
		},
		Failed: func(localID string, err error) {
			s.post(event{kind: evFailed, localID: localID})
		},
	}
}

// onConnectivity reacts to debounced network transitions: sessions re-merge
// their last snapshot under the new connectivity (the offline local-echo
// guard applies or lifts), missing feed subscriptions are retried, and a
// reconnect triggers a drain.
func (e *Engine) onConnectivity(connected bool) {
	e.logger.Info().Bool("connected", connected).Msg("connectivity changed")

	for _, s := range e.registry.all() {
		s.post(event{kind: evRemerge})
		if connected && !s.subscribed() {
			e.subscribe(s)
		}
	}

	if connected {
		go func() {
			if err := e.Drain(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("reconnect drain failed")
			}
		}()
	}
}

// subscribe starts the feed for a session. Failures are logged and retried
// on the next reconnect; the session keeps serving cached state meanwhile.
func (e *Engine) subscribe(s *session) {
	unsub, err := e.feed.Subscribe(e.ctx, s.chatID,
		func(msgs []models.Message) {
			s.post(event{kind: evSnapshot, snapshot: msgs})
		},
		func(err error) {
			e.logger.Warn().Str("chat_id", s.chatID).Err(err).Msg("feed error")
		},
	)
	if err != nil {
		e.logger.Warn().Str("chat_id", s.chatID).Err(err).Msg("feed subscribe failed")
		return
	}
	s.setUnsubscribe(unsub)
}

// drainLoop runs the periodic secondary drain while online.
func (e *Engine) drainLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if !e.monitor.Connected() {
				continue
			}
			if err := e.Drain(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("periodic drain failed")
			}
		}
	}
}

// cacheWrite persists a new ledger fire-and-forget. Cache failures are
// counted and logged, never propagated.
func (e *Engine) cacheWrite(chatID string, msgs []models.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
		defer cancel()
		if err := e.cache.Set(ctx, chatID, msgs); err != nil && e.ctx.Err() == nil {
			metrics.CacheWriteFailures.Inc()
			e.logger.Debug().Str("chat_id", chatID).Err(err).Msg("cache write failed")
		}
	}()
}
