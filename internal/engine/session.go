package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/eldtechnologies/msgsync/internal/metrics"
	"github.com/eldtechnologies/msgsync/internal/models"
	"github.com/eldtechnologies/msgsync/internal/reconcile"
)

type eventKind int

const (
	// evSnapshot carries a fresh remote snapshot into the loop.
	evSnapshot eventKind = iota
	// evPlaceholder inserts or replaces a local placeholder by LocalID.
	evPlaceholder
	// evFailed flips a placeholder to the failed state.
	evFailed
	// evRemerge re-runs reconciliation after a connectivity change.
	evRemerge
)

type event struct {
	kind     eventKind
	snapshot []models.Message
	msg      models.Message
	localID  string
}

// session is one open chat: its event loop, its ledger, and its listeners.
// Only the loop goroutine writes the ledger; everything else posts events.
type session struct {
	chatID string
	eng    *Engine

	events chan event
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	ledger    []models.Message
	listeners map[int]func([]models.Message)
	nextID    int
	unsub     func()

	// loop-owned, no locking
	lastSnapshot []models.Message
	hasSnapshot  bool
}

func newSession(e *Engine, chatID string) *session {
	return &session{
		chatID:    chatID,
		eng:       e,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		listeners: make(map[int]func([]models.Message)),
	}
}

// seed installs the cache-restored ledger. Only valid before start.
func (s *session) seed(msgs []models.Message) {
	s.ledger = models.CloneAll(msgs)
}

func (s *session) start() {
	go s.run()
}

func (s *session) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		unsub := s.unsub
		s.unsub = nil
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		close(s.done)
	})
}

func (s *session) post(ev event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

func (s *session) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *session) handle(ev event) {
	switch ev.kind {
	case evSnapshot:
		s.lastSnapshot = ev.snapshot
		s.hasSnapshot = true
		metrics.SnapshotsTotal.Inc()
		s.merge(ev.snapshot)
	case evRemerge:
		if s.hasSnapshot {
			s.merge(s.lastSnapshot)
		}
	case evPlaceholder:
		s.upsertPlaceholder(ev.msg)
	case evFailed:
		s.markFailed(ev.localID)
	}
}

// merge runs reconciliation against the current ledger and publishes the
// result.
func (s *session) merge(snapshot []models.Message) {
	prev := s.messages()
	start := time.Now()
	next := s.eng.reconciler.Merge(reconcile.Input{
		ChatID:    s.chatID,
		Remote:    snapshot,
		Previous:  prev,
		Connected: s.eng.monitor.Connected(),
	})
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	if dropped := countLocal(prev) - countLocal(next); dropped > 0 {
		metrics.PlaceholdersSuperseded.Add(float64(dropped))
	}

	s.publish(next)

	// Confirmations visible in the new ledger release their queue entries:
	// the primary path already succeeded, a drain must not resend them.
	if s.eng.queue != nil {
		s.eng.queue.ReleaseConfirmed(s.eng.ctx, s.chatID, next, s.eng.confirmedMatch)
	}
}

// upsertPlaceholder inserts a placeholder or replaces the one sharing its
// LocalID, keeping the ledger ordered.
func (s *session) upsertPlaceholder(msg models.Message) {
	ledger := s.messages()
	replaced := false
	for i := range ledger {
		if ledger[i].LocalID != "" && ledger[i].LocalID == msg.LocalID && ledger[i].Local() {
			ledger[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		ledger = append(ledger, msg)
	}
	sort.SliceStable(ledger, func(i, j int) bool {
		return ledger[i].EffectiveTS() < ledger[j].EffectiveTS()
	})
	s.publish(ledger)
}

func (s *session) markFailed(localID string) {
	ledger := s.messages()
	changed := false
	for i := range ledger {
		if ledger[i].LocalID == localID && ledger[i].Lifecycle == models.LifecyclePending {
			ledger[i].Lifecycle = models.LifecycleFailed
			changed = true
			break
		}
	}
	if changed {
		s.publish(ledger)
	}
}

// publish installs a new ledger, persists it fire-and-forget, and notifies
// listeners with copies.
func (s *session) publish(ledger []models.Message) {
	s.mu.Lock()
	s.ledger = ledger
	fns := make([]func([]models.Message), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.eng.cacheWrite(s.chatID, models.CloneAll(ledger))
	for _, fn := range fns {
		fn(models.CloneAll(ledger))
	}
}

// messages returns a copy of the current ledger.
func (s *session) messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneAll(s.ledger)
}

func (s *session) find(localID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ledger {
		if s.ledger[i].LocalID == localID && s.ledger[i].Local() {
			return s.ledger[i].Clone(), true
		}
	}
	return models.Message{}, false
}

func (s *session) onChange(fn func([]models.Message)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *session) setUnsubscribe(unsub func()) {
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()

	// The session may have been stopped while the subscription was being
	// established; don't leak it.
	select {
	case <-s.done:
		s.mu.Lock()
		u := s.unsub
		s.unsub = nil
		s.mu.Unlock()
		if u != nil {
			u()
		}
	default:
	}
}

func (s *session) subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsub != nil
}

func countLocal(msgs []models.Message) int {
	n := 0
	for i := range msgs {
		if msgs[i].Local() {
			n++
		}
	}
	return n
}
