package engine

import "sync"

// registry is the explicit per-chat session table. Lifecycle is tied to
// OpenChat/CloseChat; nothing engine-wide is keyed by chat outside it.
type registry struct {
	mu    sync.Mutex
	chats map[string]*session
}

func newRegistry() *registry {
	return &registry{chats: make(map[string]*session)}
}

func (r *registry) get(chatID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chats[chatID]
}

// getOrCreate returns the existing session or installs a new one. The
// second result reports whether a session was created.
func (r *registry) getOrCreate(chatID string, mk func() *session) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.chats[chatID]; ok {
		return s, false
	}
	s := mk()
	r.chats[chatID] = s
	return s, true
}

func (r *registry) remove(chatID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.chats[chatID]
	delete(r.chats, chatID)
	return s
}

func (r *registry) all() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.chats))
	for _, s := range r.chats {
		out = append(out, s)
	}
	return out
}

// drain empties the registry and returns what it held.
func (r *registry) drain() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.chats))
	for _, s := range r.chats {
		out = append(out, s)
	}
	r.chats = make(map[string]*session)
	return out
}
