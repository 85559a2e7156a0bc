// Package netmon tracks connectivity and fans out transition events.
package netmon

import (
	"sync"
	"time"
)

// Monitor holds a single connectivity flag and notifies listeners on
// transitions. Reconnects are debounced: the connected notification fires
// only after the state has been stable for the debounce window, so a
// flapping link does not trigger redundant queue drains. Disconnects
// notify immediately.
type Monitor struct {
	mu        sync.Mutex
	connected bool
	debounce  time.Duration
	timer     *time.Timer
	nextID    int
	listeners map[int]func(bool)
}

// New creates a monitor in the disconnected state. A zero debounce makes
// reconnect notifications immediate.
func New(debounce time.Duration) *Monitor {
	return &Monitor{
		debounce:  debounce,
		listeners: make(map[int]func(bool)),
	}
}

// Connected returns the current connectivity flag.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetConnected records a connectivity transition. The flag itself flips
// immediately; only listener notification for reconnects is delayed.
func (m *Monitor) SetConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if !connected {
		fns := m.snapshotListeners()
		m.mu.Unlock()
		for _, fn := range fns {
			fn(false)
		}
		return
	}

	if m.debounce <= 0 {
		fns := m.snapshotListeners()
		m.mu.Unlock()
		for _, fn := range fns {
			fn(true)
		}
		return
	}

	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		if !m.connected {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		fns := m.snapshotListeners()
		m.mu.Unlock()
		for _, fn := range fns {
			fn(true)
		}
	})
	m.mu.Unlock()
}

// Notify registers a transition listener and returns a cancel function.
func (m *Monitor) Notify(fn func(connected bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// snapshotListeners must be called with mu held.
func (m *Monitor) snapshotListeners() []func(bool) {
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return fns
}
