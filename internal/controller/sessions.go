// Package controller tracks live SMTP sessions so the frontend (C8) can
// broadcast a shutdown signal and wait for graceful drain, adapted from the
// teacher's channel-registry pattern used for its magic-link notification flow.
package controller

import (
	"sync"

	"github.com/vellum-mail/vellum/internal/logging"
)

type entry struct {
	ch   chan struct{}
	once sync.Once
}

// SessionRegistry maps a session id to a close channel the session's
// goroutine selects on. Closing the channel (via Notify or Shutdown) tells
// the session to finish its current command and disconnect (spec §5, §7).
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*entry)}
}

// Register creates and returns the close channel for sessionID. Callers must
// Delete the id when the session ends.
func (r *SessionRegistry) Register(sessionID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &entry{ch: make(chan struct{})}
	r.sessions[sessionID] = e
	logging.DebugLog("controller: registered session %s", sessionID)
	return e.ch
}

// Notify signals a single session to wind down, if still registered.
func (r *SessionRegistry) Notify(sessionID string) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.once.Do(func() { close(e.ch) })
}

// Shutdown signals every registered session to wind down, used when the
// server begins its shutdown grace period (spec §7).
func (r *SessionRegistry) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.sessions {
		logging.DebugLog("controller: shutdown signal -> session %s", id)
		e.once.Do(func() { close(e.ch) })
	}
}

// Delete removes a session's entry once it has finished.
func (r *SessionRegistry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Count returns the number of currently registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
