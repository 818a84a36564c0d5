// Package dnsserver implements the server side of the tunnel: the
// WebSocket acceptor and authenticator, the session registry, and the
// per-session query forwarder.
package dnsserver

import (
	"sync"

	"github.com/dnstunnel/dnstunnel/internal/observe"
)

// Registry enforces "at most one live Session per token". A Session
// carries only a token string and an onEnd callback back to the Registry
// that admitted it (not a pointer cycle to the Registry itself).
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	observer observe.Observer
}

// NewRegistry creates an empty Registry. A nil observer is treated as
// observe.Noop{}.
func NewRegistry(observer observe.Observer) *Registry {
	if observer == nil {
		observer = observe.Noop{}
	}
	return &Registry{sessions: make(map[string]*Session), observer: observer}
}

// Add admits sess, displacing and disposing any prior session for the
// same token first. It installs sess's onEnd hook so the session removes
// itself from the registry when it terminates on its own; the hook is a
// no-op if, by the time it runs, the registry entry has already been
// replaced by a newer session.
func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	prior, exists := r.sessions[sess.token]
	if exists {
		prior.disposeAsDisplaced()
	}
	r.sessions[sess.token] = sess
	r.mu.Unlock()

	if exists {
		r.observer.Displaced()
	}

	sess.onEnd = func() {
		r.mu.Lock()
		current, ok := r.sessions[sess.token]
		if ok && current == sess {
			delete(r.sessions, sess.token)
		}
		r.mu.Unlock()
	}
}

// Len reports the number of currently registered sessions. Intended for
// tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns the current session for token, if any. Intended for tests.
func (r *Registry) Get(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[token]
	return sess, ok
}
