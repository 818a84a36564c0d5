// Package observe provides a minimal hook for events that are deliberately
// never surfaced on the wire (expired pending queries, displaced sessions,
// dropped frames). It exists so those events are not simply invisible; it
// never feeds back into the protocol itself.
package observe

import "log/slog"

// Observer receives notice of events that are handled internally (the
// originating stub resolver, or the peer session, never sees them).
type Observer interface {
	// Expired is called when a pending query's 1s deadline elapses before
	// a response arrived.
	Expired()
	// Displaced is called when a session is torn down because a newer
	// session presented the same auth token.
	Displaced()
	// Dropped is called when a frame or query is discarded for a reason
	// other than expiry or displacement (e.g. late response for an
	// already-expired id, upstream UDP error, WebSocket send error).
	Dropped(reason string)
}

// Noop is an Observer that does nothing. It is the default when no
// Observer is supplied, so callers never need a nil check.
type Noop struct{}

func (Noop) Expired()       {}
func (Noop) Displaced()     {}
func (Noop) Dropped(string) {}

var _ Observer = Noop{}

// Slog is an Observer that logs every event at debug level.
type Slog struct {
	Logger *slog.Logger
}

func (o Slog) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Slog) Expired() {
	o.log().Debug("pending query expired")
}

func (o Slog) Displaced() {
	o.log().Debug("session displaced")
}

func (o Slog) Dropped(reason string) {
	o.log().Debug("dropped", "reason", reason)
}

var _ Observer = Slog{}
