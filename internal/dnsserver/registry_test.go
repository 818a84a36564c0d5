package dnsserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dnstunnel/dnstunnel/internal/observe"
)

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry(nil)
	sess := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(sess)

	got, ok := r.Get("tok")
	require.True(t, ok)
	require.Same(t, sess, got)
	require.Equal(t, 1, r.Len())
}

func TestRegistryAddDisplacesPriorSessionForSameToken(t *testing.T) {
	r := NewRegistry(nil)
	first := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(first)

	second := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(second)

	require.Equal(t, 1, r.Len())
	got, ok := r.Get("tok")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestRegistryOnEndNoopsIfAlreadyDisplaced(t *testing.T) {
	r := NewRegistry(nil)
	first := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(first)
	second := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(second)

	// first's own onEnd firing after it's been displaced must not remove
	// second's entry.
	first.onEnd()

	got, ok := r.Get("tok")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestRegistryOnEndRemovesCurrentSession(t *testing.T) {
	r := NewRegistry(nil)
	sess := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(sess)

	sess.onEnd()

	_, ok := r.Get("tok")
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}

func TestRegistryDifferentTokensDoNotDisplaceEachOther(t *testing.T) {
	r := NewRegistry(nil)
	a := newSession("tok-a", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	b := newSession("tok-b", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(a)
	r.Add(b)

	require.Equal(t, 2, r.Len())
}

func TestRegistryAddDisplacesPriorSessionBeforeItEverRuns(t *testing.T) {
	// A second auth for the same token can arrive and win the race before
	// the first session's run has even started. disposeAsDisplaced must
	// still cancel it, so a later run call (or one already past Add but
	// not yet inside run) tears down promptly instead of blocking forever.
	r := NewRegistry(nil)
	first := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(first)

	second := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(second)

	select {
	case <-first.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("displaced session's context was never cancelled")
	}

	done := make(chan struct{})
	go func() {
		first.run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run on an already-displaced session did not return promptly")
	}
}

func TestRegistryAddCallsDisplacedObserverOnReplacement(t *testing.T) {
	events := &countingObserver{}
	r := NewRegistry(events)
	first := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(first)
	second := newSession("tok", newTestConn(t), "8.8.8.8:53", observe.Noop{})
	r.Add(second)

	require.Eventually(t, func() bool {
		return events.displaced.Load() == 1
	}, time.Second, 10*time.Millisecond)
}
