package dnsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dnstunnel/dnstunnel/internal/observe"
	"github.com/dnstunnel/dnstunnel/internal/pending"
)

// Config configures a Client.
type Config struct {
	EndPoints         []string
	Resolver          string
	ResolverAuthToken string
	Observer          observe.Observer
}

// Client is the client-side daemon: one upstream Session plus the UDP
// Listener Pool feeding it.
type Client struct {
	cfg   Config
	table *pending.Table
}

// New creates a Client. Call Run to dial and start serving.
func New(cfg Config) *Client {
	if cfg.Observer == nil {
		cfg.Observer = observe.Noop{}
	}
	return &Client{
		cfg:   cfg,
		table: pending.New(cfg.Observer),
	}
}

// Run dials the upstream session, binds every configured endpoint, and
// blocks until ctx is cancelled, the session's transport drops, or every
// listener in the pool has failed permanently — whichever happens first.
// It always releases every socket, the WebSocket, and all pending queries
// before returning.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := dialSession(ctx, c.cfg.Resolver, c.cfg.ResolverAuthToken, c.table, c.cfg.Observer)
	if err != nil {
		return fmt.Errorf("dnsclient: connect failure: %w", err)
	}

	var sessionWg sync.WaitGroup
	sessionWg.Add(1)
	go func() {
		defer sessionWg.Done()
		sess.run(ctx)
	}()

	listeners := make([]*listener, 0, len(c.cfg.EndPoints))
	for _, addr := range c.cfg.EndPoints {
		l, err := newListener(addr)
		if err != nil {
			for _, prev := range listeners {
				prev.conn.Close()
			}
			cancel()
			sessionWg.Wait()
			return fmt.Errorf("dnsclient: %w", err)
		}
		listeners = append(listeners, l)
	}

	var (
		mu          sync.Mutex
		alive       = len(listeners)
		listenersWg sync.WaitGroup
		queriesWg   sync.WaitGroup
	)
	for _, l := range listeners {
		listenersWg.Add(1)
		go func(l *listener) {
			defer listenersWg.Done()
			if err := l.run(ctx, &queriesWg, c.table, sess, c.cfg.Observer); err != nil {
				slog.Error("listener removed from pool", "address", l.addr, "error", err)
				mu.Lock()
				alive--
				empty := alive == 0
				mu.Unlock()
				if empty {
					slog.Error("listener pool is empty, shutting down")
					cancel()
				}
			}
		}(l)
	}

	select {
	case <-ctx.Done():
	case <-sess.Done():
		slog.Warn("upstream session ended, shutting down")
		cancel()
	}

	listenersWg.Wait()
	queriesWg.Wait()
	sessionWg.Wait()
	return nil
}
