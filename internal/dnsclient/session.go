// Package dnsclient implements the client side of the tunnel: the UDP
// listener pool and the upstream WebSocket session.
package dnsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dnstunnel/dnstunnel/internal/observe"
	"github.com/dnstunnel/dnstunnel/internal/pending"
	"github.com/dnstunnel/dnstunnel/internal/wire"
)

// handshakeDeadline bounds the dial and the auth handshake.
const handshakeDeadline = time.Second

// readBufferSize is the largest inbound WebSocket message accepted,
// matching the largest frame the wire codec and the UDP listener pool
// already promise to carry: a correlation id plus one maximum-size DNS
// datagram.
const readBufferSize = wire.HeaderLen + wire.MaxPayloadLen

// session owns the single authenticated WebSocket to the server and
// performs ordered framed I/O. Sends are serialized through outbound, a
// single writer goroutine, so two concurrent queries can never interleave
// bytes within one WebSocket message.
type session struct {
	conn     *websocket.Conn
	table    *pending.Table
	observer observe.Observer

	outbound chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// dialSession connects to resolverURL and sends the auth token as the
// first (TEXT) WebSocket message.
func dialSession(ctx context.Context, resolverURL, authToken string, table *pending.Table, observer observe.Observer) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, resolverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dnsclient: dial %s: %w", resolverURL, err)
	}

	conn.SetWriteDeadline(time.Now().Add(handshakeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(authToken)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dnsclient: send auth token: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	return &session{
		conn:     conn,
		table:    table,
		observer: observer,
		outbound: make(chan []byte, 64),
		done:     make(chan struct{}),
	}, nil
}

// run drives the session until ctx is cancelled or the transport fails. It
// always cancels every pending query and closes the connection before
// returning, so callers can treat a return as "fully torn down".
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.readLoop()
		cancel() // a dead read loop means a dead session; stop the writer too.
	}()

	<-ctx.Done()
	// Closing the transport is what unblocks a readLoop parked in
	// ReadMessage; the writer already stops on ctx.
	s.closeGracefully()
	wg.Wait()

	s.table.CancelAll()
	s.doneOnce.Do(func() { close(s.done) })
}

// Done reports session termination, e.g. for a supervisor to notice the
// transport dropped and initiate service shutdown.
func (s *session) Done() <-chan struct{} {
	return s.done
}

// Send serializes (id, payload) into a single framed message and hands it
// to the writer goroutine. It never blocks indefinitely: a full outbound
// queue or a dead session both return promptly.
func (s *session) Send(id uint32, payload []byte) error {
	frame := wire.Encode(make([]byte, 0, wire.HeaderLen+len(payload)), id, payload)
	select {
	case s.outbound <- frame:
		return nil
	case <-s.done:
		return fmt.Errorf("dnsclient: session closed")
	default:
		return fmt.Errorf("dnsclient: outbound queue full")
	}
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-s.outbound:
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(readBufferSize)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			// A TEXT frame or anything else after auth is a protocol
			// violation; end the session.
			return
		}
		id, payload, err := wire.Decode(data)
		if err != nil {
			s.observer.Dropped("truncated frame")
			continue
		}
		s.table.Complete(id, payload)
	}
}

// closeGracefully attempts a Normal Closure handshake on an independent,
// uncancellable deadline so a cancelled service-level context cannot leak
// an unclosed transport mid-close.
func (s *session) closeGracefully() {
	deadline := time.Now().Add(handshakeDeadline)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	s.conn.Close()
}
