package dnsserver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dnstunnel/dnstunnel/internal/observe"
	"github.com/dnstunnel/dnstunnel/internal/wire"
)

// closeDeadline bounds the Normal-Closure handshake on displacement or
// protocol-violation teardown.
const closeDeadline = time.Second

// readBufferSize is the largest inbound WebSocket message accepted,
// matching the largest frame the wire codec and the UDP ingress/egress
// paths already promise to carry: a correlation id plus one maximum-size
// DNS datagram.
const readBufferSize = wire.HeaderLen + wire.MaxPayloadLen

// Session is one authenticated WebSocket connection plus its per-query
// forwarder tasks.
type Session struct {
	token      string
	remoteAddr net.Addr
	conn       *websocket.Conn
	resolver   string
	observer   observe.Observer

	outbound chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// onEnd is installed by Registry.Add; it removes this session from
	// the registry if it is still the current entry for its token.
	onEnd func()

	disposeOnce sync.Once
}

// newSession constructs a Session bound to an already-authenticated
// WebSocket connection. It does not start serving; call run for that.
//
// cancel is assigned here, before the Session is ever handed to a
// Registry, so a displacement racing with the first call to run can never
// find a nil cancel and silently skip tearing the prior session down.
func newSession(token string, conn *websocket.Conn, resolverAddr string, observer observe.Observer) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		token:      token,
		remoteAddr: conn.RemoteAddr(),
		conn:       conn,
		resolver:   resolverAddr,
		observer:   observer,
		outbound:   make(chan []byte, 64),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// run drives the session's read loop and writer loop, using parentCtx only
// to fold in an outside shutdown signal (e.g. the HTTP server's own
// context), until the transport fails, a protocol violation occurs, or the
// session is displaced, then tears everything down and invokes onEnd. It
// returns once fully torn down.
func (s *Session) run(parentCtx context.Context) {
	go func() {
		select {
		case <-parentCtx.Done():
			s.cancel()
			s.closeNormally() // unblocks a readLoop parked in ReadMessage
		case <-s.ctx.Done():
		}
	}()

	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		s.writeLoop(s.ctx)
	}()

	s.readLoop(s.ctx)
	s.cancel()

	ioWg.Wait()
	s.wg.Wait() // all in-flight per-frame forwarders

	s.closeNormally()
	if s.onEnd != nil {
		s.onEnd()
	}
}

// disposeAsDisplaced is called by Registry.Add when a newer session for
// the same token has just been admitted. It cancels this session's
// context and closes the underlying connection, which unblocks a
// readLoop already parked in conn.ReadMessage whether or not run has
// started yet, without running onEnd again (the caller replaces the
// registry entry under the same lock).
func (s *Session) disposeAsDisplaced() {
	s.disposeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

func (s *Session) writeLoop(ctx context.Context) {
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

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(readBufferSize)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			// Protocol violation: close with Protocol Error and end the
			// session.
			s.closeWithCode(websocket.CloseProtocolError, "expected binary frame")
			return
		}
		id, payload, err := wire.Decode(data)
		if err != nil {
			s.observer.Dropped("truncated frame")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			forwardQuery(ctx, s.resolver, id, payload, s.sendReply, s.observer)
		}()
	}
}

// sendReply serializes and enqueues one reply frame for the writer loop,
// serializing concurrent forwarders' sends against each other.
func (s *Session) sendReply(id uint32, payload []byte) {
	frame := wire.Encode(make([]byte, 0, wire.HeaderLen+len(payload)), id, payload)
	select {
	case s.outbound <- frame:
	case <-time.After(closeDeadline):
		s.observer.Dropped("outbound queue full")
	}
}

func (s *Session) closeWithCode(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline))
}

func (s *Session) closeNormally() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline))
	s.conn.Close()
}
