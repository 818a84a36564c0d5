package dnsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dnstunnel/dnstunnel/internal/observe"
	"github.com/dnstunnel/dnstunnel/internal/pending"
)

// maxDatagramSize is the largest UDP DNS query the listener will accept.
const maxDatagramSize = 65507

// socketBufferSize is the send/receive buffer size requested on each
// listener socket.
const socketBufferSize = maxDatagramSize

// maxConsecutiveReadErrors bounds how many back-to-back transient receive
// errors a listener tolerates before treating its socket as permanently
// failed.
const maxConsecutiveReadErrors = 3

// sender is the subset of session that a listener needs; it exists so
// tests can exercise the receive loop against a fake without a real
// WebSocket.
type sender interface {
	Send(id uint32, payload []byte) error
}

// listener owns one UDP socket on a loopback bind address and forwards
// each received datagram to the upstream session, matching it back to its
// source address when (if) a response arrives.
type listener struct {
	addr string
	conn *net.UDPConn
}

// newListener binds addr, a "host:port" string, with buffers large enough
// for a maximum-size datagram.
func newListener(addr string) (*listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dnsclient: invalid endpoint %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dnsclient: listen on %s: %w", addr, err)
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		slog.Warn("could not set UDP read buffer", "address", addr, "error", err)
	}
	if err := conn.SetWriteBuffer(socketBufferSize); err != nil {
		slog.Warn("could not set UDP write buffer", "address", addr, "error", err)
	}
	return &listener{addr: addr, conn: conn}, nil
}

// run receives datagrams until ctx is cancelled, the socket is closed, or
// the socket fails permanently. It reports permanent failure via the
// returned error so the pool can remove it.
func (l *listener) run(ctx context.Context, wg *sync.WaitGroup, table *pending.Table, sess sender, observer observe.Observer) error {
	defer l.conn.Close()
	// ReadFromUDP does not observe ctx; closing the socket on cancellation
	// is what unblocks it.
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagramSize)
	consecutiveErrors := 0
	for {
		n, srcAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			consecutiveErrors++
			slog.Warn("UDP receive error", "address", l.addr, "error", err)
			if consecutiveErrors >= maxConsecutiveReadErrors {
				return fmt.Errorf("dnsclient: listener %s failed permanently: %w", l.addr, err)
			}
			continue
		}
		consecutiveErrors = 0

		payload := make([]byte, n)
		copy(payload, buf[:n])

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.forward(ctx, table, sess, observer, payload, srcAddr)
		}()
	}
}

// forward registers one pending query, forwards it over the session, and
// relays the eventual response (or nothing, on timeout/cancellation) back
// to srcAddr.
func (l *listener) forward(ctx context.Context, table *pending.Table, sess sender, observer observe.Observer, payload []byte, srcAddr *net.UDPAddr) {
	id, result, err := table.Register()
	if err != nil {
		observer.Dropped("pending table full")
		return
	}

	if err := sess.Send(id, payload); err != nil {
		observer.Dropped("failed to send to upstream session")
		// The slot still resolves on its own deadline; nothing else to do.
		return
	}

	select {
	case r := <-result:
		if r.Err != nil {
			// Timeout or cancellation: no synthetic reply is sent; the
			// stub resolver's own retry is the only signal.
			return
		}
		if _, err := l.conn.WriteToUDP(r.Payload, srcAddr); err != nil {
			observer.Dropped("failed to write UDP reply")
		}
	case <-ctx.Done():
	}
}
