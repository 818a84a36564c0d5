package dnsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dnstunnel/dnstunnel/internal/dontfrag"
	"github.com/dnstunnel/dnstunnel/internal/observe"
)

// queryDeadline bounds how long the forwarder waits for the upstream
// resolver's reply.
const queryDeadline = time.Second

// maxReplySize is the largest datagram the forwarder will read back from
// the upstream resolver.
const maxReplySize = 65507

// forwardQuery performs one UDP exchange with resolverAddr for a single
// query frame: a fresh ephemeral socket, Don't-Fragment enabled, sent and
// awaited with a 1s deadline, then closed. sendReply is called with the
// reply payload on success; on any failure the query is dropped and
// logged via observer, and sendReply is never called — the session itself
// is never torn down by a per-query failure.
func forwardQuery(ctx context.Context, resolverAddr string, id uint32, query []byte, sendReply func(id uint32, payload []byte), observer observe.Observer) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		observer.Dropped(fmt.Sprintf("could not open upstream socket: %v", err))
		return
	}
	defer conn.Close()

	if err := dontfrag.Set(conn); err != nil {
		slog.Warn("could not set dont-fragment on upstream socket", "error", err)
		// Not fatal: proceed without it rather than dropping the query.
	}

	upstream, err := net.ResolveUDPAddr("udp", resolverAddr)
	if err != nil {
		observer.Dropped(fmt.Sprintf("invalid resolver address: %v", err))
		return
	}

	deadline := time.Now().Add(queryDeadline)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		observer.Dropped(fmt.Sprintf("could not set deadline: %v", err))
		return
	}

	if _, err := conn.WriteToUDP(query, upstream); err != nil {
		observer.Dropped(fmt.Sprintf("upstream send failed: %v", err))
		return
	}

	buf := make([]byte, maxReplySize)
	n, err := conn.Read(buf)
	if err != nil {
		observer.Dropped(fmt.Sprintf("upstream read failed or timed out: %v", err))
		return
	}

	select {
	case <-ctx.Done():
		// The session ended (displacement, protocol violation, or
		// teardown) while we were waiting; the reply has nowhere to go.
		return
	default:
	}

	reply := make([]byte, n)
	copy(reply, buf[:n])
	sendReply(id, reply)
}
