package dnsserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForwardQueryRelaysReply(t *testing.T) {
	resolver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer resolver.Close()

	go func() {
		buf := make([]byte, 512)
		n, addr, err := resolver.ReadFromUDP(buf)
		if err != nil {
			return
		}
		resolver.WriteToUDP(append(buf[:n], '!'), addr)
	}()

	var mu sync.Mutex
	var gotID uint32
	var gotPayload []byte
	done := make(chan struct{})

	forwardQuery(context.Background(), resolver.LocalAddr().String(), 7, []byte("abc"), func(id uint32, payload []byte) {
		mu.Lock()
		gotID, gotPayload = id, payload
		mu.Unlock()
		close(done)
	}, &countingObserver{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwardQuery never called sendReply")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint32(7), gotID)
	require.Equal(t, "abc!", string(gotPayload))
}

func TestForwardQueryDropsSilentlyOnUpstreamTimeout(t *testing.T) {
	blackhole, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := blackhole.LocalAddr().String()
	require.NoError(t, blackhole.Close()) // nothing will ever reply on this port

	observer := &countingObserver{}
	replied := false

	forwardQuery(context.Background(), addr, 1, []byte("q"), func(uint32, []byte) {
		replied = true
	}, observer)

	require.False(t, replied)
	require.Equal(t, int64(1), observer.dropped.Load())
}

func TestForwardQueryDropsOnCancelledContextBeforeReply(t *testing.T) {
	resolver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer resolver.Close()

	// The resolver reads the query but deliberately never answers until
	// well after the caller's context is cancelled, so the reply has
	// nowhere to go once it does arrive.
	gotQuery := make(chan *net.UDPAddr, 1)
	go func() {
		buf := make([]byte, 512)
		n, addr, err := resolver.ReadFromUDP(buf)
		if err != nil {
			return
		}
		_ = n
		gotQuery <- addr
		time.Sleep(50 * time.Millisecond)
		resolver.WriteToUDP([]byte("too-late"), addr)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	replied := false
	done := make(chan struct{})
	go func() {
		forwardQuery(ctx, resolver.LocalAddr().String(), 1, []byte("q"), func(uint32, []byte) {
			replied = true
		}, &countingObserver{})
		close(done)
	}()

	<-gotQuery
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwardQuery did not return")
	}
	require.False(t, replied)
}
