package dnsserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// countingObserver records how many times each Observer event fired, for
// assertions that care about occurrence rather than content.
type countingObserver struct {
	expired   atomic.Int64
	displaced atomic.Int64
	dropped   atomic.Int64
}

func (o *countingObserver) Expired()       { o.expired.Add(1) }
func (o *countingObserver) Displaced()     { o.displaced.Add(1) }
func (o *countingObserver) Dropped(string) { o.dropped.Add(1) }

// newTestConn returns a real, live server-side *websocket.Conn by upgrading
// a loopback HTTP connection. newSession calls conn.RemoteAddr(),
// which would panic on a bare zero-value Conn, so tests that need a Session
// use this instead of constructing one by hand.
func newTestConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- conn
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	return <-connCh
}
