package dnsserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dnstunnel/dnstunnel/internal/observe"
)

// handshakeDeadline bounds the upgrade and the auth-message read.
const handshakeDeadline = time.Second

// Acceptor accepts WebSocket upgrades, authenticates the peer, and runs
// admitted sessions to completion.
type Acceptor struct {
	Registry     *Registry
	AuthTokens   map[string]bool
	ResolverAddr string
	Observer     observe.Observer

	upgrader websocket.Upgrader
}

// NewAcceptor builds an Acceptor. authTokens is the configured allowed
// set; resolverAddr is the fixed upstream resolver's "host:port".
func NewAcceptor(registry *Registry, authTokens []string, resolverAddr string, observer observe.Observer) *Acceptor {
	if observer == nil {
		observer = observe.Noop{}
	}
	allowed := make(map[string]bool, len(authTokens))
	for _, tok := range authTokens {
		allowed[tok] = true
	}
	return &Acceptor{
		Registry:     registry,
		AuthTokens:   allowed,
		ResolverAddr: resolverAddr,
		Observer:     observer,
	}
}

// ServeHTTP implements http.Handler. It upgrades the connection, performs
// the token handshake, and — on success — runs the session to completion
// inline, so the handler's lifetime equals the session's lifetime.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected WebSocket upgrade", http.StatusBadRequest)
		return
	}

	rc := http.NewResponseController(w)
	deadline := time.Now().Add(handshakeDeadline)
	if err := errors.Join(rc.SetReadDeadline(deadline), rc.SetWriteDeadline(deadline)); err != nil {
		slog.Warn("websocket upgrade: deadline unsupported by response writer", "remote", r.RemoteAddr, "error", err)
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	token, ok := a.authenticate(conn)
	if !ok {
		conn.Close()
		return
	}

	sess := newSession(token, conn, a.ResolverAddr, a.Observer)
	a.Registry.Add(sess)
	sess.run(r.Context())
}

// authenticate reads exactly one message with a 1s deadline and validates
// it as a known token. A non-TEXT message or an unknown token closes the
// connection with the corresponding close code and returns ok=false; the
// caller is responsible for closing conn.
func (a *Acceptor) authenticate(conn *websocket.Conn) (token string, ok bool) {
	conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	conn.SetReadDeadline(time.Time{})

	if msgType != websocket.TextMessage {
		closeWith(conn, websocket.CloseProtocolError, "expected text auth message")
		return "", false
	}

	token = string(data)
	if !a.AuthTokens[token] {
		closeWith(conn, websocket.ClosePolicyViolation, "unknown token")
		return "", false
	}
	return token, true
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(handshakeDeadline))
}

// Serve runs an HTTP server bound to addr using a, blocking until ctx is
// cancelled, at which point it shuts the server down gracefully.
func Serve(ctx context.Context, addr string, a *Acceptor) error {
	srv := &http.Server{Addr: addr, Handler: a}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
