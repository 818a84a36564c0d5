// Command dns-tunnel-client runs the client side of the tunnel: a pool of
// UDP listeners that accept ordinary DNS queries and relay them over one
// persistent authenticated WebSocket session to a dns-tunnel-server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/net/dns/dnsmessage"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/dnstunnel/dnstunnel/internal/config"
	"github.com/dnstunnel/dnstunnel/internal/dnsclient"
	"github.com/dnstunnel/dnstunnel/internal/observe"
)

// selfTestHost is the fixed question asked by -test; any recursive
// resolver answers it, so the roundtrip itself is what's being checked,
// not the answer's content.
const selfTestHost = "example.com."

func main() {
	configFlag := flag.String("config", "client.yaml", "Path to the client configuration file")
	testFlag := flag.Bool("test", false, "Send one self-test query through the tunnel and exit")
	flag.Parse()

	cfg, err := config.LoadClient(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dns-tunnel-client: %v\n", err)
		os.Exit(1)
	}

	logLevel := parseLevel(cfg.LogLevel)
	logOut := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dns-tunnel-client: open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	slog.SetDefault(slog.New(tint.NewHandler(logOut, &tint.Options{
		NoColor: logOut != os.Stderr || !term.IsTerminal(int(logOut.Fd())),
		Level:   logLevel,
	})))

	client := dnsclient.New(dnsclient.Config{
		EndPoints:         cfg.EndPoints,
		Resolver:          cfg.Resolver,
		ResolverAuthToken: cfg.ResolverAuthToken,
		Observer:          observe.Slog{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	if *testFlag {
		os.Exit(runSelfTest(cfg.EndPoints[0], cancel, runDone))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)

	select {
	case s := <-sig:
		slog.Info("received signal, shutting down", "signal", s)
		cancel()
	case err := <-runDone:
		if err != nil {
			slog.Error("tunnel exited", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := <-runDone; err != nil {
		slog.Error("tunnel exited with error during shutdown", "error", err)
		os.Exit(1)
	}
}

// runSelfTest waits for the listener pool and session to come up, sends one
// real A question to the client's own first endpoint, and waits for the
// reply. It shuts the client down itself, since -test is a one-shot
// diagnostic rather than a long-running process.
func runSelfTest(endpoint string, cancel context.CancelFunc, runDone <-chan error) int {
	defer cancel()

	// Give the listener pool and upstream session a moment to come up
	// before firing the probe query.
	time.Sleep(200 * time.Millisecond)

	query, id, err := buildSelfTestQuery()
	if err != nil {
		slog.Error("self-test: could not build query", "error", err)
		return 1
	}

	conn, err := net.Dial("udp", endpoint)
	if err != nil {
		slog.Error("self-test: could not reach local listener", "error", err)
		return 1
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(query); err != nil {
		slog.Error("self-test: could not send query", "error", err)
		return 1
	}

	buf := make([]byte, 65507)
	n, err := conn.Read(buf)
	if err != nil {
		slog.Error("self-test: no reply within deadline", "error", err)
		return 1
	}

	var parser dnsmessage.Parser
	hdr, err := parser.Start(buf[:n])
	if err != nil || hdr.ID != id {
		slog.Error("self-test: malformed or mismatched reply", "error", err)
		return 1
	}

	slog.Info("self-test: received reply", "host", selfTestHost)
	return 0
}

func buildSelfTestQuery() ([]byte, uint16, error) {
	name, err := dnsmessage.NewName(selfTestHost)
	if err != nil {
		return nil, 0, fmt.Errorf("self-test: invalid hostname: %w", err)
	}
	id := uint16(rand.Intn(1 << 16))
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: id, RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  name,
			Type:  dnsmessage.TypeA,
			Class: dnsmessage.ClassINET,
		}},
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("self-test: could not pack query: %w", err)
	}
	return packed, id, nil
}

func parseLevel(level string) *slog.LevelVar {
	var v slog.LevelVar
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
	return &v
}
