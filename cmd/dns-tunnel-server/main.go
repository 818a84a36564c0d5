// Command dns-tunnel-server runs the server side of the tunnel: it accepts
// authenticated WebSocket sessions and forwards each multiplexed query to a
// fixed upstream DNS resolver over UDP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/lmittmann/tint"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/dnstunnel/dnstunnel/internal/config"
	"github.com/dnstunnel/dnstunnel/internal/dnsserver"
	"github.com/dnstunnel/dnstunnel/internal/observe"
)

func main() {
	configFlag := flag.String("config", "server.yaml", "Path to the server configuration file")
	flag.Parse()

	cfg, err := config.LoadServer(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dns-tunnel-server: %v\n", err)
		os.Exit(1)
	}

	logLevel := parseLevel(cfg.LogLevel)
	logOut := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dns-tunnel-server: open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	slog.SetDefault(slog.New(tint.NewHandler(logOut, &tint.Options{
		NoColor: logOut != os.Stderr || !term.IsTerminal(int(logOut.Fd())),
		Level:   logLevel,
	})))

	observer := observe.Slog{}
	registry := dnsserver.NewRegistry(observer)
	acceptor := dnsserver.NewAcceptor(registry, cfg.AuthTokens, cfg.Resolver, observer)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	errs := make(chan error, len(cfg.Urls))
	for _, addr := range cfg.Urls {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("listening", "address", addr)
			if err := dnsserver.Serve(ctx, addr, acceptor); err != nil {
				slog.Error("listener stopped", "address", addr, "error", err)
				errs <- fmt.Errorf("%s: %w", addr, err)
				cancel()
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)

	select {
	case s := <-sig:
		slog.Info("received signal, shutting down", "signal", s)
		cancel()
	case <-ctx.Done():
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		slog.Error("shutdown with listener error", "error", err)
		os.Exit(1)
	}
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
