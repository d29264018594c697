// Command batchproxy runs the transparent batching proxy described by
// spec.md: it wires the State Store Adapter, Idempotency Gate, upstream
// Batch API client, Dispatcher, Poller, and Request Handler together and
// serves POST /v1/chat/completions on a TCP-keepalive-tuned listener.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/durable-streams/batchproxy/internal/config"
	"github.com/durable-streams/batchproxy/internal/dispatcher"
	"github.com/durable-streams/batchproxy/internal/gate"
	"github.com/durable-streams/batchproxy/internal/handler"
	"github.com/durable-streams/batchproxy/internal/poller"
	"github.com/durable-streams/batchproxy/internal/storekv"
	"github.com/durable-streams/batchproxy/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer store.Close()

	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)
	g := gate.New(store, logger)
	h := handler.New(g, store, logger, cfg.HandlerTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disp := dispatcher.New(store, upstreamClient, logger, cfg.BatchWindow, cfg.MaxBatchSize)
	pol := poller.New(store, upstreamClient, logger, cfg.BatchPollInterval)
	go disp.Run(ctx)
	go pol.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle(handler.Route, h)

	listener, err := tcpKeepaliveListener(ctx, cfg.BindAddr, cfg.TCPKeepAlive)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}

	server := &http.Server{Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	logger.Info("batchproxy listening", zap.String("addr", cfg.BindAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

func buildStore(cfg *config.Config, logger *zap.Logger) (storekv.Store, error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, using in-process store (not durable across restarts, single-instance only)")
		return storekv.NewMemoryStore(), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return storekv.NewRedisStore(client, logger), nil
}

// tcpKeepaliveListener opens the listening socket with the operator-chosen
// keepalive interval, per spec.md §4.3 step 6 and §6: the Request Handler
// relies on the socket itself to keep idle, hours-long connections alive,
// not application-level heartbeats.
func tcpKeepaliveListener(ctx context.Context, addr string, keepAlive time.Duration) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: keepAlive}
	return lc.Listen(ctx, "tcp", addr)
}
