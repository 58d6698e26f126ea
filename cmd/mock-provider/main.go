// Package main implements a mock provider for development and e2e testing.
// It connects to NATS and serves echo/v1 plus an llm/v1 stub: echo returns
// the task params unchanged, the llm methods wrap the prompt in a canned
// response. Scripted latency and failure modes (latency_ms, fail_times,
// fail_code params) exercise the engine's retry and timeout paths without a
// real provider.
//
// Usage:
//
//	mock-provider -nats nats://localhost:4222 -id mock-1 -concurrency 4
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gleitzeit/gleitzeit/provider"
	"github.com/gleitzeit/gleitzeit/transport/natsbus"
)

func main() {
	var (
		natsURL     = flag.String("nats", "nats://localhost:4222", "NATS server URL")
		providerID  = flag.String("id", "", "provider id (default: generated)")
		concurrency = flag.Int("concurrency", 4, "max concurrent tasks")
		heartbeat   = flag.Duration("heartbeat", 10*time.Second, "heartbeat interval")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := newLogger(*logLevel)

	bus, err := natsbus.DialProviderBus(natsbus.Options{
		URL:    *natsURL,
		Name:   "mock-provider",
		Logger: logger,
	})
	if err != nil {
		logger.Error("connect to NATS", "url", *natsURL, "error", err)
		os.Exit(1)
	}

	runner := provider.NewRunner(bus, provider.NewEchoHandler(), provider.Config{
		ProviderID:        *providerID,
		MaxConcurrent:     *concurrency,
		HeartbeatInterval: *heartbeat,
		Metadata:          map[string]string{"kind": "mock"},
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		logger.Error("start provider", "error", err)
		os.Exit(1)
	}
	logger.Info("mock provider serving", "provider_id", runner.ProviderID(), "nats", *natsURL)

	<-ctx.Done()
	logger.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Close(closeCtx); err != nil {
		logger.Warn("close provider", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
