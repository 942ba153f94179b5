// Package main is the relay watchdog: an external supervisor that
// restarts the host when its heartbeat goes stale. Configuration comes
// from environment variables so service managers can wire it without a
// config file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/watchdog"
)

func main() {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: "text",
	})

	opts, err := watchdog.OptionsFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(logger)
	if err := watchdog.New(opts, logger).Run(ctx); err != nil {
		logger.Error("watchdog failed", "error", err)
		os.Exit(1)
	}
}
