// Sweep - one-shot retry of spooled artifacts left behind by earlier runs
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/app"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger(os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		slog.Error("failed to assemble recorder", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("close error", "error", err)
		}
	}()

	res, err := a.Manager.SweepOnce(ctx)
	if err != nil {
		slog.Error("sweep failed", "spool", cfg.Encoder.SpoolDir, "error", err)
		os.Exit(1)
	}
	slog.Info("sweep complete",
		"sessions", res.Sessions,
		"reencoded", res.Reencoded,
		"uploaded", res.Uploaded,
		"confirmed", res.Confirmed,
		"failed", res.Failed,
		"pruned", res.Pruned)
	if res.Failed > 0 {
		os.Exit(2)
	}
}
