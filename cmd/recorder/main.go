// Recorder server - captures audio, cuts speech chunks and ships them to object storage
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/app"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/config"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger(os.Stdout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, app.Options{Capture: true})
	if err != nil {
		slog.Error("failed to assemble recorder", "error", err)
		os.Exit(1)
	}
	a.Manager.Start(ctx)

	srv := server.New(a.Manager, a.Metrics, a.HealthChecks())

	// Stop can wait on uploads, so only headers are bounded.
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("recorder starting",
			"http", cfg.HTTPAddr,
			"source", cfg.Audio.Source,
			"vad", cfg.VAD.Backend,
			"codec", cfg.Encoder.Codec,
			"storage", cfg.Storage.Backend)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	srv.Close()

	// A session still recording is stopped so its audio is uploaded.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), orchestrator.DefaultStopTimeout+time.Minute)
	defer stopCancel()
	if err := a.Manager.Shutdown(stopCtx); err != nil {
		slog.Error("recorder shutdown error", "error", err)
	}
	cancel()

	if err := a.Close(); err != nil {
		slog.Error("close error", "error", err)
	}
	slog.Info("shutdown complete")
}
