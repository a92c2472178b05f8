package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"social-autopilot/internal/app"
	"social-autopilot/internal/config"
	"social-autopilot/internal/errors"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatalw("init", "error", err)
	}
	defer a.Close()

	// Pending rows written while Redis was away are missing from the index.
	if n, err := a.Publisher.Resync(ctx); err != nil {
		logger.Warnw("due index resync failed", "error", err)
	} else if n > 0 {
		logger.Infow("due index resynced", "posts", n)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warnw("metrics server stopped", "error", err)
		}
	}()

	logger.Infow("worker started", "poll_interval", cfg.WorkerPollInterval, "claim_ttl", cfg.ClaimTTL, "posting_window_minutes", cfg.PostingWindowMinutes)
	if err := a.Processor().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorw("worker stopped", "error", err)
	}
}
