package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"social-autopilot/internal/api"
	"social-autopilot/internal/app"
	"social-autopilot/internal/config"
	"social-autopilot/internal/logging"
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

	deps := api.Deps{
		Store:           a.Store,
		Posts:           a.Posts,
		Publisher:       a.Publisher,
		Automation:      a.Automation,
		Ingest:          a.Ingest,
		Health:          a.Health,
		Breakers:        a.Breakers,
		VarietyLookback: cfg.VarietyLookback,
		Logger:          logger,
	}
	if a.Requests != nil {
		deps.Limiter = a.Requests
	}
	server := api.New(deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Infow("api listening", "port", cfg.HTTPPort, "store", cfg.Store)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
