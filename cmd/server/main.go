package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmorgan81/gridbot/internal/config"
	"github.com/dmorgan81/gridbot/internal/inject"
	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/dmorgan81/gridbot/internal/server"
	"github.com/samber/do"
)

func main() {
	logger := log.New(os.Stderr, log.ParseLevel(os.Getenv("LOG_LEVEL")))
	ctx, stop := signal.NotifyContext(log.NewContext(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(ctx)
	injector := inject.Setup(ctx, cfg)
	defer func() { _ = injector.Shutdown() }()

	seq := do.MustInvoke[*sequencer.Sequencer](injector)
	if err := seq.LoadModels(ctx); err != nil {
		logger.Warn("starting without models", "error", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           do.MustInvoke[*server.Server](injector).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
}
