// Package main запускает relay-форвардер запросов к бэкенду.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ledgerpad/internal/config"
	"github.com/mmeshcher/ledgerpad/internal/relay"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.ParseRelay()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	rl, err := relay.New(cfg.UpstreamAddress, cfg.UpstreamTimeout, logger)
	if err != nil {
		sugar.Fatalw("relay initialization error", "error", err.Error())
	}

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: rl.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting ledgerpad relay", "addr", cfg.RunAddress, "upstream", cfg.UpstreamAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down relay...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("relay stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
