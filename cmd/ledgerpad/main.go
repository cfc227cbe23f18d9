// Package main запускает демон синхронизации ledgerpad с локальным API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ledgerpad/internal/admincache"
	"github.com/mmeshcher/ledgerpad/internal/auth"
	"github.com/mmeshcher/ledgerpad/internal/backend"
	"github.com/mmeshcher/ledgerpad/internal/config"
	"github.com/mmeshcher/ledgerpad/internal/connectivity"
	"github.com/mmeshcher/ledgerpad/internal/handler"
	"github.com/mmeshcher/ledgerpad/internal/localstore"
	"github.com/mmeshcher/ledgerpad/internal/middleware"
	"github.com/mmeshcher/ledgerpad/internal/model"
	"github.com/mmeshcher/ledgerpad/internal/queue"
	syncengine "github.com/mmeshcher/ledgerpad/internal/sync"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	store := localstore.Open(cfg.StorePath)

	gw := backend.NewClient(cfg.BackendAddress, cfg.BackendAPIKey, store, logger)
	monitor := connectivity.New(cfg.BackendAddress, cfg.ProbeInterval, cfg.ProbeTimeout, logger)
	q := queue.New(store)
	cache := admincache.New(store)

	machine := auth.New(gw, cache, store, logger, auth.Config{
		SafetyTimeout:   cfg.AuthSafetyTimeout,
		AdminTimeout:    cfg.AdminCheckTimeout,
		AdminRetryDelay: cfg.AdminRetryDelay,
	})

	engine := syncengine.New(gw, q, monitor, store, logger, syncengine.Config{
		FetchTimeout:   cfg.FetchTimeout,
		RealtimeWindow: cfg.RealtimeWindow,
		PollInterval:   cfg.PollInterval,
		DropExhausted:  cfg.QueueDropExhausted,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Сессия запускает и останавливает движок синхронизации. Поздно
	// разрешившийся признак администратора перезапускает движок: область
	// видимости выборки зависит от роли.
	var engineMu sync.Mutex
	activeUser := ""
	activeAdmin := false
	unsubState := machine.Subscribe(func(st model.AuthState) {
		engineMu.Lock()
		defer engineMu.Unlock()

		switch {
		case st.Authenticated && st.User != nil:
			if st.User.ID == activeUser && st.User.Admin() == activeAdmin {
				return
			}
			if activeUser != "" {
				engine.Stop()
			}
			activeUser = st.User.ID
			activeAdmin = st.User.Admin()
			engine.Start(ctx, *st.User)
		case !st.Authenticated && !st.Loading && activeUser != "":
			activeUser = ""
			activeAdmin = false
			engine.Stop()
		}
	})
	defer unsubState()

	machine.Start()
	defer machine.Stop()

	gate := middleware.NewAuthGate(machine)
	h := handler.NewHandler(engine, machine, monitor, q, logger, gate)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting ledgerpad daemon", "addr", cfg.RunAddress, "backend", cfg.BackendAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down daemon...")

		engineMu.Lock()
		if activeUser != "" {
			activeUser = ""
			engine.Stop()
		}
		engineMu.Unlock()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("daemon stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
