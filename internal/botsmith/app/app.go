// Package app assembles the botsmith control plane: state store, container
// backend, lifecycle orchestrator, webhook router, reconciler, and the HTTP
// server, wired from environment configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tmarkov/botsmith/internal/botsmith/backend"
	"github.com/tmarkov/botsmith/internal/botsmith/backend/docker"
	"github.com/tmarkov/botsmith/internal/botsmith/gateway"
	"github.com/tmarkov/botsmith/internal/botsmith/orchestrator"
	"github.com/tmarkov/botsmith/internal/botsmith/router"
	"github.com/tmarkov/botsmith/internal/botsmith/server"
	"github.com/tmarkov/botsmith/internal/botsmith/source"
	"github.com/tmarkov/botsmith/internal/botsmith/store"
)

// App is the assembled control plane.
type App struct {
	cfg        Config
	store      *store.Store
	backend    backend.Backend
	orch       *orchestrator.Orchestrator
	server     *server.Server
	reconciler *backend.Reconciler
}

// New builds the application from cfg. The Docker backend is constructed
// unless cfg.Backend is set (tests inject an in-memory one).
func New(cfg Config) (*App, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	be := cfg.Backend
	if be == nil {
		adapter, err := docker.NewWithNetwork(cfg.WorkDir, cfg.DockerNetwork)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("docker backend: %w", err)
		}
		be = adapter
	}

	sources := source.NewDir(cfg.SourceRoot, cfg.DefaultImage)
	orch := orchestrator.New(st, be, sources, orchestrator.Config{})

	var sender gateway.Sender
	if !cfg.DisableFallbackReplies {
		sender = gateway.NewTelegram(cfg.TelegramBaseURL)
	}
	updates := router.New(st, router.Config{
		RateLimit: cfg.WebhookRateLimit,
		Sender:    sender,
	})

	srv := server.New(server.Config{
		Addr:           cfg.HTTPAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, st, orch, updates)

	rec := backend.NewReconciler(be, st, backend.ReconcilerConfig{
		Interval: cfg.ReconcileInterval,
	})

	return &App{
		cfg:        cfg,
		store:      st,
		backend:    be,
		orch:       orch,
		server:     srv,
		reconciler: rec,
	}, nil
}

// Run starts every component and blocks until SIGINT/SIGTERM or a component
// failure, then shuts down gracefully.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if adapter, ok := a.backend.(*docker.Adapter); ok {
		if err := adapter.EnsureNetwork(ctx); err != nil {
			return fmt.Errorf("ensure docker network: %w", err)
		}
	}

	if err := a.server.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.reconciler.Run(gctx)
		return nil
	})

	slog.Info("botsmith is running; press Ctrl+C to stop", "addr", a.cfg.HTTPAddr)
	<-gctx.Done()
	stop()

	a.server.Stop()
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("botsmith stopped")
	return nil
}

// Stop releases resources. Safe to call after Run returns.
func (a *App) Stop() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("closing store", "err", err)
		}
	}
}
