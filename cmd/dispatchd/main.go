// Command dispatchd runs the text-to-image dispatch daemon: it loads the
// backend manifest, bootstraps the worker pool, and serves the federation
// API until signalled.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lucidrender/dispatch/internal/api"
	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/config"
	"github.com/lucidrender/dispatch/internal/dispatch"
	"github.com/lucidrender/dispatch/internal/federation"
	"github.com/lucidrender/dispatch/internal/imagesave"
	"github.com/lucidrender/dispatch/internal/log"
	"github.com/lucidrender/dispatch/internal/persistence/sqlite"
	"github.com/lucidrender/dispatch/internal/pipeline"
	"github.com/lucidrender/dispatch/internal/session"
	"github.com/lucidrender/dispatch/internal/workers/httpapi"
	"github.com/lucidrender/dispatch/internal/workers/local"
)

func main() {
	log.Configure(log.Config{Service: "dispatchd"})
	if err := run(); err != nil {
		logger := log.Base()
		logger.Fatal().Err(err).Msg("dispatchd exited")
	}
}

func run() error {
	logger := log.WithComponent("main")
	cfg := config.FromEnv()

	manifest, err := config.LoadManifest(cfg.ManifestPath)
	if err != nil {
		return err
	}

	history, err := sqlite.Open(cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer history.Close()

	saver := &imagesave.Saver{Root: cfg.OutputDir}
	serverID := uuid.NewString()
	logger.Info().Str("server_id", serverID).Msg("starting")

	backend.RegisterDriver("local", local.Factory())
	backend.RegisterDriver("http", httpapi.Factory())

	disp := dispatch.New(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, entry := range manifest.Backends {
		rec := backend.NewRecord(entry.ID, entry.Type, entry.Settings, true)
		drv, err := backend.NewDriver(rec)
		if err != nil {
			return err
		}
		if err := disp.Add(rec, drv); err != nil {
			return err
		}
	}
	for _, peer := range manifest.Peers {
		rec := backend.NewRecord(peer.ID, "federation", nil, true)
		drv := federation.New(rec, federation.Options{
			Address:       peer.Address,
			AllowIdle:     peer.AllowIdle,
			OverQueue:     peer.OverQueue,
			LocalServerID: serverID,
			Pool:          disp,
		})
		if err := disp.Add(rec, drv); err != nil {
			return err
		}
	}

	runner := &pipeline.Runner{
		Dispatcher:     disp,
		AcquireTimeout: cfg.PerRequestTimeout,
	}
	registry := api.NewSessionRegistry()
	srv := &api.Server{
		ServerID:   serverID,
		Dispatcher: disp,
		Runner:     runner,
		Registry:   registry,
		NewPersistentSession: func() pipeline.Session {
			return session.NewStore(saver, history)
		},
	}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.RunInitLoop(gctx) })
	g.Go(func() error { return disp.RunWatchdog(gctx) })
	g.Go(func() error {
		logger.Info().Str("listen", cfg.Listen).Msg("federation api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		registry.CloseAll()
		disp.Shutdown(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("shutdown complete")
	return err
}
