// Command orchestratord runs the sample analysis orchestrator: the
// submission façade, the durable store, and the scheduler loop that admits
// queued analyses into a bounded pool of sandbox executor subprocesses.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kunai-project/orchestrator/internal/api"
	"github.com/kunai-project/orchestrator/internal/artifactstore"
	"github.com/kunai-project/orchestrator/internal/config"
	"github.com/kunai-project/orchestrator/internal/dbopen"
	"github.com/kunai-project/orchestrator/internal/orchestrator"
	"github.com/kunai-project/orchestrator/internal/samplestore"
	"github.com/kunai-project/orchestrator/internal/sandbox"
	"github.com/kunai-project/orchestrator/internal/store"
)

func main() {
	cfgPath := env("ORCHESTRATOR_CONFIG", "orchestrator.yaml")
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	lvl, err := cfg.SlogLevel()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.Database, dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		logger.Error("store migrate", "error", err)
		os.Exit(1)
	}

	samples, err := samplestore.Open(cfg.DataDir)
	if err != nil {
		logger.Error("open sample store", "error", err)
		os.Exit(1)
	}
	artifacts, err := artifactstore.Open(cfg.DataDir)
	if err != nil {
		logger.Error("open artifact store", "error", err)
		os.Exit(1)
	}
	catalog, err := sandbox.Load(cfg.DefaultSandboxName, cfg.SandboxesConfig)
	if err != nil {
		logger.Error("load sandbox catalog", "error", err)
		os.Exit(1)
	}

	o := orchestrator.New(cfg, st, samples, artifacts, catalog, orchestrator.WithLogger(logger))

	// No recovery pass needed: rows left "queued" by a prior process are
	// naturally re-admitted once the scheduler loop starts ticking, since
	// the running set begins empty (§4.9).
	go o.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(o, logger),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
