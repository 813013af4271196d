// Command piniond is the Pinion coordination daemon. It serves the task
// backlog, lock, session, and help-request APIs over HTTP backed by a
// SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/GoCodeAlone/pinion/claim"
	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/config"
	"github.com/GoCodeAlone/pinion/help"
	"github.com/GoCodeAlone/pinion/internal/version"
	"github.com/GoCodeAlone/pinion/lock"
	"github.com/GoCodeAlone/pinion/server"
	"github.com/GoCodeAlone/pinion/server/api"
	"github.com/GoCodeAlone/pinion/session"
	"github.com/GoCodeAlone/pinion/store"
	"github.com/GoCodeAlone/pinion/task"
)

var configPath = flag.String("config", "pinion.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting piniond", "version", version.String())

	st, err := store.Open(filepath.Join(cfg.DataDir, "pinion.db"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	bus := comms.NewInMemoryBus()
	tasks := task.NewRegistry(st, cfg.Tasks.IDPrefix)
	locks := lock.NewManager(st, cfg.Locks)
	sessions := session.NewManager(st, cfg.Agents)
	engine := claim.NewEngine(st, tasks, locks, sessions, bus, logger, claim.Options{
		ReleaseLocksOnCheckout: cfg.Tasks.ReleaseLocksOnCheckout,
	})
	helpdesk := help.NewCoordinator(st, tasks, locks, sessions, bus, logger)

	reaper := claim.NewReaper(engine, cfg.Sessions.ReapAfter, cfg.Sessions.SweepInterval, logger)
	if err := reaper.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start reaper: %v", err)
	}
	defer reaper.Stop()

	srv := server.New(*cfg, &api.Handlers{
		Tasks:    tasks,
		Claims:   engine,
		Sessions: sessions,
		Help:     helpdesk,
		Locks:    locks,
		Bus:      bus,
		Logger:   logger,
		Version:  version.Version,
	}, version.Version, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", "error", err)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
