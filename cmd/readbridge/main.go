// Command readbridge is the composition root: it loads configuration, wires
// the nine components (C1-C9) together, and runs either a single sync pass
// or a long-running daemon with all three trigger sources live. Flag
// parsing and the daemon/one-shot split follow the teacher's main.go/cli.go
// pattern (--once for a single pass, ticker-driven background goroutines,
// signal-based graceful shutdown) generalized from one API pair to five
// pluggable client adapters.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/briarwood/readbridge/internal/client"
	"github.com/briarwood/readbridge/internal/config"
	"github.com/briarwood/readbridge/internal/engine"
	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/server"
	"github.com/briarwood/readbridge/internal/store"
	"github.com/briarwood/readbridge/internal/suppress"
	"github.com/briarwood/readbridge/internal/trigger"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "readbridge",
		Usage:   "synchronize reading progress across audiobook and ebook services",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
			&cli.BoolFlag{Name: "dry-run", Usage: "fetch and log but never write to any client"},
			&cli.BoolFlag{Name: "force", Usage: "bypass the anti-regression refusal for this run"},
			&cli.BoolFlag{Name: "once", Usage: "run a single sync pass and exit instead of starting the daemon"},
			&cli.StringFlag{Name: "book", Usage: "with --once, limit the pass to a single book_id"},
			&cli.IntFlag{Name: "workers", Value: runtime.NumCPU(), Usage: "number of concurrent sync-cycle workers in daemon mode"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if c.Bool("dry-run") {
		cfg.App.DryRun = true
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()
	log.Info("starting readbridge", map[string]interface{}{
		"version": version,
		"dry_run": cfg.App.DryRun,
	})

	st, err := store.Open(store.Driver(cfg.Store.Driver), cfg.Store.DSN, log)
	if err != nil {
		return fmt.Errorf("opening progress store: %w", err)
	}
	defer st.Close()

	clients := buildClients(cfg, st, log)
	transcriber := buildTranscribeManager(cfg, st, clients, log)
	thresholds := engine.Thresholds{
		DeltaABSSeconds:            cfg.App.DeltaABSSeconds,
		DeltaKosyncPercent:         cfg.App.DeltaKosyncPercent,
		DeltaKosyncWords:           cfg.App.DeltaKosyncWords,
		DeltaBetweenClientsPercent: cfg.App.DeltaBetweenClientsPercent,
		AntiRegressionTolerance:    cfg.App.AntiRegressionTolerance,
		MaxConsecutiveFullFailures: cfg.App.MaxConsecutiveFullFailures,
	}
	tracker := suppress.New(log)
	eng := engine.New(st, clients, tracker, transcriber, thresholds, log)

	if c.Bool("once") {
		return runOnce(context.Background(), eng, st, c.String("book"), c.Bool("force"), log)
	}
	return runDaemon(eng, st, cfg, clients, log, c.Int("workers"))
}

// runOnce drives a single sync pass: either one named book, or every active
// mapping, then returns.
func runOnce(ctx context.Context, eng *engine.Engine, st *store.Store, bookID string, force bool, log *logger.Logger) error {
	if bookID != "" {
		return eng.RunCycle(ctx, bookID, force)
	}

	books, err := st.ListActiveMappings()
	if err != nil {
		return fmt.Errorf("listing active mappings: %w", err)
	}
	var firstErr error
	for _, b := range books {
		if err := eng.RunCycle(ctx, b.ID, force); err != nil {
			log.Error("one-time sync failed for book", map[string]interface{}{
				"book_id": b.ID,
				"error":   err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// runDaemon starts the health/manual-trigger server, all three trigger
// sources (C7), and the engine's worker pool, then blocks until a shutdown
// signal arrives.
func runDaemon(eng *engine.Engine, st *store.Store, cfg *config.Config, clients map[client.Name]client.Client, log *logger.Logger, workers int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue := trigger.NewQueue(256, log)
	srv := server.New(":"+cfg.Server.HealthPort, queue, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting health server", map[string]interface{}{"addr": ":" + cfg.Server.HealthPort})
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	if cfg.Clients.ABS.URL != "" && cfg.Clients.ABS.Token != "" {
		listener := trigger.NewEventListener(cfg.Clients.ABS.URL, cfg.Clients.ABS.Token, cfg.Trigger.DebounceSeconds, queue, log)
		go func() {
			if err := listener.Run(ctx); err != nil {
				log.Warn("event listener stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	for _, poller := range buildPollers(cfg, st, clients, queue, log) {
		go poller.Run(ctx)
	}

	globalTick := trigger.NewGlobalTick(cfg.Trigger.SyncPeriodMinutes, func(ctx context.Context) ([]string, error) {
		books, err := st.ListActiveMappings()
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(books))
		for i, b := range books {
			ids[i] = b.ID
		}
		return ids, nil
	}, queue, log)
	go globalTick.Run(ctx)

	go eng.RunWorkerPool(ctx, queue, workers)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received", nil)
	case err := <-errCh:
		log.Error("fatal error, shutting down", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("error during server shutdown", map[string]interface{}{"error": err.Error()})
	}
	return nil
}
