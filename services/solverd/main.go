package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"htlcsolver/observability/logging"
	telemetry "htlcsolver/observability/otel"
	"htlcsolver/services/solverd/config"
	"htlcsolver/services/solverd/coordinator"
	"htlcsolver/services/solverd/nonce"
	"htlcsolver/services/solverd/routes"
	"htlcsolver/services/solverd/scanner"
	"htlcsolver/services/solverd/server"
	"htlcsolver/services/solverd/storage"
	"htlcsolver/services/solverd/txexec"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/solverd/config.example.yaml", "path to solverd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("solverd: load config: %v", err)
	}
	logger := logging.Setup("solverd", cfg.Environment,
		logging.WithLevel(cfg.Log.Level),
		logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays),
	)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("solverd", cfg.Environment))
	if err != nil {
		log.Fatalf("solverd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("solverd: open storage: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		log.Fatalf("solverd: migrate storage: %v", err)
	}

	registry, err := buildRegistry(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("solverd: chain adapters: %v", err)
	}
	if err := store.SeedCatalog(rootCtx, catalogFromConfig(cfg)); err != nil {
		log.Fatalf("solverd: seed catalog: %v", err)
	}

	nonces := nonce.New(store, store, registry,
		nonce.WithTTL(cfg.Nonce.TTL.Duration),
		nonce.WithLease(cfg.Nonce.LockLease.Duration, cfg.Nonce.LockWait.Duration, cfg.Nonce.LockRetry.Duration),
		nonce.WithLogger(logger),
	)
	executor := txexec.New(registry, nonces,
		txexec.WithRecorder(store),
		txexec.WithFeeTracker(routes.NewFeeTracker(store)),
		txexec.WithMaxAttempts(cfg.TxExec.MaxAttempts),
		txexec.WithBackoff(cfg.TxExec.InitialBackoff.Duration, cfg.TxExec.MaxBackoff.Duration),
		txexec.WithConfirmation(cfg.TxExec.ConfirmPollInterval.Duration, cfg.TxExec.ConfirmTimeout.Duration),
		txexec.WithLogger(logger),
	)
	engine := coordinator.New(store, registry, executor, routes.New(store),
		coordinator.WithStepPolicy(cfg.Coordinator.StepTimeout.Duration, cfg.Coordinator.StepRetryMaxElapsed.Duration),
		coordinator.WithTxTimeout(cfg.Coordinator.TxTimeout.Duration),
		coordinator.WithPollInterval(cfg.Coordinator.PollInterval.Duration),
		coordinator.WithLogger(logger),
	)
	defer engine.Shutdown()
	if _, err := engine.Resume(rootCtx); err != nil {
		log.Fatalf("solverd: resume workflows: %v", err)
	}

	scanCfg := scanner.Config{
		BatchSize:     cfg.Scanner.BatchSize,
		Overlap:       cfg.Scanner.Overlap,
		Concurrency:   cfg.Scanner.Concurrency,
		WaitInterval:  cfg.Scanner.WaitInterval.Duration,
		MaxIterations: cfg.Scanner.MaxIterations,
		DedupCapacity: cfg.Scanner.DedupCapacity,
		RestartDelay:  cfg.Scanner.RestartDelay.Duration,
	}
	scanners := scanner.NewManager(func(network string) (*scanner.Scanner, error) {
		adapter, err := registry.Get(network)
		if err != nil {
			return nil, err
		}
		return scanner.New(adapter, store, engine, scanCfg, scanner.WithLogger(logger))
	}, logger)
	defer scanners.Stop()
	go syncScanners(rootCtx, store, scanners, cfg.Scanner.SyncInterval.Duration, logger)

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, store, scanners, logger)
	if err != nil {
		log.Fatalf("solverd: server: %v", err)
	}
	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		stop()
	}
	logger.Info("solverd shutting down")
}

// syncScanners keeps one scanner per active network flagged for scanning.
func syncScanners(ctx context.Context, store *storage.Store, scanners *scanner.Manager, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		networks, err := store.ActiveNetworks(ctx, true)
		if err == nil {
			names := make([]string, 0, len(networks))
			for _, n := range networks {
				names = append(names, n.Name)
			}
			err = scanners.Sync(ctx, names)
		}
		if err != nil && ctx.Err() == nil {
			logger.Error("sync scanners", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
