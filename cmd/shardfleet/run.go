package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"shardfleet/internal/admin"
	"shardfleet/internal/config"
	"shardfleet/internal/fleet"
	"shardfleet/internal/logging"
	"shardfleet/internal/metrics"
	"shardfleet/internal/process"
	"shardfleet/internal/watcher"
)

const (
	fleetEventHistory = 256
	shutdownTimeout   = 30 * time.Second
)

// runFleet spawns the fleet and blocks until ctx ends or a shutdown signal
// arrives, then stops every component in reverse start order.
func runFleet(ctx context.Context, cfg config.Config, deps commandDeps) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := newLogger(cfg, deps)
	signals, stopSignals := deps.Signals()
	stopWatching := watchShutdownSignals(logger, cancel, signals)
	defer stopWatching()
	defer stopSignals()

	tracing := newTracerProvider(logger)
	registry := process.NewRegistry()
	workerOut, workerErr := io.Writer(os.Stdout), io.Writer(os.Stderr)
	if deps.WorkerOutput != nil {
		workerOut, workerErr = deps.WorkerOutput, deps.WorkerOutput
	}
	manager := fleet.New(fleet.Options{
		TotalShards:    cfg.TotalShards,
		TotalClusters:  cfg.TotalClusters,
		ClusterList:    cfg.ClusterList,
		ShardList:      cfg.ShardList,
		GuildsPerShard: cfg.GuildsPerShard,
		GuildCount:     cfg.GuildCount,
		Token:          cfg.Token,
		Gateway:        deps.NewGateway(cfg),
		Spec: process.Spec{
			Name:   filepath.Base(cfg.WorkerPath),
			Path:   cfg.WorkerPath,
			Args:   cfg.WorkerArgs,
			Env:    cfg.WorkerEnv,
			Dir:    cfg.WorkerDir,
			Stdout: workerOut,
			Stderr: workerErr,
		},
		Launcher:        deps.NewLauncher(registry, logger),
		Registry:        registry,
		Respawn:         cfg.Respawn,
		RequestTimeout:  cfg.RequestTimeout,
		RespawnDelay:    cfg.RespawnDelay,
		SpawnTimeout:    cfg.SpawnTimeout,
		RespawnInterval: cfg.RespawnInterval,
		RespawnBurst:    cfg.RespawnBurst,
		EventHistory:    fleetEventHistory,
		Logger:          logger,
		Metrics:         metrics.Default,
		Tracer:          tracing.Tracer("shardfleet/fleet"),
	})

	// Phases run in the order they are added.
	shutdown := newShutdownCoordinator(logger)

	if cfg.Watch {
		stop, err := startReloader(ctx, cfg, manager, logger)
		if err != nil {
			_ = manager.Close(context.Background())
			return err
		}
		shutdown.Add("watcher", stop)
	}

	if cfg.AdminAddr != "" {
		listener, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			_ = shutdown.Run(context.Background())
			_ = manager.Close(context.Background())
			return err
		}
		logger.Info("admin listening", map[string]string{"addr": listener.Addr().String()})
		handler := admin.NewHandler(admin.Options{
			Fleet:   manager,
			Metrics: metrics.Default,
			Logger:  logger,
			Token:   cfg.AdminToken,
		})
		adminCtx, stopAdmin := context.WithCancel(context.Background())
		served := make(chan error, 1)
		go func() {
			served <- admin.Serve(adminCtx, listener, handler)
		}()
		shutdown.Add("admin", func(context.Context) error {
			stopAdmin()
			return <-served
		})
	}

	shutdown.Add("fleet", manager.Close)
	shutdown.Add("tracing", tracing.Shutdown)

	handles, spawnErr := manager.Spawn(ctx, fleet.SpawnOptions{
		Delay:   cfg.SpawnDelay,
		Timeout: cfg.SpawnTimeout,
	})
	if spawnErr != nil && ctx.Err() != nil {
		spawnErr = nil
	}
	if spawnErr == nil {
		logger.Info("fleet running", map[string]string{"clusters": strconv.Itoa(len(handles))})
		<-ctx.Done()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	return errors.Join(spawnErr, shutdown.Run(shutdownCtx))
}

func startReloader(ctx context.Context, cfg config.Config, manager *fleet.Manager, logger *logging.Logger) (func(context.Context) error, error) {
	path, err := filepath.Abs(cfg.WorkerPath)
	if err != nil {
		return nil, err
	}
	source, err := watcher.NewWithOptions(watcher.Options{Logger: logger, Debounce: cfg.WatchDebounce})
	if err != nil {
		return nil, err
	}
	reloader, err := watcher.NewReloader(watcher.ReloaderOptions{
		Path: path,
		Reload: func(ctx context.Context) error {
			return manager.RespawnAll(ctx, fleet.RespawnAllOptions{
				ClusterDelay: cfg.SpawnDelay,
				RespawnDelay: cfg.RespawnDelay,
				Timeout:      cfg.SpawnTimeout,
			})
		},
		Logger: logger,
	})
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reloader.Run(watchCtx, source); err != nil {
			logger.Warn("worker watch stopped", map[string]string{"error": err.Error()})
		}
	}()
	return func(context.Context) error {
		stopWatch()
		wg.Wait()
		return source.Close()
	}, nil
}
