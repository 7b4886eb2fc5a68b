// Package control wires storage, workers and the health server into one
// runnable engine.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	goretry "github.com/sethvargo/go-retry"

	"github.com/inam6565/application-as-service/internal/core/config"
	"github.com/inam6565/application-as-service/internal/engine/classify"
	"github.com/inam6565/application-as-service/internal/engine/deploy"
	"github.com/inam6565/application-as-service/internal/engine/executor"
	"github.com/inam6565/application-as-service/internal/engine/health"
	"github.com/inam6565/application-as-service/internal/engine/reconcile"
	"github.com/inam6565/application-as-service/internal/engine/retry"
	redisclient "github.com/inam6565/application-as-service/internal/infra/redis"
	"github.com/inam6565/application-as-service/internal/infra/storage"
	"github.com/inam6565/application-as-service/internal/infra/storage/memory"
	"github.com/inam6565/application-as-service/internal/infra/storage/postgres"
)

// Engine is the main application struct that manages the worker lifecycle.
type Engine struct {
	cfg          *config.AppConfig
	executor     *executor.Executor
	coordinator  *retry.Coordinator
	monitor      *health.Monitor
	reconciler   *reconcile.Reconciler
	healthServer *health.Server
	db           *postgres.DB
	redisClient  *redisclient.Client
	executions   storage.ExecutionRepository
	nodes        storage.NodeRepository
	log          *slog.Logger
	wg           sync.WaitGroup
}

// NewEngine creates a new Engine instance with all dependencies initialized.
func NewEngine(cfg *config.AppConfig) (*Engine, error) {
	log := slog.Default().With("component", "control")

	// 1. Initialize Storage
	var executions storage.ExecutionRepository
	var nodes storage.NodeRepository
	var db *postgres.DB

	if cfg.Database.URL != "" {
		var err error
		db, err = connectWithBackoff(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Run migrations
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		executions = postgres.NewExecutionRepo(db)
		nodes = postgres.NewNodeRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		executions = memory.NewExecutionRepo(store)
		nodes = memory.NewNodeRepo(store)
		log.Info("Using Memory storage")
	}

	// 2. Optional heartbeat fast path
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		log.Info("Heartbeat fast path enabled")
	}

	// 3. Policy components
	classifier := classify.New(cfg.Retry.PermanentPatterns, cfg.Retry.TransientPatterns)
	schedule := cfg.BackoffSchedule()
	deployer := deploy.NewAgentDeployer(cfg.Executor.DeployTimeout)

	// 4. Workers
	exec := executor.NewExecutor(cfg.Executor, executions, nodes, deployer)
	coordinator := retry.NewCoordinator(cfg.Retry.Coordinator, executions, classifier, schedule)
	monitor := health.NewMonitor(cfg.Health, nodes, executions, redisClient, health.NewGRPCProber())
	reconciler := reconcile.NewReconciler(cfg.Reconciler, executions, nodes, deployer)

	return &Engine{
		cfg:          cfg,
		executor:     exec,
		coordinator:  coordinator,
		monitor:      monitor,
		reconciler:   reconciler,
		healthServer: health.NewServer(monitor, cfg.Server.Port),
		db:           db,
		redisClient:  redisClient,
		executions:   executions,
		nodes:        nodes,
		log:          log,
	}, nil
}

// connectWithBackoff keeps trying to reach the store instead of exiting:
// a restarting database is no reason to crash the worker fleet.
func connectWithBackoff(ctx context.Context, cfg postgres.Config) (*postgres.DB, error) {
	var db *postgres.DB

	backoff := goretry.WithMaxRetries(5, goretry.NewExponential(time.Second))
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		db, err = postgres.NewDB(ctx, cfg)
		if err != nil {
			slog.Warn("Database not reachable, retrying", "error", err)
			return goretry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Executions exposes the execution repository (used by the CLI).
func (e *Engine) Executions() storage.ExecutionRepository { return e.executions }

// Nodes exposes the node repository (used by the CLI).
func (e *Engine) Nodes() storage.NodeRepository { return e.nodes }

// Start launches all workers. It returns once they are running; use Stop
// for shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.log.Info("Starting engine", "port", e.cfg.Server.Port)

	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}

	workers := []func(context.Context){
		e.executor.Run,
		e.coordinator.Run,
		e.monitor.Run,
		e.reconciler.Run,
	}
	for _, run := range workers {
		run := run
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			run(ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.healthServer.Start(); err != nil && err != http.ErrServerClosed {
			e.log.Error("Health server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts the engine down and waits for workers to drain.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping engine")

	if err := e.healthServer.Stop(ctx); err != nil {
		e.log.Warn("Health server shutdown failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.log.Warn("Redis close failed", "error", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.log.Warn("Database close failed", "error", err)
		}
	}

	e.log.Info("Engine stopped")
	return nil
}
