// Package executor claims queued executions and drives the Deployer.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/engine/deploy"
	"github.com/inam6565/application-as-service/internal/engine/metrics"
	"github.com/inam6565/application-as-service/internal/infra/storage"
)

// Config holds executor settings.
type Config struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
	DeployTimeout time.Duration `yaml:"deploy_timeout"`
}

// DefaultConfig returns default executor configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		BatchSize:     10,
		DeployTimeout: 60 * time.Second,
	}
}

// Executor polls for queued executions, claims them atomically, and runs
// the deployment. Losing a claim to a concurrent executor is the expected
// outcome of uncoordinated polling, not a fault.
type Executor struct {
	cfg        Config
	executions storage.ExecutionRepository
	nodes      storage.NodeRepository
	deployer   deploy.Deployer
	log        *slog.Logger
	now        func() time.Time
}

// NewExecutor creates a new executor worker.
func NewExecutor(
	cfg Config,
	executions storage.ExecutionRepository,
	nodes storage.NodeRepository,
	deployer deploy.Deployer,
) *Executor {
	return &Executor{
		cfg:        cfg,
		executions: executions,
		nodes:      nodes,
		deployer:   deployer,
		log:        slog.Default().With("component", "executor"),
		now:        time.Now,
	}
}

// WithClock replaces the executor's clock. Tests use this to drive
// deterministic poll cycles.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Run starts the executor loop.
func (e *Executor) Run(ctx context.Context) {
	e.log.Info("Starting executor", "poll_interval", e.cfg.PollInterval)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Executor stopped")
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single poll cycle: admit new work, then claim and
// deploy queued work. Exported so tests can simulate cycles without
// sleeping.
func (e *Executor) RunOnce(ctx context.Context) {
	if err := e.admit(ctx); err != nil {
		e.log.Error("Admission sweep failed", "error", err)
	}
	if err := e.processQueued(ctx); err != nil {
		e.log.Error("Claim sweep failed", "error", err)
	}
}

// admit moves freshly created (and freshly requeued) executions into the
// queue.
func (e *Executor) admit(ctx context.Context) error {
	created, err := e.executions.ListByState(ctx, domain.StateCreated, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list created executions: %w", err)
	}

	for _, exec := range created {
		prevState, prevVersion := exec.State, exec.Version
		if err := exec.Queue(e.now()); err != nil {
			e.log.Error("Refusing to queue execution", "execution", exec.ID, "error", err)
			continue
		}
		ok, err := e.executions.CompareAndUpdate(ctx, exec, prevState, prevVersion)
		if err != nil {
			e.log.Error("Failed to queue execution", "execution", exec.ID, "error", err)
			continue
		}
		if !ok {
			// Another process admitted it first.
			continue
		}
		e.log.Debug("Execution queued", "execution", exec.ID, "node", exec.NodeID)
	}
	return nil
}

func (e *Executor) processQueued(ctx context.Context) error {
	queued, err := e.executions.ListByState(ctx, domain.StateQueued, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list queued executions: %w", err)
	}

	for _, exec := range queued {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		claimed, err := e.claim(ctx, exec)
		if err != nil {
			e.log.Error("Claim attempt errored", "execution", exec.ID, "error", err)
			continue
		}
		if !claimed {
			metrics.ClaimsTotal.WithLabelValues("lost").Inc()
			continue
		}
		metrics.ClaimsTotal.WithLabelValues("won").Inc()

		e.deployOne(ctx, exec)
	}
	return nil
}

// claim performs the atomic QUEUED -> RUNNING transition. Returns false
// when another worker won the race.
func (e *Executor) claim(ctx context.Context, exec *domain.Execution) (bool, error) {
	prevState, prevVersion := exec.State, exec.Version
	if err := exec.Claim(e.now()); err != nil {
		return false, err
	}
	return e.executions.CompareAndUpdate(ctx, exec, prevState, prevVersion)
}

// deployOne runs a claimed execution through the Deployer and records the
// attempt's outcome. Per-record errors never escape the poll loop.
func (e *Executor) deployOne(ctx context.Context, exec *domain.Execution) {
	log := e.log.With("execution", exec.ID, "node", exec.NodeID)

	node, err := e.nodes.Get(ctx, exec.NodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Transient by classification: the node may be re-registered.
			e.finishAttempt(ctx, exec, fmt.Errorf("node not found: %s", exec.NodeID))
			return
		}
		log.Error("Failed to load node", "error", err)
		e.finishAttempt(ctx, exec, fmt.Errorf("node lookup unavailable: %v", err))
		return
	}

	deployCtx, cancel := context.WithTimeout(ctx, e.cfg.DeployTimeout)
	defer cancel()

	log.Info("Deploying execution", "attempt", exec.RetryCount+1)
	err = e.deployer.Deploy(deployCtx, exec, node)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("deploy timeout after %s on node %s", e.cfg.DeployTimeout, node.ID)
	}
	e.finishAttempt(ctx, exec, err)
}

// finishAttempt writes the RUNNING -> SUCCEEDED/FAILED transition.
func (e *Executor) finishAttempt(ctx context.Context, exec *domain.Execution, deployErr error) {
	log := e.log.With("execution", exec.ID)

	prevState, prevVersion := exec.State, exec.Version
	if deployErr != nil {
		if terr := exec.Fail(deployErr.Error(), e.now()); terr != nil {
			log.Error("Refusing invalid transition", "error", terr)
			return
		}
	} else {
		if terr := exec.Succeed(e.now()); terr != nil {
			log.Error("Refusing invalid transition", "error", terr)
			return
		}
	}

	ok, err := e.executions.CompareAndUpdate(ctx, exec, prevState, prevVersion)
	if err != nil {
		log.Error("Failed to record attempt outcome", "error", err)
		return
	}
	if !ok {
		// The reconciler or the health monitor resolved it first.
		log.Warn("Attempt outcome lost conditional update", "state", exec.State)
		return
	}

	if deployErr != nil {
		metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
		log.Warn("Execution failed", "error", deployErr.Error(),
			"retry", exec.RetryCount, "max_retries", exec.MaxRetries)
	} else {
		metrics.ExecutionsTotal.WithLabelValues("succeeded").Inc()
		log.Info("Execution succeeded")
	}
}
