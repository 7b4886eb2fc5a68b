// Package reconcile folds out-of-band completion signals back into
// execution records.
package reconcile

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

// Config holds status reconciler settings.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// RunningCeiling is how long an execution may sit RUNNING before the
	// reconciler starts asking the node about it.
	RunningCeiling time.Duration `yaml:"running_ceiling"`
	// StuckTimeout is how long a still-pending execution may run in total
	// before it is failed as stuck.
	StuckTimeout time.Duration `yaml:"stuck_timeout"`
}

// DefaultConfig returns default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:   15 * time.Second,
		RunningCeiling: 2 * time.Minute,
		StuckTimeout:   15 * time.Minute,
	}
}

// Reconciler closes the gap between the executor's call lifetime and the
// remote process: a deployment may finish (or a writing executor may die)
// after the deploy call itself completed. Without this sweep such
// executions would stay RUNNING forever.
type Reconciler struct {
	cfg        Config
	executions storage.ExecutionRepository
	nodes      storage.NodeRepository
	deployer   deploy.Deployer
	log        *slog.Logger
	now        func() time.Time
}

// NewReconciler creates a new status reconciler.
func NewReconciler(
	cfg Config,
	executions storage.ExecutionRepository,
	nodes storage.NodeRepository,
	deployer deploy.Deployer,
) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		executions: executions,
		nodes:      nodes,
		deployer:   deployer,
		log:        slog.Default().With("component", "reconciler"),
		now:        time.Now,
	}
}

// WithClock replaces the reconciler's clock for deterministic tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Run starts the reconciler loop.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info("Starting status reconciler",
		"poll_interval", r.cfg.PollInterval,
		"running_ceiling", r.cfg.RunningCeiling)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Status reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconcile cycle.
func (r *Reconciler) RunOnce(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.RunningCeiling)
	running, err := r.executions.ListRunningSince(ctx, cutoff)
	if err != nil {
		r.log.Error("Failed to list long-running executions", "error", err)
		return
	}

	for _, exec := range running {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.reconcileOne(ctx, exec)
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, exec *domain.Execution) {
	log := r.log.With("execution", exec.ID, "node", exec.NodeID)

	node, err := r.nodes.Get(ctx, exec.NodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The node vanished under the execution; retryable.
			r.resolve(ctx, exec, fmt.Errorf("node not found: %s", exec.NodeID))
			return
		}
		log.Error("Failed to load node", "error", err)
		return
	}

	status, err := r.deployer.QueryStatus(ctx, exec, node)
	if err != nil {
		// A failed query is no evidence about the deployment itself.
		// Leave the record alone and ask again next cycle.
		log.Warn("Status query failed", "error", err)
		return
	}

	switch status.State {
	case deploy.StatusSucceeded:
		r.resolve(ctx, exec, nil)
	case deploy.StatusFailed:
		message := status.Message
		if message == "" {
			message = "deployment failed on node"
		}
		r.resolve(ctx, exec, errors.New(message))
	case deploy.StatusPending:
		if exec.StartedAt != nil && r.now().Sub(*exec.StartedAt) > r.cfg.StuckTimeout {
			r.resolve(ctx, exec, fmt.Errorf(
				"deployment timeout: still pending after %s on node %s",
				r.cfg.StuckTimeout, node.ID))
			return
		}
		log.Debug("Deployment still pending")
	}
}

// resolve applies the same guarded RUNNING -> SUCCEEDED/FAILED transition
// the executor uses.
func (r *Reconciler) resolve(ctx context.Context, exec *domain.Execution, cause error) {
	log := r.log.With("execution", exec.ID)

	prevState, prevVersion := exec.State, exec.Version
	if cause != nil {
		if err := exec.Fail(cause.Error(), r.now()); err != nil {
			log.Error("Refusing invalid transition", "error", err)
			return
		}
	} else {
		if err := exec.Succeed(r.now()); err != nil {
			log.Error("Refusing invalid transition", "error", err)
			return
		}
	}

	ok, err := r.executions.CompareAndUpdate(ctx, exec, prevState, prevVersion)
	if err != nil {
		log.Error("Failed to reconcile execution", "error", err)
		return
	}
	if !ok {
		// The owning executor finished its own write first. Expected.
		return
	}

	if cause != nil {
		metrics.ReconciledTotal.WithLabelValues("failed").Inc()
		log.Warn("Execution reconciled as failed", "error", cause.Error())
	} else {
		metrics.ReconciledTotal.WithLabelValues("succeeded").Inc()
		log.Info("Execution reconciled as succeeded")
	}
}
