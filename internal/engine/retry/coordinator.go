// Package retry decides which failed executions get another attempt.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/engine/classify"
	"github.com/inam6565/application-as-service/internal/engine/metrics"
	"github.com/inam6565/application-as-service/internal/infra/storage"
)

// CoordinatorConfig holds retry coordinator settings.
type CoordinatorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// DefaultCoordinatorConfig returns default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	}
}

// Coordinator scans failed executions and applies classifier, backoff and
// retry budget. Transient failures with budget left go back to CREATED;
// everything else is terminally marked RETRY_EXHAUSTED. Both transitions
// ride the same conditional-update discipline as the executor, so two
// overlapping coordinator instances cannot retry the same record twice.
type Coordinator struct {
	cfg        CoordinatorConfig
	executions storage.ExecutionRepository
	classifier *classify.Classifier
	schedule   Schedule
	log        *slog.Logger
	now        func() time.Time
}

// NewCoordinator creates a new retry coordinator.
func NewCoordinator(
	cfg CoordinatorConfig,
	executions storage.ExecutionRepository,
	classifier *classify.Classifier,
	schedule Schedule,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		executions: executions,
		classifier: classifier,
		schedule:   schedule,
		log:        slog.Default().With("component", "retry"),
		now:        time.Now,
	}
}

// WithClock replaces the coordinator's clock for deterministic tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Run starts the coordinator loop.
func (c *Coordinator) Run(ctx context.Context) {
	c.log.Info("Starting retry coordinator", "poll_interval", c.cfg.PollInterval)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Retry coordinator stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single coordinator cycle.
func (c *Coordinator) RunOnce(ctx context.Context) {
	failed, err := c.executions.ListByState(ctx, domain.StateFailed, c.cfg.BatchSize)
	if err != nil {
		c.log.Error("Failed to list failed executions", "error", err)
		return
	}

	for _, exec := range failed {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.processOne(ctx, exec)
	}
}

func (c *Coordinator) processOne(ctx context.Context, exec *domain.Execution) {
	log := c.log.With("execution", exec.ID)

	if !exec.CanRetry() {
		c.exhaust(ctx, exec, fmt.Sprintf("retry budget spent (%d/%d)", exec.RetryCount, exec.MaxRetries))
		return
	}

	category := c.classifier.Classify(exec.ErrorMessage)
	if category == classify.CategoryPermanent {
		c.exhaust(ctx, exec, "permanent error")
		return
	}

	if exec.FinishedAt == nil {
		// Should not happen for FAILED records; report it, don't retry blind.
		log.Error("Failed execution without finished_at, skipping",
			"error_message", exec.ErrorMessage)
		return
	}

	delay := c.schedule.Delay(exec.RetryCount)
	eligibleAt := exec.FinishedAt.Add(delay)
	if c.now().Before(eligibleAt) {
		log.Debug("Backoff not elapsed", "eligible_at", eligibleAt, "delay", delay)
		return
	}

	prevState, prevVersion := exec.State, exec.Version
	if err := exec.Requeue(c.now()); err != nil {
		log.Error("Refusing invalid transition", "error", err)
		return
	}

	ok, err := c.executions.CompareAndUpdate(ctx, exec, prevState, prevVersion)
	if err != nil {
		log.Error("Failed to requeue execution", "error", err)
		return
	}
	if !ok {
		// Another coordinator instance got there first.
		return
	}

	metrics.RetriesTotal.Inc()
	log.Info("Execution requeued for retry",
		"retry", exec.RetryCount, "max_retries", exec.MaxRetries, "waited", delay)
}

// exhaust terminally marks a failed execution. Idempotent across racing
// coordinator instances: the conditional update admits exactly one writer,
// and RETRY_EXHAUSTED records never reappear in the FAILED scan.
func (c *Coordinator) exhaust(ctx context.Context, exec *domain.Execution, reason string) {
	log := c.log.With("execution", exec.ID)

	prevState, prevVersion := exec.State, exec.Version
	if err := exec.Exhaust(c.now()); err != nil {
		log.Error("Refusing invalid transition", "error", err)
		return
	}

	ok, err := c.executions.CompareAndUpdate(ctx, exec, prevState, prevVersion)
	if err != nil {
		log.Error("Failed to mark execution exhausted", "error", err)
		return
	}
	if !ok {
		return
	}

	metrics.ExhaustedTotal.Inc()
	log.Warn("Execution retry-exhausted",
		"reason", reason,
		"retries", exec.RetryCount,
		"error_message", exec.ErrorMessage)
}
