package e2e

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/engine/classify"
	"github.com/inam6565/application-as-service/internal/engine/deploy"
	"github.com/inam6565/application-as-service/internal/engine/executor"
	"github.com/inam6565/application-as-service/internal/engine/retry"
	"github.com/inam6565/application-as-service/internal/infra/storage/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedDeployer fails a fixed number of attempts, then succeeds.
type scriptedDeployer struct {
	mu       sync.Mutex
	failures int
	attempts int
}

func (d *scriptedDeployer) Deploy(ctx context.Context, exec *domain.Execution, node *domain.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.failures {
		return errors.New("Connection refused")
	}
	return nil
}

func (d *scriptedDeployer) QueryStatus(ctx context.Context, exec *domain.Execution, node *domain.Node) (deploy.Status, error) {
	return deploy.Status{State: deploy.StatusPending}, nil
}

type lifecycleHarness struct {
	clock       *fakeClock
	executions  *memory.ExecutionRepo
	nodes       *memory.NodeRepo
	deployer    *scriptedDeployer
	executor    *executor.Executor
	coordinator *retry.Coordinator
}

func newLifecycleHarness(t *testing.T, failures int) *lifecycleHarness {
	t.Helper()
	store := memory.NewMemoryStorage()
	h := &lifecycleHarness{
		clock:      &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		executions: memory.NewExecutionRepo(store),
		nodes:      memory.NewNodeRepo(store),
		deployer:   &scriptedDeployer{failures: failures},
	}
	h.executor = executor.NewExecutor(
		executor.DefaultConfig(), h.executions, h.nodes, h.deployer,
	).WithClock(h.clock.Now)
	h.coordinator = retry.NewCoordinator(
		retry.DefaultCoordinatorConfig(), h.executions, classify.New(nil, nil), retry.DefaultSchedule(),
	).WithClock(h.clock.Now)

	err := h.nodes.Register(context.Background(), &domain.Node{
		ID:            "node-1",
		Status:        domain.NodeOnline,
		LastHeartbeat: h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("register node: %v", err)
	}
	return h
}

func (h *lifecycleHarness) state(t *testing.T, id string) *domain.Execution {
	t.Helper()
	got, err := h.executions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

// The full retry loop: every attempt is refused by the node, the
// coordinator requeues on the 10s/30s/90s schedule, and the fourth
// failure exhausts the budget of three retries.
func TestLifecycle_TransientFailuresUntilExhaustion(t *testing.T) {
	h := newLifecycleHarness(t, 100)
	ctx := context.Background()

	exec := domain.NewExecution("node-1", map[string]any{"image": "nginx"}, 3)
	if err := h.executions.Create(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Attempt 1 fails.
	h.executor.RunOnce(ctx)
	if got := h.state(t, exec.ID); got.State != domain.StateFailed {
		t.Fatalf("expected FAILED after first attempt, got %s", got.State)
	}

	backoffs := []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second}
	for i, wait := range backoffs {
		// One second short of the backoff the record must not move.
		h.clock.Advance(wait - time.Second)
		h.coordinator.RunOnce(ctx)
		if got := h.state(t, exec.ID); got.State != domain.StateFailed {
			t.Fatalf("retry %d fired before %s backoff: %s", i+1, wait, got.State)
		}

		h.clock.Advance(2 * time.Second)
		h.coordinator.RunOnce(ctx)
		got := h.state(t, exec.ID)
		if got.State != domain.StateCreated {
			t.Fatalf("retry %d: expected CREATED after %s, got %s", i+1, wait, got.State)
		}
		if got.RetryCount != i+1 {
			t.Fatalf("retry %d: expected retry count %d, got %d", i+1, i+1, got.RetryCount)
		}

		// Next attempt fails again.
		h.executor.RunOnce(ctx)
		if got := h.state(t, exec.ID); got.State != domain.StateFailed {
			t.Fatalf("retry %d: expected FAILED, got %s", i+1, got.State)
		}
	}

	// Budget spent: the coordinator terminally marks the record.
	h.clock.Advance(time.Hour)
	h.coordinator.RunOnce(ctx)
	got := h.state(t, exec.ID)
	if got.State != domain.StateRetryExhausted {
		t.Fatalf("expected RETRY_EXHAUSTED, got %s", got.State)
	}
	if got.ErrorMessage != "Connection refused" {
		t.Errorf("terminal record should keep the last error, got %q", got.ErrorMessage)
	}
	if got.RetryCount != 3 {
		t.Errorf("expected all three retries consumed, got %d", got.RetryCount)
	}

	// Terminal means terminal: nothing moves it again.
	h.executor.RunOnce(ctx)
	h.coordinator.RunOnce(ctx)
	if again := h.state(t, exec.ID); again.State != domain.StateRetryExhausted {
		t.Errorf("terminal record moved to %s", again.State)
	}
	if h.deployer.attempts != 4 {
		t.Errorf("expected 4 deploy attempts, got %d", h.deployer.attempts)
	}
}

// Recovery path: two refused attempts, then the node accepts the third.
func TestLifecycle_SucceedsAfterRetries(t *testing.T) {
	h := newLifecycleHarness(t, 2)
	ctx := context.Background()

	exec := domain.NewExecution("node-1", nil, 3)
	if err := h.executions.Create(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}

	h.executor.RunOnce(ctx) // attempt 1: fails
	h.clock.Advance(11 * time.Second)
	h.coordinator.RunOnce(ctx)
	h.executor.RunOnce(ctx) // attempt 2: fails
	h.clock.Advance(31 * time.Second)
	h.coordinator.RunOnce(ctx)
	h.executor.RunOnce(ctx) // attempt 3: succeeds

	got := h.state(t, exec.ID)
	if got.State != domain.StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", got.State)
	}
	if got.RetryCount != 2 {
		t.Errorf("expected two retries consumed, got %d", got.RetryCount)
	}
	if got.ErrorMessage != "" {
		t.Errorf("success should clear the error message, got %q", got.ErrorMessage)
	}
	if h.deployer.attempts != 3 {
		t.Errorf("expected 3 deploy attempts, got %d", h.deployer.attempts)
	}
}
