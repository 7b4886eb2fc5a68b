package retry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/engine/classify"
	"github.com/inam6565/application-as-service/internal/infra/storage/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

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

func newCoordinator(repo *memory.ExecutionRepo, clock *fakeClock) *Coordinator {
	return NewCoordinator(
		DefaultCoordinatorConfig(),
		repo,
		classify.New(nil, nil),
		DefaultSchedule(),
	).WithClock(clock.Now)
}

// failedExecution stores an execution that has gone through one full
// failed attempt at the clock's current time.
func failedExecution(t *testing.T, repo *memory.ExecutionRepo, clock *fakeClock, message string, maxRetries int) *domain.Execution {
	t.Helper()
	exec := domain.NewExecution("node-1", nil, maxRetries)
	now := clock.Now()
	if err := exec.Queue(now); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := exec.Claim(now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := exec.Fail(message, now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := repo.Create(context.Background(), exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return exec
}

func TestCoordinator_RequeuesTransientAfterBackoff(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := memory.NewExecutionRepo(memory.NewMemoryStorage())
	coord := newCoordinator(repo, clock)
	ctx := context.Background()

	exec := failedExecution(t, repo, clock, "Connection refused", 3)

	// Before the 10s backoff elapses the record must stay FAILED.
	clock.Advance(9 * time.Second)
	coord.RunOnce(ctx)
	got, _ := repo.Get(ctx, exec.ID)
	if got.State != domain.StateFailed {
		t.Fatalf("retried before backoff elapsed: %s", got.State)
	}

	clock.Advance(2 * time.Second)
	coord.RunOnce(ctx)
	got, _ = repo.Get(ctx, exec.ID)
	if got.State != domain.StateCreated {
		t.Fatalf("expected CREATED after backoff, got %s", got.State)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message should be cleared on requeue, got %q", got.ErrorMessage)
	}
	if got.QueuedAt != nil || got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("attempt timestamps should be cleared on requeue")
	}
}

func TestCoordinator_BackoffGrowsWithRetryCount(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := memory.NewExecutionRepo(memory.NewMemoryStorage())
	coord := newCoordinator(repo, clock)
	ctx := context.Background()

	// Second failure: retry_count 1 means a 30s wait from finished_at.
	exec := failedExecution(t, repo, clock, "dial timeout", 3)
	stored, _ := repo.Get(ctx, exec.ID)
	stored.RetryCount = 1
	ok, err := repo.CompareAndUpdate(ctx, stored, stored.State, stored.Version)
	if err != nil || !ok {
		t.Fatalf("seed retry count: ok=%v err=%v", ok, err)
	}

	clock.Advance(15 * time.Second)
	coord.RunOnce(ctx)
	got, _ := repo.Get(ctx, exec.ID)
	if got.State != domain.StateFailed {
		t.Fatalf("retried during 30s backoff window: %s", got.State)
	}

	clock.Advance(20 * time.Second)
	coord.RunOnce(ctx)
	got, _ = repo.Get(ctx, exec.ID)
	if got.State != domain.StateCreated {
		t.Fatalf("expected CREATED after 30s backoff, got %s", got.State)
	}
	if got.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", got.RetryCount)
	}
}

func TestCoordinator_PermanentErrorExhaustsImmediately(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := memory.NewExecutionRepo(memory.NewMemoryStorage())
	coord := newCoordinator(repo, clock)
	ctx := context.Background()

	exec := failedExecution(t, repo, clock, "Validation error: missing field 'image'", 3)

	// No backoff wait: permanent errors skip straight to terminal.
	coord.RunOnce(ctx)
	got, _ := repo.Get(ctx, exec.ID)
	if got.State != domain.StateRetryExhausted {
		t.Fatalf("expected RETRY_EXHAUSTED, got %s", got.State)
	}
	if got.ErrorMessage != "Validation error: missing field 'image'" {
		t.Errorf("terminal record should keep its error message, got %q", got.ErrorMessage)
	}
	if got.RetryCount != 0 {
		t.Errorf("permanent failure must not consume retry budget, got %d", got.RetryCount)
	}
}

func TestCoordinator_BudgetSpentExhausts(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := memory.NewExecutionRepo(memory.NewMemoryStorage())
	coord := newCoordinator(repo, clock)
	ctx := context.Background()

	exec := failedExecution(t, repo, clock, "Connection refused", 2)
	stored, _ := repo.Get(ctx, exec.ID)
	stored.RetryCount = 2
	ok, err := repo.CompareAndUpdate(ctx, stored, stored.State, stored.Version)
	if err != nil || !ok {
		t.Fatalf("seed retry count: ok=%v err=%v", ok, err)
	}

	coord.RunOnce(ctx)
	got, _ := repo.Get(ctx, exec.ID)
	if got.State != domain.StateRetryExhausted {
		t.Fatalf("expected RETRY_EXHAUSTED with budget spent, got %s", got.State)
	}

	// Terminal records never reappear in the FAILED scan: another cycle
	// must leave the record untouched.
	version := got.Version
	coord.RunOnce(ctx)
	again, _ := repo.Get(ctx, exec.ID)
	if again.Version != version {
		t.Errorf("terminal record was rewritten: version %d -> %d", version, again.Version)
	}
}

func TestCoordinator_RacingInstances_SingleRequeue(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := memory.NewExecutionRepo(memory.NewMemoryStorage())
	ctx := context.Background()

	exec := failedExecution(t, repo, clock, "Connection refused", 3)
	clock.Advance(time.Minute)

	a := newCoordinator(repo, clock)
	b := newCoordinator(repo, clock)

	var wg sync.WaitGroup
	for _, c := range []*Coordinator{a, b} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.RunOnce(ctx)
		}(c)
	}
	wg.Wait()

	got, _ := repo.Get(ctx, exec.ID)
	if got.State != domain.StateCreated {
		t.Fatalf("expected CREATED, got %s", got.State)
	}
	if got.RetryCount != 1 {
		t.Fatalf("racing coordinators must consume exactly one retry, got %d", got.RetryCount)
	}
}
