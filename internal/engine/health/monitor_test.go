package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
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

type fakeProber struct {
	mu     sync.Mutex
	err    error
	probes int
}

func (p *fakeProber) Probe(ctx context.Context, node *domain.Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.err
}

type harness struct {
	clock      *fakeClock
	nodes      *memory.NodeRepo
	executions *memory.ExecutionRepo
	monitor    *Monitor
}

func newHarness(t *testing.T, prober AgentProber) *harness {
	t.Helper()
	store := memory.NewMemoryStorage()
	h := &harness{
		clock:      newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		nodes:      memory.NewNodeRepo(store),
		executions: memory.NewExecutionRepo(store),
	}
	h.monitor = NewMonitor(DefaultConfig(), h.nodes, h.executions, nil, prober).
		WithClock(h.clock.Now)
	return h
}

func (h *harness) registerNode(t *testing.T, id string, status domain.NodeStatus, heartbeatAge time.Duration) {
	t.Helper()
	err := h.nodes.Register(context.Background(), &domain.Node{
		ID:            id,
		Status:        status,
		ProbeAddr:     "10.0.0.1:9090",
		LastHeartbeat: h.clock.Now().Add(-heartbeatAge),
	})
	if err != nil {
		t.Fatalf("register node: %v", err)
	}
}

func (h *harness) runningExecution(t *testing.T, nodeID string) *domain.Execution {
	t.Helper()
	exec := domain.NewExecution(nodeID, nil, 3)
	now := h.clock.Now()
	if err := exec.Queue(now); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := exec.Claim(now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := h.executions.Create(context.Background(), exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return exec
}

func TestMonitor_MarksStaleNodeOfflineAndCascades(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerNode(t, "node-1", domain.NodeOnline, time.Minute)
	a := h.runningExecution(t, "node-1")
	b := h.runningExecution(t, "node-1")

	h.monitor.RunOnce(ctx)

	node, _ := h.nodes.Get(ctx, "node-1")
	if node.Status != domain.NodeOffline {
		t.Fatalf("expected OFFLINE, got %s", node.Status)
	}

	// Both running executions fail in the same cycle, with a message the
	// classifier routes to the retry path.
	for _, exec := range []*domain.Execution{a, b} {
		got, _ := h.executions.Get(ctx, exec.ID)
		if got.State != domain.StateFailed {
			t.Fatalf("expected FAILED after cascade, got %s", got.State)
		}
		if !strings.HasPrefix(got.ErrorMessage, "node offline: node-1") {
			t.Errorf("unexpected cascade message %q", got.ErrorMessage)
		}
		if got.FinishedAt == nil {
			t.Errorf("cascade must set finished_at")
		}
	}
}

func TestMonitor_FreshHeartbeatStaysOnline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerNode(t, "node-1", domain.NodeOnline, 5*time.Second)
	exec := h.runningExecution(t, "node-1")

	h.monitor.RunOnce(ctx)

	node, _ := h.nodes.Get(ctx, "node-1")
	if node.Status != domain.NodeOnline {
		t.Fatalf("fresh node flipped to %s", node.Status)
	}
	got, _ := h.executions.Get(ctx, exec.ID)
	if got.State != domain.StateRunning {
		t.Errorf("execution on healthy node must keep RUNNING, got %s", got.State)
	}
}

func TestMonitor_RecoversOfflineNodeOnFreshHeartbeat(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerNode(t, "node-1", domain.NodeOffline, time.Hour)

	if err := h.nodes.Heartbeat(ctx, "node-1", h.clock.Now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	h.monitor.RunOnce(ctx)

	node, _ := h.nodes.Get(ctx, "node-1")
	if node.Status != domain.NodeOnline {
		t.Fatalf("expected recovery to ONLINE, got %s", node.Status)
	}
}

func TestMonitor_ProbeSecondOpinionPreventsCascade(t *testing.T) {
	prober := &fakeProber{}
	h := newHarness(t, prober)
	ctx := context.Background()

	h.registerNode(t, "node-1", domain.NodeOnline, time.Minute)
	exec := h.runningExecution(t, "node-1")

	h.monitor.RunOnce(ctx)

	if prober.probes != 1 {
		t.Fatalf("expected one probe, got %d", prober.probes)
	}
	node, _ := h.nodes.Get(ctx, "node-1")
	if node.Status != domain.NodeOnline {
		t.Fatalf("answering probe must keep node online, got %s", node.Status)
	}
	// The heartbeat was refreshed, so the next cycle stays quiet too.
	if node.LastHeartbeat.Before(h.clock.Now()) {
		t.Errorf("heartbeat not refreshed after successful probe")
	}
	got, _ := h.executions.Get(ctx, exec.ID)
	if got.State != domain.StateRunning {
		t.Errorf("no cascade expected, got %s", got.State)
	}
}

func TestMonitor_ProbeFailureAllowsCascade(t *testing.T) {
	prober := &fakeProber{err: errors.New("connection refused")}
	h := newHarness(t, prober)
	ctx := context.Background()

	h.registerNode(t, "node-1", domain.NodeOnline, time.Minute)
	exec := h.runningExecution(t, "node-1")

	h.monitor.RunOnce(ctx)

	node, _ := h.nodes.Get(ctx, "node-1")
	if node.Status != domain.NodeOffline {
		t.Fatalf("expected OFFLINE after failed probe, got %s", node.Status)
	}
	got, _ := h.executions.Get(ctx, exec.ID)
	if got.State != domain.StateFailed {
		t.Errorf("expected cascade after failed probe, got %s", got.State)
	}
}

func TestMonitor_CheckHealth(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerNode(t, "node-1", domain.NodeOnline, time.Second)
	h.runningExecution(t, "node-1")

	report := h.monitor.CheckHealth(ctx)
	if report.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", report.Status)
	}
	if report.Executions[domain.StateRunning] != 1 {
		t.Errorf("expected one running execution in report, got %v", report.Executions)
	}
	if report.Nodes[domain.NodeOnline] != 1 {
		t.Errorf("expected one online node in report, got %v", report.Nodes)
	}
}

func TestMonitor_CheckHealth_CriticalWithoutOnlineNodes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerNode(t, "node-1", domain.NodeOffline, time.Hour)
	report := h.monitor.CheckHealth(ctx)
	if report.Status != StatusCritical {
		t.Fatalf("expected critical with no online nodes, got %s", report.Status)
	}
}
