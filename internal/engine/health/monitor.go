// Package health tracks node liveness and cascades node failures to the
// executions running on them.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/engine/metrics"
	redisclient "github.com/inam6565/application-as-service/internal/infra/redis"
	"github.com/inam6565/application-as-service/internal/infra/storage"
)

// Config holds health monitor settings.
type Config struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns default health monitor configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:     10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		ProbeTimeout:     3 * time.Second,
	}
}

// AgentProber gives a second opinion on node liveness before a cascade.
type AgentProber interface {
	Probe(ctx context.Context, node *domain.Node) error
}

// Monitor drives node status from heartbeat age and fails orphaned work.
//
// A node goes OFFLINE when its heartbeat ages past the timeout, and back
// ONLINE on a fresh one. Going OFFLINE cascades: every RUNNING execution
// on the node is failed with a retryable message, otherwise that work
// would sit RUNNING forever, invisible to both the executor and the retry
// coordinator.
type Monitor struct {
	cfg        Config
	nodes      storage.NodeRepository
	executions storage.ExecutionRepository
	heartbeats *redisclient.Client // optional fast path, may be nil
	prober     AgentProber         // optional, may be nil
	log        *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	cfg Config,
	nodes storage.NodeRepository,
	executions storage.ExecutionRepository,
	heartbeats *redisclient.Client,
	prober AgentProber,
) *Monitor {
	return &Monitor{
		cfg:        cfg,
		nodes:      nodes,
		executions: executions,
		heartbeats: heartbeats,
		prober:     prober,
		log:        slog.Default().With("component", "health"),
		now:        time.Now,
	}
}

// WithClock replaces the monitor's clock for deterministic tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run starts the monitor loop.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("Starting health monitor",
		"poll_interval", m.cfg.PollInterval,
		"heartbeat_timeout", m.cfg.HeartbeatTimeout)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Health monitor stopped")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single monitor cycle.
func (m *Monitor) RunOnce(ctx context.Context) {
	nodes, err := m.nodes.List(ctx)
	if err != nil {
		m.log.Error("Failed to list nodes", "error", err)
		return
	}

	cutoff := m.now().Add(-m.cfg.HeartbeatTimeout)
	statusCounts := make(map[domain.NodeStatus]int)

	for _, node := range nodes {
		m.foldHeartbeat(ctx, node)

		switch {
		case node.LastHeartbeat.Before(cutoff) && node.Status == domain.NodeOnline:
			m.markOffline(ctx, node)
		case !node.LastHeartbeat.Before(cutoff) && node.Status != domain.NodeOnline:
			m.markOnline(ctx, node)
		}
		statusCounts[node.Status]++
	}

	for _, status := range []domain.NodeStatus{domain.NodeOnline, domain.NodeOffline, domain.NodeUnknown} {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}

	m.updateStateGauges(ctx)
}

// foldHeartbeat merges the Redis fast-path heartbeat into the durable
// record, keeping whichever signal is freshest.
func (m *Monitor) foldHeartbeat(ctx context.Context, node *domain.Node) {
	if m.heartbeats == nil {
		return
	}

	at, found, err := m.heartbeats.LastHeartbeat(ctx, node.ID)
	if err != nil {
		m.log.Warn("Failed to read heartbeat fast path", "node", node.ID, "error", err)
		return
	}
	if !found || !at.After(node.LastHeartbeat) {
		return
	}

	if err := m.nodes.Heartbeat(ctx, node.ID, at); err != nil {
		m.log.Error("Failed to persist heartbeat", "node", node.ID, "error", err)
		return
	}
	node.LastHeartbeat = at
}

func (m *Monitor) markOnline(ctx context.Context, node *domain.Node) {
	if err := m.nodes.UpdateStatus(ctx, node.ID, domain.NodeOnline); err != nil {
		m.log.Error("Failed to mark node online", "node", node.ID, "error", err)
		return
	}
	node.Status = domain.NodeOnline
	m.log.Info("Node back online", "node", node.ID)
}

func (m *Monitor) markOffline(ctx context.Context, node *domain.Node) {
	// Heartbeats can lag the node itself. When a direct probe answers,
	// treat the node as live and refresh its heartbeat instead.
	if m.prober != nil && node.ProbeAddr != "" {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.prober.Probe(probeCtx, node)
		cancel()
		if err == nil {
			if hbErr := m.nodes.Heartbeat(ctx, node.ID, m.now()); hbErr != nil {
				m.log.Error("Failed to refresh heartbeat after probe", "node", node.ID, "error", hbErr)
			}
			m.log.Info("Node answered direct probe, keeping online", "node", node.ID)
			return
		}
		m.log.Warn("Direct probe failed", "node", node.ID, "error", err)
	}

	if err := m.nodes.UpdateStatus(ctx, node.ID, domain.NodeOffline); err != nil {
		m.log.Error("Failed to mark node offline", "node", node.ID, "error", err)
		return
	}
	node.Status = domain.NodeOffline
	m.log.Warn("Node went offline",
		"node", node.ID,
		"last_heartbeat", node.LastHeartbeat,
		"timeout", m.cfg.HeartbeatTimeout)

	m.cascade(ctx, node)
}

// cascade fails every RUNNING execution on a newly offline node. The
// message carries the "node offline" marker so the classifier routes
// these to the retry path.
func (m *Monitor) cascade(ctx context.Context, node *domain.Node) {
	running, err := m.executions.ListRunningOnNode(ctx, node.ID)
	if err != nil {
		m.log.Error("Failed to list running executions for cascade", "node", node.ID, "error", err)
		return
	}
	if len(running) == 0 {
		return
	}

	m.log.Warn("Cascading node failure to running executions",
		"node", node.ID, "count", len(running))

	message := fmt.Sprintf("node offline: %s missed heartbeats for %s", node.ID, m.cfg.HeartbeatTimeout)
	for _, exec := range running {
		prevState, prevVersion := exec.State, exec.Version
		if err := exec.Fail(message, m.now()); err != nil {
			m.log.Error("Refusing invalid transition", "execution", exec.ID, "error", err)
			continue
		}

		ok, err := m.executions.CompareAndUpdate(ctx, exec, prevState, prevVersion)
		if err != nil {
			m.log.Error("Failed to cascade failure", "execution", exec.ID, "error", err)
			continue
		}
		if !ok {
			// Another worker already resolved this execution.
			continue
		}
		metrics.CascadeFailuresTotal.Inc()
		m.log.Info("Execution failed by cascade", "execution", exec.ID)
	}
}

func (m *Monitor) updateStateGauges(ctx context.Context) {
	counts, err := m.executions.CountByState(ctx)
	if err != nil {
		m.log.Warn("Failed to count executions", "error", err)
		return
	}
	for _, state := range []domain.ExecutionState{
		domain.StateCreated, domain.StateQueued, domain.StateRunning,
		domain.StateSucceeded, domain.StateFailed, domain.StateRetryExhausted,
	} {
		metrics.ExecutionsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
