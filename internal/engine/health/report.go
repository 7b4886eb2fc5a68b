package health

import (
	"context"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
)

// SystemStatus represents the overall health state of the engine.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains a point-in-time view of the engine's workload and fleet.
type Report struct {
	Status     SystemStatus                  `json:"status"`
	Executions map[domain.ExecutionState]int `json:"executions"`
	Nodes      map[domain.NodeStatus]int     `json:"nodes"`
	CheckedAt  time.Time                     `json:"checked_at"`
}

// CheckHealth builds a health report. Checks are rate limited (max once
// per 10s) to avoid hammering the store from the HTTP handler.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 10*time.Second && m.lastReport != nil {
		return *m.lastReport
	}

	report := Report{
		Status:     StatusHealthy,
		Executions: make(map[domain.ExecutionState]int),
		Nodes:      make(map[domain.NodeStatus]int),
		CheckedAt:  m.now(),
	}

	counts, err := m.executions.CountByState(ctx)
	if err != nil {
		report.Status = StatusDegraded
	} else {
		report.Executions = counts
	}

	nodes, err := m.nodes.List(ctx)
	if err != nil {
		report.Status = StatusDegraded
	}
	for _, n := range nodes {
		report.Nodes[n.Status]++
	}

	// Evaluate status (worst signal wins)
	online := report.Nodes[domain.NodeOnline]
	offline := report.Nodes[domain.NodeOffline]
	failedBacklog := report.Executions[domain.StateFailed]

	if len(nodes) > 0 && online == 0 {
		report.Status = StatusCritical
	} else if offline > 0 || failedBacklog > 10 {
		report.Status = StatusDegraded
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}
