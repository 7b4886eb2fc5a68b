package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/infra/storage"
)

// MemoryStorage backs the repositories with maps. It honors the same
// conditional-update contract as the PostgreSQL implementation, so worker
// race behavior is exercisable in tests.
type MemoryStorage struct {
	executions map[string]*domain.Execution
	nodes      map[string]*domain.Node
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		executions: make(map[string]*domain.Execution),
		nodes:      make(map[string]*domain.Node),
	}
}

func cloneExecution(e *domain.Execution) *domain.Execution {
	c := *e
	if e.Spec != nil {
		c.Spec = make(map[string]any, len(e.Spec))
		for k, v := range e.Spec {
			c.Spec[k] = v
		}
	}
	if e.QueuedAt != nil {
		t := *e.QueuedAt
		c.QueuedAt = &t
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func cloneNode(n *domain.Node) *domain.Node {
	c := *n
	return &c
}

// -----------------------------------------------------------------------------
// Execution Repository
// -----------------------------------------------------------------------------

type ExecutionRepo struct {
	store *MemoryStorage
}

func NewExecutionRepo(store *MemoryStorage) *ExecutionRepo {
	return &ExecutionRepo{store: store}
}

func (r *ExecutionRepo) Create(ctx context.Context, exec *domain.Execution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (r *ExecutionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	exec, ok := r.store.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneExecution(exec), nil
}

func (r *ExecutionRepo) ListByState(
	ctx context.Context,
	state domain.ExecutionState,
	limit int,
) ([]*domain.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var execs []*domain.Execution
	for _, e := range r.store.executions {
		if e.State == state {
			execs = append(execs, cloneExecution(e))
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

func (r *ExecutionRepo) ListRunningOnNode(
	ctx context.Context,
	nodeID string,
) ([]*domain.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var execs []*domain.Execution
	for _, e := range r.store.executions {
		if e.NodeID == nodeID && e.State == domain.StateRunning {
			execs = append(execs, cloneExecution(e))
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
	return execs, nil
}

func (r *ExecutionRepo) ListRunningSince(
	ctx context.Context,
	cutoff time.Time,
) ([]*domain.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var execs []*domain.Execution
	for _, e := range r.store.executions {
		if e.State == domain.StateRunning && e.StartedAt != nil && e.StartedAt.Before(cutoff) {
			execs = append(execs, cloneExecution(e))
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartedAt.Before(*execs[j].StartedAt)
	})
	return execs, nil
}

func (r *ExecutionRepo) CompareAndUpdate(
	ctx context.Context,
	exec *domain.Execution,
	expectedState domain.ExecutionState,
	expectedVersion int64,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	current, ok := r.store.executions[exec.ID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if current.State != expectedState || current.Version != expectedVersion {
		return false, nil
	}
	r.store.executions[exec.ID] = cloneExecution(exec)
	return true, nil
}

func (r *ExecutionRepo) CountByState(ctx context.Context) (map[domain.ExecutionState]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.ExecutionState]int)
	for _, e := range r.store.executions {
		counts[e.State]++
	}
	return counts, nil
}

// -----------------------------------------------------------------------------
// Node Repository
// -----------------------------------------------------------------------------

type NodeRepo struct {
	store *MemoryStorage
}

func NewNodeRepo(store *MemoryStorage) *NodeRepo {
	return &NodeRepo{store: store}
}

func (r *NodeRepo) Register(ctx context.Context, node *domain.Node) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	n := cloneNode(node)
	if n.Status == "" {
		n.Status = domain.NodeUnknown
	}
	if n.LastHeartbeat.IsZero() {
		n.LastHeartbeat = time.Now().UTC()
	}
	r.store.nodes[n.ID] = n
	return nil
}

func (r *NodeRepo) Get(ctx context.Context, id string) (*domain.Node, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	node, ok := r.store.nodes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneNode(node), nil
}

func (r *NodeRepo) List(ctx context.Context) ([]*domain.Node, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	nodes := make([]*domain.Node, 0, len(r.store.nodes))
	for _, n := range r.store.nodes {
		nodes = append(nodes, cloneNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (r *NodeRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Node, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var nodes []*domain.Node
	for _, n := range r.store.nodes {
		if n.Status == domain.NodeOnline && n.LastHeartbeat.Before(cutoff) {
			nodes = append(nodes, cloneNode(n))
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (r *NodeRepo) UpdateStatus(ctx context.Context, id string, status domain.NodeStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	node, ok := r.store.nodes[id]
	if !ok {
		return storage.ErrNotFound
	}
	node.Status = status
	node.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *NodeRepo) Heartbeat(ctx context.Context, id string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	node, ok := r.store.nodes[id]
	if !ok {
		return storage.ErrNotFound
	}
	node.LastHeartbeat = at
	node.UpdatedAt = time.Now().UTC()
	return nil
}
