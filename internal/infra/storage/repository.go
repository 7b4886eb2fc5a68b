package storage

import (
	"context"
	"errors"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")
)

// ExecutionRepository handles execution storage operations.
//
// All reads may be stale by up to one poll interval. That is acceptable
// because every mutation goes through CompareAndUpdate: at most one writer
// succeeds per logical state change.
type ExecutionRepository interface {
	// Create persists a new execution
	Create(ctx context.Context, exec *domain.Execution) error

	// Get retrieves an execution by id
	Get(ctx context.Context, id string) (*domain.Execution, error)

	// ListByState returns executions in the given state, oldest first
	ListByState(ctx context.Context, state domain.ExecutionState, limit int) ([]*domain.Execution, error)

	// ListRunningOnNode returns RUNNING executions targeting a node
	ListRunningOnNode(ctx context.Context, nodeID string) ([]*domain.Execution, error)

	// ListRunningSince returns RUNNING executions started before cutoff
	ListRunningSince(ctx context.Context, cutoff time.Time) ([]*domain.Execution, error)

	// CompareAndUpdate writes exec only if the stored record still carries
	// the expected state and version. Returns false (and no error) when
	// another worker won the race.
	CompareAndUpdate(ctx context.Context, exec *domain.Execution, expectedState domain.ExecutionState, expectedVersion int64) (bool, error)

	// CountByState returns how many executions sit in each state
	CountByState(ctx context.Context) (map[domain.ExecutionState]int, error)
}

// NodeRepository handles node storage operations.
type NodeRepository interface {
	// Register saves or updates a node
	Register(ctx context.Context, node *domain.Node) error

	// Get retrieves a node by id
	Get(ctx context.Context, id string) (*domain.Node, error)

	// List returns all nodes
	List(ctx context.Context) ([]*domain.Node, error)

	// ListStale returns ONLINE nodes whose heartbeat is older than cutoff
	ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Node, error)

	// UpdateStatus updates a node's health status
	UpdateStatus(ctx context.Context, id string, status domain.NodeStatus) error

	// Heartbeat records a confirmed liveness signal
	Heartbeat(ctx context.Context, id string, at time.Time) error
}
