package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/infra/storage"
)

// ExecutionRepo implements storage.ExecutionRepository using PostgreSQL.
type ExecutionRepo struct {
	db *DB
}

// NewExecutionRepo creates a new PostgreSQL execution repository.
func NewExecutionRepo(db *DB) *ExecutionRepo {
	return &ExecutionRepo{db: db}
}

type executionRow struct {
	ID           string       `db:"id"`
	NodeID       string       `db:"node_id"`
	State        string       `db:"state"`
	Spec         []byte       `db:"spec"`
	RetryCount   int          `db:"retry_count"`
	MaxRetries   int          `db:"max_retries"`
	ErrorMessage string       `db:"error_message"`
	CreatedAt    time.Time    `db:"created_at"`
	QueuedAt     sql.NullTime `db:"queued_at"`
	StartedAt    sql.NullTime `db:"started_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
	Version      int64        `db:"version"`
}

const executionColumns = `
	id, node_id, state, spec, retry_count, max_retries, error_message,
	created_at, queued_at, started_at, finished_at, version
`

func (row *executionRow) toDomain() (*domain.Execution, error) {
	spec := make(map[string]any)
	if len(row.Spec) > 0 {
		if err := json.Unmarshal(row.Spec, &spec); err != nil {
			return nil, fmt.Errorf("failed to decode spec for execution %s: %w", row.ID, err)
		}
	}

	exec := &domain.Execution{
		ID:           row.ID,
		NodeID:       row.NodeID,
		State:        domain.ExecutionState(row.State),
		Spec:         spec,
		RetryCount:   row.RetryCount,
		MaxRetries:   row.MaxRetries,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    row.CreatedAt,
		Version:      row.Version,
	}
	if row.QueuedAt.Valid {
		t := row.QueuedAt.Time
		exec.QueuedAt = &t
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		exec.StartedAt = &t
	}
	if row.FinishedAt.Valid {
		t := row.FinishedAt.Time
		exec.FinishedAt = &t
	}
	return exec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Create persists a new execution.
func (r *ExecutionRepo) Create(ctx context.Context, exec *domain.Execution) error {
	spec, err := json.Marshal(exec.Spec)
	if err != nil {
		return fmt.Errorf("failed to encode spec: %w", err)
	}

	query := `
		INSERT INTO executions (id, node_id, state, spec, retry_count, max_retries, error_message,
			created_at, queued_at, started_at, finished_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.ExecContext(
		ctx,
		query,
		exec.ID,
		exec.NodeID,
		string(exec.State),
		spec,
		exec.RetryCount,
		exec.MaxRetries,
		exec.ErrorMessage,
		exec.CreatedAt,
		nullTime(exec.QueuedAt),
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
		exec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// Get retrieves an execution by id.
func (r *ExecutionRepo) Get(ctx context.Context, id string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	var row executionRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return row.toDomain()
}

// ListByState returns executions in the given state, oldest first.
func (r *ExecutionRepo) ListByState(
	ctx context.Context,
	state domain.ExecutionState,
	limit int,
) ([]*domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE state = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	var rows []executionRow
	if err := r.db.SelectContext(ctx, &rows, query, string(state), limit); err != nil {
		return nil, fmt.Errorf("failed to list executions by state: %w", err)
	}
	return rowsToDomain(rows)
}

// ListRunningOnNode returns RUNNING executions targeting a node.
func (r *ExecutionRepo) ListRunningOnNode(
	ctx context.Context,
	nodeID string,
) ([]*domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE node_id = $1 AND state = $2
		ORDER BY created_at ASC
	`
	var rows []executionRow
	if err := r.db.SelectContext(ctx, &rows, query, nodeID, string(domain.StateRunning)); err != nil {
		return nil, fmt.Errorf("failed to list running executions on node: %w", err)
	}
	return rowsToDomain(rows)
}

// ListRunningSince returns RUNNING executions started before cutoff.
func (r *ExecutionRepo) ListRunningSince(
	ctx context.Context,
	cutoff time.Time,
) ([]*domain.Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE state = $1 AND started_at < $2
		ORDER BY started_at ASC
	`
	var rows []executionRow
	if err := r.db.SelectContext(ctx, &rows, query, string(domain.StateRunning), cutoff); err != nil {
		return nil, fmt.Errorf("failed to list long-running executions: %w", err)
	}
	return rowsToDomain(rows)
}

// CompareAndUpdate conditionally writes exec, guarded by the state and
// version the caller observed. A row count of zero means another worker
// transitioned the record first.
func (r *ExecutionRepo) CompareAndUpdate(
	ctx context.Context,
	exec *domain.Execution,
	expectedState domain.ExecutionState,
	expectedVersion int64,
) (bool, error) {
	spec, err := json.Marshal(exec.Spec)
	if err != nil {
		return false, fmt.Errorf("failed to encode spec: %w", err)
	}

	query := `
		UPDATE executions
		SET state = $1,
			spec = $2,
			retry_count = $3,
			error_message = $4,
			queued_at = $5,
			started_at = $6,
			finished_at = $7,
			version = $8
		WHERE id = $9 AND state = $10 AND version = $11
	`
	res, err := r.db.ExecContext(
		ctx,
		query,
		string(exec.State),
		spec,
		exec.RetryCount,
		exec.ErrorMessage,
		nullTime(exec.QueuedAt),
		nullTime(exec.StartedAt),
		nullTime(exec.FinishedAt),
		exec.Version,
		exec.ID,
		string(expectedState),
		expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// CountByState returns how many executions sit in each state.
func (r *ExecutionRepo) CountByState(ctx context.Context) (map[domain.ExecutionState]int, error) {
	query := `SELECT state, COUNT(*) AS count FROM executions GROUP BY state`

	var rows []struct {
		State string `db:"state"`
		Count int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	counts := make(map[domain.ExecutionState]int, len(rows))
	for _, row := range rows {
		counts[domain.ExecutionState(row.State)] = row.Count
	}
	return counts, nil
}

func rowsToDomain(rows []executionRow) ([]*domain.Execution, error) {
	execs := make([]*domain.Execution, 0, len(rows))
	for i := range rows {
		exec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}
