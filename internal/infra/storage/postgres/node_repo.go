package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
	"github.com/inam6565/application-as-service/internal/infra/storage"
)

// NodeRepo implements storage.NodeRepository using PostgreSQL.
type NodeRepo struct {
	db *DB
}

// NewNodeRepo creates a new PostgreSQL node repository.
func NewNodeRepo(db *DB) *NodeRepo {
	return &NodeRepo{db: db}
}

type nodeRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	AgentURL      string    `db:"agent_url"`
	ProbeAddr     string    `db:"probe_addr"`
	Status        string    `db:"status"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (row *nodeRow) toDomain() *domain.Node {
	return &domain.Node{
		ID:            row.ID,
		Name:          row.Name,
		AgentURL:      row.AgentURL,
		ProbeAddr:     row.ProbeAddr,
		Status:        domain.NodeStatus(row.Status),
		LastHeartbeat: row.LastHeartbeat,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

// Register saves or updates a node.
func (r *NodeRepo) Register(ctx context.Context, node *domain.Node) error {
	status := string(node.Status)
	if status == "" {
		status = string(domain.NodeUnknown)
	}

	query := `
		INSERT INTO nodes (id, name, agent_url, probe_addr, status, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			agent_url = EXCLUDED.agent_url,
			probe_addr = EXCLUDED.probe_addr,
			updated_at = NOW()
	`
	hb := node.LastHeartbeat
	if hb.IsZero() {
		hb = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query, node.ID, node.Name, node.AgentURL, node.ProbeAddr, status, hb)
	if err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	return nil
}

// Get retrieves a node by id.
func (r *NodeRepo) Get(ctx context.Context, id string) (*domain.Node, error) {
	query := `
		SELECT id, name, agent_url, probe_addr, status, last_heartbeat, created_at, updated_at
		FROM nodes
		WHERE id = $1
	`
	var row nodeRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return row.toDomain(), nil
}

// List returns all nodes.
func (r *NodeRepo) List(ctx context.Context) ([]*domain.Node, error) {
	query := `
		SELECT id, name, agent_url, probe_addr, status, last_heartbeat, created_at, updated_at
		FROM nodes
		ORDER BY id ASC
	`
	var rows []nodeRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]*domain.Node, 0, len(rows))
	for i := range rows {
		nodes = append(nodes, rows[i].toDomain())
	}
	return nodes, nil
}

// ListStale returns ONLINE nodes whose heartbeat is older than cutoff.
func (r *NodeRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Node, error) {
	query := `
		SELECT id, name, agent_url, probe_addr, status, last_heartbeat, created_at, updated_at
		FROM nodes
		WHERE status = $1 AND last_heartbeat < $2
	`
	var rows []nodeRow
	if err := r.db.SelectContext(ctx, &rows, query, string(domain.NodeOnline), cutoff); err != nil {
		return nil, fmt.Errorf("failed to list stale nodes: %w", err)
	}

	nodes := make([]*domain.Node, 0, len(rows))
	for i := range rows {
		nodes = append(nodes, rows[i].toDomain())
	}
	return nodes, nil
}

// UpdateStatus updates a node's health status.
func (r *NodeRepo) UpdateStatus(ctx context.Context, id string, status domain.NodeStatus) error {
	query := `
		UPDATE nodes
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}
	return nil
}

// Heartbeat records a confirmed liveness signal.
func (r *NodeRepo) Heartbeat(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE nodes
		SET last_heartbeat = $1, updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}
