package health

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/inam6565/application-as-service/internal/core/domain"
)

// GRPCProber checks a node's runtime agent via the standard gRPC health
// protocol. Agents that expose no probe address are never probed.
type GRPCProber struct{}

// NewGRPCProber creates a prober using the gRPC health checking protocol.
func NewGRPCProber() *GRPCProber {
	return &GRPCProber{}
}

// Probe dials the agent's health endpoint and asks for its serving status.
func (p *GRPCProber) Probe(ctx context.Context, node *domain.Node) error {
	conn, err := grpc.NewClient(
		node.ProbeAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("failed to dial agent: %w", err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("agent not serving: %s", resp.GetStatus())
	}
	return nil
}
