// Package deploy defines the capability that places workloads on nodes.
// The transport is an external concern; the engine only needs the two
// operations below.
package deploy

import (
	"context"

	"github.com/inam6565/application-as-service/internal/core/domain"
)

// StatusState is the remote side's view of a deployment.
type StatusState string

const (
	StatusPending   StatusState = "pending"
	StatusSucceeded StatusState = "succeeded"
	StatusFailed    StatusState = "failed"
)

// Status is the result of an out-of-band status query.
type Status struct {
	State   StatusState
	Message string
}

// Deployer places a workload on a node and answers status queries about it.
// Deploy is at-least-once: the engine may invoke it again for the same
// execution after a transient failure.
type Deployer interface {
	// Deploy runs the execution's spec on the node, blocking until the
	// agent accepts or rejects it.
	Deploy(ctx context.Context, exec *domain.Execution, node *domain.Node) error

	// QueryStatus asks the node how a previously deployed execution fared.
	QueryStatus(ctx context.Context, exec *domain.Execution, node *domain.Node) (Status, error)
}
