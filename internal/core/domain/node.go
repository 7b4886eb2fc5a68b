package domain

import "time"

// NodeStatus is the health state of a remote compute node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "ONLINE"
	NodeOffline NodeStatus = "OFFLINE"
	NodeUnknown NodeStatus = "UNKNOWN"
)

// Node represents a remote compute target running a deployment agent.
// Nodes are registered out of band; the health monitor is the only
// component that flips Status based on heartbeat age.
type Node struct {
	ID       string
	Name     string
	AgentURL string
	// ProbeAddr is the host:port of the agent's gRPC health endpoint.
	// Empty disables direct probing.
	ProbeAddr     string
	Status        NodeStatus
	LastHeartbeat time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
