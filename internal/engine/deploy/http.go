package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inam6565/application-as-service/internal/core/domain"
)

// AgentDeployer talks to the node's runtime agent over HTTP.
//
//	POST {agent}/deployments            start a deployment
//	GET  {agent}/deployments/{id}       query its status
type AgentDeployer struct {
	httpClient *http.Client
}

// NewAgentDeployer creates an HTTP deployer with the given per-call timeout.
func NewAgentDeployer(timeout time.Duration) *AgentDeployer {
	return &AgentDeployer{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type deployRequest struct {
	ExecutionID string         `json:"execution_id"`
	Spec        map[string]any `json:"spec"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Deploy starts the execution on the node's agent.
func (d *AgentDeployer) Deploy(
	ctx context.Context,
	exec *domain.Execution,
	node *domain.Node,
) error {
	body, err := json.Marshal(deployRequest{
		ExecutionID: exec.ID,
		Spec:        exec.Spec,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/deployments", node.AgentURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent rejected deployment (HTTP %d): %s", resp.StatusCode, string(detail))
	}
	return nil
}

// QueryStatus asks the agent for the deployment's current state.
func (d *AgentDeployer) QueryStatus(
	ctx context.Context,
	exec *domain.Execution,
	node *domain.Node,
) (Status, error) {
	url := fmt.Sprintf("%s/deployments/%s", node.AgentURL, exec.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("agent call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The agent has no record of the deployment. The remote process
		// may have been reaped; report failure so the retry path decides.
		return Status{State: StatusFailed, Message: "deployment not tracked by node agent: connection lost"}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Status{}, fmt.Errorf("agent status query failed (HTTP %d)", resp.StatusCode)
	}

	var parsed statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Status{}, fmt.Errorf("decode status response: %w", err)
	}

	switch parsed.Status {
	case "succeeded", "completed":
		return Status{State: StatusSucceeded, Message: parsed.Message}, nil
	case "failed":
		return Status{State: StatusFailed, Message: parsed.Message}, nil
	default:
		return Status{State: StatusPending, Message: parsed.Message}, nil
	}
}
