package taskrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AgentClient talks to the in-guest agent's HTTP surface. The agent's
// own payload and monitor binaries are out of scope here — only the
// /store and /execute calls the task-runner makes against it are in
// scope.
type AgentClient struct {
	httpClient *http.Client
}

// NewAgentClient returns an AgentClient whose requests are bounded by
// perCallTimeout.
func NewAgentClient(perCallTimeout time.Duration) *AgentClient {
	return &AgentClient{httpClient: &http.Client{Timeout: perCallTimeout}}
}

// Store uploads the analysis payload to the guest agent's /store
// endpoint ahead of execution.
func (a *AgentClient) Store(ctx context.Context, ip string, port int, filename string, payload []byte) error {
	url := fmt.Sprintf("http://%s:%d/store", ip, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build store request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filename)
	return a.do(req, "store")
}

// Execute tells the guest agent to begin detonating the previously
// stored payload.
func (a *AgentClient) Execute(ctx context.Context, ip string, port int) error {
	url := fmt.Sprintf("http://%s:%d/execute", ip, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build execute request: %w", err)
	}
	return a.do(req, "execute")
}

func (a *AgentClient) do(req *http.Request, step string) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s unreachable: %w", step, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent %s returned status %d", step, resp.StatusCode)
	}
	return nil
}
