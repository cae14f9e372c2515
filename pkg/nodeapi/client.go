package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/binstore"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/scheduler"
	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/rs/zerolog"
)

// Client talks to one remote task-node's Server. It implements
// scheduler.RemoteCandidates so the scheduler never depends on the
// node API transport directly.
type Client struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client

	st   store.Store
	bins *binstore.Store

	logger zerolog.Logger
}

// NewClient returns a Client for the remote node named name, reachable
// at baseURL, authenticated with token. st and bins resolve the
// locally-authoritative task/analysis/payload records a Reserve call
// needs to forward.
func NewClient(name, baseURL, token string, st store.Store, bins *binstore.Store, callTimeout time.Duration) *Client {
	return &Client{
		name:       name,
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: callTimeout},
		st:         st,
		bins:       bins,
		logger:     log.WithComponent("nodeapi-client").With().Str("node", name).Logger(),
	}
}

// Name returns the remote node's configured name.
func (c *Client) Name() string { return c.name }

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// Machines fetches GET /machines.
func (c *Client) Machines(ctx context.Context) ([]*types.Machine, error) {
	resp, err := c.do(ctx, http.MethodGet, "/machines", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s: GET /machines returned %d", c.name, resp.StatusCode)
	}
	var machines []*types.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
		return nil, fmt.Errorf("decode machines from node %s: %w", c.name, err)
	}
	return machines, nil
}

// ListByTags implements scheduler.RemoteCandidates by fetching the
// remote machine list and filtering it client-side the same way the
// local pool's ListByTags does.
func (c *Client) ListByTags(platform, osVersion string, tags []string) []scheduler.RemoteMachine {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	machines, err := c.Machines(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("list remote machines failed")
		return nil
	}

	var out []scheduler.RemoteMachine
	for _, m := range machines {
		if !m.Eligible() {
			continue
		}
		if m.Platform != platform || (osVersion != "" && m.OSVersion != osVersion) {
			continue
		}
		if !m.HasTags(tags) {
			continue
		}
		out = append(out, scheduler.RemoteMachine{NodeName: c.name, MachineName: m.Name})
	}
	return out
}

// Reserve implements scheduler.RemoteCandidates by looking up the
// locally-authoritative task and its parent analysis, inlining the
// submission payload for file targets, and POSTing the result to the
// remote node's /tasks endpoint.
func (c *Client) Reserve(nodeName, machineName, taskID string) (bool, error) {
	if nodeName != c.name {
		return false, fmt.Errorf("reserve called for node %s on client for node %s", nodeName, c.name)
	}

	task, err := c.st.GetTask(taskID)
	if err != nil {
		return false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	analysis, err := c.st.GetAnalysis(task.AnalysisID)
	if err != nil {
		return false, fmt.Errorf("load analysis %s: %w", task.AnalysisID, err)
	}

	env := TaskEnvelope{Task: *task, Analysis: *analysis}
	env.Task.Machine = machineName
	if analysis.Category == types.CategoryFile {
		data, err := readAll(c.bins, analysis.Target.SHA256)
		if err != nil {
			return false, fmt.Errorf("read payload %s: %w", analysis.Target.SHA256, err)
		}
		env.Payload = data
	}

	body, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("encode task envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := c.do(ctx, http.MethodPost, "/tasks", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("post task %s to node %s: %w", taskID, c.name, err)
	}
	defer resp.Body.Close()

	var rr reserveResponse
	_ = json.NewDecoder(resp.Body).Decode(&rr)

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusConflict:
		return false, nil
	default:
		if rr.Error != "" {
			return false, fmt.Errorf("node %s refused task %s: %s", c.name, taskID, rr.Error)
		}
		return false, fmt.Errorf("node %s returned status %d for task %s", c.name, resp.StatusCode, taskID)
	}
}

func readAll(bins *binstore.Store, sha256hex string) ([]byte, error) {
	f, err := bins.Open(sha256hex)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
