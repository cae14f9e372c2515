package nodeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/binstore"
	"github.com/cert-ee/cuckoo3/pkg/layout"
	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	analyses  map[string]*types.Analysis
	tasks     map[string]*types.Task
	machines  map[string]*types.Machine
	nodes     map[string]*types.NodeRecord
	taskNodes map[string]string
	routes    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		analyses:  make(map[string]*types.Analysis),
		tasks:     make(map[string]*types.Task),
		machines:  make(map[string]*types.Machine),
		nodes:     make(map[string]*types.NodeRecord),
		taskNodes: make(map[string]string),
		routes:    make(map[string]string),
	}
}

var errNotFound = errors.New("not found")

func (s *fakeStore) CreateAnalysis(a *types.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.analyses[a.ID] = &cp
	return nil
}

func (s *fakeStore) GetAnalysis(id string) (*types.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ListAnalyses() ([]*types.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Analysis, 0, len(s.analyses))
	for _, a := range s.analyses {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) UpdateAnalysis(a *types.Analysis) error { return s.CreateAnalysis(a) }

func (s *fakeStore) CreateTask(t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) GetTask(id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) ListTasks() ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) ListTasksByAnalysis(analysisID string) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.AnalysisID == analysisID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ListTasksByState(states ...types.TaskState) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[types.TaskState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []*types.Task
	for _, t := range s.tasks {
		if want[t.State] {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateTask(t *types.Task) error { return s.CreateTask(t) }

func (s *fakeStore) CreateMachine(m *types.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.machines[m.Name] = &cp
	return nil
}

func (s *fakeStore) GetMachine(name string) (*types.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[name]
	if !ok {
		return nil, errNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) ListMachines() ([]*types.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) UpdateMachine(m *types.Machine) error { return s.CreateMachine(m) }

func (s *fakeStore) DeleteMachine(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.machines, name)
	return nil
}

func (s *fakeStore) UpsertNodeRecord(n *types.NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodes[n.Name] = &cp
	return nil
}

func (s *fakeStore) GetNodeRecord(name string) (*types.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[name]
	if !ok {
		return nil, errNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *fakeStore) ListNodeRecords() ([]*types.NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.NodeRecord, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) AssignTaskToNode(taskID, nodeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskNodes[taskID] = nodeName
	return nil
}

func (s *fakeStore) TaskNode(taskID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.taskNodes[taskID]
	return n, ok, nil
}

func (s *fakeStore) SetRouteHandle(taskID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[taskID] = handle
	return nil
}

func (s *fakeStore) GetRouteHandle(taskID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.routes[taskID]
	return h, ok, nil
}

func (s *fakeStore) ClearRouteHandle(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, taskID)
	return nil
}

func (s *fakeStore) ListOpenRouteHandles() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.routes))
	for k, v := range s.routes {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) SchemaVersion() (int, error) { return 1, nil }
func (s *fakeStore) Close() error                { return nil }

func newTestServer(t *testing.T, run RunFunc) (*Server, *fakeStore, *pool.Pool) {
	t.Helper()

	st := newFakeStore()
	require.NoError(t, st.CreateMachine(&types.Machine{
		Name: "cape1", Platform: "windows", OSVersion: "10", State: types.MachinePowerOff,
	}))

	p, err := pool.New(st)
	require.NoError(t, err)

	bins, err := binstore.New(t.TempDir(), 1, 1<<20)
	require.NoError(t, err)

	cwd, err := layout.New(t.TempDir())
	require.NoError(t, err)

	if run == nil {
		run = func(ctx context.Context, task *types.Task, machine *types.Machine) {}
	}

	srv := New(st, bins, p, cwd, "secret-token", run)
	return srv, st, p
}

func TestMachinesRequiresBearerToken(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/machines")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMachinesListsPoolInventory(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.mux)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/machines", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "token secret-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "cape1")
}

func TestCreateTaskReservesAndRuns(t *testing.T) {
	var ranTaskID string
	var mu sync.Mutex
	doneCh := make(chan struct{})

	run := func(ctx context.Context, task *types.Task, machine *types.Machine) {
		mu.Lock()
		ranTaskID = task.ID
		mu.Unlock()
		close(doneCh)
	}

	srv, _, _ := newTestServer(t, run)
	ts := httptest.NewServer(srv.mux)
	defer ts.Close()

	task := types.Task{ID: "task-1", AnalysisID: "analysis-1", Machine: "cape1", Platform: "windows", OSVersion: "10"}
	analysis := types.Analysis{ID: "analysis-1", Category: types.CategoryURL, Target: types.Target{Category: types.CategoryURL, URL: "http://example.test"}}
	env := TaskEnvelope{Task: task, Analysis: analysis}

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	body := bytes.NewReader(raw)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/tasks", body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "token secret-token")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("run was never invoked")
	}
	mu.Lock()
	require.Equal(t, "task-1", ranTaskID)
	mu.Unlock()
}

func TestGetTaskResultRejectsBeforeReported(t *testing.T) {
	srv, st, _ := newTestServer(t, nil)
	require.NoError(t, st.CreateTask(&types.Task{ID: "task-1", AnalysisID: "analysis-1", State: types.TaskRunning}))

	ts := httptest.NewServer(srv.mux)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/tasks/task-1/result", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "token secret-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeleteTaskCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})

	run := func(ctx context.Context, task *types.Task, machine *types.Machine) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}

	srv, _, _ := newTestServer(t, run)
	ts := httptest.NewServer(srv.mux)
	defer ts.Close()

	task := types.Task{ID: "task-1", AnalysisID: "analysis-1", Machine: "cape1", Platform: "windows", OSVersion: "10"}
	analysis := types.Analysis{ID: "analysis-1", Category: types.CategoryURL, Target: types.Target{Category: types.CategoryURL, URL: "http://example.test"}}
	env := TaskEnvelope{Task: task, Analysis: analysis}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	body := bytes.NewReader(raw)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/tasks", body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "token secret-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}

	delReq, err := http.NewRequest(http.MethodDelete, ts.URL+"/tasks/task-1", nil)
	require.NoError(t, err)
	delReq.Header.Set("Authorization", "token secret-token")
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusAccepted, delResp.StatusCode)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("run context was never cancelled")
	}
}
