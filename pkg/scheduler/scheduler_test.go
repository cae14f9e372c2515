package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory store.Store sufficient to exercise
// the scheduler's sweep logic.
type fakeStore struct {
	mu       sync.Mutex
	tasks    map[string]*types.Task
	machines map[string]*types.Machine
	nodeTask map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    make(map[string]*types.Task),
		machines: make(map[string]*types.Machine),
		nodeTask: make(map[string]string),
	}
}

func (f *fakeStore) CreateAnalysis(*types.Analysis) error        { return nil }
func (f *fakeStore) GetAnalysis(string) (*types.Analysis, error) { return nil, nil }
func (f *fakeStore) ListAnalyses() ([]*types.Analysis, error)    { return nil, nil }
func (f *fakeStore) UpdateAnalysis(*types.Analysis) error        { return nil }

func (f *fakeStore) CreateTask(t *types.Task) error { return f.UpdateTask(t) }

func (f *fakeStore) GetTask(id string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, errNotFound
	}
	out := *t
	return &out, nil
}

func (f *fakeStore) ListTasks() ([]*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) ListTasksByAnalysis(string) ([]*types.Task, error) { return nil, nil }

func (f *fakeStore) ListTasksByState(states ...types.TaskState) ([]*types.Task, error) {
	want := make(map[types.TaskState]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}
	all, _ := f.ListTasks()
	var out []*types.Task
	for _, t := range all {
		if _, ok := want[t.State]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTask(t *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tasks[t.ID] = &cp
	return nil
}

func (f *fakeStore) CreateMachine(m *types.Machine) error { return f.UpdateMachine(m) }

func (f *fakeStore) GetMachine(name string) (*types.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[name]
	if !ok {
		return nil, errNotFound
	}
	out := *m
	return &out, nil
}

func (f *fakeStore) ListMachines() ([]*types.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Machine, 0, len(f.machines))
	for _, m := range f.machines {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateMachine(m *types.Machine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.machines[m.Name] = &cp
	return nil
}

func (f *fakeStore) DeleteMachine(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.machines, name)
	return nil
}

func (f *fakeStore) UpsertNodeRecord(*types.NodeRecord) error          { return nil }
func (f *fakeStore) GetNodeRecord(string) (*types.NodeRecord, error)    { return nil, nil }
func (f *fakeStore) ListNodeRecords() ([]*types.NodeRecord, error)     { return nil, nil }

func (f *fakeStore) AssignTaskToNode(taskID, nodeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodeTask[taskID] = nodeName
	return nil
}

func (f *fakeStore) TaskNode(taskID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodeTask[taskID]
	return n, ok, nil
}

func (f *fakeStore) SetRouteHandle(string, string) error               { return nil }
func (f *fakeStore) GetRouteHandle(string) (string, bool, error)       { return "", false, nil }
func (f *fakeStore) ClearRouteHandle(string) error                     { return nil }
func (f *fakeStore) ListOpenRouteHandles() (map[string]string, error)  { return nil, nil }
func (f *fakeStore) SchemaVersion() (int, error)                       { return 1, nil }
func (f *fakeStore) Close() error                                      { return nil }

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func pendingTask(id string, priority int, createdAt time.Time) *types.Task {
	return &types.Task{
		ID:        id,
		Platform:  "windows",
		OSVersion: "10",
		Priority:  priority,
		State:     types.TaskPending,
		CreatedAt: createdAt,
	}
}

func winMachine(name string) types.Machine {
	return types.Machine{Name: name, Platform: "windows", OSVersion: "10", State: types.MachinePowerOff}
}

func TestSweepAssignsHigherPriorityFirst(t *testing.T) {
	fs := newFakeStore()
	require.NoError(t, fs.CreateMachine(&[]types.Machine{winMachine("win1")}[0]))

	base := time.Now()
	low := pendingTask("a_1", 1, base)
	high := pendingTask("a_2", 5, base.Add(time.Second))
	require.NoError(t, fs.CreateTask(low))
	require.NoError(t, fs.CreateTask(high))

	p, err := pool.New(fs)
	require.NoError(t, err)

	var assigned []string
	sched := New(fs, p, nil, time.Hour, func(task *types.Task, machineName, nodeName string) {
		assigned = append(assigned, task.ID)
	}, nil)

	require.NoError(t, sched.Sweep())

	require.Len(t, assigned, 1)
	assert.Equal(t, "a_2", assigned[0], "higher priority task should be scheduled first and take the only machine")
}

// A task matching no machine anywhere must be reported back through
// onFail rather than written to the store directly: only the
// controller mutates task rows, and only it knows to re-check the
// owning analysis for completion.
func TestSweepFailsTaskWithNoMatchingMachine(t *testing.T) {
	fs := newFakeStore()
	task := pendingTask("a_1", 1, time.Now())
	task.Platform = "linux"
	task.OSVersion = "22.04"
	require.NoError(t, fs.CreateTask(task))

	p, err := pool.New(fs)
	require.NoError(t, err)

	var failedID string
	var failedErr error
	sched := New(fs, p, nil, time.Hour, nil, func(taskID string, outcome error) {
		failedID = taskID
		failedErr = outcome
	})
	require.NoError(t, sched.Sweep())

	assert.Equal(t, "a_1", failedID)
	require.Error(t, failedErr)
	assert.True(t, errs.Is(failedErr, errs.KindNoMatchingMachine))
	assert.Contains(t, failedErr.Error(), "no machine matches")

	got, err := fs.GetTask("a_1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.State, "scheduler no longer writes task state itself")
}

func TestSweepPrefersLocalOverRemote(t *testing.T) {
	fs := newFakeStore()
	require.NoError(t, fs.CreateMachine(&[]types.Machine{winMachine("win1")}[0]))
	task := pendingTask("a_1", 1, time.Now())
	require.NoError(t, fs.CreateTask(task))

	p, err := pool.New(fs)
	require.NoError(t, err)

	remoteCalled := false
	remote := fakeRemote{
		list: func(string, string, []string) []RemoteMachine {
			remoteCalled = true
			return nil
		},
	}

	sched := New(fs, p, remote, time.Hour, nil, nil)
	require.NoError(t, sched.Sweep())

	assert.False(t, remoteCalled, "remote candidates should not be consulted when a local machine matches")
}

type fakeRemote struct {
	list func(platform, osVersion string, tags []string) []RemoteMachine
}

func (r fakeRemote) ListByTags(platform, osVersion string, tags []string) []RemoteMachine {
	return r.list(platform, osVersion, tags)
}

func (r fakeRemote) Reserve(nodeName, machineName, taskID string) (bool, error) {
	return false, nil
}
