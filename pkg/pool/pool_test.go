package pool

import (
	"sync"
	"testing"

	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory store.Store for exercising the pool
// without bbolt.
type fakeStore struct {
	mu       sync.Mutex
	machines map[string]*types.Machine
}

func newFakeStore(machines ...types.Machine) *fakeStore {
	fs := &fakeStore{machines: make(map[string]*types.Machine)}
	for i := range machines {
		m := machines[i]
		fs.machines[m.Name] = &m
	}
	return fs
}

func (f *fakeStore) CreateAnalysis(*types.Analysis) error                   { return nil }
func (f *fakeStore) GetAnalysis(string) (*types.Analysis, error)            { return nil, nil }
func (f *fakeStore) ListAnalyses() ([]*types.Analysis, error)               { return nil, nil }
func (f *fakeStore) UpdateAnalysis(*types.Analysis) error                   { return nil }
func (f *fakeStore) CreateTask(*types.Task) error                           { return nil }
func (f *fakeStore) GetTask(string) (*types.Task, error)                    { return nil, nil }
func (f *fakeStore) ListTasks() ([]*types.Task, error)                      { return nil, nil }
func (f *fakeStore) ListTasksByAnalysis(string) ([]*types.Task, error)      { return nil, nil }
func (f *fakeStore) ListTasksByState(...types.TaskState) ([]*types.Task, error) { return nil, nil }
func (f *fakeStore) UpdateTask(*types.Task) error                           { return nil }

func (f *fakeStore) CreateMachine(m *types.Machine) error { return f.UpdateMachine(m) }

func (f *fakeStore) GetMachine(name string) (*types.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[name]
	if !ok {
		return nil, assertNotFound(name)
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

func (f *fakeStore) UpsertNodeRecord(*types.NodeRecord) error               { return nil }
func (f *fakeStore) GetNodeRecord(string) (*types.NodeRecord, error)        { return nil, nil }
func (f *fakeStore) ListNodeRecords() ([]*types.NodeRecord, error)          { return nil, nil }
func (f *fakeStore) AssignTaskToNode(string, string) error                  { return nil }
func (f *fakeStore) TaskNode(string) (string, bool, error)                  { return "", false, nil }
func (f *fakeStore) SetRouteHandle(string, string) error                    { return nil }
func (f *fakeStore) GetRouteHandle(string) (string, bool, error)            { return "", false, nil }
func (f *fakeStore) ClearRouteHandle(string) error                         { return nil }
func (f *fakeStore) ListOpenRouteHandles() (map[string]string, error)      { return nil, nil }
func (f *fakeStore) SchemaVersion() (int, error)                           { return 1, nil }
func (f *fakeStore) Close() error                                          { return nil }

type notFoundError struct{ name string }

func (e notFoundError) Error() string { return "machine not found: " + e.name }

func assertNotFound(name string) error { return notFoundError{name: name} }

func winMachine(name string) types.Machine {
	return types.Machine{
		Name:      name,
		Platform:  "windows",
		OSVersion: "10",
		Tags:      []string{"dotnet"},
		State:     types.MachinePowerOff,
	}
}

func TestAcquireReservesEligibleMachine(t *testing.T) {
	fs := newFakeStore(winMachine("win1"))
	p, err := New(fs)
	require.NoError(t, err)

	m, ok, err := p.Acquire("win1", "task_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "task_1", m.Reservation)

	persisted, err := fs.GetMachine("win1")
	require.NoError(t, err)
	assert.Equal(t, "task_1", persisted.Reservation)
}

func TestAcquireRejectsAlreadyReservedMachine(t *testing.T) {
	fs := newFakeStore(winMachine("win1"))
	p, err := New(fs)
	require.NoError(t, err)

	_, ok, err := p.Acquire("win1", "task_1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = p.Acquire("win1", "task_2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseFreesMachineForConcurrentAcquire(t *testing.T) {
	fs := newFakeStore(winMachine("win1"))
	p, err := New(fs)
	require.NoError(t, err)

	_, ok, err := p.Acquire("win1", "task_1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.Release("win1", nil))

	m, ok, err := p.Acquire("win1", "task_2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "task_2", m.Reservation)
}

func TestReleaseWithErrorDisablesMachine(t *testing.T) {
	fs := newFakeStore(winMachine("win1"))
	p, err := New(fs)
	require.NoError(t, err)

	_, ok, err := p.Acquire("win1", "task_1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.Release("win1", assertNotFound("boom")))

	m, ok := p.Get("win1")
	require.True(t, ok)
	assert.Equal(t, types.MachineDisabled, m.State)
	assert.True(t, m.Disabled)
}

func TestListByTagsFiltersOnPlatformOSVersionAndTags(t *testing.T) {
	fs := newFakeStore(
		winMachine("win1"),
		types.Machine{Name: "lin1", Platform: "linux", OSVersion: "20.04", State: types.MachinePowerOff},
	)
	p, err := New(fs)
	require.NoError(t, err)

	matches := p.ListByTags("windows", "10", []string{"dotnet"})
	require.Len(t, matches, 1)
	assert.Equal(t, "win1", matches[0].Name)

	assert.Empty(t, p.ListByTags("windows", "11", nil))
}
