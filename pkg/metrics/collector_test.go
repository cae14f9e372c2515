package metrics

import (
	"testing"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeStore implements just enough of store.Store for the collector;
// every method the collector doesn't call is a trivial stub.
type fakeStore struct {
	analyses []*types.Analysis
	tasks    []*types.Task
}

func (f *fakeStore) CreateAnalysis(a *types.Analysis) error { return nil }
func (f *fakeStore) GetAnalysis(id string) (*types.Analysis, error) {
	return nil, nil
}
func (f *fakeStore) ListAnalyses() ([]*types.Analysis, error) { return f.analyses, nil }
func (f *fakeStore) UpdateAnalysis(a *types.Analysis) error   { return nil }

func (f *fakeStore) CreateTask(t *types.Task) error { return nil }
func (f *fakeStore) GetTask(id string) (*types.Task, error) {
	return nil, nil
}
func (f *fakeStore) ListTasks() ([]*types.Task, error) { return f.tasks, nil }
func (f *fakeStore) ListTasksByAnalysis(analysisID string) ([]*types.Task, error) {
	return nil, nil
}
func (f *fakeStore) ListTasksByState(states ...types.TaskState) ([]*types.Task, error) {
	return nil, nil
}
func (f *fakeStore) UpdateTask(t *types.Task) error { return nil }

func (f *fakeStore) CreateMachine(m *types.Machine) error { return nil }
func (f *fakeStore) GetMachine(name string) (*types.Machine, error) {
	return nil, nil
}
func (f *fakeStore) ListMachines() ([]*types.Machine, error) { return nil, nil }
func (f *fakeStore) UpdateMachine(m *types.Machine) error    { return nil }
func (f *fakeStore) DeleteMachine(name string) error         { return nil }

func (f *fakeStore) UpsertNodeRecord(n *types.NodeRecord) error { return nil }
func (f *fakeStore) GetNodeRecord(name string) (*types.NodeRecord, error) {
	return nil, nil
}
func (f *fakeStore) ListNodeRecords() ([]*types.NodeRecord, error) { return nil, nil }

func (f *fakeStore) AssignTaskToNode(taskID, nodeName string) error { return nil }
func (f *fakeStore) TaskNode(taskID string) (string, bool, error)   { return "", false, nil }

func (f *fakeStore) SetRouteHandle(taskID, handle string) error        { return nil }
func (f *fakeStore) GetRouteHandle(taskID string) (string, bool, error) { return "", false, nil }
func (f *fakeStore) ClearRouteHandle(taskID string) error               { return nil }
func (f *fakeStore) ListOpenRouteHandles() (map[string]string, error)   { return nil, nil }

func (f *fakeStore) SchemaVersion() (int, error) { return store.CurrentSchemaVersion, nil }
func (f *fakeStore) Close() error                { return nil }

func TestCollectorSnapshotsAnalysisAndTaskCounts(t *testing.T) {
	st := &fakeStore{
		analyses: []*types.Analysis{
			{ID: "a1", State: types.AnalysisTasksPending},
			{ID: "a2", State: types.AnalysisTasksPending},
			{ID: "a3", State: types.AnalysisFinished},
		},
		tasks: []*types.Task{
			{ID: "t1", State: types.TaskRunning},
			{ID: "t2", State: types.TaskReported},
		},
	}

	c := NewCollector(st, nil, nil)
	c.collect()

	if got := testutil.ToFloat64(AnalysesTotal.WithLabelValues(string(types.AnalysisTasksPending))); got != 2 {
		t.Errorf("analyses tasks_pending = %v, want 2", got)
	}
	if got := testutil.ToFloat64(TasksTotal.WithLabelValues(string(types.TaskRunning))); got != 1 {
		t.Errorf("tasks running = %v, want 1", got)
	}
}

func TestCollectorNodeCounterFeedsNodesConnectedGauge(t *testing.T) {
	st := &fakeStore{}
	c := NewCollector(st, nil, func() int { return 3 })
	c.collect()

	if got := testutil.ToFloat64(NodesConnected); got != 3 {
		t.Errorf("nodes connected = %v, want 3", got)
	}
}

func TestCollectorStartStopDoesNotPanic(t *testing.T) {
	st := &fakeStore{}
	c := NewCollector(st, (*pool.Pool)(nil), nil)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
}
