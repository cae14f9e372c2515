package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/hashicorp/raft"
)

// fsm is the Raft finite state machine the controller drives its own
// event loop through: every analysis/task mutation is first appended
// to the Raft log, then applied here, so "transitions persisted before
// downstream work" holds even across a crash between persist and
// notify. A single-node cluster still goes through the log — it is
// the durability boundary, not a clustering mechanism, in this build.
type fsm struct {
	mu sync.RWMutex
	st store.Store
}

func newFSM(st store.Store) *fsm {
	return &fsm{st: st}
}

// command is the Raft log entry payload: an operation name plus its
// JSON-encoded argument.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opCreateAnalysis = "create_analysis"
	opUpdateAnalysis = "update_analysis"
	opCreateTask     = "create_task"
	opUpdateTask     = "update_task"
)

func encodeCommand(op string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return json.Marshal(command{Op: op, Data: data})
}

// Apply applies one committed Raft log entry to the state store.
func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreateAnalysis:
		var a types.Analysis
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.st.CreateAnalysis(&a)

	case opUpdateAnalysis:
		var a types.Analysis
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.st.UpdateAnalysis(&a)

	case opCreateTask:
		var t types.Task
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return err
		}
		return f.st.CreateTask(&t)

	case opUpdateTask:
		var t types.Task
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return err
		}
		return f.st.UpdateTask(&t)

	default:
		return fmt.Errorf("unknown controller command: %s", cmd.Op)
	}
}

// Snapshot captures every analysis and task row so Raft can compact
// its log; the state store itself (bbolt) is already the durable copy
// of record, so a snapshot here only needs to be replayable, not
// minimal.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	analyses, err := f.st.ListAnalyses()
	if err != nil {
		return nil, fmt.Errorf("list analyses for snapshot: %w", err)
	}
	tasks, err := f.st.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("list tasks for snapshot: %w", err)
	}
	return &fsmSnapshot{Analyses: analyses, Tasks: tasks}, nil
}

// Restore replays a snapshot into the state store, e.g. after this
// node restarts against an empty Raft log directory.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range snap.Analyses {
		if err := f.st.CreateAnalysis(a); err != nil {
			return fmt.Errorf("restore analysis %s: %w", a.ID, err)
		}
	}
	for _, t := range snap.Tasks {
		if err := f.st.CreateTask(t); err != nil {
			return fmt.Errorf("restore task %s: %w", t.ID, err)
		}
	}
	return nil
}

type fsmSnapshot struct {
	Analyses []*types.Analysis
	Tasks    []*types.Task
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
