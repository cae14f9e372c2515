// Package store is the durable state store: the authoritative record
// of analyses, tasks, machines, and node/route bookkeeping, keyed to
// the `analyses`, `tasks`, `machines`, `node_tasks`, `route_handles`
// tables.
package store

import "github.com/cert-ee/cuckoo3/pkg/types"

// Store is the persistence contract the controller and machine pool
// read and write through. A schema version gate (see SchemaVersion)
// protects against running an old binary against a newer database.
type Store interface {
	// Analyses
	CreateAnalysis(a *types.Analysis) error
	GetAnalysis(id string) (*types.Analysis, error)
	ListAnalyses() ([]*types.Analysis, error)
	UpdateAnalysis(a *types.Analysis) error

	// Tasks
	CreateTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByAnalysis(analysisID string) ([]*types.Task, error)
	ListTasksByState(states ...types.TaskState) ([]*types.Task, error)
	UpdateTask(t *types.Task) error

	// Machines
	CreateMachine(m *types.Machine) error
	GetMachine(name string) (*types.Machine, error)
	ListMachines() ([]*types.Machine, error)
	UpdateMachine(m *types.Machine) error
	DeleteMachine(name string) error

	// Node records (main node only)
	UpsertNodeRecord(n *types.NodeRecord) error
	GetNodeRecord(name string) (*types.NodeRecord, error)
	ListNodeRecords() ([]*types.NodeRecord, error)

	// node_tasks: which remote node a task was fanned out to.
	AssignTaskToNode(taskID, nodeName string) error
	TaskNode(taskID string) (string, bool, error)

	// route_handles: the rooter handle currently open for a task.
	SetRouteHandle(taskID, handle string) error
	GetRouteHandle(taskID string) (string, bool, error)
	ClearRouteHandle(taskID string) error
	ListOpenRouteHandles() (map[string]string, error)

	SchemaVersion() (int, error)

	Close() error
}

// CurrentSchemaVersion is bumped whenever the bucket layout changes in
// an incompatible way. NewBoltStore refuses to open a database that
// records a newer version; `cuckoo migrate database all` opens the
// store, creating any missing buckets.
const CurrentSchemaVersion = 1
