package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cert-ee/cuckoo3/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAnalyses     = []byte("analyses")
	bucketTasks        = []byte("tasks")
	bucketMachines     = []byte("machines")
	bucketNodeTasks    = []byte("node_tasks")
	bucketRouteHandles = []byte("route_handles")
	bucketNodes        = []byte("nodes")
	bucketMeta         = []byte("meta")

	metaKeySchemaVersion = []byte("schema_version")
)

// BoltStore implements Store using an embedded bbolt database
// (operational/taskqueue.db).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the state store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "taskqueue.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAnalyses, bucketTasks, bucketMachines,
			bucketNodeTasks, bucketRouteHandles, bucketNodes, bucketMeta,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if stored := meta.Get(metaKeySchemaVersion); stored != nil {
			if got := int(binary.BigEndian.Uint64(stored)); got > CurrentSchemaVersion {
				return fmt.Errorf("state store schema version %d is newer than supported version %d", got, CurrentSchemaVersion)
			}
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(CurrentSchemaVersion))
		return meta.Put(metaKeySchemaVersion, buf)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) SchemaVersion() (int, error) {
	var v int
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketMeta).Get(metaKeySchemaVersion)
		if buf == nil {
			return fmt.Errorf("schema version not set")
		}
		v = int(binary.BigEndian.Uint64(buf))
		return nil
	})
	return v, err
}

// --- Analyses ---

func (s *BoltStore) CreateAnalysis(a *types.Analysis) error { return s.putAnalysis(a) }
func (s *BoltStore) UpdateAnalysis(a *types.Analysis) error { return s.putAnalysis(a) }

func (s *BoltStore) putAnalysis(a *types.Analysis) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAnalyses).Put([]byte(a.ID), data)
	})
}

func (s *BoltStore) GetAnalysis(id string) (*types.Analysis, error) {
	var a types.Analysis
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAnalyses).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("analysis not found: %s", id)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAnalyses() ([]*types.Analysis, error) {
	var out []*types.Analysis
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnalyses).ForEach(func(_, v []byte) error {
			var a types.Analysis
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

// --- Tasks ---

func (s *BoltStore) CreateTask(t *types.Task) error { return s.putTask(t) }
func (s *BoltStore) UpdateTask(t *types.Task) error { return s.putTask(t) }

func (s *BoltStore) putTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var t types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListTasksByAnalysis(analysisID string) ([]*types.Task, error) {
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.AnalysisID == analysisID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *BoltStore) ListTasksByState(states ...types.TaskState) ([]*types.Task, error) {
	want := make(map[types.TaskState]struct{}, len(states))
	for _, st := range states {
		want[st] = struct{}{}
	}
	all, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if _, ok := want[t.State]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- Machines ---

func (s *BoltStore) CreateMachine(m *types.Machine) error { return s.putMachine(m) }
func (s *BoltStore) UpdateMachine(m *types.Machine) error { return s.putMachine(m) }

func (s *BoltStore) putMachine(m *types.Machine) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMachines).Put([]byte(m.Name), data)
	})
}

func (s *BoltStore) GetMachine(name string) (*types.Machine, error) {
	var m types.Machine
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMachines).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("machine not found: %s", name)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListMachines() ([]*types.Machine, error) {
	var out []*types.Machine
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachines).ForEach(func(_, v []byte) error {
			var m types.Machine
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteMachine(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachines).Delete([]byte(name))
	})
}

// --- Node records ---

func (s *BoltStore) UpsertNodeRecord(n *types.NodeRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(n.Name), data)
	})
}

func (s *BoltStore) GetNodeRecord(name string) (*types.NodeRecord, error) {
	var n types.NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("node record not found: %s", name)
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNodeRecords() ([]*types.NodeRecord, error) {
	var out []*types.NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.NodeRecord
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

// --- node_tasks ---

func (s *BoltStore) AssignTaskToNode(taskID, nodeName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeTasks).Put([]byte(taskID), []byte(nodeName))
	})
}

func (s *BoltStore) TaskNode(taskID string) (string, bool, error) {
	var name string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodeTasks).Get([]byte(taskID))
		if data != nil {
			name = string(data)
			found = true
		}
		return nil
	})
	return name, found, err
}

// --- route_handles ---

func (s *BoltStore) SetRouteHandle(taskID, handle string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRouteHandles).Put([]byte(taskID), []byte(handle))
	})
}

func (s *BoltStore) GetRouteHandle(taskID string) (string, bool, error) {
	var handle string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRouteHandles).Get([]byte(taskID))
		if data != nil {
			handle = string(data)
			found = true
		}
		return nil
	})
	return handle, found, err
}

func (s *BoltStore) ClearRouteHandle(taskID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRouteHandles).Delete([]byte(taskID))
	})
}

func (s *BoltStore) ListOpenRouteHandles() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRouteHandles).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}
