package controller

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// raftConfig names the single-node Raft cluster the controller
// bootstraps for durability. Cuckoo3 never clusters controllers — the
// spec describes one controller per deployment — so BindAddr only
// needs to be loopback-reachable by this process's own transport.
type raftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// bootstrapRaft brings up a fresh single-node Raft group fronting fsm,
// persisting its log and stable store under dataDir alongside a file
// snapshot store, sized for exactly one voter.
func bootstrapRaft(cfg raftConfig, f *fsm) (*raft.Raft, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(rc, f, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft instance: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return nil, fmt.Errorf("check existing raft state: %w", err)
	}
	if !hasState {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: rc.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}

	if err := waitForLeader(r, 10*time.Second); err != nil {
		return nil, err
	}
	return r, nil
}

// newInmemRaft brings up a single-node Raft group backed entirely by
// in-memory stores and an in-memory transport, for tests that need the
// FSM's Apply durability boundary without touching disk or a real
// socket — the construction hashicorp/raft's own test suite uses.
func newInmemRaft(nodeID string, f *fsm) (*raft.Raft, error) {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(nodeID)
	rc.HeartbeatTimeout = 50 * time.Millisecond
	rc.ElectionTimeout = 50 * time.Millisecond
	rc.LeaderLeaseTimeout = 25 * time.Millisecond
	rc.CommitTimeout = 5 * time.Millisecond

	_, transport := raft.NewInmemTransport(raft.ServerAddress(nodeID))
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshots := raft.NewInmemSnapshotStore()

	r, err := raft.NewRaft(rc, f, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create inmem raft instance: %w", err)
	}
	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: rc.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("bootstrap inmem raft cluster: %w", err)
	}
	if err := waitForLeader(r, 5*time.Second); err != nil {
		return nil, err
	}
	return r, nil
}

func waitForLeader(r *raft.Raft, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.State() == raft.Leader {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("raft did not elect a leader within %s", timeout)
}

// apply submits cmd to the Raft log and waits for it to be committed
// and applied, returning any error the FSM's Apply reported.
func apply(r *raft.Raft, op string, v interface{}, timeout time.Duration) error {
	data, err := encodeCommand(op, v)
	if err != nil {
		return err
	}
	future := r.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply %s: %w", op, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return fmt.Errorf("fsm apply %s: %w", op, err)
		}
	}
	return nil
}
