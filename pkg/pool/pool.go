// Package pool is the machine pool: a thread-safe in-memory registry
// of configured machines backed by the state store, serializing
// acquire/release per machine while never holding its lock across
// driver I/O.
package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/types"
)

// Pool tracks the configured machine inventory and mediates
// reservations so at most one task holds a given machine at a time.
type Pool struct {
	mu       sync.Mutex
	store    store.Store
	machines map[string]*types.Machine
}

// New loads the current machine inventory from st into memory.
func New(st store.Store) (*Pool, error) {
	ms, err := st.ListMachines()
	if err != nil {
		return nil, fmt.Errorf("load machine inventory: %w", err)
	}
	p := &Pool{store: st, machines: make(map[string]*types.Machine, len(ms))}
	for _, m := range ms {
		p.machines[m.Name] = m
	}
	return p, nil
}

// Sync replaces the in-memory inventory with a freshly loaded machine
// list, e.g. after config.Watcher reports conf/machines.yaml changed.
// Machines removed from configuration but currently reserved are left
// in place until their task releases them.
func (p *Pool) Sync(machines []types.Machine) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*types.Machine, len(machines))
	for i := range machines {
		m := machines[i]
		if existing, ok := p.machines[m.Name]; ok {
			m.State = existing.State
			m.Reservation = existing.Reservation
			m.Disabled = existing.Disabled
			m.DisabledReason = existing.DisabledReason
			m.LockOwner = existing.LockOwner
			m.LastUsedAt = existing.LastUsedAt
		}
		next[m.Name] = &m
	}
	for name, m := range p.machines {
		if _, ok := next[name]; !ok && m.Reservation != "" {
			next[name] = m
		}
	}
	p.machines = next
}

// ListByTags returns every eligible machine matching platform,
// os_version, and the required tag set, for the scheduler's sweep.
// Results are ordered by (last_used_at asc, name asc) so the
// scheduler's "first candidate" choice is deterministic.
func (p *Pool) ListByTags(platform, osVersion string, tags []string) []*types.Machine {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*types.Machine
	for _, m := range p.machines {
		if !m.Eligible() {
			continue
		}
		if m.Platform != platform {
			continue
		}
		if osVersion != "" && m.OSVersion != osVersion {
			continue
		}
		if !m.HasTags(tags) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].LastUsedAt.Before(out[j].LastUsedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Acquire atomically reserves machine for taskID if it is still
// eligible, persisting the reservation before returning so a crash
// between reservation and task dispatch is recoverable from the store.
// Returns false if the machine was taken by a concurrent acquire.
func (p *Pool) Acquire(machineName, taskID string) (*types.Machine, bool, error) {
	p.mu.Lock()
	m, ok := p.machines[machineName]
	if !ok || !m.Eligible() {
		p.mu.Unlock()
		return nil, false, nil
	}
	reserved := *m
	reserved.Reservation = taskID
	reserved.LockOwner = taskID
	p.machines[machineName] = &reserved
	p.mu.Unlock()

	// Persist outside the lock: the pool lock must never be held
	// across store I/O per the acquire/release serialization
	// invariant.
	if err := p.store.UpdateMachine(&reserved); err != nil {
		p.mu.Lock()
		p.machines[machineName] = m
		p.mu.Unlock()
		return nil, false, fmt.Errorf("persist reservation for %s: %w", machineName, err)
	}

	out := reserved
	return &out, true, nil
}

// Release clears a machine's reservation at task end. If lastOpErr is
// non-nil the machine is moved to DISABLED with reason instead of
// POWEROFF. A concurrent Acquire may observe the machine free
// immediately after Release returns.
func (p *Pool) Release(machineName string, lastOpErr error) error {
	p.mu.Lock()
	m, ok := p.machines[machineName]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("release unknown machine %s", machineName)
	}
	released := *m
	released.Reservation = ""
	released.LockOwner = ""
	released.LastUsedAt = time.Now()
	if lastOpErr != nil {
		released.State = types.MachineDisabled
		released.Disabled = true
		released.DisabledReason = lastOpErr.Error()
	} else {
		released.State = types.MachinePowerOff
	}
	p.machines[machineName] = &released
	p.mu.Unlock()

	if err := p.store.UpdateMachine(&released); err != nil {
		return fmt.Errorf("persist release for %s: %w", machineName, err)
	}
	return nil
}

// MarkState records a normalized driver-observed state for machineName,
// driven by the machinery driver's State() query.
func (p *Pool) MarkState(machineName string, state types.MachineRuntimeState) error {
	p.mu.Lock()
	m, ok := p.machines[machineName]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("mark_state unknown machine %s", machineName)
	}
	updated := *m
	updated.State = state
	p.machines[machineName] = &updated
	p.mu.Unlock()

	if err := p.store.UpdateMachine(&updated); err != nil {
		return fmt.Errorf("persist state for %s: %w", machineName, err)
	}
	return nil
}

// Get returns a snapshot of a machine's current record.
func (p *Pool) Get(machineName string) (*types.Machine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.machines[machineName]
	if !ok {
		return nil, false
	}
	out := *m
	return &out, true
}

// List returns a snapshot of every machine in the pool.
func (p *Pool) List() []*types.Machine {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Machine, 0, len(p.machines))
	for _, m := range p.machines {
		cp := *m
		out = append(out, &cp)
	}
	return out
}
