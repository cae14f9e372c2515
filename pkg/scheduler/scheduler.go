// Package scheduler matches PENDING tasks to free machines, sweeping
// on a fixed tick and honoring platform, os_version, and tag
// constraints under priority/FIFO ordering.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/metrics"
	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/rs/zerolog"
)

// RemoteMachine is a scheduling candidate advertised by a remote
// task-node, as opposed to a machine in the local pool.
type RemoteMachine struct {
	NodeName    string
	MachineName string
}

// RemoteCandidates abstracts remote-node fan-out so the scheduler
// never depends on the node API transport directly; cmd/cuckoo wires
// a concrete implementation in whenever remote nodes are configured.
type RemoteCandidates interface {
	ListByTags(platform, osVersion string, tags []string) []RemoteMachine
	Reserve(nodeName, machineName, taskID string) (bool, error)
}

// AssignedFunc is invoked once a task has been atomically reserved
// against a machine, local or remote.
type AssignedFunc func(task *types.Task, machineName, nodeName string)

// FailFunc reports task_finished(task_id, outcome) to the controller
// for a task the sweep could not place on any machine at all — it
// never started, so there is no detonation to tear down, but the
// controller still needs to see the terminal state to evaluate
// whether the task's analysis is now complete.
type FailFunc func(taskID string, outcome error)

// Scheduler runs the periodic scheduling sweep.
type Scheduler struct {
	st       store.Store
	local    *pool.Pool
	remote   RemoteCandidates
	onAssign AssignedFunc
	onFail   FailFunc
	tick     time.Duration

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New returns a Scheduler. remote may be nil when no remote nodes are
// configured.
func New(st store.Store, local *pool.Pool, remote RemoteCandidates, tick time.Duration, onAssign AssignedFunc, onFail FailFunc) *Scheduler {
	return &Scheduler{
		st:       st,
		local:    local,
		remote:   remote,
		onAssign: onAssign,
		onFail:   onFail,
		tick:     tick,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduling loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				s.logger.Error().Err(err).Msg("scheduling sweep failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Sweep performs one scheduling pass over every PENDING task, ordered
// by (priority desc, created_at asc, task_id asc). A task whose
// requirements match no registered machine anywhere is failed with
// NoMatchingMachine after this single sweep — it is not retried on
// the next tick.
func (s *Scheduler) Sweep() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.st.ListTasksByState(types.TaskPending)
	if err != nil {
		return fmt.Errorf("list pending tasks: %w", err)
	}

	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	for _, task := range pending {
		s.scheduleOne(task)
	}
	return nil
}

func (s *Scheduler) scheduleOne(task *types.Task) {
	// Local candidates are preferred over remote ones.
	for _, m := range s.local.ListByTags(task.Platform, task.OSVersion, task.RequiredTags) {
		reserved, ok, err := s.local.Acquire(m.Name, task.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("machine", m.Name).Str("task_id", task.ID).Msg("acquire failed")
			continue
		}
		if !ok {
			// Lost the CAS race to a concurrent sweep; try the next
			// candidate rather than retrying this one.
			continue
		}
		s.assign(task, reserved.Name, "")
		return
	}

	if s.remote != nil {
		for _, rm := range s.remote.ListByTags(task.Platform, task.OSVersion, task.RequiredTags) {
			ok, err := s.remote.Reserve(rm.NodeName, rm.MachineName, task.ID)
			if err != nil {
				s.logger.Warn().Err(err).Str("node", rm.NodeName).Str("machine", rm.MachineName).Msg("remote reserve failed")
				continue
			}
			if !ok {
				continue
			}
			s.assign(task, rm.MachineName, rm.NodeName)
			return
		}
	}

	// A task whose matching local machines are only busy stays PENDING
	// for the next sweep.
	for _, m := range s.local.List() {
		if !m.Disabled && m.Platform == task.Platform &&
			(task.OSVersion == "" || m.OSVersion == task.OSVersion) && m.HasTags(task.RequiredTags) {
			return
		}
	}

	s.fail(task, errs.KindNoMatchingMachine, "no machine matches platform/os_version/tags")
}

func (s *Scheduler) assign(task *types.Task, machineName, nodeName string) {
	task.Machine = machineName
	task.Node = nodeName
	task.State = types.TaskAssigned
	if err := s.st.UpdateTask(task); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("persist assignment failed")
		return
	}
	if nodeName != "" {
		if err := s.st.AssignTaskToNode(task.ID, nodeName); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("persist node assignment failed")
		}
	}
	metrics.SchedulingLatency.Observe(time.Since(task.CreatedAt).Seconds())
	metrics.TasksAssigned.Inc()
	if s.onAssign != nil {
		s.onAssign(task, machineName, nodeName)
	}
}

// fail reports a task that matched no machine anywhere back to the
// controller rather than writing TaskFailed to the store directly: the
// controller is the sole task mutator, and only it knows to re-check
// the owning analysis for completion once this was the last
// outstanding task.
func (s *Scheduler) fail(task *types.Task, kind errs.Kind, reason string) {
	metrics.TasksUnschedulable.Inc()
	metrics.TaskOutcomesTotal.WithLabelValues("failed").Inc()
	s.logger.Warn().Str("task_id", task.ID).Str("kind", string(kind)).Msg(reason)
	if s.onFail != nil {
		s.onFail(task.ID, errs.New(kind, errors.New(reason)))
	}
}
