package controller

import (
	"fmt"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/types"
)

// RecoverAbandoned scans for tasks left in STARTING|RUNNING|STOPPING
// by a process that exited without releasing them. The resolved
// default — recorded in DESIGN.md as the decision for the open
// abandoned-task-policy question — is cancel-and-release: an agent
// connection cannot be assumed to survive a controller restart, so
// resuming monitoring of an in-flight detonation is not attempted.
// Call this once, before Start.
func (c *Controller) RecoverAbandoned() error {
	abandoned, err := c.st.ListTasksByState(types.TaskStarting, types.TaskRunning, types.TaskStopping)
	if err != nil {
		return fmt.Errorf("recover abandoned: list tasks: %w", err)
	}

	for _, t := range abandoned {
		if !c.cancelAb {
			// TODO: re-reserving the machine without a way to
			// reattach the task-runner to an already-running
			// detonation leaves the task stuck forever; wire this up
			// once the task-runner exposes a resume entrypoint.
			c.logger.Warn().Str("task_id", t.ID).Msg("abandoned task left in place: resume is not implemented")
			continue
		}

		t.State = types.TaskCancelled
		t.AddError("recovery", "cancelled: abandoned across controller restart")
		t.FinishedAt = time.Now()
		if err := c.applyTask(t); err != nil {
			c.logger.Error().Err(err).Str("task_id", t.ID).Msg("recover abandoned: persist cancellation failed")
			continue
		}

		if t.Machine != "" {
			if err := c.pool.Release(t.Machine, nil); err != nil {
				c.logger.Warn().Err(err).Str("machine", t.Machine).Str("task_id", t.ID).Msg("recover abandoned: release machine failed")
			}
		}

		c.checkAnalysisCompletion(t.AnalysisID)
	}
	return nil
}
