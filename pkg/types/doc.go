/*
Package types defines the core data structures shared across Cuckoo3:
analyses, tasks, machines, settings, routes, and node records. These
types are used by every other package for state management, scheduling,
and the node API's wire format.

# Architecture

The types package is the foundation of Cuckoo3's data model. It defines:

  - Submission data (Target, Settings, Limits)
  - Analysis lifecycle state (Analysis, AnalysisState)
  - Per-detonation task state (Task, TaskState)
  - Machine pool inventory (Machine, MachineRuntimeState)
  - Network routing policy (Route, RouteType)
  - Remote task-node bookkeeping (NodeRecord)

All types are designed to be:
  - Serializable (JSON, for BoltDB storage and the node API wire format)
  - Self-documenting (clear field names and comments)
  - Validated at the boundary (Settings.Validate against Limits)

# Core Types

Submission:
  - Category: file or url
  - Target: the submitted file/URL, identified by sha256 or url
  - Settings: timeout, priority, platforms, route, manual flag
  - Limits: operator-configured ceilings Settings is validated against

Analysis:
  - Analysis: one submitted job — target, settings, score, task IDs
  - AnalysisState: untracked through finished/fatal_error

Task:
  - Task: one platform x os_version detonation of an analysis
  - TaskState: pending through reported/failed/cancelled
  - TaskState.Active: whether the task currently holds a machine lock

Machine pool:
  - Machine: a configured VM — platform, tags, machinery driver, state
  - MachineRuntimeState: the driver-observed power state
  - Machine.Eligible: whether the scheduler may acquire it right now

Networking:
  - RouteType: none, drop, internet, vpn
  - Route: a route type plus an optional VPN exit country

Distributed nodes:
  - NodeRecord: a remote task-node's address, key, and health
  - NodeRecord.Reachable: whether it still counts as a scheduler candidate

# Usage

Building settings for a submission:

	settings := types.Settings{
		Timeout:   120,
		Priority:  1,
		Platforms: []types.Platform{{Platform: "windows", OSVersion: "10"}},
		Route:     types.Route{Type: types.RouteInternet},
	}
	if err := settings.Validate(types.DefaultLimits()); err != nil {
		return err
	}

Checking whether a machine can take a task:

	if m.Eligible() && m.HasTags(task.RequiredTags) {
		// candidate for acquisition
	}

# State Machines

Analysis:

	untracked -> pending_identification -> [waiting_manual] -> pending_pre -> tasks_pending -> finished
	                                                                                          -> fatal_error

Task:

	pending -> assigned -> starting -> running -> stopping -> pending_post -> reported
	                                                                        -> failed
	   (any non-terminal state) -> cancelled

At most one machine may hold a task in starting/running/stopping at a
time; TaskState.Active reports that window.

# Design Patterns

Enumeration Pattern:

	Enums are typed string constants:
	  type TaskState string
	  const (
	      TaskPending TaskState = "pending"
	      TaskRunning TaskState = "running"
	  )

Error Accumulation:

	Analysis and Task both carry Errors map[string][]string, keyed by the
	stage that raised the error, via AddError. Multiple stages can report
	without clobbering each other.

# Thread Safety

Types in this package carry no internal synchronization. Mutation of
persisted Analysis/Task/Machine rows is owned by pkg/controller and
pkg/pool respectively — callers must not mutate a row obtained by value
and expect it to be visible elsewhere without going through a store
write.

# See Also

  - pkg/store for persistence
  - pkg/controller for Analysis/Task lifecycle ownership
  - pkg/pool for Machine lifecycle ownership
  - pkg/nodeapi for the wire envelope a NodeRecord's APIURL serves
*/
package types
