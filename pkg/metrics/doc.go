/*
Package metrics provides Prometheus metrics collection and exposition for
Cuckoo3's orchestrator components.

The metrics package defines and registers all orchestrator metrics using the
Prometheus client library, giving visibility into analysis/task throughput,
scheduling latency, stage worker queue depth, and result server ingest volume.
Metrics are exposed via an HTTP endpoint for scraping by Prometheus.

# Metrics Catalog

Inventory Metrics:

cuckoo_analyses_total{state}:
  - Type: Gauge
  - Description: Total analyses by lifecycle state
  - Labels: state (pending_identification, tasks_pending, finished, ...)

cuckoo_tasks_total{state}:
  - Type: Gauge
  - Description: Total tasks by lifecycle state
  - Labels: state (pending, assigned, starting, running, stopping, pending_post, reported, failed, cancelled)

cuckoo_machines_total{state}:
  - Type: Gauge
  - Description: Total pool machines by runtime state

cuckoo_nodes_connected:
  - Type: Gauge
  - Description: Number of remote task-nodes currently reachable

Scheduler Metrics:

cuckoo_scheduling_latency_seconds:
  - Type: Histogram
  - Description: Time from task creation to machine assignment

cuckoo_tasks_assigned_total / cuckoo_tasks_unschedulable_total:
  - Type: Counter
  - Description: Tasks successfully assigned vs. failed for lacking a matching machine

cuckoo_task_outcomes_total{outcome}:
  - Type: Counter
  - Description: Tasks reaching a terminal state, by outcome (reported, failed, cancelled)

Stage Worker Metrics:

cuckoo_stage_queue_depth{stage} / cuckoo_stage_in_flight{stage}:
  - Type: Gauge
  - Description: Queued vs. executing-or-settling jobs per stage (identification, pre, post)

cuckoo_stage_job_duration_seconds{stage}:
  - Type: Histogram
  - Description: Stage worker job duration

cuckoo_stage_jobs_total{stage,outcome}:
  - Type: Counter
  - Description: Stage jobs completed, by outcome (ok, error, timeout)

Result Server Metrics:

cuckoo_result_server_bytes_accepted_total{kind} / cuckoo_result_server_frames_total{kind}:
  - Type: Counter
  - Description: Bytes and frames accepted, by stream kind (log, screenshot, netdump, file, tty)

cuckoo_result_server_connections_total / cuckoo_result_server_rejected_frames_total:
  - Type: Counter
  - Description: Agent connections accepted; frames rejected for exceeding the max frame size

Rooter Metrics:

cuckoo_rooter_apply_duration_seconds:
  - Type: Histogram
  - Description: Time to apply a network route for a task

cuckoo_rooter_errors_total{op}:
  - Type: Counter
  - Description: Rooter RPC errors, by operation (apply, remove)

Task Runner Metrics:

cuckoo_task_run_duration_seconds:
  - Type: Histogram
  - Description: Wall-clock duration of a full detonation

cuckoo_restore_retries_total:
  - Type: Counter
  - Description: Machinery restore attempts beyond the first

# Usage

	import "github.com/cert-ee/cuckoo3/pkg/metrics"

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.TaskRunDuration)

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

Metrics are registered once in init() and updated inline at their call sites
(the scheduler, stage worker pools, result server, rooter client, and task
runner all import this package directly) rather than exclusively polled.
Collector supplements this with periodic snapshots of point-in-time inventory
(analysis/task/machine counts by state) that has no single call site to
instrument.
*/
package metrics
