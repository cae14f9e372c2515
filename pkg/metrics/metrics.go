package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Analysis/task inventory

	AnalysesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cuckoo_analyses_total",
			Help: "Total number of analyses by state",
		},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cuckoo_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	MachinesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cuckoo_machines_total",
			Help: "Total number of pool machines by runtime state",
		},
		[]string{"state"},
	)

	NodesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cuckoo_nodes_connected",
			Help: "Number of remote task-nodes currently reachable",
		},
	)

	// Scheduler metrics

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cuckoo_scheduling_latency_seconds",
			Help:    "Time from task creation to machine assignment",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cuckoo_tasks_assigned_total",
			Help: "Total tasks successfully assigned to a machine",
		},
	)

	TasksUnschedulable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cuckoo_tasks_unschedulable_total",
			Help: "Total tasks failed because no machine matched platform/os_version/tags",
		},
	)

	// Task outcome metrics, set once a task reaches a terminal state

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuckoo_task_outcomes_total",
			Help: "Total tasks reaching a terminal state, by outcome",
		},
		[]string{"outcome"}, // reported, failed, cancelled
	)

	// Stage worker pools (identification, pre, post)

	StageQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cuckoo_stage_queue_depth",
			Help: "Number of jobs currently queued in a stage worker pool",
		},
		[]string{"stage"},
	)

	StageInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cuckoo_stage_in_flight",
			Help: "Number of jobs currently executing or awaiting cache settlement in a stage worker pool",
		},
		[]string{"stage"},
	)

	StageJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cuckoo_stage_job_duration_seconds",
			Help:    "Stage worker job duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuckoo_stage_jobs_total",
			Help: "Total stage worker jobs completed, by stage and outcome",
		},
		[]string{"stage", "outcome"}, // ok, error, timeout
	)

	// Result server

	ResultServerBytesAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuckoo_result_server_bytes_accepted_total",
			Help: "Total bytes accepted by the result server, by frame kind",
		},
		[]string{"kind"}, // log, screenshot, netdump, file, tty
	)

	ResultServerFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuckoo_result_server_frames_total",
			Help: "Total frames accepted by the result server, by frame kind",
		},
		[]string{"kind"},
	)

	ResultServerConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cuckoo_result_server_connections_total",
			Help: "Total agent connections accepted by the result server",
		},
	)

	ResultServerRejectedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cuckoo_result_server_rejected_frames_total",
			Help: "Total frames rejected for exceeding the maximum frame size",
		},
	)

	// Rooter

	RooterApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cuckoo_rooter_apply_duration_seconds",
			Help:    "Time to apply a network route for a task",
			Buckets: prometheus.DefBuckets,
		},
	)

	RooterErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuckoo_rooter_errors_total",
			Help: "Total rooter RPC errors, by operation",
		},
		[]string{"op"}, // apply, remove, ping
	)

	// Task runner

	TaskRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cuckoo_task_run_duration_seconds",
			Help:    "Wall-clock duration of a full detonation, from machine acquisition to release",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		},
	)

	RestoreRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cuckoo_restore_retries_total",
			Help: "Total machinery restore attempts beyond the first",
		},
	)

	// Machine health watch

	HealthWatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cuckoo_healthwatch_cycle_duration_seconds",
			Help:    "Duration of one machine health-watch poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthWatchCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cuckoo_healthwatch_cycles_total",
			Help: "Total machine health-watch poll cycles completed",
		},
	)

	MachinesGoneTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cuckoo_machines_gone_total",
			Help: "Total machines observed by the health watch in an unrecoverable driver state while holding a task",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AnalysesTotal,
		TasksTotal,
		MachinesTotal,
		NodesConnected,
		SchedulingLatency,
		TasksAssigned,
		TasksUnschedulable,
		TaskOutcomesTotal,
		StageQueueDepth,
		StageInFlight,
		StageJobDuration,
		StageJobsTotal,
		ResultServerBytesAccepted,
		ResultServerFramesTotal,
		ResultServerConnectionsTotal,
		ResultServerRejectedFrames,
		RooterApplyDuration,
		RooterErrorsTotal,
		TaskRunDuration,
		RestoreRetriesTotal,
		HealthWatchDuration,
		HealthWatchCyclesTotal,
		MachinesGoneTotal,
	)
}

// Handler returns the HTTP handler that exposes the registry in
// Prometheus text exposition format, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a convenience wrapper for observing elapsed time against a
// histogram, with or without label values.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time against a histogram
// vector's labeled series.
func (t *Timer) ObserveDurationVec(histogramVec prometheus.ObserverVec, labels ...string) {
	histogramVec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
