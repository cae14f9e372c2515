package metrics

import (
	"time"

	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/types"
)

// NodeCounter reports how many configured remote task-nodes are
// currently reachable, e.g. backed by a nodeapi.NodeWatcher set.
type NodeCounter func() int

// Collector periodically snapshots store and pool state into gauges.
// Counters and histograms (scheduling latency, stage job outcomes,
// result server bytes) are updated inline at their call sites instead,
// since a poll can't observe a point-in-time event after it already
// happened.
type Collector struct {
	st    store.Store
	pool  *pool.Pool
	nodes NodeCounter

	stopCh chan struct{}
}

// NewCollector returns a Collector. p and nodes may be nil, e.g. a
// task-only node has no local pool and no fan-out to count.
func NewCollector(st store.Store, p *pool.Pool, nodes NodeCounter) *Collector {
	return &Collector{
		st:     st,
		pool:   p,
		nodes:  nodes,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectAnalysisMetrics()
	c.collectTaskMetrics()
	c.collectMachineMetrics()
	c.collectNodeMetrics()
}

func (c *Collector) collectAnalysisMetrics() {
	analyses, err := c.st.ListAnalyses()
	if err != nil {
		return
	}

	counts := make(map[types.AnalysisState]int)
	for _, a := range analyses {
		counts[a.State]++
	}
	for state, count := range counts {
		AnalysesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.st.ListTasks()
	if err != nil {
		return
	}

	counts := make(map[types.TaskState]int)
	for _, t := range tasks {
		counts[t.State]++
	}
	for state, count := range counts {
		TasksTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectMachineMetrics() {
	if c.pool == nil {
		return
	}
	counts := make(map[types.MachineRuntimeState]int)
	for _, m := range c.pool.List() {
		counts[m.State]++
	}
	for state, count := range counts {
		MachinesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectNodeMetrics() {
	if c.nodes == nil {
		return
	}
	NodesConnected.Set(float64(c.nodes()))
}
