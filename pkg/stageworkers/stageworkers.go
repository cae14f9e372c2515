// Package stageworkers runs the bounded worker pools that perform
// identification, pre-analysis, and post-processing: each pool drains
// an in-memory job queue with a fixed worker count, caching results so
// a job invoked twice computes once.
package stageworkers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/metrics"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/rs/zerolog"
)

// Stage names one of the three bounded pools.
type Stage string

const (
	StageIdentification Stage = "identification"
	StagePre            Stage = "pre"
	StagePost           Stage = "post"
)

// Job is one unit of work: identify/pre-analyze an analysis, or
// post-process a task. UnitID is the analysis_id or task_id the
// idempotence cache keys on.
type Job struct {
	Stage      Stage
	UnitID     string
	WorkingDir string
}

// Result is what a job produces: a report artifact path plus whatever
// the controller needs to advance the unit's state machine. Platforms
// and Families are only meaningful for a pre/post result respectively;
// Score only for a post result.
type Result struct {
	Job        Job
	ReportPath string
	NextState  string
	Platforms  []types.Platform
	Families   []string
	Score      float64
	Err        error
}

// Func performs one job, pure in the sense that given the same
// (UnitID, WorkingDir) it produces the same Result.
type Func func(ctx context.Context, job Job) Result

// CompleteFunc reports a finished job back to the controller as a
// stage_complete event.
type CompleteFunc func(Result)

// Pool is one bounded stage worker pool.
type Pool struct {
	stage    Stage
	workers  int
	timeout  time.Duration
	fn       Func
	onDone   CompleteFunc
	logger   zerolog.Logger

	jobs chan Job

	mu     sync.Mutex
	cache  map[string]Result
	inFlight map[string]chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Pool with the given worker count and per-job timeout.
// fn is invoked at most once per distinct UnitID; onDone fires for
// every submission, including ones served from cache.
func New(stage Stage, workers int, timeout time.Duration, fn Func, onDone CompleteFunc) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		stage:    stage,
		workers:  workers,
		timeout:  timeout,
		fn:       fn,
		onDone:   onDone,
		logger:   log.WithComponent(fmt.Sprintf("stageworkers-%s", stage)),
		jobs:     make(chan Job, workers*4),
		cache:    make(map[string]Result),
		inFlight: make(map[string]chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the pool's fixed worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

// Stop signals workers to drain and exit, waiting for in-flight jobs.
func (p *Pool) Stop() {
	close(p.stopCh)
	close(p.jobs)
	p.wg.Wait()
}

// Submit enqueues a job. If UnitID has already completed or is
// currently running, Submit returns immediately without requeueing
// work; onDone still fires once the existing computation settles.
func (p *Pool) Submit(job Job) {
	p.mu.Lock()
	if cached, ok := p.cache[job.UnitID]; ok {
		p.mu.Unlock()
		if p.onDone != nil {
			p.onDone(cached)
		}
		return
	}
	if done, ok := p.inFlight[job.UnitID]; ok {
		p.mu.Unlock()
		go func() {
			<-done
			p.mu.Lock()
			cached, ok := p.cache[job.UnitID]
			p.mu.Unlock()
			if ok && p.onDone != nil {
				p.onDone(cached)
			}
		}()
		return
	}
	p.inFlight[job.UnitID] = make(chan struct{})
	metrics.StageInFlight.WithLabelValues(string(p.stage)).Set(float64(len(p.inFlight)))
	p.mu.Unlock()

	select {
	case p.jobs <- job:
		metrics.StageQueueDepth.WithLabelValues(string(p.stage)).Set(float64(len(p.jobs)))
	case <-p.stopCh:
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.execute(job)
	}
	_ = id
}

func (p *Pool) execute(job Job) {
	metrics.StageQueueDepth.WithLabelValues(string(p.stage)).Set(float64(len(p.jobs)))

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	result := p.fn(ctx, job)
	timedOut := ctx.Err() == context.DeadlineExceeded && result.Err == nil
	if timedOut {
		result.Err = errs.New(errs.KindStageTimeout, fmt.Errorf("%s stage exceeded %s for %s", p.stage, p.timeout, job.UnitID))
	}
	metrics.StageJobDuration.WithLabelValues(string(p.stage)).Observe(timer.Duration().Seconds())

	outcome := "ok"
	switch {
	case timedOut:
		outcome = "timeout"
	case result.Err != nil:
		outcome = "error"
	}
	metrics.StageJobsTotal.WithLabelValues(string(p.stage), outcome).Inc()

	p.mu.Lock()
	p.cache[job.UnitID] = result
	done := p.inFlight[job.UnitID]
	delete(p.inFlight, job.UnitID)
	metrics.StageInFlight.WithLabelValues(string(p.stage)).Set(float64(len(p.inFlight)))
	p.mu.Unlock()
	if done != nil {
		close(done)
	}

	if result.Err != nil {
		p.logger.Warn().Err(result.Err).Str("unit_id", job.UnitID).Msg("stage job failed")
	}

	if p.onDone != nil {
		p.onDone(result)
	}
}
