// Package taskrunner drives one assigned task end to end: apply its
// route, restore the machine, deliver and run the agent payload, wait
// for completion, tear down, and report back to the controller. Every
// exit path — success, error, or panic — releases the machine and its
// route before the controller is notified.
package taskrunner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/binstore"
	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/machinery"
	"github.com/cert-ee/cuckoo3/pkg/machinery/disk"
	"github.com/cert-ee/cuckoo3/pkg/metrics"
	"github.com/cert-ee/cuckoo3/pkg/rooter"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AnalysisLookup is the one store.Store method the runner needs, to
// resolve a task's payload back to its stored binary. Narrowed
// deliberately so tests don't need a full store.Store fake.
type AnalysisLookup interface {
	GetAnalysis(id string) (*types.Analysis, error)
}

// DriverResolver looks up the machinery driver for a machine's
// configured machinery name ("qemu", "kvm", ...).
type DriverResolver func(machineryName string) (machinery.Driver, error)

// BaseImageResolver resolves a machine's golden snapshot image path,
// the source Prepare copies into a disposable disk.
type BaseImageResolver func(machineName string) (string, error)

// ReleaseFunc returns a machine to the pool at task end.
type ReleaseFunc func(machineName string, lastOpErr error) error

// FinishedFunc reports task_finished(task_id, outcome) to the
// controller.
type FinishedFunc func(taskID string, outcome error)

// Runner executes assigned tasks. One Runner is shared by every
// concurrently detonating task; Run is safe to invoke from multiple
// goroutines, one per task.
type Runner struct {
	st      AnalysisLookup
	bins    *binstore.Store
	rooter  *rooter.Client // nil when the rooter is disabled in config
	drivers DriverResolver
	baseImg BaseImageResolver
	diskMgr *disk.Manager
	agent   *AgentClient
	waiter  *DoneWaiter
	release ReleaseFunc
	onDone  FinishedFunc

	restoreRetries int
	restoreBackoff time.Duration
	graceSeconds   int

	logger zerolog.Logger
}

// New returns a Runner. restoreRetries is the number of extra attempts
// after the first ("retry twice" means 2 extra attempts, so callers
// pass 2); restoreBackoff is the initial backoff, doubled after each
// retry.
func New(st AnalysisLookup, bins *binstore.Store, rooterClient *rooter.Client, drivers DriverResolver, baseImg BaseImageResolver,
	diskMgr *disk.Manager, agent *AgentClient, waiter *DoneWaiter, release ReleaseFunc, onDone FinishedFunc,
	restoreRetries int, restoreBackoff time.Duration) *Runner {
	return &Runner{
		st:             st,
		bins:           bins,
		rooter:         rooterClient,
		drivers:        drivers,
		baseImg:        baseImg,
		diskMgr:        diskMgr,
		agent:          agent,
		waiter:         waiter,
		release:        release,
		onDone:         onDone,
		restoreRetries: restoreRetries,
		restoreBackoff: restoreBackoff,
		graceSeconds:   30,
		logger:         log.WithComponent("taskrunner"),
	}
}

// Run executes task on machine to completion. It never returns an
// error to the caller — every outcome is reported via FinishedFunc —
// so it can be launched as `go runner.Run(ctx, task, machine)` directly
// off the scheduler's assignment callback.
func (r *Runner) Run(ctx context.Context, task *types.Task, machine *types.Machine) {
	var (
		routeHandle string
		diskPath    string
		driver      machinery.Driver
		started     bool
		stopped     bool
		runErr      error // infrastructure failure: disables the machine and fails the task
		timedOut    bool  // detonation deadline reached: normal terminal path, machine stays healthy
	)

	logger := r.logger.With().Str("task_id", task.ID).Str("machine", machine.Name).Logger()
	timer := metrics.NewTimer()

	defer func() {
		if rec := recover(); rec != nil {
			runErr = fmt.Errorf("task runner panic: %v", rec)
			logger.Error().Interface("panic", rec).Msg("task runner panicked")
		}

		teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop, disk discard, and route removal touch independent
		// resources, so they run concurrently and share one deadline.
		g, gctx := errgroup.WithContext(teardownCtx)
		if driver != nil && started && !stopped {
			g.Go(func() error { return driver.Stop(gctx, machine.Name) })
		}
		if diskPath != "" {
			g.Go(func() error { return r.diskMgr.Discard(diskPath) })
		}
		if routeHandle != "" && r.rooter != nil {
			g.Go(func() error { return r.rooter.Remove(gctx, routeHandle) })
		}
		if err := g.Wait(); err != nil {
			logger.Warn().Err(err).Msg("teardown step failed")
		}

		if err := r.release(machine.Name, runErr); err != nil {
			logger.Error().Err(err).Msg("release machine failed")
		}

		timer.ObserveDuration(metrics.TaskRunDuration)

		outcome := runErr
		if outcome == nil && timedOut {
			outcome = errs.New(errs.KindDetonationTimeout, fmt.Errorf("task %s exceeded its detonation deadline", task.ID))
		}
		if runErr != nil {
			metrics.TaskOutcomesTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.TaskOutcomesTotal.WithLabelValues("reported").Inc()
		}

		r.onDone(task.ID, outcome)
	}()

	deadline := time.Duration(task.Timeout+r.graceSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// 1. Apply route.
	if r.rooter != nil && task.Route.Type != types.RouteNone {
		handle, err := r.rooter.Apply(ctx, rooter.ApplyArgs{
			TaskID:    task.ID,
			RouteType: string(task.Route.Type),
			Country:   task.Route.Country,
			SourceIP:  machine.IP,
		})
		if err != nil {
			runErr = errs.New(errs.KindRouteError, err)
			return
		}
		routeHandle = handle
	}

	// 2. Restore, retrying with exponential backoff.
	d, err := r.drivers(machine.Machinery)
	if err != nil {
		runErr = err
		return
	}
	driver = d

	base, err := r.baseImg(machine.Name)
	if err != nil {
		runErr = err
		return
	}
	dPath, err := r.diskMgr.Prepare(task.ID, base)
	if err != nil {
		runErr = errs.New(errs.KindMachineryFatal, err)
		return
	}
	diskPath = dPath

	spec := machinery.StartSpec{MachineName: machine.Name, Label: machine.Label, SnapshotRef: machine.Snapshot, DiskPath: diskPath}
	if err := r.restoreWithBackoff(ctx, driver, spec); err != nil {
		runErr = errs.New(errs.KindMachineryFatal, err)
		return
	}
	started = true

	// 3. Upload and execute the agent payload.
	payload, filename, err := r.resolvePayload(task.AnalysisID)
	if err != nil {
		runErr = err
		return
	}

	done := r.waiter.Register(task.ID)
	if err := r.agent.Store(ctx, machine.IP, machine.AgentPort, filename, payload); err != nil {
		r.waiter.Forget(task.ID)
		runErr = errs.New(errs.KindAgentUnreachable, err)
		return
	}
	if err := r.agent.Execute(ctx, machine.IP, machine.AgentPort); err != nil {
		r.waiter.Forget(task.ID)
		runErr = errs.New(errs.KindAgentUnreachable, err)
		return
	}

	// 4. Await completion signal or timeout. A timeout is the normal
	// terminal path for a sandbox run that never calls home, not a
	// machine or agent fault — runErr stays nil so the machine is
	// released healthy and the task proceeds to post-processing;
	// timedOut is folded into the reported outcome in the deferred
	// teardown above.
	select {
	case <-done:
	case <-ctx.Done():
		timedOut = true
	}

	// 5. Stop ungracefully; the disposable disk is discarded in the
	// deferred teardown above regardless of how this function exits.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := driver.Stop(stopCtx, machine.Name); err != nil {
		logger.Warn().Err(err).Msg("stop after detonation failed")
	}
	stopped = true

	// Step 6 (remove route) and step 7 (notify controller) happen in
	// the deferred teardown, which runs for this and every other exit
	// path alike.
}

// restoreWithBackoff calls RestoreStart, retrying r.restoreRetries
// additional times with exponential backoff before giving up.
func (r *Runner) restoreWithBackoff(ctx context.Context, driver machinery.Driver, spec machinery.StartSpec) error {
	backoff := r.restoreBackoff
	var lastErr error
	for attempt := 0; attempt <= r.restoreRetries; attempt++ {
		if attempt > 0 {
			metrics.RestoreRetriesTotal.Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if err := driver.RestoreStart(ctx, spec); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("restore_start failed after %d attempts: %w", r.restoreRetries+1, lastErr)
}

func (r *Runner) resolvePayload(analysisID string) (data []byte, filename string, err error) {
	a, err := r.st.GetAnalysis(analysisID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve payload: %w", err)
	}
	if a.Category != types.CategoryFile {
		return nil, "", nil
	}
	f, err := r.bins.Open(a.Target.SHA256)
	if err != nil {
		return nil, "", fmt.Errorf("open stored binary %s: %w", a.Target.SHA256, err)
	}
	defer f.Close()

	size, err := r.bins.Size(a.Target.SHA256)
	if err != nil {
		return nil, "", fmt.Errorf("stat stored binary %s: %w", a.Target.SHA256, err)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, "", fmt.Errorf("read stored binary %s: %w", a.Target.SHA256, err)
	}
	return buf, a.Target.Filename, nil
}
