// Package controller is the central serial state-machine: the sole
// owner of analysis and task row mutation. It consumes a single
// ordered event queue and advances the analysis and task state
// machines, persisting each transition via Raft before scheduling any
// downstream work.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/binstore"
	"github.com/cert-ee/cuckoo3/pkg/errs"
	"github.com/cert-ee/cuckoo3/pkg/layout"
	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/cert-ee/cuckoo3/pkg/pool"
	"github.com/cert-ee/cuckoo3/pkg/stageworkers"
	"github.com/cert-ee/cuckoo3/pkg/store"
	"github.com/cert-ee/cuckoo3/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// Stages performs the pluggable analysis work the controller schedules
// but does not itself implement: identification, static pre-analysis,
// and post-processing. Cuckoo3's signature-detection logic is an
// explicit Non-goal of the core being built here, so the controller
// depends only on this seam.
type Stages interface {
	Identify(ctx context.Context, job stageworkers.Job) stageworkers.Result
	PreAnalyze(ctx context.Context, job stageworkers.Job) stageworkers.Result
	PostProcess(ctx context.Context, job stageworkers.Job) stageworkers.Result
}

// Config bundles the controller's tunables, sourced from conf/cuckoo.yaml.
type Config struct {
	NodeID          string
	RaftBindAddr    string
	RaftDataDir     string
	CancelAbandoned bool
	Limits          types.Limits
	QueueDepth      int
	ApplyTimeout    time.Duration
	InMemRaft       bool // tests only: skip TCP transport, bootstrap an in-process cluster
}

// Controller runs the serial event loop.
type Controller struct {
	st       store.Store
	cwd      *layout.CWD
	bins     *binstore.Store
	pool     *pool.Pool
	stages   Stages
	limits   types.Limits
	cancelAb bool
	applyTO  time.Duration

	raftNode *raft.Raft
	fsm      *fsm

	idPool   *stageworkers.Pool
	prePool  *stageworkers.Pool
	postPool *stageworkers.Pool

	queue  chan event
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// New wires a Controller and bootstraps its Raft durability layer.
// Call Start to begin consuming the event queue.
func New(cfg Config, st store.Store, cwd *layout.CWD, bins *binstore.Store, p *pool.Pool, stages Stages,
	idWorkers, preWorkers, postWorkers int,
	idTimeout, preTimeout, postTimeout time.Duration) (*Controller, error) {

	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}

	f := newFSM(st)

	var raftNode *raft.Raft
	var err error
	if cfg.InMemRaft {
		raftNode, err = newInmemRaft(cfg.NodeID, f)
	} else {
		raftNode, err = bootstrapRaft(raftConfig{NodeID: cfg.NodeID, BindAddr: cfg.RaftBindAddr, DataDir: cfg.RaftDataDir}, f)
	}
	if err != nil {
		return nil, fmt.Errorf("bootstrap controller raft: %w", err)
	}

	c := &Controller{
		st:       st,
		cwd:      cwd,
		bins:     bins,
		pool:     p,
		stages:   stages,
		limits:   cfg.Limits,
		cancelAb: cfg.CancelAbandoned,
		applyTO:  cfg.ApplyTimeout,
		raftNode: raftNode,
		fsm:      f,
		queue:    make(chan event, cfg.QueueDepth),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("controller"),
	}

	c.idPool = stageworkers.New(stageworkers.StageIdentification, idWorkers, idTimeout, c.runIdentify, c.onStageComplete)
	c.prePool = stageworkers.New(stageworkers.StagePre, preWorkers, preTimeout, c.runPreAnalyze, c.onStageComplete)
	c.postPool = stageworkers.New(stageworkers.StagePost, postWorkers, postTimeout, c.runPostProcess, c.onStageComplete)

	return c, nil
}

// Start launches the stage worker pools and the serial event loop.
func (c *Controller) Start() {
	c.idPool.Start()
	c.prePool.Start()
	c.postPool.Start()
	c.wg.Add(1)
	go c.run()
}

// Stop drains the event queue with a shutdown event and waits for the
// loop and stage pools to exit.
func (c *Controller) Stop() {
	c.notify(event{kind: eventShutdown})
	c.wg.Wait()
	c.idPool.Stop()
	c.prePool.Stop()
	c.postPool.Stop()
	c.raftNode.Shutdown()
}

// notify appends an event, blocking only if the queue is full, which
// is the intended back-pressure: a slow controller should stall its
// callers rather than buffer unboundedly.
func (c *Controller) notify(ev event) {
	c.queue <- ev
}

// NotifyMachineGone reports that a machine's driver observed it enter
// an unrecoverable state while a task held it.
func (c *Controller) NotifyMachineGone(machineName string) {
	c.notify(event{kind: eventMachineGone, machineName: machineName})
}

// NotifyNodeDisconnected reports that a remote task-node has exceeded
// its consecutive-failure budget.
func (c *Controller) NotifyNodeDisconnected(nodeName string) {
	c.notify(event{kind: eventNodeDisconnected, nodeName: nodeName})
}

// NotifyTaskFinished reports that the task-runner has completed
// detonation (successfully or not) and released the machine; the
// controller now owns scheduling post-processing.
func (c *Controller) NotifyTaskFinished(taskID string, taskErr error) {
	c.notify(event{kind: eventTaskFinished, taskID: taskID, taskErr: taskErr})
}

func (c *Controller) onStageComplete(r stageworkers.Result) {
	c.notify(event{kind: eventStageComplete, stageResult: r})
}

// ReleaseManual resumes an analysis held at WAITING_MANUAL, advancing
// it to PENDING_PRE and submitting pre-analysis. It is the operator
// action that answers a submission made with Settings.Manual set: the
// analysis otherwise sits at WAITING_MANUAL indefinitely.
func (c *Controller) ReleaseManual(analysisID string) {
	c.notify(event{kind: eventManualRelease, analysisID: analysisID})
}

// TrackNew loads an untracked analysis off disk, inserts its row, and
// schedules identification. It is itself run on the serial loop so
// row insertion for a given analysis never races a concurrent
// duplicate submission notification.
func (c *Controller) TrackNew(analysisID string) {
	c.notify(event{kind: eventTrackNew, analysisID: analysisID})
}

func (c *Controller) run() {
	defer c.wg.Done()
	for ev := range drainUntilShutdown(c.queue) {
		switch ev.kind {
		case eventTrackNew:
			c.handleTrackNew(ev.analysisID)
		case eventStageComplete:
			c.handleStageComplete(ev.stageResult)
		case eventTaskFinished:
			c.handleTaskFinished(ev.taskID, ev.taskErr)
		case eventMachineGone:
			c.handleMachineGone(ev.machineName)
		case eventNodeDisconnected:
			c.handleNodeDisconnected(ev.nodeName)
		case eventManualRelease:
			c.handleManualRelease(ev.analysisID)
		}
	}
}

// drainUntilShutdown yields events from q until a shutdown event is
// read, then closes the returned channel so run's range loop exits.
func drainUntilShutdown(q chan event) chan event {
	out := make(chan event)
	go func() {
		defer close(out)
		for ev := range q {
			if ev.kind == eventShutdown {
				return
			}
			out <- ev
		}
	}()
	return out
}

func (c *Controller) applyAnalysis(a *types.Analysis) error {
	return apply(c.raftNode, opUpdateAnalysis, a, c.applyTO)
}

func (c *Controller) createAnalysis(a *types.Analysis) error {
	return apply(c.raftNode, opCreateAnalysis, a, c.applyTO)
}

func (c *Controller) applyTask(t *types.Task) error {
	return apply(c.raftNode, opUpdateTask, t, c.applyTO)
}

func (c *Controller) createTask(t *types.Task) error {
	return apply(c.raftNode, opCreateTask, t, c.applyTO)
}

func (c *Controller) handleTrackNew(analysisID string) {
	var a types.Analysis
	if err := layout.ReadJSON(c.cwd.AnalysisJSON(analysisID), &a); err != nil {
		c.logger.Error().Err(err).Str("analysis_id", analysisID).Msg("track_new: read analysis.json failed")
		return
	}

	a.State = types.AnalysisPendingIdentification
	if err := c.createAnalysis(&a); err != nil {
		c.logger.Error().Err(err).Str("analysis_id", analysisID).Msg("track_new: persist analysis failed")
		return
	}
	if err := c.cwd.RemoveUntracked(analysisID); err != nil {
		c.logger.Warn().Err(err).Str("analysis_id", analysisID).Msg("track_new: remove untracked sentinel failed")
	}

	c.idPool.Submit(stageworkers.Job{
		Stage:      stageworkers.StageIdentification,
		UnitID:     a.ID,
		WorkingDir: c.cwd.AnalysisDir(a.ID),
	})
}

func (c *Controller) runIdentify(ctx context.Context, job stageworkers.Job) stageworkers.Result {
	return c.stages.Identify(ctx, job)
}

func (c *Controller) runPreAnalyze(ctx context.Context, job stageworkers.Job) stageworkers.Result {
	return c.stages.PreAnalyze(ctx, job)
}

func (c *Controller) runPostProcess(ctx context.Context, job stageworkers.Job) stageworkers.Result {
	return c.stages.PostProcess(ctx, job)
}

func (c *Controller) handleStageComplete(r stageworkers.Result) {
	switch r.Job.Stage {
	case stageworkers.StageIdentification:
		c.handleIdentificationComplete(r)
	case stageworkers.StagePre:
		c.handlePreComplete(r)
	case stageworkers.StagePost:
		c.handlePostComplete(r)
	}
}

func (c *Controller) handleIdentificationComplete(r stageworkers.Result) {
	a, err := c.st.GetAnalysis(r.Job.UnitID)
	if err != nil {
		c.logger.Error().Err(err).Str("analysis_id", r.Job.UnitID).Msg("identification complete: analysis missing")
		return
	}

	if err := layout.WriteJSON(c.cwd.IdentificationJSON(a.ID), identificationReport{ReportPath: r.ReportPath, Err: errString(r.Err)}); err != nil {
		c.logger.Warn().Err(err).Str("analysis_id", a.ID).Msg("write identification.json failed")
	}

	if r.Err != nil {
		c.cancelUnidentified(a, r.Err)
		return
	}

	if a.Settings.Manual {
		a.State = types.AnalysisWaitingManual
		if err := c.applyAnalysis(a); err != nil {
			c.logger.Error().Err(err).Str("analysis_id", a.ID).Msg("persist waiting_manual failed")
		}
		return
	}

	c.advanceToPre(a)
}

// advanceToPre moves a into PENDING_PRE and submits its pre-analysis
// job. Reached either directly off a non-manual identification, or
// off an operator's ReleaseManual call for one that was held.
func (c *Controller) advanceToPre(a *types.Analysis) {
	a.State = types.AnalysisPendingPre
	if err := c.applyAnalysis(a); err != nil {
		c.logger.Error().Err(err).Str("analysis_id", a.ID).Msg("persist pending_pre failed")
		return
	}

	c.prePool.Submit(stageworkers.Job{Stage: stageworkers.StagePre, UnitID: a.ID, WorkingDir: c.cwd.AnalysisDir(a.ID)})
}

// handleManualRelease advances an analysis parked at WAITING_MANUAL.
// A release for an analysis not in that state is a no-op: it either
// already ran (duplicate operator call) or was never manual.
func (c *Controller) handleManualRelease(analysisID string) {
	a, err := c.st.GetAnalysis(analysisID)
	if err != nil {
		c.logger.Error().Err(err).Str("analysis_id", analysisID).Msg("manual_release: analysis missing")
		return
	}
	if a.State != types.AnalysisWaitingManual {
		c.logger.Warn().Str("analysis_id", analysisID).Str("state", string(a.State)).Msg("manual_release: analysis not waiting on manual release")
		return
	}
	c.advanceToPre(a)
}

// cancelUnidentified applies the cancel-unidentified policy: a fatal
// error in identification moves the analysis directly to FATAL_ERROR
// without ever creating tasks.
func (c *Controller) cancelUnidentified(a *types.Analysis, cause error) {
	a.State = types.AnalysisFatalError
	a.AddError("identification", cause.Error())
	if err := c.applyAnalysis(a); err != nil {
		c.logger.Error().Err(err).Str("analysis_id", a.ID).Msg("persist fatal_error failed")
	}
}

func (c *Controller) handlePreComplete(r stageworkers.Result) {
	a, err := c.st.GetAnalysis(r.Job.UnitID)
	if err != nil {
		c.logger.Error().Err(err).Str("analysis_id", r.Job.UnitID).Msg("pre complete: analysis missing")
		return
	}

	if err := layout.WriteJSON(c.cwd.PreJSON(a.ID), preReport{ReportPath: r.ReportPath, Platforms: r.Platforms, Err: errString(r.Err)}); err != nil {
		c.logger.Warn().Err(err).Str("analysis_id", a.ID).Msg("write pre.json failed")
	}

	if r.Err != nil {
		// No tasks exist yet for this analysis: a pre-analysis fatal
		// error has nowhere to shoulder the failure but the analysis
		// itself, so it takes the same policy as an identification
		// failure.
		c.cancelUnidentified(a, r.Err)
		return
	}

	platforms := r.Platforms
	if len(platforms) == 0 {
		platforms = a.Settings.Platforms
	}

	now := time.Now()
	taskIDs := make([]string, 0, len(platforms))
	for i, p := range platforms {
		taskID := fmt.Sprintf("%s_%d", a.ID, i+1)
		t := &types.Task{
			ID:           taskID,
			AnalysisID:   a.ID,
			Platform:     p.Platform,
			OSVersion:    p.OSVersion,
			RequiredTags: a.Settings.RequiredTags,
			Priority:     a.Settings.Priority,
			Timeout:      a.Settings.Timeout,
			Route:        a.Settings.Route,
			State:        types.TaskPending,
			CreatedAt:    now,
		}
		if err := c.cwd.NewTaskDir(a.ID, taskID); err != nil {
			c.logger.Error().Err(err).Str("task_id", taskID).Msg("create task dir failed")
			continue
		}
		if err := layout.WriteJSON(c.cwd.TaskJSON(a.ID, taskID), t); err != nil {
			c.logger.Warn().Err(err).Str("task_id", taskID).Msg("write task.json failed")
		}
		if err := c.createTask(t); err != nil {
			c.logger.Error().Err(err).Str("task_id", taskID).Msg("persist task failed")
			continue
		}
		taskIDs = append(taskIDs, taskID)
	}

	if len(taskIDs) == 0 {
		c.cancelUnidentified(a, fmt.Errorf("pre-analysis produced no platforms to schedule"))
		return
	}

	a.TaskIDs = taskIDs
	a.State = types.AnalysisTasksPending
	if err := c.applyAnalysis(a); err != nil {
		c.logger.Error().Err(err).Str("analysis_id", a.ID).Msg("persist tasks_pending failed")
	}
}

// handleTaskFinished records that the task-runner finished detonation
// and schedules post-processing. task_finished strictly precedes
// stage_complete(post) for the same task — it is this call that
// submits the post job in the first place.
func (c *Controller) handleTaskFinished(taskID string, taskErr error) {
	t, err := c.st.GetTask(taskID)
	if err != nil {
		c.logger.Error().Err(err).Str("task_id", taskID).Msg("task_finished: task missing")
		return
	}

	if taskErr != nil && !errs.Is(taskErr, errs.KindDetonationTimeout) {
		stage := "runner"
		if errs.Is(taskErr, errs.KindNoMatchingMachine) {
			stage = "scheduler"
		}
		t.State = types.TaskFailed
		t.AddError(stage, taskErr.Error())
		t.FinishedAt = time.Now()
		if err := c.applyTask(t); err != nil {
			c.logger.Error().Err(err).Str("task_id", taskID).Msg("persist task failure failed")
		}
		c.checkAnalysisCompletion(t.AnalysisID)
		return
	}

	// A detonation timeout is the normal terminal path for a sandbox
	// run the agent never reported back from: it still proceeds to
	// post-processing, just with a note recorded on the task.
	if taskErr != nil {
		t.AddError("task", "timeout")
	}

	t.State = types.TaskPendingPost
	if err := c.applyTask(t); err != nil {
		c.logger.Error().Err(err).Str("task_id", taskID).Msg("persist pending_post failed")
		return
	}

	c.postPool.Submit(stageworkers.Job{
		Stage:      stageworkers.StagePost,
		UnitID:     t.ID,
		WorkingDir: c.cwd.TaskDir(t.AnalysisID, t.ID),
	})
}

func (c *Controller) handlePostComplete(r stageworkers.Result) {
	t, err := c.st.GetTask(r.Job.UnitID)
	if err != nil {
		c.logger.Error().Err(err).Str("task_id", r.Job.UnitID).Msg("post complete: task missing")
		return
	}

	if err := layout.WriteJSON(c.cwd.PostJSON(t.AnalysisID, t.ID), postReport{ReportPath: r.ReportPath, Score: r.Score, Families: r.Families, Err: errString(r.Err)}); err != nil {
		c.logger.Warn().Err(err).Str("task_id", t.ID).Msg("write post.json failed")
	}

	if r.Err != nil {
		t.State = types.TaskFailed
		t.AddError("post", r.Err.Error())
	} else {
		t.State = types.TaskReported
		t.Score = r.Score
	}
	t.FinishedAt = time.Now()
	if err := c.applyTask(t); err != nil {
		c.logger.Error().Err(err).Str("task_id", t.ID).Msg("persist post outcome failed")
	}

	if len(r.Families) > 0 {
		c.mergeFamilies(t.AnalysisID, r.Families)
	}

	c.checkAnalysisCompletion(t.AnalysisID)
}

func (c *Controller) mergeFamilies(analysisID string, families []string) {
	a, err := c.st.GetAnalysis(analysisID)
	if err != nil {
		c.logger.Warn().Err(err).Str("analysis_id", analysisID).Msg("merge families: analysis missing")
		return
	}
	seen := make(map[string]struct{}, len(a.Families))
	for _, f := range a.Families {
		seen[f] = struct{}{}
	}
	changed := false
	for _, f := range families {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		a.Families = append(a.Families, f)
		changed = true
	}
	if changed {
		if err := c.applyAnalysis(a); err != nil {
			c.logger.Warn().Err(err).Str("analysis_id", analysisID).Msg("persist families failed")
		}
	}
}

// checkAnalysisCompletion marks the analysis FINISHED once every task
// belonging to it is terminal. Tie-break: when an analysis has both
// successful and failed tasks, its state is FINISHED and its score is
// the maximum task score.
func (c *Controller) checkAnalysisCompletion(analysisID string) {
	tasks, err := c.st.ListTasksByAnalysis(analysisID)
	if err != nil {
		c.logger.Error().Err(err).Str("analysis_id", analysisID).Msg("check completion: list tasks failed")
		return
	}
	for _, t := range tasks {
		if !t.State.Terminal() {
			return
		}
	}

	a, err := c.st.GetAnalysis(analysisID)
	if err != nil {
		c.logger.Error().Err(err).Str("analysis_id", analysisID).Msg("check completion: analysis missing")
		return
	}
	if a.State.Terminal() {
		return
	}

	var maxScore float64
	for _, t := range tasks {
		if t.Score > maxScore {
			maxScore = t.Score
		}
	}
	a.State = types.AnalysisFinished
	a.Score = maxScore
	if err := c.applyAnalysis(a); err != nil {
		c.logger.Error().Err(err).Str("analysis_id", analysisID).Msg("persist finished failed")
	}
}

// handleMachineGone moves machineName to DISABLED in the machine pool
// and fails any task actively holding it.
func (c *Controller) handleMachineGone(machineName string) {
	goneErr := errs.New(errs.KindMachineryFatal, fmt.Errorf("machine %s gone", machineName))
	if err := c.pool.Release(machineName, goneErr); err != nil {
		c.logger.Error().Err(err).Str("machine", machineName).Msg("machine_gone: disable machine failed")
	}
	tasks, err := c.st.ListTasksByState(types.TaskStarting, types.TaskRunning, types.TaskStopping)
	if err != nil {
		c.logger.Error().Err(err).Str("machine", machineName).Msg("machine_gone: list active tasks failed")
		return
	}
	for _, t := range tasks {
		if t.Machine != machineName {
			continue
		}
		t.State = types.TaskFailed
		t.AddError("machinery", goneErr.Error())
		t.FinishedAt = time.Now()
		if err := c.applyTask(t); err != nil {
			c.logger.Error().Err(err).Str("task_id", t.ID).Msg("persist machine_gone failure failed")
			continue
		}
		c.checkAnalysisCompletion(t.AnalysisID)
	}
}

// handleNodeDisconnected logs the loss of a remote task-node. Removing
// it from scheduler candidates and deciding the fate of its in-flight
// tasks belongs to the node API's polling loop, not the controller;
// the controller only needs to know in case a later redesign wants
// analysis-level visibility into node health.
func (c *Controller) handleNodeDisconnected(nodeName string) {
	c.logger.Warn().Str("node", nodeName).Msg("node disconnected")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type identificationReport struct {
	ReportPath string `json:"report_path,omitempty"`
	Err        string `json:"error,omitempty"`
}

type preReport struct {
	ReportPath string           `json:"report_path,omitempty"`
	Platforms  []types.Platform `json:"platforms,omitempty"`
	Err        string           `json:"error,omitempty"`
}

type postReport struct {
	ReportPath string   `json:"report_path,omitempty"`
	Score      float64  `json:"score"`
	Families   []string `json:"families,omitempty"`
	Err        string   `json:"error,omitempty"`
}
