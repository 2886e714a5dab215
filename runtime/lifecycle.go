// Package runtime implements the worker's run engine: admission,
// worker pool, backtest invocation, result callbacks and teardown.
package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	gort "runtime"
	"time"

	"github.com/google/uuid"

	"github.com/bravo-optimo/optimo-worker/adapter"
	"github.com/bravo-optimo/optimo-worker/ipc"
	"github.com/bravo-optimo/optimo-worker/log"
	"github.com/bravo-optimo/optimo-worker/metrics"
	"github.com/bravo-optimo/optimo-worker/policy"
	"github.com/bravo-optimo/optimo-worker/store"
	"github.com/bravo-optimo/optimo-worker/types"
)

// defaultResultsLimit caps a /results snapshot when the caller sends
// no limit.
const defaultResultsLimit = 2000

// stopReleaseWait bounds how long Stop waits for workers to drain
// before reporting released=false.
const stopReleaseWait = 5 * time.Second

// ControllerConfig is the run-engine slice of the worker config.
type ControllerConfig struct {
	WorkerRoot     string
	UsePatchedHost bool
	CLIPath        string
	Dotnet         string
	HostDLL        string
	CLIDir         string

	CallbackBatchSize  int
	CallbackFlushEvery time.Duration
	CallbackTimeout    time.Duration
}

// ControllerDeps are the collaborators injected at construction.
type ControllerDeps struct {
	Logger    *log.Logger
	Policy    *policy.Manager
	Metrics   *metrics.Collector
	Artifacts store.Store
	Notifiers []adapter.Adapter
	// HostSpawner overrides patched-host spawning (tests). Nil uses
	// the dotnet command line from the config.
	HostSpawner ipc.Spawner
	// CPUCores overrides the measured core count (tests).
	CPUCores int
}

// Controller owns the run lifecycle: start, assign, results, stop, and
// the admission gate behind them.
type Controller struct {
	cfg      ControllerConfig
	logger   *log.Logger
	registry *Registry
	policy   *policy.Manager
	metrics  *metrics.Collector

	artifacts   store.Store
	notifiers   []adapter.Adapter
	invoker     *Invoker
	hostSpawner ipc.Spawner

	artifactCache artifactCache
	cpuCores      int
	startedAt     string
}

// NewController wires the run engine.
func NewController(cfg ControllerConfig, deps ControllerDeps) *Controller {
	cores := deps.CPUCores
	if cores <= 0 {
		cores = gort.NumCPU()
	}
	spawner := deps.HostSpawner
	if spawner == nil {
		spawner = ipc.DefaultSpawner(cfg.Dotnet, cfg.HostDLL, cfg.CLIDir)
	}
	return &Controller{
		cfg:      cfg,
		logger:   deps.Logger,
		registry: NewRegistry(),
		policy:   deps.Policy,
		metrics:  deps.Metrics,
		artifacts:   deps.Artifacts,
		notifiers:   deps.Notifiers,
		invoker:     NewInvoker(InvokerConfig{CLIPath: cfg.CLIPath, UsePatchedHost: cfg.UsePatchedHost}, deps.Logger),
		hostSpawner: spawner,
		cpuCores:    cores,
		startedAt:   nowUTC(),
	}
}

// Registry exposes the admission gate for tests.
func (c *Controller) Registry() *Registry { return c.registry }

// Start admits a run: gate, workdir, credential/algo files, callback
// pipeline, worker pool.
func (c *Controller) Start(req *types.RunStartRequest) (*types.RunStartResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, badRequest(err.Error())
	}
	if req.PwdB64 == "" && req.PwdText == "" {
		return nil, badRequest("pwd_b64 or pwd_text is required")
	}
	if req.AlgoB64 == "" {
		return nil, badRequest("algo_b64 is required")
	}
	if busy, _, _ := c.registry.Busy(); busy {
		return nil, ErrBusy
	}

	var pwd []byte
	if req.PwdB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PwdB64)
		if err != nil {
			return nil, badRequest("pwd_b64 is not valid base64")
		}
		pwd = decoded
	} else {
		pwd = []byte(req.PwdText)
	}
	algo, err := base64.StdEncoding.DecodeString(req.AlgoB64)
	if err != nil {
		return nil, badRequest("algo_b64 is not valid base64")
	}

	suffix := fmt.Sprintf("%x", uuid.New())
	runID := fmt.Sprintf("run_%s_%s", time.Now().UTC().Format("20060102_150405"), suffix[:8])

	workdir, err := filepath.Abs(filepath.Join(c.cfg.WorkerRoot, runID))
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	_ = os.RemoveAll(workdir)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	algoPath, pwdPath, err := writeRunFiles(workdir, req, pwd, algo)
	if err != nil {
		return nil, err
	}

	rs := newRunState(runID, workdir, nowUTC(), req, algoPath, pwdPath)
	if err := c.registry.Admit(rs); err != nil {
		return nil, err
	}
	c.metrics.IncRunsStarted()

	maxParallel := c.policy.MaxParallel()
	batching := c.startCallbackPipeline(rs)
	c.startWorkers(rs, maxParallel)

	c.logger.WithRun(runID).Info("run started", map[string]any{
		"workdir":      workdir,
		"max_parallel": maxParallel,
		"patched_host": c.cfg.UsePatchedHost,
		"batching":     batching,
		"symbol":       req.Symbol,
		"period":       req.Period,
	})

	return &types.RunStartResponse{
		RunID:       runID,
		MaxParallel: maxParallel,
		Workdir:     workdir,
	}, nil
}

// Assign enqueues passes FIFO onto the current run.
func (c *Controller) Assign(runID string, passes []types.PassJob) (*types.AssignPassesResponse, error) {
	rs, ok := c.registry.Lookup(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	accepted, queued, err := c.registry.Enqueue(rs, passes)
	if err != nil {
		return nil, err
	}
	return &types.AssignPassesResponse{
		RunID:    runID,
		Accepted: accepted,
		Queued:   queued,
	}, nil
}

// Results snapshots the last limit results in completion order,
// materialising missing per-pass zips on demand.
func (c *Controller) Results(runID string, limit int, includeArtifacts bool) (*types.RunResultsResponse, error) {
	rs, ok := c.registry.Lookup(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	if limit <= 0 {
		limit = defaultResultsLimit
	}

	results, completed, total := c.registry.Snapshot(rs, limit)
	if includeArtifacts {
		for i := range results {
			if results[i].ArtifactsZipB64 != "" {
				continue
			}
			zip, err := c.artifactCache.PassZip(rs.Workdir, rs.RunID, results[i].PassID)
			if err != nil {
				c.logger.WithRun(runID).Warn("pass artifact zip failed", map[string]any{
					"pass_id": results[i].PassID,
					"error":   err.Error(),
				})
				continue
			}
			results[i].ArtifactsZipB64 = zip
		}
	}

	return &types.RunResultsResponse{
		RunID:         runID,
		Completed:     completed,
		TotalEnqueued: total,
		Results:       results,
	}, nil
}

// Stop stops and drains the identified run.
func (c *Controller) Stop(runID string) (*types.StopResponse, error) {
	rs, ok := c.registry.Lookup(runID)
	if !ok {
		return nil, ErrRunNotFound
	}
	return c.stopRun(rs), nil
}

// StopCurrent stops the current run if any. Safe to call with the slot
// free.
func (c *Controller) StopCurrent() *types.StopResponse {
	rs := c.registry.Current()
	if rs == nil {
		return &types.StopResponse{OK: true, Released: true}
	}
	return c.stopRun(rs)
}

// stopRun sets the stop flag, drains the queue, terminates tracked
// children and attempts release. Idempotent.
func (c *Controller) stopRun(rs *RunState) *types.StopResponse {
	logger := c.logger.WithRun(rs.RunID)
	rs.SignalStop()

	dropped := rs.queue.Drain()
	c.registry.AddDropped(rs, dropped)

	killed := 0
	for _, child := range c.registry.ActiveChildren(rs) {
		pid := child.Pid()
		ipc.Shutdown(child, termGraceChild, killGraceChild)
		c.registry.UntrackChild(rs, pid)
		killed++
	}
	c.registry.AddKilled(rs, killed)
	c.metrics.AddChildrenKilled(killed)

	released := c.waitForRelease(rs, stopReleaseWait)
	droppedTotal, killedTotal := c.registry.TeardownStats(rs)

	logger.Info("run stopped", map[string]any{
		"dropped_queued":   droppedTotal,
		"killed_processes": killedTotal,
		"released":         released,
	})

	return &types.StopResponse{
		OK:              true,
		RunID:           rs.RunID,
		DroppedQueued:   droppedTotal,
		KilledProcesses: killedTotal,
		Released:        released,
	}
}

// waitForRelease attempts the release predicate and otherwise waits for
// the supervisor to get there, bounded by d.
func (c *Controller) waitForRelease(rs *RunState, d time.Duration) bool {
	if c.registry.TryRelease(rs) {
		c.onReleased(rs)
		return true
	}
	select {
	case <-rs.Released():
		return true
	case <-time.After(d):
		return false
	}
}

// onReleased runs exactly once per run, on whichever path won the
// release, and publishes the run-completed event.
func (c *Controller) onReleased(rs *RunState) {
	c.metrics.IncRunsReleased()

	counts := c.registry.ResultStatusCounts(rs)
	dropped, _ := c.registry.TeardownStats(rs)
	total := c.registry.EnqueuedTotal(rs)

	outcome := "completed"
	if dropped > 0 {
		outcome = "stopped"
	}

	finished := nowUTC()
	var durationMs int64
	if started, err := time.Parse("2006-01-02T15:04:05Z", rs.StartedAtUTC); err == nil {
		durationMs = time.Since(started).Milliseconds()
	}

	event := &adapter.RunCompletedEvent{
		EventType:     "run_completed",
		RunID:         rs.RunID,
		StartedAtUTC:  rs.StartedAtUTC,
		FinishedAtUTC: finished,
		DurationMs:    durationMs,
		EnqueuedTotal: total,
		Completed:     counts[types.PassCompleted],
		Failed:        counts[types.PassFailed],
		Skipped:       counts[types.PassSkipped],
		DroppedQueued: dropped,
		Outcome:       outcome,
	}

	logger := c.logger.WithRun(rs.RunID)
	for _, n := range c.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := n.Publish(ctx, event); err != nil {
			logger.Warn("run-completed notification failed", map[string]any{"error": err.Error()})
		}
		cancel()
	}

	logger.Info("run released", map[string]any{
		"completed": event.Completed,
		"failed":    event.Failed,
		"outcome":   outcome,
	})
}

// Status summarises the worker for /status.
func (c *Controller) Status() *types.WorkerStatus {
	busy, queued, running := c.registry.Busy()
	currentID := ""
	if rs := c.registry.Current(); rs != nil {
		currentID = rs.RunID
	}
	return &types.WorkerStatus{
		OK:           true,
		Busy:         busy,
		Queued:       queued,
		Running:      running,
		MaxParallel:  c.policy.MaxParallel(),
		CPUCores:     c.cpuCores,
		CurrentRunID: currentID,
		StartedAtUTC: c.startedAt,
	}
}

// UpdateParallelSettings reconfigures the policy. The new slot count
// applies to the next run; in-flight runs keep theirs.
func (c *Controller) UpdateParallelSettings(req *types.ParallelSettingsRequest) *types.ParallelSettingsResponse {
	settings := c.policy.Update(req.ExplicitParallel, req.CPUTargetPercent, req.ParallelPerCore)
	return &types.ParallelSettingsResponse{
		MaxParallel:      policy.Resolve(settings),
		CPUCores:         settings.CPUCores,
		CPUTargetPercent: settings.CPUTargetPercent,
		ParallelPerCore:  settings.ParallelPerCore,
		ExplicitParallel: settings.ExplicitParallel,
	}
}

// Shutdown stops the current run and waits for release, bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) {
	rs := c.registry.Current()
	if rs == nil {
		return
	}
	c.stopRun(rs)
	select {
	case <-rs.Released():
	case <-ctx.Done():
	}
}

// addDropped records late-drained jobs from the supervisor.
func (c *Controller) addDropped(rs *RunState, n int) {
	c.registry.AddDropped(rs, n)
}
