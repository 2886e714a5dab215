package runtime

import (
	"sync"

	"github.com/bravo-optimo/optimo-worker/ipc"
	"github.com/bravo-optimo/optimo-worker/types"
)

// RunState is the in-memory record of the single admitted run. Counter
// and result fields are guarded by the Registry's process-wide mutex;
// the queue and stop flag carry their own synchronization.
type RunState struct {
	RunID        string
	Workdir      string
	StartedAtUTC string
	Config       *types.RunStartRequest
	AlgoPath     string
	PwdPath      string

	queue    *jobQueue
	stopOnce sync.Once
	stopCh   chan struct{}

	// Guarded by Registry.mu.
	inFlight      int
	enqueuedTotal int
	results       []types.PassResult
	children      map[int]ipc.Process

	droppedQueued   int
	killedProcesses int

	callbackCh   chan types.PassResult
	pipelineDone chan struct{}
	workers      sync.WaitGroup
	released     chan struct{}
}

func newRunState(runID, workdir, startedAt string, cfg *types.RunStartRequest, algoPath, pwdPath string) *RunState {
	return &RunState{
		RunID:        runID,
		Workdir:      workdir,
		StartedAtUTC: startedAt,
		Config:       cfg,
		AlgoPath:     algoPath,
		PwdPath:      pwdPath,
		queue:        newJobQueue(),
		stopCh:       make(chan struct{}),
		children:     make(map[int]ipc.Process),
		released:     make(chan struct{}),
	}
}

// SignalStop sets the edge-triggered stop flag. Idempotent.
func (r *RunState) SignalStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Stopped reports whether stop has been signalled.
func (r *RunState) Stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// StopChan exposes the stop signal for select loops.
func (r *RunState) StopChan() <-chan struct{} { return r.stopCh }

// Released is closed once the run leaves the admission slot.
func (r *RunState) Released() <-chan struct{} { return r.released }

// Registry is the single-run admission gate. One process-wide mutex
// serialises CurrentRun, the in-flight counter, the results list and
// child tracking; critical sections stay at pointer/counter size.
type Registry struct {
	mu      sync.Mutex
	current *RunState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Current returns the admitted run, or nil.
func (g *Registry) Current() *RunState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Lookup returns the current run if its id matches.
func (g *Registry) Lookup(runID string) (*RunState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil || g.current.RunID != runID {
		return nil, false
	}
	return g.current, true
}

// Busy reports whether the slot is held by a non-idle run, with its
// queue depth and in-flight count.
func (g *Registry) Busy() (busy bool, queued, running int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return false, 0, 0
	}
	queued = g.current.queue.Len()
	running = g.current.inFlight
	return queued > 0 || running > 0, queued, running
}

// Admit publishes rs as the current run. Fails with ErrBusy while a
// previous run still holds the slot with queued or in-flight work.
func (g *Registry) Admit(rs *RunState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		if g.current.queue.Len() > 0 || g.current.inFlight > 0 {
			return ErrBusy
		}
		// An idle predecessor that was never stopped still owns its
		// workers; force it out before taking the slot.
		g.current.SignalStop()
	}
	g.current = rs
	return nil
}

// Enqueue appends jobs FIFO and bumps enqueued_total. Rejected once the
// run is seen stopping; a push that races a concurrent stop can still
// land, and the supervisor drains and counts it as dropped.
func (g *Registry) Enqueue(rs *RunState, jobs []types.PassJob) (accepted, queued int, err error) {
	if rs.Stopped() {
		return 0, rs.queue.Len(), ErrRunStopping
	}
	for _, job := range jobs {
		rs.queue.Push(job)
	}
	g.mu.Lock()
	rs.enqueuedTotal += len(jobs)
	g.mu.Unlock()
	return len(jobs), rs.queue.Len(), nil
}

// BeginPass brackets pass execution: in_flight++.
func (g *Registry) BeginPass(rs *RunState) {
	g.mu.Lock()
	rs.inFlight++
	g.mu.Unlock()
}

// FinishPass appends the result in completion order and drops
// in_flight.
func (g *Registry) FinishPass(rs *RunState, res types.PassResult) {
	g.mu.Lock()
	rs.results = append(rs.results, res)
	rs.inFlight--
	g.mu.Unlock()
}

// Snapshot copies the last limit results plus the counters.
func (g *Registry) Snapshot(rs *RunState, limit int) (results []types.PassResult, completed, totalEnqueued int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	completed = len(rs.results)
	totalEnqueued = rs.enqueuedTotal
	start := 0
	if limit > 0 && completed > limit {
		start = completed - limit
	}
	results = make([]types.PassResult, completed-start)
	copy(results, rs.results[start:])
	return results, completed, totalEnqueued
}

// ResultStatusCounts tallies results by status.
func (g *Registry) ResultStatusCounts(rs *RunState) map[types.PassStatus]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	counts := make(map[types.PassStatus]int, 3)
	for _, r := range rs.results {
		counts[r.Status]++
	}
	return counts
}

// TrackChild registers a running backtest child (one-shot CLI or
// patched host) for teardown.
func (g *Registry) TrackChild(rs *RunState, p ipc.Process) {
	g.mu.Lock()
	rs.children[p.Pid()] = p
	g.mu.Unlock()
}

// UntrackChild deregisters an exited child.
func (g *Registry) UntrackChild(rs *RunState, pid int) {
	g.mu.Lock()
	delete(rs.children, pid)
	g.mu.Unlock()
}

// HasChild reports whether a pid is still tracked.
func (g *Registry) HasChild(rs *RunState, pid int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := rs.children[pid]
	return ok
}

// ActiveChildren snapshots the tracked child handles.
func (g *Registry) ActiveChildren(rs *RunState) []ipc.Process {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ipc.Process, 0, len(rs.children))
	for _, p := range rs.children {
		out = append(out, p)
	}
	return out
}

// EnqueuedTotal reads the run's lifetime enqueue counter.
func (g *Registry) EnqueuedTotal(rs *RunState) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return rs.enqueuedTotal
}

// AddDropped accumulates queue-drain counts for the stop response.
func (g *Registry) AddDropped(rs *RunState, n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	rs.droppedQueued += n
	g.mu.Unlock()
}

// AddKilled accumulates terminated-child counts for the stop response.
func (g *Registry) AddKilled(rs *RunState, n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	rs.killedProcesses += n
	g.mu.Unlock()
}

// TeardownStats reads the cumulative stop counters.
func (g *Registry) TeardownStats(rs *RunState) (dropped, killed int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return rs.droppedQueued, rs.killedProcesses
}

// TryRelease frees the admission slot iff stop is set, the queue is
// empty and nothing is in flight. Every transition that changes those
// quantities re-checks this predicate.
func (g *Registry) TryRelease(rs *RunState) bool {
	if !rs.Stopped() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != rs {
		// Already released.
		return false
	}
	if rs.queue.Len() > 0 || rs.inFlight > 0 {
		return false
	}
	g.current = nil
	close(rs.released)
	return true
}
