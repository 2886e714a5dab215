package runtime

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bravo-optimo/optimo-worker/ipc"
	"github.com/bravo-optimo/optimo-worker/types"
)

// dequeueTick is how often an idle worker re-checks the stop flag.
const dequeueTick = 500 * time.Millisecond

// startWorkers launches the run-bound pool plus its supervisor.
func (c *Controller) startWorkers(rs *RunState, n int) {
	for i := 0; i < n; i++ {
		rs.workers.Add(1)
		go c.workerLoop(rs, i)
	}
	go c.supervise(rs)
}

// workerLoop is one cooperative worker slot. With the patched host
// enabled, the slot owns one long-lived host child for its lifetime.
func (c *Controller) workerLoop(rs *RunState, slot int) {
	defer rs.workers.Done()
	logger := c.logger.WithRun(rs.RunID).WithSlot(slot)

	var host *ipc.Client
	if c.cfg.UsePatchedHost {
		spawned := false
		host = ipc.NewClient(ipc.ClientConfig{
			Slot:   strconv.Itoa(slot),
			Spawn:  c.hostSpawner,
			Logger: logger,
			OnSpawn: func(p ipc.Process) {
				c.registry.TrackChild(rs, p)
				if spawned {
					c.metrics.IncHostRestarts()
				}
				spawned = true
			},
			OnExit: func(p ipc.Process) {
				c.registry.UntrackChild(rs, p.Pid())
			},
		})
		if err := host.Start(); err != nil {
			// Every slot would fail the same way; abort the whole run.
			dropped := rs.queue.Drain()
			c.addDropped(rs, dropped)
			rs.SignalStop()
			logger.Error("patched host start failed, aborting run", map[string]any{
				"error":   err.Error(),
				"dropped": dropped,
			})
			return
		}
		defer func() { _ = host.Close() }()
	}

	for !rs.Stopped() {
		job, ok := rs.queue.Dequeue(dequeueTick)
		if !ok {
			continue
		}
		if rs.Stopped() {
			c.addDropped(rs, 1)
			break
		}

		c.registry.BeginPass(rs)

		started := nowUTC()
		perf := time.Now()
		res := c.executePassSafe(rs, host, job)
		res.StartedAtUTC = started
		res.FinishedAtUTC = nowUTC()
		res.ElapsedSecondsTotal = time.Since(perf).Seconds()

		c.registry.FinishPass(rs, res)
		if res.Status == types.PassCompleted {
			c.metrics.IncPassesCompleted()
		} else {
			c.metrics.IncPassesFailed()
		}

		c.dispatchResult(rs, res)
	}
}

// executePassSafe shields the pool from invoker panics: a crashed pass
// still yields exactly one Failed result.
func (c *Controller) executePassSafe(rs *RunState, host *ipc.Client, job types.PassJob) (res types.PassResult) {
	defer func() {
		if r := recover(); r != nil {
			res = types.PassResult{
				RunID:   rs.RunID,
				PassID:  job.PassID,
				Status:  types.PassFailed,
				Metrics: map[string]any{},
				Error:   fmt.Sprintf("pass execution panicked: %v", r),
			}
		}
	}()
	return c.invoker.ExecutePass(c.registry, rs, host, job)
}

// supervise waits for the pool to drain, ends the callback pipeline,
// and releases the admission slot.
func (c *Controller) supervise(rs *RunState) {
	rs.workers.Wait()

	if rs.callbackCh != nil {
		close(rs.callbackCh)
		<-rs.pipelineDone
	}

	// Workers only exit once stop is set, and enqueue rejects after
	// stop, so any leftover items are from the assign/stop race window.
	if n := rs.queue.Drain(); n > 0 {
		c.addDropped(rs, n)
	}

	if c.registry.TryRelease(rs) {
		c.onReleased(rs)
	}
}
