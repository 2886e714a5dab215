package runtime

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bravo-optimo/optimo-worker/ipc"
	"github.com/bravo-optimo/optimo-worker/log"
	"github.com/bravo-optimo/optimo-worker/policy"
	"github.com/bravo-optimo/optimo-worker/types"
)

// fakeChild is a minimal ipc.Process for tracking tests.
type fakeChild struct {
	pid      int
	mu       sync.Mutex
	done     chan struct{}
	exitOnce sync.Once
}

func (f *fakeChild) Stdin() io.WriteCloser { return nil }
func (f *fakeChild) Stdout() io.Reader     { return nil }
func (f *fakeChild) Stderr() io.Reader     { return nil }
func (f *fakeChild) Pid() int              { return f.pid }
func (f *fakeChild) ExitCode() int         { return 0 }

func (f *fakeChild) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(chan struct{})
	}
	return f.done
}

func (f *fakeChild) Terminate() error {
	f.exitOnce.Do(func() { close(f.doneChan()) })
	return nil
}

func (f *fakeChild) Kill() error { return f.Terminate() }

func (f *fakeChild) doneChan() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		f.done = make(chan struct{})
	}
	return f.done
}

// backtestRequest is one decoded host request, with the report paths
// and pass id recovered from the CLI argument list.
type backtestRequest struct {
	id         string
	args       []string
	passID     int
	reportHTML string
	reportJSON string
}

// fakeBacktestHost simulates the patched CLI host: it reads request
// lines, lets a handler produce report files, and replies. The handler
// runs per request so slow passes overlap like real engine slots.
type fakeBacktestHost struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu       sync.Mutex
	done     chan struct{}
	exitOnce sync.Once
	exitCode int
}

// hostBehavior decides what one backtest request does. Returning a
// negative exit code suppresses the reply entirely (a hung engine).
type hostBehavior func(req backtestRequest) (exitCode int)

var testPidCounter = 50000

func newFakeBacktestHost(behavior hostBehavior) *fakeBacktestHost {
	testPidCounter++
	h := &fakeBacktestHost{pid: testPidCounter, done: make(chan struct{})}
	h.stdinR, h.stdinW = io.Pipe()
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()

	go func() {
		sc := bufio.NewScanner(h.stdinR)
		sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for sc.Scan() {
			var req struct {
				ID   string   `json:"id"`
				Args []string `json:"args"`
			}
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
				continue
			}
			decoded := decodeBacktestArgs(req.ID, req.Args)
			go func() {
				code := behavior(decoded)
				if code < 0 {
					return
				}
				line, _ := json.Marshal(map[string]any{
					"id":        decoded.id,
					"exit_code": code,
					"stdout":    "",
					"stderr":    "",
				})
				h.mu.Lock()
				select {
				case <-h.done:
				default:
					_, _ = h.stdoutW.Write(append(line, '\n'))
				}
				h.mu.Unlock()
			}()
		}
	}()
	return h
}

func decodeBacktestArgs(id string, args []string) backtestRequest {
	req := backtestRequest{id: id, args: args}
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "--report="):
			req.reportHTML = strings.TrimPrefix(a, "--report=")
		case strings.HasPrefix(a, "--report-json="):
			req.reportJSON = strings.TrimPrefix(a, "--report-json=")
		}
	}
	if req.reportJSON != "" {
		if n, err := strconv.Atoi(filepath.Base(filepath.Dir(req.reportJSON))); err == nil {
			req.passID = n
		}
	}
	return req
}

// writeFile writes one report file for host behaviors.
func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func (h *fakeBacktestHost) exit(code int) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.exitCode = code
		_ = h.stdoutW.Close()
		_ = h.stderrW.Close()
		_ = h.stdinR.Close()
		close(h.done)
		h.mu.Unlock()
	})
}

func (h *fakeBacktestHost) Stdin() io.WriteCloser { return h.stdinW }
func (h *fakeBacktestHost) Stdout() io.Reader     { return h.stdoutR }
func (h *fakeBacktestHost) Stderr() io.Reader     { return h.stderrR }
func (h *fakeBacktestHost) Pid() int              { return h.pid }
func (h *fakeBacktestHost) Terminate() error      { h.exit(0); return nil }
func (h *fakeBacktestHost) Kill() error           { h.exit(-1); return nil }
func (h *fakeBacktestHost) Done() <-chan struct{} { return h.done }
func (h *fakeBacktestHost) ExitCode() int         { return h.exitCode }

// testHostFarm spawns fake hosts and remembers them.
type testHostFarm struct {
	mu       sync.Mutex
	behavior hostBehavior
	spawned  []*fakeBacktestHost
}

func newTestHostFarm(behavior hostBehavior) *testHostFarm {
	return &testHostFarm{behavior: behavior}
}

func (f *testHostFarm) spawn() (ipc.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := newFakeBacktestHost(f.behavior)
	f.spawned = append(f.spawned, h)
	return h, nil
}

// controllerOptions tunes newTestController.
type controllerOptions struct {
	slots            int
	timeoutSeconds   int
	callbackURL      string
	batchSize        int
	flushEvery       time.Duration
	includeArtifacts *bool
}

func newTestController(t *testing.T, farm *testHostFarm, opts controllerOptions) *Controller {
	t.Helper()
	if opts.slots == 0 {
		opts.slots = 1
	}
	if opts.batchSize == 0 {
		opts.batchSize = 1 // batching off unless the test asks
	}
	if opts.flushEvery == 0 {
		opts.flushEvery = time.Second
	}

	logger := log.New("test").WithOutput(io.Discard)
	mgr := policy.NewManager(policy.Settings{
		CPUCores:         8,
		CPUTargetPercent: 80,
		ParallelPerCore:  1,
		ExplicitParallel: opts.slots,
	})

	ctrl := NewController(ControllerConfig{
		WorkerRoot:         t.TempDir(),
		UsePatchedHost:     true,
		CLIPath:            "ctrader-cli",
		CallbackBatchSize:  opts.batchSize,
		CallbackFlushEvery: opts.flushEvery,
		CallbackTimeout:    3 * time.Second,
	}, ControllerDeps{
		Logger:      logger,
		Policy:      mgr,
		Metrics:     nil,
		HostSpawner: farm.spawn,
		CPUCores:    8,
	})
	t.Cleanup(func() { ctrl.StopCurrent() })
	return ctrl
}

func startTestRun(t *testing.T, ctrl *Controller, opts controllerOptions) *types.RunStartResponse {
	t.Helper()
	req := &types.RunStartRequest{
		Symbol:           "EURUSD",
		Period:           "h1",
		Start:            "2024-01-01",
		End:              "2024-02-01",
		DataMode:         types.DataModeTicks,
		CTID:             "100",
		Account:          "demo",
		PwdText:          "hunter2",
		AlgoB64:          "Ym90LWJ5dGVz",
		CallbackURL:      opts.callbackURL,
		TimeoutSeconds:   opts.timeoutSeconds,
		IncludeArtifacts: opts.includeArtifacts,
	}
	resp, err := ctrl.Start(req)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return resp
}

func assignPasses(t *testing.T, ctrl *Controller, runID string, ids ...int) {
	t.Helper()
	jobs := make([]types.PassJob, len(ids))
	for i, id := range ids {
		jobs[i] = types.PassJob{PassID: id, Parameters: map[string]any{"index": id}}
	}
	if _, err := ctrl.Assign(runID, jobs); err != nil {
		t.Fatalf("assign: %v", err)
	}
}

// waitForCompleted polls /results until count results exist.
func waitForCompleted(t *testing.T, ctrl *Controller, runID string, count int, timeout time.Duration) *types.RunResultsResponse {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		resp, err := ctrl.Results(runID, 0, false)
		if err != nil {
			t.Fatalf("results: %v", err)
		}
		if resp.Completed >= count {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d results, have %d", count, resp.Completed)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
