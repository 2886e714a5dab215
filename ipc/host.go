// Package ipc implements the patched-CLI-host client: a long-lived
// child process that multiplexes backtest requests over stdio as
// newline-delimited JSON.
//
// A request is {"id":"<slot>-<seq>","args":[...]}\n; a response is any
// JSON object carrying the matching id plus exit_code/stdout/stderr
// (exitCode is accepted as an alias, unknown fields are ignored).
// Non-JSON stdout lines and all stderr lines feed a bounded diagnostic
// tail.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/bravo-optimo/optimo-worker/log"
)

// Shutdown grace periods for host children.
const (
	termGrace = 3 * time.Second
	killGrace = 1 * time.Second
)

// Errors surfaced by Execute.
var (
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("host client closed")
	// ErrNotStarted is returned when no child has been started.
	ErrNotStarted = errors.New("host process not started")
	// ErrExecTimeout is returned when the response deadline passes.
	ErrExecTimeout = errors.New("host execute timed out")
	// ErrHostRestarted is returned to waiters invalidated by Reset.
	ErrHostRestarted = errors.New("host process restarted")
)

// HostExitedError is returned when the child dies mid-request. Tail
// carries the last captured diagnostic lines.
type HostExitedError struct {
	ExitCode int
	Tail     string
}

func (e *HostExitedError) Error() string {
	if e.Tail == "" {
		return fmt.Sprintf("host process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("host process exited with code %d; stderr tail:\n%s", e.ExitCode, e.Tail)
}

// ExecResult is one completed backtest request.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

type hostRequest struct {
	ID   string   `json:"id"`
	Args []string `json:"args"`
}

type hostResponse struct {
	ID            string `json:"id"`
	ExitCode      *int   `json:"exit_code"`
	ExitCodeAlias *int   `json:"exitCode"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
}

// ClientConfig configures a host client for one worker slot.
type ClientConfig struct {
	// Slot prefixes request ids ("<slot>-<seq>").
	Slot string
	// Spawn starts the host child. DefaultSpawner covers production.
	Spawn Spawner
	// Logger receives restart/exit diagnostics. Required.
	Logger *log.Logger
	// OnSpawn is called after each child starts (PID tracking).
	OnSpawn func(p Process)
	// OnExit is called after each child is reaped.
	OnExit func(p Process)
}

// DefaultSpawner launches `<dotnet> <hostDLL> --cli-dir <cliDir>`.
func DefaultSpawner(dotnet, hostDLL, cliDir string) Spawner {
	return func() (Process, error) {
		cmd := exec.Command(dotnet, hostDLL, "--cli-dir", cliDir)
		return StartCommand(cmd, true)
	}
}

// Client multiplexes synchronous Execute calls over one host child.
// Safe for concurrent use; in practice one worker slot owns one client.
type Client struct {
	cfg ClientConfig

	mu         sync.Mutex
	closed     bool
	closeCh    chan struct{}
	proc       Process
	generation uint64
	genDone    chan struct{}
	seq        uint64
	waiters    map[string]chan ExecResult

	tail *tailBuffer
}

// NewClient creates a client. Call Start before Execute.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:     cfg,
		closeCh: make(chan struct{}),
		genDone: make(chan struct{}),
		waiters: make(map[string]chan ExecResult),
		tail:    newTailBuffer(),
	}
}

// Start spawns the host child and its stdio readers.
func (c *Client) Start() error {
	proc, err := c.cfg.Spawn()
	if err != nil {
		return fmt.Errorf("spawn host: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		Shutdown(proc, termGrace, killGrace)
		return ErrClosed
	}
	c.proc = proc
	c.mu.Unlock()

	go c.readStdout(proc)
	go c.readStderr(proc)

	if c.cfg.OnSpawn != nil {
		c.cfg.OnSpawn(proc)
	}
	return nil
}

// Pid returns the current child's pid, or 0 when none is running.
func (c *Client) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.Pid()
}

// Generation returns the restart counter.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Tail returns the current diagnostic tail.
func (c *Client) Tail() []string {
	return c.tail.Lines()
}

// Execute writes one request and waits for its response, the deadline,
// a host restart, host exit, or client close, whichever happens first.
func (c *Client) Execute(args []string, timeout time.Duration) (ExecResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ExecResult{}, ErrClosed
	}
	if c.proc == nil {
		c.mu.Unlock()
		return ExecResult{}, ErrNotStarted
	}
	proc := c.proc
	select {
	case <-proc.Done():
		tail := c.tail.String()
		c.mu.Unlock()
		return ExecResult{}, &HostExitedError{ExitCode: proc.ExitCode(), Tail: tail}
	default:
	}

	gen := c.genDone
	id := fmt.Sprintf("%s-%d", c.cfg.Slot, c.seq)
	c.seq++

	ch := make(chan ExecResult, 1)
	c.waiters[id] = ch

	line, err := json.Marshal(hostRequest{ID: id, Args: args})
	if err != nil {
		delete(c.waiters, id)
		c.mu.Unlock()
		return ExecResult{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := proc.Stdin().Write(append(line, '\n')); err != nil {
		delete(c.waiters, id)
		c.mu.Unlock()
		return ExecResult{}, fmt.Errorf("write request: %w", err)
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		c.unregister(id)
		if res, ok := drain(ch); ok {
			return res, nil
		}
		return ExecResult{}, ErrExecTimeout
	case <-gen:
		if res, ok := drain(ch); ok {
			return res, nil
		}
		return ExecResult{}, ErrHostRestarted
	case <-proc.Done():
		c.unregister(id)
		if res, ok := drain(ch); ok {
			return res, nil
		}
		// A reset also terminates the child; report the restart, not
		// the exit it caused.
		if c.resetSince(gen) {
			return ExecResult{}, ErrHostRestarted
		}
		return ExecResult{}, &HostExitedError{ExitCode: proc.ExitCode(), Tail: c.tail.String()}
	case <-c.closeCh:
		c.unregister(id)
		if res, ok := drain(ch); ok {
			return res, nil
		}
		return ExecResult{}, ErrClosed
	}
}

// Reset terminates the child, invalidates every pending Execute with
// ErrHostRestarted, and starts a fresh child.
func (c *Client) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.proc
	c.proc = nil
	close(c.genDone)
	c.genDone = make(chan struct{})
	c.generation++
	c.waiters = make(map[string]chan ExecResult)
	gen := c.generation
	c.mu.Unlock()

	if old != nil {
		c.shutdownProc(old)
	}

	c.cfg.Logger.Warn("restarting patched CLI host", map[string]any{
		"slot":       c.cfg.Slot,
		"generation": gen,
	})
	return c.Start()
}

// Close terminates the child and fails all pending and future Execute
// calls with ErrClosed. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	old := c.proc
	c.proc = nil
	c.mu.Unlock()

	if old != nil {
		c.shutdownProc(old)
	}
	return nil
}

func (c *Client) shutdownProc(p Process) {
	if stdin := p.Stdin(); stdin != nil {
		_ = stdin.Close()
	}
	Shutdown(p, termGrace, killGrace)
	if c.cfg.OnExit != nil {
		c.cfg.OnExit(p)
	}
}

func (c *Client) resetSince(gen chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genDone != gen
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func drain(ch chan ExecResult) (ExecResult, bool) {
	select {
	case res := <-ch:
		return res, true
	default:
		return ExecResult{}, false
	}
}

func (c *Client) readStdout(p Process) {
	scanLines(p.Stdout(), func(line string) {
		var resp hostResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.ID == "" {
			c.tail.Append("[stdout] " + line)
			return
		}

		code := 0
		if resp.ExitCode != nil {
			code = *resp.ExitCode
		} else if resp.ExitCodeAlias != nil {
			code = *resp.ExitCodeAlias
		}
		res := ExecResult{ExitCode: code, Stdout: resp.Stdout, Stderr: resp.Stderr}

		c.mu.Lock()
		w, ok := c.waiters[resp.ID]
		if ok {
			delete(c.waiters, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			w <- res
		} else {
			c.tail.Append("[stdout:unmatched] " + line)
		}
	})
}

func (c *Client) readStderr(p Process) {
	scanLines(p.Stderr(), func(line string) {
		c.tail.Append(line)
	})
}
