package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bravo-optimo/optimo-worker/log"
)

// scriptedHost is an in-memory Process driven by a request handler.
// The handler runs per request; replying is up to it, so tests can
// model silent, slow, or malformed hosts.
type scriptedHost struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	exitCode int
}

type hostHandler func(h *scriptedHost, id string, args []string)

var fakePidCounter = 1000

func newScriptedHost(handler hostHandler) *scriptedHost {
	fakePidCounter++
	h := &scriptedHost{pid: fakePidCounter, done: make(chan struct{})}
	h.stdinR, h.stdinW = io.Pipe()
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()

	go func() {
		sc := bufio.NewScanner(h.stdinR)
		for sc.Scan() {
			var req struct {
				ID   string   `json:"id"`
				Args []string `json:"args"`
			}
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
				continue
			}
			go handler(h, req.ID, req.Args)
		}
	}()
	return h
}

func (h *scriptedHost) reply(obj map[string]any) {
	line, _ := json.Marshal(obj)
	_, _ = h.stdoutW.Write(append(line, '\n'))
}

func (h *scriptedHost) writeStdout(line string) {
	_, _ = h.stdoutW.Write([]byte(line + "\n"))
}

func (h *scriptedHost) writeStderr(line string) {
	_, _ = h.stderrW.Write([]byte(line + "\n"))
}

func (h *scriptedHost) exit(code int) {
	h.exitOnce.Do(func() {
		h.exitCode = code
		_ = h.stdoutW.Close()
		_ = h.stderrW.Close()
		_ = h.stdinR.Close()
		close(h.done)
	})
}

func (h *scriptedHost) Stdin() io.WriteCloser { return h.stdinW }
func (h *scriptedHost) Stdout() io.Reader     { return h.stdoutR }
func (h *scriptedHost) Stderr() io.Reader     { return h.stderrR }
func (h *scriptedHost) Pid() int              { return h.pid }
func (h *scriptedHost) Terminate() error      { h.exit(0); return nil }
func (h *scriptedHost) Kill() error           { h.exit(-1); return nil }
func (h *scriptedHost) Done() <-chan struct{} { return h.done }
func (h *scriptedHost) ExitCode() int         { return h.exitCode }

// hostFarm is a Spawner that records every spawned host.
type hostFarm struct {
	mu      sync.Mutex
	handler hostHandler
	spawned []*scriptedHost
}

func newHostFarm(handler hostHandler) *hostFarm {
	return &hostFarm{handler: handler}
}

func (f *hostFarm) spawn() (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := newScriptedHost(f.handler)
	f.spawned = append(f.spawned, h)
	return h, nil
}

func (f *hostFarm) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func newTestClient(t *testing.T, farm *hostFarm) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		Slot:   "0",
		Spawn:  farm.spawn,
		Logger: log.New("test").WithOutput(io.Discard),
	})
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func echoHandler(exitCode int) hostHandler {
	return func(h *scriptedHost, id string, args []string) {
		h.reply(map[string]any{
			"id":        id,
			"exit_code": exitCode,
			"stdout":    "ran " + args[0],
			"stderr":    "",
		})
	}
}

func TestExecuteRoundtrip(t *testing.T) {
	farm := newHostFarm(echoHandler(0))
	c := newTestClient(t, farm)

	res, err := c.Execute([]string{"backtest", "a.algo"}, 2*time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "ran backtest" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteAcceptsExitCodeAlias(t *testing.T) {
	farm := newHostFarm(func(h *scriptedHost, id string, _ []string) {
		h.reply(map[string]any{"id": id, "exitCode": 3, "stdout": "", "stderr": "boom"})
	})
	c := newTestClient(t, farm)

	res, err := c.Execute([]string{"backtest"}, 2*time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 3 || res.Stderr != "boom" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNonJSONStdoutGoesToTail(t *testing.T) {
	farm := newHostFarm(func(h *scriptedHost, id string, _ []string) {
		h.writeStdout("warming up engine...")
		h.reply(map[string]any{"id": id, "exit_code": 0})
	})
	c := newTestClient(t, farm)

	if _, err := c.Execute([]string{"backtest"}, 2*time.Second); err != nil {
		t.Fatalf("execute: %v", err)
	}

	found := false
	for _, line := range c.Tail() {
		if line == "[stdout] warming up engine..." {
			found = true
		}
	}
	if !found {
		t.Fatalf("tail missing stdout marker: %v", c.Tail())
	}
}

func TestConcurrentExecutesDemultiplex(t *testing.T) {
	farm := newHostFarm(func(h *scriptedHost, id string, args []string) {
		// Respond out of order relative to arrival.
		if args[1] == "slow" {
			time.Sleep(100 * time.Millisecond)
		}
		h.reply(map[string]any{"id": id, "exit_code": 0, "stdout": args[1]})
	})
	c := newTestClient(t, farm)

	var wg sync.WaitGroup
	results := make([]ExecResult, 2)
	errs := make([]error, 2)
	for i, tag := range []string{"slow", "fast"} {
		wg.Add(1)
		go func(i int, tag string) {
			defer wg.Done()
			results[i], errs[i] = c.Execute([]string{"backtest", tag}, 2*time.Second)
		}(i, tag)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if results[0].Stdout != "slow" || results[1].Stdout != "fast" {
		t.Fatalf("responses crossed: %+v", results)
	}
}

func TestExecuteTimeout(t *testing.T) {
	farm := newHostFarm(func(_ *scriptedHost, _ string, _ []string) {
		// Never reply.
	})
	c := newTestClient(t, farm)

	_, err := c.Execute([]string{"backtest"}, 100*time.Millisecond)
	if !errors.Is(err, ErrExecTimeout) {
		t.Fatalf("got %v, want ErrExecTimeout", err)
	}
}

func TestResetInvalidatesPendingExecute(t *testing.T) {
	received := make(chan struct{}, 1)
	farm := newHostFarm(func(h *scriptedHost, id string, args []string) {
		if args[0] == "hang" {
			received <- struct{}{}
			return // never reply
		}
		h.reply(map[string]any{"id": id, "exit_code": 0})
	})
	c := newTestClient(t, farm)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Execute([]string{"hang"}, 10*time.Second)
		errCh <- err
	}()

	<-received
	if err := c.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrHostRestarted) {
			t.Fatalf("got %v, want ErrHostRestarted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending execute not released by reset")
	}

	if farm.count() != 2 {
		t.Fatalf("expected a fresh host after reset, got %d spawns", farm.count())
	}
	if g := c.Generation(); g != 1 {
		t.Fatalf("generation: got %d, want 1", g)
	}

	// The client keeps working against the fresh host.
	if _, err := c.Execute([]string{"backtest"}, 2*time.Second); err != nil {
		t.Fatalf("execute after reset: %v", err)
	}
}

func TestHostExitSurfacesStderrTail(t *testing.T) {
	received := make(chan *scriptedHost, 1)
	farm := newHostFarm(func(h *scriptedHost, _ string, _ []string) {
		h.writeStderr("fatal: engine crashed")
		received <- h
	})
	c := newTestClient(t, farm)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Execute([]string{"backtest"}, 10*time.Second)
		errCh <- err
	}()

	h := <-received
	time.Sleep(50 * time.Millisecond) // let the stderr reader drain
	h.exit(2)

	select {
	case err := <-errCh:
		var exited *HostExitedError
		if !errors.As(err, &exited) {
			t.Fatalf("got %v, want HostExitedError", err)
		}
		if exited.ExitCode != 2 {
			t.Errorf("exit code: got %d, want 2", exited.ExitCode)
		}
		if exited.Tail == "" {
			t.Error("expected stderr tail in error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending execute not released by host exit")
	}
}

func TestExecuteAfterCloseFails(t *testing.T) {
	farm := newHostFarm(echoHandler(0))
	c := newTestClient(t, farm)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.Execute([]string{"backtest"}, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCloseReleasesPendingExecute(t *testing.T) {
	received := make(chan struct{}, 1)
	farm := newHostFarm(func(_ *scriptedHost, _ string, _ []string) {
		received <- struct{}{}
	})
	c := newTestClient(t, farm)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Execute([]string{"backtest"}, 10*time.Second)
		errCh <- err
	}()

	<-received
	_ = c.Close()

	select {
	case err := <-errCh:
		// Close terminates the child, so the waiter may observe either
		// the close or the exit, depending on which select fires.
		var exited *HostExitedError
		if !errors.Is(err, ErrClosed) && !errors.As(err, &exited) {
			t.Fatalf("got %v, want ErrClosed or HostExitedError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending execute not released by close")
	}
}

func TestRequestIDsAreUniquePerSlot(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	farm := newHostFarm(func(h *scriptedHost, id string, _ []string) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		h.reply(map[string]any{"id": id, "exit_code": 0})
	})
	c := newTestClient(t, farm)

	for i := 0; i < 5; i++ {
		if _, err := c.Execute([]string{fmt.Sprintf("pass-%d", i)}, 2*time.Second); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct ids, got %d: %v", len(seen), seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("id %s used %d times", id, n)
		}
	}
}
