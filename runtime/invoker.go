package runtime

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bravo-optimo/optimo-worker/ipc"
	"github.com/bravo-optimo/optimo-worker/log"
	"github.com/bravo-optimo/optimo-worker/types"
)

// hostExtraTimeout is the slack granted to the patched host beyond the
// pass timeout: the host needs time to flush reports after the engine
// finishes.
const hostExtraTimeout = 30 * time.Second

// Invoker poll intervals.
const (
	hostPollInterval    = 500 * time.Millisecond
	oneShotPollInterval = time.Second
)

// errReportMissing is the canonical failure detail for a pass that
// produced no usable report.
const errReportMissing = "report_missing_or_invalid"

// InvokerConfig selects the execution mode and binaries.
type InvokerConfig struct {
	// CLIPath is the external backtest CLI (one-shot mode).
	CLIPath string
	// UsePatchedHost routes passes through the persistent host.
	UsePatchedHost bool
}

// Invoker executes one pass as one backtest, in either mode, with an
// identical contract: reports on disk decide success.
type Invoker struct {
	cfg    InvokerConfig
	logger *log.Logger
}

// NewInvoker creates an invoker.
func NewInvoker(cfg InvokerConfig, logger *log.Logger) *Invoker {
	return &Invoker{cfg: cfg, logger: logger}
}

// passOutcome is the raw execution verdict before report parsing.
type passOutcome struct {
	kind       string
	ok         bool
	hostStdout string
	hostStderr string
	err        error
}

// buildArgs assembles the CLI invocation: positionals then flags.
func buildArgs(rs *RunState, p passPaths) []string {
	cfg := rs.Config
	args := []string{
		"backtest", rs.AlgoPath, p.cbotset,
		"--start=" + cfg.Start,
		"--end=" + cfg.End,
		"--data-mode=" + string(cfg.DataMode),
		"--ctid=" + cfg.CTID,
		"--pwd-file=" + rs.PwdPath,
		"--account=" + cfg.Account,
		"--symbol=" + cfg.Symbol,
		"--period=" + cfg.Period,
		"--report=" + p.reportHTML,
		"--report-json=" + p.reportJSON,
	}
	if cfg.Balance != nil {
		args = append(args, "--balance="+strconv.FormatFloat(*cfg.Balance, 'f', -1, 64))
	}
	return args
}

// ExecutePass runs one pass end to end: pass directory, backtest,
// report parse, per-pass log. Timestamps on the returned result are
// stamped by the worker.
func (inv *Invoker) ExecutePass(reg *Registry, rs *RunState, host *ipc.Client, job types.PassJob) types.PassResult {
	res := types.PassResult{
		RunID:   rs.RunID,
		PassID:  job.PassID,
		Metrics: map[string]any{},
	}

	p, err := preparePassDir(rs.Workdir, job, rs.Config.Symbol, rs.Config.Period)
	if err != nil {
		res.Status = types.PassFailed
		res.Error = err.Error()
		return res
	}

	args := buildArgs(rs, p)

	logf, err := os.Create(p.logPath)
	if err != nil {
		res.Status = types.PassFailed
		res.Error = fmt.Sprintf("open pass log: %v", err)
		return res
	}
	defer func() { _ = logf.Close() }()

	fmt.Fprintf(logf, "[started_at_utc] %s\n", nowUTC())
	fmt.Fprintf(logf, "[command] %s %s\n\n", inv.cfg.CLIPath, strings.Join(args, " "))

	startPerf := time.Now()
	var out passOutcome
	if host != nil {
		out = inv.runViaHost(rs, host, p, args, logf)
	} else {
		out = inv.runOneShot(reg, rs, p, args, logf)
	}

	fmt.Fprintf(logf, "\n[outcome] %s\n", out.kind)
	fmt.Fprintf(logf, "[finished_at_utc] %s\n", nowUTC())
	fmt.Fprintf(logf, "[elapsed_seconds] %.3f\n", time.Since(startPerf).Seconds())

	var metrics map[string]any
	if out.ok {
		metrics = parseReport(p.reportJSON)
	}
	if metrics != nil {
		res.Status = types.PassCompleted
		res.Metrics = metrics
	} else {
		res.Status = types.PassFailed
		if out.err != nil {
			res.Error = out.err.Error()
		} else {
			res.Error = errReportMissing
		}
	}
	return res
}

// runViaHost executes through the persistent patched host (mode 1).
// The request runs in a helper goroutine while this loop polls for
// stop and the pass deadline; both trigger a host reset so the engine
// abandons the pass.
func (inv *Invoker) runViaHost(rs *RunState, host *ipc.Client, p passPaths, args []string, logf *os.File) passOutcome {
	timeout := time.Duration(rs.Config.Timeout()) * time.Second
	deadline := time.Now().Add(timeout)

	type hostDone struct {
		res ipc.ExecResult
		err error
	}
	done := make(chan hostDone, 1)
	go func() {
		r, err := host.Execute(args, timeout+hostExtraTimeout)
		done <- hostDone{res: r, err: err}
	}()

	ticker := time.NewTicker(hostPollInterval)
	defer ticker.Stop()

	for {
		select {
		case d := <-done:
			if d.err != nil {
				// A dead host would fail every subsequent pass on this
				// slot; bring up a fresh child before moving on.
				var exited *ipc.HostExitedError
				if errors.As(d.err, &exited) && !rs.Stopped() {
					inv.resetHost(host)
				}
				return passOutcome{
					kind: "patched_host_error_" + hostErrClass(d.err),
					ok:   false,
					err:  fmt.Errorf("patched host: %w", d.err),
				}
			}
			if d.res.Stdout != "" {
				fmt.Fprintf(logf, "[host stdout]\n%s\n", d.res.Stdout)
			}
			if d.res.Stderr != "" {
				fmt.Fprintf(logf, "[host stderr]\n%s\n", d.res.Stderr)
			}
			ok := d.res.ExitCode == 0 && reportsReady(p)
			kind := "reports_ready"
			if !ok {
				kind = "process_exited_rc_" + strconv.Itoa(d.res.ExitCode)
			}
			return passOutcome{kind: kind, ok: ok, hostStdout: d.res.Stdout, hostStderr: d.res.Stderr}
		case <-ticker.C:
			if rs.Stopped() {
				inv.resetHost(host)
				return passOutcome{kind: "stopped_by_request", ok: reportsReady(p)}
			}
			if time.Now().After(deadline) {
				inv.resetHost(host)
				return passOutcome{kind: "timeout", ok: reportsReady(p)}
			}
		}
	}
}

func (inv *Invoker) resetHost(host *ipc.Client) {
	if err := host.Reset(); err != nil && !errors.Is(err, ipc.ErrClosed) {
		inv.logger.Error("host reset failed", map[string]any{"error": err.Error()})
	}
}

// hostErrClass maps host client errors to outcome classes.
func hostErrClass(err error) string {
	var exited *ipc.HostExitedError
	switch {
	case errors.Is(err, ipc.ErrExecTimeout):
		return "timeout"
	case errors.Is(err, ipc.ErrHostRestarted):
		return "restarted"
	case errors.Is(err, ipc.ErrClosed):
		return "closed"
	case errors.As(err, &exited):
		return "exited"
	default:
		return "io"
	}
}

// runOneShot spawns the external CLI directly (mode 2). The child is
// registered for teardown and polled: reports ready ends the pass even
// while the CLI lingers.
func (inv *Invoker) runOneShot(reg *Registry, rs *RunState, p passPaths, args []string, logf *os.File) passOutcome {
	cmd := exec.Command(inv.cfg.CLIPath, args...)
	cmd.Stdout = logf
	cmd.Stderr = logf

	proc, err := ipc.StartCommand(cmd, false)
	if err != nil {
		return passOutcome{kind: "spawn_failed", ok: false, err: err}
	}
	reg.TrackChild(rs, proc)
	defer reg.UntrackChild(rs, proc.Pid())

	deadline := time.Now().Add(time.Duration(rs.Config.Timeout()) * time.Second)
	ticker := time.NewTicker(oneShotPollInterval)
	defer ticker.Stop()

	for {
		if reportsReady(p) {
			ipc.Shutdown(proc, termGraceChild, killGraceChild)
			return passOutcome{kind: "reports_ready", ok: true}
		}
		select {
		case <-proc.Done():
			rc := proc.ExitCode()
			return passOutcome{
				kind: "process_exited_rc_" + strconv.Itoa(rc),
				ok:   reportsReady(p),
			}
		case <-ticker.C:
			if rs.Stopped() {
				ipc.Shutdown(proc, termGraceChild, killGraceChild)
				return passOutcome{kind: "stopped_by_request", ok: reportsReady(p)}
			}
			if time.Now().After(deadline) {
				ipc.Shutdown(proc, termGraceChild, killGraceChild)
				return passOutcome{kind: "timeout", ok: reportsReady(p)}
			}
		}
	}
}

// Grace periods for one-shot CLI children (same ladder as hosts).
const (
	termGraceChild = 3 * time.Second
	killGraceChild = 1 * time.Second
)
