package runtime

import (
	"io"
	"os"
	"path/filepath"
	gort "runtime"
	"strings"
	"testing"
	"time"

	"github.com/bravo-optimo/optimo-worker/log"
	"github.com/bravo-optimo/optimo-worker/types"
)

// fakeCLIScript writes a shell stand-in for the backtest CLI.
func fakeCLIScript(t *testing.T, body string) string {
	t.Helper()
	if gort.GOOS == "windows" {
		t.Skip("shell-based CLI stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-cli.sh")
	script := `#!/bin/sh
for a in "$@"; do
  case "$a" in
    --report=*) html="${a#--report=}" ;;
    --report-json=*) json="${a#--report-json=}" ;;
  esac
done
` + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func oneShotRun(t *testing.T, timeoutSeconds int) (*Registry, *RunState) {
	t.Helper()
	rs := testRunState("run_oneshot")
	rs.Workdir = t.TempDir()
	rs.Config.TimeoutSeconds = timeoutSeconds
	reg := NewRegistry()
	if err := reg.Admit(rs); err != nil {
		t.Fatal(err)
	}
	return reg, rs
}

func TestOneShotHappyPath(t *testing.T) {
	cli := fakeCLIScript(t, `echo '<html>ok</html>' > "$html"
echo '{"main":{"netProfit":42}}' > "$json"
sleep 30`)

	inv := NewInvoker(InvokerConfig{CLIPath: cli}, log.New("test").WithOutput(io.Discard))
	reg, rs := oneShotRun(t, 30)

	start := time.Now()
	res := inv.ExecutePass(reg, rs, nil, types.PassJob{PassID: 1, Parameters: map[string]any{"x": 1}})

	if res.Status != types.PassCompleted {
		t.Fatalf("status: got %s (error=%q)", res.Status, res.Error)
	}
	if got, _ := res.Metrics["netProfit"].(float64); got != 42 {
		t.Fatalf("netProfit: got %v", res.Metrics["netProfit"])
	}
	// Reports ready ends the pass even though the CLI lingers.
	if elapsed := time.Since(start); elapsed > 20*time.Second {
		t.Fatalf("pass waited for the lingering CLI: %v", elapsed)
	}

	// The lingering child was terminated and deregistered.
	if got := len(reg.ActiveChildren(rs)); got != 0 {
		t.Fatalf("children still tracked: %d", got)
	}

	// Per-pass files exist.
	p := passPathsFor(rs.Workdir, 1)
	for _, path := range []string{p.cbotset, p.events, p.logPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing %s: %v", path, err)
		}
	}
	logData, _ := os.ReadFile(p.logPath)
	if !strings.Contains(string(logData), "[outcome] reports_ready") {
		t.Errorf("pass log missing outcome: %s", logData)
	}
}

func TestOneShotTimeoutKillsChild(t *testing.T) {
	cli := fakeCLIScript(t, `sleep 30`)

	inv := NewInvoker(InvokerConfig{CLIPath: cli}, log.New("test").WithOutput(io.Discard))
	reg, rs := oneShotRun(t, 1)

	start := time.Now()
	res := inv.ExecutePass(reg, rs, nil, types.PassJob{PassID: 1})

	if res.Status != types.PassFailed {
		t.Fatalf("status: got %s", res.Status)
	}
	if res.Error != "report_missing_or_invalid" {
		t.Fatalf("error: got %q", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout not enforced: %v", elapsed)
	}
	if got := len(reg.ActiveChildren(rs)); got != 0 {
		t.Fatalf("timed-out child still tracked: %d", got)
	}

	logData, _ := os.ReadFile(passPathsFor(rs.Workdir, 1).logPath)
	if !strings.Contains(string(logData), "[outcome] timeout") {
		t.Errorf("pass log missing timeout outcome: %s", logData)
	}
}

func TestOneShotExitWithoutReports(t *testing.T) {
	cli := fakeCLIScript(t, `exit 3`)

	inv := NewInvoker(InvokerConfig{CLIPath: cli}, log.New("test").WithOutput(io.Discard))
	reg, rs := oneShotRun(t, 30)

	res := inv.ExecutePass(reg, rs, nil, types.PassJob{PassID: 1})
	if res.Status != types.PassFailed {
		t.Fatalf("status: got %s", res.Status)
	}
	if res.Error != "report_missing_or_invalid" {
		t.Fatalf("error: got %q", res.Error)
	}

	logData, _ := os.ReadFile(passPathsFor(rs.Workdir, 1).logPath)
	if !strings.Contains(string(logData), "[outcome] process_exited_rc_3") {
		t.Errorf("pass log missing exit outcome: %s", logData)
	}
}

func TestBuildArgsShape(t *testing.T) {
	rs := testRunState("run_args")
	rs.AlgoPath = "/w/algo.algo"
	rs.PwdPath = "/w/pwd.txt"
	balance := 5000.0
	rs.Config.Balance = &balance

	p := passPathsFor("/w", 9)
	args := buildArgs(rs, p)

	if args[0] != "backtest" || args[1] != "/w/algo.algo" || args[2] != p.cbotset {
		t.Fatalf("positionals wrong: %v", args[:3])
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--start=2024-01-01", "--end=2024-02-01", "--data-mode=ticks",
		"--ctid=1", "--pwd-file=/w/pwd.txt", "--account=a",
		"--symbol=EURUSD", "--period=h1",
		"--report=" + p.reportHTML, "--report-json=" + p.reportJSON,
		"--balance=5000",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %q", want, joined)
		}
	}
}

func TestCbotsetShape(t *testing.T) {
	dir := t.TempDir()
	job := types.PassJob{PassID: 1, Parameters: map[string]any{"Periods": 14, "Source": "Close"}}
	p, err := preparePassDir(dir, job, "EURUSD", "h1")
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(p.cbotset)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{`"Chart"`, `"Symbol": "EURUSD"`, `"Period": "h1"`, `"Parameters"`, `"Periods": 14`} {
		if !strings.Contains(content, want) {
			t.Errorf("cbotset missing %q:\n%s", want, content)
		}
	}

	// events.json exists and stays empty.
	info, err := os.Stat(p.events)
	if err != nil || info.Size() != 0 {
		t.Errorf("events.json: %v size=%d", err, info.Size())
	}
}
