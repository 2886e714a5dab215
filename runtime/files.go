package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bravo-optimo/optimo-worker/types"
)

// On-disk names under the run workdir.
const (
	runConfigFile = "run.json"
	pwdFile       = "pwd.txt"
	algoFile      = "algo.algo"
)

// Per-pass file names.
const (
	reportHTMLFile = "report.html"
	reportJSONFile = "report.json"
	passLogFile    = "log.txt"
	eventsFile     = "events.json"
	cbotsetFile    = "parameters.cbotset"
)

func nowUTC() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// writeRunFiles materialises the run's credential and algorithm files.
// The password file is restricted to the owner.
func writeRunFiles(workdir string, cfg *types.RunStartRequest, pwd, algo []byte) (algoPath, pwdPath string, err error) {
	pwdPath = filepath.Join(workdir, pwdFile)
	if err := os.WriteFile(pwdPath, pwd, 0o600); err != nil {
		return "", "", fmt.Errorf("write %s: %w", pwdFile, err)
	}

	algoPath = filepath.Join(workdir, algoFile)
	if err := os.WriteFile(algoPath, algo, 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", algoFile, err)
	}

	// The config dump keeps credentials out: the pwd already lives next
	// to it with tighter permissions, and the algo blob is redundant.
	dump := *cfg
	dump.PwdB64 = ""
	dump.PwdText = ""
	dump.AlgoB64 = ""
	data, err := json.MarshalIndent(&dump, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode run config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workdir, runConfigFile), append(data, '\n'), 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", runConfigFile, err)
	}

	return algoPath, pwdPath, nil
}

// passPaths locates every per-pass file.
type passPaths struct {
	dir        string
	reportHTML string
	reportJSON string
	logPath    string
	events     string
	cbotset    string
}

func passPathsFor(workdir string, passID int) passPaths {
	dir := filepath.Join(workdir, strconv.Itoa(passID))
	return passPaths{
		dir:        dir,
		reportHTML: filepath.Join(dir, reportHTMLFile),
		reportJSON: filepath.Join(dir, reportJSONFile),
		logPath:    filepath.Join(dir, passLogFile),
		events:     filepath.Join(dir, eventsFile),
		cbotset:    filepath.Join(dir, cbotsetFile),
	}
}

// preparePassDir creates the pass directory with its events and cbotset
// files. events.json stays empty for CLI compatibility.
func preparePassDir(workdir string, job types.PassJob, symbol, period string) (passPaths, error) {
	p := passPathsFor(workdir, job.PassID)
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return p, fmt.Errorf("create pass dir: %w", err)
	}
	if err := os.WriteFile(p.events, nil, 0o644); err != nil {
		return p, fmt.Errorf("write %s: %w", eventsFile, err)
	}
	if err := writeCbotset(p.cbotset, job.Parameters, symbol, period); err != nil {
		return p, err
	}
	return p, nil
}

// writeCbotset writes the chart + parameter dictionary for one pass.
// Parameters pass through verbatim.
func writeCbotset(path string, params map[string]any, symbol, period string) error {
	if params == nil {
		params = map[string]any{}
	}
	payload := map[string]any{
		"Chart": map[string]any{
			"Symbol": symbol,
			"Period": period,
		},
		"Parameters": params,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cbotset: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", cbotsetFile, err)
	}
	return nil
}

// reportsReady is the authoritative success signal: both report files
// exist with non-zero size. One-shot invocations ignore the exit code
// entirely because the CLI lingers after writing reports; the patched
// host additionally requires exit code 0 (see runViaHost).
func reportsReady(p passPaths) bool {
	return fileNonEmpty(p.reportHTML) && fileNonEmpty(p.reportJSON)
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
