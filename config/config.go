// Package config assembles the worker configuration from defaults, an
// optional YAML file, and OPTIMO_* environment variables. Environment
// values win over the file; the file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults.
const (
	DefaultListen                 = ":8077"
	DefaultWorkerRoot             = "./data/worker_runs"
	DefaultCLIPath                = "/Applications/cTrader.app/Contents/MacOS/cTrader.Mac"
	DefaultDotnet                 = "dotnet"
	DefaultCallbackBatchSize      = 10
	DefaultCallbackFlushSeconds   = 1.0
	DefaultCallbackTimeoutSeconds = 10
	MinCallbackTimeoutSeconds     = 3
)

// Config is the fully resolved worker configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// WorkerRoot is the directory under which run workdirs are created.
	WorkerRoot string `yaml:"worker_root"`

	// Parallel is the explicit slot count; "auto" or empty derives from
	// the CPU policy.
	Parallel string `yaml:"parallel"`
	// CPUTargetPercent is the policy target in [65, 95].
	CPUTargetPercent int `yaml:"cpu_target_percent"`
	// ParallelPerCore multiplies derived slots.
	ParallelPerCore int `yaml:"parallel_per_core"`

	// CLIPath is the external backtest CLI binary.
	CLIPath string `yaml:"cli_path"`
	// CLIDir is the CLI installation directory handed to the patched host.
	CLIDir string `yaml:"cli_dir"`
	// CustomCLIPatched enables the persistent patched-host mode.
	CustomCLIPatched bool `yaml:"custom_cli_patched"`
	// PatchedHostPath is the host DLL loaded by dotnet.
	PatchedHostPath string `yaml:"cli_patched_host_path"`
	// Dotnet is the dotnet launcher binary.
	Dotnet string `yaml:"dotnet"`

	// CallbackBatchSize groups outbound pass results; <= 1 disables
	// batching.
	CallbackBatchSize int `yaml:"callback_batch_size"`
	// CallbackFlushSeconds is the batch flush interval.
	CallbackFlushSeconds float64 `yaml:"callback_flush_seconds"`
	// CallbackTimeoutSeconds bounds each callback POST (min 3).
	CallbackTimeoutSeconds int `yaml:"callback_timeout_seconds"`

	// NotifyWebhookURL, when set, receives a run_completed event.
	NotifyWebhookURL string `yaml:"notify_webhook_url"`
	// NotifyRedisURL, when set, publishes run_completed to redis.
	NotifyRedisURL string `yaml:"notify_redis_url"`
	// NotifyRedisChannel overrides the default publish channel.
	NotifyRedisChannel string `yaml:"notify_redis_channel"`

	// ArtifactStore selects batch-zip offloading: "", "local:<dir>" or
	// "s3:<bucket>[/prefix]".
	ArtifactStore string `yaml:"artifact_store"`
	// ArtifactS3Region is the optional region for the s3 backend.
	ArtifactS3Region string `yaml:"artifact_s3_region"`
	// ArtifactS3Endpoint points at an S3-compatible endpoint.
	ArtifactS3Endpoint string `yaml:"artifact_s3_endpoint"`
	// ArtifactS3PathStyle forces path-style addressing.
	ArtifactS3PathStyle bool `yaml:"artifact_s3_path_style"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:                 DefaultListen,
		WorkerRoot:             DefaultWorkerRoot,
		Parallel:               "auto",
		CPUTargetPercent:       80,
		ParallelPerCore:        1,
		CLIPath:                DefaultCLIPath,
		Dotnet:                 DefaultDotnet,
		CallbackBatchSize:      DefaultCallbackBatchSize,
		CallbackFlushSeconds:   DefaultCallbackFlushSeconds,
		CallbackTimeoutSeconds: DefaultCallbackTimeoutSeconds,
	}
}

// FromEnv overlays OPTIMO_* environment variables onto cfg.
func FromEnv(cfg Config) Config {
	strEnv(&cfg.Listen, "OPTIMO_WORKER_LISTEN")
	strEnv(&cfg.WorkerRoot, "OPTIMO_WORKER_ROOT")
	strEnv(&cfg.Parallel, "OPTIMO_WORKER_PARALLEL")
	intEnv(&cfg.CPUTargetPercent, "OPTIMO_WORKER_CPU_TARGET_PERCENT")
	intEnv(&cfg.ParallelPerCore, "OPTIMO_WORKER_PARALLEL_PER_CORE")
	strEnv(&cfg.CLIPath, "CTRADE_CLI_PATH")
	strEnv(&cfg.CLIDir, "OPTIMO_CLI_DIR")
	boolEnv(&cfg.CustomCLIPatched, "OPTIMO_CUSTOM_CLI_PATCHED")
	strEnv(&cfg.PatchedHostPath, "OPTIMO_CLI_PATCHED_HOST_PATH")
	strEnv(&cfg.Dotnet, "OPTIMO_WORKER_DOTNET")
	intEnv(&cfg.CallbackBatchSize, "OPTIMO_WORKER_CALLBACK_BATCH_SIZE")
	floatEnv(&cfg.CallbackFlushSeconds, "OPTIMO_WORKER_CALLBACK_BATCH_FLUSH_SECONDS")
	intEnv(&cfg.CallbackTimeoutSeconds, "OPTIMO_WORKER_CALLBACK_TIMEOUT_SECONDS")
	strEnv(&cfg.NotifyWebhookURL, "OPTIMO_WORKER_NOTIFY_WEBHOOK_URL")
	strEnv(&cfg.NotifyRedisURL, "OPTIMO_WORKER_NOTIFY_REDIS_URL")
	strEnv(&cfg.NotifyRedisChannel, "OPTIMO_WORKER_NOTIFY_REDIS_CHANNEL")
	strEnv(&cfg.ArtifactStore, "OPTIMO_WORKER_ARTIFACT_STORE")
	strEnv(&cfg.ArtifactS3Region, "OPTIMO_WORKER_ARTIFACT_S3_REGION")
	strEnv(&cfg.ArtifactS3Endpoint, "OPTIMO_WORKER_ARTIFACT_S3_ENDPOINT")
	boolEnv(&cfg.ArtifactS3PathStyle, "OPTIMO_WORKER_ARTIFACT_S3_PATH_STYLE")
	return cfg
}

// Normalise clamps derived values and applies floors. Call after all
// sources are merged.
func (c *Config) Normalise() {
	if c.CallbackTimeoutSeconds < MinCallbackTimeoutSeconds {
		c.CallbackTimeoutSeconds = MinCallbackTimeoutSeconds
	}
	if c.CallbackBatchSize < 1 {
		c.CallbackBatchSize = 1
	}
	if c.CallbackFlushSeconds <= 0 {
		c.CallbackFlushSeconds = DefaultCallbackFlushSeconds
	}
	if c.ParallelPerCore < 1 {
		c.ParallelPerCore = 1
	}
}

// Validate rejects configurations the worker cannot serve.
func (c *Config) Validate() error {
	if c.WorkerRoot == "" {
		return errors.New("worker_root must not be empty")
	}
	if c.CustomCLIPatched && c.PatchedHostPath == "" {
		return errors.New("custom_cli_patched requires cli_patched_host_path")
	}
	if _, err := c.ExplicitParallel(); err != nil {
		return err
	}
	return nil
}

// ExplicitParallel parses the Parallel option. Returns 0 for "auto".
func (c *Config) ExplicitParallel() (int, error) {
	raw := strings.TrimSpace(strings.ToLower(c.Parallel))
	if raw == "" || raw == "auto" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parallel must be an integer or %q: %q", "auto", c.Parallel)
	}
	if n < 1 {
		return 0, fmt.Errorf("parallel must be >= 1, got %d", n)
	}
	return n, nil
}

func strEnv(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func intEnv(dst *int, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func floatEnv(dst *float64, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func boolEnv(dst *bool, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
