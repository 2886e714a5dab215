// Package main provides the optimo-worker CLI entrypoint.
//
// Usage:
//
//	optimo-worker serve [--listen :8077] [--config worker.yaml]
//
// All options are also settable through OPTIMO_* environment variables
// and an optional .env file in the working directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	gort "runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/bravo-optimo/optimo-worker/adapter"
	adapterredis "github.com/bravo-optimo/optimo-worker/adapter/redis"
	adapterwebhook "github.com/bravo-optimo/optimo-worker/adapter/webhook"
	"github.com/bravo-optimo/optimo-worker/api"
	"github.com/bravo-optimo/optimo-worker/config"
	"github.com/bravo-optimo/optimo-worker/log"
	"github.com/bravo-optimo/optimo-worker/metrics"
	"github.com/bravo-optimo/optimo-worker/policy"
	"github.com/bravo-optimo/optimo-worker/runtime"
	"github.com/bravo-optimo/optimo-worker/store"
)

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "optimo-worker",
		Usage:   "Backtest execution worker - runs parameterised passes against an external backtesting CLI",
		Version: "0.2.0",
		Commands: []*cli.Command{
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the worker HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a worker.yaml config file",
				EnvVars: []string{"OPTIMO_WORKER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "HTTP bind address",
				EnvVars: []string{"OPTIMO_WORKER_LISTEN"},
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := config.Resolve(c.String("config"))
	if err != nil {
		return err
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Listen = listen
	}

	logger := log.New("optimo-worker")

	if err := os.MkdirAll(cfg.WorkerRoot, 0o755); err != nil {
		return fmt.Errorf("create worker root %s: %w", cfg.WorkerRoot, err)
	}

	explicit, err := cfg.ExplicitParallel()
	if err != nil {
		return err
	}
	policyMgr := policy.NewManager(policy.Settings{
		CPUCores:         measuredCores(),
		CPUTargetPercent: cfg.CPUTargetPercent,
		ParallelPerCore:  cfg.ParallelPerCore,
		ExplicitParallel: explicit,
	})

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	artifacts, err := store.FromSpec(ctx, cfg.ArtifactStore, store.S3Options{
		Region:       cfg.ArtifactS3Region,
		Endpoint:     cfg.ArtifactS3Endpoint,
		UsePathStyle: cfg.ArtifactS3PathStyle,
	})
	if err != nil {
		return err
	}
	if artifacts != nil {
		defer func() { _ = artifacts.Close() }()
	}

	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, n := range notifiers {
			_ = n.Close()
		}
	}()

	ctrl := runtime.NewController(runtime.ControllerConfig{
		WorkerRoot:         cfg.WorkerRoot,
		UsePatchedHost:     cfg.CustomCLIPatched,
		CLIPath:            cfg.CLIPath,
		Dotnet:             cfg.Dotnet,
		HostDLL:            cfg.PatchedHostPath,
		CLIDir:             cfg.CLIDir,
		CallbackBatchSize:  cfg.CallbackBatchSize,
		CallbackFlushEvery: time.Duration(cfg.CallbackFlushSeconds * float64(time.Second)),
		CallbackTimeout:    time.Duration(cfg.CallbackTimeoutSeconds) * time.Second,
	}, runtime.ControllerDeps{
		Logger:    logger,
		Policy:    policyMgr,
		Metrics:   collector,
		Artifacts: artifacts,
		Notifiers: notifiers,
	})

	server := api.NewServer(cfg.Listen, ctrl, registry, logger)
	return server.Run(ctx)
}

// measuredCores reads the core count once at startup. Go's NumCPU is
// affinity-aware on Linux, which matches containerised deployments.
func measuredCores() int {
	if n := gort.NumCPU(); n > 0 {
		return n
	}
	return 1
}

// buildNotifiers assembles the configured run-completed adapters.
func buildNotifiers(cfg config.Config) ([]adapter.Adapter, error) {
	var notifiers []adapter.Adapter

	if cfg.NotifyWebhookURL != "" {
		wh, err := adapterwebhook.New(adapterwebhook.Config{
			URL:     cfg.NotifyWebhookURL,
			Retries: adapterwebhook.DefaultRetries,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, wh)
	}

	if cfg.NotifyRedisURL != "" {
		rd, err := adapterredis.New(adapterredis.Config{
			URL:     cfg.NotifyRedisURL,
			Channel: cfg.NotifyRedisChannel,
			Retries: adapterredis.DefaultRetries,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, rd)
	}

	return notifiers, nil
}
