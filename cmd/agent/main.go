// Command agent is the worker agent binary: it parses configuration from
// flags/environment variables, builds the Agent Loop, and runs it until a
// shutdown signal (or --exit-after-job) is reached.
//
// The flag/env-var pair style (cli.StringFlag{Name, EnvVar, Usage}) is
// grounded on buildkite-agent/clicommand/agent_start.go, trimmed to the
// surface spec.md §6.3 names — without the teacher's reflection-based
// cliconfig binding, which is out of proportion for this agent's flag
// count.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/opeva/job-worker-agent/internal/agentloop"
	"github.com/opeva/job-worker-agent/internal/config"
	"github.com/opeva/job-worker-agent/logger"
	"github.com/opeva/job-worker-agent/version"
)

func main() {
	app := cli.NewApp()
	app.Name = "opeva-worker-agent"
	app.Version = version.Version()
	app.Usage = "attach this host to the opeva backend and run dispatched jobs as containers"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "server", EnvVar: "OPEVA_SERVER", Usage: "backend base URL"},
		cli.StringFlag{Name: "worker-id", EnvVar: "WORKER_ID", Usage: "worker identity (default: host name)"},
		cli.StringFlag{Name: "shared-dir", EnvVar: "OPEVA_SHARED_DIR", Usage: "filesystem path shared with job containers"},
		cli.StringFlag{Name: "image", EnvVar: "WORKER_IMAGE", Usage: "container image reference used for every job"},
		cli.DurationFlag{Name: "poll-interval", EnvVar: "POLL_INTERVAL", Value: 5 * time.Second, Usage: "interval between next-job polls when idle"},
		cli.DurationFlag{Name: "heartbeat-interval", EnvVar: "WORKER_HEARTBEAT_INTERVAL", Value: 30 * time.Second, Usage: "minimum interval between heartbeats (0 disables rate limiting)"},
		cli.DurationFlag{Name: "status-poll-interval", EnvVar: "STATUS_POLL_INTERVAL", Value: 10 * time.Second, Usage: "interval between remote job-status polls (0 disables the monitor)"},
		cli.StringFlag{Name: "exit-after-job", EnvVar: "WORKER_EXIT_AFTER_JOB", Usage: "stop after the current (or next, if idle) job completes: 1|true|yes|on"},
		cli.BoolFlag{Name: "accelerator", EnvVar: "WORKER_ACCELERATOR_ENABLED", Usage: "request a GPU device for job containers, with automatic fallback"},
		cli.StringFlag{Name: "log-level", EnvVar: "LOG_LEVEL", Value: "notice", Usage: "debug|notice|info|warn|error|fatal"},
		cli.StringFlag{Name: "cancel-signal", EnvVar: "WORKER_CANCEL_SIGNAL", Value: "SIGTERM", Usage: "signal sent to a container on cancellation"},
		cli.StringFlag{Name: "statsd-address", EnvVar: "STATSD_ADDRESS", Usage: "optional DataDog StatsD address for job metrics"},
		cli.StringFlag{Name: "health-addr", EnvVar: "HEALTH_ADDR", Value: "127.0.0.1:8080", Usage: "liveness HTTP listener address"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level, err := logger.LevelFromString(c.String("log-level"))
	if err != nil {
		return err
	}

	log := logger.NewConsoleLogger(logger.NewAgentPrinter(os.Stdout), os.Exit)
	log.SetLevel(level)

	workerID := c.String("worker-id")
	if workerID == "" {
		workerID = config.DefaultWorkerID()
	}
	log = log.WithFields(logger.WorkerIDField(workerID))

	cfg := config.Defaults()
	cfg.Server = c.String("server")
	cfg.WorkerID = workerID
	cfg.SharedDir = c.String("shared-dir")
	cfg.Image = c.String("image")
	cfg.PollInterval = c.Duration("poll-interval")
	cfg.HeartbeatInterval = c.Duration("heartbeat-interval")
	cfg.StatusPollInterval = c.Duration("status-poll-interval")
	cfg.ExitAfterJob = config.ParseBoolFlag(c.String("exit-after-job"))
	cfg.AcceleratorEnabled = c.Bool("accelerator")
	cfg.CancelSignal = c.String("cancel-signal")
	cfg.StatsDAddress = c.String("statsd-address")
	cfg.HealthAddr = c.String("health-addr")
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Info("starting opeva-worker-agent %s (worker_id=%s, image=%s)", version.Version(), cfg.WorkerID, cfg.Image)

	loop := agentloop.New(cfg, log)
	return loop.Start(context.Background())
}
