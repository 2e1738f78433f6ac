// Package config holds the agent's immutable startup configuration
// (spec.md §3 "Agent Config"), constructed once by cmd/agent and threaded
// through the rest of the packages.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opeva/job-worker-agent/logger"
)

// Config is the Agent Config entity from spec.md §3: constructed once at
// startup and immutable thereafter.
type Config struct {
	// Server is the backend base URL with any trailing slash stripped.
	Server string
	// WorkerID identifies this agent to the backend; defaults to the host name.
	WorkerID string
	// SharedDir is the filesystem path bind-mounted into every job container
	// at /data.
	SharedDir string
	// Image is the container image reference used for every job.
	Image string

	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	StatusPollInterval time.Duration
	ExitAfterJob       bool
	AcceleratorEnabled bool

	// CancelSignal is forwarded to the container runtime's stop operation.
	// (expansion, SPEC_FULL.md §3)
	CancelSignal string
	// StatsDAddress enables the StatsD metrics forwarder when non-empty.
	// (expansion)
	StatsDAddress string
	// HealthAddr is the liveness HTTP listener address. (expansion)
	HealthAddr string

	LogLevel logger.Level
}

// Defaults mirrors the CLI flag defaults in spec.md §6.3.
func Defaults() Config {
	return Config{
		PollInterval:       5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		StatusPollInterval: 10 * time.Second,
		CancelSignal:       "SIGTERM",
		HealthAddr:         "127.0.0.1:8080",
		LogLevel:           logger.NOTICE,
	}
}

// DefaultWorkerID resolves the host name fallback for --worker-id /
// WORKER_ID, per spec.md §6.3.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown-worker"
	}
	return host
}

// Validate checks the invariants spec.md assumes are already satisfied by
// the time Config reaches the Agent Loop.
func (c *Config) Validate() error {
	c.Server = strings.TrimRight(c.Server, "/")

	if c.Server == "" {
		return fmt.Errorf("config: server is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("config: worker-id is required")
	}
	if c.SharedDir == "" {
		return fmt.Errorf("config: shared-dir is required")
	}
	if c.Image == "" {
		return fmt.Errorf("config: image is required")
	}
	return nil
}

// ParseBoolFlag accepts the case-insensitive truthy vocabulary spec.md §6.3
// defines for --exit-after-job / WORKER_EXIT_AFTER_JOB: "1", "true", "yes", "on".
func ParseBoolFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
