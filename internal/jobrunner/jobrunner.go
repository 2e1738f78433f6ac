// Package jobrunner is the Job Runner (spec.md §4.5): it orchestrates one
// job end to end — name/command construction, container launch with
// fallback, status transitions, monitor lifecycle, log streaming, exit
// classification, and cleanup.
//
// Grounded on buildkite-agent/agent/job_runner.go's structure (a single
// Runner type wiring an API client, a process, and a log streamer) and on
// the original Python WorkerAgent._run_job, which this package reproduces
// as a state machine instead of one long try/except/finally block.
package jobrunner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/opeva/job-worker-agent/health"
	"github.com/opeva/job-worker-agent/internal/container"
	"github.com/opeva/job-worker-agent/internal/logsink"
	"github.com/opeva/job-worker-agent/internal/monitor"
	"github.com/opeva/job-worker-agent/logger"
	"github.com/opeva/job-worker-agent/metrics"
)

// Job is the Job entity (spec.md §3).
type Job struct {
	ID         string
	ConfigPath string
	Name       string
}

// Backend is the subset of the Backend Client the Job Runner needs.
type Backend interface {
	PostStatus(ctx context.Context, jobID, status string, extra map[string]any) error
	FetchStatus(ctx context.Context, jobID string) (string, error)
	Heartbeat(ctx context.Context) error
}

// Statuses posted by the agent (spec.md §6.1): running, then one terminal
// status.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
	StatusStopped  = "stopped"
)

const monitorJoinTimeout = 1 * time.Second

// Config wires the Job Runner's collaborators. WorkerID/SharedDir/Image and
// the accelerator/cancel-signal settings come from the Agent Config.
type Config struct {
	WorkerID           string
	SharedDir          string
	Image              string
	CancelSignal       string
	StatusPollInterval time.Duration
	AcceleratorEnabled bool

	Backend Backend
	Runner  container.Runtime
	Logger  logger.Logger
	Metrics *metrics.Scope // nil when StatsD is not configured

	// OnJobActive/OnJobIdle let the Agent Loop's Run Context track
	// active_job_id; OnJobIdle is called last (spec.md §4.5 ordering
	// contract #5).
	OnJobActive func(jobID string)
	OnJobIdle   func()
}

// Runner executes one job and reports its outcome.
type Runner struct {
	conf Config
}

// New builds a Job Runner from conf.
func New(conf Config) *Runner {
	return &Runner{conf: conf}
}

// Run executes job end to end. It always returns nil to the Agent Loop:
// every failure mode here ends in a terminal status post, per spec.md §7's
// "every accepted job produces exactly one terminal status post" guarantee.
// No path returns a non-nil error.
func (r *Runner) Run(ctx context.Context, job Job) error {
	c := r.conf
	startedAt := time.Now()

	// log and jobScope carry the job's identity for every message/metric
	// this run emits, instead of repeating "job %s:"/a job_id tag at each
	// call site.
	log := c.Logger.WithFields(logger.JobIDField(job.ID))
	var jobScope *metrics.Scope
	if c.Metrics != nil {
		jobScope = c.Metrics.JobScope(job.ID)
	}

	if c.OnJobActive != nil {
		c.OnJobActive(job.ID)
	}
	health.UpdateActiveJobID(job.ID)
	defer func() {
		health.UpdateActiveJobID("")
		if c.OnJobIdle != nil {
			c.OnJobIdle()
		}
	}()

	name := containerName(c.WorkerID, job.Name, job.ID)
	command := jobCommand(job.ConfigPath, job.ID)
	labels := map[string]string{
		"opeva.worker_id": c.WorkerID,
		"opeva.job_id":    job.ID,
	}

	log.Info("launching container %s", name)

	handle, err := c.Runner.Launch(ctx, container.LaunchSpec{
		Image:       c.Image,
		Command:     command,
		Name:        name,
		SharedDir:   c.SharedDir,
		Labels:      labels,
		Accelerator: c.AcceleratorEnabled,
	})
	if err != nil {
		log.Error("launch failed: %v", err)
		r.postTerminal(ctx, job.ID, StatusFailed, map[string]any{"error": err.Error()})
		r.countTerminal(jobScope, StatusFailed, startedAt)
		return nil
	}

	// running is posted after the container is created and before log
	// streaming begins (spec.md §4.5 ordering contract #1).
	if err := c.Backend.PostStatus(ctx, job.ID, StatusRunning, map[string]any{
		"container_id":   handle.ID(),
		"container_name": handle.Name(),
	}); err != nil {
		log.Debug("post-status(running) failed: %v", err)
	}
	health.UpdateJobStatus(health.JobStatus{ID: job.ID, State: StatusRunning, StartedAt: startedAt.Format(time.RFC3339)})
	if jobScope != nil {
		jobScope.Count(metrics.MetricJobStarted, 1)
	}

	var mon *monitor.Monitor
	monDone := make(chan struct{})
	if c.StatusPollInterval > 0 {
		mon = monitor.New(job.ID, c.StatusPollInterval, c.CancelSignal, c.Backend, handle, log)
		go func() {
			defer close(monDone)
			mon.Run(ctx)
		}()
	} else {
		close(monDone)
	}

	defer func() {
		// Cleanup happens in the equivalent of a `finally` block: signal
		// the monitor, bound the join, then force-remove the container
		// (spec.md §4.5 ordering contract #3).
		if mon != nil {
			mon.Stop()
			select {
			case <-monDone:
			case <-time.After(monitorJoinTimeout):
				log.Debug("monitor did not stop within %s", monitorJoinTimeout)
			}
		}

		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := handle.Remove(removeCtx); err != nil {
			log.Debug("container remove failed: %v", err)
		}

		// Force a heartbeat regardless of interval: signals liveness
		// after possibly long jobs (spec.md §4.5 ordering contract #4).
		if err := c.Backend.Heartbeat(ctx); err != nil {
			log.Debug("post-job heartbeat failed: %v", err)
		}
	}()

	sink, err := logsink.Open(c.SharedDir, job.ID)
	if err != nil {
		log.Error("opening log sink failed: %v", err)
	} else {
		defer sink.Close()
		logs, logErr := handle.Logs(ctx)
		if logErr != nil {
			log.Warn("attaching to container logs failed: %v", logErr)
		} else {
			// Streaming must complete before wait is called (spec.md §4.5
			// ordering contract #2): the stream end implies termination.
			if err := sink.StreamFrom(logs); err != nil {
				log.Warn("log streaming ended with error: %v", err)
			}
			logs.Close()
		}
	}

	exitCode, waitErr := handle.Wait(ctx)
	if waitErr != nil {
		log.Error("wait failed: %v", waitErr)
	}

	finalStatus, extra := classify(mon, exitCode)
	r.postTerminal(ctx, job.ID, finalStatus, extra)
	r.countTerminal(jobScope, finalStatus, startedAt)
	log.Info("%s, started %s", finalStatus, humanize.Time(startedAt))

	health.UpdateJobStatus(health.JobStatus{
		ID:         job.ID,
		State:      finalStatus,
		ExitCode:   fmt.Sprintf("%d", exitCode),
		StartedAt:  startedAt.Format(time.RFC3339),
		FinishedAt: time.Now().Format(time.RFC3339),
	})

	return nil
}

// classify implements spec.md §4.5's transition table: the monitor's
// observed terminal status overrides the exit-code-derived one, even if
// the container later exits 0 (spec.md §9 Open Question: preserve this
// override semantic).
func classify(mon *monitor.Monitor, exitCode int64) (string, map[string]any) {
	if mon != nil {
		if observed := mon.Observed(); observed != "" {
			return observed, map[string]any{"exit_code": exitCode}
		}
	}
	if exitCode == 0 {
		return StatusFinished, map[string]any{"exit_code": exitCode}
	}
	return StatusFailed, map[string]any{"exit_code": exitCode}
}

func (r *Runner) postTerminal(ctx context.Context, jobID, status string, extra map[string]any) {
	if err := r.conf.Backend.PostStatus(ctx, jobID, status, extra); err != nil {
		r.conf.Logger.WithFields(logger.JobIDField(jobID)).Debug("post-status(%s) failed: %v", status, err)
	}
}

// countTerminal records the terminal status count and job duration against
// scope, which is nil when StatsD isn't configured.
func (r *Runner) countTerminal(scope *metrics.Scope, status string, startedAt time.Time) {
	if scope == nil {
		return
	}
	switch status {
	case StatusFinished:
		scope.Count(metrics.MetricJobFinished, 1)
	case StatusFailed:
		scope.Count(metrics.MetricJobFailed, 1)
	case StatusCanceled:
		scope.Count(metrics.MetricJobCanceled, 1)
	case StatusStopped:
		scope.Count(metrics.MetricJobStopped, 1)
	}
	scope.Timing(metrics.MetricJobDuration, time.Since(startedAt))
}

// containerName derives job_<worker_id>_<safe_job_name>_<job_id[:8]>
// (spec.md §4.5): a best-effort uniqueness heuristic, not authoritative.
func containerName(workerID, jobName, jobID string) string {
	safeName := strings.ReplaceAll(jobName, " ", "_")
	if safeName == "" {
		safeName = strings.ReplaceAll(jobID, " ", "_")
	}
	shortID := jobID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return fmt.Sprintf("job_%s_%s_%s", workerID, safeName, shortID)
}

// jobCommand builds the container command (spec.md §4.5): the config path
// is interpreted relative to /data, the shared volume mount.
func jobCommand(configPath, jobID string) []string {
	return []string{"--config", "/data/" + configPath, "--job_id", jobID}
}
