// Package agentloop is the Agent Loop (spec.md §4.6): the outer
// poll/heartbeat loop, shutdown-event plumbing, and exit-after-job policy.
//
// Grounded on buildkite-agent's AgentWorker.Start (metrics collector
// start/stop, heartbeat handling, signal-driven shutdown) but without its
// multi-worker pool machinery — spec.md's Non-goals explicitly exclude
// multi-job concurrency on a single agent.
package agentloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opeva/job-worker-agent/health"
	"github.com/opeva/job-worker-agent/internal/backend"
	"github.com/opeva/job-worker-agent/internal/config"
	"github.com/opeva/job-worker-agent/internal/container"
	"github.com/opeva/job-worker-agent/internal/jobrunner"
	"github.com/opeva/job-worker-agent/logger"
	"github.com/opeva/job-worker-agent/metrics"
	"github.com/opeva/job-worker-agent/signalwatcher"
)

// runContext is the Run Context entity (spec.md §3): process-wide state
// mutated by the Agent Loop and signal handlers. active_job_id,
// last_heartbeat_time and last_request_failure are written only by the
// main loop; signal handlers read active_job_id and mutate
// exit_after_job/the stop event (spec.md §5 "Shared resources").
type runContext struct {
	mu                sync.Mutex
	activeJobID       string
	lastHeartbeatTime time.Time

	exitAfterJob atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newRunContext() *runContext {
	return &runContext{stopCh: make(chan struct{})}
}

func (rc *runContext) stopped() bool {
	select {
	case <-rc.stopCh:
		return true
	default:
		return false
	}
}

func (rc *runContext) stop() {
	rc.stopOnce.Do(func() { close(rc.stopCh) })
}

func (rc *runContext) setActiveJobID(id string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.activeJobID = id
}

func (rc *runContext) isIdle() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.activeJobID == ""
}

// backendClient is the subset of the Backend Client the Agent Loop and the
// Job Runner it constructs per job need. Declared as an interface so tests
// can substitute a fake (spec.md §9 "session-injection for testing").
type backendClient interface {
	Heartbeat(ctx context.Context) error
	RequestNextJob(ctx context.Context) (*backend.Job, error)
	PostStatus(ctx context.Context, jobID, status string, extra map[string]any) error
	FetchStatus(ctx context.Context, jobID string) (string, error)
}

// AgentLoop is the Agent Loop (spec.md §4.6).
type AgentLoop struct {
	conf    config.Config
	logger  logger.Logger
	backend backendClient
	runner  container.Runtime
	metrics *metrics.Collector
	scope   *metrics.Scope

	rc *runContext
}

// New constructs an AgentLoop from a validated Config. The backend HTTP
// client and the container runtime client are constructed here but the
// container runtime connection itself is lazy (spec.md §9 "container
// client lazy init").
func New(cfg config.Config, log logger.Logger) *AgentLoop {
	bc := backend.NewClient(cfg.Server, cfg.WorkerID, log, nil)
	runner := container.NewRunner(log, nil)

	var collector *metrics.Collector
	var scope *metrics.Scope
	if cfg.StatsDAddress != "" {
		collector = metrics.NewCollector(log, metrics.CollectorConfig{
			Datadog:     true,
			DatadogHost: cfg.StatsDAddress,
		})
		scope = collector.WorkerScope(cfg.WorkerID)
	}

	rc := newRunContext()
	rc.exitAfterJob.Store(cfg.ExitAfterJob)

	return &AgentLoop{
		conf:    cfg,
		logger:  log,
		backend: bc,
		runner:  runner,
		metrics: collector,
		scope:   scope,
		rc:      rc,
	}
}

// newWithCollaborators builds an AgentLoop from already-constructed
// collaborators, bypassing New's wiring. Used by tests to inject fakes for
// the Backend Client and Container Runner.
func newWithCollaborators(cfg config.Config, log logger.Logger, bc backendClient, runner container.Runtime) *AgentLoop {
	rc := newRunContext()
	rc.exitAfterJob.Store(cfg.ExitAfterJob)

	return &AgentLoop{
		conf:    cfg,
		logger:  log,
		backend: bc,
		runner:  runner,
		rc:      rc,
	}
}

// Start wires the signal watcher and the health HTTP listener, then runs
// the poll loop until Stop is reached (or ctx is canceled). Mirrors
// AgentWorker.Start's pattern of spinning up ancillary goroutines (metrics,
// health) before entering the main loop.
func (a *AgentLoop) Start(ctx context.Context) error {
	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			a.logger.Warn("agentloop: metrics collector failed to start: %v", err)
		}
		defer a.metrics.Stop()
	}

	if a.conf.HealthAddr != "" {
		go func() {
			if err := health.InitHealthCheck(a.conf.HealthAddr); err != nil {
				a.logger.Warn("agentloop: health listener stopped: %v", err)
			}
		}()
	}

	a.watchSignals()

	return a.RunForever(ctx)
}

// watchSignals adapts signalwatcher's shutdown escalation to spec.md §6.3:
// a first signal invokes RequestExitAfterCurrentJob (graceful); a second
// calls Stop — mirroring buildkite-agent's StopGracefully/StopUngracefully
// distinction layered onto the simpler stop()/request_exit_after_current_job()
// API spec.md exposes. Stop only sets the stop event: it interrupts the idle
// poll sleep, but a job that is already running is not interrupted and its
// container is not stopped; the loop exits once that job returns.
func (a *AgentLoop) watchSignals() {
	signalwatcher.WatchShutdown(
		func(sig signalwatcher.Signal) {
			a.logger.Notice("agentloop: received %s, will exit after the current job", sig)
			a.RequestExitAfterCurrentJob()
		},
		func(sig signalwatcher.Signal) {
			a.logger.Notice("agentloop: received second %s, stopping immediately", sig)
			a.Stop()
		},
	)
}

// Stop sets the stop event (spec.md §4.6 "Shutdown API").
func (a *AgentLoop) Stop() {
	a.rc.stop()
}

// RequestExitAfterCurrentJob sets exit_after_job; if the agent is idle it
// also stops immediately, making the signal handler idempotent whether or
// not a job is running (spec.md §4.6).
func (a *AgentLoop) RequestExitAfterCurrentJob() {
	a.rc.exitAfterJob.Store(true)
	if a.rc.isIdle() {
		a.Stop()
	}
}

// RunForever loops while the stop event is unset (spec.md §4.6). On exit
// it closes the container runtime client if one was instantiated.
func (a *AgentLoop) RunForever(ctx context.Context) error {
	defer func() {
		if err := a.runner.Close(); err != nil {
			a.logger.Debug("agentloop: closing container runtime client: %v", err)
		}
	}()

	for !a.rc.stopped() {
		select {
		case <-ctx.Done():
			a.logger.Info("agentloop: context canceled, exiting")
			return nil
		default:
		}

		handled, err := a.pollOnce(ctx)
		if err != nil {
			a.logger.Debug("agentloop: poll iteration error: %v", err)
		}
		if handled {
			continue
		}

		if !a.sleepInterruptible(ctx, a.conf.PollInterval) {
			return nil
		}
	}
	return nil
}

// pollOnce implements spec.md §4.6's poll_once: heartbeat (rate-limited),
// request next job, run it if one was returned, and honor exit_after_job.
func (a *AgentLoop) pollOnce(ctx context.Context) (bool, error) {
	a.maybeHeartbeat(ctx)

	job, err := a.backend.RequestNextJob(ctx)
	if err != nil {
		// HTTP >=400 on next-job is treated as a jobless iteration
		// (spec.md §7), not a fatal error.
		a.logger.Debug("agentloop: request-next-job failed: %v", err)
		return false, nil
	}
	if job == nil {
		return false, nil
	}

	runner := jobrunner.New(jobrunner.Config{
		WorkerID:           a.conf.WorkerID,
		SharedDir:          a.conf.SharedDir,
		Image:              a.conf.Image,
		CancelSignal:       a.conf.CancelSignal,
		StatusPollInterval: a.conf.StatusPollInterval,
		AcceleratorEnabled: a.conf.AcceleratorEnabled,
		Backend:            a.backend,
		Runner:             a.runner,
		Logger:             a.logger,
		Metrics:            a.scope,
		OnJobActive:        a.rc.setActiveJobID,
		OnJobIdle:          func() { a.rc.setActiveJobID("") },
	})

	if err := runner.Run(ctx, jobrunner.Job{ID: job.ID, ConfigPath: job.ConfigPath, Name: job.Name}); err != nil {
		a.logger.Error("agentloop: job %s run failed: %v", job.ID, err)
	}

	if a.rc.exitAfterJob.Load() {
		a.Stop()
	}

	return true, nil
}

// maybeHeartbeat sends a heartbeat unless the rate limit hasn't elapsed.
// HeartbeatInterval == 0 disables the rate limit, so every call sends.
func (a *AgentLoop) maybeHeartbeat(ctx context.Context) {
	a.rc.mu.Lock()
	last := a.rc.lastHeartbeatTime
	a.rc.mu.Unlock()

	if a.conf.HeartbeatInterval > 0 && time.Since(last) < a.conf.HeartbeatInterval {
		return
	}

	start := time.Now()
	err := a.backend.Heartbeat(ctx)
	health.UpdateHeartbeat("ok", time.Since(start), err)

	if err != nil {
		a.logger.Debug("agentloop: heartbeat failed: %v", err)
		return
	}

	// last_heartbeat_time is updated only on successful heartbeat POSTs
	// (spec.md §3 invariant).
	a.rc.mu.Lock()
	a.rc.lastHeartbeatTime = time.Now()
	a.rc.mu.Unlock()
}

// sleepInterruptible sleeps for d, returning early (and reporting false)
// if the stop event fires or ctx is canceled first.
func (a *AgentLoop) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-a.rc.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
