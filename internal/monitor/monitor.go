// Package monitor is the Cancellation Monitor (spec.md §4.4): a background
// task that polls the backend for a job's remote status while its container
// runs, triggering container stop on observing `stopped`/`canceled`.
//
// The interruptible tick loop is built with time.NewTimer + select on a stop
// channel, the same shape buildkite-agent's runPingLoop uses to interleave
// a ticker with a stop-channel so a pending sleep is cancelled promptly
// rather than waited out (spec.md §9: "busy-wait or uninterruptible sleep
// is incorrect").
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/opeva/job-worker-agent/logger"
)

// StatusFetcher is the subset of the Backend Client the monitor needs.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (string, error)
}

// ContainerStopper is the subset of the Container Handle the monitor needs.
type ContainerStopper interface {
	Stop(ctx context.Context, signal string) error
}

// Terminal remote statuses, per spec.md §6.1.
const (
	StatusStopped  = "stopped"
	StatusCanceled = "canceled"
)

// Monitor is the Monitor State entity (spec.md §3): created per job when
// statusPollInterval > 0, holds the observed remote status, and terminates
// when the container exits naturally or a terminal status is observed.
type Monitor struct {
	jobID        string
	interval     time.Duration
	cancelSignal string
	backend      StatusFetcher
	handle       ContainerStopper
	logger       logger.Logger

	stop chan struct{}
	once sync.Once

	mu       sync.Mutex
	observed string
}

// New constructs a Monitor for jobID. Callers must call Run in a separate
// goroutine and Stop when the job's container exits naturally.
func New(jobID string, interval time.Duration, cancelSignal string, backend StatusFetcher, handle ContainerStopper, log logger.Logger) *Monitor {
	return &Monitor{
		jobID:        jobID,
		interval:     interval,
		cancelSignal: cancelSignal,
		backend:      backend,
		handle:       handle,
		logger:       log,
		stop:         make(chan struct{}),
	}
}

// Observed returns the remote status this monitor observed as terminal, or
// "" if none was observed before it stopped.
func (m *Monitor) Observed() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observed
}

// Stop signals the monitor to exit; safe to call multiple times and safe to
// call after Run has already returned.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// Run polls fetch-status at each tick until a terminal status is observed
// or Stop is called. On observing stopped/canceled it records the status,
// invokes the container's Stop best-effort (errors are swallowed — the
// monitor's job is to request termination, not guarantee it), and returns.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			status, err := m.backend.FetchStatus(ctx, m.jobID)
			if err != nil {
				m.logger.Debug("monitor: fetch-status for %s failed: %v", m.jobID, err)
			}

			if status == StatusStopped || status == StatusCanceled {
				m.mu.Lock()
				m.observed = status
				m.mu.Unlock()

				m.logger.Info("monitor: observed remote status %q for job %s, stopping container", status, m.jobID)
				if err := m.handle.Stop(ctx, m.cancelSignal); err != nil {
					m.logger.Debug("monitor: container stop for %s failed: %v", m.jobID, err)
				}
				return
			}

			timer.Reset(m.interval)
		}
	}
}
