package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opeva/job-worker-agent/logger"
)

type fakeFetcher struct {
	statuses []string
	calls    atomic.Int32
}

func (f *fakeFetcher) FetchStatus(ctx context.Context, jobID string) (string, error) {
	i := int(f.calls.Add(1)) - 1
	if i >= len(f.statuses) {
		return f.statuses[len(f.statuses)-1], nil
	}
	return f.statuses[i], nil
}

type fakeStopper struct {
	stopped atomic.Bool
}

func (f *fakeStopper) Stop(ctx context.Context, signal string) error {
	f.stopped.Store(true)
	return nil
}

func TestMonitorStopsContainerOnCanceled(t *testing.T) {
	fetcher := &fakeFetcher{statuses: []string{"running", "canceled"}}
	stopper := &fakeStopper{}

	m := New("job1", 5*time.Millisecond, "SIGTERM", fetcher, stopper, logger.NewBuffer())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after observing canceled")
	}

	assert.Equal(t, StatusCanceled, m.Observed())
	assert.True(t, stopper.stopped.Load())
}

func TestMonitorStopIsInterruptible(t *testing.T) {
	fetcher := &fakeFetcher{statuses: []string{"running"}}
	stopper := &fakeStopper{}

	m := New("job1", time.Hour, "SIGTERM", fetcher, stopper, logger.NewBuffer())

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background())
	}()

	m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not honor Stop() promptly despite a long tick interval")
	}

	require.Equal(t, "", m.Observed())
	assert.False(t, stopper.stopped.Load())
}
