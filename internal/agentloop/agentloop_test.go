package agentloop

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opeva/job-worker-agent/internal/backend"
	"github.com/opeva/job-worker-agent/internal/config"
	"github.com/opeva/job-worker-agent/internal/container"
	"github.com/opeva/job-worker-agent/logger"
)

type fakeBackend struct {
	mu         sync.Mutex
	nextJobs   []*backend.Job
	heartbeats int
	posts      []string
}

func (f *fakeBackend) Heartbeat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeBackend) RequestNextJob(ctx context.Context) (*backend.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.nextJobs) == 0 {
		return nil, nil
	}
	j := f.nextJobs[0]
	f.nextJobs = f.nextJobs[1:]
	return j, nil
}

func (f *fakeBackend) PostStatus(ctx context.Context, jobID, status string, extra map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, status)
	return nil
}

func (f *fakeBackend) FetchStatus(ctx context.Context, jobID string) (string, error) {
	return "", nil
}

type fakeHandle struct{}

func (fakeHandle) ID() string   { return "c1" }
func (fakeHandle) Name() string { return "n1" }
func (fakeHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (fakeHandle) Wait(ctx context.Context) (int64, error)      { return 0, nil }
func (fakeHandle) Stop(ctx context.Context, signal string) error { return nil }
func (fakeHandle) Remove(ctx context.Context) error              { return nil }

type fakeRunner struct {
	launchErr error
}

func (f *fakeRunner) Launch(ctx context.Context, spec container.LaunchSpec) (container.Handle, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return fakeHandle{}, nil
}
func (f *fakeRunner) Close() error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server = "http://example.invalid"
	cfg.WorkerID = "w1"
	cfg.SharedDir = t.TempDir()
	cfg.Image = "demo:latest"
	cfg.HealthAddr = ""
	return cfg
}

func TestPollOnce_NoJobSendsHeartbeatOnly(t *testing.T) {
	be := &fakeBackend{}
	loop := newWithCollaborators(testConfig(t), logger.NewBuffer(), be, &fakeRunner{})

	handled, err := loop.pollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, 1, be.heartbeats)
}

func TestPollOnce_RunsJob(t *testing.T) {
	be := &fakeBackend{nextJobs: []*backend.Job{{ID: "job1", ConfigPath: "c.yaml"}}}
	loop := newWithCollaborators(testConfig(t), logger.NewBuffer(), be, &fakeRunner{})

	handled, err := loop.pollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, be.posts, "running")
	assert.Contains(t, be.posts, "finished")
}

func TestRequestExitAfterCurrentJob_IdleStopsImmediately(t *testing.T) {
	be := &fakeBackend{}
	loop := newWithCollaborators(testConfig(t), logger.NewBuffer(), be, &fakeRunner{})

	loop.RequestExitAfterCurrentJob()

	assert.True(t, loop.rc.stopped())
}

func TestRunForever_StopsAfterExitAfterJob(t *testing.T) {
	be := &fakeBackend{nextJobs: []*backend.Job{{ID: "job1", ConfigPath: "c.yaml"}}}
	cfg := testConfig(t)
	cfg.ExitAfterJob = true
	loop := newWithCollaborators(cfg, logger.NewBuffer(), be, &fakeRunner{})

	done := make(chan error, 1)
	go func() { done <- loop.RunForever(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not return after exit-after-job's single job")
	}

	assert.Contains(t, be.posts, "finished")
}

func TestPollOnce_LaunchErrorIsNotFatal(t *testing.T) {
	be := &fakeBackend{nextJobs: []*backend.Job{{ID: "job1", ConfigPath: "c.yaml"}}}
	loop := newWithCollaborators(testConfig(t), logger.NewBuffer(), be, &fakeRunner{launchErr: errors.New("no daemon")})

	handled, err := loop.pollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, be.posts, "failed")
}
