package jobrunner

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

	"github.com/opeva/job-worker-agent/internal/container"
	"github.com/opeva/job-worker-agent/logger"
)

type statusPost struct {
	jobID, status string
	extra          map[string]any
}

type fakeBackend struct {
	mu        sync.Mutex
	posts     []statusPost
	statuses  []string // fed to FetchStatus in order
	fetchIdx  int
	heartbeats int
}

func (f *fakeBackend) PostStatus(ctx context.Context, jobID, status string, extra map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, statusPost{jobID, status, extra})
	return nil
}

func (f *fakeBackend) FetchStatus(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchIdx >= len(f.statuses) {
		if len(f.statuses) == 0 {
			return "", nil
		}
		return f.statuses[len(f.statuses)-1], nil
	}
	s := f.statuses[f.fetchIdx]
	f.fetchIdx++
	return s, nil
}

func (f *fakeBackend) Heartbeat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeBackend) postsSnapshot() []statusPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]statusPost, len(f.posts))
	copy(out, f.posts)
	return out
}

type fakeHandle struct {
	id, name string
	logLines string
	exitCode int64
	waitErr  error

	// blockUntilStop simulates a real container: Wait does not return
	// until Stop has been called (or the context ends), so a test can
	// observe the Cancellation Monitor actually racing the exit.
	blockUntilStop bool
	stopCh         chan struct{}

	removed atomicBool
	stopped atomicBool
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *atomicBool) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.v }

func (h *fakeHandle) ID() string   { return h.id }
func (h *fakeHandle) Name() string { return h.name }
func (h *fakeHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(h.logLines)), nil
}
func (h *fakeHandle) Wait(ctx context.Context) (int64, error) {
	if h.blockUntilStop {
		select {
		case <-h.stopCh:
		case <-ctx.Done():
		}
	}
	return h.exitCode, h.waitErr
}
func (h *fakeHandle) Stop(ctx context.Context, signal string) error {
	h.stopped.set(true)
	if h.stopCh != nil {
		select {
		case <-h.stopCh:
		default:
			close(h.stopCh)
		}
	}
	return nil
}
func (h *fakeHandle) Remove(ctx context.Context) error {
	h.removed.set(true)
	return nil
}

type fakeRunner struct {
	handle  *fakeHandle
	launchErr error
}

func (f *fakeRunner) Launch(ctx context.Context, spec container.LaunchSpec) (container.Handle, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.handle.name = spec.Name
	return f.handle, nil
}

func (f *fakeRunner) Close() error { return nil }

func TestRun_HappyPath(t *testing.T) {
	backend := &fakeBackend{}
	handle := &fakeHandle{id: "container1", logLines: "hello\n", exitCode: 0}
	runner := &fakeRunner{handle: handle}

	dir := t.TempDir()
	r := New(Config{
		WorkerID:  "w1",
		SharedDir: dir,
		Image:     "demo:latest",
		Backend:   backend,
		Runner:    runner,
		Logger:    logger.NewBuffer(),
	})

	err := r.Run(context.Background(), Job{ID: "job1", ConfigPath: "configs/demo.yaml", Name: "Demo"})
	require.NoError(t, err)

	posts := backend.postsSnapshot()
	require.Len(t, posts, 2)
	assert.Equal(t, StatusRunning, posts[0].status)
	assert.Equal(t, StatusFinished, posts[1].status)
	assert.True(t, handle.removed.get())
	assert.Equal(t, 1, backend.heartbeats)
}

func TestRun_NonZeroExit(t *testing.T) {
	backend := &fakeBackend{}
	handle := &fakeHandle{id: "container1", logLines: "oops\n", exitCode: 5}
	runner := &fakeRunner{handle: handle}

	r := New(Config{
		WorkerID:  "w1",
		SharedDir: t.TempDir(),
		Image:     "demo:latest",
		Backend:   backend,
		Runner:    runner,
		Logger:    logger.NewBuffer(),
	})

	require.NoError(t, r.Run(context.Background(), Job{ID: "job2", ConfigPath: "c.yaml"}))

	posts := backend.postsSnapshot()
	require.Len(t, posts, 2)
	assert.Equal(t, StatusFailed, posts[1].status)
	assert.Equal(t, int64(5), posts[1].extra["exit_code"])
}

func TestRun_LaunchFailure(t *testing.T) {
	backend := &fakeBackend{}
	runner := &fakeRunner{launchErr: errors.New("boom")}

	r := New(Config{
		WorkerID:  "w1",
		SharedDir: t.TempDir(),
		Image:     "demo:latest",
		Backend:   backend,
		Runner:    runner,
		Logger:    logger.NewBuffer(),
	})

	require.NoError(t, r.Run(context.Background(), Job{ID: "job3", ConfigPath: "c.yaml"}))

	posts := backend.postsSnapshot()
	require.Len(t, posts, 1)
	assert.Equal(t, StatusFailed, posts[0].status)
	assert.Equal(t, "boom", posts[0].extra["error"])
}

func TestRun_MonitorOverridesExitCode(t *testing.T) {
	backend := &fakeBackend{statuses: []string{"canceled"}}
	handle := &fakeHandle{id: "container1", logLines: "", exitCode: 137, blockUntilStop: true, stopCh: make(chan struct{})}
	runner := &fakeRunner{handle: handle}

	r := New(Config{
		WorkerID:           "w1",
		SharedDir:          t.TempDir(),
		Image:              "demo:latest",
		StatusPollInterval: 5 * time.Millisecond,
		Backend:            backend,
		Runner:             runner,
		Logger:             logger.NewBuffer(),
	})

	require.NoError(t, r.Run(context.Background(), Job{ID: "job4", ConfigPath: "c.yaml"}))

	posts := backend.postsSnapshot()
	require.Len(t, posts, 2)
	assert.Equal(t, StatusCanceled, posts[1].status)
	assert.Equal(t, int64(137), posts[1].extra["exit_code"])
	assert.True(t, handle.stopped.get())
}

func TestContainerName(t *testing.T) {
	name := containerName("w1", "My Job", "0123456789abcdef")
	assert.Equal(t, "job_w1_My_Job_01234567", name)
}

func TestJobCommand(t *testing.T) {
	cmd := jobCommand("configs/demo.yaml", "job1")
	assert.Equal(t, []string{"--config", "/data/configs/demo.yaml", "--job_id", "job1"}, cmd)
}
