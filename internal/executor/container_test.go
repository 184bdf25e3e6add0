package executor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/task-scheduler/internal/model"
)

// fakeDocker is an in-memory ContainerAPI
type fakeDocker struct {
	mu        sync.Mutex
	pulled    []string
	created   *container.Config
	name      string
	killed    bool
	removed   bool
	exitCode  int64
	block     bool
	createErr error
	logs      []byte
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(bytes.NewBufferString(`{"status":"done"}`)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = config
	f.name = containerName
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.block {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return waitCh, errCh
	}
	waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	return waitCh, errCh
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, containerID, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = true
	return nil
}

func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestContainerExecutor(t *testing.T) {
	logger := zaptest.NewLogger(t)

	desc := func(timeout time.Duration) *model.TaskDescriptor {
		return &model.TaskDescriptor{
			Name:     "etl job",
			Runnable: &model.ContainerSpec{Image: "alpine:3", Command: []string{"echo", "hi"}, Pull: true},
			Env:      map[string]string{"B": "2", "A": "1"},
			Timeout:  timeout,
		}
	}

	t.Run("Completed", func(t *testing.T) {
		docker := &fakeDocker{
			logs: append(frame(StreamStdout, "hello\n"), frame(StreamStderr, "warn\n")...),
		}
		exec, err := New(desc(0), Options{Containers: docker}, logger)
		require.NoError(t, err)

		res, err := exec.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, res.Status)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.Equal(t, "warn\n", res.Stderr)
		assert.Equal(t, 0, *res.ExitCode)

		assert.Equal(t, []string{"alpine:3"}, docker.pulled)
		assert.Equal(t, []string{"A=1", "B=2"}, docker.created.Env)
		assert.Contains(t, docker.name, "tasksched-etl-job-")
		assert.True(t, docker.removed)
		assert.False(t, docker.killed)
	})

	t.Run("Exit policy", func(t *testing.T) {
		docker := &fakeDocker{exitCode: 2}
		exec, err := New(desc(0), Options{Containers: docker, ExitPolicy: model.NonZeroExitFailed}, logger)
		require.NoError(t, err)

		res, err := exec.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusFailed, res.Status)
		assert.Equal(t, 2, *res.ExitCode)
	})

	t.Run("Create failure", func(t *testing.T) {
		docker := &fakeDocker{createErr: errors.New("no such image")}
		exec, err := New(desc(0), Options{Containers: docker}, logger)
		require.NoError(t, err)

		res, err := exec.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusFailed, res.Status)
		assert.Contains(t, res.ErrorMessage, "no such image")
	})

	t.Run("Timeout kills the container", func(t *testing.T) {
		docker := &fakeDocker{block: true}
		exec, err := New(desc(50*time.Millisecond), Options{Containers: docker}, logger)
		require.NoError(t, err)

		res, err := exec.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusTimeout, res.Status)
		assert.True(t, docker.killed)
		assert.True(t, docker.removed)
	})
}

func TestDockerLogScanner(t *testing.T) {
	data := append(frame(StreamStdout, "one"), frame(StreamStderr, "two")...)
	data = append(data, frame(StreamStdout, "")...)

	scanner := NewDockerLogScanner(bytes.NewReader(data))

	require.True(t, scanner.Scan())
	assert.Equal(t, StreamStdout, scanner.Stream())
	assert.Equal(t, "one", scanner.Text())

	require.True(t, scanner.Scan())
	assert.Equal(t, StreamStderr, scanner.Stream())
	assert.Equal(t, "two", scanner.Text())

	require.True(t, scanner.Scan())
	assert.Empty(t, scanner.Bytes())

	assert.False(t, scanner.Scan())
	assert.NoError(t, scanner.Err())

	truncated := NewDockerLogScanner(bytes.NewReader(frame(StreamStdout, "partial")[:10]))
	assert.False(t, truncated.Scan())
	assert.Error(t, truncated.Err())
}
