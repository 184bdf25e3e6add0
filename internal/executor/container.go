package executor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

const containerCleanupTimeout = 10 * time.Second

// ContainerAPI is the subset of the Docker client used to run container tasks
type ContainerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

var _ ContainerAPI = (*client.Client)(nil)

// NewDockerClient connects to the Docker daemon configured in the environment
func NewDockerClient() (*client.Client, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return docker, nil
}

// ContainerExecutor runs a task inside a throwaway container
type ContainerExecutor struct {
	logger *zap.Logger
	task   *model.TaskDescriptor
	spec   *model.ContainerSpec
	docker ContainerAPI
	policy model.NonZeroExitPolicy
}

// NewContainerExecutor creates an executor for a container task
func NewContainerExecutor(task *model.TaskDescriptor, spec *model.ContainerSpec, opts Options, logger *zap.Logger) *ContainerExecutor {
	return &ContainerExecutor{
		logger: logger.Named("container"),
		task:   task.Clone(),
		spec:   spec,
		docker: opts.Containers,
		policy: opts.ExitPolicy,
	}
}

// Execute creates, starts and waits for the container, then collects its logs
func (e *ContainerExecutor) Execute(ctx context.Context) (*model.TaskResult, error) {
	result := model.NewResult(e.task.Name, time.Now())

	runCtx, cancel := withTimeout(ctx, e.task.Timeout)
	defer cancel()

	if e.spec.Pull {
		if err := e.pull(runCtx); err != nil {
			return e.finishEarly(runCtx, result, err), nil
		}
	}

	created, err := e.docker.ContainerCreate(runCtx, &container.Config{
		Image:      e.spec.Image,
		Cmd:        e.spec.Command,
		Env:        envList(e.task.Env),
		WorkingDir: e.task.WorkingDir,
	}, &container.HostConfig{}, nil, nil, containerName(e.task.Name))
	if err != nil {
		return e.finishEarly(runCtx, result, fmt.Errorf("failed to create container: %w", err)), nil
	}
	defer e.remove(created.ID)

	if err := e.docker.ContainerStart(runCtx, created.ID, container.StartOptions{}); err != nil {
		return e.finishEarly(runCtx, result, fmt.Errorf("failed to start container: %w", err)), nil
	}

	e.logger.Info("Container started",
		zap.String("task", e.task.Name),
		zap.String("container_id", created.ID),
		zap.String("image", e.spec.Image))

	waitCh, errCh := e.docker.ContainerWait(runCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		e.collectLogs(created.ID, result)
		if runCtx.Err() != nil {
			interrupted, msg := InterruptStatus(runCtx, e.task.Timeout)
			return result.Finish(interrupted, msg), nil
		}
		if status.Error != nil {
			return result.Finish(model.TaskStatusFailed, status.Error.Message), nil
		}
		applyExitPolicy(result, int(status.StatusCode), e.policy)
		return result, nil
	case err := <-errCh:
		if runCtx.Err() == nil {
			return result.Finish(model.TaskStatusFailed, fmt.Sprintf("failed to wait for container: %v", err)), nil
		}
	case <-runCtx.Done():
	}

	e.kill(created.ID)
	e.collectLogs(created.ID, result)
	status, msg := InterruptStatus(runCtx, e.task.Timeout)
	return result.Finish(status, msg), nil
}

func (e *ContainerExecutor) pull(ctx context.Context) error {
	reader, err := e.docker.ImagePull(ctx, e.spec.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", e.spec.Image, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", e.spec.Image, err)
	}
	return nil
}

// finishEarly classifies a failure that happened before the container exited
func (e *ContainerExecutor) finishEarly(ctx context.Context, result *model.TaskResult, err error) *model.TaskResult {
	if ctx.Err() != nil {
		status, msg := InterruptStatus(ctx, e.task.Timeout)
		return result.Finish(status, msg)
	}
	return result.Finish(model.TaskStatusFailed, err.Error())
}

func (e *ContainerExecutor) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerCleanupTimeout)
	defer cancel()

	if err := e.docker.ContainerKill(ctx, id, "KILL"); err != nil {
		e.logger.Error("Failed to kill container",
			zap.String("container_id", id),
			zap.Error(err))
	}
}

func (e *ContainerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerCleanupTimeout)
	defer cancel()

	if err := e.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Error("Failed to remove container",
			zap.String("container_id", id),
			zap.Error(err))
	}
}

func (e *ContainerExecutor) collectLogs(id string, result *model.TaskResult) {
	ctx, cancel := context.WithTimeout(context.Background(), containerCleanupTimeout)
	defer cancel()

	reader, err := e.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		e.logger.Error("Failed to get container logs",
			zap.String("container_id", id),
			zap.Error(err))
		return
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	scanner := NewDockerLogScanner(reader)
	for scanner.Scan() {
		switch scanner.Stream() {
		case StreamStderr:
			stderr.Write(scanner.Bytes())
		default:
			stdout.Write(scanner.Bytes())
		}
	}
	if err := scanner.Err(); err != nil {
		e.logger.Error("Failed to read container logs",
			zap.String("container_id", id),
			zap.Error(err))
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
}

func containerName(task string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, task)
	return fmt.Sprintf("tasksched-%s-%s", clean, uuid.New().String()[:8])
}

// Docker log stream identifiers
const (
	StreamStdin  byte = 0
	StreamStdout byte = 1
	StreamStderr byte = 2
)

// DockerLogScanner reads frames from a multiplexed Docker log stream
type DockerLogScanner struct {
	reader io.Reader
	header []byte
	buffer []byte
	stream byte
	err    error
}

// NewDockerLogScanner creates a new Docker log scanner
func NewDockerLogScanner(reader io.Reader) *DockerLogScanner {
	return &DockerLogScanner{
		reader: reader,
		header: make([]byte, 8),
		buffer: make([]byte, 0, 4096),
	}
}

// Scan advances the scanner to the next frame
func (s *DockerLogScanner) Scan() bool {
	// Frame header: [8]byte{STREAM_TYPE, 0, 0, 0, SIZE1, SIZE2, SIZE3, SIZE4}, size big-endian
	if _, err := io.ReadFull(s.reader, s.header); err != nil {
		s.err = err
		return false
	}

	s.stream = s.header[0]
	size := int(binary.BigEndian.Uint32(s.header[4:]))

	if cap(s.buffer) < size {
		s.buffer = make([]byte, size)
	}
	s.buffer = s.buffer[:size]

	if _, err := io.ReadFull(s.reader, s.buffer); err != nil {
		s.err = err
		return false
	}
	return true
}

// Stream returns the stream the current frame belongs to
func (s *DockerLogScanner) Stream() byte {
	return s.stream
}

// Bytes returns the current frame payload
func (s *DockerLogScanner) Bytes() []byte {
	return s.buffer
}

// Text returns the current frame payload as a string
func (s *DockerLogScanner) Text() string {
	return string(s.buffer)
}

// Err returns any error that occurred during scanning
func (s *DockerLogScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
