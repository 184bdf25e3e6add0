package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/task-scheduler/internal/model"
)

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name     string
		runnable model.Runnable
		opts     Options
		wantType interface{}
		wantErr  error
	}{
		{"Command", &model.CommandSpec{Command: "true"}, Options{}, &ProcessExecutor{}, nil},
		{"Callback", &model.CallbackSpec{Func: func(ctx context.Context) (string, error) { return "", nil }}, Options{}, &CallbackExecutor{}, nil},
		{"Container", &model.ContainerSpec{Image: "alpine"}, Options{Containers: &fakeDocker{}}, &ContainerExecutor{}, nil},
		{"Container without runtime", &model.ContainerSpec{Image: "alpine"}, Options{}, nil, ErrNoContainerRuntime},
		{"Nothing", nil, Options{}, nil, ErrNoRunnable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, err := New(&model.TaskDescriptor{Name: "t", Runnable: tt.runnable}, tt.opts, logger)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, exec)
		})
	}
}

func TestInterruptStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	status, msg := InterruptStatus(ctx, time.Second)
	assert.Equal(t, model.TaskStatusTimeout, status)
	assert.Equal(t, "task execution timed out after 1s", msg)

	cctx, ccancel := context.WithCancelCause(context.Background())
	ccancel(ErrCancelled)
	status, msg = InterruptStatus(cctx, time.Second)
	assert.Equal(t, model.TaskStatusCancelled, status)
	assert.Equal(t, ErrCancelled.Error(), msg)

	pctx, pcancel := context.WithCancel(context.Background())
	pcancel()
	status, _ = InterruptStatus(pctx, time.Second)
	assert.Equal(t, model.TaskStatusCancelled, status)
}

func TestProcessExecutor(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	run := func(t *testing.T, desc *model.TaskDescriptor, policy model.NonZeroExitPolicy) *model.TaskResult {
		t.Helper()
		exec, err := New(desc, Options{ExitPolicy: policy}, logger)
		require.NoError(t, err)
		res, err := exec.Execute(ctx)
		require.NoError(t, err)
		return res
	}

	t.Run("Captures output", func(t *testing.T) {
		res := run(t, &model.TaskDescriptor{
			Name:     "echo",
			Runnable: &model.CommandSpec{Command: "echo", Args: []string{"hello", "world"}},
		}, model.NonZeroExitCompleted)

		assert.Equal(t, model.TaskStatusCompleted, res.Status)
		assert.Equal(t, "hello world\n", res.Stdout)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 0, *res.ExitCode)
	})

	t.Run("Shell, environment and working directory", func(t *testing.T) {
		dir := t.TempDir()
		res := run(t, &model.TaskDescriptor{
			Name:       "env",
			Runnable:   &model.CommandSpec{Command: `echo "$GREETING" && pwd && echo oops >&2`, Shell: true},
			WorkingDir: dir,
			Env:        map[string]string{"GREETING": "hi"},
		}, model.NonZeroExitCompleted)

		require.Equal(t, model.TaskStatusCompleted, res.Status)
		lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "hi", lines[0])
		resolved, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		assert.Equal(t, resolved, lines[1])
		assert.Equal(t, "oops\n", res.Stderr)
	})

	t.Run("Script with interpreter", func(t *testing.T) {
		script := filepath.Join(t.TempDir(), "job.sh")
		require.NoError(t, os.WriteFile(script, []byte("echo \"script $1\"\n"), 0o644))

		res := run(t, &model.TaskDescriptor{
			Name:     "script",
			Runnable: &model.CommandSpec{ScriptPath: script, Interpreter: "sh", Args: []string{"arg"}},
		}, model.NonZeroExitCompleted)

		assert.Equal(t, model.TaskStatusCompleted, res.Status)
		assert.Equal(t, "script arg\n", res.Stdout)
	})

	t.Run("Non-zero exit policies", func(t *testing.T) {
		desc := &model.TaskDescriptor{
			Name:     "exit3",
			Runnable: &model.CommandSpec{Command: "exit 3", Shell: true},
		}

		res := run(t, desc, model.NonZeroExitCompleted)
		assert.Equal(t, model.TaskStatusCompleted, res.Status)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 3, *res.ExitCode)

		res = run(t, desc, model.NonZeroExitFailed)
		assert.Equal(t, model.TaskStatusFailed, res.Status)
		assert.Equal(t, "exit status 3", res.ErrorMessage)
		assert.Equal(t, 3, *res.ExitCode)
	})

	t.Run("Launch failure", func(t *testing.T) {
		res := run(t, &model.TaskDescriptor{
			Name:     "missing",
			Runnable: &model.CommandSpec{Command: "definitely-not-a-real-binary-42"},
		}, model.NonZeroExitCompleted)

		assert.Equal(t, model.TaskStatusFailed, res.Status)
		assert.Contains(t, res.ErrorMessage, "failed to start process")
		assert.Nil(t, res.ExitCode)
	})

	t.Run("Timeout kills the process", func(t *testing.T) {
		start := time.Now()
		res := run(t, &model.TaskDescriptor{
			Name:     "sleep",
			Runnable: &model.CommandSpec{Command: "sleep 5"},
			Timeout:  100 * time.Millisecond,
		}, model.NonZeroExitCompleted)

		assert.Equal(t, model.TaskStatusTimeout, res.Status)
		assert.Nil(t, res.ExitCode)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("Cancellation", func(t *testing.T) {
		exec, err := New(&model.TaskDescriptor{
			Name:     "sleep",
			Runnable: &model.CommandSpec{Command: "sleep 5"},
		}, Options{}, logger)
		require.NoError(t, err)

		cctx, cancel := context.WithCancelCause(ctx)
		time.AfterFunc(50*time.Millisecond, func() { cancel(ErrCancelled) })

		res, err := exec.Execute(cctx)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCancelled, res.Status)
		assert.Equal(t, ErrCancelled.Error(), res.ErrorMessage)
	})
}

func TestCallbackExecutor(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	run := func(t *testing.T, fn model.CallbackFunc, timeout time.Duration) *model.TaskResult {
		t.Helper()
		exec := NewCallbackExecutor(&model.TaskDescriptor{Name: "cb", Timeout: timeout}, fn, Options{}, logger)
		res, err := exec.Execute(ctx)
		require.NoError(t, err)
		return res
	}

	t.Run("Output", func(t *testing.T) {
		res := run(t, func(ctx context.Context) (string, error) { return "value", nil }, 0)
		assert.Equal(t, model.TaskStatusCompleted, res.Status)
		assert.Equal(t, "value", res.Stdout)
		assert.Nil(t, res.ExitCode)
	})

	t.Run("Error message verbatim", func(t *testing.T) {
		res := run(t, func(ctx context.Context) (string, error) {
			return "", errors.New("upstream returned 503")
		}, 0)
		assert.Equal(t, model.TaskStatusFailed, res.Status)
		assert.Equal(t, "upstream returned 503", res.ErrorMessage)
	})

	t.Run("Panic", func(t *testing.T) {
		res := run(t, func(ctx context.Context) (string, error) {
			panic("kaboom")
		}, 0)
		assert.Equal(t, model.TaskStatusFailed, res.Status)
		assert.Contains(t, res.ErrorMessage, "kaboom")
	})

	t.Run("Timeout", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			res := run(t, func(ctx context.Context) (string, error) {
				time.Sleep(300 * time.Millisecond)
				return "late", nil
			}, 30*time.Millisecond)
			assert.Equal(t, model.TaskStatusTimeout, res.Status)
		}
	})

	t.Run("Nil function", func(t *testing.T) {
		res := run(t, nil, 0)
		assert.Equal(t, model.TaskStatusFailed, res.Status)
	})
}

func TestSampler(t *testing.T) {
	assert.Nil(t, NewSampler(false, zaptest.NewLogger(t)))

	var disabled *Sampler
	assert.Nil(t, disabled.Snapshot(int32(os.Getpid())))
	assert.Nil(t, disabled.Track(context.Background(), 1)())

	sampler := NewSampler(true, zaptest.NewLogger(t))
	usage := sampler.Snapshot(int32(os.Getpid()))
	require.NotNil(t, usage)
	assert.Greater(t, usage.MemoryMB, 0.0)
}
