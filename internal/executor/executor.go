package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

var (
	// ErrCancelled is the cancellation cause used when work is cancelled on request
	ErrCancelled = errors.New("task cancelled")

	// ErrNoRunnable is returned when a descriptor carries no runnable body
	ErrNoRunnable = errors.New("task has no runnable")

	// ErrNoContainerRuntime is returned for container tasks when no runtime is configured
	ErrNoContainerRuntime = errors.New("no container runtime configured")
)

// TaskExecutor runs the task it was built for. The descriptor is bound at construction.
type TaskExecutor interface {
	Execute(ctx context.Context) (*model.TaskResult, error)
}

// Options carries the collaborators shared by every executor built by New
type Options struct {
	ExitPolicy model.NonZeroExitPolicy
	Sampler    *Sampler
	Containers ContainerAPI
}

// New builds the default executor for the descriptor's runnable variant
func New(task *model.TaskDescriptor, opts Options, logger *zap.Logger) (TaskExecutor, error) {
	switch r := task.Runnable.(type) {
	case *model.CommandSpec:
		return NewProcessExecutor(task, r, opts, logger), nil
	case *model.CallbackSpec:
		return NewCallbackExecutor(task, r.Func, opts, logger), nil
	case *model.ContainerSpec:
		if opts.Containers == nil {
			return nil, fmt.Errorf("task %s: %w", task.Name, ErrNoContainerRuntime)
		}
		return NewContainerExecutor(task, r, opts, logger), nil
	case nil:
		return nil, fmt.Errorf("task %s: %w", task.Name, ErrNoRunnable)
	default:
		return nil, fmt.Errorf("task %s: unsupported runnable kind %s", task.Name, r.Kind())
	}
}

// InterruptStatus maps a context that ended work early to its terminal status
func InterruptStatus(ctx context.Context, timeout time.Duration) (model.TaskStatus, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.TaskStatusTimeout, fmt.Sprintf("task execution timed out after %s", timeout)
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return model.TaskStatusCancelled, cause.Error()
	}
	return model.TaskStatusCancelled, ErrCancelled.Error()
}

// withTimeout applies the descriptor's budget when it has one
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// mergedEnv returns the process environment overlaid with overrides, in a stable order
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	return append(env, envList(overrides)...)
}

func envList(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, vars[k]))
	}
	return env
}

// applyExitPolicy classifies a finished process by its exit code
func applyExitPolicy(result *model.TaskResult, code int, policy model.NonZeroExitPolicy) {
	result.ExitCode = model.IntPtr(code)
	if code != 0 && policy == model.NonZeroExitFailed {
		result.Finish(model.TaskStatusFailed, fmt.Sprintf("exit status %d", code))
		return
	}
	result.Finish(model.TaskStatusCompleted, "")
}
