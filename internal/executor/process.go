package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

const (
	defaultInterpreter = "python3"
	processWaitDelay   = 2 * time.Second
)

// ProcessExecutor runs an external command or script
type ProcessExecutor struct {
	logger  *zap.Logger
	task    *model.TaskDescriptor
	spec    *model.CommandSpec
	policy  model.NonZeroExitPolicy
	sampler *Sampler
}

// NewProcessExecutor creates an executor for a command task
func NewProcessExecutor(task *model.TaskDescriptor, spec *model.CommandSpec, opts Options, logger *zap.Logger) *ProcessExecutor {
	return &ProcessExecutor{
		logger:  logger.Named("process"),
		task:    task.Clone(),
		spec:    spec,
		policy:  opts.ExitPolicy,
		sampler: opts.Sampler,
	}
}

// commandLine resolves the program and its arguments
func (e *ProcessExecutor) commandLine() (string, []string, error) {
	if e.spec.ScriptPath != "" {
		interpreter := e.spec.Interpreter
		if interpreter == "" {
			interpreter = defaultInterpreter
		}
		return interpreter, append([]string{e.spec.ScriptPath}, e.spec.Args...), nil
	}

	if e.spec.Shell {
		return "sh", []string{"-c", e.spec.Command}, nil
	}

	fields := strings.Fields(e.spec.Command)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}
	return fields[0], append(fields[1:], e.spec.Args...), nil
}

// Execute runs the process to completion, timeout or cancellation
func (e *ProcessExecutor) Execute(ctx context.Context) (*model.TaskResult, error) {
	result := model.NewResult(e.task.Name, time.Now())

	name, args, err := e.commandLine()
	if err != nil {
		return result.Finish(model.TaskStatusFailed, err.Error()), nil
	}

	runCtx, cancel := withTimeout(ctx, e.task.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = e.task.WorkingDir
	cmd.Env = mergedEnv(e.task.Env)
	cmd.WaitDelay = processWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("Executing command",
		zap.String("task", e.task.Name),
		zap.String("command", name),
		zap.Strings("args", args))

	if err := cmd.Start(); err != nil {
		return result.Finish(model.TaskStatusFailed, fmt.Sprintf("failed to start process: %v", err)), nil
	}

	stopTracking := e.sampler.Track(runCtx, int32(cmd.Process.Pid))
	waitErr := cmd.Wait()
	result.ResourceUsage = stopTracking()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if runCtx.Err() != nil {
		status, msg := InterruptStatus(runCtx, e.task.Timeout)
		e.logger.Warn("Command interrupted",
			zap.String("task", e.task.Name),
			zap.String("status", string(status)))
		return result.Finish(status, msg), nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		applyExitPolicy(result, 0, e.policy)
	case errors.As(waitErr, &exitErr):
		applyExitPolicy(result, exitErr.ExitCode(), e.policy)
	default:
		result.Finish(model.TaskStatusFailed, waitErr.Error())
	}

	e.logger.Info("Command finished",
		zap.String("task", e.task.Name),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.Duration))

	return result, nil
}
