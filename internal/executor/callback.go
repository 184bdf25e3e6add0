package executor

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// CallbackExecutor invokes an in-process function
type CallbackExecutor struct {
	logger  *zap.Logger
	task    *model.TaskDescriptor
	fn      model.CallbackFunc
	sampler *Sampler
}

type callbackOutcome struct {
	output string
	err    error
}

// NewCallbackExecutor creates an executor for a callback task
func NewCallbackExecutor(task *model.TaskDescriptor, fn model.CallbackFunc, opts Options, logger *zap.Logger) *CallbackExecutor {
	return &CallbackExecutor{
		logger:  logger.Named("callback"),
		task:    task.Clone(),
		fn:      fn,
		sampler: opts.Sampler,
	}
}

// Execute runs the callback on its own goroutine and waits for it or the budget
func (e *CallbackExecutor) Execute(ctx context.Context) (*model.TaskResult, error) {
	result := model.NewResult(e.task.Name, time.Now())
	if e.fn == nil {
		return result.Finish(model.TaskStatusFailed, "callback function is nil"), nil
	}

	runCtx, cancel := withTimeout(ctx, e.task.Timeout)
	defer cancel()

	done := make(chan callbackOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callbackOutcome{err: fmt.Errorf("callback panicked: %v", r)}
			}
		}()
		out, err := e.fn(runCtx)
		done <- callbackOutcome{output: out, err: err}
	}()

	e.logger.Debug("Executing callback", zap.String("task", e.task.Name))

	select {
	case outcome := <-done:
		result.Stdout = outcome.output
		result.ResourceUsage = e.sampler.Snapshot(int32(os.Getpid()))
		if runCtx.Err() != nil {
			status, msg := InterruptStatus(runCtx, e.task.Timeout)
			return result.Finish(status, msg), nil
		}
		if outcome.err != nil {
			e.logger.Warn("Callback failed",
				zap.String("task", e.task.Name),
				zap.Error(outcome.err))
			return result.Finish(model.TaskStatusFailed, outcome.err.Error()), nil
		}
		return result.Finish(model.TaskStatusCompleted, ""), nil
	case <-runCtx.Done():
		// The goroutine keeps running until the callback observes runCtx.
		status, msg := InterruptStatus(runCtx, e.task.Timeout)
		e.logger.Warn("Callback interrupted",
			zap.String("task", e.task.Name),
			zap.String("status", string(status)))
		return result.Finish(status, msg), nil
	}
}
