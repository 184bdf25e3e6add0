package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/task-scheduler/internal/model"
)

// strategy runs a validated batch and returns one result per task that was started
type strategy func(ctx context.Context, r *run, names []string) []*model.TaskResult

func strategyFor(mode model.ExecutionMode) (strategy, error) {
	switch mode {
	case model.ExecutionModeSequential:
		return runSequential, nil
	case model.ExecutionModePipeline:
		return runPipeline, nil
	case model.ExecutionModeParallel:
		return runParallel, nil
	case model.ExecutionModeCollaborative:
		return runCollaborative, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutionMode, mode)
	}
}

// runSequential stops at the first result that did not complete. With auto-retry on,
// a FAILED result has already been through the retry policy and the batch moves on.
func runSequential(ctx context.Context, r *run, names []string) []*model.TaskResult {
	autoRetry := r.scheduler.config.AutoRetryFailedTasks

	results := make([]*model.TaskResult, 0, len(names))
	for _, name := range names {
		res := r.execute(ctx, name)
		results = append(results, res)

		if res.Succeeded() {
			continue
		}
		if autoRetry && res.Status == model.TaskStatusFailed {
			continue
		}
		r.scheduler.logger.Info("Sequential batch stopped",
			zap.String("task", name),
			zap.String("status", string(res.Status)))
		break
	}
	return results
}

// runPipeline stops at the first result that did not complete
func runPipeline(ctx context.Context, r *run, names []string) []*model.TaskResult {
	results := make([]*model.TaskResult, 0, len(names))
	for _, name := range names {
		res := r.execute(ctx, name)
		results = append(results, res)

		if !res.Succeeded() {
			r.scheduler.logger.Info("Pipeline stopped",
				zap.String("stage", name),
				zap.String("status", string(res.Status)))
			break
		}
	}
	return results
}

// runParallel starts every task at once, highest priority first; the resource manager
// bounds how many run. Results keep the order of names.
func runParallel(ctx context.Context, r *run, names []string) []*model.TaskResult {
	results := make([]*model.TaskResult, len(names))

	var g errgroup.Group
	for _, item := range r.dispatchOrder(names) {
		i, name := item.index, item.name
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					results[i] = model.FailedResult(name, fmt.Sprintf("task execution panicked: %v", rec))
				}
			}()
			results[i] = r.execute(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// runCollaborative is runParallel with a SharedContext attached to ctx. A shared
// context already on ctx is reused.
func runCollaborative(ctx context.Context, r *run, names []string) []*model.TaskResult {
	if _, ok := model.SharedFromContext(ctx); !ok {
		ctx = model.WithSharedContext(ctx, model.NewSharedContext())
	}
	return runParallel(ctx, r, names)
}
