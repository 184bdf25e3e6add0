package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/executor"
	"github.com/t77yq/task-scheduler/internal/model"
)

// Scheduler is the part of the scheduler a pipeline needs
type Scheduler interface {
	Register(desc *model.TaskDescriptor, exec executor.TaskExecutor) error
	Plan(names []string) ([]string, error)
	ExecuteTasks(ctx context.Context, names []string, mode model.ExecutionMode) ([]*model.TaskResult, error)
}

// Report is the outcome of one pipeline run
type Report struct {
	Pipeline string                       `json:"pipeline"`
	Success  bool                         `json:"success"`
	Order    []string                     `json:"order"`
	Results  map[string]*model.TaskResult `json:"results"`
	Skipped  []string                     `json:"skipped,omitempty"`
	Duration time.Duration                `json:"duration"`
}

// Register registers every step and returns the order they will run in
func Register(s Scheduler, def *Definition, logger *zap.Logger) ([]string, error) {
	descs, err := def.Descriptors(logger)
	if err != nil {
		return nil, err
	}
	for _, desc := range descs {
		if err := s.Register(desc, nil); err != nil {
			return nil, fmt.Errorf("failed to register step %s: %w", desc.Name, err)
		}
	}
	order, err := s.Plan(def.StepNames())
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", def.Name, err)
	}
	return order, nil
}

// Run registers the pipeline and executes its steps in dependency order.
// The run succeeds only if every step completed.
func Run(ctx context.Context, s Scheduler, def *Definition, logger *zap.Logger) (*Report, error) {
	order, err := Register(s, def, logger)
	if err != nil {
		return nil, err
	}

	logger = logger.Named("pipeline")
	logger.Info("Running pipeline",
		zap.String("pipeline", def.Name),
		zap.String("mode", def.Mode),
		zap.Strings("order", order))

	start := time.Now()
	results, err := s.ExecuteTasks(ctx, order, def.ExecutionMode())
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", def.Name, err)
	}

	report := &Report{
		Pipeline: def.Name,
		Success:  len(results) == len(order),
		Order:    order,
		Results:  make(map[string]*model.TaskResult, len(results)),
		Duration: time.Since(start),
	}
	for _, r := range results {
		report.Results[r.TaskName] = r
		if r.Status != model.TaskStatusCompleted {
			report.Success = false
		}
	}
	for _, name := range order {
		if _, ok := report.Results[name]; !ok {
			report.Skipped = append(report.Skipped, name)
		}
	}

	if report.Success {
		logger.Info("Pipeline completed",
			zap.String("pipeline", def.Name),
			zap.Duration("duration", report.Duration))
	} else {
		logger.Warn("Pipeline failed",
			zap.String("pipeline", def.Name),
			zap.Strings("skipped", report.Skipped),
			zap.Duration("duration", report.Duration))
	}
	return report, nil
}
