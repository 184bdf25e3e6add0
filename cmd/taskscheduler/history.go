package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/storage"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit int
		task  string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded executions from the state store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.cfg.Scheduler.PersistenceEnabled {
				return fmt.Errorf("persistence is disabled")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			results, err := loadHistory(ctx, opts.cfg.Scheduler.PersistencePath, opts.logger)
			if err != nil {
				return err
			}
			results = filterHistory(results, task, limit)

			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), results)
			}
			printHistory(cmd.OutOrStdout(), results)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many of the latest executions (0 for all)")
	cmd.Flags().StringVarP(&task, "task", "t", "", "only show executions of this task")
	return cmd
}

func loadHistory(ctx context.Context, path string, logger *zap.Logger) ([]model.TaskResult, error) {
	store, err := storage.Open(path, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	results := make([]model.TaskResult, 0, len(state.ExecutionHistory))
	for _, rec := range state.ExecutionHistory {
		results = append(results, *rec.Result())
	}
	return results, nil
}

// filterHistory keeps the latest limit results of task, oldest first
func filterHistory(results []model.TaskResult, task string, limit int) []model.TaskResult {
	if task != "" {
		var filtered []model.TaskResult
		for _, r := range results {
			if r.TaskName == task {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results
}
