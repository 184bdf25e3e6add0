package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/pipeline"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a pipeline once and report every step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := pipeline.Load(args[0])
			if err != nil {
				return err
			}
			if mode != "" {
				if _, err := model.ParseExecutionMode(mode); err != nil {
					return err
				}
				def.Mode = mode
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			report, err := pipeline.Run(ctx, a.scheduler, def, opts.logger)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}

			if !report.Success {
				return fmt.Errorf("pipeline %s failed", def.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "", "override the pipeline's execution mode (sequential, parallel, pipeline, collaborative)")
	return cmd
}
