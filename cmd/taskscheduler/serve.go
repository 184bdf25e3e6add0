package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/monitor"
	"github.com/t77yq/task-scheduler/internal/pipeline"
	"github.com/t77yq/task-scheduler/internal/scheduler"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "serve [pipeline.yaml...]",
		Short: "Run pipelines on their cron schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			trigger := scheduler.NewCronTrigger(a.scheduler, logger)
			for _, path := range args {
				def, err := pipeline.Load(path)
				if err != nil {
					return err
				}
				if def.Schedule == "" {
					def.Schedule = schedule
				}

				order, err := pipeline.Register(a.scheduler, def, logger)
				if err != nil {
					return err
				}

				cs := def.CronSchedule(order)
				if cs == nil {
					logger.Warn("Pipeline has no schedule, registered only",
						zap.String("pipeline", def.Name))
					continue
				}
				if err := trigger.AddSchedule(cs); err != nil {
					return err
				}
			}

			var publisher monitor.MetricsPublisher
			if a.publisher != nil {
				publisher = a.publisher
			}
			collector := monitor.NewMetricsCollector(a.scheduler, publisher, opts.cfg.Monitor.MetricsInterval, logger)

			trigger.Start(ctx)
			collector.Start(ctx)

			logger.Info("Serving",
				zap.Strings("tasks", a.scheduler.Tasks()),
				zap.Int("schedules", len(trigger.ListSchedules())))

			<-ctx.Done()
			logger.Info("Received shutdown signal")

			trigger.Stop()
			collector.Stop()
			return nil
		},
	}

	cmd.Flags().StringVarP(&schedule, "schedule", "s", "", "cron expression for pipelines that do not declare one")
	return cmd
}
