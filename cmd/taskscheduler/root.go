package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	jsonOutput bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "taskscheduler",
		Short: "Run dependency-aware task pipelines",
		Long: `taskscheduler runs named tasks (commands, scripts and containers) with
dependencies, bounded concurrency, timeouts and retries.

Examples:
  # Run a pipeline once
  taskscheduler run pipelines/etl.yaml

  # Show the most recent executions
  taskscheduler history --limit 20

  # Run scheduled pipelines until interrupted
  taskscheduler serve pipelines/*.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./config.yaml or ./config/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	cmd.PersistentFlags().BoolVarP(&opts.jsonOutput, "json", "j", false, "print results as JSON")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func (o *rootOptions) init() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	o.cfg = cfg
	o.logger = logger
	return nil
}
