package model

import (
	"fmt"
	"time"
)

// ExecutionMode selects the orchestration policy for a batch
type ExecutionMode string

const (
	ExecutionModeSequential    ExecutionMode = "sequential"
	ExecutionModeParallel      ExecutionMode = "parallel"
	ExecutionModePipeline      ExecutionMode = "pipeline"
	ExecutionModeCollaborative ExecutionMode = "collaborative"
)

// ParseExecutionMode converts a string into an ExecutionMode
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch m := ExecutionMode(s); m {
	case ExecutionModeSequential, ExecutionModeParallel, ExecutionModePipeline, ExecutionModeCollaborative:
		return m, nil
	default:
		return "", fmt.Errorf("unknown execution mode: %q", s)
	}
}

// NonZeroExitPolicy decides how a process that exits non-zero is classified
type NonZeroExitPolicy string

const (
	// NonZeroExitCompleted treats any exit code as a completed execution.
	NonZeroExitCompleted NonZeroExitPolicy = "completed"
	NonZeroExitFailed    NonZeroExitPolicy = "failed"
)

// SchedulerConfig holds process-wide tunables. It is not modified after the scheduler is built.
type SchedulerConfig struct {
	MaxConcurrentTasks   int               `mapstructure:"max_concurrent_tasks"`
	DefaultTimeout       time.Duration     `mapstructure:"default_timeout"`
	ExecutionMode        ExecutionMode     `mapstructure:"execution_mode"`
	AutoRetryFailedTasks bool              `mapstructure:"auto_retry_failed_tasks"`
	RetryDelay           time.Duration     `mapstructure:"retry_delay"`
	MaxRetries           int               `mapstructure:"max_retries"`
	HistoryLimit         int               `mapstructure:"history_limit"`
	SlotWaitTimeout      time.Duration     `mapstructure:"slot_wait_timeout"`
	NonZeroExitPolicy    NonZeroExitPolicy `mapstructure:"nonzero_exit_policy"`
	ResourceMonitoring   bool              `mapstructure:"resource_monitoring"`
	PersistenceEnabled   bool              `mapstructure:"persistence_enabled"`
	PersistencePath      string            `mapstructure:"persistence_path"`
	PersistenceTail      int               `mapstructure:"persistence_tail"`
}

// DefaultSchedulerConfig returns the defaults used when nothing is configured
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentTasks:   4,
		DefaultTimeout:       300 * time.Second,
		ExecutionMode:        ExecutionModeSequential,
		AutoRetryFailedTasks: false,
		RetryDelay:           5 * time.Second,
		MaxRetries:           3,
		HistoryLimit:         1000,
		SlotWaitTimeout:      30 * time.Second,
		NonZeroExitPolicy:    NonZeroExitCompleted,
		ResourceMonitoring:   true,
		PersistenceEnabled:   true,
		PersistencePath:      "scheduler_state.json",
		PersistenceTail:      1000,
	}
}

// PipelineConfig returns a strictly ordered, fail-fast configuration without auto-retry
func PipelineConfig(maxConcurrent int) SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.MaxConcurrentTasks = maxConcurrent
	cfg.ExecutionMode = ExecutionModePipeline
	cfg.AutoRetryFailedTasks = false
	return cfg
}

// ParallelConfig returns a bounded-parallel configuration with auto-retry enabled
func ParallelConfig(maxConcurrent int) SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	cfg.MaxConcurrentTasks = maxConcurrent
	cfg.ExecutionMode = ExecutionModeParallel
	cfg.AutoRetryFailedTasks = true
	return cfg
}

// Validate rejects configurations the scheduler cannot run with
func (c SchedulerConfig) Validate() error {
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default_timeout must not be negative")
	}
	if _, err := ParseExecutionMode(string(c.ExecutionMode)); err != nil {
		return err
	}
	if c.RetryDelay < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("retry_delay and max_retries must not be negative")
	}
	switch c.NonZeroExitPolicy {
	case "", NonZeroExitCompleted, NonZeroExitFailed:
	default:
		return fmt.Errorf("unknown nonzero_exit_policy: %q", c.NonZeroExitPolicy)
	}
	if c.PersistenceEnabled && c.PersistencePath == "" {
		return fmt.Errorf("persistence_path is required when persistence is enabled")
	}
	return nil
}
