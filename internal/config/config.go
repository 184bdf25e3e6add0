package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. TASKSCHED_SCHEDULER_MAX_CONCURRENT_TASKS
const EnvPrefix = "TASKSCHED"

// NATSConfig configures event publishing. An empty URL disables it.
type NATSConfig struct {
	URL    string
	Stream string
}

// LogConfig configures the process logger
type LogConfig struct {
	Level       string
	Development bool
}

// MonitorConfig configures metrics collection
type MonitorConfig struct {
	MetricsInterval time.Duration
}

// Config is the full process configuration
type Config struct {
	Scheduler model.SchedulerConfig
	NATS      NATSConfig
	Log       LogConfig
	Monitor   MonitorConfig
}

func setDefaults(v *viper.Viper) {
	d := model.DefaultSchedulerConfig()

	v.SetDefault("scheduler.max_concurrent_tasks", d.MaxConcurrentTasks)
	v.SetDefault("scheduler.default_timeout", d.DefaultTimeout.String())
	v.SetDefault("scheduler.execution_mode", string(d.ExecutionMode))
	v.SetDefault("scheduler.auto_retry_failed_tasks", d.AutoRetryFailedTasks)
	v.SetDefault("scheduler.retry_delay", d.RetryDelay.String())
	v.SetDefault("scheduler.max_retries", d.MaxRetries)
	v.SetDefault("scheduler.history_limit", d.HistoryLimit)
	v.SetDefault("scheduler.slot_wait_timeout", d.SlotWaitTimeout.String())
	v.SetDefault("scheduler.nonzero_exit_policy", string(d.NonZeroExitPolicy))
	v.SetDefault("scheduler.resource_monitoring", d.ResourceMonitoring)

	v.SetDefault("persistence.enabled", d.PersistenceEnabled)
	v.SetDefault("persistence.path", d.PersistencePath)
	v.SetDefault("persistence.history_tail", d.PersistenceTail)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "SCHEDULER")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("monitor.metrics_interval", "10s")
}

// Load reads configuration from path, or from config.yaml in the working directory or
// ./config when path is empty. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var errs []error
	duration := func(key string) time.Duration {
		d, err := parseDuration(v.Get(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := &Config{
		Scheduler: model.SchedulerConfig{
			MaxConcurrentTasks:   v.GetInt("scheduler.max_concurrent_tasks"),
			DefaultTimeout:       duration("scheduler.default_timeout"),
			ExecutionMode:        model.ExecutionMode(v.GetString("scheduler.execution_mode")),
			AutoRetryFailedTasks: v.GetBool("scheduler.auto_retry_failed_tasks"),
			RetryDelay:           duration("scheduler.retry_delay"),
			MaxRetries:           v.GetInt("scheduler.max_retries"),
			HistoryLimit:         v.GetInt("scheduler.history_limit"),
			SlotWaitTimeout:      duration("scheduler.slot_wait_timeout"),
			NonZeroExitPolicy:    model.NonZeroExitPolicy(v.GetString("scheduler.nonzero_exit_policy")),
			ResourceMonitoring:   v.GetBool("scheduler.resource_monitoring"),
			PersistenceEnabled:   v.GetBool("persistence.enabled"),
			PersistencePath:      v.GetString("persistence.path"),
			PersistenceTail:      v.GetInt("persistence.history_tail"),
		},
		NATS: NATSConfig{
			URL:    v.GetString("nats.url"),
			Stream: v.GetString("nats.stream"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		Monitor: MonitorConfig{
			MetricsInterval: duration("monitor.metrics_interval"),
		},
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// parseDuration accepts Go duration strings and bare numbers of seconds
func parseDuration(raw interface{}) (time.Duration, error) {
	switch val := raw.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("invalid duration %v", raw)
	}
}

// NewLogger builds the process logger
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zc.Level = level
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
