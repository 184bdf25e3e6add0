package main

import (
	"context"
	"time"

	"github.com/docker/docker/client"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/config"
	"github.com/t77yq/task-scheduler/internal/events"
	"github.com/t77yq/task-scheduler/internal/executor"
	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/monitor"
	"github.com/t77yq/task-scheduler/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

// app wires the scheduler to its optional collaborators
type app struct {
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	alerts    *monitor.AlertManager
	publisher *events.Publisher
	nc        *nats.Conn
	docker    *client.Client
}

func defaultAlertRules() []*model.AlertRule {
	return []*model.AlertRule{
		{ID: "task-failure", Name: "task failure", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityError},
		{ID: "task-timeout", Name: "task timeout", Type: model.AlertTypeTimeout, Severity: model.AlertSeverityCritical},
		{ID: "hint-exceeded", Name: "resource hint exceeded", Type: model.AlertTypeHintExceeded, Severity: model.AlertSeverityWarning},
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	var opts []scheduler.Option

	docker, err := executor.NewDockerClient()
	if err != nil {
		logger.Warn("Container tasks disabled", zap.Error(err))
	} else {
		a.docker = docker
		opts = append(opts, scheduler.WithContainerRuntime(docker))
	}

	a.alerts = monitor.NewAlertManager(logger)
	a.alerts.AddChannel("log", monitor.NewLogChannel(logger))
	for _, rule := range defaultAlertRules() {
		if err := a.alerts.AddRule(rule); err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	opts = append(opts, scheduler.WithObserver(a.alerts))

	if cfg.NATS.URL != "" {
		nc, js, err := events.Connect(cfg.NATS.URL, logger)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.nc = nc

		a.publisher = events.NewPublisher(js, cfg.NATS.Stream, logger)
		if err := a.publisher.Setup(); err != nil {
			a.close(ctx)
			return nil, err
		}
		a.alerts.AddChannel("nats", monitor.NewNATSChannel(a.publisher))
		opts = append(opts, scheduler.WithObserver(a.publisher))
	}

	s, err := scheduler.New(cfg.Scheduler, logger, opts...)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.scheduler = s
	a.alerts.SetHintSource(s)
	a.alerts.Start(ctx)

	return a, nil
}

// close shuts collaborators down in reverse order of construction
func (a *app) close(ctx context.Context) {
	if a.scheduler != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := a.scheduler.Close(closeCtx); err != nil {
			a.logger.Error("Failed to close scheduler", zap.Error(err))
		}
		cancel()
	}
	if a.alerts != nil {
		a.alerts.Stop()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}
	if a.docker != nil {
		_ = a.docker.Close()
	}
}
