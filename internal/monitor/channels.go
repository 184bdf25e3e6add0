package monitor

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// LogChannel writes alerts to the log
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log channel
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alerts")}
}

// Send implements NotificationChannel
func (c *LogChannel) Send(_ context.Context, alert *model.Alert) error {
	fields := []zap.Field{
		zap.String("id", alert.ID),
		zap.String("task", alert.TaskName),
		zap.String("type", string(alert.Type)),
		zap.Any("data", alert.Data),
	}

	switch alert.Severity {
	case model.AlertSeverityCritical, model.AlertSeverityError:
		c.logger.Error(alert.Message, fields...)
	case model.AlertSeverityInfo:
		c.logger.Info(alert.Message, fields...)
	default:
		c.logger.Warn(alert.Message, fields...)
	}
	return nil
}

// AlertPublisher publishes alerts to a message bus
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *model.Alert) error
}

// NATSChannel forwards alerts to JetStream
type NATSChannel struct {
	publisher AlertPublisher
}

// NewNATSChannel creates a channel backed by publisher
func NewNATSChannel(publisher AlertPublisher) *NATSChannel {
	return &NATSChannel{publisher: publisher}
}

// Send implements NotificationChannel
func (c *NATSChannel) Send(ctx context.Context, alert *model.Alert) error {
	return c.publisher.PublishAlert(ctx, alert)
}
