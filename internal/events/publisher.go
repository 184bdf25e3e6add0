package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

const (
	// DefaultStream is the JetStream stream that carries every scheduler event
	DefaultStream = "SCHEDULER"

	// MetricsSubject carries periodic scheduler snapshots
	MetricsSubject = "scheduler.metrics"

	resultSubjectPrefix = "scheduler.result"
	alertSubjectPrefix  = "scheduler.alert"

	streamMaxAge   = 24 * time.Hour
	publishTimeout = 5 * time.Second
)

// Connect dials NATS and opens a JetStream context
func Connect(url string, logger *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url,
		nats.Name("task-scheduler"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(nats.MaxWait(publishTimeout))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}

// ResultSubject returns the subject results of task are published on
func ResultSubject(task string) string {
	return resultSubjectPrefix + "." + subjectToken(task)
}

// AlertSubject returns the subject alerts of type t are published on
func AlertSubject(t model.AlertType) string {
	return alertSubjectPrefix + "." + subjectToken(string(t))
}

// subjectToken makes s usable as a single subject token
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publisher publishes scheduler events onto JetStream
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	stream string
}

// NewPublisher creates a publisher writing to stream
func NewPublisher(js nats.JetStreamContext, stream string, logger *zap.Logger) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{
		logger: logger.Named("events"),
		js:     js,
		stream: stream,
	}
}

// Setup creates the stream if it doesn't exist
func (p *Publisher) Setup() error {
	_, err := p.js.StreamInfo(p.stream)
	if err == nil {
		p.logger.Info("Using existing event stream", zap.String("name", p.stream))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     p.stream,
		Subjects: []string{"scheduler.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("Created event stream", zap.String("name", p.stream))
	return nil
}

// ObserveResult publishes the result without waiting for the acknowledgement
func (p *Publisher) ObserveResult(result *model.TaskResult) {
	data, err := json.Marshal(result)
	if err != nil {
		p.logger.Error("Failed to marshal task result",
			zap.String("task", result.TaskName),
			zap.Error(err))
		return
	}

	future, err := p.js.PublishAsync(ResultSubject(result.TaskName), data)
	if err != nil {
		p.logger.Error("Failed to publish task result",
			zap.String("task", result.TaskName),
			zap.Error(err))
		return
	}

	go func() {
		select {
		case <-future.Ok():
		case err := <-future.Err():
			p.logger.Error("Task result not acknowledged",
				zap.String("task", result.TaskName),
				zap.Error(err))
		case <-time.After(publishTimeout):
			p.logger.Warn("Timed out waiting for result acknowledgement",
				zap.String("task", result.TaskName))
		}
	}()
}

// PublishResult publishes a result and waits for the acknowledgement
func (p *Publisher) PublishResult(ctx context.Context, result *model.TaskResult) error {
	return p.publish(ctx, ResultSubject(result.TaskName), result)
}

// PublishAlert publishes an alert and waits for the acknowledgement
func (p *Publisher) PublishAlert(ctx context.Context, alert *model.Alert) error {
	return p.publish(ctx, AlertSubject(alert.Type), alert)
}

// PublishMetrics publishes a metrics snapshot and waits for the acknowledgement
func (p *Publisher) PublishMetrics(ctx context.Context, snapshot interface{}) error {
	return p.publish(ctx, MetricsSubject, snapshot)
}

func (p *Publisher) publish(ctx context.Context, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeResults delivers every published result to handler until ctx ends
func (p *Publisher) SubscribeResults(ctx context.Context, handler func(*model.TaskResult)) error {
	sub, err := p.js.Subscribe(resultSubjectPrefix+".*", func(msg *nats.Msg) {
		var result model.TaskResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			p.logger.Error("Failed to unmarshal task result", zap.Error(err))
			_ = msg.Term()
			return
		}

		handler(&result)
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to task results: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	return nil
}
