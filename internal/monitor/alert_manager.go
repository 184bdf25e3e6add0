package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

const (
	alertQueueSize  = 256
	maxRecentAlerts = 100
	deliveryTimeout = 5 * time.Second
)

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(ctx context.Context, alert *model.Alert) error
}

// HintSource looks up the descriptor a result belongs to
type HintSource interface {
	Task(name string) (*model.TaskDescriptor, bool)
}

// AlertManager evaluates alert rules against task results and delivers alerts
type AlertManager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	rules    map[string]*model.AlertRule
	channels map[string]NotificationChannel
	recent   []*model.Alert
	hints    HintSource

	queue   chan *model.Alert
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewAlertManager creates a new alert manager
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		rules:    make(map[string]*model.AlertRule),
		channels: make(map[string]NotificationChannel),
		queue:    make(chan *model.Alert, alertQueueSize),
	}
}

// SetHintSource enables hint_exceeded rules
func (m *AlertManager) SetHintSource(src HintSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints = src
}

// AddChannel registers a notification channel under name
func (m *AlertManager) AddChannel(name string, ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// Start starts delivering alerts to the channels
func (m *AlertManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliveryLoop(ctx)

	m.logger.Info("Alert manager started")
}

// Stop stops delivery once queued alerts have been sent
func (m *AlertManager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Alert manager stopped")
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return rule, nil
}

// ListRules returns all rules ordered by name
func (m *AlertManager) ListRules() []*model.AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]*model.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Name < rules[j].Name
	})
	return rules
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = model.AlertSeverityWarning
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.rules[rule.ID]
	if !ok {
		return fmt.Errorf("rule not found: %s", rule.ID)
	}
	rule.CreatedAt = old.CreatedAt
	rule.UpdatedAt = time.Now()
	m.rules[rule.ID] = rule
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	delete(m.rules, id)
	return nil
}

// SilenceRule toggles whether a rule raises alerts
func (m *AlertManager) SilenceRule(id string, silenced bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	rule.Silenced = silenced
	rule.UpdatedAt = time.Now()
	return nil
}

// RecentAlerts returns copies of the most recent alerts, oldest first
func (m *AlertManager) RecentAlerts() []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Alert, len(m.recent))
	for i, a := range m.recent {
		out[i] = *a
	}
	return out
}

// ObserveResult evaluates every rule against result and queues the alerts it raises
func (m *AlertManager) ObserveResult(result *model.TaskResult) {
	m.mu.RLock()
	hints := m.hints
	rules := make([]*model.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		if !r.Silenced && r.Matches(result.TaskName) {
			rules = append(rules, r)
		}
	}
	m.mu.RUnlock()

	var taskHints model.ResourceHints
	if hints != nil {
		if desc, ok := hints.Task(result.TaskName); ok {
			taskHints = desc.Hints
		}
	}

	for _, rule := range rules {
		data, fired := evaluate(rule, result, taskHints)
		if !fired {
			continue
		}
		m.raise(rule, result, data)
	}
}

// evaluate reports whether rule fires for result, with the data that made it fire
func evaluate(rule *model.AlertRule, result *model.TaskResult, hints model.ResourceHints) (map[string]interface{}, bool) {
	switch rule.Type {
	case model.AlertTypeTaskFailure:
		if result.Status == model.TaskStatusFailed {
			return map[string]interface{}{"error": result.ErrorMessage, "attempt": result.Attempt}, true
		}
	case model.AlertTypeTimeout:
		if result.Status == model.TaskStatusTimeout {
			return map[string]interface{}{"duration": result.Duration.String()}, true
		}
	case model.AlertTypeSlowExecution:
		if rule.Duration > 0 && result.Duration > rule.Duration {
			return map[string]interface{}{
				"duration":  result.Duration.String(),
				"threshold": rule.Duration.String(),
			}, true
		}
	case model.AlertTypeResourceUsage:
		usage := result.ResourceUsage
		if usage == nil {
			return nil, false
		}
		if usage.CPUPercent > rule.Threshold {
			return map[string]interface{}{"cpu_usage": usage.CPUPercent, "threshold": rule.Threshold}, true
		}
		if float64(usage.MemoryPercent) > rule.Threshold {
			return map[string]interface{}{"memory_usage": usage.MemoryPercent, "threshold": rule.Threshold}, true
		}
	case model.AlertTypeHintExceeded:
		usage := result.ResourceUsage
		if usage == nil {
			return nil, false
		}
		if hints.CPUPercent > 0 && usage.CPUPercent > hints.CPUPercent {
			return map[string]interface{}{"cpu_usage": usage.CPUPercent, "hint": hints.CPUPercent}, true
		}
		if hints.MemoryMB > 0 && usage.MemoryMB > hints.MemoryMB {
			return map[string]interface{}{"memory_mb": usage.MemoryMB, "hint": hints.MemoryMB}, true
		}
	}
	return nil, false
}

// raise records an alert and queues it for delivery
func (m *AlertManager) raise(rule *model.AlertRule, result *model.TaskResult, data map[string]interface{}) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		TaskName:  result.TaskName,
		Message:   fmt.Sprintf("Alert triggered for rule %s on task %s", rule.Name, result.TaskName),
		Data:      data,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > maxRecentAlerts {
		m.recent = m.recent[len(m.recent)-maxRecentAlerts:]
	}
	deliver := m.started && !m.stopped
	if deliver {
		select {
		case m.queue <- alert:
		default:
			m.logger.Warn("Alert queue full, dropping alert",
				zap.String("id", alert.ID),
				zap.String("task", alert.TaskName))
		}
	}
	m.mu.Unlock()

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("task", alert.TaskName),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))
}

func (m *AlertManager) deliveryLoop(ctx context.Context) {
	defer m.wg.Done()

	for alert := range m.queue {
		m.mu.RLock()
		channels := make(map[string]NotificationChannel, len(m.channels))
		for name, ch := range m.channels {
			channels[name] = ch
		}
		m.mu.RUnlock()

		for name, ch := range channels {
			sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
			if err := ch.Send(sendCtx, alert); err != nil {
				m.logger.Error("Failed to send alert",
					zap.String("channel", name),
					zap.String("id", alert.ID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

func validateRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeTaskFailure, model.AlertTypeTimeout, model.AlertTypeHintExceeded:
	case model.AlertTypeSlowExecution:
		if rule.Duration <= 0 {
			return fmt.Errorf("rule %s: slow_execution requires a positive duration", rule.Name)
		}
	case model.AlertTypeResourceUsage:
		if rule.Threshold <= 0 {
			return fmt.Errorf("rule %s: resource_usage requires a positive threshold", rule.Name)
		}
	default:
		return fmt.Errorf("rule %s: unknown alert type %q", rule.Name, rule.Type)
	}
	return nil
}
