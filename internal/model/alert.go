package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the condition an alert rule watches for
type AlertType string

const (
	AlertTypeTaskFailure   AlertType = "task_failure"
	AlertTypeTimeout       AlertType = "execution_timeout"
	AlertTypeSlowExecution AlertType = "slow_execution"
	AlertTypeResourceUsage AlertType = "resource_usage"
	AlertTypeHintExceeded  AlertType = "hint_exceeded"
)

// AlertRule defines a rule for generating alerts from task results
type AlertRule struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Type AlertType `json:"type"`
	// Tasks restricts the rule to the named tasks; empty matches every task.
	Tasks     []string      `json:"tasks,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Threshold float64       `json:"threshold,omitempty"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Matches reports whether the rule applies to the named task
func (r *AlertRule) Matches(task string) bool {
	if len(r.Tasks) == 0 {
		return true
	}
	for _, t := range r.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

// Alert represents an alert event
type Alert struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"rule_id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	TaskName  string                 `json:"task_name"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
