package model

import (
	"context"
	"fmt"
	"time"
)

// TaskStatus represents the status of one execution attempt
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions occur for the attempt
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	}
	return false
}

// AllStatuses lists every status in state machine order
var AllStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusTimeout,
	TaskStatusCancelled,
}

// TaskPriority is an advisory ordering hint
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// Rank orders priorities; higher runs earlier when a strategy chooses placement
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityCritical:
		return 3
	case TaskPriorityHigh:
		return 2
	case TaskPriorityLow:
		return 0
	default:
		return 1
	}
}

// ParsePriority converts a string into a TaskPriority
func ParsePriority(s string) (TaskPriority, error) {
	switch p := TaskPriority(s); p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityCritical:
		return p, nil
	case "":
		return TaskPriorityMedium, nil
	default:
		return "", fmt.Errorf("invalid task priority: %q", s)
	}
}

// RunnableKind identifies the variant of a task body
type RunnableKind string

const (
	RunnableCommand   RunnableKind = "command"
	RunnableCallback  RunnableKind = "callback"
	RunnableContainer RunnableKind = "container"
)

// Runnable is the body of a task. Exactly one variant is bound per descriptor.
type Runnable interface {
	Kind() RunnableKind
	Validate() error
}

// CommandSpec runs an external command or a script
type CommandSpec struct {
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`
	ScriptPath  string   `json:"script_path,omitempty"`
	Interpreter string   `json:"interpreter,omitempty"`
	// Shell runs Command through "sh -c" instead of splitting it into words.
	Shell bool `json:"shell,omitempty"`
}

func (c *CommandSpec) Kind() RunnableKind { return RunnableCommand }

func (c *CommandSpec) Validate() error {
	if c.Command == "" && c.ScriptPath == "" {
		return fmt.Errorf("command or script_path is required")
	}
	if c.Command != "" && c.ScriptPath != "" {
		return fmt.Errorf("command and script_path are mutually exclusive")
	}
	return nil
}

// CallbackFunc is an in-process task body. The returned string is captured as stdout.
type CallbackFunc func(ctx context.Context) (string, error)

// CallbackSpec invokes an in-process function
type CallbackSpec struct {
	Func CallbackFunc `json:"-"`
}

func (c *CallbackSpec) Kind() RunnableKind { return RunnableCallback }

func (c *CallbackSpec) Validate() error {
	if c.Func == nil {
		return fmt.Errorf("callback function is required")
	}
	return nil
}

// ContainerSpec runs a command inside a fresh container
type ContainerSpec struct {
	Image   string   `json:"image"`
	Command []string `json:"command,omitempty"`
	Pull    bool     `json:"pull,omitempty"`
}

func (c *ContainerSpec) Kind() RunnableKind { return RunnableContainer }

func (c *ContainerSpec) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("container image is required")
	}
	return nil
}

// ResourceHints are advisory soft limits, never enforced
type ResourceHints struct {
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemoryMB   float64 `json:"memory_mb,omitempty"`
}

// TaskDescriptor is the identity and execution contract for one task
type TaskDescriptor struct {
	Name         string            `json:"name"`
	Runnable     Runnable          `json:"-"`
	WorkingDir   string            `json:"working_dir,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Timeout      time.Duration     `json:"timeout"`
	RetryLimit   int               `json:"retry_limit"`
	RetryDelay   time.Duration     `json:"retry_delay"`
	Priority     TaskPriority      `json:"priority"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Hints        ResourceHints     `json:"resource_hints,omitempty"`
}

// Validate checks the descriptor's static invariants
func (d *TaskDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if d.Timeout < 0 {
		return fmt.Errorf("task %s: timeout must not be negative", d.Name)
	}
	if d.RetryLimit < 0 {
		return fmt.Errorf("task %s: retry_limit must not be negative", d.Name)
	}
	for _, dep := range d.Dependencies {
		if dep == d.Name {
			return fmt.Errorf("task %s depends on itself", d.Name)
		}
	}
	if d.Runnable != nil {
		if err := d.Runnable.Validate(); err != nil {
			return fmt.Errorf("task %s: %w", d.Name, err)
		}
	}
	return nil
}

// Clone returns a copy that shares no mutable slices or maps with d
func (d *TaskDescriptor) Clone() *TaskDescriptor {
	c := *d
	if d.Env != nil {
		c.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			c.Env[k] = v
		}
	}
	c.Dependencies = append([]string(nil), d.Dependencies...)
	return &c
}

// ResourceUsage is a best-effort telemetry snapshot
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float32 `json:"memory_percent"`
}

// TaskResult is the outcome of one execution attempt
type TaskResult struct {
	AttemptID     string         `json:"attempt_id,omitempty"`
	TaskName      string         `json:"task_name"`
	Status        TaskStatus     `json:"status"`
	Attempt       int            `json:"attempt"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Duration      time.Duration  `json:"duration"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Stdout        string         `json:"stdout,omitempty"`
	Stderr        string         `json:"stderr,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`
}

// NewResult starts a result record for an attempt that began at start
func NewResult(name string, start time.Time) *TaskResult {
	return &TaskResult{
		TaskName:  name,
		Status:    TaskStatusRunning,
		StartTime: start,
	}
}

// Finish stamps the terminal status and end time
func (r *TaskResult) Finish(status TaskStatus, errMsg string) *TaskResult {
	r.Status = status
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	if errMsg != "" {
		r.ErrorMessage = errMsg
	}
	return r
}

// Succeeded reports whether the attempt completed
func (r *TaskResult) Succeeded() bool {
	return r != nil && r.Status == TaskStatusCompleted
}

// FailedResult synthesizes a zero-length FAILED result
func FailedResult(name, errMsg string) *TaskResult {
	now := time.Now()
	return &TaskResult{
		TaskName:     name,
		Status:       TaskStatusFailed,
		StartTime:    now,
		EndTime:      now,
		ErrorMessage: errMsg,
	}
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int { return &v }
