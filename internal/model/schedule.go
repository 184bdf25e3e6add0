package model

import "time"

// CronSchedule runs a batch of tasks on a cron expression
type CronSchedule struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Expression  string        `json:"expression" yaml:"expression"`
	Tasks       []string      `json:"tasks" yaml:"tasks"`
	Mode        ExecutionMode `json:"mode,omitempty" yaml:"mode"`
	LastStatus  TaskStatus    `json:"last_status,omitempty" yaml:"-"`
	LastRunTime *time.Time    `json:"last_run_time,omitempty" yaml:"-"`
	NextRunTime *time.Time    `json:"next_run_time,omitempty" yaml:"-"`
	CreatedAt   time.Time     `json:"created_at" yaml:"-"`
}
