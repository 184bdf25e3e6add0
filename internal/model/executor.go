package model

import "time"

// HostStats is a point-in-time snapshot of the scheduler's host and load
type HostStats struct {
	ActiveTasks int       `json:"active_tasks"`
	ActiveNames []string  `json:"active_names,omitempty"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	HistorySize int       `json:"history_size"`
	SuccessRate float64   `json:"success_rate"`
	CollectedAt time.Time `json:"collected_at"`
}
