package scheduler

import (
	"time"

	"github.com/t77yq/task-scheduler/internal/model"
)

// Summary aggregates the recorded history
type Summary struct {
	TotalAttempts   int                      `json:"total_attempts"`
	StatusCounts    map[model.TaskStatus]int `json:"status_counts"`
	AverageDuration time.Duration            `json:"average_duration"`
	// SuccessRate is the percentage of attempts that completed.
	SuccessRate     float64 `json:"success_rate"`
	RegisteredTasks int     `json:"registered_tasks"`
	ActiveTasks     int     `json:"active_tasks"`
}

// Summary reports totals over the current history
func (s *Scheduler) Summary() Summary {
	s.mu.RLock()
	sum := summarize(s.history)
	sum.RegisteredTasks = len(s.tasks)
	s.mu.RUnlock()

	sum.ActiveTasks = s.resources.ActiveTaskCount()
	return sum
}

func summarize(history []*model.TaskResult) Summary {
	sum := Summary{
		TotalAttempts: len(history),
		StatusCounts:  make(map[model.TaskStatus]int),
	}
	if len(history) == 0 {
		return sum
	}

	var total time.Duration
	for _, r := range history {
		sum.StatusCounts[r.Status]++
		total += r.Duration
	}
	sum.AverageDuration = total / time.Duration(len(history))
	sum.SuccessRate = float64(sum.StatusCounts[model.TaskStatusCompleted]) / float64(len(history)) * 100
	return sum
}
