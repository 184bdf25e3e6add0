package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/task-scheduler/internal/model"
)

func TestCronTrigger(t *testing.T) {
	s := newTestScheduler(t, testConfig())
	logger := zaptest.NewLogger(t)

	var runs atomic.Int32
	require.NoError(t, s.Register(callbackTask("tick", func(ctx context.Context) (string, error) {
		runs.Add(1)
		return "", nil
	}), nil))

	trigger := NewCronTrigger(s, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trigger.Start(ctx)
	defer trigger.Stop()

	t.Run("Invalid expression", func(t *testing.T) {
		err := trigger.AddSchedule(&model.CronSchedule{
			Name:       "broken",
			Expression: "not a cron",
			Tasks:      []string{"tick"},
		})
		assert.Error(t, err)
	})

	t.Run("Unknown task", func(t *testing.T) {
		err := trigger.AddSchedule(&model.CronSchedule{
			Name:       "ghost",
			Expression: "@every 1s",
			Tasks:      []string{"ghost"},
		})
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("No tasks", func(t *testing.T) {
		err := trigger.AddSchedule(&model.CronSchedule{Name: "empty", Expression: "@every 1s"})
		assert.Error(t, err)
	})

	t.Run("Unknown mode", func(t *testing.T) {
		err := trigger.AddSchedule(&model.CronSchedule{
			Name:       "mode",
			Expression: "@every 1s",
			Tasks:      []string{"tick"},
			Mode:       "sideways",
		})
		assert.ErrorIs(t, err, ErrUnknownExecutionMode)
	})

	t.Run("Fires and records status", func(t *testing.T) {
		schedule := &model.CronSchedule{
			Name:       "every-second",
			Expression: "* * * * * *",
			Tasks:      []string{"tick"},
		}
		require.NoError(t, trigger.AddSchedule(schedule))
		require.NotEmpty(t, schedule.ID)
		require.NotNil(t, schedule.NextRunTime)

		require.Eventually(t, func() bool {
			return runs.Load() >= 1
		}, 3*time.Second, 20*time.Millisecond)

		require.Eventually(t, func() bool {
			got, err := trigger.GetSchedule(schedule.ID)
			return err == nil && got.LastStatus == model.TaskStatusCompleted && got.LastRunTime != nil
		}, 2*time.Second, 20*time.Millisecond)

		list := trigger.ListSchedules()
		require.Len(t, list, 1)
		assert.Equal(t, "every-second", list[0].Name)

		require.NoError(t, trigger.RemoveSchedule(schedule.ID))
		assert.Error(t, trigger.RemoveSchedule(schedule.ID))
		_, err := trigger.GetSchedule(schedule.ID)
		assert.Error(t, err)
	})
}

func TestBatchStatus(t *testing.T) {
	completed := &model.TaskResult{Status: model.TaskStatusCompleted}
	timedOut := &model.TaskResult{Status: model.TaskStatusTimeout}

	assert.Equal(t, model.TaskStatusCompleted, batchStatus([]*model.TaskResult{completed, completed}, 2))
	assert.Equal(t, model.TaskStatusTimeout, batchStatus([]*model.TaskResult{completed, timedOut}, 2))
	assert.Equal(t, model.TaskStatusFailed, batchStatus([]*model.TaskResult{completed}, 2))
}
