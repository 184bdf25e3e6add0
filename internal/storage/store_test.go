package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/task-scheduler/internal/model"
)

func sampleState() *State {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	desc := &model.TaskDescriptor{
		Name:         "transform",
		Runnable:     &model.CommandSpec{Command: "echo transform"},
		Timeout:      30 * time.Second,
		RetryLimit:   2,
		RetryDelay:   time.Second,
		Priority:     model.TaskPriorityHigh,
		Dependencies: []string{"fetch"},
	}

	state := NewState()
	state.Tasks[desc.Name] = RecordFromDescriptor(desc)
	state.ExecutionHistory = []HistoryRecord{
		RecordFromResult(&model.TaskResult{
			AttemptID: "a1",
			TaskName:  "fetch",
			Status:    model.TaskStatusCompleted,
			Attempt:   1,
			StartTime: start,
			EndTime:   start.Add(1500 * time.Millisecond),
			Duration:  1500 * time.Millisecond,
			ExitCode:  model.IntPtr(0),
		}),
		RecordFromResult(&model.TaskResult{
			AttemptID:    "a2",
			TaskName:     "transform",
			Status:       model.TaskStatusFailed,
			Attempt:      1,
			StartTime:    start.Add(2 * time.Second),
			EndTime:      start.Add(2*time.Second + 250*time.Millisecond),
			Duration:     250 * time.Millisecond,
			ErrorMessage: "exit status 1",
			ResourceUsage: &model.ResourceUsage{
				CPUPercent: 12.5,
				MemoryMB:   64,
			},
		}),
	}
	state.LastSaved = start.Add(time.Minute)
	return state
}

func assertRoundTrip(t *testing.T, want, got *State) {
	t.Helper()

	require.Len(t, got.ExecutionHistory, len(want.ExecutionHistory))
	for i := range want.ExecutionHistory {
		w, g := want.ExecutionHistory[i], got.ExecutionHistory[i]
		assert.Equal(t, w.TaskName, g.TaskName)
		assert.Equal(t, w.Status, g.Status)
		assert.Equal(t, w.Duration, g.Duration)
		assert.Equal(t, w.ErrorMessage, g.ErrorMessage)
		assert.Equal(t, w.ExitCode, g.ExitCode)
		assert.Equal(t, w.ResourceUsage, g.ResourceUsage)
		assert.True(t, w.StartTime.Equal(g.StartTime))
	}

	require.Contains(t, got.Tasks, "transform")
	desc := got.Tasks["transform"].Descriptor()
	assert.Equal(t, 30*time.Second, desc.Timeout)
	assert.Equal(t, 2, desc.RetryLimit)
	assert.Equal(t, []string{"fetch"}, desc.Dependencies)
	assert.Equal(t, model.TaskPriorityHigh, desc.Priority)
	require.IsType(t, &model.CommandSpec{}, desc.Runnable)
	assert.Equal(t, "echo transform", desc.Runnable.(*model.CommandSpec).Command)
	assert.True(t, want.LastSaved.Equal(got.LastSaved))
}

func TestJSONFileStore(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		store := NewJSONFileStore(filepath.Join(t.TempDir(), "state.json"), logger)
		want := sampleState()

		require.NoError(t, store.Save(ctx, want))
		got, err := store.Load(ctx)
		require.NoError(t, err)
		assertRoundTrip(t, want, got)
	})

	t.Run("MissingFile", func(t *testing.T) {
		store := NewJSONFileStore(filepath.Join(t.TempDir(), "missing.json"), logger)
		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, got.ExecutionHistory)
		assert.Empty(t, got.Tasks)
	})

	t.Run("CorruptFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "corrupt.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		got, err := NewJSONFileStore(path, logger).Load(ctx)
		assert.ErrorIs(t, err, ErrCorruptState)
		require.NotNil(t, got)
		assert.Empty(t, got.ExecutionHistory)
	})

	t.Run("UnknownFieldsIgnored", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "extra.json")
		doc := `{"tasks":{},"execution_history":[{"task_name":"a","status":"completed","duration":0.001,"shiny":true}],"version":7}`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		got, err := NewJSONFileStore(path, logger).Load(ctx)
		require.NoError(t, err)
		require.Len(t, got.ExecutionHistory, 1)
		assert.Equal(t, time.Millisecond, got.ExecutionHistory[0].Duration)
	})

	t.Run("DurationInSeconds", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "seconds.json")
		store := NewJSONFileStore(path, logger)
		require.NoError(t, store.Save(ctx, sampleState()))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"duration": 1.5`)
		assert.Contains(t, string(data), `"duration": 0.25`)
	})

	t.Run("ExecutionTimeAndNaiveTimestamps", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "legacy.json")
		doc := `{
  "tasks": {},
  "execution_history": [
    {"task_name": "fetch", "status": "completed", "execution_time": 2.5, "timestamp": "2024-05-01T10:00:02.500000", "exit_code": 0},
    {"task_name": "parse", "status": "failed", "execution_time": 0.125, "timestamp": "2024-05-01T10:00:03", "exit_code": null, "error_message": "boom"}
  ]
}`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		got, err := NewJSONFileStore(path, logger).Load(ctx)
		require.NoError(t, err)
		require.Len(t, got.ExecutionHistory, 2)

		first := got.ExecutionHistory[0]
		assert.Equal(t, 2500*time.Millisecond, first.Duration)
		assert.True(t, time.Date(2024, 5, 1, 10, 0, 2, 500_000_000, time.Local).Equal(first.Timestamp))

		res := first.Result()
		assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local).Equal(res.StartTime))
		assert.Equal(t, model.TaskStatusCompleted, res.Status)

		second := got.ExecutionHistory[1]
		assert.Equal(t, 125*time.Millisecond, second.Duration)
		assert.Nil(t, second.ExitCode)
		assert.Equal(t, "boom", second.ErrorMessage)
	})

	t.Run("BadTimestamp", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "badtime.json")
		doc := `{"execution_history":[{"task_name":"a","status":"completed","timestamp":"yesterday"}]}`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		_, err := NewJSONFileStore(path, logger).Load(ctx)
		assert.ErrorIs(t, err, ErrCorruptState)
	})

	t.Run("CreatesDirectory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
		require.NoError(t, NewJSONFileStore(path, logger).Save(ctx, NewState()))
		_, err := os.Stat(path)
		assert.NoError(t, err)
	})
}

func TestSQLiteStore(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := NewSQLiteStore(path, logger)
	require.NoError(t, err)

	t.Run("EmptyDatabase", func(t *testing.T) {
		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, got.ExecutionHistory)
		assert.True(t, got.LastSaved.IsZero())
	})

	t.Run("RoundTrip", func(t *testing.T) {
		want := sampleState()
		require.NoError(t, store.Save(ctx, want))

		got, err := store.Load(ctx)
		require.NoError(t, err)
		assertRoundTrip(t, want, got)
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		state := sampleState()
		state.ExecutionHistory = state.ExecutionHistory[:1]
		require.NoError(t, store.Save(ctx, state))

		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, got.ExecutionHistory, 1)
	})

	t.Run("Reopen", func(t *testing.T) {
		require.NoError(t, store.Close())

		reopened, err := NewSQLiteStore(path, logger)
		require.NoError(t, err)
		defer reopened.Close()

		got, err := reopened.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, got.ExecutionHistory, 1)
	})
}

func TestOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	store, err := Open(filepath.Join(dir, "state.json"), logger)
	require.NoError(t, err)
	assert.IsType(t, &JSONFileStore{}, store)

	store, err = Open(filepath.Join(dir, "state.sqlite"), logger)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	assert.NoError(t, store.Close())
}

func TestHistoryRecordResult(t *testing.T) {
	end := time.Date(2024, 5, 1, 10, 0, 2, 0, time.UTC)
	rec := HistoryRecord{
		TaskName:  "legacy",
		Status:    model.TaskStatusCompleted,
		Timestamp: end,
		Duration:  2 * time.Second,
	}

	res := rec.Result()
	assert.Equal(t, end.Add(-2*time.Second), res.StartTime)
	assert.Equal(t, end, res.EndTime)
	assert.Equal(t, 2*time.Second, res.Duration)
}
