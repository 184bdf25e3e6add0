package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// ErrCorruptState is returned when a persisted state cannot be decoded
var ErrCorruptState = errors.New("corrupt scheduler state")

// StateStore persists scheduler snapshots
type StateStore interface {
	// Save replaces the persisted snapshot with state
	Save(ctx context.Context, state *State) error

	// Load returns the persisted snapshot. A missing snapshot yields an empty State.
	Load(ctx context.Context) (*State, error)

	// Close releases the store's resources
	Close() error
}

// State is the persisted snapshot of a scheduler
type State struct {
	Tasks            map[string]TaskRecord `json:"tasks"`
	ExecutionHistory []HistoryRecord       `json:"execution_history"`
	LastSaved        time.Time             `json:"last_saved"`
}

// NewState creates an empty snapshot
func NewState() *State {
	return &State{
		Tasks:            make(map[string]TaskRecord),
		ExecutionHistory: []HistoryRecord{},
	}
}

// TaskRecord is the serialized form of a TaskDescriptor
type TaskRecord struct {
	Name         string               `json:"name"`
	Kind         model.RunnableKind   `json:"kind,omitempty"`
	Command      *model.CommandSpec   `json:"command,omitempty"`
	Container    *model.ContainerSpec `json:"container,omitempty"`
	WorkingDir   string               `json:"working_dir,omitempty"`
	Env          map[string]string    `json:"env,omitempty"`
	Timeout      time.Duration        `json:"timeout"`
	RetryLimit   int                  `json:"retry_limit"`
	RetryDelay   time.Duration        `json:"retry_delay"`
	Priority     model.TaskPriority   `json:"priority,omitempty"`
	Dependencies []string             `json:"dependencies,omitempty"`
	Hints        model.ResourceHints  `json:"resource_hints,omitempty"`
}

// RecordFromDescriptor serializes a descriptor
func RecordFromDescriptor(d *model.TaskDescriptor) TaskRecord {
	rec := TaskRecord{
		Name:         d.Name,
		WorkingDir:   d.WorkingDir,
		Env:          d.Env,
		Timeout:      d.Timeout,
		RetryLimit:   d.RetryLimit,
		RetryDelay:   d.RetryDelay,
		Priority:     d.Priority,
		Dependencies: d.Dependencies,
		Hints:        d.Hints,
	}
	if d.Runnable != nil {
		rec.Kind = d.Runnable.Kind()
	}
	switch r := d.Runnable.(type) {
	case *model.CommandSpec:
		rec.Command = r
	case *model.ContainerSpec:
		rec.Container = r
	}
	return rec
}

// Descriptor rebuilds a descriptor. Callback bodies cannot be restored and come back nil.
func (r TaskRecord) Descriptor() *model.TaskDescriptor {
	d := &model.TaskDescriptor{
		Name:         r.Name,
		WorkingDir:   r.WorkingDir,
		Env:          r.Env,
		Timeout:      r.Timeout,
		RetryLimit:   r.RetryLimit,
		RetryDelay:   r.RetryDelay,
		Priority:     r.Priority,
		Dependencies: r.Dependencies,
		Hints:        r.Hints,
	}
	switch {
	case r.Command != nil:
		d.Runnable = r.Command
	case r.Container != nil:
		d.Runnable = r.Container
	}
	return d
}

// HistoryRecord is the serialized form of one attempt. Its JSON form is historyJSON.
type HistoryRecord struct {
	AttemptID     string
	TaskName      string
	Status        model.TaskStatus
	Attempt       int
	Timestamp     time.Time
	StartTime     time.Time
	Duration      time.Duration
	ExitCode      *int
	ErrorMessage  string
	ResourceUsage *model.ResourceUsage
}

// RecordFromResult serializes an attempt. Captured output is not persisted.
func RecordFromResult(r *model.TaskResult) HistoryRecord {
	return HistoryRecord{
		AttemptID:     r.AttemptID,
		TaskName:      r.TaskName,
		Status:        r.Status,
		Attempt:       r.Attempt,
		Timestamp:     r.EndTime,
		StartTime:     r.StartTime,
		Duration:      r.Duration,
		ExitCode:      r.ExitCode,
		ErrorMessage:  r.ErrorMessage,
		ResourceUsage: r.ResourceUsage,
	}
}

// historyJSON is the document form of a HistoryRecord. Durations are float seconds;
// execution_time is accepted as an alias of duration.
type historyJSON struct {
	AttemptID     string               `json:"attempt_id,omitempty"`
	TaskName      string               `json:"task_name"`
	Status        model.TaskStatus     `json:"status"`
	Attempt       int                  `json:"attempt,omitempty"`
	Timestamp     isoTime              `json:"timestamp"`
	StartTime     isoTime              `json:"start_time"`
	Duration      *float64             `json:"duration,omitempty"`
	ExecutionTime *float64             `json:"execution_time,omitempty"`
	ExitCode      *int                 `json:"exit_code"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	ResourceUsage *model.ResourceUsage `json:"resource_usage,omitempty"`
}

// MarshalJSON writes the duration as float seconds
func (h HistoryRecord) MarshalJSON() ([]byte, error) {
	seconds := h.Duration.Seconds()
	return json.Marshal(historyJSON{
		AttemptID:     h.AttemptID,
		TaskName:      h.TaskName,
		Status:        h.Status,
		Attempt:       h.Attempt,
		Timestamp:     isoTime{h.Timestamp},
		StartTime:     isoTime{h.StartTime},
		Duration:      &seconds,
		ExitCode:      h.ExitCode,
		ErrorMessage:  h.ErrorMessage,
		ResourceUsage: h.ResourceUsage,
	})
}

// UnmarshalJSON reads records written by this package as well as records carrying
// execution_time and timestamps without a zone
func (h *HistoryRecord) UnmarshalJSON(data []byte) error {
	var doc historyJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	seconds := doc.Duration
	if seconds == nil {
		seconds = doc.ExecutionTime
	}

	*h = HistoryRecord{
		AttemptID:     doc.AttemptID,
		TaskName:      doc.TaskName,
		Status:        doc.Status,
		Attempt:       doc.Attempt,
		Timestamp:     doc.Timestamp.Time,
		StartTime:     doc.StartTime.Time,
		ExitCode:      doc.ExitCode,
		ErrorMessage:  doc.ErrorMessage,
		ResourceUsage: doc.ResourceUsage,
	}
	if seconds != nil {
		h.Duration = secondsToDuration(*seconds)
	}
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	ns := math.Round(seconds * float64(time.Second))
	switch {
	case math.IsNaN(ns) || ns <= 0:
		return 0
	case ns >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// naiveLayout is an ISO 8601 timestamp without a zone, read as local time
const naiveLayout = "2006-01-02T15:04:05.999999999"

type isoTime struct {
	time.Time
}

func (t isoTime) MarshalJSON() ([]byte, error) {
	return t.Time.MarshalJSON()
}

func (t *isoTime) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil || *raw == "" {
		t.Time = time.Time{}
		return nil
	}

	parsed, err := time.Parse(time.RFC3339Nano, *raw)
	if err != nil {
		parsed, err = time.ParseInLocation(naiveLayout, *raw, time.Local)
		if err != nil {
			return fmt.Errorf("failed to parse timestamp %q: %w", *raw, err)
		}
	}
	t.Time = parsed
	return nil
}

// Result rebuilds the attempt from its record
func (h HistoryRecord) Result() *model.TaskResult {
	start := h.StartTime
	if start.IsZero() {
		start = h.Timestamp.Add(-h.Duration)
	}
	end := h.Timestamp
	if end.IsZero() {
		end = start.Add(h.Duration)
	}
	return &model.TaskResult{
		AttemptID:     h.AttemptID,
		TaskName:      h.TaskName,
		Status:        h.Status,
		Attempt:       h.Attempt,
		StartTime:     start,
		EndTime:       end,
		Duration:      h.Duration,
		ExitCode:      h.ExitCode,
		ErrorMessage:  h.ErrorMessage,
		ResourceUsage: h.ResourceUsage,
	}
}

// Open picks a store by file extension: .db, .sqlite and .sqlite3 use SQLite, anything else JSON
func Open(path string, logger *zap.Logger) (StateStore, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return NewSQLiteStore(path, logger)
	default:
		return NewJSONFileStore(path, logger), nil
	}
}
