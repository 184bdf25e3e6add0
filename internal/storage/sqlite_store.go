package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

const lastSavedKey = "last_saved"

// SQLiteStore keeps the snapshot in a SQLite database
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduler_tasks (
			name TEXT PRIMARY KEY,
			descriptor TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS task_history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_id TEXT,
			task_name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			exit_code INTEGER,
			error TEXT,
			resource_usage TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_name ON task_history(task_name);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE TABLE IF NOT EXISTS scheduler_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Save replaces the stored snapshot in a single transaction
func (s *SQLiteStore) Save(ctx context.Context, state *State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduler_tasks`); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	for name, rec := range state.Tasks {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal task %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scheduler_tasks (name, descriptor) VALUES (?, ?)`,
			name, string(data)); err != nil {
			return fmt.Errorf("failed to store task %s: %w", name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_history`); err != nil {
		return fmt.Errorf("failed to clear task history: %w", err)
	}
	for _, h := range state.ExecutionHistory {
		var exitCode sql.NullInt64
		if h.ExitCode != nil {
			exitCode = sql.NullInt64{Int64: int64(*h.ExitCode), Valid: true}
		}
		var usage sql.NullString
		if h.ResourceUsage != nil {
			data, err := json.Marshal(h.ResourceUsage)
			if err != nil {
				return fmt.Errorf("failed to marshal resource usage: %w", err)
			}
			usage = sql.NullString{String: string(data), Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_history (
				attempt_id, task_name, status, attempt, started_at,
				completed_at, duration, exit_code, error, resource_usage
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.AttemptID,
			h.TaskName,
			string(h.Status),
			h.Attempt,
			h.StartTime.UTC(),
			h.Timestamp.UTC(),
			int64(h.Duration),
			exitCode,
			h.ErrorMessage,
			usage,
		)
		if err != nil {
			return fmt.Errorf("failed to store task history: %w", err)
		}
	}

	lastSaved := state.LastSaved
	if lastSaved.IsZero() {
		lastSaved = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scheduler_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastSavedKey, lastSaved.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to store metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Load reads the stored snapshot. Rows that cannot be decoded are skipped.
func (s *SQLiteStore) Load(ctx context.Context) (*State, error) {
	state := NewState()

	if err := s.loadTasks(ctx, state); err != nil {
		return NewState(), err
	}
	if err := s.loadHistory(ctx, state); err != nil {
		return NewState(), err
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM scheduler_meta WHERE key = ?`, lastSavedKey).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return NewState(), fmt.Errorf("failed to get metadata: %w", err)
	default:
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			state.LastSaved = t
		}
	}

	return state, nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context, state *State) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, descriptor FROM scheduler_tasks`)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return fmt.Errorf("failed to scan task: %w", err)
		}
		var rec TaskRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			s.logger.Warn("Skipping undecodable task record",
				zap.String("task", name),
				zap.Error(err))
			continue
		}
		state.Tasks[name] = rec
	}
	return rows.Err()
}

func (s *SQLiteStore) loadHistory(ctx context.Context, state *State) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, task_name, status, attempt, started_at,
			completed_at, duration, exit_code, error, resource_usage
		FROM task_history
		ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			h           HistoryRecord
			attemptID   sql.NullString
			status      string
			attempt     sql.NullInt64
			completedAt sql.NullTime
			duration    sql.NullInt64
			exitCode    sql.NullInt64
			errMsg      sql.NullString
			usage       sql.NullString
		)
		if err := rows.Scan(
			&attemptID,
			&h.TaskName,
			&status,
			&attempt,
			&h.StartTime,
			&completedAt,
			&duration,
			&exitCode,
			&errMsg,
			&usage,
		); err != nil {
			return fmt.Errorf("failed to scan task history: %w", err)
		}

		h.AttemptID = attemptID.String
		h.Status = model.TaskStatus(status)
		h.Attempt = int(attempt.Int64)
		h.Duration = time.Duration(duration.Int64)
		h.ErrorMessage = errMsg.String
		if completedAt.Valid {
			h.Timestamp = completedAt.Time
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			h.ExitCode = &code
		}
		if usage.Valid && usage.String != "" {
			var ru model.ResourceUsage
			if err := json.Unmarshal([]byte(usage.String), &ru); err == nil {
				h.ResourceUsage = &ru
			}
		}
		state.ExecutionHistory = append(state.ExecutionHistory, h)
	}
	return rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
