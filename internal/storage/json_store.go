package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// JSONFileStore keeps the snapshot in a single JSON document
type JSONFileStore struct {
	logger *zap.Logger
	path   string
	mu     sync.Mutex
}

// NewJSONFileStore creates a store backed by the file at path
func NewJSONFileStore(path string, logger *zap.Logger) *JSONFileStore {
	return &JSONFileStore{
		logger: logger.Named("json-store"),
		path:   path,
	}
}

// Path returns the backing file
func (s *JSONFileStore) Path() string {
	return s.path
}

// Save writes the snapshot to a temporary file and renames it into place
func (s *JSONFileStore) Save(ctx context.Context, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	s.logger.Debug("State saved",
		zap.String("path", s.path),
		zap.Int("history", len(state.ExecutionHistory)))
	return nil
}

// Load reads the snapshot. A missing file yields an empty State; an undecodable one
// yields an empty State and an error wrapping ErrCorruptState.
func (s *JSONFileStore) Load(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return NewState(), fmt.Errorf("failed to read state file: %w", err)
	}

	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return NewState(), fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state.Tasks == nil {
		state.Tasks = make(map[string]TaskRecord)
	}
	return state, nil
}

// Close implements StateStore
func (s *JSONFileStore) Close() error {
	return nil
}
