package handler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// FileOperationType defines the type of file operation
type FileOperationType string

const (
	FileOperationRead   FileOperationType = "read"
	FileOperationWrite  FileOperationType = "write"
	FileOperationDelete FileOperationType = "delete"
	FileOperationMove   FileOperationType = "move"
	FileOperationCopy   FileOperationType = "copy"
)

// FileOperation describes the work of a file step. Paths are relative to the base directory.
type FileOperation struct {
	Operation   FileOperationType `yaml:"operation" json:"operation"`
	Source      string            `yaml:"source" json:"source"`
	Target      string            `yaml:"target" json:"target,omitempty"`
	Content     string            `yaml:"content" json:"content,omitempty"`
	Permissions os.FileMode       `yaml:"permissions" json:"permissions,omitempty"`
}

// Validate checks the operation before it is bound to a task
func (op *FileOperation) Validate() error {
	if op.Source == "" {
		return fmt.Errorf("file source is required")
	}
	switch op.Operation {
	case FileOperationRead, FileOperationWrite, FileOperationDelete:
	case FileOperationMove, FileOperationCopy:
		if op.Target == "" {
			return fmt.Errorf("file %s requires a target", op.Operation)
		}
	default:
		return fmt.Errorf("unsupported file operation: %q", op.Operation)
	}
	return nil
}

// FileOperationHandler performs file operations confined to a base directory
type FileOperationHandler struct {
	logger  *zap.Logger
	baseDir string
}

// NewFileOperationHandler creates a new file operation handler rooted at baseDir
func NewFileOperationHandler(logger *zap.Logger, baseDir string) (*FileOperationHandler, error) {
	if baseDir == "" {
		baseDir = "."
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	return &FileOperationHandler{
		logger:  logger.Named("file"),
		baseDir: abs,
	}, nil
}

// resolve joins path to the base directory and rejects paths that escape it
func (h *FileOperationHandler) resolve(path string) (string, error) {
	full := filepath.Clean(filepath.Join(h.baseDir, path))
	rel, err := filepath.Rel(h.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path must be within base directory: %s", path)
	}
	return full, nil
}

// Callback returns a task body performing op. Reads return the file content as output.
func (h *FileOperationHandler) Callback(op FileOperation) model.CallbackFunc {
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		source, err := h.resolve(op.Source)
		if err != nil {
			return "", err
		}
		var target string
		if op.Target != "" {
			if target, err = h.resolve(op.Target); err != nil {
				return "", err
			}
		}

		h.logger.Info("Executing file operation",
			zap.String("operation", string(op.Operation)),
			zap.String("source", source),
			zap.String("target", target))

		switch op.Operation {
		case FileOperationRead:
			data, err := os.ReadFile(source)
			return string(data), err
		case FileOperationWrite:
			return "", writeFile(source, []byte(op.Content), op.Permissions)
		case FileOperationDelete:
			return "", os.Remove(source)
		case FileOperationMove:
			return "", moveFile(source, target)
		case FileOperationCopy:
			return "", copyFile(source, target)
		default:
			return "", fmt.Errorf("unsupported file operation: %q", op.Operation)
		}
	}
}

func writeFile(path string, content []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, content, perm)
}

func moveFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	return os.Rename(source, target)
}

func copyFile(source, target string) error {
	sourceFile, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to get source file info: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	targetFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, sourceInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer targetFile.Close()

	if _, err = io.Copy(targetFile, sourceFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return targetFile.Close()
}
