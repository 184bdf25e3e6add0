package scheduler

import (
	"errors"

	"github.com/t77yq/task-scheduler/internal/executor"
)

var (
	// ErrTaskNotFound is returned when a task is not registered
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoExecutor is returned when no executor is bound to a task
	ErrNoExecutor = errors.New("no executor bound to task")

	// ErrCircularDependency is returned when a circular dependency is detected
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrUnknownDependency is returned when a task depends on an unregistered task
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrUnknownExecutionMode is returned for an unsupported execution mode
	ErrUnknownExecutionMode = errors.New("unknown execution mode")

	// ErrInvalidTask is returned when a descriptor fails validation
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskCancelled is the cause attached to attempts cancelled by CancelAllTasks
	ErrTaskCancelled = executor.ErrCancelled

	// ErrSchedulerClosed is returned once Close has been called
	ErrSchedulerClosed = errors.New("scheduler closed")
)

const (
	msgDependencyFailed = "dependency failed"
	msgNoResource       = "could not acquire execution resource"
)
