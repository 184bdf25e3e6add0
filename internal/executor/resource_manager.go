package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultSlotWait bounds how long AcquireSlot waits for a free slot
const DefaultSlotWait = 30 * time.Second

// ActiveTask is a handle on one running attempt
type ActiveTask struct {
	ID        string
	Name      string
	StartedAt time.Time
	cancel    context.CancelCauseFunc
}

// ResourceManager bounds concurrent execution and tracks running attempts
type ResourceManager struct {
	logger   *zap.Logger
	maxTasks int
	slotWait time.Duration
	slots    *semaphore.Weighted

	mu     sync.RWMutex
	active map[string]*ActiveTask
	inUse  int
	peak   int
}

// NewResourceManager creates a resource manager with maxTasks slots
func NewResourceManager(maxTasks int, slotWait time.Duration, logger *zap.Logger) *ResourceManager {
	if maxTasks <= 0 {
		maxTasks = 1
	}
	if slotWait <= 0 {
		slotWait = DefaultSlotWait
	}
	return &ResourceManager{
		logger:   logger.Named("resource-manager"),
		maxTasks: maxTasks,
		slotWait: slotWait,
		slots:    semaphore.NewWeighted(int64(maxTasks)),
		active:   make(map[string]*ActiveTask),
	}
}

// AcquireSlot blocks until a slot is free, the bounded wait elapses, or ctx ends.
// It returns false without holding a slot in the latter two cases.
func (rm *ResourceManager) AcquireSlot(ctx context.Context, taskName string) bool {
	waitCtx, cancel := context.WithTimeout(ctx, rm.slotWait)
	defer cancel()

	if err := rm.slots.Acquire(waitCtx, 1); err != nil {
		rm.logger.Warn("Failed to acquire execution slot",
			zap.String("task", taskName),
			zap.Duration("wait", rm.slotWait),
			zap.Error(err))
		return false
	}

	rm.mu.Lock()
	rm.inUse++
	if rm.inUse > rm.peak {
		rm.peak = rm.inUse
	}
	rm.mu.Unlock()
	return true
}

// ReleaseSlot returns a slot. Call exactly once per successful AcquireSlot.
func (rm *ResourceManager) ReleaseSlot() {
	rm.mu.Lock()
	rm.inUse--
	rm.mu.Unlock()
	rm.slots.Release(1)
}

// RegisterActiveTask records a running attempt and the function that cancels it
func (rm *ResourceManager) RegisterActiveTask(id, name string, cancel context.CancelCauseFunc) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.active[id] = &ActiveTask{
		ID:        id,
		Name:      name,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	rm.logger.Debug("Task registered as active",
		zap.String("task", name),
		zap.String("attempt_id", id))
}

// UnregisterActiveTask forgets a running attempt
func (rm *ResourceManager) UnregisterActiveTask(id string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.active, id)
}

// ActiveTaskCount returns the number of registered attempts
func (rm *ResourceManager) ActiveTaskCount() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.active)
}

// ActiveTasks returns the names of running tasks, sorted
func (rm *ResourceManager) ActiveTasks() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	names := make([]string, 0, len(rm.active))
	for _, t := range rm.active {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// CancelAllTasks signals every running attempt and returns how many were signalled.
// It does not wait for the attempts to finish.
func (rm *ResourceManager) CancelAllTasks() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	for _, t := range rm.active {
		t.cancel(ErrCancelled)
		rm.logger.Info("Cancelled task",
			zap.String("task", t.Name),
			zap.String("attempt_id", t.ID))
	}
	return len(rm.active)
}

// InUse returns the number of slots currently held
func (rm *ResourceManager) InUse() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.inUse
}

// PeakInUse returns the highest number of slots held at once
func (rm *ResourceManager) PeakInUse() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.peak
}

// Capacity returns the slot count
func (rm *ResourceManager) Capacity() int {
	return rm.maxTasks
}
