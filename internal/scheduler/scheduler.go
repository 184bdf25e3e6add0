package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/executor"
	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/storage"
)

const (
	// interruptGrace is how long an interrupted executor gets to hand back its output
	interruptGrace = time.Second
	loadTimeout    = 10 * time.Second
	saveTimeout    = 30 * time.Second
)

// ResultObserver is notified after every recorded attempt. Implementations must not block.
type ResultObserver interface {
	ObserveResult(result *model.TaskResult)
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithStore overrides the state store built from the configuration
func WithStore(store storage.StateStore) Option {
	return func(s *Scheduler) {
		s.store = store
	}
}

// WithRetryStrategy replaces the FixedDelay retry strategy
func WithRetryStrategy(strategy RetryStrategy) Option {
	return func(s *Scheduler) {
		s.retry = strategy
	}
}

// WithObserver registers a result observer
func WithObserver(observer ResultObserver) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, observer)
	}
}

// WithContainerRuntime enables container tasks
func WithContainerRuntime(api executor.ContainerAPI) Option {
	return func(s *Scheduler) {
		s.containers = api
	}
}

type registration struct {
	desc *model.TaskDescriptor
	exec executor.TaskExecutor
}

// Scheduler owns the task registry and execution history and drives execution
type Scheduler struct {
	logger     *zap.Logger
	config     model.SchedulerConfig
	resources  *executor.ResourceManager
	sampler    *executor.Sampler
	containers executor.ContainerAPI
	retry      RetryStrategy
	store      storage.StateStore

	mu      sync.RWMutex
	tasks   map[string]*registration
	history []*model.TaskResult

	observersMu sync.RWMutex
	observers   []ResultObserver

	saveSeq     atomic.Uint64
	saveMu      sync.Mutex
	lastWritten uint64
	saves       sync.WaitGroup

	// root ends every run when the scheduler closes
	root context.Context
	stop context.CancelCauseFunc
	runs sync.WaitGroup

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a scheduler and restores persisted history when persistence is enabled
func New(config model.SchedulerConfig, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if config.NonZeroExitPolicy == "" {
		config.NonZeroExitPolicy = model.NonZeroExitCompleted
	}
	if config.ExecutionMode == "" {
		config.ExecutionMode = model.ExecutionModeSequential
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = model.DefaultSchedulerConfig().HistoryLimit
	}
	if config.PersistenceTail <= 0 {
		config.PersistenceTail = config.HistoryLimit
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	s := &Scheduler{
		logger:    logger.Named("scheduler"),
		config:    config,
		resources: executor.NewResourceManager(config.MaxConcurrentTasks, config.SlotWaitTimeout, logger),
		sampler:   executor.NewSampler(config.ResourceMonitoring, logger),
		retry:     FixedDelay{},
		tasks:     make(map[string]*registration),
	}
	s.root, s.stop = context.WithCancelCause(context.Background())
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil && config.PersistenceEnabled {
		store, err := storage.Open(config.PersistencePath, logger)
		if err != nil {
			s.stop(ErrSchedulerClosed)
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		s.store = store
	}
	if s.store != nil {
		s.loadState()
	}

	s.logger.Info("Scheduler created",
		zap.Int("max_concurrent_tasks", config.MaxConcurrentTasks),
		zap.String("execution_mode", string(config.ExecutionMode)),
		zap.Bool("auto_retry", config.AutoRetryFailedTasks),
		zap.Bool("persistence", s.store != nil))

	return s, nil
}

// Config returns the configuration the scheduler was built with
func (s *Scheduler) Config() model.SchedulerConfig {
	return s.config
}

// AddObserver registers a result observer
func (s *Scheduler) AddObserver(observer ResultObserver) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, observer)
}

// Register adds or replaces a task. When exec is nil an executor is built from the
// descriptor's runnable; a descriptor without one is registered but cannot run.
func (s *Scheduler) Register(desc *model.TaskDescriptor, exec executor.TaskExecutor) error {
	if desc == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidTask)
	}
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	task := desc.Clone()
	if task.Timeout == 0 {
		task.Timeout = s.config.DefaultTimeout
	}
	if task.Priority == "" {
		task.Priority = model.TaskPriorityMedium
	}

	if exec == nil && task.Runnable != nil {
		built, err := executor.New(task, executor.Options{
			ExitPolicy: s.config.NonZeroExitPolicy,
			Sampler:    s.sampler,
			Containers: s.containers,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to build executor: %w", err)
		}
		exec = built
	}

	s.mu.Lock()
	_, replaced := s.tasks[task.Name]
	s.tasks[task.Name] = &registration{desc: task, exec: exec}
	state := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("Task registered",
		zap.String("task", task.Name),
		zap.Strings("dependencies", task.Dependencies),
		zap.String("priority", string(task.Priority)),
		zap.Bool("replaced", replaced))

	s.saveAsync(state)
	return nil
}

// Unregister removes a task, reporting whether it was registered
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	_, ok := s.tasks[name]
	delete(s.tasks, name)
	state := s.snapshotLocked()
	s.mu.Unlock()

	if ok {
		s.saveAsync(state)
	}
	return ok
}

// Task returns a copy of a registered descriptor
func (s *Scheduler) Task(name string) (*model.TaskDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.tasks[name]
	if !ok {
		return nil, false
	}
	return reg.desc.Clone(), true
}

// Tasks returns the registered task names, sorted
func (s *Scheduler) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteTask runs one task after its dependencies. Configuration errors are returned
// as errors; every execution outcome, including failure, is returned as a result.
func (s *Scheduler) ExecuteTask(ctx context.Context, name string) (*model.TaskResult, error) {
	ctx, done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	r, err := s.newRun([]string{name})
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, name), nil
}

// ExecuteTasks runs names under mode, or the configured mode when mode is empty
func (s *Scheduler) ExecuteTasks(ctx context.Context, names []string, mode model.ExecutionMode) ([]*model.TaskResult, error) {
	if mode == "" {
		mode = s.config.ExecutionMode
	}
	strategy, err := strategyFor(mode)
	if err != nil {
		return nil, err
	}

	ctx, done, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	r, err := s.newRun(names)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Executing batch",
		zap.String("mode", string(mode)),
		zap.Strings("tasks", names))

	return strategy(ctx, r, names), nil
}

// Plan returns a dependency-respecting execution order for names and their dependencies
func (s *Scheduler) Plan(names []string) ([]string, error) {
	s.mu.RLock()
	graph := newDependencyGraph(s.descriptorsLocked())
	s.mu.RUnlock()

	return graph.plan(names)
}

// CancelAllTasks signals every running attempt and returns how many were signalled
func (s *Scheduler) CancelAllTasks() int {
	n := s.resources.CancelAllTasks()
	s.logger.Info("Cancellation requested", zap.Int("tasks", n))
	return n
}

// ActiveTasks returns the names of the tasks currently running
func (s *Scheduler) ActiveTasks() []string {
	return s.resources.ActiveTasks()
}

// PeakConcurrency returns the highest number of attempts that held a slot at once
func (s *Scheduler) PeakConcurrency() int {
	return s.resources.PeakInUse()
}

// History returns a copy of the execution history, oldest first
func (s *Scheduler) History() []model.TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TaskResult, len(s.history))
	for i, r := range s.history {
		out[i] = *r
	}
	return out
}

// LastStatus returns the status of the most recent recorded attempt of name
func (s *Scheduler) LastStatus(name string) (model.TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].TaskName == name {
			return s.history[i].Status, true
		}
	}
	return "", false
}

// Flush waits for in-flight state saves
func (s *Scheduler) Flush() {
	s.saves.Wait()
}

// Close cancels running, queued and retrying work, waits for in-flight runs and
// pending saves, writes a final snapshot and closes the store. The scheduler rejects
// new work afterwards.
func (s *Scheduler) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()

		s.logger.Info("Closing scheduler", zap.Int("active_tasks", len(s.ActiveTasks())))
		s.stop(ErrSchedulerClosed)

		drained := make(chan struct{})
		go func() {
			s.runs.Wait()
			s.saves.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			err = fmt.Errorf("failed to drain scheduler: %w", ctx.Err())
			return
		}

		defer s.logger.Info("Scheduler closed")
		if s.store == nil {
			return
		}

		s.mu.RLock()
		state := s.snapshotLocked()
		s.mu.RUnlock()
		state.LastSaved = time.Now()

		if saveErr := s.store.Save(ctx, state); saveErr != nil {
			s.logger.Error("Failed to save scheduler state", zap.Error(saveErr))
		}
		if closeErr := s.store.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close state store: %w", closeErr)
		}
	})
	return err
}

// begin derives the context of one top-level call. It also ends when the scheduler
// closes, with ErrSchedulerClosed as its cause.
func (s *Scheduler) begin(parent context.Context) (context.Context, func(), error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, nil, ErrSchedulerClosed
	}
	s.runs.Add(1)

	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(s.root, func() {
		cancel(context.Cause(s.root))
	})
	return ctx, func() {
		stop()
		cancel(nil)
		s.runs.Done()
	}, nil
}

func (s *Scheduler) isClosed() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	return s.closed
}

// newRun snapshots the registry and validates the dependency closure of names
func (s *Scheduler) newRun(names []string) (*run, error) {
	if s.isClosed() {
		return nil, ErrSchedulerClosed
	}

	s.mu.RLock()
	tasks := make(map[string]*registration, len(s.tasks))
	for name, reg := range s.tasks {
		tasks[name] = reg
	}
	graph := newDependencyGraph(s.descriptorsLocked())
	s.mu.RUnlock()

	members, err := graph.closure(names)
	if err != nil {
		return nil, err
	}
	for _, name := range members {
		if tasks[name].exec == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoExecutor, name)
		}
	}

	return &run{
		scheduler: s,
		tasks:     tasks,
		memo:      make(map[string]*call),
	}, nil
}

func (s *Scheduler) descriptorsLocked() map[string]*model.TaskDescriptor {
	descs := make(map[string]*model.TaskDescriptor, len(s.tasks))
	for name, reg := range s.tasks {
		descs[name] = reg.desc
	}
	return descs
}

// run is the scope of one top-level call. Each task executes at most once per run.
type run struct {
	scheduler *Scheduler
	tasks     map[string]*registration

	mu   sync.Mutex
	memo map[string]*call
}

type call struct {
	done   chan struct{}
	result *model.TaskResult
}

// execute returns the final result of name, running it and its dependencies on first use
func (r *run) execute(ctx context.Context, name string) *model.TaskResult {
	r.mu.Lock()
	if c, ok := r.memo[name]; ok {
		r.mu.Unlock()
		<-c.done
		return c.result
	}
	c := &call{done: make(chan struct{})}
	r.memo[name] = c
	r.mu.Unlock()

	defer close(c.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.scheduler.logger.Error("Task execution panicked",
				zap.String("task", name),
				zap.Any("panic", rec))
			c.result = model.FailedResult(name, fmt.Sprintf("task execution panicked: %v", rec))
		}
	}()

	c.result = r.scheduler.executeWithDependencies(ctx, r, name)
	return c.result
}

func (s *Scheduler) executeWithDependencies(ctx context.Context, r *run, name string) *model.TaskResult {
	reg := r.tasks[name]

	for _, dep := range reg.desc.Dependencies {
		res := r.execute(ctx, dep)
		if !res.Succeeded() {
			s.logger.Warn("Dependency failed",
				zap.String("task", name),
				zap.String("dependency", dep),
				zap.String("status", string(res.Status)))
			return model.FailedResult(name, fmt.Sprintf("%s: %s", msgDependencyFailed, dep))
		}
	}

	return s.runAttempts(ctx, reg)
}

// runAttempts applies the retry policy around single attempts
func (s *Scheduler) runAttempts(ctx context.Context, reg *registration) *model.TaskResult {
	budget := 0
	if s.config.AutoRetryFailedTasks {
		budget = retryBudget(reg.desc.RetryLimit, s.config.MaxRetries)
	}

	for attempt := 1; ; attempt++ {
		result, executed := s.runAttempt(ctx, reg, attempt)
		if !executed || result.Status != model.TaskStatusFailed || attempt > budget {
			return result
		}

		delay := reg.desc.RetryDelay
		if delay == 0 {
			delay = s.config.RetryDelay
		}
		wait := s.retry.NextRetry(attempt, delay)

		s.logger.Info("Retrying task",
			zap.String("task", reg.desc.Name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", budget+1),
			zap.Duration("delay", wait))

		if !sleepContext(ctx, wait) {
			return cancelledResult(ctx, reg.desc.Name)
		}
	}
}

type executionOutcome struct {
	result *model.TaskResult
	err    error
}

// runAttempt holds a slot for exactly one attempt. executed is false when the
// executor was never invoked.
func (s *Scheduler) runAttempt(ctx context.Context, reg *registration, attempt int) (result *model.TaskResult, executed bool) {
	name := reg.desc.Name

	s.logger.Debug("Task pending",
		zap.String("task", name),
		zap.Int("attempt", attempt))

	if !s.resources.AcquireSlot(ctx, name) {
		if ctx.Err() != nil {
			return cancelledResult(ctx, name), false
		}
		return model.FailedResult(name, msgNoResource), false
	}
	defer s.resources.ReleaseSlot()

	if ctx.Err() != nil {
		return cancelledResult(ctx, name), false
	}

	attemptID := uuid.New().String()
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.resources.RegisterActiveTask(attemptID, name, cancel)
	defer s.resources.UnregisterActiveTask(attemptID)

	runCtx := attemptCtx
	if reg.desc.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(attemptCtx, reg.desc.Timeout)
		defer cancelTimeout()
	}

	start := time.Now()
	s.logger.Debug("Task running",
		zap.String("task", name),
		zap.String("attempt_id", attemptID),
		zap.Int("attempt", attempt))

	done := make(chan executionOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- executionOutcome{err: fmt.Errorf("executor panicked: %v", rec)}
			}
		}()
		res, err := reg.exec.Execute(runCtx)
		done <- executionOutcome{result: res, err: err}
	}()

	select {
	case outcome := <-done:
		result = s.normalize(name, start, outcome)
	case <-runCtx.Done():
		select {
		case outcome := <-done:
			result = s.normalize(name, start, outcome)
		case <-time.After(interruptGrace):
			result = model.NewResult(name, start)
		}
	}

	// Once the attempt context has ended, the interruption decides the status.
	if runCtx.Err() != nil {
		status, msg := executor.InterruptStatus(runCtx, reg.desc.Timeout)
		if result.Status != status {
			result.ExitCode = nil
			result.ErrorMessage = ""
			result.Finish(status, msg)
		}
	}

	result.AttemptID = attemptID
	result.Attempt = attempt
	s.record(result)
	return result, true
}

// normalize turns an executor outcome into a terminal result
func (s *Scheduler) normalize(name string, start time.Time, outcome executionOutcome) *model.TaskResult {
	if outcome.err != nil {
		s.logger.Error("Executor error",
			zap.String("task", name),
			zap.Error(outcome.err))
		return model.NewResult(name, start).Finish(model.TaskStatusFailed, outcome.err.Error())
	}
	if outcome.result == nil {
		return model.NewResult(name, start).Finish(model.TaskStatusFailed, "executor returned no result")
	}

	result := outcome.result
	result.TaskName = name
	if result.StartTime.IsZero() {
		result.StartTime = start
	}
	if !result.Status.Terminal() {
		result.Finish(model.TaskStatusCompleted, "")
	}
	if result.EndTime.IsZero() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}
	return result
}

// record appends result to the bounded history, notifies observers and persists
func (s *Scheduler) record(result *model.TaskResult) {
	entry := *result

	s.mu.Lock()
	s.history = append(s.history, &entry)
	if over := len(s.history) - s.config.HistoryLimit; over > 0 {
		n := copy(s.history, s.history[over:])
		for i := n; i < len(s.history); i++ {
			s.history[i] = nil
		}
		s.history = s.history[:n]
	}
	state := s.snapshotLocked()
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("task", result.TaskName),
		zap.String("status", string(result.Status)),
		zap.Int("attempt", result.Attempt),
		zap.Duration("duration", result.Duration),
	}
	if result.ErrorMessage != "" {
		fields = append(fields, zap.String("error", result.ErrorMessage))
	}
	if result.Succeeded() {
		s.logger.Info("Task completed", fields...)
	} else {
		s.logger.Warn("Task did not complete", fields...)
	}

	s.notify(&entry)
	s.saveAsync(state)
}

func (s *Scheduler) notify(result *model.TaskResult) {
	s.observersMu.RLock()
	observers := append([]ResultObserver(nil), s.observers...)
	s.observersMu.RUnlock()

	for _, o := range observers {
		snapshot := *result
		o.ObserveResult(&snapshot)
	}
}

// snapshotLocked copies the registry and the history tail. Returns nil without a store.
func (s *Scheduler) snapshotLocked() *storage.State {
	if s.store == nil {
		return nil
	}

	state := storage.NewState()
	for name, reg := range s.tasks {
		state.Tasks[name] = storage.RecordFromDescriptor(reg.desc)
	}

	tail := s.history
	if len(tail) > s.config.PersistenceTail {
		tail = tail[len(tail)-s.config.PersistenceTail:]
	}
	state.ExecutionHistory = make([]storage.HistoryRecord, len(tail))
	for i, r := range tail {
		state.ExecutionHistory[i] = storage.RecordFromResult(r)
	}
	return state
}

// saveAsync persists state on a detached goroutine. Saves that finish out of order
// never overwrite a newer snapshot.
func (s *Scheduler) saveAsync(state *storage.State) {
	if state == nil {
		return
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}

	seq := s.saveSeq.Add(1)
	s.saves.Add(1)
	go func() {
		defer s.saves.Done()

		s.saveMu.Lock()
		defer s.saveMu.Unlock()
		if seq < s.lastWritten {
			return
		}
		s.lastWritten = seq

		state.LastSaved = time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		if err := s.store.Save(ctx, state); err != nil {
			s.logger.Error("Failed to save scheduler state", zap.Error(err))
		}
	}()
}

// loadState restores history for introspection. Failures leave the history empty.
func (s *Scheduler) loadState() {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	state, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("Failed to load scheduler state, starting with empty history", zap.Error(err))
		return
	}
	if state == nil {
		return
	}

	records := state.ExecutionHistory
	if len(records) > s.config.HistoryLimit {
		records = records[len(records)-s.config.HistoryLimit:]
	}
	s.history = make([]*model.TaskResult, 0, len(records))
	for _, rec := range records {
		s.history = append(s.history, rec.Result())
	}

	s.logger.Info("Scheduler state loaded",
		zap.Int("history", len(s.history)),
		zap.Int("tasks", len(state.Tasks)),
		zap.Time("last_saved", state.LastSaved))
}

func cancelledResult(ctx context.Context, name string) *model.TaskResult {
	msg := executor.ErrCancelled.Error()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		msg = cause.Error()
	}
	return model.NewResult(name, time.Now()).Finish(model.TaskStatusCancelled, msg)
}
