package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// CronTrigger runs task batches on cron schedules
type CronTrigger struct {
	logger    *zap.Logger
	scheduler *Scheduler
	cron      *cron.Cron
	parser    cron.Parser

	mu        sync.RWMutex
	ctx       context.Context
	schedules map[string]*model.CronSchedule
	entryIDs  map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronTrigger creates a trigger bound to s. Expressions take an optional leading
// seconds field and the usual descriptors such as @every.
func NewCronTrigger(s *Scheduler, logger *zap.Logger) *CronTrigger {
	logger = logger.Named("cron")
	cl := &cronLogger{logger: logger}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &CronTrigger{
		logger:    logger,
		scheduler: s,
		parser:    parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:       context.Background(),
		schedules: make(map[string]*model.CronSchedule),
		entryIDs:  make(map[string]cron.EntryID),
	}
}

// Start starts firing schedules. Batches started by the trigger use ctx.
func (t *CronTrigger) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	t.cron.Start()
	t.logger.Info("Cron trigger started")
}

// Stop stops firing schedules and waits for running batches
func (t *CronTrigger) Stop() {
	<-t.cron.Stop().Done()
	t.logger.Info("Cron trigger stopped")
}

// AddSchedule validates and adds a schedule
func (t *CronTrigger) AddSchedule(schedule *model.CronSchedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}
	if len(schedule.Tasks) == 0 {
		return fmt.Errorf("schedule %s has no tasks", schedule.Name)
	}
	if schedule.Mode != "" {
		if _, err := strategyFor(schedule.Mode); err != nil {
			return err
		}
	}

	spec, err := t.parser.Parse(schedule.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if _, err := t.scheduler.Plan(schedule.Tasks); err != nil {
		return fmt.Errorf("invalid schedule %s: %w", schedule.Name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entryIDs[schedule.ID]; exists {
		return fmt.Errorf("schedule already exists: %s", schedule.ID)
	}

	entryID := t.cron.Schedule(spec, &cronJob{trigger: t, schedule: schedule})
	t.schedules[schedule.ID] = schedule
	t.entryIDs[schedule.ID] = entryID

	next := spec.Next(time.Now())
	schedule.NextRunTime = &next

	t.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("expression", schedule.Expression),
		zap.Strings("tasks", schedule.Tasks),
		zap.Time("next_run", next))

	return nil
}

// RemoveSchedule removes a schedule
func (t *CronTrigger) RemoveSchedule(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entryID, ok := t.entryIDs[id]
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}

	t.cron.Remove(entryID)
	delete(t.entryIDs, id)
	delete(t.schedules, id)

	t.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule returns a copy of a schedule
func (t *CronTrigger) GetSchedule(id string) (*model.CronSchedule, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	schedule, ok := t.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule not found: %s", id)
	}
	c := *schedule
	return &c, nil
}

// ListSchedules returns copies of all schedules ordered by name
func (t *CronTrigger) ListSchedules() []*model.CronSchedule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	schedules := make([]*model.CronSchedule, 0, len(t.schedules))
	for _, s := range t.schedules {
		c := *s
		schedules = append(schedules, &c)
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].Name < schedules[j].Name
	})
	return schedules
}

// cronJob implements cron.Job
type cronJob struct {
	trigger  *CronTrigger
	schedule *model.CronSchedule
}

// Run implements cron.Job
func (j *cronJob) Run() {
	t := j.trigger

	t.mu.RLock()
	ctx := t.ctx
	id := j.schedule.ID
	tasks := append([]string(nil), j.schedule.Tasks...)
	mode := j.schedule.Mode
	t.mu.RUnlock()

	now := time.Now()
	results, err := t.scheduler.ExecuteTasks(ctx, tasks, mode)

	var status model.TaskStatus
	if err != nil {
		t.logger.Error("Failed to execute schedule",
			zap.String("id", id),
			zap.Error(err))
		status = model.TaskStatusFailed
	} else {
		status = batchStatus(results, len(tasks))
	}

	t.mu.Lock()
	j.schedule.LastRunTime = &now
	j.schedule.LastStatus = status
	if entryID, ok := t.entryIDs[id]; ok {
		next := t.cron.Entry(entryID).Next
		j.schedule.NextRunTime = &next
	}
	t.mu.Unlock()

	t.logger.Info("Executed schedule",
		zap.String("id", id),
		zap.String("name", j.schedule.Name),
		zap.String("status", string(status)),
		zap.Time("executed_at", now))
}

// batchStatus is COMPLETED when every requested task completed, otherwise the first
// other status seen. A batch cut short without a failure is FAILED.
func batchStatus(results []*model.TaskResult, requested int) model.TaskStatus {
	for _, r := range results {
		if r != nil && !r.Succeeded() {
			return r.Status
		}
	}
	if len(results) < requested {
		return model.TaskStatusFailed
	}
	return model.TaskStatusCompleted
}
