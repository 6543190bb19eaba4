package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
)

// Standard task IDs wired by the application
const (
	TaskTrustDecay       = "trust-decay"
	TaskReconcileSweep   = "reconcile-sweep"
	TaskCacheMaintenance = "cache-maintenance"
	TaskStateSnapshot    = "state-snapshot"
)

// Task is a recurring maintenance job
type Task struct {
	ID          string
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	Status      TaskStatus
	Error       error
	MaxRetries  int
	CronID      cron.EntryID
	ExecutionFn func(context.Context) error
}

// Config controls scheduler concurrency and retry behavior
type Config struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// DefaultConfig returns sensible scheduler settings
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		RetryDelay:    30 * time.Second,
	}
}

// Scheduler runs the node's recurring maintenance jobs: trust decay,
// reconciliation sweeps, cache upkeep, and state snapshots
type Scheduler struct {
	cron       *cron.Cron
	tasks      map[string]*Task
	config     Config
	logger     *zap.Logger
	workerPool chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex
}

// NewScheduler creates a scheduler instance
func NewScheduler(config Config, logger *zap.Logger) *Scheduler {
	if config.MaxConcurrent <= 0 {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:       cron.New(),
		tasks:      make(map[string]*Task),
		config:     config,
		logger:     logger,
		workerPool: make(chan struct{}, config.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins executing scheduled tasks
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler",
		zap.Int("maxConcurrent", s.config.MaxConcurrent),
		zap.Int("tasks", len(s.tasks)))
	s.cron.Start()
}

// Stop cancels running tasks and waits for in-flight work to finish
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// ScheduleTask registers a recurring task
func (s *Scheduler) ScheduleTask(task *Task) error {
	if err := validateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	cronID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}

	task.CronID = cronID
	task.Status = TaskStatusPending
	task.NextRun = s.cron.Entry(cronID).Next
	s.tasks[task.ID] = task

	s.logger.Info("Task scheduled",
		zap.String("taskID", task.ID),
		zap.String("schedule", task.Schedule),
		zap.Time("nextRun", task.NextRun))
	return nil
}

// UnscheduleTask removes a task
func (s *Scheduler) UnscheduleTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}

	s.cron.Remove(task.CronID)
	delete(s.tasks, taskID)

	s.logger.Info("Task unscheduled", zap.String("taskID", taskID))
	return nil
}

// GetTask retrieves a task by ID
func (s *Scheduler) GetTask(taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return task, nil
}

// ListTasks returns all scheduled tasks
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// RunNow executes a task immediately, outside its schedule
func (s *Scheduler) RunNow(taskID string) error {
	task, err := s.GetTask(taskID)
	if err != nil {
		return err
	}
	s.executeTask(s.ctx, task)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return task.Error
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-ctx.Done():
		return
	}

	start := time.Now()

	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRun = start
	s.mu.Unlock()

	err := s.runTaskWithRetries(ctx, task)

	s.mu.Lock()
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err
	} else {
		task.Status = TaskStatusComplete
		task.Error = nil
	}
	if entry := s.cron.Entry(task.CronID); entry.ID != 0 {
		task.NextRun = entry.Next
	}
	s.mu.Unlock()

	s.logger.Info("Task execution completed",
		zap.String("taskID", task.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
}

func (s *Scheduler) runTaskWithRetries(ctx context.Context, task *Task) error {
	var lastErr error

	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := task.ExecutionFn(ctx); err != nil {
			lastErr = err
			s.logger.Warn("Task execution failed",
				zap.String("taskID", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return nil
	}

	return fmt.Errorf("task failed after %d retries: %w", task.MaxRetries, lastErr)
}

func validateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if task.ExecutionFn == nil {
		return fmt.Errorf("task execution function cannot be nil")
	}
	if _, err := cron.ParseStandard(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}
