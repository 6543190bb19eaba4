package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestScheduleTask_Validation(t *testing.T) {
	s := NewScheduler(DefaultConfig(), zap.NewNop())

	err := s.ScheduleTask(&Task{Schedule: "@daily", ExecutionFn: func(context.Context) error { return nil }})
	assert.ErrorContains(t, err, "task ID cannot be empty")

	err = s.ScheduleTask(&Task{ID: "t1", ExecutionFn: func(context.Context) error { return nil }})
	assert.ErrorContains(t, err, "schedule cannot be empty")

	err = s.ScheduleTask(&Task{ID: "t1", Schedule: "@daily"})
	assert.ErrorContains(t, err, "execution function cannot be nil")

	err = s.ScheduleTask(&Task{ID: "t1", Schedule: "not-cron", ExecutionFn: func(context.Context) error { return nil }})
	assert.ErrorContains(t, err, "invalid cron schedule")
}

func TestScheduleTask_RejectsDuplicateID(t *testing.T) {
	s := NewScheduler(DefaultConfig(), zap.NewNop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.ScheduleTask(&Task{ID: TaskTrustDecay, Schedule: "@daily", ExecutionFn: noop}))
	err := s.ScheduleTask(&Task{ID: TaskTrustDecay, Schedule: "@hourly", ExecutionFn: noop})
	assert.ErrorContains(t, err, "already exists")
}

func TestRunNow(t *testing.T) {
	s := NewScheduler(DefaultConfig(), zap.NewNop())

	var runs atomic.Int32
	require.NoError(t, s.ScheduleTask(&Task{
		ID:       TaskReconcileSweep,
		Schedule: "@hourly",
		ExecutionFn: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.RunNow(TaskReconcileSweep))
	assert.Equal(t, int32(1), runs.Load())

	task, err := s.GetTask(TaskReconcileSweep)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusComplete, task.Status)
	assert.False(t, task.LastRun.IsZero())
}

func TestRunNow_RetriesThenFails(t *testing.T) {
	cfg := Config{MaxConcurrent: 2, RetryDelay: 5 * time.Millisecond}
	s := NewScheduler(cfg, zap.NewNop())

	var attempts atomic.Int32
	require.NoError(t, s.ScheduleTask(&Task{
		ID:         "flaky",
		Schedule:   "@hourly",
		MaxRetries: 2,
		ExecutionFn: func(context.Context) error {
			attempts.Add(1)
			return errors.New("boom")
		},
	}))

	err := s.RunNow("flaky")
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load(), "initial attempt plus two retries")

	task, err := s.GetTask("flaky")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status)
}

func TestUnscheduleTask(t *testing.T) {
	s := NewScheduler(DefaultConfig(), zap.NewNop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.ScheduleTask(&Task{ID: "t1", Schedule: "@daily", ExecutionFn: noop}))
	require.NoError(t, s.UnscheduleTask("t1"))

	_, err := s.GetTask("t1")
	assert.Error(t, err)
	assert.Error(t, s.UnscheduleTask("t1"))
}

func TestListTasks(t *testing.T) {
	s := NewScheduler(DefaultConfig(), zap.NewNop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.ScheduleTask(&Task{ID: "t1", Schedule: "@daily", ExecutionFn: noop}))
	require.NoError(t, s.ScheduleTask(&Task{ID: "t2", Schedule: "@hourly", ExecutionFn: noop}))

	assert.Len(t, s.ListTasks(), 2)
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(DefaultConfig(), zap.NewNop())
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.ScheduleTask(&Task{ID: "t1", Schedule: "@daily", ExecutionFn: noop}))

	s.Start()
	s.Stop()
}
