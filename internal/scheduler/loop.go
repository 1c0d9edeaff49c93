package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/ident"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/notify"
)

// ErrHardTimeout marks a task execution that outlived the absolute ceiling.
// Hard timeouts are never retried.
var ErrHardTimeout = errors.New("scheduler: task exceeded hard execution timeout")

// Executor is the agent-execution entry point a task is handed to. It may
// itself perform one or more delegations.
type Executor func(ctx context.Context, task *Task) (any, error)

// RetryClassifier reports whether an execution error is worth retrying.
// Timeouts never reach the classifier.
type RetryClassifier func(err error) bool

// CycleStats summarizes one scheduler cycle.
type CycleStats struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Reaped    int `json:"reaped"`
}

// LoopConfig tunes the scheduling policy.
type LoopConfig struct {
	// StuckCeiling is how long a task may stay running before the reaper
	// forces it to failed.
	StuckCeiling time.Duration
	// BatchSize caps concurrent tasks per owner within one cycle.
	BatchSize int
	// BatchPause is the rest between an owner's batches.
	BatchPause time.Duration
	// HardTimeout bounds one task execution. It is independent of and
	// longer than any inner delegation timeout, since a task may contain
	// several delegations.
	HardTimeout time.Duration
	// RetryCeiling caps retries regardless of any per-task override.
	RetryCeiling int
}

// DefaultLoopConfig returns the production policy.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		StuckCeiling: 10 * time.Minute,
		BatchSize:    3,
		BatchPause:   500 * time.Millisecond,
		HardTimeout:  15 * time.Minute,
		RetryCeiling: 3,
	}
}

func (c *LoopConfig) applyDefaults() {
	def := DefaultLoopConfig()
	if c.StuckCeiling <= 0 {
		c.StuckCeiling = def.StuckCeiling
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchPause < 0 {
		c.BatchPause = def.BatchPause
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = def.HardTimeout
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = def.RetryCeiling
	}
}

// Loop runs scheduler cycles. Construct with NewLoop; collaborators are
// injected, never reached through package globals.
type Loop struct {
	store     TaskStore
	execute   Executor
	retryable RetryClassifier
	sink      notify.Sink
	metrics   *metrics.Metrics
	logger    logging.Logger
	config    LoopConfig
	now       func() time.Time
}

// NewLoop builds a loop. sink, retryable and metrics are optional; a nil
// classifier treats every non-timeout error as retryable.
func NewLoop(store TaskStore, execute Executor, sink notify.Sink, m *metrics.Metrics, logger logging.Logger, config LoopConfig) *Loop {
	config.applyDefaults()
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Loop{
		store:     store,
		execute:   execute,
		retryable: nil,
		sink:      sink,
		metrics:   m,
		logger:    logging.OrNop(logger),
		config:    config,
		now:       time.Now,
	}
}

// SetRetryClassifier installs a custom retryability classifier.
func (l *Loop) SetRetryClassifier(classify RetryClassifier) { l.retryable = classify }

// RunCycle executes one scheduling pass: reap stuck tasks, fetch due work
// grouped by owner, and process each owner's tasks in bounded batches.
func (l *Loop) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	reaped, err := l.reapStuck(ctx)
	if err != nil {
		l.logger.Error("stuck-task reap failed: %v", err)
	}
	stats.Reaped = reaped

	due, err := l.store.DueGroupedByOwner(ctx, l.now())
	if err != nil {
		l.metrics.IncSchedulerCycle("error")
		return stats, fmt.Errorf("fetch due tasks: %w", err)
	}

	var processed, succeeded, failed int64
	owners := &errgroup.Group{}
	for ownerID, tasks := range due {
		ownerID, tasks := ownerID, tasks
		owners.Go(func() error {
			l.processOwner(ctx, ownerID, tasks, &processed, &succeeded, &failed)
			return nil
		})
	}
	_ = owners.Wait()

	stats.Processed = int(atomic.LoadInt64(&processed))
	stats.Succeeded = int(atomic.LoadInt64(&succeeded))
	stats.Failed = int(atomic.LoadInt64(&failed))

	l.metrics.IncSchedulerCycle("ok")
	if stats.Processed > 0 || stats.Reaped > 0 {
		l.logger.Info("cycle done: processed=%d succeeded=%d failed=%d reaped=%d",
			stats.Processed, stats.Succeeded, stats.Failed, stats.Reaped)
	}
	return stats, nil
}

// reapStuck forces tasks running past the ceiling to failed. Safety net
// against crashes that leave a task permanently running.
func (l *Loop) reapStuck(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.config.StuckCeiling)
	stuck, err := l.store.RunningSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, task := range stuck {
		task.Status = TaskFailed
		task.ErrorMsg = fmt.Sprintf("task stuck in running state for over %s, forced to failed", l.config.StuckCeiling)
		now := l.now()
		task.CompletedAt = &now
		if err := l.store.Update(ctx, task); err != nil {
			l.logger.Error("failed to reap stuck task %s: %v", task.ID, err)
			continue
		}
		l.logger.Warn("reaped stuck task %s (owner %s, started %s)", task.ID, task.OwnerID, task.StartedAt)
		l.metrics.IncSchedulerTask("reaped")
		l.notifyDetached(task, notify.KindTaskStuck, "Task failed",
			fmt.Sprintf("Task %q was stuck and has been marked failed.", task.Title))
	}
	return len(stuck), nil
}

// processOwner runs one owner's due tasks in batches of BatchSize with a
// pause between batches, so one owner's load cannot starve others or
// exhaust shared quota.
func (l *Loop) processOwner(ctx context.Context, ownerID string, tasks []*Task, processed, succeeded, failed *int64) {
	for start := 0; start < len(tasks); start += l.config.BatchSize {
		end := start + l.config.BatchSize
		if end > len(tasks) {
			end = len(tasks)
		}

		batch := &errgroup.Group{}
		for _, task := range tasks[start:end] {
			task := task
			batch.Go(func() error {
				atomic.AddInt64(processed, 1)
				if l.processTask(ctx, task) {
					atomic.AddInt64(succeeded, 1)
				} else {
					atomic.AddInt64(failed, 1)
				}
				return nil
			})
		}
		_ = batch.Wait()

		if end < len(tasks) && l.config.BatchPause > 0 {
			select {
			case <-ctx.Done():
				l.logger.Warn("cycle cancelled mid-owner for %s: %v", ownerID, ctx.Err())
				return
			case <-time.After(l.config.BatchPause):
			}
		}
	}
}

// processTask drives one task to a terminal persisted state. Whatever goes
// wrong, including a panic in the executor plumbing, the task ends up
// completed, pending (retry) or failed, never stranded.
func (l *Loop) processTask(ctx context.Context, task *Task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("critical failure processing task %s: %v", task.ID, r)
			l.forceFailed(ctx, task, fmt.Sprintf("critical scheduler error: %v", r))
			ok = false
		}
	}()

	started := l.now()
	task.Status = TaskRunning
	task.StartedAt = &started
	task.LastRunID = ident.NewRunID()
	if err := l.store.Update(ctx, task); err != nil {
		l.logger.Error("failed to mark task %s running: %v", task.ID, err)
		return false
	}

	result, err := l.executeWithTimeout(ctx, task)

	if err == nil {
		now := l.now()
		task.Status = TaskCompleted
		task.CompletedAt = &now
		task.Result = NormalizeResult(result)
		task.RetryCount = 0
		task.ErrorMsg = ""
		if uerr := l.store.Update(ctx, task); uerr != nil {
			l.logger.Error("failed to persist completion of task %s: %v", task.ID, uerr)
			return false
		}
		l.metrics.IncSchedulerTask("completed")
		l.notifyDetached(task, notify.KindTaskCompleted, "Task completed",
			fmt.Sprintf("Task %q finished successfully.", task.Title))
		return true
	}

	return l.handleFailure(ctx, task, err)
}

// executeWithTimeout races the executor against the hard ceiling. The loser
// is discarded, not interrupted: a timed-out execution may still be running
// somewhere, and its eventual result is dropped.
func (l *Loop) executeWithTimeout(ctx context.Context, task *Task) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		result, err := l.execute(ctx, task)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(l.config.HardTimeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		return nil, ErrHardTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("cycle cancelled: %w", ctx.Err())
	}
}

// handleFailure applies retry policy. Timeouts are always terminal; other
// errors consult the classifier and the retry ceiling.
func (l *Loop) handleFailure(ctx context.Context, task *Task, execErr error) bool {
	retryable := !errors.Is(execErr, ErrHardTimeout)
	if retryable && l.retryable != nil {
		retryable = l.retryable(execErr)
	}

	ceiling := task.MaxRetries
	if ceiling <= 0 || ceiling > l.config.RetryCeiling {
		ceiling = l.config.RetryCeiling
	}

	if retryable && task.RetryCount < ceiling {
		task.RetryCount++
		task.Status = TaskPending
		task.ErrorMsg = execErr.Error()
		if err := l.store.Update(ctx, task); err != nil {
			l.logger.Error("failed to requeue task %s: %v", task.ID, err)
			return false
		}
		l.logger.Warn("task %s failed (retry %d/%d): %v", task.ID, task.RetryCount, ceiling, execErr)
		l.metrics.IncSchedulerTask("retried")
		return false
	}

	l.forceFailed(ctx, task, execErr.Error())
	return false
}

// forceFailed persists a permanent failure and fires the owner notification.
func (l *Loop) forceFailed(ctx context.Context, task *Task, message string) {
	now := l.now()
	task.Status = TaskFailed
	task.CompletedAt = &now
	task.ErrorMsg = message
	if err := l.store.Update(ctx, task); err != nil {
		l.logger.Error("failed to persist failure of task %s: %v", task.ID, err)
		return
	}
	l.metrics.IncSchedulerTask("failed")
	l.notifyDetached(task, notify.KindTaskFailed, "Task failed",
		fmt.Sprintf("Task %q failed: %s", task.Title, message))
}

// notifyDetached delivers a notification off the main control flow. Sink
// errors are logged and swallowed.
func (l *Loop) notifyDetached(task *Task, kind notify.Kind, title, message string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("notification sink panicked for task %s: %v", task.ID, r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.sink.Notify(ctx, notify.Notification{
			OwnerID: task.OwnerID,
			TaskID:  task.ID,
			Kind:    kind,
			Title:   title,
			Message: message,
			At:      l.now(),
		}); err != nil {
			l.logger.Warn("notification for task %s dropped: %v", task.ID, err)
		}
	}()
}
