// Package scheduler discovers due tasks, runs them under per-owner
// concurrency caps, applies retry policy, and reaps tasks stuck in a
// running state.
package scheduler

import (
	"context"
	"reflect"
	"time"
)

// TaskStatus is the persisted lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a persisted scheduled task. The store owns the record; the loop
// reads and writes it through the TaskStore port.
type Task struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	AgentID     string         `json:"agent_id"`
	Title       string         `json:"title"`
	Instruction string         `json:"instruction"`
	Priority    string         `json:"priority"`
	Status      TaskStatus     `json:"status"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	LastRunID   string         `json:"last_run_id,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	ErrorMsg    string         `json:"error_message,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TaskStore is the persistence port for scheduled tasks.
type TaskStore interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, task *Task) error
	// ListByOwner returns an owner's tasks, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*Task, error)
	// DueGroupedByOwner returns tasks with status scheduled and a due
	// schedule time, grouped by owner, ordered by priority then schedule
	// time within each group. The query runs with service privileges and
	// bypasses per-owner access scoping.
	DueGroupedByOwner(ctx context.Context, now time.Time) (map[string][]*Task, error)
	// RunningSince returns tasks still running whose start time is older
	// than the cutoff.
	RunningSince(ctx context.Context, cutoff time.Time) ([]*Task, error)
}

// priorityRank orders tasks for scheduling: high first, then normal, then
// low; unknown values sort with normal.
func priorityRank(priority string) int {
	switch priority {
	case "high", "urgent":
		return 0
	case "low":
		return 2
	default:
		return 1
	}
}

// NormalizeResult wraps an agent's raw return value in a uniform envelope:
// strings become {summary}, slices become {items}, maps pass through, and
// anything else becomes {value}.
func NormalizeResult(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case string:
		return map[string]any{"summary": v}
	case map[string]any:
		return v
	case []any:
		return map[string]any{"items": v}
	}
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
		return map[string]any{"items": items}
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	default:
		return map[string]any{"value": raw}
	}
}
