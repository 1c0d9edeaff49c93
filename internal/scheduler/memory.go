package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/internal/ident"
)

// MemoryStore is an in-process TaskStore for tests and single-node demos.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create implements TaskStore. A missing id is generated.
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = ident.NewRunID()
	}
	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	clone := *task
	m.tasks[task.ID] = &clone
	return nil
}

// Get implements TaskStore. Unknown ids return nil, nil.
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	clone := *task
	return &clone, nil
}

// Update implements TaskStore.
func (m *MemoryStore) Update(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return fmt.Errorf("task %s not found", task.ID)
	}
	task.UpdatedAt = time.Now()
	clone := *task
	m.tasks[task.ID] = &clone
	return nil
}

// ListByOwner implements TaskStore.
func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, task := range m.tasks {
		if task.OwnerID == ownerID {
			clone := *task
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DueGroupedByOwner implements TaskStore.
func (m *MemoryStore) DueGroupedByOwner(_ context.Context, now time.Time) (map[string][]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grouped := make(map[string][]*Task)
	for _, task := range m.tasks {
		if task.Status != TaskScheduled || task.ScheduledAt.After(now) {
			continue
		}
		clone := *task
		grouped[task.OwnerID] = append(grouped[task.OwnerID], &clone)
	}
	for _, tasks := range grouped {
		sort.Slice(tasks, func(i, j int) bool {
			ri, rj := priorityRank(tasks[i].Priority), priorityRank(tasks[j].Priority)
			if ri != rj {
				return ri < rj
			}
			return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt)
		})
	}
	return grouped, nil
}

// RunningSince implements TaskStore.
func (m *MemoryStore) RunningSince(_ context.Context, cutoff time.Time) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, task := range m.tasks {
		if task.Status == TaskRunning && task.StartedAt != nil && task.StartedAt.Before(cutoff) {
			clone := *task
			out = append(out, &clone)
		}
	}
	return out, nil
}
