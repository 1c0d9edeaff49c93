// Package store persists scheduled tasks in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/ident"
	"conductor/internal/logging"
	"conductor/internal/scheduler"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	agent_id      TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	instruction   TEXT NOT NULL DEFAULT '',
	priority      TEXT NOT NULL DEFAULT 'normal',
	status        TEXT NOT NULL DEFAULT 'pending',
	scheduled_at  TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 0,
	last_run_id   TEXT NOT NULL DEFAULT '',
	result        TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner  ON tasks(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_due    ON tasks(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_tasks_stuck  ON tasks(status, started_at);
`

// SQLite implements scheduler.TaskStore on a local SQLite database.
type SQLite struct {
	db     *sql.DB
	logger logging.Logger
}

// Open creates or opens the database at path and runs migrations. Use
// ":memory:" for an ephemeral store.
func Open(path string, logger logging.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent cycle processing.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task schema: %w", err)
	}
	return &SQLite{db: db, logger: logging.OrNop(logger)}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Create implements scheduler.TaskStore. A missing id is generated.
func (s *SQLite) Create(ctx context.Context, task *scheduler.Task) error {
	if task.ID == "" {
		task.ID = ident.NewRunID()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = scheduler.TaskPending
	}

	result, err := marshalResult(task.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, agent_id, title, instruction, priority, status,
			scheduled_at, started_at, completed_at, retry_count, max_retries,
			last_run_id, result, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OwnerID, task.AgentID, task.Title, task.Instruction, task.Priority,
		string(task.Status), task.ScheduledAt.UTC(), nullTime(task.StartedAt), nullTime(task.CompletedAt),
		task.RetryCount, task.MaxRetries, task.LastRunID, result, task.ErrorMsg,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

// Get implements scheduler.TaskStore. Unknown ids return nil, nil.
func (s *SQLite) Get(ctx context.Context, id string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return task, nil
}

// Update implements scheduler.TaskStore.
func (s *SQLite) Update(ctx context.Context, task *scheduler.Task) error {
	task.UpdatedAt = time.Now().UTC()
	result, err := marshalResult(task.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET owner_id=?, agent_id=?, title=?, instruction=?, priority=?,
			status=?, scheduled_at=?, started_at=?, completed_at=?, retry_count=?,
			max_retries=?, last_run_id=?, result=?, error_message=?, updated_at=?
		WHERE id=?`,
		task.OwnerID, task.AgentID, task.Title, task.Instruction, task.Priority,
		string(task.Status), task.ScheduledAt.UTC(), nullTime(task.StartedAt), nullTime(task.CompletedAt),
		task.RetryCount, task.MaxRetries, task.LastRunID, result, task.ErrorMsg,
		task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("task %s not found", task.ID)
	}
	return nil
}

// ListByOwner implements scheduler.TaskStore.
func (s *SQLite) ListByOwner(ctx context.Context, ownerID string) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+" FROM tasks WHERE owner_id = ? ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", ownerID, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DueGroupedByOwner implements scheduler.TaskStore. The query runs with
// service privileges across all owners; ordering is priority first, then
// schedule time.
func (s *SQLite) DueGroupedByOwner(ctx context.Context, now time.Time) (map[string][]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM tasks
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY owner_id,
			CASE priority WHEN 'high' THEN 0 WHEN 'urgent' THEN 0 WHEN 'low' THEN 2 ELSE 1 END,
			scheduled_at`,
		string(scheduler.TaskScheduled), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]*scheduler.Task)
	for _, task := range tasks {
		grouped[task.OwnerID] = append(grouped[task.OwnerID], task)
	}
	return grouped, nil
}

// RunningSince implements scheduler.TaskStore.
func (s *SQLite) RunningSince(ctx context.Context, cutoff time.Time) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM tasks WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(scheduler.TaskRunning), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query running tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

const selectColumns = `SELECT id, owner_id, agent_id, title, instruction, priority, status,
	scheduled_at, started_at, completed_at, retry_count, max_retries,
	last_run_id, result, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	var (
		task                   scheduler.Task
		status                 string
		startedAt, completedAt sql.NullTime
		result                 sql.NullString
	)
	err := row.Scan(&task.ID, &task.OwnerID, &task.AgentID, &task.Title, &task.Instruction,
		&task.Priority, &status, &task.ScheduledAt, &startedAt, &completedAt,
		&task.RetryCount, &task.MaxRetries, &task.LastRunID, &result, &task.ErrorMsg,
		&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Status = scheduler.TaskStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &task.Result); err != nil {
			return nil, fmt.Errorf("decode result of task %s: %w", task.ID, err)
		}
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*scheduler.Task, error) {
	var out []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func marshalResult(result map[string]any) (sql.NullString, error) {
	if result == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode task result: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
