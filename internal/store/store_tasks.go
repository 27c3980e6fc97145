package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banksean/quilt/internal/quilterr"
)

// InsertTask inserts a new async task row as Pending.
func (s *Store) InsertTask(ctx context.Context, t *AsyncTask) error {
	cmdJSON, _ := json.Marshal(t.Command)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO async_tasks (id, container_id, command_json, status, created_at, timeout_secs)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ContainerID, string(cmdJSON), string(TaskPending), t.CreatedAt.Unix(), t.TimeoutSecs)
	if err != nil {
		return quilterr.New(quilterr.Validation, "store.InsertTask", err)
	}
	return nil
}

// MarkTaskRunning stamps started_at exactly once and transitions to
// Running.
func (s *Store) MarkTaskRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_tasks SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(TaskRunning), time.Now().UTC().Unix(), id, string(TaskPending))
	if err != nil {
		return quilterr.New(quilterr.Storage, "store.MarkTaskRunning", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return quilterr.New(quilterr.Validation, "store.MarkTaskRunning",
			fmt.Errorf("task %s not pending", id))
	}
	return nil
}

// CompleteTask stamps completed_at exactly once and transitions to a
// terminal status, refusing to overwrite an already-terminal row.
func (s *Store) CompleteTask(ctx context.Context, id string, status TaskStatus, exitCode *int, stdout, stderr, errMsg string) error {
	if !status.IsTerminal() {
		return quilterr.New(quilterr.Validation, "store.CompleteTask",
			fmt.Errorf("status %s is not terminal", status))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE async_tasks
		SET status = ?, completed_at = ?, exit_code = ?, stdout = ?, stderr = ?, error_msg = ?
		WHERE id = ? AND completed_at IS NULL`,
		string(status), time.Now().UTC().Unix(), nullableInt(exitCode), stdout, stderr, errMsg, id)
	if err != nil {
		return quilterr.New(quilterr.Storage, "store.CompleteTask", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return quilterr.New(quilterr.Validation, "store.CompleteTask",
			fmt.Errorf("task %s already terminal or missing", id))
	}
	return nil
}

// GetTask reads a single task row directly.
func (s *Store) GetTask(ctx context.Context, id string) (*AsyncTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, container_id, command_json, status, created_at, started_at, completed_at,
		       exit_code, stdout, stderr, error_msg, timeout_secs
		FROM async_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, quilterr.New(quilterr.NotFound, "store.GetTask", err)
	}
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.GetTask", err)
	}
	return t, nil
}

// TasksPageSize is the fixed page size ListContainerTasks paginates by;
// it mirrors quiltapi.TasksPageSize without importing the API package
// from the store.
const TasksPageSize = 50

// ListContainerTasks returns one page of tasks for a container, newest
// first, optionally filtered by status. page is zero-based; page 0 is
// the newest TasksPageSize rows.
func (s *Store) ListContainerTasks(ctx context.Context, containerID string, statusFilter TaskStatus, page int) ([]*AsyncTask, error) {
	if page < 0 {
		page = 0
	}
	query := `SELECT id, container_id, command_json, status, created_at, started_at, completed_at,
		       exit_code, stdout, stderr, error_msg, timeout_secs
		FROM async_tasks WHERE container_id = ?`
	args := []any{containerID}
	if statusFilter != "" {
		query += ` AND status = ?`
		args = append(args, string(statusFilter))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, TasksPageSize, page*TasksPageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.ListContainerTasks", err)
	}
	defer rows.Close()

	var out []*AsyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, quilterr.New(quilterr.Storage, "store.ListContainerTasks scan", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTasksOlderThan removes terminal tasks whose completed_at predates
// the cutoff, for the periodic retention sweep.
func (s *Store) DeleteTasksOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM async_tasks WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, quilterr.New(quilterr.Storage, "store.DeleteTasksOlderThan", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanTask(row rowScanner) (*AsyncTask, error) {
	var t AsyncTask
	var cmdJSON, status string
	var createdAt int64
	var startedAt, completedAt, exitCode sql.NullInt64
	var stdout, stderr, errMsg sql.NullString

	if err := row.Scan(&t.ID, &t.ContainerID, &cmdJSON, &status, &createdAt, &startedAt, &completedAt,
		&exitCode, &stdout, &stderr, &errMsg, &t.TimeoutSecs); err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(cmdJSON), &t.Command)
	t.Status = TaskStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.StartedAt = timeFromNull(startedAt)
	t.CompletedAt = timeFromNull(completedAt)
	t.ExitCode = intFromNull(exitCode)
	t.Stdout = stdout.String
	t.Stderr = stderr.String
	t.ErrorMsg = errMsg.String
	return &t, nil
}
