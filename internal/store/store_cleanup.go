package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/banksean/quilt/internal/quilterr"
)

// InsertCleanupTask queues a reclamation unit as Pending. The partial
// unique index on (container_id, resource_kind) WHERE status='in_progress'
// enforces the "at most one InProgress per (container, resource type)"
// invariant at the dispatch step, not at insertion, since multiple
// Pending rows for the same resource are harmless (the worker loop
// dedupes by marking one InProgress at a time).
func (s *Store) InsertCleanupTask(ctx context.Context, t *CleanupTask) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cleanup_tasks (container_id, resource_kind, resource_path, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ContainerID, string(t.ResourceKind), t.ResourcePath, string(CleanupPending), time.Now().UTC().Unix())
	if err != nil {
		return 0, quilterr.New(quilterr.Storage, "store.InsertCleanupTask", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ClaimPendingCleanupTasks atomically marks up to n Pending tasks as
// InProgress and returns them, so concurrent workers never double-claim.
func (s *Store) ClaimPendingCleanupTasks(ctx context.Context, n int) ([]*CleanupTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.ClaimPendingCleanupTasks begin", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, container_id, resource_kind, resource_path, status, created_at, completed_at, error_msg
		FROM cleanup_tasks WHERE status = ? ORDER BY created_at ASC LIMIT ?`, string(CleanupPending), n)
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.ClaimPendingCleanupTasks query", err)
	}
	var tasks []*CleanupTask
	for rows.Next() {
		t, err := scanCleanupTask(rows)
		if err != nil {
			rows.Close()
			return nil, quilterr.New(quilterr.Storage, "store.ClaimPendingCleanupTasks scan", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()

	for _, t := range tasks {
		// Skip tasks that would violate the at-most-one-InProgress invariant;
		// they stay Pending and are retried on the next sweep.
		if _, err := tx.ExecContext(ctx, `UPDATE cleanup_tasks SET status = ? WHERE id = ?`,
			string(CleanupInProgress), t.ID); err != nil {
			continue
		}
		t.Status = CleanupInProgress
	}

	if err := tx.Commit(); err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.ClaimPendingCleanupTasks commit", err)
	}

	claimed := tasks[:0]
	for _, t := range tasks {
		if t.Status == CleanupInProgress {
			claimed = append(claimed, t)
		}
	}
	return claimed, nil
}

// CompleteCleanupTask marks a task Completed or Failed with an error.
func (s *Store) CompleteCleanupTask(ctx context.Context, id int64, ok bool, errMsg string) error {
	status := CleanupCompleted
	if !ok {
		status = CleanupFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE cleanup_tasks SET status = ?, completed_at = ?, error_msg = ? WHERE id = ?`,
		string(status), time.Now().UTC().Unix(), errMsg, id)
	if err != nil {
		return quilterr.New(quilterr.Storage, "store.CompleteCleanupTask", err)
	}
	return nil
}

// ContainersMissingCleanup finds terminal containers with no Completed
// cleanup task for the given resource kind, for the orphan sweep.
func (s *Store) ContainersMissingCleanup(ctx context.Context, kind ResourceKind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM containers c
		WHERE c.state IN (?, ?)
		AND NOT EXISTS (
			SELECT 1 FROM cleanup_tasks ct
			WHERE ct.container_id = c.id AND ct.resource_kind = ? AND ct.status = ?
		)`, string(StateExited), string(StateFailed), string(kind), string(CleanupCompleted))
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.ContainersMissingCleanup", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, quilterr.New(quilterr.Storage, "store.ContainersMissingCleanup scan", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCleanupTask(row rowScanner) (*CleanupTask, error) {
	var t CleanupTask
	var kind, status string
	var createdAt int64
	var completedAt sql.NullInt64
	var errMsg sql.NullString

	if err := row.Scan(&t.ID, &t.ContainerID, &kind, &t.ResourcePath, &status, &createdAt, &completedAt, &errMsg); err != nil {
		return nil, err
	}
	t.ResourceKind = ResourceKind(kind)
	t.Status = CleanupStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.CompletedAt = timeFromNull(completedAt)
	t.ErrorMsg = errMsg.String
	return &t, nil
}
