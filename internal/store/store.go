// Package store is the SQLite-backed persistent store: the single
// source of truth for container, network allocation, async task, and
// cleanup task state. Reads are always direct queries; writes use short
// transactions; state transitions are validated against the allowed
// graph before being committed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banksean/quilt/internal/quilterr"
	_ "modernc.org/sqlite"
)

// Store owns the daemon's single *sql.DB handle.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the SQLite database at path, enabling WAL
// mode for concurrency the way boxer.NewBoxer does.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.Open", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, quilterr.New(quilterr.Storage, "store.Open enable WAL", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, quilterr.New(quilterr.Storage, "store.Open enable foreign_keys", err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, quilterr.New(quilterr.Storage, "store.Open migrate", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func timeFromNull(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(ns.Int64, 0).UTC()
	return &t
}

func intFromNull(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// nullableInt converts a *int into a database/sql-compatible value: nil
// stays nil, otherwise the dereferenced int64.
func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

// CreateContainer inserts a new container row in Created state. Fails
// with Validation if a container with that id already exists, matching
// the "non-idempotent operations... fail with Validation" policy.
func (s *Store) CreateContainer(ctx context.Context, c *Container) error {
	argvJSON, _ := json.Marshal(c.Config.Argv)
	envJSON, _ := json.Marshal(c.Config.Env)
	limitsJSON, _ := json.Marshal(c.Config.Limits)
	nsJSON, _ := json.Marshal(c.Config.Namespaces)
	setupJSON, _ := json.Marshal(c.Config.SetupCommands)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (id, image_path, argv_json, env_json, workdir, limits_json, ns_json, setup_json,
			state, rootfs_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Config.ImagePath, string(argvJSON), string(envJSON), c.Config.WorkDir,
		string(limitsJSON), string(nsJSON), string(setupJSON),
		string(StateCreated), c.RootfsPath, c.CreatedAt.Unix(),
	)
	if err != nil {
		return quilterr.New(quilterr.Validation, "store.CreateContainer", err)
	}
	return nil
}

// TransitionState validates and applies a container state change in one
// short transaction. pid is set only on Starting->Running; exitCode/
// failMsg are recorded on the terminal transitions.
func (s *Store) TransitionState(ctx context.Context, id string, to ContainerState, opts TransitionOpts) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quilterr.New(quilterr.Storage, "store.TransitionState begin", err)
	}
	defer tx.Rollback()

	var fromStr string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM containers WHERE id = ?`, id).Scan(&fromStr); err != nil {
		if err == sql.ErrNoRows {
			return quilterr.New(quilterr.NotFound, "store.TransitionState", err)
		}
		return quilterr.New(quilterr.Storage, "store.TransitionState lookup", err)
	}
	from := ContainerState(fromStr)
	if !CanTransition(from, to) {
		return quilterr.New(quilterr.Validation, "store.TransitionState",
			fmt.Errorf("illegal transition %s -> %s", from, to))
	}

	now := time.Now().UTC()
	switch to {
	case StateRunning:
		if _, err := tx.ExecContext(ctx, `UPDATE containers SET state = ?, pid = ?, started_at = ? WHERE id = ?`,
			string(to), opts.PID, now.Unix(), id); err != nil {
			return quilterr.New(quilterr.Storage, "store.TransitionState update", err)
		}
	case StateExited:
		if _, err := tx.ExecContext(ctx, `UPDATE containers SET state = ?, exit_code = ?, exited_at = ? WHERE id = ?`,
			string(to), opts.ExitCode, now.Unix(), id); err != nil {
			return quilterr.New(quilterr.Storage, "store.TransitionState update", err)
		}
	case StateFailed:
		if _, err := tx.ExecContext(ctx, `UPDATE containers SET state = ?, fail_msg = ?, exited_at = ? WHERE id = ?`,
			string(to), opts.FailMsg, now.Unix(), id); err != nil {
			return quilterr.New(quilterr.Storage, "store.TransitionState update", err)
		}
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE containers SET state = ? WHERE id = ?`, string(to), id); err != nil {
			return quilterr.New(quilterr.Storage, "store.TransitionState update", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return quilterr.New(quilterr.Storage, "store.TransitionState commit", err)
	}
	return nil
}

// TransitionOpts carries the fields stamped alongside specific transitions.
type TransitionOpts struct {
	PID      int
	ExitCode int
	FailMsg  string
}

// GetContainer reads a single container row directly (no caching).
func (s *Store) GetContainer(ctx context.Context, id string) (*Container, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, image_path, argv_json, env_json, workdir, limits_json, ns_json, setup_json,
		       state, exit_code, fail_msg, pid, rootfs_path, ip_address, created_at, started_at, exited_at
		FROM containers WHERE id = ?`, id)
	c, err := scanContainer(row)
	if err == sql.ErrNoRows {
		return nil, quilterr.New(quilterr.NotFound, "store.GetContainer", err)
	}
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.GetContainer", err)
	}
	return c, nil
}

// ListContainers returns containers, optionally filtered by state, most
// recently created first.
func (s *Store) ListContainers(ctx context.Context, stateFilter ContainerState) ([]*Container, error) {
	query := `SELECT id, image_path, argv_json, env_json, workdir, limits_json, ns_json, setup_json,
		       state, exit_code, fail_msg, pid, rootfs_path, ip_address, created_at, started_at, exited_at
		FROM containers`
	args := []any{}
	if stateFilter != "" {
		query += ` WHERE state = ?`
		args = append(args, string(stateFilter))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, quilterr.New(quilterr.Storage, "store.ListContainers", err)
	}
	defer rows.Close()

	var out []*Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, quilterr.New(quilterr.Storage, "store.ListContainers scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetIPAddress records the allocated IP against the container row.
func (s *Store) SetIPAddress(ctx context.Context, id, ip string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE containers SET ip_address = ? WHERE id = ?`, ip, id)
	if err != nil {
		return quilterr.New(quilterr.Storage, "store.SetIPAddress", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return quilterr.New(quilterr.NotFound, "store.SetIPAddress", fmt.Errorf("container %s not found", id))
	}
	return nil
}

// DeleteContainer removes a container row and everything that
// references it. Foreign keys are enforced (PRAGMA foreign_keys=ON), so
// the async_tasks, cleanup_tasks and network_allocations rows naming this
// container must go first, terminal cleanup_tasks rows included; this is
// a full, unconditional cascade rather than a partial one.
func (s *Store) DeleteContainer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quilterr.New(quilterr.Storage, "store.DeleteContainer begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM async_tasks WHERE container_id = ?`, id); err != nil {
		return quilterr.New(quilterr.Storage, "store.DeleteContainer async_tasks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cleanup_tasks WHERE container_id = ?`, id); err != nil {
		return quilterr.New(quilterr.Storage, "store.DeleteContainer cleanup_tasks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM network_allocations WHERE container_id = ?`, id); err != nil {
		return quilterr.New(quilterr.Storage, "store.DeleteContainer network", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id); err != nil {
		return quilterr.New(quilterr.Storage, "store.DeleteContainer", err)
	}

	if err := tx.Commit(); err != nil {
		return quilterr.New(quilterr.Storage, "store.DeleteContainer commit", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContainer(row rowScanner) (*Container, error) {
	var c Container
	var argvJSON, envJSON, limitsJSON, nsJSON, setupJSON string
	var exitCode, pid sql.NullInt64
	var failMsg, rootfs, ip sql.NullString
	var createdAt int64
	var startedAt, exitedAt sql.NullInt64
	var state string

	if err := row.Scan(&c.ID, &c.Config.ImagePath, &argvJSON, &envJSON, &c.Config.WorkDir,
		&limitsJSON, &nsJSON, &setupJSON, &state, &exitCode, &failMsg, &pid, &rootfs, &ip,
		&createdAt, &startedAt, &exitedAt); err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(argvJSON), &c.Config.Argv)
	json.Unmarshal([]byte(envJSON), &c.Config.Env)
	json.Unmarshal([]byte(limitsJSON), &c.Config.Limits)
	json.Unmarshal([]byte(nsJSON), &c.Config.Namespaces)
	json.Unmarshal([]byte(setupJSON), &c.Config.SetupCommands)

	c.State = ContainerState(state)
	c.ExitCode = intFromNull(exitCode)
	c.FailMsg = failMsg.String
	if pid.Valid {
		c.PID = int(pid.Int64)
	}
	c.RootfsPath = rootfs.String
	c.IPAddress = ip.String
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.StartedAt = timeFromNull(startedAt)
	c.ExitedAt = timeFromNull(exitedAt)
	return &c, nil
}
