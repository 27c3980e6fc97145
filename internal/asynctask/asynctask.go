// Package asynctask is the async exec engine from §4.7: durable,
// cancellable, nsenter-based command execution against a running
// container, independent of the request/response lifecycle that
// submitted it.
package asynctask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banksean/quilt/internal/quilterr"
	"github.com/banksean/quilt/internal/runtime"
	"github.com/banksean/quilt/internal/store"
	"github.com/banksean/quilt/internal/telemetry"
)

// execRuntime is the slice of *runtime.Runtime the engine actually calls,
// so tests can substitute a fake without standing up namespaces/cgroups.
type execRuntime interface {
	Exec(ctx context.Context, id string, argv []string, cwd string, env map[string]string, captureOutput bool) (runtime.ExecResult, error)
}

// handle is what the registry keeps per running task: the cancel func
// an explicit Cancel calls. Timeouts need no handle; they come from the
// run context's own deadline.
type handle struct {
	cancel context.CancelFunc
}

// Engine owns the in-flight task handles; the durable record is always
// the store row, so handles are a pure acceleration structure that Cancel
// uses to reach a live goroutine.
type Engine struct {
	store *store.Store
	rt    execRuntime

	mu      sync.Mutex
	running map[string]*handle
}

func New(st *store.Store, rt execRuntime) *Engine {
	return &Engine{
		store:   st,
		rt:      rt,
		running: make(map[string]*handle),
	}
}

// Submit validates the container is Running, inserts a Pending row, and
// starts execution in the background. It returns the task id immediately;
// callers poll GetStatus or ListContainerTasks for the outcome.
func (e *Engine) Submit(ctx context.Context, containerID string, argv []string, timeoutSecs int) (string, error) {
	c, err := e.store.GetContainer(ctx, containerID)
	if err != nil {
		return "", err
	}
	if c.State != store.StateRunning {
		return "", quilterr.New(quilterr.Validation, "asynctask.Submit",
			fmt.Errorf("container %s is %s, not running", containerID, c.State))
	}

	task := &store.AsyncTask{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		Command:     argv,
		Status:      store.TaskPending,
		CreatedAt:   time.Now().UTC(),
		TimeoutSecs: timeoutSecs,
	}
	if err := e.store.InsertTask(ctx, task); err != nil {
		return "", err
	}

	e.start(task)
	return task.ID, nil
}

// start spawns the executor goroutine and registers its cancel func. A
// timeout of 0 means no timeout, per §8's boundary behavior.
func (e *Engine) start(task *store.AsyncTask) {
	runCtx, cancel := context.WithCancel(context.Background())
	if task.TimeoutSecs > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(task.TimeoutSecs)*time.Second)
	}

	e.mu.Lock()
	e.running[task.ID] = &handle{cancel: cancel}
	e.mu.Unlock()

	go e.run(runCtx, task)
}

// run is the executor goroutine body. exec.CommandContext (via
// runtime.Exec) already kills the nsenter child the instant runCtx is
// done, so timeout and cancellation collapse into the same signal here:
// the distinguishing factor is only which error runCtx.Err() reports once
// Exec returns.
func (e *Engine) run(runCtx context.Context, task *store.AsyncTask) {
	runCtx, span := telemetry.Tracer().Start(runCtx, "asynctask.run", trace.WithAttributes(
		attribute.String("container.id", task.ContainerID),
		attribute.String("task.id", task.ID),
	))
	defer span.End()

	defer func() {
		e.mu.Lock()
		delete(e.running, task.ID)
		e.mu.Unlock()
	}()

	bgCtx := context.Background()
	if err := e.store.MarkTaskRunning(bgCtx, task.ID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Error("asynctask: failed to mark task running", "task_id", task.ID, "err", err)
		return
	}

	var argv0 string
	if len(task.Command) > 0 {
		argv0 = task.Command[0]
	}
	result, err := e.rt.Exec(runCtx, task.ContainerID, task.Command, "", nil, true)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		span.SetStatus(codes.Error, "timed out")
		e.complete(bgCtx, task.ID, store.TaskFailed, nil, "", "",
			fmt.Sprintf("task timed out after %ds", task.TimeoutSecs))
		slog.Warn("asynctask: task timed out", "task_id", task.ID, "argv0", argv0)
	case runCtx.Err() == context.Canceled:
		e.complete(bgCtx, task.ID, store.TaskCancelled, nil, "", "", "task was cancelled")
		slog.Info("asynctask: task cancelled", "task_id", task.ID)
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		e.complete(bgCtx, task.ID, store.TaskFailed, nil, "", "", err.Error())
		slog.Warn("asynctask: task exec failed", "task_id", task.ID, "err", err)
	default:
		status := store.TaskCompleted
		if result.ExitCode != 0 {
			status = store.TaskFailed
		}
		code := result.ExitCode
		e.complete(bgCtx, task.ID, status, &code, result.Stdout, result.Stderr, "")
	}
}

func (e *Engine) complete(ctx context.Context, taskID string, status store.TaskStatus, exitCode *int, stdout, stderr, errMsg string) {
	if err := e.store.CompleteTask(ctx, taskID, status, exitCode, stdout, stderr, errMsg); err != nil {
		slog.Error("asynctask: failed to record task completion", "task_id", taskID, "err", err)
	}
}

// Cancel drops the task's handle and signals its executor goroutine,
// if one is still running. A task that already finished is reported as
// not cancellable rather than an error: cancelling a completed task is a
// no-op from the caller's point of view.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	h, ok := e.running[taskID]
	delete(e.running, taskID)
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// GetStatus is a direct DB read, never blocked by a running task.
func (e *Engine) GetStatus(ctx context.Context, taskID string) (*store.AsyncTask, error) {
	return e.store.GetTask(ctx, taskID)
}

// ListContainerTasks is a direct DB read, optionally filtered by status
// and paginated by store.TasksPageSize-row pages.
func (e *Engine) ListContainerTasks(ctx context.Context, containerID string, statusFilter store.TaskStatus, page int) ([]*store.AsyncTask, error) {
	return e.store.ListContainerTasks(ctx, containerID, statusFilter, page)
}

// SweepRetention removes terminal tasks older than retention, the
// periodic cleanup named in §4.7. Callers drive this from a ticker loop
// the way the daemon drives the Cleanup Service's worker loop.
func (e *Engine) SweepRetention(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	n, err := e.store.DeleteTasksOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("asynctask: retention sweep removed tasks", "count", n)
	}
	return n, nil
}

// RunRetentionSweeper blocks, sweeping on the given interval, until ctx
// is cancelled. The daemon starts this as one of its long-running
// background tasks at startup.
func (e *Engine) RunRetentionSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.SweepRetention(ctx, retention); err != nil {
				slog.Error("asynctask: retention sweep failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
