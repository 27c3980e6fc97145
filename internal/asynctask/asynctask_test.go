package asynctask

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/banksean/quilt/internal/runtime"
	"github.com/banksean/quilt/internal/store"
)

// fakeRuntime is a mockImageOps-style stand-in for *runtime.Runtime:
// a func field per method, overridable per test, with a sane default.
type fakeRuntime struct {
	execFunc func(ctx context.Context, id string, argv []string, cwd string, env map[string]string, captureOutput bool) (runtime.ExecResult, error)
}

func (f *fakeRuntime) Exec(ctx context.Context, id string, argv []string, cwd string, env map[string]string, captureOutput bool) (runtime.ExecResult, error) {
	if f.execFunc != nil {
		return f.execFunc(ctx, id, argv, cwd, env, captureOutput)
	}
	return runtime.ExecResult{}, nil
}

func newTestEngine(t *testing.T, rt execRuntime) (*Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "quilt.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, rt), st
}

func mustCreateRunningContainer(t *testing.T, st *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	c := &store.Container{
		ID:        id,
		Config:    store.ContainerConfig{Argv: []string{"/bin/sh"}, ImagePath: "/tmp/x.tar.gz"},
		State:     store.StateCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateContainer(ctx, c); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if err := st.TransitionState(ctx, id, store.StateStarting, store.TransitionOpts{}); err != nil {
		t.Fatalf("-> starting: %v", err)
	}
	if err := st.TransitionState(ctx, id, store.StateRunning, store.TransitionOpts{PID: 1234}); err != nil {
		t.Fatalf("-> running: %v", err)
	}
}

func TestSubmitRejectsNonRunningContainer(t *testing.T) {
	e, st := newTestEngine(t, &fakeRuntime{})
	ctx := context.Background()
	if err := st.CreateContainer(ctx, &store.Container{
		ID: "c1", Config: store.ContainerConfig{Argv: []string{"/bin/sh"}, ImagePath: "/tmp/x"},
		State: store.StateCreated, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if _, err := e.Submit(ctx, "c1", []string{"/bin/echo", "hi"}, 0); err == nil {
		t.Fatal("expected Submit to reject a non-Running container")
	}
}

func TestSubmitUnknownContainerIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRuntime{})
	if _, err := e.Submit(context.Background(), "missing", []string{"/bin/echo"}, 0); err == nil {
		t.Fatal("expected an error for an unknown container")
	}
}

func TestSubmitHappyPathCompletes(t *testing.T) {
	done := make(chan struct{})
	fr := &fakeRuntime{
		execFunc: func(ctx context.Context, id string, argv []string, cwd string, env map[string]string, captureOutput bool) (runtime.ExecResult, error) {
			defer close(done)
			return runtime.ExecResult{ExitCode: 0, Stdout: "hi\n"}, nil
		},
	}
	e, st := newTestEngine(t, fr)
	mustCreateRunningContainer(t, st, "c1")

	taskID, err := e.Submit(context.Background(), "c1", []string{"/bin/echo", "hi"}, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("exec was never invoked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.GetStatus(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if task.Status == store.TaskCompleted {
			if task.Stdout != "hi\n" {
				t.Errorf("stdout = %q", task.Stdout)
			}
			if task.CompletedAt == nil || task.StartedAt == nil {
				t.Error("expected started_at and completed_at to be set")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached Completed")
}

func TestSubmitNonZeroExitIsFailed(t *testing.T) {
	fr := &fakeRuntime{
		execFunc: func(ctx context.Context, id string, argv []string, cwd string, env map[string]string, captureOutput bool) (runtime.ExecResult, error) {
			return runtime.ExecResult{ExitCode: 7}, nil
		},
	}
	e, st := newTestEngine(t, fr)
	mustCreateRunningContainer(t, st, "c1")

	taskID, err := e.Submit(context.Background(), "c1", []string{"/bin/false"}, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, _ := e.GetStatus(context.Background(), taskID)
		if task != nil && task.Status == store.TaskFailed {
			if task.ExitCode == nil || *task.ExitCode != 7 {
				t.Errorf("exit code = %v, want 7", task.ExitCode)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached Failed")
}

func TestCancelStopsAWaitingTask(t *testing.T) {
	started := make(chan struct{})
	fr := &fakeRuntime{
		execFunc: func(ctx context.Context, id string, argv []string, cwd string, env map[string]string, captureOutput bool) (runtime.ExecResult, error) {
			close(started)
			<-ctx.Done()
			return runtime.ExecResult{}, ctx.Err()
		},
	}
	e, st := newTestEngine(t, fr)
	mustCreateRunningContainer(t, st, "c1")

	taskID, err := e.Submit(context.Background(), "c1", []string{"/bin/sleep", "60"}, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("exec was never started")
	}

	if !e.Cancel(taskID) {
		t.Fatal("expected Cancel to find the running task")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, _ := e.GetStatus(context.Background(), taskID)
		if task != nil && task.Status == store.TaskCancelled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached Cancelled")
}

func TestCancelUnknownTaskReturnsFalse(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRuntime{})
	if e.Cancel("never-submitted") {
		t.Error("expected Cancel on an unknown task to return false")
	}
}

func TestSweepRetentionRemovesOldTerminalTasks(t *testing.T) {
	e, st := newTestEngine(t, &fakeRuntime{})
	ctx := context.Background()
	mustCreateRunningContainer(t, st, "c1")

	task := &store.AsyncTask{ID: "t1", ContainerID: "c1", Command: []string{"/bin/true"}, CreatedAt: time.Now().UTC()}
	if err := st.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	code := 0
	if err := st.CompleteTask(ctx, "t1", store.TaskCompleted, &code, "", "", ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	// A negative retention pushes the cutoff into the future, so the just
	// completed row is unambiguously "older than cutoff" regardless of
	// the database's one-second timestamp resolution.
	n, err := e.SweepRetention(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("SweepRetention: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d tasks, want 1", n)
	}
}
