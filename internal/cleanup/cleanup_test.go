package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banksean/quilt/internal/resource"
	"github.com/banksean/quilt/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "quilt.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, resource.NewManager(nil)), st
}

func mustCreateTerminalContainer(t *testing.T, st *store.Store, id string, state store.ContainerState, rootfsPath string) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateContainer(ctx, &store.Container{
		ID:         id,
		Config:     store.ContainerConfig{Argv: []string{"/bin/sh"}, ImagePath: "/tmp/x"},
		State:      store.StateCreated,
		RootfsPath: rootfsPath,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if state == store.StateCreated {
		return
	}
	if err := st.TransitionState(ctx, id, store.StateStarting, store.TransitionOpts{}); err != nil {
		t.Fatalf("-> starting: %v", err)
	}
	if state == store.StateFailed {
		if err := st.TransitionState(ctx, id, store.StateFailed, store.TransitionOpts{FailMsg: "boom"}); err != nil {
			t.Fatalf("-> failed: %v", err)
		}
		return
	}
	if err := st.TransitionState(ctx, id, store.StateRunning, store.TransitionOpts{PID: 42}); err != nil {
		t.Fatalf("-> running: %v", err)
	}
	if err := st.TransitionState(ctx, id, store.StateExited, store.TransitionOpts{ExitCode: 0}); err != nil {
		t.Fatalf("-> exited: %v", err)
	}
}

func TestEnqueueAndDrainOnceRemovesRootfs(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()

	rootfs := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootfs, "marker"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	mustCreateTerminalContainer(t, st, "c1", store.StateExited, rootfs)

	if err := s.Enqueue(ctx, "c1", store.ResourceRootfs, rootfs); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.drainOnce(ctx)

	if _, err := os.Stat(rootfs); !os.IsNotExist(err) {
		t.Errorf("expected rootfs to be removed, stat err = %v", err)
	}

	tasks, err := st.ClaimPendingCleanupTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimPendingCleanupTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no pending tasks left, got %d", len(tasks))
	}
}

func TestDrainOnceCompletesCgroupTaskWithNoResourcePath(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()
	mustCreateTerminalContainer(t, st, "c1", store.StateExited, "/tmp/does-not-matter")

	id, err := st.InsertCleanupTask(ctx, &store.CleanupTask{
		ContainerID: "c1", ResourceKind: store.ResourceCgroup, ResourcePath: "",
	})
	if err != nil {
		t.Fatalf("InsertCleanupTask: %v", err)
	}

	s.drainOnce(ctx)

	pending, err := st.ClaimPendingCleanupTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimPendingCleanupTasks: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("task %d should no longer be Pending", id)
	}
}

func TestSweepOnceRequeuesOrphanedExitedContainer(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()
	mustCreateTerminalContainer(t, st, "orphan", store.StateExited, "/tmp/orphan-rootfs")

	s.sweepOnce(ctx, []store.ResourceKind{store.ResourceRootfs})

	tasks, err := st.ClaimPendingCleanupTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimPendingCleanupTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one re-queued task, got %d", len(tasks))
	}
	if tasks[0].ContainerID != "orphan" {
		t.Errorf("container id = %s, want orphan", tasks[0].ContainerID)
	}
}

func TestSweepOnceSkipsContainerWithCompletedCleanup(t *testing.T) {
	s, st := newTestService(t)
	ctx := context.Background()
	mustCreateTerminalContainer(t, st, "c1", store.StateExited, "/tmp/c1-rootfs")

	id, err := st.InsertCleanupTask(ctx, &store.CleanupTask{
		ContainerID: "c1", ResourceKind: store.ResourceRootfs, ResourcePath: "/tmp/c1-rootfs",
	})
	if err != nil {
		t.Fatalf("InsertCleanupTask: %v", err)
	}
	if err := st.CompleteCleanupTask(ctx, id, true, ""); err != nil {
		t.Fatalf("CompleteCleanupTask: %v", err)
	}

	s.sweepOnce(ctx, []store.ResourceKind{store.ResourceRootfs})

	tasks, err := st.ClaimPendingCleanupTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimPendingCleanupTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no new tasks for an already-cleaned container, got %d", len(tasks))
	}
}
