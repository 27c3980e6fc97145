package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/banksean/quilt/internal/quilterr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "quilt.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestContainer(id string) *Container {
	return &Container{
		ID: id,
		Config: ContainerConfig{
			ImagePath: "test_image.tar.gz",
			Argv:      []string{"sleep", "3600"},
			Env:       map[string]string{"FOO": "bar"},
		},
		State:      StateCreated,
		RootfsPath: "/tmp/quilt-containers/" + id,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestCreateAndGetContainer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := newTestContainer("c1")
	if err := s.CreateContainer(ctx, c); err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	got, err := s.GetContainer(ctx, "c1")
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	if got.State != StateCreated {
		t.Errorf("state = %s, want created", got.State)
	}
	if len(got.Config.Argv) != 2 || got.Config.Argv[1] != "3600" {
		t.Errorf("argv round-trip failed: %+v", got.Config.Argv)
	}
}

func TestCreateContainerDuplicateFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := newTestContainer("dup")
	if err := s.CreateContainer(ctx, c); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateContainer(ctx, c)
	if err == nil {
		t.Fatal("expected error creating duplicate container")
	}
	if kind, ok := quilterr.KindOf(err); !ok || kind != quilterr.Validation {
		t.Errorf("kind = %v, want Validation", kind)
	}
}

func TestStateTransitionGraph(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestContainer("c2")
	if err := s.CreateContainer(ctx, c); err != nil {
		t.Fatal(err)
	}

	if err := s.TransitionState(ctx, "c2", StateStarting, TransitionOpts{}); err != nil {
		t.Fatalf("Created->Starting: %v", err)
	}
	if err := s.TransitionState(ctx, "c2", StateRunning, TransitionOpts{PID: 1234}); err != nil {
		t.Fatalf("Starting->Running: %v", err)
	}

	got, err := s.GetContainer(ctx, "c2")
	if err != nil {
		t.Fatal(err)
	}
	if got.PID != 1234 {
		t.Errorf("PID = %d, want 1234", got.PID)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not stamped on Running transition")
	}

	// illegal transition: Running -> Created
	err = s.TransitionState(ctx, "c2", StateCreated, TransitionOpts{})
	if err == nil {
		t.Fatal("expected illegal transition to fail")
	}
	var qerr *quilterr.Error
	if !errors.As(err, &qerr) || qerr.Kind != quilterr.Validation {
		t.Errorf("expected Validation error, got %v", err)
	}

	if err := s.TransitionState(ctx, "c2", StateExited, TransitionOpts{ExitCode: 0}); err != nil {
		t.Fatalf("Running->Exited: %v", err)
	}
	got, _ = s.GetContainer(ctx, "c2")
	if got.ExitedAt == nil {
		t.Error("ExitedAt not stamped")
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Error("ExitCode not recorded")
	}

	// any transition out of a terminal state is illegal
	if err := s.TransitionState(ctx, "c2", StateFailed, TransitionOpts{}); err == nil {
		t.Fatal("expected transition out of terminal state to fail")
	}
}

func TestTaskLifecycleTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestContainer("c3")
	if err := s.CreateContainer(ctx, c); err != nil {
		t.Fatal(err)
	}

	task := &AsyncTask{ID: "t1", ContainerID: "c3", Command: []string{"/bin/echo", "hi"}, CreatedAt: time.Now().UTC()}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if err := s.MarkTaskRunning(ctx, "t1"); err != nil {
		t.Fatalf("MarkTaskRunning: %v", err)
	}
	// Calling it twice must fail: started_at set exactly once.
	if err := s.MarkTaskRunning(ctx, "t1"); err == nil {
		t.Fatal("expected second MarkTaskRunning to fail")
	}

	exit := 0
	if err := s.CompleteTask(ctx, "t1", TaskCompleted, &exit, "hi\n", "", ""); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	// completed_at must never be cleared or reset: a second completion attempt fails.
	if err := s.CompleteTask(ctx, "t1", TaskFailed, nil, "", "", "late"); err == nil {
		t.Fatal("expected re-completing a terminal task to fail")
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt.Before(*got.StartedAt) {
		t.Error("completed_at before started_at")
	}
	if got.StartedAt.Before(got.CreatedAt) {
		t.Error("started_at before created_at")
	}
}

func TestCleanupTaskClaimIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestContainer("c4")
	if err := s.CreateContainer(ctx, c); err != nil {
		t.Fatal(err)
	}

	if _, err := s.InsertCleanupTask(ctx, &CleanupTask{ContainerID: "c4", ResourceKind: ResourceRootfs}); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimPendingCleanupTasks(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d, want 1", len(claimed))
	}

	// second claim attempt should see nothing pending left
	claimed2, err := s.ClaimPendingCleanupTasks(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed2) != 0 {
		t.Fatalf("claimed2 = %d, want 0", len(claimed2))
	}

	if err := s.CompleteCleanupTask(ctx, claimed[0].ID, true, ""); err != nil {
		t.Fatal(err)
	}
}

func TestNetworkAllocationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := newTestContainer("c5")
	if err := s.CreateContainer(ctx, c); err != nil {
		t.Fatal(err)
	}

	alloc := &NetworkAllocation{ContainerID: "c5", IPAddress: "10.42.0.2", BridgeName: "quilt0",
		VethHost: "veth-c5", VethContainer: "eth0"}
	if err := s.UpsertNetworkAllocation(ctx, alloc); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNetworkAllocation(ctx, "c5")
	if err != nil {
		t.Fatal(err)
	}
	if got.IPAddress != "10.42.0.2" {
		t.Errorf("IP = %s", got.IPAddress)
	}

	ips, err := s.ListIPsInUse(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 1 || ips[0] != "10.42.0.2" {
		t.Errorf("ListIPsInUse = %v", ips)
	}
}
