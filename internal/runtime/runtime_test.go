package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/banksean/quilt/internal/network"
	"github.com/banksean/quilt/internal/quilterr"
	"github.com/banksean/quilt/internal/readiness"
	"github.com/banksean/quilt/internal/registry"
	"github.com/banksean/quilt/internal/resource"
	"github.com/banksean/quilt/internal/store"
)

// newTestRuntime wires a Runtime against an in-memory store and a
// throwaway filesystem layout, the same shape the daemon builds at
// startup but scoped to a test's t.TempDir(). It never forks a real
// container: only Create()'s validation and rootfs-preparation paths,
// and Stats()'s bookkeeping, are safe to exercise without root.
func newTestRuntime(t *testing.T) (*Runtime, string) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "quilt.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	netMgr := network.NewManager(network.Config{BridgeName: "quilt-test0"})
	rt := New(
		Config{
			LayersBase: filepath.Join(dir, "layers"),
			RootfsBase: filepath.Join(dir, "containers"),
		},
		st,
		registry.New[*store.Container](),
		resource.NewManager(netMgr),
		netMgr,
		readiness.NewCoordinator(readiness.Config{MarkerDir: filepath.Join(dir, "readiness")}),
	)
	return rt, dir
}

func TestCreateRejectsEmptyArgv(t *testing.T) {
	rt, _ := newTestRuntime(t)
	err := rt.Create(context.Background(), "c1", store.ContainerConfig{ImagePath: "/nonexistent.tar.gz"})
	if err == nil {
		t.Fatal("expected an error for empty argv")
	}
	var qerr *quilterr.Error
	if !errors.As(err, &qerr) || qerr.Kind != quilterr.Validation {
		t.Errorf("expected Validation kind, got %v", err)
	}
}

func TestCreateRejectsMissingImagePath(t *testing.T) {
	rt, _ := newTestRuntime(t)
	err := rt.Create(context.Background(), "c1", store.ContainerConfig{Argv: []string{"/bin/sh"}})
	if err == nil {
		t.Fatal("expected an error for missing image path")
	}
	var qerr *quilterr.Error
	if !errors.As(err, &qerr) || qerr.Kind != quilterr.Validation {
		t.Errorf("expected Validation kind, got %v", err)
	}
}

func TestCreateRejectsNonexistentImage(t *testing.T) {
	rt, _ := newTestRuntime(t)
	err := rt.Create(context.Background(), "c1", store.ContainerConfig{
		Argv:      []string{"/bin/sh"},
		ImagePath: "/does/not/exist.tar.gz",
	})
	if err == nil {
		t.Fatal("expected an error for a nonexistent image")
	}
	var qerr *quilterr.Error
	if !errors.As(err, &qerr) || qerr.Kind != quilterr.ImageMissing {
		t.Errorf("expected ImageMissing kind, got %v", err)
	}
}

func TestCreateHappyPathPreparesRootfsAndInsertsContainer(t *testing.T) {
	rt, dir := newTestRuntime(t)
	imagePath := filepath.Join(dir, "image.tar.gz")
	writeTestImage(t, imagePath)

	ctx := context.Background()
	if err := rt.Create(ctx, "c1", store.ContainerConfig{
		Argv:      []string{"/bin/sh", "-c", "true"},
		ImagePath: imagePath,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	c, err := rt.store.GetContainer(ctx, "c1")
	if err != nil {
		t.Fatalf("GetContainer: %v", err)
	}
	if c.State != store.StateCreated {
		t.Errorf("state = %s, want %s", c.State, store.StateCreated)
	}
	if _, ok := rt.reg.Get("c1"); !ok {
		t.Error("expected container to be inserted into the registry")
	}
}

func TestCreateDuplicateIDFails(t *testing.T) {
	rt, dir := newTestRuntime(t)
	imagePath := filepath.Join(dir, "image.tar.gz")
	writeTestImage(t, imagePath)

	ctx := context.Background()
	cfg := store.ContainerConfig{Argv: []string{"/bin/sh"}, ImagePath: imagePath}
	if err := rt.Create(ctx, "dup", cfg); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := rt.Create(ctx, "dup", cfg); err == nil {
		t.Fatal("expected the second Create with the same id to fail")
	}
}

func TestStatsUnknownContainerIsNotFound(t *testing.T) {
	rt, _ := newTestRuntime(t)
	_, err := rt.Stats("never-started")
	if err == nil {
		t.Fatal("expected an error for an untracked container")
	}
	var qerr *quilterr.Error
	if !errors.As(err, &qerr) || qerr.Kind != quilterr.NotFound {
		t.Errorf("expected NotFound kind, got %v", err)
	}
}

func TestStopOnNonRunningContainerIsNoop(t *testing.T) {
	rt, dir := newTestRuntime(t)
	imagePath := filepath.Join(dir, "image.tar.gz")
	writeTestImage(t, imagePath)

	ctx := context.Background()
	if err := rt.Create(ctx, "c1", store.ContainerConfig{
		Argv:      []string{"/bin/sh"},
		ImagePath: imagePath,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := rt.Stop(ctx, "c1"); err != nil {
		t.Errorf("Stop on a Created (not Running) container should be a no-op, got %v", err)
	}
}

// Start, the rest of Stop, Exec, and the supervisor's exit-code bookkeeping
// all require real CLONE_NEWPID/CLONE_NEWNS namespaces, a live cgroupfs,
// and (for Config.Namespaces.Net) a bridge this process can own — none of
// which a general build host can assume. Those paths are exercised by the
// daemon's own integration environment rather than here, keeping this
// file's unit tests independent of any particular host's kernel support.
