package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCleanupContainerResourcesRemovesRootfsAndMarker(t *testing.T) {
	m := NewManager(nil)
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs")
	os.MkdirAll(rootfs, 0o755)
	os.WriteFile(filepath.Join(rootfs, "file"), []byte("x"), 0o644)

	marker := filepath.Join(dir, "c1.ready")
	os.WriteFile(marker, []byte("123"), 0o644)

	inv := m.Register("c1")
	inv.ReadinessPath = marker

	results := m.CleanupContainerResources(context.Background(), "c1", rootfs)

	if _, err := os.Stat(rootfs); !os.IsNotExist(err) {
		t.Errorf("rootfs not removed: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf("marker not removed: %v", err)
	}

	for _, r := range results {
		if r.Err != nil {
			t.Errorf("unexpected cleanup failure for %s: %v", r.Resource, r.Err)
		}
	}
}

func TestCleanupContainerResourcesUnknownIDIsBestEffort(t *testing.T) {
	m := NewManager(nil)
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs")
	os.MkdirAll(rootfs, 0o755)

	// No Register call: inventory is empty, but rootfs removal must still happen.
	m.CleanupContainerResources(context.Background(), "ghost", rootfs)

	if _, err := os.Stat(rootfs); !os.IsNotExist(err) {
		t.Errorf("rootfs not removed for unregistered container: %v", err)
	}
}

func TestEmergencyCleanupRemovesRootfs(t *testing.T) {
	m := NewManager(nil)
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs")
	os.MkdirAll(rootfs, 0o755)

	m.EmergencyCleanup(context.Background(), "c2", rootfs)

	if _, err := os.Stat(rootfs); !os.IsNotExist(err) {
		t.Errorf("rootfs not removed by emergency cleanup: %v", err)
	}
}
