// Package resource guarantees that every resource the runtime acquires
// (mounts, cgroup paths, network config, readiness markers) is released,
// even across partial failures. It is the Resource Manager from §4.4.
package resource

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/banksean/quilt/internal/network"
	"github.com/banksean/quilt/internal/quilterr"
)

// Inventory is the in-memory, reconstructible per-container set of
// resources registered before they are acquired, so cleanup is always
// correct even if acquisition fails partway through.
type Inventory struct {
	ContainerID   string
	Mounts        []string // reverse-registration-order unmount list
	CgroupPaths   []string
	ReadinessPath string
	Network       *network.Allocation
}

// Manager tracks one Inventory per container and performs best-effort
// cleanup against it.
type Manager struct {
	mu         sync.Mutex
	inventory  map[string]*Inventory
	netManager *network.Manager
}

func NewManager(netManager *network.Manager) *Manager {
	return &Manager{inventory: make(map[string]*Inventory), netManager: netManager}
}

// Register records the intended resources for id before the runtime
// attempts to acquire them. Registration happens-before acquisition, so
// a failed acquisition still has something correct to clean up.
func (m *Manager) Register(id string) *Inventory {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := &Inventory{ContainerID: id}
	m.inventory[id] = inv
	return inv
}

// AddMount appends a mount point to id's inventory, in acquisition order
// (cleanup walks it in reverse).
func (m *Manager) AddMount(id, mountPoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.inventory[id]; ok {
		inv.Mounts = append(inv.Mounts, mountPoint)
	}
}

// AddCgroupPath registers a cgroup directory for id.
func (m *Manager) AddCgroupPath(id, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.inventory[id]; ok {
		inv.CgroupPaths = append(inv.CgroupPaths, path)
	}
}

// SetReadinessPath records the readiness marker path for id.
func (m *Manager) SetReadinessPath(id, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.inventory[id]; ok {
		inv.ReadinessPath = path
	}
}

// SetNetwork records the network allocation snapshot for id.
func (m *Manager) SetNetwork(id string, alloc *network.Allocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.inventory[id]; ok {
		inv.Network = alloc
	}
}

func (m *Manager) get(id string) (*Inventory, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.inventory[id]
	return inv, ok
}

// Result records the outcome of one resource's cleanup attempt so
// callers can log failures without losing progress on the others.
type Result struct {
	Resource string
	Err      error
}

// CleanupContainerResources performs best-effort release of every
// resource registered for id: unmount in reverse order, remove cgroup
// dirs, tear down networking, remove the rootfs dir, delete the
// readiness marker. It never stops early on a single failure.
func (m *Manager) CleanupContainerResources(ctx context.Context, id, rootfsPath string) []Result {
	inv, ok := m.get(id)
	if !ok {
		inv = &Inventory{ContainerID: id}
	}

	var results []Result

	for i := len(inv.Mounts) - 1; i >= 0; i-- {
		mp := inv.Mounts[i]
		if err := unmount(mp); err != nil {
			results = append(results, Result{Resource: "mount:" + mp, Err: err})
		} else {
			results = append(results, Result{Resource: "mount:" + mp})
		}
	}

	for _, cg := range inv.CgroupPaths {
		if err := os.RemoveAll(cg); err != nil {
			results = append(results, Result{Resource: "cgroup:" + cg, Err: err})
		} else {
			results = append(results, Result{Resource: "cgroup:" + cg})
		}
	}

	if m.netManager != nil {
		if err := m.netManager.Cleanup(ctx, id); err != nil {
			results = append(results, Result{Resource: "network:" + id, Err: err})
		} else {
			results = append(results, Result{Resource: "network:" + id})
		}
	}

	if rootfsPath != "" {
		if err := os.RemoveAll(rootfsPath); err != nil {
			results = append(results, Result{Resource: "rootfs:" + rootfsPath, Err: err})
		} else {
			results = append(results, Result{Resource: "rootfs:" + rootfsPath})
		}
	}

	readiness := inv.ReadinessPath
	if readiness != "" {
		if err := os.Remove(readiness); err != nil && !os.IsNotExist(err) {
			results = append(results, Result{Resource: "readiness:" + readiness, Err: err})
		} else {
			results = append(results, Result{Resource: "readiness:" + readiness})
		}
	}

	m.mu.Lock()
	delete(m.inventory, id)
	m.mu.Unlock()

	return results
}

// EmergencyCleanup is invoked when normal cleanup fails: it walks the
// host for filesystem/network state matching id and forcibly reclaims
// it, independent of what was registered in memory (which may itself be
// stale or lost across a crash).
func (m *Manager) EmergencyCleanup(ctx context.Context, id, rootfsPath string) []Result {
	var results []Result

	if rootfsPath != "" {
		if err := os.RemoveAll(rootfsPath); err != nil {
			results = append(results, Result{Resource: "rootfs:" + rootfsPath, Err: err})
		} else {
			results = append(results, Result{Resource: "rootfs:" + rootfsPath})
		}
	}

	if m.netManager != nil {
		if err := m.netManager.ForceCleanup(ctx, id); err != nil {
			results = append(results, Result{Resource: "network:" + id, Err: err})
		} else {
			results = append(results, Result{Resource: "network:" + id})
		}
	}

	return results
}

func unmount(path string) error {
	cmd := exec.Command("umount", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return quilterr.New(quilterr.Cleanup, "resource.unmount", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}
