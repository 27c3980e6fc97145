package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/banksean/quilt/internal/quilterr"
	"github.com/banksean/quilt/internal/store"
)

// cgroupRoot is where the host mounts cgroupfs; overridable in tests.
var cgroupRoot = "/sys/fs/cgroup"

// minMemoryBytes and minPIDs are the floors enforced during initialization
// mode, regardless of what the caller asked for, so that a container with a
// tiny memory ceiling doesn't fail its own fork/exec before the user
// command ever runs. These floors come straight from the original
// source's validated() pass.
const (
	minMemoryBytes = 256 * 1024 * 1024
	minPIDs        = 64
)

// validatedLimits clamps a caller-supplied ResourceLimits to the floors
// above and fills zero fields with the daemon defaults (512 MiB memory,
// 1024 pids, a 100000us CPU period).
func validatedLimits(l store.ResourceLimits) store.ResourceLimits {
	if l.MemoryBytes > 0 && l.MemoryBytes < minMemoryBytes {
		l.MemoryBytes = minMemoryBytes
	}
	if l.MemoryBytes == 0 {
		l.MemoryBytes = 512 * 1024 * 1024
	}
	if l.PIDsLimit > 0 && l.PIDsLimit < minPIDs {
		l.PIDsLimit = minPIDs
	}
	if l.PIDsLimit == 0 {
		l.PIDsLimit = 1024
	}
	if l.CPUPeriodUs == 0 {
		l.CPUPeriodUs = 100000
	}
	return l
}

// cgroupManager owns one container's cgroup subtree. It targets either v1
// or v2 depending on what the host mounts, decided once at create time.
type cgroupManager struct {
	containerID string
	v2          bool
	initMode    bool
}

func newCgroupManager(containerID string) *cgroupManager {
	_, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers"))
	return &cgroupManager{
		containerID: containerID,
		v2:          err == nil,
		initMode:    true,
	}
}

// createCgroups sets up the container's cgroup with relaxed limits: while
// initMode is true no memory ceiling is written and pids.max gets the
// floored value from validatedLimits, so a request for e.g. 64MiB or 10
// pids can't prevent the child from forking at all. finalizeLimits
// re-applies the caller's real numbers afterward.
func (m *cgroupManager) createCgroups(limits store.ResourceLimits) error {
	limits = validatedLimits(limits)
	if m.v2 {
		return m.createV2(limits)
	}
	return m.createV1(limits)
}

func (m *cgroupManager) dirV2() string {
	return filepath.Join(cgroupRoot, "quilt", m.containerID)
}

// dirPath returns the primary cgroup directory for this container.
func (m *cgroupManager) dirPath() string {
	if m.v2 {
		return m.dirV2()
	}
	return m.dirV1("memory")
}

// dirPaths returns every cgroup directory this container occupies, so the
// Resource Manager's cleanup inventory can reclaim all of them — v1 splits
// controllers across separate hierarchies, v2 has just the one.
func (m *cgroupManager) dirPaths() []string {
	if m.v2 {
		return []string{m.dirV2()}
	}
	return []string{m.dirV1("memory"), m.dirV1("cpu"), m.dirV1("pids")}
}

func (m *cgroupManager) createV2(limits store.ResourceLimits) error {
	dir := m.dirV2()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return quilterr.New(quilterr.Runtime, "cgroup.createV2", err)
	}

	parent := filepath.Join(cgroupRoot, "quilt")
	if _, err := os.Stat(parent); err == nil {
		if err := os.WriteFile(filepath.Join(parent, "cgroup.subtree_control"), []byte("+memory +cpu +pids"), 0o644); err != nil {
			slog.Warn("cgroup: failed to enable subtree controllers", "err", err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "pids.max"), []byte(strconv.FormatInt(limits.PIDsLimit, 10)), 0o644); err != nil {
		slog.Warn("cgroup: failed to set pids.max", "err", err)
	}

	if m.initMode {
		return nil
	}
	return m.applyV2Limits(limits)
}

func (m *cgroupManager) applyV2Limits(limits store.ResourceLimits) error {
	dir := m.dirV2()
	if limits.MemoryBytes > 0 {
		if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(strconv.FormatInt(limits.MemoryBytes, 10)), 0o644); err != nil {
			slog.Warn("cgroup: failed to set memory.max", "err", err)
		} else {
			os.WriteFile(filepath.Join(dir, "memory.swap.max"), []byte("0"), 0o644)
		}
	}
	if limits.CPUWeight > 0 {
		os.WriteFile(filepath.Join(dir, "cpu.weight"), []byte(strconv.FormatInt(limits.CPUWeight, 10)), 0o644)
	}
	if limits.CPUQuotaUs > 0 {
		period := limits.CPUPeriodUs
		os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(fmt.Sprintf("%d %d", limits.CPUQuotaUs, period)), 0o644)
	}
	return nil
}

func (m *cgroupManager) dirV1(controller string) string {
	return filepath.Join(cgroupRoot, controller, "quilt", m.containerID)
}

func (m *cgroupManager) createV1(limits store.ResourceLimits) error {
	for _, controller := range []string{"memory", "cpu", "pids"} {
		if err := os.MkdirAll(m.dirV1(controller), 0o755); err != nil {
			slog.Warn("cgroup: failed to create v1 controller dir", "controller", controller, "err", err)
		}
	}

	os.WriteFile(filepath.Join(m.dirV1("pids"), "pids.max"), []byte(strconv.FormatInt(limits.PIDsLimit, 10)), 0o644)
	os.WriteFile(filepath.Join(m.dirV1("cpu"), "cpu.shares"), []byte(strconv.FormatInt(limits.CPUWeight, 10)), 0o644)

	if m.initMode {
		return nil
	}
	return m.applyV1Limits(limits)
}

func (m *cgroupManager) applyV1Limits(limits store.ResourceLimits) error {
	if limits.MemoryBytes > 0 {
		path := filepath.Join(m.dirV1("memory"), "memory.limit_in_bytes")
		if err := os.WriteFile(path, []byte(strconv.FormatInt(limits.MemoryBytes, 10)), 0o644); err != nil {
			slog.Warn("cgroup: failed to set v1 memory limit", "err", err)
		}
	}
	return nil
}

// finalizeLimits re-applies the user's requested limits after the child has
// survived its fork/exec setup, and clears initialization mode so future
// calls don't re-relax anything.
func (m *cgroupManager) finalizeLimits(limits store.ResourceLimits) error {
	m.initMode = false
	requested := limits
	limits = validatedLimits(limits)
	if requested.MemoryBytes > 0 {
		limits.MemoryBytes = requested.MemoryBytes
	}
	if requested.PIDsLimit > 0 {
		limits.PIDsLimit = requested.PIDsLimit
		pidsDir := m.dirV1("pids")
		if m.v2 {
			pidsDir = m.dirV2()
		}
		os.WriteFile(filepath.Join(pidsDir, "pids.max"), []byte(strconv.FormatInt(limits.PIDsLimit, 10)), 0o644)
	}
	if m.v2 {
		return m.applyV2Limits(limits)
	}
	return m.applyV1Limits(limits)
}

// addProcess puts pid under this container's cgroup.
func (m *cgroupManager) addProcess(pid int) error {
	pidStr := strconv.Itoa(pid)
	if m.v2 {
		if err := os.WriteFile(filepath.Join(m.dirV2(), "cgroup.procs"), []byte(pidStr), 0o644); err != nil {
			return quilterr.New(quilterr.Runtime, "cgroup.addProcess", err)
		}
		return nil
	}
	for _, controller := range []string{"memory", "cpu", "pids"} {
		if err := os.WriteFile(filepath.Join(m.dirV1(controller), "cgroup.procs"), []byte(pidStr), 0o644); err != nil {
			return quilterr.New(quilterr.Runtime, "cgroup.addProcess", err)
		}
	}
	return nil
}

// memoryUsage reads the current memory usage figure, used by Stats.
func (m *cgroupManager) memoryUsage() (string, error) {
	var path string
	if m.v2 {
		path = filepath.Join(m.dirV2(), "memory.current")
	} else {
		path = filepath.Join(m.dirV1("memory"), "memory.usage_in_bytes")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", quilterr.New(quilterr.Runtime, "cgroup.memoryUsage", err)
	}
	return string(data), nil
}

// stats collects a handful of operator-facing usage figures.
func (m *cgroupManager) stats() map[string]string {
	out := map[string]string{}
	if mem, err := m.memoryUsage(); err == nil {
		out["memory_current_bytes"] = trimNewline(mem)
	}
	var pidsPath, peakPath string
	if m.v2 {
		pidsPath = filepath.Join(m.dirV2(), "pids.current")
		peakPath = filepath.Join(m.dirV2(), "memory.peak")
	} else {
		pidsPath = filepath.Join(m.dirV1("pids"), "pids.current")
	}
	if data, err := os.ReadFile(pidsPath); err == nil {
		out["pids_current"] = trimNewline(string(data))
	}
	if peakPath != "" {
		if data, err := os.ReadFile(peakPath); err == nil {
			out["memory_peak_bytes"] = trimNewline(string(data))
		}
	}
	return out
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
