package runtime

import (
	"testing"

	"github.com/banksean/quilt/internal/store"
)

func TestValidatedLimitsEnforcesFloors(t *testing.T) {
	got := validatedLimits(store.ResourceLimits{MemoryBytes: 1024, PIDsLimit: 4})
	if got.MemoryBytes != minMemoryBytes {
		t.Errorf("MemoryBytes = %d, want floor %d", got.MemoryBytes, minMemoryBytes)
	}
	if got.PIDsLimit != minPIDs {
		t.Errorf("PIDsLimit = %d, want floor %d", got.PIDsLimit, minPIDs)
	}
}

func TestValidatedLimitsFillsZeroDefaults(t *testing.T) {
	got := validatedLimits(store.ResourceLimits{})
	if got.MemoryBytes != 512*1024*1024 {
		t.Errorf("default MemoryBytes = %d", got.MemoryBytes)
	}
	if got.PIDsLimit != 1024 {
		t.Errorf("default PIDsLimit = %d", got.PIDsLimit)
	}
	if got.CPUPeriodUs != 100000 {
		t.Errorf("default CPUPeriodUs = %d", got.CPUPeriodUs)
	}
}

func TestValidatedLimitsLeavesGenerousRequestsAlone(t *testing.T) {
	got := validatedLimits(store.ResourceLimits{MemoryBytes: 1 << 30, PIDsLimit: 4096})
	if got.MemoryBytes != 1<<30 {
		t.Errorf("MemoryBytes should be untouched, got %d", got.MemoryBytes)
	}
	if got.PIDsLimit != 4096 {
		t.Errorf("PIDsLimit should be untouched, got %d", got.PIDsLimit)
	}
}

func TestNewCgroupManagerPicksV1OrV2FromHost(t *testing.T) {
	m := newCgroupManager("c1")
	// Whichever mode is detected, the dir helpers must agree with it.
	if m.v2 && m.dirPath() != m.dirV2() {
		t.Error("v2 manager's dirPath should be dirV2")
	}
	if !m.v2 && m.dirPath() != m.dirV1("memory") {
		t.Error("v1 manager's dirPath should be the memory controller dir")
	}
	if m.v2 && len(m.dirPaths()) != 1 {
		t.Errorf("v2 manager should report exactly one cgroup dir, got %v", m.dirPaths())
	}
	if !m.v2 && len(m.dirPaths()) != 3 {
		t.Errorf("v1 manager should report three controller dirs, got %v", m.dirPaths())
	}
}
