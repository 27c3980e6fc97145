// Package network is the bridge-based inter-container networking layer
// from §4.3: atomic bridge initialization, lock-free IP allocation,
// ultra-batched veth setup, and multi-phase readiness verification.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/banksean/quilt/internal/quilterr"
	"github.com/banksean/quilt/internal/telemetry"
	"github.com/vishvananda/netlink"
)

// Config configures the shared bridge and its address pool.
type Config struct {
	BridgeName string
	BridgeIP   string // e.g. "10.42.0.1"
	SubnetMask string // e.g. "16"
	PoolStart  uint32 // last octet to start allocation from, e.g. 2
	PoolEnd    uint32 // last octet ceiling, e.g. 254

	// IPBinPath/NsenterBinPath/PingBinPath let tests and unusual hosts
	// override the external binaries invoked for batched setup.
	IPBinPath      string
	NsenterBinPath string
	PingBinPath    string
}

func (c Config) ipBin() string {
	if c.IPBinPath != "" {
		return c.IPBinPath
	}
	return "ip"
}

func (c Config) nsenterBin() string {
	if c.NsenterBinPath != "" {
		return c.NsenterBinPath
	}
	return "nsenter"
}

func (c Config) pingBin() string {
	if c.PingBinPath != "" {
		return c.PingBinPath
	}
	return "ping"
}

// Allocation is the network identity assigned to one container.
type Allocation struct {
	ContainerID   string
	IPAddress     string
	SubnetMask    string
	GatewayIP     string
	VethHost      string
	VethContainer string
	InterfaceName string
}

// stateCache carries the two atomic flags described in §4.3: callers
// fast-path on bridgeReady; the first caller to win the CAS on
// setupInProgress performs initialization, others spin-wait and retry.
type stateCache struct {
	bridgeReady     atomic.Bool
	setupInProgress atomic.Bool
}

func (s *stateCache) tryStartSetup() bool {
	return s.setupInProgress.CompareAndSwap(false, true)
}

func (s *stateCache) finishSetup() {
	s.setupInProgress.Store(false)
}

// Manager owns the shared bridge and the monotonic IP allocator. It is
// process-wide state: one Manager per daemon, constructed once at
// startup.
type Manager struct {
	cfg   Config
	state stateCache
	nextIP uint32 // atomic, advanced via CompareAndSwap

	mu          sync.Mutex
	allocations map[string]*Allocation
}

// ErrPoolExhausted is returned by AllocateIP when no address remains.
var ErrPoolExhausted = fmt.Errorf("ip pool exhausted")

// BridgeName reports the shared bridge this manager places containers on.
func (m *Manager) BridgeName() string {
	return m.cfg.BridgeName
}

// NewManager constructs a Manager. The pool's high-water mark can be
// seeded from persisted allocations (restart recovery) via Seed.
func NewManager(cfg Config) *Manager {
	if cfg.PoolStart == 0 {
		cfg.PoolStart = 2
	}
	if cfg.PoolEnd == 0 {
		cfg.PoolEnd = 254
	}
	m := &Manager{cfg: cfg, allocations: make(map[string]*Allocation)}
	m.nextIP = cfg.PoolStart
	return m
}

// Seed advances the allocator past every IP already in use, so restarts
// never hand out a duplicate. octets are the last-octet values of IPs
// already recorded in the store.
func (m *Manager) Seed(octets []uint32) {
	for _, o := range octets {
		for {
			cur := atomic.LoadUint32(&m.nextIP)
			if o < cur {
				break
			}
			if atomic.CompareAndSwapUint32(&m.nextIP, cur, o+1) {
				break
			}
		}
	}
}

// EnsureBridgeReady performs the atomic, at-most-once bridge
// initialization described in §4.3. Concurrent callers observe at most
// one initializer; others spin-wait up to a bounded window and then
// retry, eventually just rechecking bridgeReady.
func (m *Manager) EnsureBridgeReady(ctx context.Context) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "network.EnsureBridgeReady")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if m.state.bridgeReady.Load() {
		return nil
	}

	if !m.state.tryStartSetup() {
		for i := 0; i < 50; i++ { // bounded window: ~500ms
			if m.state.bridgeReady.Load() {
				return nil
			}
			time.Sleep(10 * time.Millisecond)
		}
		// Still not ready: fall through and attempt our own setup rather
		// than hang forever on a wedged initializer.
	}
	defer m.state.finishSetup()

	if m.state.bridgeReady.Load() {
		return nil
	}

	if m.bridgeExistsAndConfigured() {
		m.state.bridgeReady.Store(true)
		slog.InfoContext(ctx, "network.EnsureBridgeReady", "bridge", m.cfg.BridgeName, "status", "adopted")
		return nil
	}

	if m.bridgeExistsFast() {
		// Misconfigured: tear down and recreate.
		exec.CommandContext(ctx, m.cfg.ipBin(), "link", "delete", m.cfg.BridgeName).Run()
	}

	if err := m.createBridgeAtomic(ctx); err != nil {
		return quilterr.New(quilterr.Network, "network.EnsureBridgeReady", err)
	}

	if !m.verifyBridgeUp(ctx) {
		return quilterr.New(quilterr.Network, "network.EnsureBridgeReady",
			fmt.Errorf("bridge %s did not come up", m.cfg.BridgeName))
	}

	m.state.bridgeReady.Store(true)
	slog.InfoContext(ctx, "network.EnsureBridgeReady", "bridge", m.cfg.BridgeName, "status", "created")
	return nil
}

// createBridgeAtomic is the "single compound command" bridge setup: add,
// address, up, in one shell invocation, verified by fast polling.
func (m *Manager) createBridgeAtomic(ctx context.Context) error {
	cmd := fmt.Sprintf("%s link add %s type bridge && %s addr add %s/%s dev %s && %s link set %s up",
		m.cfg.ipBin(), m.cfg.BridgeName,
		m.cfg.ipBin(), m.cfg.BridgeIP, m.cfg.SubnetMask, m.cfg.BridgeName,
		m.cfg.ipBin(), m.cfg.BridgeName)
	if out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput(); err != nil {
		return fmt.Errorf("bridge create batch failed: %w: %s", err, out)
	}
	return nil
}

func (m *Manager) bridgeExistsFast() bool {
	_, err := netlink.LinkByName(m.cfg.BridgeName)
	return err == nil
}

func (m *Manager) bridgeExistsAndConfigured() bool {
	link, err := netlink.LinkByName(m.cfg.BridgeName)
	if err != nil {
		return false
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := netlink.AddrList(link, 0)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if a.IP.String() == m.cfg.BridgeIP {
			return true
		}
	}
	return false
}

func (m *Manager) verifyBridgeUp(ctx context.Context) bool {
	for i := 0; i < 10; i++ {
		if m.bridgeExistsAndConfigured() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// AllocateIP advances the atomic counter with compare-and-swap,
// returning PoolExhausted once the ceiling is passed, without mutating
// any other state.
func (m *Manager) AllocateIP() (string, error) {
	for {
		cur := atomic.LoadUint32(&m.nextIP)
		if cur > m.cfg.PoolEnd {
			return "", quilterr.New(quilterr.Network, "network.AllocateIP", ErrPoolExhausted)
		}
		if atomic.CompareAndSwapUint32(&m.nextIP, cur, cur+1) {
			return fmt.Sprintf("%s.%d", bridgeIPPrefix(m.cfg.BridgeIP), cur), nil
		}
	}
}

// bridgeIPPrefix returns the first three octets of a dotted-quad IP.
func bridgeIPPrefix(ip string) string {
	idx := strings.LastIndex(ip, ".")
	if idx < 0 {
		return ip
	}
	return ip[:idx]
}

// AllocateContainerNetwork reserves an IP and deterministic veth names
// for a container, without touching the host yet.
func (m *Manager) AllocateContainerNetwork(id string) (*Allocation, error) {
	ip, err := m.AllocateIP()
	if err != nil {
		return nil, err
	}
	shortID := id
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	alloc := &Allocation{
		ContainerID:   id,
		IPAddress:     ip,
		SubnetMask:    m.cfg.SubnetMask,
		GatewayIP:     m.cfg.BridgeIP,
		VethHost:      "veth-" + shortID,
		VethContainer: "vethc-" + shortID,
		InterfaceName: "quilt" + shortID,
	}

	m.mu.Lock()
	m.allocations[id] = alloc
	m.mu.Unlock()
	return alloc, nil
}

// SetupContainerNetwork runs the two ultra-batched commands (host side,
// then container side via nsenter) and verifies readiness.
func (m *Manager) SetupContainerNetwork(ctx context.Context, alloc *Allocation, containerPID int) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "network.SetupContainerNetwork")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := m.hostBatch(ctx, alloc, containerPID); err != nil {
		return quilterr.New(quilterr.Network, "network.SetupContainerNetwork host", err)
	}
	if err := m.containerBatch(ctx, alloc, containerPID); err != nil {
		return quilterr.New(quilterr.Network, "network.SetupContainerNetwork container", err)
	}
	if err := m.VerifyReady(ctx, alloc, containerPID); err != nil {
		return err
	}
	return nil
}

func (m *Manager) hostBatch(ctx context.Context, a *Allocation, pid int) error {
	ip := m.cfg.ipBin()
	cmd := fmt.Sprintf(
		"%s link delete %s 2>/dev/null || true && %s link delete %s 2>/dev/null || true && "+
			"%s link add %s type veth peer name %s && %s link set %s master %s && %s link set %s up && "+
			"%s link set %s netns %d",
		ip, a.VethHost, ip, a.VethContainer,
		ip, a.VethHost, a.VethContainer,
		ip, a.VethHost, m.cfg.BridgeName,
		ip, a.VethHost,
		ip, a.VethContainer, pid,
	)
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
	if err != nil {
		return fmt.Errorf("host batch failed: %w: %s", err, out)
	}
	return nil
}

func (m *Manager) containerBatch(ctx context.Context, a *Allocation, pid int) error {
	ip := m.cfg.ipBin()
	ipWithMask := fmt.Sprintf("%s/%s", a.IPAddress, a.SubnetMask)
	inner := fmt.Sprintf(
		"%s link set %s name %s && %s addr add %s dev %s && %s link set %s up && %s link set lo up && "+
			"(%s route add default via %s dev %s 2>/dev/null || true)",
		ip, a.VethContainer, a.InterfaceName,
		ip, ipWithMask, a.InterfaceName,
		ip, a.InterfaceName, ip,
		ip, a.GatewayIP, a.InterfaceName,
	)
	cmd := exec.CommandContext(ctx, m.cfg.nsenterBin(), "-t", fmt.Sprint(pid), "-n", "sh", "-c", inner)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("container batch failed: %w: %s", err, out)
	}
	return nil
}

// VerifyReady runs the three bounded-retry verification phases from
// §4.3: interface presence, exec probe, and a non-fatal connectivity
// probe.
func (m *Manager) VerifyReady(ctx context.Context, a *Allocation, pid int) error {
	if err := m.verifyInterfacePresent(a, pid); err != nil {
		return quilterr.New(quilterr.Network, "network.VerifyReady interface", err)
	}
	if err := m.verifyExecProbe(ctx, pid); err != nil {
		return quilterr.New(quilterr.Network, "network.VerifyReady exec", err)
	}
	m.verifyConnectivity(ctx, a, pid) // non-fatal, logged only
	return nil
}

func (m *Manager) verifyInterfacePresent(a *Allocation, pid int) error {
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		ok, err := interfaceHasIP(pid, a.InterfaceName, a.IPAddress)
		if err == nil && ok {
			return nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("interface %s never reported IP %s: %w", a.InterfaceName, a.IPAddress, lastErr)
}

// interfaceHasIP is a hook point so tests can substitute host inspection
// without a real network namespace; production wiring shells into the
// pid's netns via nsenter and parses `ip addr show`.
var interfaceHasIP = func(pid int, iface, ip string) (bool, error) {
	cmd := exec.Command("nsenter", "-t", fmt.Sprint(pid), "-n", "ip", "addr", "show", iface)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), ip), nil
}

func (m *Manager) verifyExecProbe(ctx context.Context, pid int) error {
	const token = "quilt_exec_ready"
	var lastErr error
	for attempt := 0; attempt < 30; attempt++ {
		cmd := exec.CommandContext(ctx, m.cfg.nsenterBin(), "-t", fmt.Sprint(pid), "-n", "/bin/sh", "-c", "echo "+token)
		out, err := cmd.Output()
		if err == nil && strings.TrimSpace(string(out)) == token {
			return nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("exec probe never succeeded: %w", lastErr)
}

func (m *Manager) verifyConnectivity(ctx context.Context, a *Allocation, pid int) {
	cmd := exec.CommandContext(ctx, m.cfg.nsenterBin(), "-t", fmt.Sprint(pid), "-n",
		m.cfg.pingBin(), "-c", "1", "-W", "2", a.GatewayIP)
	if err := cmd.Run(); err != nil {
		slog.WarnContext(ctx, "network.verifyConnectivity failed, non-fatal", "container", a.ContainerID, "error", err)
	}
}

// Cleanup tears down the veth pair for a container. Removing the host
// side is sufficient; the container side dies with the netns.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	m.mu.Lock()
	alloc, ok := m.allocations[id]
	delete(m.allocations, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.deleteVeth(ctx, alloc.VethHost)
}

// ForceCleanup deletes a veth by the deterministic name derived from id,
// for crash-recovery paths where no in-memory Allocation survived.
func (m *Manager) ForceCleanup(ctx context.Context, id string) error {
	shortID := id
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return m.deleteVeth(ctx, "veth-"+shortID)
}

func (m *Manager) deleteVeth(ctx context.Context, name string) error {
	if _, err := netlink.LinkByName(name); err != nil {
		return nil // already gone
	}
	if out, err := exec.CommandContext(ctx, m.cfg.ipBin(), "link", "delete", name).CombinedOutput(); err != nil {
		return quilterr.New(quilterr.Cleanup, "network.deleteVeth", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}
