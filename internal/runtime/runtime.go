// Package runtime implements the container lifecycle engine from §4.1:
// turning a ContainerConfig into a supervised, namespaced, cgrouped
// process and tearing it back down again.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banksean/quilt/internal/logring"
	"github.com/banksean/quilt/internal/network"
	"github.com/banksean/quilt/internal/quilterr"
	"github.com/banksean/quilt/internal/readiness"
	"github.com/banksean/quilt/internal/registry"
	"github.com/banksean/quilt/internal/resource"
	"github.com/banksean/quilt/internal/store"
	"github.com/banksean/quilt/internal/telemetry"
)

// Config is the set of host paths and external binaries the runtime needs.
// Kept as a plain struct with zero-value defaults, so a missing field
// falls back to its accessor's default rather than failing validation.
type Config struct {
	LayersBase     string
	RootfsBase     string
	NsenterBinPath string
	StopGrace      time.Duration
}

func (c Config) layersBase() string {
	if c.LayersBase != "" {
		return c.LayersBase
	}
	return "/var/lib/quilt/layers"
}

func (c Config) rootfsBase() string {
	if c.RootfsBase != "" {
		return c.RootfsBase
	}
	return "/var/lib/quilt/containers"
}

func (c Config) nsenterBin() string {
	if c.NsenterBinPath != "" {
		return c.NsenterBinPath
	}
	return "nsenter"
}

func (c Config) stopGrace() time.Duration {
	if c.StopGrace > 0 {
		return c.StopGrace
	}
	return 5 * time.Second
}

// Runtime is the daemon-wide container lifecycle engine. One Runtime is
// shared by every container; per-container state lives in the store, the
// registry, and this package's own supervisor set.
type Runtime struct {
	cfg Config

	store     *store.Store
	reg       *registry.Registry[*store.Container]
	resources *resource.Manager
	net       *network.Manager
	readiness *readiness.Coordinator

	supervisors *supervisorSet

	cgroupsMu sync.Mutex
	cgroups   map[string]*cgroupManager

	logsMu sync.Mutex
	logs   map[string]*logring.Ring
}

func New(cfg Config, st *store.Store, reg *registry.Registry[*store.Container], resources *resource.Manager, net *network.Manager, rc *readiness.Coordinator) *Runtime {
	return &Runtime{
		cfg:         cfg,
		store:       st,
		reg:         reg,
		resources:   resources,
		net:         net,
		readiness:   rc,
		supervisors: newSupervisorSet(),
		cgroups:     map[string]*cgroupManager{},
		logs:        map[string]*logring.Ring{},
	}
}

// Create validates config, inserts the Created record, and prepares the
// rootfs. It does not start anything.
func (rt *Runtime) Create(ctx context.Context, id string, cfg store.ContainerConfig) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runtime.Create", trace.WithAttributes(attribute.String("container.id", id)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(cfg.Argv) == 0 {
		return quilterr.New(quilterr.Validation, "runtime.Create", fmt.Errorf("argv must not be empty"))
	}
	if cfg.ImagePath == "" {
		return quilterr.New(quilterr.Validation, "runtime.Create", fmt.Errorf("image path required"))
	}
	if _, err := os.Stat(cfg.ImagePath); err != nil {
		return quilterr.New(quilterr.ImageMissing, "runtime.Create", err)
	}

	c := &store.Container{
		ID:         id,
		Config:     cfg,
		State:      store.StateCreated,
		RootfsPath: filepath.Join(rt.cfg.rootfsBase(), id),
		CreatedAt:  time.Now().UTC(),
	}
	if err := rt.store.CreateContainer(ctx, c); err != nil {
		return err
	}

	inv := rt.resources.Register(id)
	inv.ReadinessPath = rt.readiness.MarkerPath(id)

	if _, err := prepareRootfs(cfg.ImagePath, rt.cfg.layersBase(), rt.cfg.rootfsBase(), id); err != nil {
		rt.store.TransitionState(ctx, id, store.StateFailed, store.TransitionOpts{FailMsg: err.Error()})
		return err
	}

	rt.reg.Insert(id, c)
	return nil
}

// Start forks the container process. See §4.1 for the full sequence;
// this is the Go realization of it end to end.
func (rt *Runtime) Start(ctx context.Context, id string) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runtime.Start", trace.WithAttributes(attribute.String("container.id", id)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c, err := rt.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if !store.CanTransition(c.State, store.StateStarting) {
		return quilterr.New(quilterr.Validation, "runtime.Start", fmt.Errorf("container %s is %s, not startable", id, c.State))
	}
	if err := rt.store.TransitionState(ctx, id, store.StateStarting, store.TransitionOpts{}); err != nil {
		return err
	}

	cg := newCgroupManager(id)
	if err := cg.createCgroups(c.Config.Limits); err != nil {
		return rt.failStart(ctx, id, "runtime.Start cgroup create", err)
	}
	rt.cgroupsMu.Lock()
	rt.cgroups[id] = cg
	rt.cgroupsMu.Unlock()
	for _, p := range cg.dirPaths() {
		rt.resources.AddCgroupPath(id, p)
	}

	markerPath := rt.readiness.MarkerPath(id)
	cmd, err := buildChildCommand(id, c.Config, c.RootfsPath, markerPath)
	if err != nil {
		return rt.failStart(ctx, id, "runtime.Start build child", err)
	}

	logs := logring.New(logring.DefaultCapacity)
	cmd.Stdout = logs
	cmd.Stderr = logs
	rt.logsMu.Lock()
	rt.logs[id] = logs
	rt.logsMu.Unlock()

	if err := cmd.Start(); err != nil {
		return rt.failStart(ctx, id, "runtime.Start fork", err)
	}
	pid := cmd.Process.Pid

	if err := cg.addProcess(pid); err != nil {
		slog.WarnContext(ctx, "runtime: failed to add child to cgroup", "container_id", id, "err", err)
	}
	if err := cg.finalizeLimits(c.Config.Limits); err != nil {
		slog.WarnContext(ctx, "runtime: failed to finalize cgroup limits", "container_id", id, "err", err)
	}

	if c.Config.Namespaces.Net {
		alloc, err := rt.net.AllocateContainerNetwork(id)
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return rt.failStart(ctx, id, "runtime.Start network allocate", err)
		}
		if err := rt.net.EnsureBridgeReady(ctx); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return rt.failStart(ctx, id, "runtime.Start bridge", err)
		}
		if err := rt.net.SetupContainerNetwork(ctx, alloc, pid); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return rt.failStart(ctx, id, "runtime.Start network setup", err)
		}
		rt.resources.SetNetwork(id, alloc)
		rt.store.SetIPAddress(ctx, id, alloc.IPAddress)
		rt.store.UpsertNetworkAllocation(ctx, &store.NetworkAllocation{
			ContainerID:    id,
			IPAddress:      alloc.IPAddress,
			BridgeName:     rt.net.BridgeName(),
			VethHost:       alloc.VethHost,
			VethContainer:  alloc.VethContainer,
			SetupCompleted: true,
		})
	}

	expectedPID := pid
	if c.Config.Namespaces.PID {
		// A process cloned with CLONE_NEWPID is always pid 1 inside its
		// own namespace, and that is the pid init writes into its marker,
		// so the readiness check expects 1 rather than the host pid.
		expectedPID = 1
	}
	if err := rt.readiness.WaitReady(ctx, id, expectedPID); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return rt.failStart(ctx, id, "runtime.Start readiness", err)
	}

	if err := rt.store.TransitionState(ctx, id, store.StateRunning, store.TransitionOpts{PID: pid}); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return err
	}
	c.State = store.StateRunning
	c.PID = pid
	rt.reg.Insert(id, c)

	done := rt.supervisors.register(id)
	go rt.supervise(id, cmd, done)

	return nil
}

func (rt *Runtime) failStart(ctx context.Context, id, op string, cause error) error {
	wrapped := quilterr.New(quilterr.Runtime, op, cause)
	if err := rt.store.TransitionState(ctx, id, store.StateFailed, store.TransitionOpts{FailMsg: wrapped.Error()}); err != nil {
		slog.ErrorContext(ctx, "runtime: failed to record start failure", "container_id", id, "err", err)
	}
	for _, res := range rt.resources.CleanupContainerResources(ctx, id, rt.rootfsPathOf(ctx, id)) {
		if res.Err != nil {
			slog.WarnContext(ctx, "runtime: cleanup after failed start", "container_id", id, "resource", res.Resource, "err", res.Err)
		}
	}
	return wrapped
}

func (rt *Runtime) rootfsPathOf(ctx context.Context, id string) string {
	if c, ok := rt.reg.Get(id); ok {
		return c.RootfsPath
	}
	if c, err := rt.store.GetContainer(ctx, id); err == nil {
		return c.RootfsPath
	}
	return filepath.Join(rt.cfg.rootfsBase(), id)
}

// Stop signals the process, escalating after a grace window, then waits
// for the supervisor to record the exit.
func (rt *Runtime) Stop(ctx context.Context, id string) error {
	c, err := rt.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if c.State != store.StateRunning {
		return nil
	}
	if c.PID > 0 {
		proc, err := os.FindProcess(c.PID)
		if err == nil {
			proc.Signal(syscall.SIGTERM)
		}
	}

	select {
	case <-waitDone(rt.supervisors, id):
	case <-time.After(rt.cfg.stopGrace()):
		if c.PID > 0 {
			if proc, err := os.FindProcess(c.PID); err == nil {
				proc.Signal(syscall.SIGKILL)
			}
		}
		<-waitDone(rt.supervisors, id)
	}
	return nil
}

func waitDone(s *supervisorSet, id string) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		s.join(id)
		close(ch)
	}()
	return ch
}

// Remove stops the container if needed, runs full resource cleanup
// inline through the Resource Manager, unregisters it, and deletes its
// store rows.
func (rt *Runtime) Remove(ctx context.Context, id string) error {
	if err := rt.Stop(ctx, id); err != nil {
		return err
	}
	rt.supervisors.forget(id)

	rootfsPath := rt.rootfsPathOf(ctx, id)
	results := rt.resources.CleanupContainerResources(ctx, id, rootfsPath)
	for _, res := range results {
		if res.Err != nil {
			slog.WarnContext(ctx, "runtime: cleanup failure during remove", "container_id", id, "resource", res.Resource, "err", res.Err)
		}
	}

	// The cgroup directory itself is released by CleanupContainerResources
	// above via the AddCgroupPath registration made in Start; only the
	// in-process tracking handle needs dropping here.
	rt.cgroupsMu.Lock()
	delete(rt.cgroups, id)
	rt.cgroupsMu.Unlock()

	rt.logsMu.Lock()
	delete(rt.logs, id)
	rt.logsMu.Unlock()

	rt.reg.Remove(id)
	return rt.store.DeleteContainer(ctx, id)
}

// ExecResult is the outcome of a one-shot exec into a running container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec enters the live container's namespaces via nsenter and runs argv.
func (rt *Runtime) Exec(ctx context.Context, id string, argv []string, cwd string, env map[string]string, captureOutput bool) (result ExecResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runtime.Exec", trace.WithAttributes(attribute.String("container.id", id)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c, err := rt.store.GetContainer(ctx, id)
	if err != nil {
		return ExecResult{}, err
	}
	if c.State != store.StateRunning {
		return ExecResult{}, quilterr.New(quilterr.Runtime, "runtime.Exec", fmt.Errorf("container %s is not running", id))
	}

	nsenterPrefix := []string{"-t", fmt.Sprintf("%d", c.PID), "-m", "-u", "-i", "-n", "-p", "--"}
	var args []string
	if cwd != "" {
		args = append(nsenterPrefix, "sh", "-c", `cd "$1" && shift && exec "$@"`, "sh", cwd)
		args = append(args, argv...)
	} else {
		args = append(nsenterPrefix, argv...)
	}
	cmd := exec.CommandContext(ctx, rt.cfg.nsenterBin(), args...)
	cmd.Env = envMapToSlice(env)

	var stdout, stderr bytes.Buffer
	if captureOutput {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}
	runErr := cmd.Run()

	result = ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = status.ExitStatus()
				return result, nil
			}
		}
		return result, quilterr.New(quilterr.Runtime, "runtime.Exec", runErr)
	}
	return result, nil
}

// GetLogs returns the captured combined stdout/stderr retained for a
// container's log ring, up to its fixed byte capacity. A container that
// has never been started has no ring and reports NotFound.
func (rt *Runtime) GetLogs(id string) (string, error) {
	rt.logsMu.Lock()
	ring := rt.logs[id]
	rt.logsMu.Unlock()
	if ring == nil {
		return "", quilterr.New(quilterr.NotFound, "runtime.GetLogs", fmt.Errorf("no logs captured for %s", id))
	}
	return string(ring.Bytes()), nil
}

// Stats returns a handful of cgroup usage figures for an operator to poll,
// carried over from the original source's get_container_info_and_stats.
func (rt *Runtime) Stats(id string) (map[string]string, error) {
	rt.cgroupsMu.Lock()
	cg := rt.cgroups[id]
	rt.cgroupsMu.Unlock()
	if cg == nil {
		return nil, quilterr.New(quilterr.NotFound, "runtime.Stats", fmt.Errorf("no cgroup tracked for %s", id))
	}
	return cg.stats(), nil
}
