// Package daemon wires every core component together behind a unix
// domain socket HTTP mux: a flock-guarded socket file, one handler per
// RPC from §6, a startup pass that recovers in-memory state from the
// store, and a graceful shutdown that tears the listener down before
// the process exits.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goombaio/namegenerator"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banksean/quilt/internal/asynctask"
	"github.com/banksean/quilt/internal/cleanup"
	"github.com/banksean/quilt/internal/config"
	"github.com/banksean/quilt/internal/network"
	"github.com/banksean/quilt/internal/quilterr"
	"github.com/banksean/quilt/internal/readiness"
	"github.com/banksean/quilt/internal/registry"
	"github.com/banksean/quilt/internal/resource"
	"github.com/banksean/quilt/internal/runtime"
	"github.com/banksean/quilt/internal/store"
	"github.com/banksean/quilt/internal/telemetry"
	"github.com/banksean/quilt/internal/version"
	"github.com/banksean/quilt/pkg/quiltapi"
)

const lockFileName = "quiltd.lock"

// Daemon owns every long-lived component and the unix socket that
// exposes them.
type Daemon struct {
	cfg config.Config

	store      *store.Store
	reg        *registry.Registry[*store.Container]
	net        *network.Manager
	resources  *resource.Manager
	readyc     *readiness.Coordinator
	rt         *runtime.Runtime
	tasks      *asynctask.Engine
	cleanupSvc *cleanup.Service

	listener net.Listener
	lockFile *os.File
	shutdown chan struct{}
}

// New constructs every component and wires them in the leaves-first
// order from §2's data flow, but does not start listening yet.
func New(cfg config.Config) (*Daemon, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	reg := registry.New[*store.Container]()

	netMgr := network.NewManager(network.Config{
		BridgeName: cfg.BridgeName,
		BridgeIP:   cfg.BridgeIP,
		SubnetMask: cfg.SubnetMask,
		PoolStart:  cfg.PoolStart,
		PoolEnd:    cfg.PoolEnd,
	})

	resources := resource.NewManager(netMgr)

	readyc := readiness.NewCoordinator(readiness.Config{
		MarkerDir: cfg.ReadinessMarkerDir,
		Timeout:   cfg.ReadinessTimeout,
	})
	if err := readyc.EnsureDir(); err != nil {
		st.Close()
		return nil, err
	}

	rt := runtime.New(runtime.Config{
		LayersBase:     cfg.LayersBase,
		RootfsBase:     cfg.RootfsBase,
		NsenterBinPath: cfg.NsenterBin,
		StopGrace:      cfg.StopGrace,
	}, st, reg, resources, netMgr, readyc)

	tasks := asynctask.New(st, rt)
	cleanupSvc := cleanup.New(st, resources)

	d := &Daemon{
		cfg:        cfg,
		store:      st,
		reg:        reg,
		net:        netMgr,
		resources:  resources,
		readyc:     readyc,
		rt:         rt,
		tasks:      tasks,
		cleanupSvc: cleanupSvc,
		shutdown:   make(chan struct{}),
	}

	if err := d.recoverState(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	return d, nil
}

// recoverState reconstructs every piece of in-memory state this daemon
// would otherwise start with empty, per §4.5's requirement that the
// registry be reconstructible from the store alone: it repopulates the
// registry from non-terminal container rows, fails any Running container
// whose pid died while no daemon was watching it, flags those
// containers' persisted network allocations as no longer held, and seeds
// the IP allocator's high-water mark past every address still recorded
// in use so AllocateIP can never hand out a duplicate after a restart.
func (d *Daemon) recoverState(ctx context.Context) error {
	failedIDs, err := d.cleanupSvc.ReconcileRunning(ctx)
	if err != nil {
		return err
	}
	for _, id := range failedIDs {
		if _, err := d.store.GetNetworkAllocation(ctx, id); err != nil {
			continue
		}
		if err := d.store.MarkNetworkCleanupPending(ctx, id); err != nil {
			slog.ErrorContext(ctx, "daemon: failed to mark network allocation cleanup pending", "container_id", id, "err", err)
		}
	}
	if len(failedIDs) > 0 {
		slog.InfoContext(ctx, "daemon: recovery failed dead-pid containers", "count", len(failedIDs), "container_ids", failedIDs)
	}

	containers, err := d.store.ListContainers(ctx, "")
	if err != nil {
		return err
	}
	repopulated := 0
	for _, c := range containers {
		if store.IsTerminal(c.State) {
			continue
		}
		d.reg.Insert(c.ID, c)
		repopulated++
	}

	ips, err := d.store.ListIPsInUse(ctx)
	if err != nil {
		return err
	}
	octets := make([]uint32, 0, len(ips))
	for _, ip := range ips {
		if o, ok := lastOctet(ip); ok {
			octets = append(octets, o)
		}
	}
	d.net.Seed(octets)

	slog.InfoContext(ctx, "daemon: recovered state from store", "containers", repopulated, "ips_seeded", len(octets))
	return nil
}

// lastOctet parses the fourth octet out of a dotted-quad IPv4 address,
// the form the pool's allocator counts against.
func lastOctet(ip string) (uint32, bool) {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n < 0 || n > 255 {
		return 0, false
	}
	return uint32(n), true
}

// Close releases every component's held resources. Safe to call once,
// after ServeUnix has returned.
func (d *Daemon) Close() error {
	return d.store.Close()
}

// ServeUnix acquires the daemon lock, starts the background workers,
// listens on the configured socket, and blocks until shutdown.
func (d *Daemon) ServeUnix(ctx context.Context) error {
	lockFilePath := filepath.Join(filepath.Dir(d.cfg.SocketPath), lockFileName)
	lockFile, err := acquireLock(lockFilePath)
	if err != nil {
		return err
	}
	d.lockFile = lockFile

	os.Remove(d.cfg.SocketPath)
	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		d.releaseLock(lockFilePath)
		return quilterr.New(quilterr.Runtime, "daemon.ServeUnix listen", err)
	}
	d.listener = listener

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go d.cleanupSvc.RunWorker(workerCtx, d.cfg.CleanupWorkerInterval)
	go d.cleanupSvc.RunOrphanSweep(workerCtx, d.cfg.OrphanSweepInterval,
		[]store.ResourceKind{store.ResourceRootfs, store.ResourceNetwork, store.ResourceCgroup})
	go d.tasks.RunRetentionSweeper(workerCtx, d.cfg.TaskSweepInterval, d.cfg.TaskRetention)

	go d.waitForShutdown(ctx, lockFilePath)
	go d.serveHTTP()

	slog.InfoContext(ctx, "daemon: listening", "socket", d.cfg.SocketPath, "pid", os.Getpid())
	<-d.shutdown
	return nil
}

func (d *Daemon) waitForShutdown(ctx context.Context, lockFilePath string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		d.Shutdown(context.Background(), lockFilePath)
	case <-sigChan:
		d.Shutdown(context.Background(), lockFilePath)
	case <-d.shutdown:
	}
}

// Shutdown stops accepting connections and releases the lock; it does
// not stop running containers, matching the policy that daemon restarts
// must be able to recover their state from the store and the orphan
// sweep rather than tearing containers down on every shutdown.
func (d *Daemon) Shutdown(ctx context.Context, lockFilePath string) {
	slog.InfoContext(ctx, "daemon: shutting down", "pid", os.Getpid())
	if d.listener != nil {
		d.listener.Close()
	}
	os.Remove(d.cfg.SocketPath)
	d.releaseLock(lockFilePath)
	select {
	case <-d.shutdown:
	default:
		close(d.shutdown)
	}
}

func (d *Daemon) releaseLock(lockFilePath string) {
	if d.lockFile == nil {
		return
	}
	syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
	d.lockFile.Close()
	os.Remove(lockFilePath)
}

func acquireLock(lockFilePath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(lockFilePath), 0o755); err != nil {
		return nil, quilterr.New(quilterr.Runtime, "daemon.acquireLock mkdir", err)
	}
	file, err := os.OpenFile(lockFilePath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, quilterr.New(quilterr.Runtime, "daemon.acquireLock open", err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return nil, quilterr.New(quilterr.Runtime, "daemon.acquireLock", fmt.Errorf("daemon already running"))
	}
	file.Truncate(0)
	fmt.Fprintf(file, "%d", os.Getpid())
	return file, nil
}

func (d *Daemon) serveHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", d.handlePing)
	mux.HandleFunc("/version", d.handleVersion)
	mux.HandleFunc("/shutdown", d.handleShutdown)
	mux.HandleFunc("/containers/create", d.handleCreate)
	mux.HandleFunc("/containers/start", d.handleStart)
	mux.HandleFunc("/containers/stop", d.handleStop)
	mux.HandleFunc("/containers/remove", d.handleRemove)
	mux.HandleFunc("/containers/get", d.handleGetStatus)
	mux.HandleFunc("/containers/list", d.handleList)
	mux.HandleFunc("/containers/exec", d.handleExec)
	mux.HandleFunc("/containers/logs", d.handleGetLogs)
	mux.HandleFunc("/containers/stats", d.handleGetStats)
	mux.HandleFunc("/tasks/launch", d.handleLaunchTask)
	mux.HandleFunc("/tasks/get", d.handleGetTask)
	mux.HandleFunc("/tasks/list", d.handleListTasks)
	mux.HandleFunc("/tasks/cancel", d.handleCancelTask)

	server := &http.Server{Handler: traced(mux)}
	server.Serve(d.listener)
}

// traced wraps every request in a span named after its path, the
// daemon's one instrumentation point for the request/response surface;
// individual handlers start their own child spans for the slower
// internal operations they delegate to (create, start, exec).
func traced(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.Tracer().Start(r.Context(), "daemon.http "+r.URL.Path)
		defer span.End()
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := string(quilterr.Runtime)
	status := http.StatusInternalServerError
	var qerr *quilterr.Error
	if ok := asQuilterr(err, &qerr); ok {
		kind = string(qerr.Kind)
		status = statusForKind(qerr.Kind)
	}
	if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
		span.SetStatus(codes.Error, err.Error())
	}
	writeJSON(w, status, quiltapi.ErrorResponse{Kind: kind, Message: err.Error()})
}

func asQuilterr(err error, target **quilterr.Error) bool {
	for err != nil {
		if qerr, ok := err.(*quilterr.Error); ok {
			*target = qerr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// statusForKind maps the error taxonomy to HTTP statuses: validation,
// not-found, runtime, network, timeout each get a distinct status, and
// the kind itself travels in the ErrorResponse body.
func statusForKind(k quilterr.Kind) int {
	switch k {
	case quilterr.Validation:
		return http.StatusBadRequest
	case quilterr.NotFound, quilterr.ImageMissing:
		return http.StatusNotFound
	case quilterr.Timeout:
		return http.StatusGatewayTimeout
	case quilterr.Network:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	err := json.NewDecoder(r.Body).Decode(&v)
	return v, err
}

func pathID(r *http.Request) string {
	return r.URL.Query().Get("id")
}

func (d *Daemon) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
}

func (d *Daemon) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (d *Daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	lockFilePath := filepath.Join(filepath.Dir(d.cfg.SocketPath), lockFileName)
	go func() {
		time.Sleep(100 * time.Millisecond)
		d.Shutdown(context.Background(), lockFilePath)
	}()
}

func (d *Daemon) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[quiltapi.CreateRequest](r)
	if err != nil {
		writeErr(w, r, quilterr.New(quilterr.Validation, "daemon.handleCreate decode", err))
		return
	}

	id := req.ID
	if id == "" {
		id = namegenerator.NewNameGenerator(time.Now().UnixNano()).Generate()
	}
	cfg := store.ContainerConfig{
		ImagePath: req.ImagePath,
		Argv:      req.Argv,
		Env:       req.Env,
		WorkDir:   req.WorkDir,
		Limits: store.ResourceLimits{
			MemoryBytes: req.Limits.MemoryBytes,
			CPUWeight:   req.Limits.CPUWeight,
			CPUQuotaUs:  req.Limits.CPUQuotaUs,
			CPUPeriodUs: req.Limits.CPUPeriodUs,
			PIDsLimit:   req.Limits.PIDsLimit,
		},
		Namespaces: store.NamespaceFlags{
			PID: req.Namespaces.PID, Mount: req.Namespaces.Mount,
			UTS: req.Namespaces.UTS, IPC: req.Namespaces.IPC, Net: req.Namespaces.Net,
		},
		SetupCommands: req.SetupCommands,
	}

	if err := d.rt.Create(r.Context(), id, cfg); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.AutoStart {
		if err := d.rt.Start(r.Context(), id); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, quiltapi.CreateResponse{ContainerID: id})
}

func (d *Daemon) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := d.rt.Start(r.Context(), pathID(r)); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Daemon) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := d.rt.Stop(r.Context(), pathID(r)); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Daemon) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := d.rt.Remove(r.Context(), pathID(r)); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Daemon) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	c, err := d.store.GetContainer(r.Context(), pathID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusFromContainer(c))
}

func (d *Daemon) handleList(w http.ResponseWriter, r *http.Request) {
	stateFilter := store.ContainerState(r.URL.Query().Get("state"))
	containers, err := d.store.ListContainers(r.Context(), stateFilter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]quiltapi.Status, 0, len(containers))
	for _, c := range containers {
		out = append(out, statusFromContainer(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func statusFromContainer(c *store.Container) quiltapi.Status {
	s := quiltapi.Status{
		ID:         c.ID,
		State:      string(c.State),
		PID:        c.PID,
		ExitCode:   c.ExitCode,
		IPAddress:  c.IPAddress,
		RootfsPath: c.RootfsPath,
		CreatedAt:  c.CreatedAt.Unix(),
		FailMsg:    c.FailMsg,
	}
	if c.StartedAt != nil {
		s.StartedAt = c.StartedAt.Unix()
	}
	if c.ExitedAt != nil {
		s.ExitedAt = c.ExitedAt.Unix()
	}
	return s
}

func (d *Daemon) handleExec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[quiltapi.ExecRequest](r)
	if err != nil {
		writeErr(w, r, quilterr.New(quilterr.Validation, "daemon.handleExec decode", err))
		return
	}
	result, err := d.rt.Exec(r.Context(), pathID(r), req.Argv, req.WorkDir, req.Env, req.CaptureOutput)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quiltapi.ExecResponse{
		ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr,
	})
}

func (d *Daemon) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := d.rt.GetLogs(pathID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quiltapi.GetLogsResponse{Logs: logs})
}

func (d *Daemon) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := d.rt.Stats(pathID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quiltapi.GetStatsResponse{Stats: stats})
}

func (d *Daemon) handleLaunchTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := decodeBody[quiltapi.LaunchTaskRequest](r)
	if err != nil {
		writeErr(w, r, quilterr.New(quilterr.Validation, "daemon.handleLaunchTask decode", err))
		return
	}
	taskID, err := d.tasks.Submit(r.Context(), pathID(r), req.Argv, req.TimeoutSecs)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quiltapi.LaunchTaskResponse{TaskID: taskID})
}

func (d *Daemon) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := d.tasks.GetStatus(r.Context(), r.URL.Query().Get("task_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskStatusFromTask(task))
}

func (d *Daemon) handleListTasks(w http.ResponseWriter, r *http.Request) {
	statusFilter := store.TaskStatus(r.URL.Query().Get("status"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	tasks, err := d.tasks.ListContainerTasks(r.Context(), pathID(r), statusFilter, page)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	out := make([]quiltapi.TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskStatusFromTask(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Daemon) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ok := d.tasks.Cancel(r.URL.Query().Get("task_id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func taskStatusFromTask(t *store.AsyncTask) quiltapi.TaskStatus {
	s := quiltapi.TaskStatus{
		ID: t.ID, ContainerID: t.ContainerID, Command: t.Command,
		Status: string(t.Status), CreatedAt: t.CreatedAt.Unix(),
		ExitCode: t.ExitCode, Stdout: t.Stdout, Stderr: t.Stderr, ErrorMsg: t.ErrorMsg,
	}
	if t.StartedAt != nil {
		s.StartedAt = t.StartedAt.Unix()
	}
	if t.CompletedAt != nil {
		s.CompletedAt = t.CompletedAt.Unix()
	}
	return s
}
