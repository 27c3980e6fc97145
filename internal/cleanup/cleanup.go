// Package cleanup is the background reclamation service from §4.8: a
// worker loop that drains Pending cleanup tasks against the Resource
// Manager, plus a periodic sweep that re-queues containers no sweep has
// ever reclaimed (including ones orphaned by a daemon crash).
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/banksean/quilt/internal/quilterr"
	"github.com/banksean/quilt/internal/resource"
	"github.com/banksean/quilt/internal/store"
)

// batchSize is how many Pending tasks one worker tick claims at once.
const batchSize = 16

// Service drains and re-queues cleanup tasks; it holds no resource state
// of its own; the Resource Manager and the store are the only owners.
type Service struct {
	store     *store.Store
	resources *resource.Manager
}

func New(st *store.Store, resources *resource.Manager) *Service {
	return &Service{store: st, resources: resources}
}

// Enqueue queues one resource for reclamation against a container; the
// orphan sweep calls it to re-queue resources of terminal containers that
// have no completed cleanup row.
func (s *Service) Enqueue(ctx context.Context, containerID string, kind store.ResourceKind, path string) error {
	_, err := s.store.InsertCleanupTask(ctx, &store.CleanupTask{
		ContainerID:  containerID,
		ResourceKind: kind,
		ResourcePath: path,
	})
	return err
}

// RunWorker blocks, claiming and dispatching Pending tasks on the given
// interval, until ctx is cancelled. The daemon runs this as one of its
// long-lived background tasks.
func (s *Service) RunWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.drainOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drainOnce claims up to batchSize Pending tasks and dispatches each by
// resource kind. Failures are recorded on the row and never abort the
// batch; they are operator-visible, not fatal to the daemon.
func (s *Service) drainOnce(ctx context.Context) {
	tasks, err := s.store.ClaimPendingCleanupTasks(ctx, batchSize)
	if err != nil {
		slog.Error("cleanup: failed to claim pending tasks", "err", err)
		return
	}
	for _, t := range tasks {
		err := s.dispatch(ctx, t)
		if compErr := s.store.CompleteCleanupTask(ctx, t.ID, err == nil, errString(err)); compErr != nil {
			slog.Error("cleanup: failed to record task outcome", "task_id", t.ID, "err", compErr)
		}
		if err != nil {
			slog.Warn("cleanup: task failed", "task_id", t.ID, "container_id", t.ContainerID,
				"resource_kind", t.ResourceKind, "err", err)
		}
	}
}

// dispatch reclaims a single tagged resource. Rootfs/Cgroup/Mounts all
// reduce to a directory removal at t.ResourcePath; Network defers to the
// Network Manager's own teardown, which knows how to find the veth by
// container id even without the path, and then flags the persisted
// allocation as cleaned up so a later restart's IP seeding no longer
// counts it as held.
func (s *Service) dispatch(ctx context.Context, t *store.CleanupTask) error {
	switch t.ResourceKind {
	case store.ResourceNetwork:
		results := s.resources.EmergencyCleanup(ctx, t.ContainerID, "")
		if _, err := s.store.GetNetworkAllocation(ctx, t.ContainerID); err == nil {
			if err := s.store.MarkNetworkCleanupPending(ctx, t.ContainerID); err != nil {
				slog.Warn("cleanup: failed to mark network allocation cleanup pending", "container_id", t.ContainerID, "err", err)
			}
		}
		return firstErr(results)
	case store.ResourceRootfs:
		results := s.resources.EmergencyCleanup(ctx, t.ContainerID, t.ResourcePath)
		return firstErr(results)
	default:
		// Cgroup and Mounts paths are plain directories; CleanupContainerResources
		// already walked the in-memory inventory for a running container, so by
		// the time a CleanupTask reaches here it is almost always a path the
		// in-memory path no longer knows about (crash recovery). Best-effort
		// remove it directly.
		return removePath(t.ResourcePath)
	}
}

// RunOrphanSweep blocks, periodically re-queuing terminal containers that
// have no Completed cleanup row for a given resource kind, until ctx is
// cancelled. This is what makes reclamation eventual even across a crash:
// a container left Running when the daemon died has no cleanup rows at
// all until the next sweep notices it.
func (s *Service) RunOrphanSweep(ctx context.Context, interval time.Duration, kinds []store.ResourceKind) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce(ctx, kinds)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context, kinds []store.ResourceKind) {
	if failed, err := s.ReconcileRunning(ctx); err != nil {
		slog.Error("cleanup: orphan sweep reconcile failed", "err", err)
	} else if len(failed) > 0 {
		slog.Info("cleanup: orphan sweep failed dead-pid containers", "count", len(failed), "container_ids", failed)
	}
	for _, kind := range kinds {
		ids, err := s.store.ContainersMissingCleanup(ctx, kind)
		if err != nil {
			slog.Error("cleanup: orphan sweep query failed", "resource_kind", kind, "err", err)
			continue
		}
		for _, id := range ids {
			path := ""
			if c, err := s.store.GetContainer(ctx, id); err == nil {
				path = c.RootfsPath
			}
			if err := s.Enqueue(ctx, id, kind, path); err != nil {
				slog.Error("cleanup: failed to re-queue orphan", "container_id", id, "resource_kind", kind, "err", err)
			}
		}
		if len(ids) > 0 {
			slog.Info("cleanup: orphan sweep re-queued containers", "resource_kind", kind, "count", len(ids))
		}
	}
}

// ReconcileRunning finds containers recorded as Running whose pid no
// longer exists — the process died, or the daemon itself was killed and
// restarted without a graceful Stop ever running — and transitions each
// to Failed. Once Failed, the normal orphan-sweep query above picks them
// up on this same tick and schedules the cleanup tasks that reclaim their
// resources and IP. It returns the ids it failed.
func (s *Service) ReconcileRunning(ctx context.Context) ([]string, error) {
	containers, err := s.store.ListContainers(ctx, store.StateRunning)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, c := range containers {
		if c.PID <= 0 || pidAlive(c.PID) {
			continue
		}
		if err := s.store.TransitionState(ctx, c.ID, store.StateFailed,
			store.TransitionOpts{FailMsg: "process not found, presumed dead after daemon restart"}); err != nil {
			slog.Error("cleanup: failed to fail orphaned container", "container_id", c.ID, "err", err)
			continue
		}
		failed = append(failed, c.ID)
	}
	return failed, nil
}

// pidAlive reports whether pid still exists, by sending it signal 0: a
// no-op probe that fails with ESRCH if the process is gone but otherwise
// never disturbs it.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func firstErr(results []resource.Result) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func removePath(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return quilterr.New(quilterr.Cleanup, "cleanup.removePath", err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
