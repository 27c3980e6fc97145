// Package readiness implements the event-driven "container ready" signal
// from §4.2: a filesystem rendezvous instead of polling /proc, which
// races with exec.
package readiness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banksean/quilt/internal/quilterr"
)

// Config configures the readiness marker directory and wait timeout. The
// base path is intentionally configurable (the source this was derived
// from never pinned one down); DefaultMarkerDir is used otherwise.
type Config struct {
	MarkerDir string
	Timeout   time.Duration
}

const DefaultMarkerDir = "/tmp/quilt-readiness"

func (c Config) markerDir() string {
	if c.MarkerDir != "" {
		return c.MarkerDir
	}
	return DefaultMarkerDir
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}

// Coordinator waits for and cleans up per-container readiness markers.
type Coordinator struct {
	cfg Config
}

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// MarkerPath returns the marker file path for a container id, without
// creating anything — used by the Resource Manager to register the path
// before the child is ever forked.
func (c *Coordinator) MarkerPath(containerID string) string {
	return filepath.Join(c.cfg.markerDir(), containerID+".ready")
}

// EnsureDir creates the marker directory if needed. Called once at
// daemon startup.
func (c *Coordinator) EnsureDir() error {
	if err := os.MkdirAll(c.cfg.markerDir(), 0o755); err != nil {
		return quilterr.New(quilterr.Readiness, "readiness.EnsureDir", err)
	}
	return nil
}

// SignalReady is called from the child, immediately before execv: it
// writes its own pid into the marker file. Kept here (rather than only
// documented) so both the real forked-child path and tests exercise the
// exact same file format.
func SignalReady(markerPath string, pid int) error {
	return os.WriteFile(markerPath, []byte(strconv.Itoa(pid)), 0o644)
}

// WaitReady blocks until the marker appears (or ctx/timeout expires),
// then verifies the pid recorded in it matches expectedPID. A mismatch
// is treated the same as a timeout: the caller must kill the child and
// clean up.
func (c *Coordinator) WaitReady(ctx context.Context, containerID string, expectedPID int) error {
	path := c.MarkerPath(containerID)
	deadline := time.Now().Add(c.cfg.timeout())

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		pid, err := readMarkerPID(path)
		if err == nil {
			if pid != expectedPID {
				return quilterr.New(quilterr.Readiness, "readiness.WaitReady",
					fmt.Errorf("marker pid %d does not match forked pid %d", pid, expectedPID))
			}
			return nil
		}

		if time.Now().After(deadline) {
			return quilterr.New(quilterr.Readiness, "readiness.WaitReady",
				fmt.Errorf("container %s did not signal ready within %s", containerID, c.cfg.timeout()))
		}

		select {
		case <-ctx.Done():
			return quilterr.New(quilterr.Readiness, "readiness.WaitReady", ctx.Err())
		case <-ticker.C:
		}
	}
}

func readMarkerPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Cleanup removes the marker file unconditionally, even if it was never
// created — stale markers from a crash must never persist.
func (c *Coordinator) Cleanup(containerID string) error {
	err := os.Remove(c.MarkerPath(containerID))
	if err != nil && !os.IsNotExist(err) {
		return quilterr.New(quilterr.Cleanup, "readiness.Cleanup", err)
	}
	return nil
}
