package readiness

import (
	"context"
	"testing"
	"time"
)

func TestWaitReadySucceedsOnMatchingPID(t *testing.T) {
	c := NewCoordinator(Config{MarkerDir: t.TempDir(), Timeout: time.Second})
	if err := c.EnsureDir(); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		SignalReady(c.MarkerPath("c1"), 4242)
	}()

	if err := c.WaitReady(context.Background(), "c1", 4242); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func TestWaitReadyFailsOnPIDMismatch(t *testing.T) {
	c := NewCoordinator(Config{MarkerDir: t.TempDir(), Timeout: time.Second})
	c.EnsureDir()
	SignalReady(c.MarkerPath("c2"), 1111)

	err := c.WaitReady(context.Background(), "c2", 2222)
	if err == nil {
		t.Fatal("expected pid mismatch error")
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	c := NewCoordinator(Config{MarkerDir: t.TempDir(), Timeout: 20 * time.Millisecond})
	c.EnsureDir()

	err := c.WaitReady(context.Background(), "never-signals", 1)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestCleanupIsIdempotentAndUnconditional(t *testing.T) {
	c := NewCoordinator(Config{MarkerDir: t.TempDir()})
	c.EnsureDir()

	// cleaning up a marker that was never created must not error
	if err := c.Cleanup("never-existed"); err != nil {
		t.Fatalf("Cleanup on missing marker: %v", err)
	}

	SignalReady(c.MarkerPath("c3"), 99)
	if err := c.Cleanup("c3"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := c.Cleanup("c3"); err != nil {
		t.Fatalf("second Cleanup should be idempotent: %v", err)
	}
}
