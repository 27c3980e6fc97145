package runtime

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/banksean/quilt/internal/store"
)

// supervisorSet tracks the one goroutine per running container that
// owns waitpid-equivalent duty: no back-pointers into the runtime, the
// supervisor only ever writes to the store and registry it was handed,
// and its done channel lets stop/remove join it before the container
// record disappears.
type supervisorSet struct {
	mu   sync.Mutex
	done map[string]chan struct{}
}

func newSupervisorSet() *supervisorSet {
	return &supervisorSet{done: map[string]chan struct{}{}}
}

func (s *supervisorSet) register(id string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.done[id] = ch
	s.mu.Unlock()
	return ch
}

// join blocks until the supervisor for id has recorded an exit, or
// returns immediately if there was never one registered.
func (s *supervisorSet) join(id string) {
	s.mu.Lock()
	ch := s.done[id]
	s.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (s *supervisorSet) forget(id string) {
	s.mu.Lock()
	delete(s.done, id)
	s.mu.Unlock()
}

// supervise waits for cmd to exit and records the outcome. It runs for the
// lifetime of exactly one container process and never touches anything
// beyond the store and registry handles it closed over.
func (rt *Runtime) supervise(id string, cmd *exec.Cmd, done chan struct{}) {
	defer close(done)

	err := cmd.Wait()

	exitCode := 0
	failMsg := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
			} else {
				exitCode = -1
			}
		} else {
			failMsg = err.Error()
		}
	}

	ctx := context.Background()
	rt.reg.Update(id, func(c *store.Container) *store.Container {
		c.PID = 0
		return c
	})

	if failMsg != "" {
		if err := rt.store.TransitionState(ctx, id, store.StateFailed, store.TransitionOpts{FailMsg: failMsg}); err != nil {
			slog.ErrorContext(ctx, "runtime: failed to record container failure", "container_id", id, "err", err)
		}
		return
	}

	if err := rt.store.TransitionState(ctx, id, store.StateExited, store.TransitionOpts{ExitCode: exitCode}); err != nil {
		slog.ErrorContext(ctx, "runtime: failed to record container exit", "container_id", id, "err", err)
		return
	}
	slog.InfoContext(ctx, "runtime: container exited", "container_id", id, "exit_code", exitCode)
}
