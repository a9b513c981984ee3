package orchestrator

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/leolilley/ryeos-kernel/kernel/registry"
)

const killGracePeriod = 3 * time.Second

// CancelThread requests cooperative cancellation of an in-process
// thread: the Runner observes this at its next turn boundary. Reports
// false when threadID is not tracked in this process (nothing to
// cancel here; a cross-process thread needs KillThread instead).
func (o *Orchestrator) CancelThread(threadID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.threads[threadID]
	if !ok {
		return false
	}
	select {
	case <-h.cancel:
	default:
		close(h.cancel)
	}
	return true
}

// KillThread terminates a detached thread's process group with an
// escalating SIGTERM then SIGKILL sequence, separated by a grace
// period, and marks the registry status killed. The negative pid
// signals the whole process group spawn_detached created via
// SysProcAttr.Setsid, so descendants the child itself spawned are also
// terminated.
func (o *Orchestrator) KillThread(ctx context.Context, threadID string) error {
	pid, err := o.resolvePID(ctx, threadID)
	if err != nil {
		return err
	}
	if pid == 0 {
		return fmt.Errorf("orchestrator: no PID recorded for thread %q", threadID)
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("orchestrator: signal SIGTERM to pgid %d: %w", pid, err)
	}

	deadline := time.Now().Add(killGracePeriod)
	for time.Now().Before(deadline) {
		if !processGroupAlive(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if processGroupAlive(pid) {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("orchestrator: signal SIGKILL to pgid %d: %w", pid, err)
		}
	}

	if o.cfg.Registry != nil {
		if err := o.cfg.Registry.UpdateStatus(ctx, threadID, registry.StatusKilled); err != nil {
			return err
		}
	}

	o.mu.Lock()
	if h, ok := o.threads[threadID]; ok {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
	o.mu.Unlock()
	return nil
}

// resolvePID prefers the in-process handle (set via SetPID at spawn
// time) and falls back to the registry's recorded PID for a thread this
// process did not itself spawn.
func (o *Orchestrator) resolvePID(ctx context.Context, threadID string) (int, error) {
	o.mu.Lock()
	if h, ok := o.threads[threadID]; ok && h.pid != 0 {
		o.mu.Unlock()
		return h.pid, nil
	}
	o.mu.Unlock()

	if o.cfg.Registry == nil {
		return 0, nil
	}
	rec, err := o.cfg.Registry.GetThread(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: thread %q not found: %w", threadID, err)
	}
	return rec.PID, nil
}

// processGroupAlive reports whether any process in pid's process group
// is still reachable via signal 0.
func processGroupAlive(pid int) bool {
	return syscall.Kill(-pid, syscall.Signal(0)) == nil
}
