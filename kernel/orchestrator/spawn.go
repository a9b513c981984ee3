package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/leolilley/ryeos-kernel/kernel/registry"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

// SpawnDetached starts cmd/args as a background process that survives
// this one: stdio redirected to logPath, in a new session (so it
// becomes its own process group leader, letting KillThread later target
// the whole group), inheriting only the explicitly passed environment
// rather than this process's.
func (o *Orchestrator) SpawnDetached(cmd string, args []string, logPath string, envs map[string]string) (pid int, err error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: open log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	c := exec.Command(cmd, args...)
	c.Stdout = logFile
	c.Stderr = logFile
	c.Env = envSlice(envs)
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("orchestrator: spawn %s: %w", cmd, err)
	}
	return c.Process.Pid, nil
}

func envSlice(envs map[string]string) []string {
	out := make([]string, 0, len(envs))
	for k, v := range envs {
		out = append(out, k+"="+v)
	}
	return out
}

// HandoffThread is the context-exhaustion path: it spawns a successor
// thread for the same directive with previous_thread_id=threadID,
// links old->new in the registry's continuation chain, and records a
// thread_handoff event on the old thread's transcript. The new thread's
// own reconstruction of resumable context happens inside SpawnFunc (the
// Thread Directive Entry layer), not here.
func (o *Orchestrator) HandoffThread(ctx context.Context, threadID, continuationMessage string) (newThreadID string, success bool, err error) {
	return o.spawnContinuation(ctx, threadID, continuationMessage, transcript.EventThreadHandoff)
}

// ResumeThread is like HandoffThread but externally initiated with an
// explicit user message, and only valid against a thread already in a
// terminal, non-killed status.
func (o *Orchestrator) ResumeThread(ctx context.Context, threadID, message string) (newThreadID string, success bool, err error) {
	resolved, err := o.ResolveThreadChain(ctx, threadID)
	if err != nil {
		resolved = threadID
	}
	rec, err := o.cfg.Registry.GetThread(ctx, resolved)
	if err != nil {
		return "", false, fmt.Errorf("orchestrator: resume: thread %q not found: %w", resolved, err)
	}
	if !rec.Status.Terminal() || rec.Status == registry.StatusKilled {
		return "", false, fmt.Errorf("orchestrator: resume: thread %q is %s, cannot resume", resolved, rec.Status)
	}
	return o.spawnContinuation(ctx, resolved, message, transcript.EventThreadResumed)
}

func (o *Orchestrator) spawnContinuation(ctx context.Context, threadID, continuationMessage string, evType transcript.EventType) (string, bool, error) {
	if o.cfg.Spawn == nil {
		return "", false, errors.New("orchestrator: no SpawnFunc configured")
	}
	rec, err := o.cfg.Registry.GetThread(ctx, threadID)
	if err != nil {
		return "", false, fmt.Errorf("orchestrator: thread %q not found: %w", threadID, err)
	}
	if rec.DirectiveID == "" {
		return "", false, fmt.Errorf("orchestrator: thread %q has no recorded directive", threadID)
	}

	newID, success, err := o.cfg.Spawn(ctx, SpawnParams{
		DirectiveID:         rec.DirectiveID,
		PreviousThreadID:    threadID,
		ParentThreadID:      rec.ParentID,
		ContinuationMessage: continuationMessage,
	})
	if err != nil {
		return "", false, err
	}
	if newID == "" {
		return "", success, errors.New("orchestrator: spawn produced no thread id")
	}

	if err := o.cfg.Registry.SetContinuation(ctx, threadID, newID); err != nil {
		return newID, success, err
	}
	chainRoot := threadID
	if rec.ChainRootID != "" {
		chainRoot = rec.ChainRootID
	}
	if err := o.cfg.Registry.SetChainInfo(ctx, newID, chainRoot, threadID); err != nil {
		return newID, success, err
	}

	_ = o.appendEvent(threadID, evType, map[string]any{
		"new_thread_id": newID,
		"directive":     rec.DirectiveID,
	})

	return newID, success, nil
}
