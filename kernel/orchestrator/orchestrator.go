// Package orchestrator implements thread lifecycle coordination: spawning
// detached child processes, waiting on threads (in-process or resolved
// through the registry), cooperative cancellation, killing a detached
// thread's process group, and the context-handoff and resume paths that
// chain one thread's completion into a successor.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
	"github.com/leolilley/ryeos-kernel/kernel/registry"
	"github.com/leolilley/ryeos-kernel/kernel/runner"
	"github.com/leolilley/ryeos-kernel/kernel/sign"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultWaitTimeout  = 600 * time.Second
)

// SpawnParams is what a handoff or resume asks the caller to start a new
// thread with. The new thread's first-message reconstruction (verifying
// the previous transcript, trimming the trailing context to the resume
// ceiling, appending the continuation prompt) belongs to the Thread
// Directive Entry composition layer that implements SpawnFunc, not to
// the orchestrator itself.
type SpawnParams struct {
	DirectiveID         string
	PreviousThreadID    string
	ParentThreadID      string
	ContinuationMessage string
}

// SpawnFunc starts a new thread for params and reports its id and
// whether it ultimately succeeded.
type SpawnFunc func(ctx context.Context, params SpawnParams) (threadID string, success bool, err error)

// TranscriptPathFunc resolves a thread id to its transcript.jsonl path,
// so the orchestrator can append a handoff/resume event to a thread it
// does not itself hold an open Writer for.
type TranscriptPathFunc func(threadID string) string

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Registry       registry.Store
	Spawn          SpawnFunc
	TranscriptPath TranscriptPathFunc
	Signer         *sign.Signer

	// PollInterval bounds how often wait_threads re-checks the registry
	// for a thread not tracked in this process. 0 defaults to 500ms.
	PollInterval time.Duration

	// DefaultWaitTimeout is used by WaitThreads when the caller passes 0.
	// 0 defaults to 600s.
	DefaultWaitTimeout time.Duration
}

// threadHandle is the in-process bookkeeping for one running thread:
// a cancel channel the thread's Runner polls at turn boundaries, a done
// channel wait_threads blocks on, and the depth/spawn-count state used
// to enforce a parent's fan-out limit.
type threadHandle struct {
	cancel     chan struct{}
	done       chan struct{}
	result     runner.Result
	depth      int
	spawnCount int
	pid        int
}

// Orchestrator coordinates every thread started in this process plus,
// through the registry, threads started in other processes.
type Orchestrator struct {
	cfg Config

	mu      sync.Mutex
	threads map[string]*threadHandle
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DefaultWaitTimeout <= 0 {
		cfg.DefaultWaitTimeout = defaultWaitTimeout
	}
	return &Orchestrator{cfg: cfg, threads: make(map[string]*threadHandle)}
}

// RegisterThread records threadID as running in this process and returns
// the cancel channel to wire into runner.Config.Cancel: closing it (via
// CancelThread) is how a cooperative cancellation request reaches the
// Runner's next turn-boundary check.
func (o *Orchestrator) RegisterThread(threadID string, depth int) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := &threadHandle{cancel: make(chan struct{}), done: make(chan struct{}), depth: depth}
	o.threads[threadID] = h
	return h.cancel
}

// SetPID records the OS process id a detached thread was spawned under,
// for KillThread to target later without a registry round trip.
func (o *Orchestrator) SetPID(threadID string, pid int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.threads[threadID]; ok {
		h.pid = pid
	}
}

// CompleteThread records a thread's terminal result and unblocks every
// WaitThreads call pending on it.
func (o *Orchestrator) CompleteThread(threadID string, result runner.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.threads[threadID]
	if !ok {
		return
	}
	h.result = result
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Depth reports the in-process depth of threadID, or 0 (root) if it is
// not tracked in this process.
func (o *Orchestrator) Depth(threadID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.threads[threadID]; ok {
		return h.depth
	}
	return 0
}

// CheckSpawnLimit reports a breach when parentThreadID has already
// spawned limit or more children, letting a caller refuse a further
// spawn before it happens rather than after.
func (o *Orchestrator) CheckSpawnLimit(parentThreadID string, limit float64) *kernelerrors.LimitExceeded {
	if limit <= 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.threads[parentThreadID]
	if !ok {
		return nil
	}
	if float64(h.spawnCount) >= limit {
		return &kernelerrors.LimitExceeded{Code: kernelerrors.LimitSpawns, Threshold: limit, Observed: float64(h.spawnCount)}
	}
	return nil
}

// IncrementSpawnCount records one more child spawned under parentThreadID
// and returns the new count.
func (o *Orchestrator) IncrementSpawnCount(parentThreadID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.threads[parentThreadID]
	if !ok {
		return 0
	}
	h.spawnCount++
	return h.spawnCount
}

// ResolveThreadChain walks continuation links from threadID to the
// terminal thread, stopping at the first revisited id. It is a thin
// wrapper over registry.ResolveTerminal, which already implements the
// cycle-safe walk the registry package owns.
func (o *Orchestrator) ResolveThreadChain(ctx context.Context, threadID string) (string, error) {
	return registry.ResolveTerminal(ctx, o.cfg.Registry, threadID)
}

func (o *Orchestrator) appendEvent(threadID string, evType transcript.EventType, payload map[string]any) error {
	if o.cfg.TranscriptPath == nil {
		return nil
	}
	w, err := transcript.Open(o.cfg.TranscriptPath(threadID), threadID, o.cfg.Signer)
	if err != nil {
		return err
	}
	defer w.Close()
	return w.WriteEvent(evType, payload)
}
