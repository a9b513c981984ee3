package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leolilley/ryeos-kernel/kernel/registry"
)

// ThreadResult is one wait_threads outcome: a terminal status (or
// "timeout"/"not_found" for a wait that never observed one).
type ThreadResult struct {
	ThreadID string
	Status   string
}

// WaitThreads waits for every id concurrently, resolving continuation
// chains first, and reports whether every resolved thread completed
// successfully. A timeout of 0 uses the configured default.
func (o *Orchestrator) WaitThreads(ctx context.Context, ids []string, timeout time.Duration) (map[string]ThreadResult, bool) {
	if timeout <= 0 {
		timeout = o.cfg.DefaultWaitTimeout
	}

	results := make(map[string]ThreadResult, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.waitSingle(ctx, id, timeout)
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	allSuccess := len(results) > 0
	for _, r := range results {
		if r.Status != "completed" {
			allSuccess = false
			break
		}
	}
	return results, allSuccess
}

// waitSingle resolves threadID's continuation chain, then waits on the
// in-process handle if one exists; otherwise it bounded-polls the
// registry, falling back to "timeout" once the deadline passes.
func (o *Orchestrator) waitSingle(ctx context.Context, threadID string, timeout time.Duration) ThreadResult {
	resolved, err := o.ResolveThreadChain(ctx, threadID)
	if err != nil && resolved == "" {
		resolved = threadID
	}

	o.mu.Lock()
	h, inProcess := o.threads[resolved]
	o.mu.Unlock()

	if inProcess {
		select {
		case <-h.done:
			o.mu.Lock()
			status := h.result.Status
			o.mu.Unlock()
			if status == "" {
				status = "unknown"
			}
			return ThreadResult{ThreadID: resolved, Status: status}
		case <-time.After(timeout):
			return ThreadResult{ThreadID: resolved, Status: "timeout"}
		case <-ctx.Done():
			return ThreadResult{ThreadID: resolved, Status: "timeout"}
		}
	}

	return o.pollRegistry(ctx, resolved, timeout)
}

// pollRegistry re-checks the registry at cfg.PollInterval until resolved
// reaches a terminal status or the deadline passes. This is the
// cross-process fallback for a thread not running in this Orchestrator.
func (o *Orchestrator) pollRegistry(ctx context.Context, threadID string, timeout time.Duration) ThreadResult {
	if o.cfg.Registry == nil {
		return ThreadResult{ThreadID: threadID, Status: "not_found"}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	check := func() (ThreadResult, bool) {
		rec, err := o.cfg.Registry.GetThread(ctx, threadID)
		if errors.Is(err, registry.ErrNotFound) {
			return ThreadResult{ThreadID: threadID, Status: "not_found"}, true
		}
		if err != nil {
			return ThreadResult{}, false
		}
		if rec.Status.Terminal() {
			return ThreadResult{ThreadID: threadID, Status: string(rec.Status)}, true
		}
		return ThreadResult{}, false
	}

	if res, ok := check(); ok {
		return res
	}
	for {
		select {
		case <-ticker.C:
			if res, ok := check(); ok {
				return res
			}
		case <-deadline.C:
			return ThreadResult{ThreadID: threadID, Status: "timeout"}
		case <-ctx.Done():
			return ThreadResult{ThreadID: threadID, Status: "timeout"}
		}
	}
}
