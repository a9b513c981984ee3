package hooks

import (
	"context"
	"fmt"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
)

// Position controls where a hook's emitted content lands relative to
// the event's primary content (used for build_system_prompt and
// thread_started context assembly).
type Position string

const (
	PositionBefore Position = "before"
	PositionAfter  Position = "after"
)

// Action is the typed outcome a hook may request. Not every field
// applies to every event: RetryMaxAttempts only matters for `error`
// hooks, Content only for context-building events.
type Action struct {
	Type           string `yaml:"type,omitempty" json:"type,omitempty"` // e.g. "retry", "block", "log"
	Content        string `yaml:"content,omitempty" json:"content,omitempty"`
	RetryMaxAttempts int  `yaml:"retry_max_attempts,omitempty" json:"retry_max_attempts,omitempty"`
	ItemID         string `yaml:"item_id,omitempty" json:"item_id,omitempty"`
}

// Hook is one row of a hook table: {id, event, layer, position,
// condition, action}.
type Hook struct {
	ID        string    `yaml:"id" json:"id"`
	Event     string    `yaml:"event" json:"event"`
	Layer     string    `yaml:"layer,omitempty" json:"layer,omitempty"`
	Position  Position  `yaml:"position,omitempty" json:"position,omitempty"`
	Condition Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	Action    Action    `yaml:"action" json:"action"`
}

// Result pairs a fired hook with its resolved action, for callers that
// need to know which hook produced which output.
type Result struct {
	Hook   Hook
	Action Action
}

// Table is an ordered hook list evaluated for a given event, mirroring
// the FIFO-registration-order, fail-fast-on-error fan-out shape of the
// teacher's event bus, adapted here to filter-then-dispatch against a
// declarative condition instead of publishing to arbitrary subscribers.
type Table struct {
	hooks []Hook
	// suppressed holds ids and action.item_ids disabled by the
	// directive's context.suppress list. Matching is exact (not
	// basename-only) to avoid ambiguity between similarly-named hooks.
	suppressed map[string]bool
}

// NewTable constructs a Table from an ordered hook list and a
// suppression set (hook ids or action item ids to disable).
func NewTable(all []Hook, suppress []string) *Table {
	suppressed := make(map[string]bool, len(suppress))
	for _, s := range suppress {
		suppressed[s] = true
	}
	return &Table{hooks: all, suppressed: suppressed}
}

// Dispatch filters hooks whose Event matches and whose Condition
// evaluates true against ctx (in table order, i.e. FIFO), skipping
// suppressed hooks, and returns their fired actions. It fails fast: if
// a hook's condition fails to evaluate, Dispatch stops and returns the
// error immediately rather than evaluating the remaining hooks.
func (t *Table) Dispatch(_ context.Context, event string, ctx map[string]any) ([]Result, error) {
	var results []Result
	for _, h := range t.hooks {
		if h.Event != event {
			continue
		}
		if t.suppressed[h.ID] || (h.Action.ItemID != "" && t.suppressed[h.Action.ItemID]) {
			continue
		}
		match, err := Evaluate(&h.Condition, ctx)
		if err != nil {
			return results, fmt.Errorf("hooks: evaluating hook %q: %w", h.ID, err)
		}
		if !match {
			continue
		}
		results = append(results, Result{Hook: h, Action: h.Action})
	}
	return results, nil
}

// ConcatContext concatenates fired before/after results' Content in
// position order, for build_system_prompt / thread_started assembly:
// all "before" content first (table order), then all "after" content
// (table order).
func ConcatContext(results []Result) (before, after string) {
	for _, r := range results {
		if r.Hook.Position == PositionAfter {
			after += r.Action.Content
		} else {
			before += r.Action.Content
		}
	}
	return before, after
}

// CheckErrorPreservation enforces that a hook handling an `error` event
// cannot discard a non-empty error by returning an empty action: a hook
// that claims to handle the error but leaves no retry/block/log action
// and no content is treated as having attempted to silently blank the
// error, which is itself an error.
func CheckErrorPreservation(originalErr error, results []Result) error {
	if originalErr == nil {
		return nil
	}
	for _, r := range results {
		if r.Action.Type == "" && r.Action.Content == "" {
			return fmt.Errorf("%w: hook %q returned an empty action for a non-empty error", kernelerrors.ErrHookOverride, r.Hook.ID)
		}
	}
	return nil
}
