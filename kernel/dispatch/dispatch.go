// Package dispatch implements the tool dispatcher:
// it routes the four primary actions (execute/search/load/sign) to
// external tool collaborators, injecting parent context on thread
// spawns, checking permissions on the inner action, and unwrapping the
// tool's response envelope into a flat result.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
)

// Primary identifies one of the four primary tools the dispatcher
// routes to.
type Primary string

const (
	PrimaryExecute Primary = "execute"
	PrimarySearch  Primary = "search"
	PrimaryLoad    Primary = "load"
	PrimarySign    Primary = "sign"
)

// ThreadDirectiveTool is the well-known item id that marks an execute
// action as a thread spawn, triggering parent-context injection.
const ThreadDirectiveTool = "thread_directive"

// internalSubToolPrefix marks an item id as an internal sub-tool of the
// thread-directive machinery itself (e.g. kill_thread, handoff). These
// are always allowed regardless of the caller's effective capability
// set, since they implement the kernel's own bookkeeping rather than a
// capability-gated action a directive author requested.
const internalSubToolPrefix = "rye/agent/threads/internal/"

// IsInternalSubTool reports whether itemID names an always-allowed
// internal sub-tool.
func IsInternalSubTool(itemID string) bool {
	return strings.HasPrefix(itemID, internalSubToolPrefix)
}

// Action is one dispatch request: {primary, item_type, item_id, params}.
type Action struct {
	Primary  Primary
	ItemType string
	ItemID   string
	Params   map[string]any
}

// RequiredCapability is the capability string an action requires,
// derived from its primary/item_type/item_id, e.g.
// "rye.execute.tool.fs.write".
func (a Action) RequiredCapability() string {
	return fmt.Sprintf("rye.%s.%s.%s", a.Primary, a.ItemType, a.ItemID)
}

// ParentContext is injected into params when the inner action targets
// ThreadDirectiveTool, giving the spawned thread its parent's capability
// and limits context.
type ParentContext struct {
	ParentThreadID string
	Depth          int
	Limits         map[string]float64
	Capabilities   []string
}

// ThreadContext carries what the dispatcher needs from the calling
// thread: its effective capabilities (for the permission check) and,
// when relevant, the parent context to inject on spawn actions.
type ThreadContext struct {
	EffectiveCapabilities []string
	Parent                *ParentContext
}

// Tool is an external collaborator implementing one primary action.
// The four concrete tools (execute/search/load/sign) are provided by
// the surrounding system; the dispatcher only knows this interface.
type Tool interface {
	Invoke(ctx context.Context, itemType, itemID string, params map[string]any) (Envelope, error)
}

// Envelope is the standard wire shape returned by a primary tool,
// before unwrapping.
type Envelope struct {
	Status   string         `json:"status"`
	Success  *bool          `json:"success,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Chain    any            `json:"chain,omitempty"`
	Metadata any            `json:"metadata,omitempty"`

	ResolvedEnvKeys any `json:"resolved_env_keys,omitempty"`
	Path            any `json:"path,omitempty"`
	Source          any `json:"source,omitempty"`
}

// Result is the unwrapped, flattened response handed back to the
// caller: Data.* lifted to the top level, envelope scaffolding
// (chain/metadata/resolved_env_keys/path/source) stripped.
type Result struct {
	Status string
	Fields map[string]any
	Error  string
}

// CapabilityChecker reports whether required is covered by granted: the
// single-capability form of kernel/capability.CheckAll, without importing it
// directly (keeping this package's dependency surface to exactly what
// it dispatches, not the capability calculus internals).
type CapabilityChecker func(granted []string, required string) bool

// Dispatcher routes actions to registered Tool implementations.
type Dispatcher struct {
	tools map[Primary]Tool
	check CapabilityChecker
}

// New constructs a Dispatcher. check is the capability matcher used
// for the permission check in step 2.
func New(check CapabilityChecker) *Dispatcher {
	return &Dispatcher{tools: make(map[Primary]Tool), check: check}
}

// Register binds a Tool implementation to one of the four primaries.
func (d *Dispatcher) Register(primary Primary, tool Tool) {
	d.tools[primary] = tool
}

// Dispatch resolves the target tool, checks the caller's effective
// capability against the action's required capability, injects parent
// context when spawning a thread, invokes the tool, and unwraps its
// response envelope into a flat Result.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, tc ThreadContext) (Result, error) {
	params := action.Params
	if action.Primary == PrimaryExecute && action.ItemID == ThreadDirectiveTool && tc.Parent != nil {
		params = injectParentContext(params, *tc.Parent)
	}

	if !IsInternalSubTool(action.ItemID) {
		required := action.RequiredCapability()
		if d.check != nil && !d.check(tc.EffectiveCapabilities, required) {
			return Result{}, &kernelerrors.PermissionDenied{Required: []string{required}, Missing: []string{required}}
		}
	}

	tool, ok := d.tools[action.Primary]
	if !ok {
		return Result{}, fmt.Errorf("%w: no tool registered for primary %q", kernelerrors.ErrToolDispatch, action.Primary)
	}

	env, err := tool.Invoke(ctx, action.ItemType, action.ItemID, params)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", kernelerrors.ErrToolDispatch, err)
	}
	return unwrap(env), nil
}

// injectParentContext copies params and adds parent thread id, depth,
// limits, and capabilities, without mutating the caller's map.
func injectParentContext(params map[string]any, parent ParentContext) map[string]any {
	out := make(map[string]any, len(params)+4)
	for k, v := range params {
		out[k] = v
	}
	out["parent_thread_id"] = parent.ParentThreadID
	out["depth"] = parent.Depth
	out["limits"] = parent.Limits
	out["capabilities"] = parent.Capabilities
	return out
}

// unwrap strips envelope scaffolding and lifts Data to the top level,
// synthesizing status:"error" with the most specific available error
// message when the outer status or inner success flag indicates
// failure.
func unwrap(env Envelope) Result {
	fields := make(map[string]any, len(env.Data))
	for k, v := range env.Data {
		fields[k] = v
	}

	failed := env.Status == "error" || (env.Success != nil && !*env.Success)
	if !failed {
		return Result{Status: "ok", Fields: fields}
	}

	msg := env.Error
	if msg == "" {
		if innerErr, ok := env.Data["error"]; ok {
			msg = fmt.Sprintf("%v", innerErr)
		}
	}
	if msg == "" {
		msg = "tool invocation failed"
	}
	return Result{Status: "error", Fields: fields, Error: msg}
}
