package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leolilley/ryeos-kernel/kernel/dispatch"
	"github.com/leolilley/ryeos-kernel/kernel/provider"
)

// maxResultChars bounds a single tool result field before truncation;
// halved once context usage crosses 70%, so late-conversation tool
// calls leave more headroom for the remaining turns.
const maxResultChars = 8000

// processToolCalls executes every tool call the provider returned, in
// order. It reports (Result, true) only when a call finalizes the
// thread (a directive-return call); all other outcomes (denial,
// dispatch error, dispatch success) append a tool-role message and
// continue to the next call.
func (r *Runner) processToolCalls(ctx context.Context, threadID string, resp provider.Response, cost Cost) (Result, bool) {
	for _, tc := range resp.ToolCalls {
		r.emitToolCallStart(tc)

		input, _ := tc.Input.(map[string]any)
		primary := dispatch.Primary(strings.TrimPrefix(tc.Name, "rye_"))
		itemType := stringFromMap(input, "item_type", "tool")
		itemID := stringFromMap(input, "item_id", "")
		params, _ := input["parameters"].(map[string]any)

		action := dispatch.Action{Primary: primary, ItemType: itemType, ItemID: itemID, Params: params}

		if itemID == DirectiveReturnTool {
			if !r.cfg.Harness.CheckCapability(action.RequiredCapability()) {
				r.appendToolError(tc, fmt.Sprintf("permission denied: missing capability %q", action.RequiredCapability()))
				continue
			}
			if res, done := r.handleDirectiveReturn(ctx, threadID, tc, params, resp, cost); done {
				return res, true
			}
			continue
		}

		tctx := dispatch.ThreadContext{EffectiveCapabilities: r.cfg.Harness.Capabilities}
		if itemID == dispatch.ThreadDirectiveTool {
			// dispatch.Dispatcher injects this into params itself when
			// tc.Parent is set and the inner target is the thread-spawn
			// sentinel.
			tctx.Parent = &dispatch.ParentContext{
				ParentThreadID: threadID,
				Depth:          r.cfg.Depth,
				Limits:         limitsMap(r.cfg.Harness.Limits),
				Capabilities:   r.cfg.Harness.Capabilities,
			}
		}

		result, err := r.cfg.Dispatcher.Dispatch(ctx, action, tctx)
		if err != nil {
			r.appendToolError(tc, err.Error())
			continue
		}

		cleaned := cleanToolResult(result)
		guarded := guardResultSize(cleaned, r.contextUsageRatio())
		r.emitToolCallResult(tc, guarded, "")
		r.messages = append(r.messages, provider.Message{Role: "tool", ToolCallID: tc.ID, Content: formatToolOutput(guarded)})
	}
	return Result{}, false
}

// handleDirectiveReturn validates a directive-return call's declared
// outputs against the directive's required fields. Missing fields
// become a tool-role error that lets the model retry the call; complete
// outputs fire the directive_return hook and finalize the thread.
func (r *Runner) handleDirectiveReturn(ctx context.Context, threadID string, tc provider.ToolCall, params map[string]any, resp provider.Response, cost Cost) (Result, bool) {
	outputs := params
	if outputs == nil {
		outputs = map[string]any{}
	}

	var missing []string
	for _, f := range r.cfg.OutputFields {
		v, ok := outputs[f]
		if !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		msg := fmt.Sprintf("missing required output fields: %s. Call directive_return again with all required fields.", strings.Join(missing, ", "))
		r.appendToolError(tc, msg)
		return Result{}, false
	}

	r.emitToolCallResult(tc, outputs, "")
	_, _ = r.dispatchHooks(ctx, "directive_return", map[string]any{
		"outputs":   outputs,
		"cost":      costMap(cost),
		"thread_id": threadID,
	})
	return r.finalize(ctx, threadID, cost, true, resp.Text, outputs, "", "completed", ""), true
}

func (r *Runner) appendToolError(tc provider.ToolCall, msg string) {
	r.emitToolCallResult(tc, msg, msg)
	r.messages = append(r.messages, provider.Message{Role: "tool", ToolCallID: tc.ID, Content: msg})
}

// dropKeys are envelope-scaffolding fields a tool result may still carry
// after dispatch.unwrap has lifted its data to the top level (when the
// underlying tool's own payload happens to reuse these names), stripped
// so the model never sees provenance bookkeeping as a "real" field.
var dropKeys = map[string]bool{
	"chain":             true,
	"metadata":          true,
	"path":              true,
	"source":            true,
	"resolved_env_keys": true,
}

var signaturePrefixes = []string{"# rye:signed:", "<!-- rye:signed:"}

// cleanToolResult strips envelope scaffolding and any embedded signature
// lines from string content fields, mirroring the tool-dispatch
// boundary's _clean_tool_result behavior.
func cleanToolResult(result dispatch.Result) map[string]any {
	out := make(map[string]any, len(result.Fields)+2)
	for k, v := range result.Fields {
		if dropKeys[k] {
			continue
		}
		if s, ok := v.(string); ok {
			v = stripSignatureLines(s)
		}
		out[k] = v
	}
	if result.Status == "error" {
		out["status"] = "error"
		if result.Error != "" {
			out["error"] = result.Error
		}
	}
	return out
}

func stripSignatureLines(text string) string {
	if !strings.Contains(text, "rye:signed:") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		drop := false
		for _, p := range signaturePrefixes {
			if strings.HasPrefix(trimmed, p) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// guardResultSize bounds large string fields against current context
// usage, tightening the limit once the conversation is already using
// most of the provider's window.
func guardResultSize(cleaned map[string]any, ratio float64) map[string]any {
	limit := maxResultChars
	if ratio > 0.7 {
		limit = maxResultChars / 2
	}
	out := make(map[string]any, len(cleaned))
	for k, v := range cleaned {
		if s, ok := v.(string); ok && len(s) > limit {
			out[k] = s[:limit] + fmt.Sprintf("... [truncated %d chars]", len(s)-limit)
			continue
		}
		out[k] = v
	}
	return out
}

func formatToolOutput(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
