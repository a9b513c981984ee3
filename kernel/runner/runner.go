// Package runner is the thread runner: the
// LLM loop that drives one thread from its first message to completion,
// error, cancellation, or handoff. It composes the safety harness, the
// provider adapter, the tool dispatcher, and the transcript writer built
// by the caller (the thread directive entry point) into a single
// request/response/tool-call cycle.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
	"github.com/leolilley/ryeos-kernel/kernel/budget"
	"github.com/leolilley/ryeos-kernel/kernel/dispatch"
	"github.com/leolilley/ryeos-kernel/kernel/hooks"
	"github.com/leolilley/ryeos-kernel/kernel/provider"
	"github.com/leolilley/ryeos-kernel/kernel/registry"
	"github.com/leolilley/ryeos-kernel/kernel/safety"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

// DirectiveReturnTool is the well-known item id that signals a thread's
// completion with structured outputs, matching dispatch.ThreadDirectiveTool's
// convention of a short sentinel name rather than a dotted path.
const DirectiveReturnTool = "directive_return"

const maxNudges = 3

const (
	defaultContextWindow     = 200000
	defaultContinuationRatio = 0.9
	defaultRetryBaseSeconds  = 1.0
	defaultRetryMaxAttempts  = 3
)

// Emitter receives every lifecycle event a thread produces, for UI and
// log consumption beyond the raw transcript file. Optional: a nil
// Emitter means events are only written to the transcript.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// KnowledgeRenderer re-renders a thread's human-facing status summary
// at every turn boundary and at finalization.
type KnowledgeRenderer func(status string, cost Cost)

// HandoffFunc spawns a successor thread carrying the current message
// list forward. ok is false when handoff declined to run (not an
// error); the runner falls back to hook-based context_limit_reached
// handling in that case.
type HandoffFunc func(ctx context.Context, threadID string, messages []provider.Message) (newThreadID string, ok bool, err error)

// Config wires a Runner to one thread's collaborators.
type Config struct {
	Harness    *safety.Harness
	Provider   ProviderCaller
	Dispatcher *dispatch.Dispatcher
	Transcript *transcript.Writer
	Budget     budget.Store
	Registry   registry.Store
	Emitter    Emitter
	Renderer   KnowledgeRenderer
	Handoff    HandoffFunc

	// AvailableTools is the generic tool-schema list built from the four
	// primary tool manifests (execute/search/load/sign), passed to the
	// provider unchanged every turn.
	AvailableTools []provider.ToolDef

	// OutputFields are the directive's required directive-return fields,
	// if any; their presence drives both the stall-nudge heuristic and
	// directive-return validation.
	OutputFields []string

	Depth        int
	Model        string // provider model name, surfaced to hooks as ambient context
	SystemPrompt string // caller-provided override, appended after hook content
	RetryPolicy  provider.RetryPolicy

	Streaming   bool
	CallerSinks []provider.Sink

	ContextWindow         int     // 0 defaults to 200000
	ContinuationThreshold float64 // 0 defaults to 0.9

	Cancel <-chan struct{}
}

// Input is the per-run material that varies between a fresh thread and
// a resumed/continued one.
type Input struct {
	UserPrompt       string
	DirectiveBody    string
	DirectiveBefore  string
	DirectiveAfter   string
	PreviousThreadID string
	Inputs           map[string]any

	// ResumeMessages, when non-empty, puts the runner in continuation
	// mode: the first-message construction is skipped and these messages
	// seed the conversation directly.
	ResumeMessages []provider.Message
}

// Cost accumulates per-turn usage across a run.
type Cost struct {
	Turns          int
	InputTokens    int
	OutputTokens   int
	Spend          float64
	ElapsedSeconds float64
}

// Result is a run's terminal outcome.
type Result struct {
	Success              bool
	Status               string
	ResultText           string
	Outputs              map[string]any
	ErrorText            string
	ContinuationThreadID string
	Cost                 Cost
	ThreadID             string
}

// Runner drives one thread's LLM loop. Not safe for concurrent use by
// more than one goroutine; one Runner serves exactly one thread.
type Runner struct {
	cfg        Config
	messages   []provider.Message
	nudgeCount int
	start      time.Time
}

// New constructs a Runner from cfg.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

// Run executes the LLM loop for threadID until completion, error,
// cancellation, or handoff, returning the terminal Result.
func (r *Runner) Run(ctx context.Context, threadID string, in Input) Result {
	r.start = time.Now()
	cost := Cost{}

	if r.cfg.Registry != nil {
		_ = r.cfg.Registry.UpdateStatus(ctx, threadID, registry.StatusRunning)
	}

	systemPrompt, err := r.buildSystemPrompt(ctx, in)
	if err != nil {
		return r.finalize(ctx, threadID, cost, false, "", nil, err.Error(), "", "")
	}
	r.cfg.SystemPrompt = systemPrompt
	r.emitSystemPrompt(systemPrompt)

	if len(in.ResumeMessages) > 0 {
		if err := r.firstMessageContinuation(ctx, in); err != nil {
			return r.finalize(ctx, threadID, cost, false, "", nil, err.Error(), "", "")
		}
	} else {
		if err := r.firstMessageFresh(ctx, in); err != nil {
			return r.finalize(ctx, threadID, cost, false, "", nil, err.Error(), "", "")
		}
	}

	for {
		if res, done := r.preTurnLimitCheck(ctx, threadID, cost); done {
			return res
		}

		if r.cancelled() {
			return r.finalize(ctx, threadID, cost, false, "", nil, "", "cancelled", "")
		}

		if cost.Turns > 0 {
			if r.cfg.Transcript != nil {
				_ = r.cfg.Transcript.Checkpoint(cost.Turns)
			}
			r.renderKnowledge("running", cost)
		}

		resp, finalizeResult, stop := r.callProvider(ctx, threadID, cost)
		if stop {
			return finalizeResult
		}

		// Turn counter increments only on provider success: retries driven
		// by an error hook's retry action leave cost.Turns unchanged across
		// repeated attempts for the same turn.
		cost.Turns++
		cost.InputTokens += resp.InputTokens
		cost.OutputTokens += resp.OutputTokens
		cost.Spend += resp.Spend
		r.emitCognitionOut(resp)

		if len(resp.ToolCalls) == 0 {
			if r.maybeNudge(resp, cost) {
				continue
			}
			return r.finalize(ctx, threadID, cost, true, resp.Text, nil, "", "completed", "")
		}

		r.messages = append(r.messages, provider.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})

		if res, done := r.processToolCalls(ctx, threadID, resp, cost); done {
			return res
		}

		if _, err := r.dispatchHooks(ctx, "after_step", map[string]any{"cost": costMap(cost), "thread_id": threadID}); err != nil {
			// Post-turn hooks are best-effort; a failure here does not
			// interrupt the loop.
			_ = err
		}

		if res, done := r.checkContextLimit(ctx, threadID, cost); done {
			return res
		}
	}
}

// buildSystemPrompt runs build_system_prompt hooks and concatenates
// their content with any caller-provided override.
func (r *Runner) buildSystemPrompt(ctx context.Context, in Input) (string, error) {
	ambient := map[string]any{
		"directive":      r.cfg.Harness.DirectiveName,
		"directive_body": in.DirectiveBody,
		"model":          r.cfg.Model,
		"limits":         limitsMap(r.cfg.Harness.Limits),
		"inputs":         in.Inputs,
	}
	results, err := r.dispatchHooks(ctx, "build_system_prompt", ambient)
	if err != nil {
		return "", err
	}
	before, after := hooks.ConcatContext(results)
	hookSystem := joinNonEmpty("\n\n", before, after)
	switch {
	case hookSystem != "" && r.cfg.SystemPrompt != "":
		return hookSystem + "\n\n" + r.cfg.SystemPrompt, nil
	case hookSystem != "":
		return hookSystem, nil
	default:
		return r.cfg.SystemPrompt, nil
	}
}

// firstMessageFresh assembles the first user message for a new thread:
// hook_before · directive_before · user_prompt · directive_after · hook_after.
func (r *Runner) firstMessageFresh(ctx context.Context, in Input) error {
	capsSummary := "unrestricted"
	if len(r.cfg.Harness.Capabilities) > 0 {
		capsSummary = strings.Join(r.cfg.Harness.Capabilities, ", ")
	}
	ambient := map[string]any{
		"directive":            r.cfg.Harness.DirectiveName,
		"directive_body":       in.DirectiveBody,
		"model":                r.cfg.Model,
		"limits":               limitsMap(r.cfg.Harness.Limits),
		"inputs":               in.Inputs,
		"project_path":         r.cfg.Harness.ProjectPath,
		"depth":                r.cfg.Depth,
		"parent_thread_id":     orDefault(in.PreviousThreadID, "none"),
		"spend_limit":          limitOrUnlimited(r.cfg.Harness.Limits.Spend),
		"max_turns":            limitOrUnlimited(r.cfg.Harness.Limits.Turns),
		"capabilities_summary": capsSummary,
	}
	results, err := r.dispatchHooks(ctx, "thread_started", ambient)
	if err != nil {
		return err
	}
	before, after := hooks.ConcatContext(results)

	parts := make([]string, 0, 5)
	if before != "" {
		parts = append(parts, before)
	}
	if in.DirectiveBefore != "" {
		parts = append(parts, in.DirectiveBefore)
	}
	parts = append(parts, in.UserPrompt)
	if in.DirectiveAfter != "" {
		parts = append(parts, in.DirectiveAfter)
	}
	if after != "" {
		parts = append(parts, after)
	}

	r.messages = append(r.messages, provider.Message{Role: "user", Content: strings.Join(parts, "\n\n")})
	r.emitContextInjected(before, after)
	return nil
}

// firstMessageContinuation seeds the conversation from a reconstructed
// message list and injects hook context near the last user message
// rather than at position 0, preserving chronology.
func (r *Runner) firstMessageContinuation(ctx context.Context, in Input) error {
	r.messages = append(r.messages, in.ResumeMessages...)

	ambient := map[string]any{
		"directive":          r.cfg.Harness.DirectiveName,
		"directive_body":     in.DirectiveBody,
		"model":              r.cfg.Model,
		"limits":             limitsMap(r.cfg.Harness.Limits),
		"previous_thread_id": in.PreviousThreadID,
		"inputs":             in.Inputs,
	}
	results, err := r.dispatchHooks(ctx, "thread_continued", ambient)
	if err != nil {
		return err
	}
	before, after := hooks.ConcatContext(results)
	combined := joinNonEmpty("\n\n", before, after)
	if combined != "" && len(r.messages) > 0 {
		idx := len(r.messages) - 1
		for i := len(r.messages) - 1; i >= 0; i-- {
			if r.messages[i].Role == "user" {
				idx = i
				break
			}
		}
		r.messages[idx].Content = combined + "\n\n" + r.messages[idx].Content
	}
	r.emitContextInjected(before, after)
	return nil
}

// preTurnLimitCheck compares accumulated usage against the harness's
// resolved limits. A breach always finalizes the thread: a fired `limit`
// hook supplies the finalization text (a graceful wind-down message),
// otherwise a generic limit-exceeded failure is used.
func (r *Runner) preTurnLimitCheck(ctx context.Context, threadID string, cost Cost) (Result, bool) {
	usage := safety.Usage{
		Turns:           float64(cost.Turns),
		Tokens:          float64(cost.InputTokens + cost.OutputTokens),
		Spend:           cost.Spend,
		DurationSeconds: time.Since(r.start).Seconds(),
	}
	breach := r.cfg.Harness.CheckLimits(usage)
	if breach == nil {
		return Result{}, false
	}
	le, ok := breach.(*kernelerrors.LimitExceeded)
	if !ok {
		return r.finalize(ctx, threadID, cost, false, "", nil, breach.Error(), "", ""), true
	}

	ambient := map[string]any{
		"limit_code":     string(le.Code),
		"current_value":  le.Observed,
		"current_max":    le.Threshold,
		"error_context":  extractErrorContext(r.messages),
	}
	results, err := r.dispatchHooks(ctx, "limit", ambient)
	if err == nil {
		if success, text, ok := limitHookOutcome(results); ok {
			return r.finalize(ctx, threadID, cost, success, text, nil, "", "", ""), true
		}
	}
	msg := fmt.Sprintf("limit exceeded: %s (%v/%v)", le.Code, le.Observed, le.Threshold)
	return r.finalize(ctx, threadID, cost, false, "", nil, msg, "", ""), true
}

// checkContextLimit estimates context usage (chars/4 heuristic) against
// the provider's declared window and, if over threshold, attempts a
// handoff before falling back to hook-based handling.
func (r *Runner) checkContextLimit(ctx context.Context, threadID string, cost Cost) (Result, bool) {
	ratio := r.contextUsageRatio()
	threshold := r.cfg.ContinuationThreshold
	if threshold <= 0 {
		threshold = defaultContinuationRatio
	}
	if ratio < threshold {
		return Result{}, false
	}

	window := r.cfg.ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}
	r.emit("context_limit_reached", map[string]any{
		"tokens_used":  r.estimatedTokens(),
		"tokens_limit": window,
		"ratio":        ratio,
	})

	if r.cfg.Handoff != nil {
		newID, ok, err := r.cfg.Handoff(ctx, threadID, append([]provider.Message(nil), r.messages...))
		if err == nil && ok {
			return r.finalize(ctx, threadID, cost, true, "", nil, "", "continued", newID), true
		}
	}

	results, err := r.dispatchHooks(ctx, "context_limit_reached", map[string]any{
		"tokens_used":  r.estimatedTokens(),
		"tokens_limit": window,
		"ratio":        ratio,
	})
	if err == nil {
		for _, res := range results {
			if res.Action.Type == "continue" {
				return r.finalize(ctx, threadID, cost, true, "", nil, "", "continued", res.Action.ItemID), true
			}
		}
	}
	return Result{}, false
}

func (r *Runner) contextUsageRatio() float64 {
	window := r.cfg.ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}
	if window <= 0 {
		return 0
	}
	return float64(r.estimatedTokens()) / float64(window)
}

// estimatedTokens is the chars/4 heuristic,
// applied over the accumulated message list.
func (r *Runner) estimatedTokens() int {
	chars := 0
	for _, m := range r.messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name)
			if s, ok := tc.Input.(string); ok {
				chars += len(s)
			} else if tc.Input != nil {
				raw, _ := json.Marshal(tc.Input)
				chars += len(raw)
			}
		}
	}
	return chars / 4
}

func (r *Runner) cancelled() bool {
	if r.cfg.Cancel == nil {
		return false
	}
	select {
	case <-r.cfg.Cancel:
		return true
	default:
		return false
	}
}

// maybeNudge appends a stall-recovery nudge to the conversation and
// reports whether the loop should retry without finalizing, bounded to
// maxNudges occurrences per run.
func (r *Runner) maybeNudge(resp provider.Response, cost Cost) bool {
	emptyResponse := strings.TrimSpace(resp.Text) == ""
	expectsReturn := len(r.cfg.OutputFields) > 0

	shouldNudge := len(r.cfg.AvailableTools) > 0 &&
		r.nudgeCount < maxNudges &&
		(cost.Turns == 1 || emptyResponse || expectsReturn)
	if !shouldNudge {
		return false
	}
	r.nudgeCount++

	r.messages = append(r.messages, provider.Message{Role: "assistant", Content: resp.Text})

	var nudgeText string
	switch {
	case emptyResponse:
		nudgeText = "Your response was empty. Continue working on the directive: use the provided tools to complete all remaining steps, then return your results."
	case expectsReturn:
		nudgeText = "You have not yet returned structured outputs. Continue working with the provided tools, then call the directive-return tool with all required fields."
	default:
		nudgeText = "You did not call any tools. Use the provided tools to complete the directive's steps."
	}
	r.messages = append(r.messages, provider.Message{Role: "user", Content: nudgeText})
	return true
}

// finalize runs every exit path's shared tail: sign the final transcript
// region, set the registry status, re-render knowledge, release budget,
// and run after_complete hooks best-effort.
func (r *Runner) finalize(ctx context.Context, threadID string, cost Cost, success bool, resultText string, outputs map[string]any, errText, status, continuationID string) Result {
	cost.ElapsedSeconds = time.Since(r.start).Seconds()

	if status == "" {
		if success {
			status = "completed"
		} else {
			status = "error"
		}
	}
	if !success && errText == "" {
		errText = "unknown error (no message provided)"
	}

	payload := map[string]any{"cost": costMap(cost)}
	if errText != "" {
		payload["error"] = errText
	}
	r.emit("thread_"+status, payload)

	if r.cfg.Transcript != nil && cost.Turns > 0 {
		_ = r.cfg.Transcript.Checkpoint(cost.Turns)
	}

	if r.cfg.Registry != nil {
		_ = r.cfg.Registry.UpdateStatus(ctx, threadID, registry.Status(status))
		outputsJSON, _ := json.Marshal(outputs)
		_ = r.cfg.Registry.SetResult(ctx, threadID, resultText, outputsJSON, errText)
		if continuationID != "" {
			_ = r.cfg.Registry.SetContinuation(ctx, threadID, continuationID)
		}
	}

	r.renderKnowledge(status, cost)

	if r.cfg.Budget != nil {
		_, _ = r.cfg.Budget.ReportActual(ctx, threadID, cost.Spend)
		_ = r.cfg.Budget.Release(ctx, threadID, status)
	}

	if _, err := r.dispatchHooks(ctx, "after_complete", map[string]any{"thread_id": threadID, "cost": costMap(cost)}); err != nil {
		_ = err // after_complete hooks must not break thread finalization
	}

	return Result{
		Success:              success,
		Status:                status,
		ResultText:            resultText,
		Outputs:               outputs,
		ErrorText:             errText,
		ContinuationThreadID:  continuationID,
		Cost:                  cost,
		ThreadID:              threadID,
	}
}

func (r *Runner) renderKnowledge(status string, cost Cost) {
	if r.cfg.Renderer == nil {
		return
	}
	r.cfg.Renderer(status, cost)
}
