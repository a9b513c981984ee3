package directive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/leolilley/ryeos-kernel/internal/telemetry"
	"github.com/leolilley/ryeos-kernel/kernel/budget"
	"github.com/leolilley/ryeos-kernel/kernel/config"
	"github.com/leolilley/ryeos-kernel/kernel/dispatch"
	"github.com/leolilley/ryeos-kernel/kernel/hooks"
	"github.com/leolilley/ryeos-kernel/kernel/orchestrator"
	"github.com/leolilley/ryeos-kernel/kernel/provider"
	"github.com/leolilley/ryeos-kernel/kernel/registry"
	"github.com/leolilley/ryeos-kernel/kernel/runner"
	"github.com/leolilley/ryeos-kernel/kernel/safety"
	"github.com/leolilley/ryeos-kernel/kernel/sign"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

const maxResultTextChars = 4000

// AmbientHooks groups the hook sources that exist independently of any
// one directive: per-user overrides, built-in system hooks, and
// project/infra-tier hooks loaded from the config cascade.
type AmbientHooks struct {
	User    []hooks.Hook
	Builtin []hooks.Hook
	Project []hooks.Hook
	Infra   []hooks.Hook
}

// AmbientHookLoader supplies the non-directive hook sources, typically
// backed by config.Loader reading a cascade-merged "hooks" document.
type AmbientHookLoader interface {
	LoadAmbientHooks(ctx context.Context) (AmbientHooks, error)
}

// Config wires an Entry to every kernel collaborator it composes.
type Config struct {
	Directives   DirectiveLoader
	Knowledge    KnowledgeLoader
	AmbientHooks AmbientHookLoader
	ConfigLoader *config.Loader

	Registry     registry.Store
	Budget       budget.Store
	Dispatcher   *dispatch.Dispatcher
	Signer       *sign.Signer
	Orchestrator *orchestrator.Orchestrator
	RateLimiter  *provider.RateLimiter
	Log          telemetry.Logger

	ProjectPath    string
	TranscriptPath func(threadID string) string
	ThreadMetaPath func(threadID string) string

	RiskTable     safety.RiskTable
	DefaultLimits map[string]float64
	RootMaxSpend  float64

	AvailableTools []provider.ToolDef
	Emitter        runner.Emitter
	Renderer       runner.KnowledgeRenderer
	RetryPolicy    provider.RetryPolicy

	ResumeCeilingTokens int
	// TranscriptIntegrityPolicy is "strict" (default: a corrupt previous
	// transcript fails the resume outright) or "lenient" (reconstruct as
	// much as verifies and continue).
	TranscriptIntegrityPolicy string

	// SpawnDetached starts an async thread's re-exec process; nil
	// disables Params.Async (Run returns an error if asked to go async
	// without one configured).
	SpawnDetached func(o *orchestrator.Orchestrator, threadID string, params Params) (pid int, err error)
}

// Params is a thread-directive invocation's input, matching the
// external operation's {directive_id, async?, inputs, model?,
// limit_overrides?, parent_thread_id?, previous_thread_id?} shape.
type Params struct {
	DirectiveID      string
	Async            bool
	Inputs           map[string]any
	Model            *ModelRef
	LimitOverrides   map[string]float64
	ParentThreadID   string
	PreviousThreadID string

	// ThreadID and PreRegistered are set only on the re-exec leg of an
	// async spawn: the registry row already exists, created by the
	// parent leg before it spawned the detached process.
	ThreadID      string
	PreRegistered bool
}

// Result is a thread-directive invocation's terminal (or, for an async
// launch, initial) outcome.
type Result struct {
	Success    bool
	ThreadID   string
	Status     string
	Directive  string
	PID        int
	Cost       *runner.Cost
	ResultText string
	Outputs    map[string]any
	ErrorText  string
	Truncated  bool
}

// Entry is the Thread Directive Entry: the composition layer that turns
// a directive id and inputs into a running, harnessed thread.
type Entry struct {
	cfg Config
}

// New constructs an Entry from cfg.
func New(cfg Config) *Entry {
	return &Entry{cfg: cfg}
}

// SpawnFunc adapts Run into an orchestrator.SpawnFunc, for wiring an
// Entry's composition into HandoffThread/ResumeThread.
func (e *Entry) SpawnFunc() orchestrator.SpawnFunc {
	return func(ctx context.Context, sp orchestrator.SpawnParams) (string, bool, error) {
		res, err := e.Run(ctx, Params{
			DirectiveID:      sp.DirectiveID,
			ParentThreadID:   sp.ParentThreadID,
			PreviousThreadID: sp.PreviousThreadID,
			Inputs:           map[string]any{"continuation_message": sp.ContinuationMessage},
		})
		if err != nil {
			return res.ThreadID, false, err
		}
		return res.ThreadID, res.Success || res.Status == "running", nil
	}
}

// handoffFunc adapts orchestrator.HandoffThread into the shape
// runner.Config.Handoff expects: the in-process message list isn't
// forwarded, since the new thread reconstructs its own resumable
// context from the old thread's transcript inside Run (step 3.5), not
// from the Runner's live in-memory messages.
func (e *Entry) handoffFunc(ctx context.Context, threadID string, _ []provider.Message) (string, bool, error) {
	return e.cfg.Orchestrator.HandoffThread(ctx, threadID, "")
}

// Run executes the full thread-directive composition: resolve parent
// context, register, load the directive chain, reconstruct resume
// context if any, resolve limits and depth, build the safety harness,
// reserve budget, resolve the model/provider, and either detach (async)
// or run the thread in-process to completion (sync). Grounded on
// thread_directive.py's execute().
func (e *Entry) Run(ctx context.Context, params Params) (Result, error) {
	threadID := params.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	// (1) resolve parent context: param -> thread.json -> none.
	parentCaps, parentLimits, parentDepth := e.resolveParentContext(ctx, params.ParentThreadID)

	// (2) register thread, unless the registry row already exists from
	// the parent leg of an async spawn.
	if !params.PreRegistered {
		_, err := e.cfg.Registry.Register(ctx, registry.Record{
			ThreadID:    threadID,
			DirectiveID: params.DirectiveID,
			ParentID:    params.ParentThreadID,
			Status:      registry.StatusCreated,
		})
		if err != nil {
			return Result{Success: false, ThreadID: threadID, ErrorText: err.Error()}, err
		}
	}

	// (3) load directive chain.
	chain, err := ResolveChain(ctx, e.cfg.Directives, params.DirectiveID)
	if err != nil {
		return e.fail(ctx, threadID, params.DirectiveID, err)
	}
	leaf := chain.Leaf()
	perms := leaf.Permissions
	if len(perms) == 0 {
		perms = chain.InheritedPermissions
	}

	// (3.5) reconstruct resume context, when continuing a prior thread.
	var resumeMessages []provider.Message
	if params.PreviousThreadID != "" {
		resumeMessages, err = e.reconstructResume(params.PreviousThreadID, leaf)
		if err != nil {
			return e.fail(ctx, threadID, params.DirectiveID, err)
		}
	}

	// (4) resolve limits, clamped to the parent's.
	limits, err := ResolveLimits(e.cfg.DefaultLimits, leaf.Limits, params.LimitOverrides, parentLimits)
	if err != nil {
		return e.fail(ctx, threadID, params.DirectiveID, err)
	}

	// (5) depth check.
	if limits.Depth < 0 {
		return e.fail(ctx, threadID, params.DirectiveID, fmt.Errorf("directive: max thread depth exceeded"))
	}
	depth := 0
	if params.ParentThreadID != "" {
		depth = parentDepth + 1
	}

	// (6) check and increment the parent's spawn count.
	if params.ParentThreadID != "" && e.cfg.Orchestrator != nil {
		if breach := e.cfg.Orchestrator.CheckSpawnLimit(params.ParentThreadID, parentSpawnLimit(parentLimits)); breach != nil {
			return e.fail(ctx, threadID, params.DirectiveID, breach)
		}
		e.cfg.Orchestrator.IncrementSpawnCount(params.ParentThreadID)
	}

	// (7) build hooks and the safety harness.
	ambient, err := e.loadAmbientHooks(ctx)
	if err != nil {
		return e.fail(ctx, threadID, params.DirectiveID, err)
	}
	merged := MergeHooks(HookSources{
		User:      ambient.User,
		Directive: chain.Hooks,
		Builtin:   ambient.Builtin,
		Project:   ambient.Project,
		Infra:     ambient.Infra,
	})
	hookTable := hooks.NewTable(merged, chain.Suppress)

	harness, err := safety.NewHarness(threadID, e.cfg.ProjectPath, leaf.ID, perms, parentCaps, limits, e.cfg.RiskTable, leaf.AcknowledgedRisks, hookTable)
	if err != nil {
		return e.fail(ctx, threadID, params.DirectiveID, err)
	}
	if len(e.cfg.AvailableTools) == 0 {
		return e.fail(ctx, threadID, params.DirectiveID, fmt.Errorf("directive: no tools available to thread"))
	}

	// (8) reserve budget.
	if params.ParentThreadID != "" {
		if _, err := e.cfg.Budget.Reserve(ctx, threadID, limits.Spend, params.ParentThreadID); err != nil {
			return e.fail(ctx, threadID, params.DirectiveID, err)
		}
	} else {
		maxSpend := limits.Spend
		if maxSpend <= 0 {
			maxSpend = e.cfg.RootMaxSpend
		}
		if _, err := e.cfg.Budget.Register(ctx, threadID, maxSpend); err != nil {
			return e.fail(ctx, threadID, params.DirectiveID, err)
		}
	}

	// resolve model/provider and build the prompt.
	modelRef := leaf.Model
	if params.Model != nil {
		modelRef = *params.Model
	}
	model, schema, err := ResolveProvider(e.cfg.ConfigLoader, modelRef)
	if err != nil {
		return e.fail(ctx, threadID, params.DirectiveID, err)
	}
	client := provider.NewClient(schema, model, e.cfg.RateLimiter)

	prompt := BuildPrompt(leaf, leaf.Body)
	systemExtra := RenderKnowledge(ctx, e.cfg.Knowledge, chain.SystemContext)
	directiveBefore := RenderKnowledge(ctx, e.cfg.Knowledge, chain.BeforeContext)
	directiveAfter := RenderKnowledge(ctx, e.cfg.Knowledge, chain.AfterContext)

	// (9) write the initial signed thread.json, status=running.
	e.writeMeta(threadID, params, ThreadMeta{
		ThreadID:    threadID,
		DirectiveID: leaf.ID,
		ParentID:    params.ParentThreadID,
		Status:      string(registry.StatusRunning),
		Model:       model,
		Provider:    schema.ProviderID,
		Depth:       depth,
		Limits:      limitsMapOf(limits),
	})

	var cancel <-chan struct{}
	if e.cfg.Orchestrator != nil {
		cancel = e.cfg.Orchestrator.RegisterThread(threadID, depth)
	}

	// (10) async branch: detach and return immediately.
	if params.Async && !params.PreRegistered {
		if e.cfg.SpawnDetached == nil {
			return e.fail(ctx, threadID, params.DirectiveID, fmt.Errorf("directive: async spawn requested but no detach mechanism configured"))
		}
		pid, err := e.cfg.SpawnDetached(e.cfg.Orchestrator, threadID, params)
		if err != nil {
			return e.fail(ctx, threadID, params.DirectiveID, err)
		}
		if e.cfg.Orchestrator != nil {
			e.cfg.Orchestrator.SetPID(threadID, pid)
		}
		_ = e.cfg.Registry.UpdateStatus(ctx, threadID, registry.StatusRunning)
		if e.cfg.Log != nil {
			e.cfg.Log.Info(ctx, "thread directive spawned detached", "thread_id", threadID, "directive", leaf.ID, "pid", pid)
		}
		return Result{Success: true, ThreadID: threadID, Status: "running", Directive: leaf.ID, PID: pid}, nil
	}

	// (11) sync branch: run the thread in-process.
	writer, err := transcript.Open(e.cfg.TranscriptPath(threadID), threadID, e.cfg.Signer)
	if err != nil {
		return e.fail(ctx, threadID, params.DirectiveID, err)
	}
	defer writer.Close()

	outputNames := make([]string, len(leaf.Outputs))
	for i, f := range leaf.Outputs {
		outputNames[i] = f.Name
	}

	rn := runner.New(runner.Config{
		Harness:               harness,
		Provider:              client,
		Dispatcher:            e.cfg.Dispatcher,
		Transcript:            writer,
		Budget:                e.cfg.Budget,
		Registry:              e.cfg.Registry,
		Emitter:               e.cfg.Emitter,
		Renderer:              e.cfg.Renderer,
		Handoff:               e.handoffFunc,
		AvailableTools:        e.cfg.AvailableTools,
		OutputFields:          outputNames,
		Depth:                 depth,
		Model:                 model,
		SystemPrompt:          systemExtra,
		RetryPolicy:           e.cfg.RetryPolicy,
		ContextWindow:         schema.MaxTokens,
		ContinuationThreshold: 0,
		Cancel:                cancel,
	})

	in := runner.Input{
		UserPrompt:       renderInputs(params.Inputs),
		DirectiveBody:    prompt,
		DirectiveBefore:  directiveBefore,
		DirectiveAfter:   directiveAfter,
		PreviousThreadID: params.PreviousThreadID,
		Inputs:           params.Inputs,
		ResumeMessages:   resumeMessages,
	}

	res := rn.Run(ctx, threadID, in)

	if e.cfg.Orchestrator != nil {
		e.cfg.Orchestrator.CompleteThread(threadID, res)
	}

	// (12) cascade actual spend to the parent (the Runner's own
	// finalize already reported this thread's actual spend and
	// released its reservation).
	if params.ParentThreadID != "" {
		_ = e.cfg.Budget.CascadeSpend(ctx, threadID, params.ParentThreadID, res.Cost.Spend)
	}

	// (13)/(14) write the final signed thread.json.
	outputsJSON, _ := json.Marshal(res.Outputs)
	e.writeMeta(threadID, params, ThreadMeta{
		ThreadID:    threadID,
		DirectiveID: leaf.ID,
		ParentID:    params.ParentThreadID,
		Status:      res.Status,
		Model:       model,
		Provider:    schema.ProviderID,
		Depth:       depth,
		Limits:      limitsMapOf(limits),
		Cost:        costMapOf(res.Cost),
		ResultText:  res.ResultText,
		Outputs:     jsonToMap(outputsJSON),
		ErrorText:   res.ErrorText,
	})

	resultText, truncated := truncateResult(res.ResultText)

	return Result{
		Success:    res.Success,
		ThreadID:   threadID,
		Status:     res.Status,
		Directive:  leaf.ID,
		Cost:       &res.Cost,
		ResultText: resultText,
		Outputs:    res.Outputs,
		ErrorText:  res.ErrorText,
		Truncated:  truncated,
	}, nil
}

// fail records a thread-level failure against the registry and thread
// meta (best-effort) and returns the error to the caller, matching the
// original's diagnostics-on-error tail.
func (e *Entry) fail(ctx context.Context, threadID, directiveID string, err error) (Result, error) {
	if e.cfg.Registry != nil {
		_ = e.cfg.Registry.UpdateStatus(ctx, threadID, registry.StatusError)
		_ = e.cfg.Registry.SetResult(ctx, threadID, "", nil, err.Error())
	}
	if e.cfg.Log != nil {
		e.cfg.Log.Error(ctx, "thread directive failed before run", "thread_id", threadID, "directive", directiveID, "error", err)
	}
	return Result{Success: false, ThreadID: threadID, Status: "error", Directive: directiveID, ErrorText: err.Error()}, err
}

func (e *Entry) writeMeta(threadID string, params Params, meta ThreadMeta) {
	if e.cfg.ThreadMetaPath == nil || e.cfg.Signer == nil {
		return
	}
	_ = WriteThreadMeta(e.cfg.Signer, e.cfg.ThreadMetaPath(threadID), meta)
}

// resolveParentContext reads the parent's own thread.json (when one is
// recorded), reporting its effective capabilities, resolved limits, and
// depth. Any failure to read is treated as "no parent constraint" rather
// than fatal: a parent recorded only in another process that has since
// exited a transient state shouldn't block a legitimate spawn.
func (e *Entry) resolveParentContext(ctx context.Context, parentID string) (caps []string, limits *safety.Limits, depth int) {
	if parentID == "" || e.cfg.Registry == nil {
		return nil, nil, 0
	}
	rec, err := e.cfg.Registry.GetThread(ctx, parentID)
	if err == nil && len(rec.PermissionContext) > 0 {
		_ = json.Unmarshal(rec.PermissionContext, &caps)
	}
	if e.cfg.ThreadMetaPath == nil || e.cfg.Signer == nil {
		return caps, nil, 0
	}
	meta, err := ReadThreadMeta(e.cfg.Signer, e.cfg.ThreadMetaPath(parentID))
	if err != nil {
		return caps, nil, 0
	}
	l := limitsFromMap(meta.Limits)
	return caps, &l, meta.Depth
}

func (e *Entry) loadAmbientHooks(ctx context.Context) (AmbientHooks, error) {
	if e.cfg.AmbientHooks == nil {
		return AmbientHooks{}, nil
	}
	return e.cfg.AmbientHooks.LoadAmbientHooks(ctx)
}

// reconstructResume verifies the previous thread's transcript (per the
// configured integrity policy), replays it into canonical messages, and
// trims it to the resume ceiling with a continuation prompt appended.
func (e *Entry) reconstructResume(previousThreadID string, leaf Directive) ([]provider.Message, error) {
	path := e.cfg.TranscriptPath(previousThreadID)
	allowUnsignedTrailing := e.cfg.TranscriptIntegrityPolicy == "lenient"
	verified, err := transcript.Verify(path, e.cfg.Signer, allowUnsignedTrailing)
	if err != nil {
		return nil, fmt.Errorf("directive: verify previous transcript %s: %w", previousThreadID, err)
	}
	if !verified.Valid && e.cfg.TranscriptIntegrityPolicy != "lenient" {
		return nil, fmt.Errorf("directive: previous transcript %s failed integrity verification", previousThreadID)
	}

	replayed, err := transcript.ReconstructMessages(verified.Events, transcript.ReconstructOptions{})
	if err != nil {
		return nil, fmt.Errorf("directive: reconstruct previous transcript %s: %w", previousThreadID, err)
	}
	converted, err := ToProviderMessages(replayed)
	if err != nil {
		return nil, fmt.Errorf("directive: convert reconstructed messages: %w", err)
	}

	return TrimForResume(converted, e.cfg.ResumeCeilingTokens, leaf.ContinuationDirective), nil
}

func parentSpawnLimit(parentLimits *safety.Limits) float64 {
	if parentLimits == nil {
		return 0
	}
	return parentLimits.Spawns
}

func limitsMapOf(l safety.Limits) map[string]float64 {
	return map[string]float64{
		"turns":            l.Turns,
		"tokens":           l.Tokens,
		"spend":            l.Spend,
		"spawns":           l.Spawns,
		"duration_seconds": l.DurationSeconds,
		"depth":            l.Depth,
	}
}

func limitsFromMap(m map[string]float64) safety.Limits {
	return safety.Limits{
		Turns:           m["turns"],
		Tokens:          m["tokens"],
		Spend:           m["spend"],
		Spawns:          m["spawns"],
		DurationSeconds: m["duration_seconds"],
		Depth:           m["depth"],
	}
}

func costMapOf(c runner.Cost) map[string]any {
	return map[string]any{
		"turns":           c.Turns,
		"input_tokens":    c.InputTokens,
		"output_tokens":   c.OutputTokens,
		"spend":           c.Spend,
		"elapsed_seconds": c.ElapsedSeconds,
	}
}

func jsonToMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// renderInputs turns a directive invocation's structured inputs map
// into the plain-text first user message when no explicit prompt field
// is present, falling back to the conventional "prompt"/"message" keys
// before a generic key:value rendering.
func renderInputs(inputs map[string]any) string {
	if inputs == nil {
		return ""
	}
	for _, key := range []string{"prompt", "message", "continuation_message"} {
		if v, ok := inputs[key].(string); ok && v != "" {
			return v
		}
	}
	var b strings.Builder
	for k, v := range inputs {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %v", k, v)
	}
	return b.String()
}

// truncateResult caps an overlong result text, matching the original's
// 4000-character cutoff with a truncation flag rather than silently
// dropping the tail.
func truncateResult(text string) (string, bool) {
	if len(text) <= maxResultTextChars {
		return text, false
	}
	return text[:maxResultTextChars], true
}
