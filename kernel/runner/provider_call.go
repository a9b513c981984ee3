package runner

import (
	"context"
	"errors"
	"time"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
	"github.com/leolilley/ryeos-kernel/kernel/hooks"
	"github.com/leolilley/ryeos-kernel/kernel/provider"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

// transcriptSink adapts a transcript.Writer to provider.Sink, recording
// every raw streaming chunk as it arrives for real-time transcript
// consumption.
type transcriptSink struct {
	w *transcript.Writer
}

func (s transcriptSink) Write(raw []byte) {
	if s.w == nil {
		return
	}
	_ = s.w.WriteEvent(transcript.EventType("stream_chunk"), map[string]any{"raw": string(raw)})
}

func (r *Runner) streamSinks() []provider.Sink {
	if !r.cfg.Streaming {
		return nil
	}
	sinks := make([]provider.Sink, 0, len(r.cfg.CallerSinks)+1)
	if r.cfg.Transcript != nil {
		sinks = append(sinks, transcriptSink{w: r.cfg.Transcript})
	}
	sinks = append(sinks, r.cfg.CallerSinks...)
	return sinks
}

// callProvider calls the provider, consulting `error` hooks on failure.
// A hook may request a retry with a computed backoff delay; such a
// retry does not count toward the turn counter, which only increments
// on the eventual successful response (handled by the caller). stop
// reports whether the run must finalize now (exhausted retries, a
// non-retry hook verdict, or context cancellation during the backoff
// sleep).
func (r *Runner) callProvider(ctx context.Context, threadID string, cost Cost) (provider.Response, Result, bool) {
	r.emitCognitionIn()

	attempt := 0
	for {
		var resp provider.Response
		var err error
		if sinks := r.streamSinks(); len(sinks) > 0 {
			resp, err = r.cfg.Provider.CreateStreamingCompletion(ctx, r.messages, r.cfg.AvailableTools, sinks, r.cfg.SystemPrompt)
		} else {
			resp, err = r.cfg.Provider.CreateCompletion(ctx, r.messages, r.cfg.AvailableTools, r.cfg.SystemPrompt)
		}
		if err == nil {
			return resp, Result{}, false
		}

		attempt++
		originalMsg := err.Error()
		ambient := map[string]any{
			"error":          originalMsg,
			"classification": classifyProviderError(err),
		}
		results, herr := r.dispatchHooks(ctx, "error", ambient)

		retry, text, policy, handled := false, "", r.defaultRetryPolicy(), false
		if herr == nil {
			retry, text, policy, handled = errorHookOutcome(results, r.defaultRetryPolicy())
		}

		if handled && retry && attempt < policy.MaxAttempts {
			delay := provider.ComputeRetryDelay(attempt, policy)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
				continue
			case <-ctx.Done():
				timer.Stop()
				return provider.Response{}, r.finalize(ctx, threadID, cost, false, "", nil, ctx.Err().Error(), "", ""), true
			}
		}

		if handled && text != "" {
			return provider.Response{}, r.finalize(ctx, threadID, cost, false, "", nil, text, "", ""), true
		}
		return provider.Response{}, r.finalize(ctx, threadID, cost, false, "", nil, originalMsg, "", ""), true
	}
}

func (r *Runner) defaultRetryPolicy() provider.RetryPolicy {
	p := r.cfg.RetryPolicy
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = defaultRetryBaseSeconds
	}
	return p
}

// errorHookOutcome inspects the fired `error` hooks: a "retry" action
// requests another attempt (optionally overriding the retry policy's max
// attempts), anything else is treated as a declined retry whose
// concatenated content becomes the finalization message.
func errorHookOutcome(results []hooks.Result, policy provider.RetryPolicy) (retry bool, text string, outPolicy provider.RetryPolicy, handled bool) {
	outPolicy = policy
	for _, res := range results {
		if res.Action.Type == "retry" {
			if res.Action.RetryMaxAttempts > 0 {
				outPolicy.MaxAttempts = res.Action.RetryMaxAttempts
			}
			return true, "", outPolicy, true
		}
	}
	if len(results) == 0 {
		return false, "", outPolicy, false
	}
	before, after := hooks.ConcatContext(results)
	return false, joinNonEmpty("\n\n", before, after), outPolicy, true
}

// limitHookOutcome reports whether a fired `limit` hook supplies an
// alternate (possibly successful) finalization outcome; an unhandled
// breach finalizes as a generic failure at the call site.
func limitHookOutcome(results []hooks.Result) (success bool, text string, ok bool) {
	if len(results) == 0 {
		return false, "", false
	}
	before, after := hooks.ConcatContext(results)
	return true, joinNonEmpty("\n\n", before, after), true
}

// classifyProviderError extracts the ambient fields an `error` hook's
// condition language can match against from a provider call failure.
func classifyProviderError(err error) map[string]any {
	var pce *kernelerrors.ProviderCallError
	if errors.As(err, &pce) {
		return map[string]any{
			"error_type":  pce.ErrorType,
			"retryable":   pce.Retryable,
			"http_status": pce.HTTPStatus,
		}
	}
	return map[string]any{"error_type": "unknown", "retryable": false}
}

func (r *Runner) dispatchHooks(ctx context.Context, event string, ambient map[string]any) ([]hooks.Result, error) {
	return r.cfg.Harness.DispatchHooks(ctx, event, ambient)
}
