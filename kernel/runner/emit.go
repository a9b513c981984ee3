package runner

import (
	"github.com/leolilley/ryeos-kernel/kernel/provider"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

// emit writes eventType to the transcript (when attached) and forwards
// it to the caller's Emitter (when attached). Transcript and emitter
// failures never interrupt the loop: event delivery is best-effort.
func (r *Runner) emit(eventType string, payload map[string]any) {
	if r.cfg.Transcript != nil {
		_ = r.cfg.Transcript.WriteEvent(transcript.EventType(eventType), payload)
	}
	if r.cfg.Emitter != nil {
		r.cfg.Emitter.Emit(eventType, payload)
	}
}

func (r *Runner) emitSystemPrompt(text string) {
	if text == "" {
		return
	}
	r.emit("system_prompt", map[string]any{"text": text})
}

func (r *Runner) emitContextInjected(before, after string) {
	if before == "" && after == "" {
		return
	}
	r.emit("context_injected", map[string]any{"before": before, "after": after})
}

func (r *Runner) emitCognitionIn() {
	if len(r.messages) == 0 {
		return
	}
	last := r.messages[len(r.messages)-1]
	r.emit(string(transcript.EventCognitionIn), map[string]any{"text": last.Content, "role": last.Role})
}

func (r *Runner) emitCognitionOut(resp provider.Response) {
	r.emit(string(transcript.EventCognitionOut), map[string]any{"text": resp.Text})
	if resp.Thinking != "" {
		r.emit("cognition_reasoning", map[string]any{"text": resp.Thinking})
	}
}

func (r *Runner) emitToolCallStart(tc provider.ToolCall) {
	r.emit(string(transcript.EventToolCallStart), map[string]any{"tool": tc.Name, "call_id": tc.ID, "input": tc.Input})
}

func (r *Runner) emitToolCallResult(tc provider.ToolCall, output any, errText string) {
	payload := map[string]any{"call_id": tc.ID, "output": formatToolOutput(output)}
	if errText != "" {
		payload["error"] = errText
	}
	r.emit(string(transcript.EventToolCallResult), payload)
}
