package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Part is the canonical provider-precise content fragment reconstructed
// from a transcript, mirroring the thinking/text/tool_use/tool_result
// shape required to rebuild provider payloads in order.
type Part interface{ isPart() }

// TextPart carries assistant or user visible text.
type TextPart struct{ Text string }

// ToolUsePart declares a tool invocation made by the assistant.
type ToolUsePart struct {
	ID    string
	Name  string
	Input any
}

// ToolResultPart communicates a tool result back to the model,
// correlated via ToolUseID. Content may be an ArtifactRef when the raw
// result was too large to inline.
type ToolResultPart struct {
	ToolUseID string
	Content   any
	IsError   bool
}

// ArtifactRef replaces an oversized tool result in the reconstructed
// message list: the full result is preserved once in transcript payload
// form, but the live LLM context only ever sees the reference plus a
// content hash, so repeated identical large results do not re-inflate
// the prompt.
type ArtifactRef struct {
	Hash      string `json:"hash"`
	ByteSize  int    `json:"byte_size"`
	Preview   string `json:"preview"`
	Truncated bool   `json:"truncated"`
}

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Message groups ordered parts under a role for the provider
// conversation, assistant thinking/text/tool_use followed by user
// tool_result, matching provider handshake requirements.
type Message struct {
	Role  string
	Parts []Part
}

// ledger accumulates the pending assistant message so consecutive
// assistant events coalesce into one message via an append/flush shape.
type ledger struct {
	messages []Message
	current  *Message
}

func (l *ledger) appendText(text string) {
	if text == "" {
		return
	}
	if l.current == nil {
		l.current = &Message{Role: "assistant"}
	}
	l.current.Parts = append(l.current.Parts, TextPart{Text: text})
}

func (l *ledger) declareToolUse(id, name string, input any) {
	if l.current == nil {
		l.current = &Message{Role: "assistant"}
	}
	l.current.Parts = append(l.current.Parts, ToolUsePart{ID: id, Name: name, Input: input})
}

func (l *ledger) flushAssistant() {
	if l.current != nil && len(l.current.Parts) > 0 {
		l.messages = append(l.messages, *l.current)
	}
	l.current = nil
}

func (l *ledger) appendUserToolResults(results []ToolResultPart) {
	if len(results) == 0 {
		return
	}
	parts := make([]Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, r)
	}
	l.messages = append(l.messages, Message{Role: "user", Parts: parts})
}

// ReconstructOptions configures ReconstructMessages.
type ReconstructOptions struct {
	// GuardThreshold is the byte size above which a tool_call_result's
	// payload is replaced by an ArtifactRef. Zero disables guarding.
	GuardThreshold int
	// PreviewBytes bounds the size of the inline preview kept in an
	// ArtifactRef.
	PreviewBytes int
}

// ReconstructMessages replays a transcript's events into provider-ready
// messages in canonical order (assistant thinking/text/tool_use,
// followed by user tool_result), enforcing the tool_call/tool_result
// handshake invariant: every tool_call_result must correlate to a
// tool_call_start seen earlier in the same turn
func ReconstructMessages(events []Event, opts ReconstructOptions) ([]Message, error) {
	l := &ledger{}
	var pending []ToolResultPart
	var order []string
	seen := map[string]bool{}

	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		l.flushAssistant()
		byID := make(map[string]ToolResultPart, len(pending))
		for _, p := range pending {
			byID[p.ToolUseID] = p
		}
		ordered := make([]ToolResultPart, 0, len(pending))
		for _, id := range order {
			if p, ok := byID[id]; ok {
				ordered = append(ordered, p)
				delete(byID, id)
			}
		}
		for _, p := range byID {
			ordered = append(ordered, p)
		}
		l.appendUserToolResults(ordered)
		pending = nil
		order = nil
		seen = map[string]bool{}
	}

	for _, ev := range events {
		switch ev.Type {
		case EventAssistantText, EventCognitionOut:
			if s, ok := stringField(ev.Payload, "text"); ok {
				flushPending()
				l.appendText(s)
			}
		case EventCognitionIn, EventUserMessage:
			text, ok := stringField(ev.Payload, "text")
			if !ok || text == "" {
				continue
			}
			if role, hasRole := stringField(ev.Payload, "role"); hasRole && role != "user" {
				continue
			}
			flushPending()
			l.flushAssistant()
			l.messages = append(l.messages, Message{Role: "user", Parts: []Part{TextPart{Text: text}}})
		case EventToolCallStart:
			id, _ := stringField(ev.Payload, "call_id")
			name, _ := stringField(ev.Payload, "tool")
			input, _ := fieldOf(ev.Payload, "input")
			if id == "" || name == "" {
				continue
			}
			flushPending()
			l.declareToolUse(id, name, input)
			order = append(order, id)
			seen[id] = true
		case EventToolCallResult:
			id, _ := stringField(ev.Payload, "call_id")
			if id == "" {
				continue
			}
			if !seen[id] {
				return nil, fmt.Errorf("tool_call_result %s has no matching tool_call_start in this turn", id)
			}
			errText, _ := stringField(ev.Payload, "error")
			output, _ := fieldOf(ev.Payload, "output")
			content := guard(output, opts)
			pending = append(pending, ToolResultPart{ToolUseID: id, Content: content, IsError: errText != ""})
		}
	}
	flushPending()
	l.flushAssistant()
	return l.messages, nil
}

// guard replaces content with an ArtifactRef when it exceeds
// opts.GuardThreshold bytes (as a %v-formatted size proxy), giving the
// model a stable content hash instead of re-inflating the prompt with a
// repeated large blob.
func guard(content any, opts ReconstructOptions) any {
	if opts.GuardThreshold <= 0 {
		return content
	}
	s := fmt.Sprintf("%v", content)
	if len(s) <= opts.GuardThreshold {
		return content
	}
	sum := sha256.Sum256([]byte(s))
	preview := opts.PreviewBytes
	if preview <= 0 || preview > len(s) {
		preview = min(200, len(s))
	}
	return ArtifactRef{
		Hash:      hex.EncodeToString(sum[:]),
		ByteSize:  len(s),
		Preview:   s[:preview],
		Truncated: true,
	}
}

func stringField(payload any, key string) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

func fieldOf(payload any, key string) (any, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}
