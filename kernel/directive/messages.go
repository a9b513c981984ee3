package directive

import (
	"fmt"
	"strings"

	"github.com/leolilley/ryeos-kernel/kernel/provider"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

// ToProviderMessages converts reconstructed transcript messages into the
// flat provider.Message shape the Runner and Client consume. An
// assistant transcript.Message's TextPart/ToolUsePart sequence collapses
// into one provider.Message carrying joined text plus converted tool
// calls; a user transcript.Message's ToolResultPart entries each become
// their own role:"tool" provider.Message, matching the convention
// already used when the Runner appends live tool results
// (runner/toolcalls.go); any remaining TextPart in a user message
// becomes a plain role:"user" message.
func ToProviderMessages(messages []transcript.Message) ([]provider.Message, error) {
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			pm, err := assistantMessage(m)
			if err != nil {
				return nil, err
			}
			if pm != nil {
				out = append(out, *pm)
			}
		case "user":
			out = append(out, userMessages(m)...)
		default:
			return nil, fmt.Errorf("directive: unexpected transcript role %q", m.Role)
		}
	}
	return out, nil
}

func assistantMessage(m transcript.Message) (*provider.Message, error) {
	var text strings.Builder
	var calls []provider.ToolCall
	for _, p := range m.Parts {
		switch part := p.(type) {
		case transcript.TextPart:
			text.WriteString(part.Text)
		case transcript.ToolUsePart:
			calls = append(calls, provider.ToolCall{
				ID:    part.ID,
				Name:  part.Name,
				Input: part.Input,
			})
		default:
			return nil, fmt.Errorf("directive: unexpected assistant part %T", p)
		}
	}
	if text.Len() == 0 && len(calls) == 0 {
		return nil, nil
	}
	return &provider.Message{
		Role:      "assistant",
		Content:   text.String(),
		ToolCalls: calls,
	}, nil
}

func userMessages(m transcript.Message) []provider.Message {
	var out []provider.Message
	var text strings.Builder
	for _, p := range m.Parts {
		switch part := p.(type) {
		case transcript.ToolResultPart:
			content := fmt.Sprintf("%v", part.Content)
			out = append(out, provider.Message{
				Role:       "tool",
				ToolCallID: part.ToolUseID,
				Content:    content,
				IsError:    part.IsError,
			})
		case transcript.TextPart:
			text.WriteString(part.Text)
		}
	}
	if text.Len() > 0 {
		out = append(out, provider.Message{Role: "user", Content: text.String()})
	}
	return out
}
