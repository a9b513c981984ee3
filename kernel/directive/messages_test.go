package directive_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/kernel/directive"
	"github.com/leolilley/ryeos-kernel/kernel/transcript"
)

func TestToProviderMessagesCollapsesAssistantTextAndToolUse(t *testing.T) {
	msgs := []transcript.Message{
		{Role: "assistant", Parts: []transcript.Part{
			transcript.TextPart{Text: "thinking..."},
			transcript.ToolUsePart{ID: "tc1", Name: "fs.read", Input: map[string]any{"path": "a.go"}},
		}},
		{Role: "user", Parts: []transcript.Part{
			transcript.ToolResultPart{ToolUseID: "tc1", Content: "file contents", IsError: false},
		}},
	}

	out, err := directive.ToProviderMessages(msgs)
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.Equal(t, "assistant", out[0].Role)
	require.Equal(t, "thinking...", out[0].Content)
	require.Len(t, out[0].ToolCalls, 1)
	require.Equal(t, "fs.read", out[0].ToolCalls[0].Name)

	require.Equal(t, "tool", out[1].Role)
	require.Equal(t, "tc1", out[1].ToolCallID)
	require.Equal(t, "file contents", out[1].Content)
}

func TestToProviderMessagesPlainUserText(t *testing.T) {
	msgs := []transcript.Message{
		{Role: "user", Parts: []transcript.Part{transcript.TextPart{Text: "hello"}}},
	}
	out, err := directive.ToProviderMessages(msgs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "user", out[0].Role)
	require.Equal(t, "hello", out[0].Content)
}

func TestToProviderMessagesRejectsUnknownRole(t *testing.T) {
	msgs := []transcript.Message{{Role: "system"}}
	_, err := directive.ToProviderMessages(msgs)
	require.Error(t, err)
}
