package directive_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/kernel/directive"
	"github.com/leolilley/ryeos-kernel/kernel/provider"
)

func TestTrimForResumeKeepsTrailingMessagesUnderCeiling(t *testing.T) {
	messages := []provider.Message{
		{Role: "user", Content: strings.Repeat("x", 4000)},
		{Role: "assistant", Content: strings.Repeat("y", 40)},
		{Role: "user", Content: strings.Repeat("z", 40)},
	}
	out := directive.TrimForResume(messages, 50, "")
	// The huge first message is dropped, and so is the leading assistant
	// message, so the kept list starts at a user turn: the small "z"
	// message plus the appended continuation message remain.
	require.True(t, len(out) <= 3)
	require.Equal(t, "user", out[0].Role)
	require.Equal(t, "user", out[len(out)-1].Role)
	require.Contains(t, out[len(out)-1].Content, "Continue")
}

func TestTrimForResumeFallsBackToSingleLastMessage(t *testing.T) {
	messages := []provider.Message{
		{Role: "user", Content: strings.Repeat("x", 1000)},
	}
	out := directive.TrimForResume(messages, 1, "")
	// last real message + appended continuation
	require.Len(t, out, 2)
}

func TestTrimForResumeUsesDirectiveContinuationOverride(t *testing.T) {
	messages := []provider.Message{{Role: "user", Content: "hi"}}
	out := directive.TrimForResume(messages, 1000, "pick up the task")
	require.Equal(t, "pick up the task", out[len(out)-1].Content)
}
