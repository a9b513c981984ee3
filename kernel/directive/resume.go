package directive

import (
	"github.com/leolilley/ryeos-kernel/kernel/provider"
)

// defaultResumeCeilingTokens bounds how much reconstructed history a
// resumed/handed-off thread carries forward, leaving headroom in the
// new thread's context window for the continuation prompt and the
// model's own response. Grounded on thread_directive.py's
// resume_ceiling_tokens default.
const defaultResumeCeilingTokens = 16000

// defaultContinuationPrompt is used when a directive declares no
// ContinuationDirective override.
const defaultContinuationPrompt = "Continue the task from where the previous thread left off."

// estimateTokens applies the chars/4 heuristic the original uses to
// approximate token count without a real tokenizer.
func estimateTokens(s string) int {
	return len(s) / 4
}

func messageTokens(m provider.Message) int {
	n := estimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		if s, ok := tc.Input.(string); ok {
			n += estimateTokens(s)
		} else {
			n += 16
		}
	}
	return n
}

// TrimForResume keeps as many trailing messages as fit under
// ceilingTokens (0 uses the default), falling back to just the single
// last message if even that alone would exceed it, then drops leading
// messages until the first remaining one has role "user" (a dangling
// leading tool/assistant message has no matching context once its
// predecessor is cut), and finally appends a continuation user message.
// Grounded on thread_directive.py step 3.5.
func TrimForResume(messages []provider.Message, ceilingTokens int, continuationPrompt string) []provider.Message {
	if ceilingTokens <= 0 {
		ceilingTokens = defaultResumeCeilingTokens
	}
	if continuationPrompt == "" {
		continuationPrompt = defaultContinuationPrompt
	}

	trimmed := trimToCeiling(messages, ceilingTokens)
	trimmed = dropUntilUserLeading(trimmed)

	return append(trimmed, provider.Message{Role: "user", Content: continuationPrompt})
}

func trimToCeiling(messages []provider.Message, ceiling int) []provider.Message {
	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		total += messageTokens(messages[i])
		if total > ceiling {
			break
		}
		start = i
	}
	if start == len(messages) && len(messages) > 0 {
		// Even the single last message doesn't fit; keep it anyway
		// rather than returning nothing to continue from.
		return messages[len(messages)-1:]
	}
	return messages[start:]
}

func dropUntilUserLeading(messages []provider.Message) []provider.Message {
	for len(messages) > 0 && messages[0].Role != "user" {
		messages = messages[1:]
	}
	return messages
}
