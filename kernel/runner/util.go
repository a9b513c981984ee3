package runner

import (
	"strings"

	"github.com/leolilley/ryeos-kernel/kernel/provider"
	"github.com/leolilley/ryeos-kernel/kernel/safety"
)

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// limitOrUnlimited renders a resolved numeric limit the way ambient hook
// context expects: the literal threshold, or "unlimited" when unset.
func limitOrUnlimited(v float64) any {
	if v <= 0 {
		return "unlimited"
	}
	return v
}

func stringFromMap(m map[string]any, key, def string) string {
	if m == nil {
		return def
	}
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func limitsMap(l safety.Limits) map[string]float64 {
	return map[string]float64{
		"turns":            l.Turns,
		"tokens":           l.Tokens,
		"spend":            l.Spend,
		"spawns":           l.Spawns,
		"duration_seconds": l.DurationSeconds,
		"depth":            l.Depth,
	}
}

func costMap(cost Cost) map[string]any {
	return map[string]any{
		"turns":           cost.Turns,
		"input_tokens":    cost.InputTokens,
		"output_tokens":   cost.OutputTokens,
		"spend":           cost.Spend,
		"elapsed_seconds": cost.ElapsedSeconds,
	}
}

// extractErrorContext captures the last few conversation turns as a
// flat transcript, for a `limit` or `error` hook's condition language to
// inspect alongside the breach itself.
func extractErrorContext(messages []provider.Message) string {
	const window = 3
	start := len(messages) - window
	if start < 0 {
		start = 0
	}
	var sb strings.Builder
	for _, m := range messages[start:] {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
