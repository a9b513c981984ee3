package provider

import (
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches a template string that is exactly one
// `{field}` placeholder, the only form the tool-definition and
// tool_call_block templates support. This is a direct port of
// http_provider.py's _apply_template regex.
var placeholderPattern = regexp.MustCompile(`^\{(\w+)\}$`)

// resolvePath looks up a dotted path (e.g. "usage.input_tokens" or
// "choices.0.message.content") in a decoded JSON value. Numeric segments
// index into arrays. Returns ok=false if any segment is missing or the
// path walks off the shape of data.
func resolvePath(data any, path string) (any, bool) {
	if path == "" {
		return data, data != nil
	}
	cur := data
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// stringAt resolves path and coerces the result to a string, returning
// def if the path is missing or not a string.
func stringAt(data any, path, def string) string {
	v, ok := resolvePath(data, path)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// intAt resolves path and coerces the result to an int via toFloat,
// returning 0 if missing.
func intAt(data any, path string) int {
	v, ok := resolvePath(data, path)
	if !ok {
		return 0
	}
	return int(toFloat(v))
}

// toFloat coerces common JSON-decoded numeric representations to float64.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// applyTemplate recursively resolves `{field}` placeholders in template
// against vars, a flat field map (name/description/schema for tool
// definitions; id/name/input for tool-call blocks). Nested maps and
// lists are walked; any other value is returned unchanged.
func applyTemplate(template any, vars map[string]any) any {
	switch t := template.(type) {
	case string:
		if m := placeholderPattern.FindStringSubmatch(strings.TrimSpace(t)); m != nil {
			if v, ok := vars[m[1]]; ok {
				return v
			}
			return ""
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = applyTemplate(v, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = applyTemplate(v, vars)
		}
		return out
	default:
		return template
	}
}

// wrapContent shapes a list of blocks per a ContentWrap mode. "string"
// concatenates block text fields (used only for trivial wraps); the
// array modes return the blocks unchanged since they are already the
// wire shape.
func wrapContent(wrap ContentWrap, blocks []map[string]any) any {
	switch wrap {
	case ContentWrapString:
		var sb strings.Builder
		for _, b := range blocks {
			if s, ok := b["text"].(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	default:
		out := make([]any, len(blocks))
		for i, b := range blocks {
			out[i] = b
		}
		return out
	}
}
