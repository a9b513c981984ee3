package provider

import "encoding/json"

// ParseResponse parses a decoded sync response body into the common
// {text, tool_calls, input_tokens, output_tokens, spend, finish_reason}
// shape, dispatching on schema.Format the way http_provider.py's
// _parse_response does — both branches are themselves schema-driven, no
// field name is hardcoded beyond the generic structural shape
// (block-array vs choices-array) the format selects.
func ParseResponse(schema Schema, model string, body map[string]any) Response {
	var resp Response
	switch schema.Response.Format {
	case ResponseFormatChat:
		resp = parseChat(schema.Response, body)
	default:
		resp = parseBlocks(schema.Response, body)
	}
	resp.Spend = schema.pricingFor(model).Spend(resp.InputTokens, resp.OutputTokens)
	return resp
}

func parseBlocks(rs ResponseSchema, body map[string]any) Response {
	contentField := orDefault(rs.ContentField, "content")
	stopField := orDefault(rs.StopReasonField, "stop_reason")
	textBlock := orDefault(rs.TextBlockType, "text")
	textField := orDefault(rs.TextField, "text")
	toolBlock := orDefault(rs.ToolUseBlockType, "tool_use")
	idField := orDefault(rs.ToolUseIDField, "id")
	nameField := orDefault(rs.ToolUseNameField, "name")
	inputField := orDefault(rs.ToolUseInputField, "input")

	blocksVal, _ := resolvePath(body, contentField)
	blocks, _ := blocksVal.([]any)

	var text string
	var toolCalls []ToolCall
	for _, bv := range blocks {
		b, ok := bv.(map[string]any)
		if !ok {
			continue
		}
		switch stringField(b, "type") {
		case textBlock:
			if text != "" {
				text += "\n"
			}
			text += stringField(b, textField)
		case toolBlock:
			toolCalls = append(toolCalls, ToolCall{
				ID:    stringField(b, idField),
				Name:  stringField(b, nameField),
				Input: b[inputField],
			})
		}
	}

	inputPath := orDefault(rs.InputTokensPath, "usage.input_tokens")
	outputPath := orDefault(rs.OutputTokensPath, "usage.output_tokens")

	return Response{
		Text:         text,
		ToolCalls:    toolCalls,
		InputTokens:  intAt(body, inputPath),
		OutputTokens: intAt(body, outputPath),
		FinishReason: stringAt(body, stopField, "end_turn"),
	}
}

func parseChat(rs ResponseSchema, body map[string]any) Response {
	choicesVal, _ := body["choices"].([]any)
	var message map[string]any
	finishReason := "stop"
	if len(choicesVal) > 0 {
		if choice, ok := choicesVal[0].(map[string]any); ok {
			message, _ = choice["message"].(map[string]any)
			if fr, ok := choice["finish_reason"].(string); ok {
				finishReason = fr
			}
		}
	}

	text, _ := message["content"].(string)

	toolCallType := orDefault(rs.ToolCallType, "function")
	var toolCalls []ToolCall
	if rawCalls, ok := message["tool_calls"].([]any); ok {
		for _, rc := range rawCalls {
			tc, ok := rc.(map[string]any)
			if !ok {
				continue
			}
			tcType := stringField(tc, "type")
			if tcType == "" {
				tcType = toolCallType
			}
			fn, _ := tc[tcType].(map[string]any)
			if fn == nil {
				fn, _ = tc["function"].(map[string]any)
			}
			var args any
			if raw, ok := fn["arguments"].(string); ok {
				var decoded any
				if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
					args = decoded
				} else {
					args = map[string]any{"_raw": raw}
				}
			} else {
				args = fn["arguments"]
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:    stringField(tc, "id"),
				Name:  stringField(fn, "name"),
				Input: args,
			})
		}
	}

	inputPath := orDefault(rs.InputTokensPath, "usage.prompt_tokens")
	outputPath := orDefault(rs.OutputTokensPath, "usage.completion_tokens")

	return Response{
		Text:         text,
		ToolCalls:    toolCalls,
		InputTokens:  intAt(body, inputPath),
		OutputTokens: intAt(body, outputPath),
		FinishReason: finishReason,
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
