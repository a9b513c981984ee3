package provider

// ConvertMessages translates the canonical message list to wire format
// per schema, generalizing http_provider.py's two format-specific
// converters into one driven entirely by MessageSchema fields: tool
// results are buffered until the next assistant-with-tool-calls or
// non-tool message (matching the block-array providers' grouping) when
// schema.ToolResult.Grouped is set, otherwise emitted as standalone
// per-message wire entries (matching chat-completion providers, which
// pass tool messages through directly).
func ConvertMessages(schema MessageSchema, messages []Message) []map[string]any {
	if schema.ToolResult.Grouped {
		return convertGrouped(schema, messages)
	}
	return convertPerMessage(schema, messages)
}

func convertPerMessage(schema MessageSchema, messages []Message) []map[string]any {
	converted := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			converted = append(converted, assistantToolCallMessage(schema, msg))
			continue
		}
		if msg.Role == "tool" {
			converted = append(converted, map[string]any{
				"role":         mapRole(schema, "tool"),
				"tool_call_id": msg.ToolCallID,
				"content":      msg.Content,
			})
			continue
		}
		converted = append(converted, plainMessage(schema, msg))
	}
	return converted
}

func convertGrouped(schema MessageSchema, messages []Message) []map[string]any {
	rc := schema.ToolResult
	converted := make([]map[string]any, 0, len(messages))
	var pending []map[string]any

	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		converted = append(converted, map[string]any{
			"role":           rc.Role,
			schema.ContentKey: wrapContent(rc.Wrap, pending),
		})
		pending = nil
	}

	for _, msg := range messages {
		switch {
		case msg.Role == "tool":
			block := map[string]any{
				"type":             rc.BlockType,
				rc.IDField:         msg.ToolCallID,
				rc.ContentField:   msg.Content,
			}
			if msg.IsError {
				block[rc.ErrorField] = true
			}
			pending = append(pending, block)
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			flushPending()
			converted = append(converted, assistantToolCallMessage(schema, msg))
		default:
			flushPending()
			converted = append(converted, plainMessage(schema, msg))
		}
	}
	flushPending()
	return converted
}

func plainMessage(schema MessageSchema, msg Message) map[string]any {
	return map[string]any{
		"role":            mapRole(schema, msg.Role),
		schema.ContentKey: msg.Content,
	}
}

// assistantToolCallMessage reconstructs an assistant message carrying
// tool calls, per schema.ToolCallBlockTemplate when the content wrap is
// an array of typed blocks, or chat-completion's top-level tool_calls
// array otherwise.
func assistantToolCallMessage(schema MessageSchema, msg Message) map[string]any {
	if schema.ContentWrap == ContentWrapBlocksArray && len(schema.ToolCallBlockTemplate) == 0 {
		blocks := make([]map[string]any, 0, len(msg.ToolCalls)+1)
		if msg.Content != "" {
			blocks = append(blocks, map[string]any{
				"type":              schema.TextBlockType,
				schema.TextField:    msg.Content,
			})
		}
		for _, tc := range msg.ToolCalls {
			blocks = append(blocks, map[string]any{
				"type":                    schema.ToolUseBlockType,
				schema.ToolUseIDField:     tc.ID,
				schema.ToolUseNameField:   tc.Name,
				schema.ToolUseInputField:  tc.Input,
			})
		}
		return map[string]any{
			"role":            "assistant",
			schema.ContentKey: wrapContent(schema.ContentWrap, blocks),
		}
	}

	out := map[string]any{"role": "assistant"}
	if msg.Content != "" {
		out[schema.ContentKey] = msg.Content
	} else {
		out[schema.ContentKey] = nil
	}
	calls := make([]any, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		calls[i] = applyTemplate(schema.ToolCallBlockTemplate, map[string]any{
			"id": tc.ID, "name": tc.Name, "input": tc.Input,
		})
	}
	out["tool_calls"] = calls
	return out
}

func mapRole(schema MessageSchema, role string) string {
	if schema.RoleMap != nil {
		if mapped, ok := schema.RoleMap[role]; ok {
			return mapped
		}
	}
	return role
}

// FormatTools applies schema.ToolDefinition's template to each tool,
// optionally grouping the result under ToolListWrap. A nil/empty
// template leaves tools unformatted (per http_provider.py's
// _format_tools fallback).
func FormatTools(schema Schema, tools []ToolDef) any {
	if len(tools) == 0 {
		return nil
	}
	if len(schema.ToolDefinition) == 0 {
		out := make([]any, len(tools))
		for i, t := range tools {
			out[i] = map[string]any{"name": t.Name, "description": t.Description, "schema": t.Schema}
		}
		return out
	}

	formatted := make([]any, len(tools))
	for i, t := range tools {
		formatted[i] = applyTemplate(schema.ToolDefinition, map[string]any{
			"name": t.Name, "description": t.Description, "schema": t.Schema,
		})
	}
	if schema.ToolListWrap != "" {
		return map[string]any{schema.ToolListWrap: formatted}
	}
	return formatted
}

// BuildSystemPlacement applies schema's system-prompt placement strategy
// to a request body and/or the message list, returning the (possibly
// mutated) body and messages.
func BuildSystemPlacement(schema MessageSchema, body map[string]any, wireMessages []map[string]any, systemPrompt string) (map[string]any, []map[string]any) {
	if systemPrompt == "" {
		return body, wireMessages
	}
	switch schema.SystemMessage.Placement {
	case SystemBodyField:
		field := schema.SystemMessage.Field
		if field == "" {
			field = "system"
		}
		body[field] = systemPrompt
	case SystemBodyInject:
		injected := applyTemplate(schema.SystemMessage.Template, map[string]any{"system_prompt": systemPrompt})
		if m, ok := injected.(map[string]any); ok {
			for k, v := range m {
				body[k] = v
			}
		}
	case SystemMessageRole:
		role := schema.SystemMessage.Role
		if role == "" {
			role = "system"
		}
		prefixed := append([]map[string]any{{"role": role, schema.ContentKey: systemPrompt}}, wireMessages...)
		return body, prefixed
	}
	return body, wireMessages
}
