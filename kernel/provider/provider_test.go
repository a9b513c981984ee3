package provider_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leolilley/ryeos-kernel/kernel/provider"
)

func blocksSchema() provider.MessageSchema {
	return provider.MessageSchema{
		ContentKey:  "content",
		ContentWrap: provider.ContentWrapBlocksArray,
		ToolResult: provider.ToolResultSchema{
			Role:         "user",
			Grouped:      true,
			BlockType:    "tool_result",
			IDField:      "tool_use_id",
			ContentField: "content",
			ErrorField:   "is_error",
		},
		TextBlockType:     "text",
		TextField:         "text",
		ToolUseBlockType:  "tool_use",
		ToolUseIDField:    "id",
		ToolUseNameField:  "name",
		ToolUseInputField: "input",
	}
}

func TestConvertMessagesBlocksGroupsToolResults(t *testing.T) {
	schema := blocksSchema()
	msgs := []provider.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "checking", ToolCalls: []provider.ToolCall{{ID: "a", Name: "fetch", Input: map[string]any{"url": "x"}}}},
		{Role: "tool", ToolCallID: "a", Content: "200 OK"},
		{Role: "user", Content: "thanks"},
	}
	wire := provider.ConvertMessages(schema, msgs)
	require.Len(t, wire, 4)
	require.Equal(t, "assistant", wire[1]["role"])
	blocks := wire[1]["content"].([]any)
	require.Len(t, blocks, 2)
	require.Equal(t, "user", wire[2]["role"])
	toolBlocks := wire[2]["content"].([]any)
	require.Len(t, toolBlocks, 1)
	block := toolBlocks[0].(map[string]any)
	require.Equal(t, "a", block["tool_use_id"])
}

func TestFormatToolsAppliesTemplate(t *testing.T) {
	schema := provider.Schema{
		ToolDefinition: map[string]any{
			"name":         "{name}",
			"description":  "{description}",
			"input_schema": "{schema}",
		},
	}
	tools := []provider.ToolDef{{Name: "fetch", Description: "fetch a URL", Schema: map[string]any{"type": "object"}}}
	out := provider.FormatTools(schema, tools)
	list := out.([]any)
	require.Len(t, list, 1)
	entry := list[0].(map[string]any)
	require.Equal(t, "fetch", entry["name"])
	require.Equal(t, "fetch a URL", entry["description"])
}

func TestFormatToolsListWrap(t *testing.T) {
	schema := provider.Schema{
		ToolDefinition: map[string]any{"name": "{name}"},
		ToolListWrap:   "functions",
	}
	out := provider.FormatTools(schema, []provider.ToolDef{{Name: "fetch"}})
	wrapped := out.(map[string]any)
	require.Contains(t, wrapped, "functions")
}

func TestParseResponseBlocksComputesSpend(t *testing.T) {
	schema := provider.Schema{
		Pricing: map[string]provider.Pricing{"m1": {Input: 3.0, Output: 15.0}},
		Response: provider.ResponseSchema{
			Format: provider.ResponseFormatBlocks,
		},
	}
	body := map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": "hello"},
			map[string]any{"type": "tool_use", "id": "a", "name": "fetch", "input": map[string]any{"x": float64(1)}},
		},
		"stop_reason": "tool_use",
		"usage":       map[string]any{"input_tokens": float64(1000), "output_tokens": float64(2000)},
	}
	resp := provider.ParseResponse(schema, "m1", body)
	require.Equal(t, "hello", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "tool_use", resp.FinishReason)
	require.InDelta(t, (1000*3.0+2000*15.0)/1_000_000, resp.Spend, 1e-9)
}

func TestParseResponseChatParsesFunctionArguments(t *testing.T) {
	schema := provider.Schema{
		Response: provider.ResponseSchema{Format: provider.ResponseFormatChat},
	}
	body := map[string]any{
		"choices": []any{
			map[string]any{
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"content": nil,
					"tool_calls": []any{
						map[string]any{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "fetch",
								"arguments": `{"url":"x"}`,
							},
						},
					},
				},
			},
		},
		"usage": map[string]any{"prompt_tokens": float64(5), "completion_tokens": float64(7)},
	}
	resp := provider.ParseResponse(schema, "m1", body)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "fetch", resp.ToolCalls[0].Name)
	require.Equal(t, "tool_calls", resp.FinishReason)
}

// TestAssembleStreamEventTyped reproduces the event_typed end-to-end
// scenario: message_start establishes input tokens, a tool_use block is
// declared and its input assembled from partial_json fragments across
// two deltas, and message_delta supplies the final stop reason and
// output tokens.
func TestAssembleStreamEventTyped(t *testing.T) {
	schema := provider.Schema{
		Stream: provider.StreamSchema{Mode: provider.StreamModeEventTyped},
	}
	events := []provider.StreamEvent{
		{Name: "message_start", Data: map[string]any{"usage": map[string]any{"input_tokens": float64(10), "output_tokens": float64(0)}}},
		{Name: "content_block_start", Data: map[string]any{"content_block": map[string]any{"type": "tool_use", "id": "a", "name": "t"}}},
		{Name: "content_block_delta", Data: map[string]any{"delta": map[string]any{"type": "input_json_delta", "partial_json": `{"x":`}}},
		{Name: "content_block_delta", Data: map[string]any{"delta": map[string]any{"type": "input_json_delta", "partial_json": `1}`}}},
		{Name: "message_delta", Data: map[string]any{"delta": map[string]any{"stop_reason": "tool_use"}, "usage": map[string]any{"output_tokens": float64(5)}}},
	}
	resp, err := provider.AssembleStream(schema, "m1", events)
	require.NoError(t, err)
	require.Equal(t, 10, resp.InputTokens)
	require.Equal(t, 5, resp.OutputTokens)
	require.Equal(t, "tool_use", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "a", resp.ToolCalls[0].ID)
	require.Equal(t, "t", resp.ToolCalls[0].Name)
	require.Equal(t, map[string]any{"x": float64(1)}, resp.ToolCalls[0].Input)
}

func TestAssembleStreamDeltaMergeConcatenatesText(t *testing.T) {
	schema := provider.Schema{Stream: provider.StreamSchema{Mode: provider.StreamModeDeltaMerge}}
	events := []provider.StreamEvent{
		{Data: map[string]any{"choices": []any{map[string]any{"delta": map[string]any{"content": "Hel"}}}}},
		{Data: map[string]any{"choices": []any{map[string]any{"delta": map[string]any{"content": "lo"}, "finish_reason": "stop"}}}},
		{Data: map[string]any{"usage": map[string]any{"prompt_tokens": float64(3), "completion_tokens": float64(2)}}},
	}
	resp, err := provider.AssembleStream(schema, "m1", events)
	require.NoError(t, err)
	require.Equal(t, "Hello", resp.Text)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 3, resp.InputTokens)
	require.Equal(t, 2, resp.OutputTokens)
}

func TestAssembleStreamEmptyEventsIsZeroValue(t *testing.T) {
	schema := provider.Schema{}
	resp, err := provider.AssembleStream(schema, "m1", nil)
	require.NoError(t, err)
	require.Equal(t, provider.Response{}, resp)
}

func TestComputeRetryDelayGrowsWithAttempt(t *testing.T) {
	policy := provider.RetryPolicy{Base: 1.0, MaxAttempts: 3, Jitter: 0}
	d1 := provider.ComputeRetryDelay(1, policy)
	d3 := provider.ComputeRetryDelay(3, policy)
	require.True(t, d3 > d1)
}
