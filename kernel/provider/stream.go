package provider

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamEvent is one decoded SSE/NDJSON event: an optional named "event:"
// line and its decoded "data:" JSON payload.
type StreamEvent struct {
	Name string
	Raw  []byte
	Data map[string]any
}

// Sink receives every raw stream chunk as it arrives, for real-time
// transcript writing and UI updates
// create_streaming_completion contract.
type Sink interface {
	Write(raw []byte)
}

// ScanEvents reads r as SSE ("event: name\ndata: {...}\n\n") or bare
// NDJSON ("data: {...}\n" with no event name, or one JSON object per
// line), fanning each raw chunk to every sink as it arrives and
// returning the full decoded event list once the stream ends.
func ScanEvents(r io.Reader, sinks []Sink) ([]StreamEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var events []StreamEvent
	var pendingName string
	var pendingData strings.Builder

	flush := func() {
		data := pendingData.String()
		pendingData.Reset()
		if strings.TrimSpace(data) == "" {
			pendingName = ""
			return
		}
		raw := []byte(data)
		for _, s := range sinks {
			s.Write(raw)
		}
		var decoded map[string]any
		_ = json.Unmarshal(raw, &decoded)
		events = append(events, StreamEvent{Name: pendingName, Raw: raw, Data: decoded})
		pendingName = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			pendingName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			pendingData.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// Bare NDJSON line with no SSE framing.
			pendingData.WriteString(line)
			flush()
		}
	}
	flush()
	return events, scanner.Err()
}

// AssembleStream interprets the full decoded event list per schema.Mode
// and returns the assembled Response, pricing spend computed the same
// way as sync responses.
func AssembleStream(schema Schema, model string, events []StreamEvent) (Response, error) {
	var resp Response
	var err error
	switch schema.Stream.Mode {
	case StreamModeDeltaMerge:
		resp, err = parseDeltaMerge(schema.Stream, events)
	case StreamModeCompleteChunks:
		resp, err = parseCompleteChunks(schema.Stream, events)
	default:
		resp, err = parseEventTyped(schema.Stream, events)
	}
	if err != nil {
		return Response{}, err
	}
	resp.Spend = schema.pricingFor(model).Spend(resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

type blockState struct {
	kind string
	id   string
	name string
	text strings.Builder
	json strings.Builder
}

// parseEventTyped implements the event_typed streaming mode: named SSE
// events carry dotted-path fields identifying block starts/deltas and
// accumulate per-block text or partial-JSON fragments, finalized into
// text/tool_calls once the stream ends.
func parseEventTyped(ss StreamSchema, events []StreamEvent) (Response, error) {
	var resp Response
	byKey := map[string]*blockState{}
	var order []string

	startEv := orDefault(ss.MessageStartEvent, "message_start")
	blockStartEv := orDefault(ss.ContentBlockStartEvent, "content_block_start")
	deltaEv := orDefault(ss.ContentBlockDeltaEvent, "content_block_delta")
	msgDeltaEv := orDefault(ss.MessageDeltaEvent, "message_delta")

	for _, ev := range events {
		switch ev.Name {
		case startEv:
			resp.InputTokens = intAt(ev.Data, orDefault(ss.InputTokensPath, "message.usage.input_tokens"))
			if resp.InputTokens == 0 {
				resp.InputTokens = intAt(ev.Data, "usage.input_tokens")
			}
			resp.OutputTokens = intAt(ev.Data, orDefault(ss.OutputTokensPath, "usage.output_tokens"))
		case blockStartEv:
			kind := stringAt(ev.Data, orDefault(ss.BlockTypePath, "content_block.type"), "")
			id := stringAt(ev.Data, orDefault(ss.BlockIDPath, "content_block.id"), "")
			name := stringAt(ev.Data, orDefault(ss.BlockNamePath, "content_block.name"), "")
			key := id
			if key == "" {
				key = fmt.Sprintf("#%d", len(order))
			}
			byKey[key] = &blockState{kind: kind, id: id, name: name}
			order = append(order, key)
		case deltaEv:
			if len(order) == 0 {
				continue
			}
			bs := byKey[order[len(order)-1]]
			if text := stringAt(ev.Data, orDefault(ss.DeltaTextPath, "delta.text"), ""); text != "" {
				bs.text.WriteString(text)
			}
			if frag := stringAt(ev.Data, orDefault(ss.DeltaJSONPath, "delta.partial_json"), ""); frag != "" {
				bs.json.WriteString(frag)
			}
		case msgDeltaEv:
			if fr := stringAt(ev.Data, orDefault(ss.StopReasonPath, "delta.stop_reason"), ""); fr != "" {
				resp.FinishReason = fr
			}
			if ot := intAt(ev.Data, orDefault(ss.OutputTokensPath, "usage.output_tokens")); ot != 0 {
				resp.OutputTokens = ot
			}
		}
	}

	for _, key := range order {
		bs := byKey[key]
		switch bs.kind {
		case "tool_use":
			var input any
			if bs.json.Len() > 0 {
				_ = json.Unmarshal([]byte(bs.json.String()), &input)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: bs.id, Name: bs.name, Input: input})
		default:
			resp.Text += bs.text.String()
		}
	}
	return resp, nil
}

// parseDeltaMerge implements the delta_merge streaming mode: each event
// carries a choices[].delta fragment; text concatenates, tool-call
// argument fragments accumulate per index and are parsed once complete.
func parseDeltaMerge(ss StreamSchema, events []StreamEvent) (Response, error) {
	type tcAccum struct {
		id, name string
		args     strings.Builder
	}
	var resp Response
	accum := map[string]*tcAccum{}
	var order []string

	choicesPath := orDefault(ss.ChoicesPath, "choices")
	deltaPath := orDefault(ss.DeltaPath, "delta")
	finishPath := orDefault(ss.FinishReasonPath, "finish_reason")
	toolCallsPath := orDefault(ss.ToolCallsPath, "tool_calls")

	for _, ev := range events {
		choicesVal, _ := resolvePath(ev.Data, choicesPath)
		choices, _ := choicesVal.([]any)
		if len(choices) > 0 {
			choice, _ := choices[0].(map[string]any)
			if fr := stringAt(choice, finishPath, ""); fr != "" {
				resp.FinishReason = fr
			}
			deltaVal, _ := resolvePath(choice, deltaPath)
			delta, _ := deltaVal.(map[string]any)
			if delta != nil {
				if s, ok := delta["content"].(string); ok {
					resp.Text += s
				}
				tcVal, _ := resolvePath(delta, toolCallsPath)
				if tcs, ok := tcVal.([]any); ok {
					for _, rc := range tcs {
						tc, ok := rc.(map[string]any)
						if !ok {
							continue
						}
						idx := fmt.Sprintf("%v", tc["index"])
						a, ok := accum[idx]
						if !ok {
							a = &tcAccum{}
							accum[idx] = a
							order = append(order, idx)
						}
						if id, ok := tc["id"].(string); ok && id != "" {
							a.id = id
						}
						fn, _ := tc["function"].(map[string]any)
						if fn != nil {
							if name, ok := fn["name"].(string); ok && name != "" {
								a.name = name
							}
							if args, ok := fn["arguments"].(string); ok {
								a.args.WriteString(args)
							}
						}
					}
				}
			}
		}
		if in := intAt(ev.Data, orDefault(ss.InputTokensPath, "usage.prompt_tokens")); in > 0 {
			resp.InputTokens = in
		}
		if out := intAt(ev.Data, orDefault(ss.OutputTokensPath, "usage.completion_tokens")); out > 0 {
			resp.OutputTokens = out
		}
	}

	for _, idx := range order {
		a := accum[idx]
		var input any
		if a.args.Len() > 0 {
			_ = json.Unmarshal([]byte(a.args.String()), &input)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: a.id, Name: a.name, Input: input})
	}
	return resp, nil
}

// parseCompleteChunks implements the complete_chunks streaming mode:
// each event is itself a complete response-shaped object, parsed with
// the ordinary sync parser; text concatenates, tool_calls/finish_reason
// take the latest chunk's values, and usage takes the max observed
// across chunks (the cumulative-usage pattern some providers use).
func parseCompleteChunks(ss StreamSchema, events []StreamEvent) (Response, error) {
	rs := ResponseSchema{}
	if ss.ChunkResponse != nil {
		rs = *ss.ChunkResponse
	}
	var resp Response
	for _, ev := range events {
		var chunk Response
		switch rs.Format {
		case ResponseFormatChat:
			chunk = parseChat(rs, ev.Data)
		default:
			chunk = parseBlocks(rs, ev.Data)
		}
		resp.Text += chunk.Text
		if len(chunk.ToolCalls) > 0 {
			resp.ToolCalls = chunk.ToolCalls
		}
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
		if chunk.InputTokens > resp.InputTokens {
			resp.InputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > resp.OutputTokens {
			resp.OutputTokens = chunk.OutputTokens
		}
	}
	return resp, nil
}
