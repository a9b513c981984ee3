// Package provider implements the schema-driven HTTP provider adapter:
// translating the canonical message list to a
// provider's wire format and parsing its response or stream back into
// {text, thinking?, tool_calls[], input_tokens, output_tokens, spend,
// finish_reason}, with no per-provider Go code. A provider YAML supplies
// the three schemas (message, response, stream) that drive a small
// interpreter: dotted-path lookup, block-type detection, and template
// substitution.
package provider

// ContentWrap names how a message's content is represented on the wire.
type ContentWrap string

const (
	ContentWrapString      ContentWrap = "string"
	ContentWrapBlocksArray ContentWrap = "blocks_array"
	ContentWrapPartsArray  ContentWrap = "parts_array"
)

// SystemPlacement names where the system prompt is placed in the wire
// request.
type SystemPlacement string

const (
	SystemBodyField   SystemPlacement = "body_field"
	SystemBodyInject  SystemPlacement = "body_inject"
	SystemMessageRole SystemPlacement = "message_role"
)

// ToolResultSchema describes how a {role:tool, tool_call_id, content,
// is_error?} canonical message becomes wire blocks.
type ToolResultSchema struct {
	Role         string      `yaml:"role" json:"role"`
	Grouped      bool        `yaml:"grouped" json:"grouped"`
	BlockType    string      `yaml:"block_type" json:"block_type"`
	IDField      string      `yaml:"id_field" json:"id_field"`
	ContentField string      `yaml:"content_field" json:"content_field"`
	ErrorField   string      `yaml:"error_field" json:"error_field"`
	Wrap         ContentWrap `yaml:"wrap" json:"wrap"`
}

// SystemMessageSchema describes system-prompt placement.
type SystemMessageSchema struct {
	Placement SystemPlacement `yaml:"placement" json:"placement"`
	Field     string          `yaml:"field" json:"field"`
	Template  map[string]any  `yaml:"template" json:"template"`
	Role      string          `yaml:"role" json:"role"`
}

// MessageSchema drives canonical-to-wire message translation.
type MessageSchema struct {
	RoleMap     map[string]string `yaml:"role_map" json:"role_map"`
	ContentKey  string            `yaml:"content_key" json:"content_key"`
	ContentWrap ContentWrap       `yaml:"content_wrap" json:"content_wrap"`

	ToolResult            ToolResultSchema     `yaml:"tool_result" json:"tool_result"`
	ToolCallBlockTemplate map[string]any       `yaml:"tool_call_block_template" json:"tool_call_block_template"`
	SystemMessage         SystemMessageSchema  `yaml:"system_message" json:"system_message"`

	TextBlockType     string `yaml:"text_block_type" json:"text_block_type"`
	TextField         string `yaml:"text_field" json:"text_field"`
	ToolUseBlockType  string `yaml:"tool_use_block_type" json:"tool_use_block_type"`
	ToolUseIDField    string `yaml:"tool_use_id_field" json:"tool_use_id_field"`
	ToolUseNameField  string `yaml:"tool_use_name_field" json:"tool_use_name_field"`
	ToolUseInputField string `yaml:"tool_use_input_field" json:"tool_use_input_field"`
}

// ResponseFormat picks which generic, data-driven parsing routine a sync
// response uses. Both routines are schema-interpreted; this only selects
// the wire shape (content-block array vs choices array), it is not
// per-provider code.
type ResponseFormat string

const (
	ResponseFormatBlocks ResponseFormat = "content_blocks"
	ResponseFormatChat   ResponseFormat = "chat_completion"
)

// ResponseSchema drives sync-response parsing.
type ResponseSchema struct {
	Format ResponseFormat `yaml:"format" json:"format"`

	StopReasonField string `yaml:"stop_reason_field" json:"stop_reason_field"`
	ContentField    string `yaml:"content_field" json:"content_field"`

	TextBlockType     string `yaml:"text_block_type" json:"text_block_type"`
	TextField         string `yaml:"text_field" json:"text_field"`
	ToolUseBlockType  string `yaml:"tool_use_block_type" json:"tool_use_block_type"`
	ToolUseIDField    string `yaml:"tool_use_id_field" json:"tool_use_id_field"`
	ToolUseNameField  string `yaml:"tool_use_name_field" json:"tool_use_name_field"`
	ToolUseInputField string `yaml:"tool_use_input_field" json:"tool_use_input_field"`

	ToolCallType string `yaml:"tool_call_type" json:"tool_call_type"`

	InputTokensPath  string `yaml:"input_tokens_path" json:"input_tokens_path"`
	OutputTokensPath string `yaml:"output_tokens_path" json:"output_tokens_path"`
}

// StreamMode picks the streaming interpretation strategy.
type StreamMode string

const (
	StreamModeEventTyped     StreamMode = "event_typed"
	StreamModeDeltaMerge     StreamMode = "delta_merge"
	StreamModeCompleteChunks StreamMode = "complete_chunks"
)

// StreamSchema drives streaming-response parsing. Field paths are dotted,
// resolved by resolvePath against each decoded event.
type StreamSchema struct {
	Mode StreamMode `yaml:"mode" json:"mode"`

	// event_typed: named SSE events with dotted field paths.
	MessageStartEvent      string `yaml:"message_start_event" json:"message_start_event"`
	ContentBlockStartEvent string `yaml:"content_block_start_event" json:"content_block_start_event"`
	ContentBlockDeltaEvent string `yaml:"content_block_delta_event" json:"content_block_delta_event"`
	ContentBlockStopEvent  string `yaml:"content_block_stop_event" json:"content_block_stop_event"`
	MessageDeltaEvent      string `yaml:"message_delta_event" json:"message_delta_event"`
	MessageStopEvent       string `yaml:"message_stop_event" json:"message_stop_event"`

	BlockTypePath    string `yaml:"block_type_path" json:"block_type_path"`
	BlockIDPath      string `yaml:"block_id_path" json:"block_id_path"`
	BlockNamePath    string `yaml:"block_name_path" json:"block_name_path"`
	DeltaTypePath    string `yaml:"delta_type_path" json:"delta_type_path"`
	DeltaTextPath    string `yaml:"delta_text_path" json:"delta_text_path"`
	DeltaJSONPath    string `yaml:"delta_json_path" json:"delta_json_path"`
	StopReasonPath   string `yaml:"stop_reason_path" json:"stop_reason_path"`
	InputTokensPath  string `yaml:"input_tokens_path" json:"input_tokens_path"`
	OutputTokensPath string `yaml:"output_tokens_path" json:"output_tokens_path"`

	// delta_merge: progressive choices[].delta shape.
	ChoicesPath      string `yaml:"choices_path" json:"choices_path"`
	DeltaPath        string `yaml:"delta_path" json:"delta_path"`
	FinishReasonPath string `yaml:"finish_reason_path" json:"finish_reason_path"`
	ToolCallsPath    string `yaml:"tool_calls_path" json:"tool_calls_path"`

	// complete_chunks: reuses ResponseSchema field names for each chunk.
	ChunkResponse *ResponseSchema `yaml:"chunk_response" json:"chunk_response"`
}

// Pricing is per-million-token pricing for a model.
type Pricing struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// Spend computes (in*price_in + out*price_out) / 1_000_000
func (p Pricing) Spend(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1_000_000
}

// Schema is the full provider YAML config: endpoint, auth, pricing, and
// the three schemas that drive request/response interpretation.
type Schema struct {
	ProviderID string             `yaml:"provider_id" json:"provider_id"`
	Endpoint   string             `yaml:"endpoint" json:"endpoint"`
	Headers    map[string]string  `yaml:"headers" json:"headers"`
	MaxTokens  int                `yaml:"max_tokens" json:"max_tokens"`
	Pricing    map[string]Pricing `yaml:"pricing" json:"pricing"`

	Message        MessageSchema  `yaml:"message_schema" json:"message_schema"`
	ToolDefinition map[string]any `yaml:"tool_definition" json:"tool_definition"`
	ToolListWrap   string         `yaml:"tool_list_wrap" json:"tool_list_wrap"`
	Response       ResponseSchema `yaml:"response_schema" json:"response_schema"`
	Stream         StreamSchema   `yaml:"stream_schema" json:"stream_schema"`
}

func (s *Schema) pricingFor(model string) Pricing {
	if s.Pricing == nil {
		return Pricing{}
	}
	return s.Pricing[model]
}
