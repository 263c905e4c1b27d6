// Package anthropic implements transform.Transformer for the Anthropic
// messages dialect (spec.md §4.4, dialect "messages"). It is grounded on the
// teacher's internal/provider/anthropic: translateRequest/translateResponse
// and the streamState-driven SSE reader, generalized from "always convert
// to/from OpenAI shape" to "convert to/from the dialect-neutral Unified IR"
// so the same code path also serves requests that arrive already in the
// Anthropic dialect and are dispatched to another Anthropic-speaking
// provider (the pass-through case).
package anthropic

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/transform"
)

func init() {
	transform.Register(gateway.DialectMessages, &Transformer{})
}

// claudeCodeUserID matches the oauth-session style user ids Claude Code
// sends as metadata.user_id; when matched, the outbound request is marked
// as originating from Claude Code (spec.md §4.4 "Anthropic dialect").
var claudeCodeUserID = regexp.MustCompile(`^user_[^_]+_account_.+_session_.+$`)

const claudeCodeSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// Transformer is the Anthropic messages dialect.
type Transformer struct{}

type wireRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []wireMessage   `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type systemBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
}

func (Transformer) ParseRequest(body []byte, incomingModel string) (*gateway.UnifiedRequest, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("anthropic: parse request: %w", err)
	}

	meta := map[string]any{}
	if len(wr.Metadata) > 0 {
		var m map[string]any
		if json.Unmarshal(wr.Metadata, &m) == nil {
			meta = m
		}
	}

	msgs := make([]gateway.UnifiedMessage, 0, len(wr.Messages)+1)
	if len(wr.System) > 0 {
		msgs = append(msgs, gateway.UnifiedMessage{Role: "system", Content: wr.System})
	}
	for _, m := range wr.Messages {
		msgs = append(msgs, gateway.UnifiedMessage{Role: m.Role, Content: m.Content})
	}

	model := wr.Model
	if incomingModel != "" {
		model = incomingModel
	}

	maxTokens := wr.MaxTokens
	return &gateway.UnifiedRequest{
		Model:           model,
		IncomingAPIType: gateway.DialectMessages,
		Messages:        msgs,
		Tools:           wr.Tools,
		ToolChoice:      wr.ToolChoice,
		MaxTokens:       &maxTokens,
		Temperature:     wr.Temperature,
		Stream:          wr.Stream,
		Metadata:        meta,
		OriginalBody:    json.RawMessage(body),
	}, nil
}

// TransformRequest builds an Anthropic wire body from the unified request,
// applying the Claude Code system-prompt injection and internal-metadata
// stripping spec.md §4.4 requires.
func (t Transformer) TransformRequest(req *gateway.UnifiedRequest) (json.RawMessage, error) {
	out := wireRequest{
		Model:       req.Model,
		MaxTokens:   4096,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var systemBlocks []systemBlock
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemBlocks = append(systemBlocks, flattenSystem(m.Content)...)
		case "user", "assistant":
			out.Messages = append(out.Messages, wireMessage{Role: m.Role, Content: m.Content})
		case "tool":
			result := fmt.Sprintf(`[{"type":"tool_result","tool_use_id":%q,"content":%s}]`, m.ToolCallID, string(m.Content))
			out.Messages = append(out.Messages, wireMessage{Role: "user", Content: json.RawMessage(result)})
		}
	}

	if isClaudeCode(req.Metadata) {
		systemBlocks = append([]systemBlock{{Type: "text", Text: claudeCodeSystemPrompt}}, systemBlocks...)
	}
	if len(systemBlocks) > 0 {
		raw, err := json.Marshal(systemBlocks)
		if err != nil {
			return nil, err
		}
		out.System = raw
	}

	if len(req.Metadata) > 0 {
		cleaned := stripInternalMetadata(req.Metadata)
		if len(cleaned) > 0 {
			raw, err := json.Marshal(cleaned)
			if err != nil {
				return nil, err
			}
			out.Metadata = raw
		}
	}

	return json.Marshal(out)
}

func isClaudeCode(meta map[string]any) bool {
	uid, _ := meta["user_id"].(string)
	return uid != "" && claudeCodeUserID.MatchString(uid)
}

// stripInternalMetadata removes dispatcher-internal keys before the request
// metadata is forwarded upstream (spec.md §4.4).
func stripInternalMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if k == "selected_oauth_account" || k == "oauth_project_id" {
			continue
		}
		out[k] = v
	}
	return out
}

// flattenSystem accepts either a bare JSON string or an array of content
// blocks and returns it as a slice of system text/thinking blocks.
func flattenSystem(raw json.RawMessage) []systemBlock {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil
		}
		return []systemBlock{{Type: "text", Text: s}}
	}
	var blocks []systemBlock
	if json.Unmarshal(raw, &blocks) == nil {
		return blocks
	}
	return nil
}

func (Transformer) TransformResponse(body []byte, req *gateway.UnifiedRequest) (*gateway.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)

	out := &gateway.UnifiedResponse{
		ID:    r.Get("id").String(),
		Model: r.Get("model").String(),
	}

	var text strings.Builder
	var reasoning strings.Builder
	var toolCalls []json.RawMessage
	r.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "thinking":
			reasoning.WriteString(block.Get("thinking").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})
	if text.Len() > 0 {
		s := text.String()
		out.Content = &s
	}
	out.ReasoningContent = reasoning.String()
	if len(toolCalls) > 0 {
		raw, _ := json.Marshal(toolCalls)
		out.ToolCalls = raw
	}

	out.Usage = gateway.Usage{
		InputTokens:     int(r.Get("usage.input_tokens").Int()),
		OutputTokens:    int(r.Get("usage.output_tokens").Int()),
		CachedTokens:    int(r.Get("usage.cache_read_input_tokens").Int()),
		ReasoningTokens: int(r.Get("usage.thinkingTokens").Int()),
	}
	return out, nil
}

func (Transformer) FormatResponse(resp *gateway.UnifiedResponse) (json.RawMessage, error) {
	var blocks []map[string]any
	if resp.ReasoningContent != "" {
		blocks = append(blocks, map[string]any{"type": "thinking", "thinking": resp.ReasoningContent})
	}
	if resp.Content != nil {
		blocks = append(blocks, map[string]any{"type": "text", "text": *resp.Content})
	}
	stopReason := "end_turn"
	if len(resp.ToolCalls) > 0 {
		stopReason = "tool_use"
		var calls []map[string]any
		if json.Unmarshal(resp.ToolCalls, &calls) == nil {
			for _, c := range calls {
				fn, _ := c["function"].(map[string]any)
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    c["id"],
					"name":  fn["name"],
					"input": json.RawMessage(fmt.Sprint(fn["arguments"])),
				})
			}
		}
	}

	out := map[string]any{
		"id":      resp.ID,
		"type":    "message",
		"role":    "assistant",
		"model":   resp.Model,
		"content": blocks,
		"stop_reason": stopReason,
		"usage": map[string]any{
			"input_tokens":              resp.Usage.InputTokens,
			"output_tokens":             resp.Usage.OutputTokens,
			"cache_read_input_tokens":   resp.Usage.CachedTokens,
			"cache_creation_input_tokens": 0,
		},
		"plexus": resp.Plexus,
	}
	return json.Marshal(out)
}

// TransformStream is called once per raw SSE line. Anthropic framing
// splits each frame across an "event:" line and a following "data:" line,
// so an "event:" line is stashed on state and only acted on once its
// paired "data:" line arrives.
func (Transformer) TransformStream(line string, state *transform.StreamState) (transform.StreamChunk, bool, error) {
	name, data, ok := parseLine(line)
	if !ok {
		return transform.StreamChunk{}, false, nil
	}
	if data == "" {
		state.PendingEvent = name
		return transform.StreamChunk{}, false, nil
	}

	event := state.PendingEvent
	state.PendingEvent = ""

	r := gjson.Parse(data)
	switch event {
	case "message_start":
		state.ID = r.Get("message.id").String()
		state.Model = r.Get("message.model").String()
		state.InputTokens = int(r.Get("message.usage.input_tokens").Int())
		state.Started = true
		return transform.StreamChunk{}, false, nil

	case "content_block_delta":
		delta := r.Get("delta")
		chunk := transform.StreamChunk{ID: state.ID, Model: state.Model}
		switch delta.Get("type").String() {
		case "text_delta":
			chunk.TextDelta = delta.Get("text").String()
		case "thinking_delta":
			chunk.ReasoningDelta = delta.Get("thinking").String()
		case "input_json_delta":
			chunk.ToolCallIndex = int(r.Get("index").Int())
			chunk.ToolCallDelta = json.RawMessage(fmt.Sprintf("%q", delta.Get("partial_json").String()))
		default:
			return transform.StreamChunk{}, false, nil
		}
		return chunk, true, nil

	case "content_block_start":
		if r.Get("content_block.type").String() == "tool_use" {
			chunk := transform.StreamChunk{
				ID:            state.ID,
				Model:         state.Model,
				ToolCallIndex: int(r.Get("index").Int()),
				ToolCallID:    r.Get("content_block.id").String(),
				ToolCallName:  r.Get("content_block.name").String(),
				ToolCallDelta: json.RawMessage(`""`),
			}
			return chunk, true, nil
		}
		return transform.StreamChunk{}, false, nil

	case "message_delta":
		state.StopReason = mapStopReason(r.Get("delta.stop_reason").String())
		state.OutputTokens = int(r.Get("usage.output_tokens").Int())
		return transform.StreamChunk{}, false, nil

	case "message_stop":
		return transform.StreamChunk{
			ID:           state.ID,
			Model:        state.Model,
			FinishReason: state.StopReason,
			Done:         true,
			Usage: &gateway.Usage{
				InputTokens:  state.InputTokens,
				OutputTokens: state.OutputTokens,
			},
		}, true, nil

	default:
		return transform.StreamChunk{}, false, nil
	}
}

func (Transformer) FormatStream(chunk transform.StreamChunk, state *transform.StreamState) (string, error) {
	if chunk.Done {
		outputTokens := 0
		if chunk.Usage != nil {
			outputTokens = chunk.Usage.OutputTokens
		}
		payload, _ := json.Marshal(map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": chunk.FinishReason},
			"usage": map[string]any{"output_tokens": outputTokens},
		})
		stop, _ := json.Marshal(map[string]any{"type": "message_stop"})
		return "event: message_delta\ndata: " + string(payload) + "\n\n" +
			"event: message_stop\ndata: " + string(stop) + "\n\n", nil
	}

	var eventType string
	var delta map[string]any
	switch {
	case chunk.TextDelta != "":
		eventType = "content_block_delta"
		delta = map[string]any{"type": "text_delta", "text": chunk.TextDelta}
	case chunk.ReasoningDelta != "":
		eventType = "content_block_delta"
		delta = map[string]any{"type": "thinking_delta", "thinking": chunk.ReasoningDelta}
	case chunk.ToolCallDelta != nil:
		eventType = "content_block_delta"
		delta = map[string]any{"type": "input_json_delta", "partial_json": string(chunk.ToolCallDelta)}
	default:
		return "", nil
	}

	payload, err := json.Marshal(map[string]any{"type": eventType, "index": 0, "delta": delta})
	if err != nil {
		return "", err
	}
	return "event: " + eventType + "\ndata: " + string(payload) + "\n\n", nil
}

func (Transformer) Endpoint(model string, streaming bool) string {
	return "/messages"
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// parseLine extracts "event:" and "data:" fields from a raw SSE line.
func parseLine(line string) (event, data string, ok bool) {
	if after, found := strings.CutPrefix(line, "event: "); found {
		return after, "", true
	}
	if after, found := strings.CutPrefix(line, "event:"); found {
		return after, "", true
	}
	if after, found := strings.CutPrefix(line, "data: "); found {
		return "", after, true
	}
	if after, found := strings.CutPrefix(line, "data:"); found {
		return "", after, true
	}
	return "", "", false
}
