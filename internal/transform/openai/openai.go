// Package openai implements transform.Transformer for the OpenAI chat
// dialect (spec.md §4.4, dialect "chat"). It is grounded on the teacher's
// internal/provider/openai: that package's ChatRequest/ChatResponse wire
// shape already *is* the gateway's previous lingua franca, so this
// transformer is close to a pass-through -- the near-identity case the
// dispatcher's pass-through optimization exists for.
package openai

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/transform"
)

func init() {
	transform.Register(gateway.DialectChat, &Transformer{})
}

// Transformer is the OpenAI chat-completions dialect.
type Transformer struct{}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireRequest struct {
	Model       string          `json:"model"`
	Messages    []wireMessage   `json:"messages"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	StreamOpts  *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (Transformer) ParseRequest(body []byte, incomingModel string) (*gateway.UnifiedRequest, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("openai: parse request: %w", err)
	}

	msgs := make([]gateway.UnifiedMessage, 0, len(wr.Messages))
	for _, m := range wr.Messages {
		msgs = append(msgs, gateway.UnifiedMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}

	model := wr.Model
	if incomingModel != "" {
		model = incomingModel
	}

	return &gateway.UnifiedRequest{
		Model:           model,
		IncomingAPIType: gateway.DialectChat,
		Messages:        msgs,
		Tools:           wr.Tools,
		ToolChoice:      wr.ToolChoice,
		MaxTokens:       wr.MaxTokens,
		Temperature:     wr.Temperature,
		Stream:          wr.Stream,
		Metadata:        map[string]any{},
		OriginalBody:    json.RawMessage(body),
	}, nil
}

func (Transformer) TransformRequest(req *gateway.UnifiedRequest) (json.RawMessage, error) {
	wr := wireRequest{
		Model:       req.Model,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if req.Stream {
		wr.StreamOpts = &streamOptions{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return json.Marshal(wr)
}

func (Transformer) TransformResponse(body []byte, req *gateway.UnifiedRequest) (*gateway.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)

	out := &gateway.UnifiedResponse{
		ID:      r.Get("id").String(),
		Model:   r.Get("model").String(),
		Created: r.Get("created").Int(),
	}

	choice := r.Get("choices.0")
	if text := choice.Get("message.content"); text.Exists() && text.Type == gjson.String {
		s := text.String()
		out.Content = &s
	}
	if tc := choice.Get("message.tool_calls"); tc.Exists() {
		out.ToolCalls = json.RawMessage(tc.Raw)
	}
	out.Usage = gateway.Usage{
		InputTokens:     int(r.Get("usage.prompt_tokens").Int()),
		OutputTokens:    int(r.Get("usage.completion_tokens").Int()),
		CachedTokens:    int(r.Get("usage.prompt_tokens_details.cached_tokens").Int()),
		ReasoningTokens: int(r.Get("usage.completion_tokens_details.reasoning_tokens").Int()),
	}
	return out, nil
}

func (Transformer) FormatResponse(resp *gateway.UnifiedResponse) (json.RawMessage, error) {
	msg := map[string]any{"role": "assistant"}
	if resp.Content != nil {
		msg["content"] = *resp.Content
	} else {
		msg["content"] = nil
	}
	if len(resp.ToolCalls) > 0 {
		msg["tool_calls"] = resp.ToolCalls
	}
	finish := "stop"
	if len(resp.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	out := map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": resp.Created,
		"model":   resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			"prompt_tokens_details":     map[string]any{"cached_tokens": resp.Usage.CachedTokens},
			"completion_tokens_details": map[string]any{"reasoning_tokens": resp.Usage.ReasoningTokens},
		},
		"plexus": resp.Plexus,
	}
	return json.Marshal(out)
}

func (Transformer) TransformStream(line string, state *transform.StreamState) (transform.StreamChunk, bool, error) {
	if line == "" {
		return transform.StreamChunk{}, false, nil
	}
	event, data, ok := sseLine(line)
	_ = event
	if !ok {
		return transform.StreamChunk{}, false, nil
	}
	if data == "[DONE]" {
		return transform.StreamChunk{Done: true}, true, nil
	}

	r := gjson.Parse(data)
	if !state.Started {
		state.ID = r.Get("id").String()
		state.Model = r.Get("model").String()
		state.Started = true
	}

	chunk := transform.StreamChunk{ID: state.ID, Model: state.Model}
	delta := r.Get("choices.0.delta")
	chunk.TextDelta = delta.Get("content").String()
	if tc := delta.Get("tool_calls.0"); tc.Exists() {
		chunk.ToolCallIndex = int(tc.Get("index").Int())
		chunk.ToolCallID = tc.Get("id").String()
		chunk.ToolCallName = tc.Get("function.name").String()
		chunk.ToolCallDelta = json.RawMessage(tc.Get("function.arguments").Raw)
	}
	if fr := r.Get("choices.0.finish_reason"); fr.Exists() && fr.Type == gjson.String {
		chunk.FinishReason = fr.String()
	}
	if u := r.Get("usage"); u.Exists() {
		chunk.Usage = &gateway.Usage{
			InputTokens:     int(u.Get("prompt_tokens").Int()),
			OutputTokens:    int(u.Get("completion_tokens").Int()),
			CachedTokens:    int(u.Get("prompt_tokens_details.cached_tokens").Int()),
			ReasoningTokens: int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		}
	}
	return chunk, true, nil
}

func (Transformer) FormatStream(chunk transform.StreamChunk, state *transform.StreamState) (string, error) {
	if chunk.Done {
		return "data: [DONE]\n\n", nil
	}

	delta := map[string]any{}
	if chunk.TextDelta != "" {
		delta["content"] = chunk.TextDelta
	}
	if chunk.ToolCallDelta != nil {
		delta["tool_calls"] = []map[string]any{{
			"index": chunk.ToolCallIndex,
			"id":    chunk.ToolCallID,
			"type":  "function",
			"function": map[string]any{
				"name":      chunk.ToolCallName,
				"arguments": string(chunk.ToolCallDelta),
			},
		}}
	}

	out := map[string]any{
		"id":      chunk.ID,
		"object":  "chat.completion.chunk",
		"model":   chunk.Model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": nilOrString(chunk.FinishReason)}},
	}
	if chunk.Usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     chunk.Usage.InputTokens,
			"completion_tokens": chunk.Usage.OutputTokens,
			"total_tokens":      chunk.Usage.InputTokens + chunk.Usage.OutputTokens,
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return "data: " + string(b) + "\n\n", nil
}

func (Transformer) Endpoint(model string, streaming bool) string {
	return "/chat/completions"
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sseLine extracts the "data:" payload from a raw SSE line, ignoring
// "event:" lines (the chat dialect doesn't use named events).
func sseLine(line string) (event, data string, ok bool) {
	const dataPrefix = "data: "
	const dataPrefixNoSpace = "data:"
	if len(line) >= len(dataPrefix) && line[:len(dataPrefix)] == dataPrefix {
		return "", line[len(dataPrefix):], true
	}
	if len(line) >= len(dataPrefixNoSpace) && line[:len(dataPrefixNoSpace)] == dataPrefixNoSpace {
		return "", line[len(dataPrefixNoSpace):], true
	}
	return "", "", false
}
