// Package gemini implements transform.Transformer for the Google Gemini
// dialect (spec.md §4.4, dialect "gemini"). It is grounded on the teacher's
// internal/provider/gemini: translateRequest/translateResponse's
// contents[]/systemInstruction/functionCall mapping and the EOF-terminated,
// "data:"-only SSE framing in stream.go, generalized from "always convert
// to/from OpenAI shape" to the dialect-neutral Unified IR.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/transform"
)

func init() {
	transform.Register(gateway.DialectGemini, &Transformer{})
}

// Transformer is the Gemini generateContent dialect.
type Transformer struct{}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent    `json:"contents"`
	SystemInstruction *wireContent     `json:"systemInstruction,omitempty"`
	Tools             json.RawMessage  `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	ThinkingConfig   *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget string `json:"thinkingBudget,omitempty"`
}

func (Transformer) ParseRequest(body []byte, incomingModel string) (*gateway.UnifiedRequest, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("gemini: parse request: %w", err)
	}

	var msgs []gateway.UnifiedMessage
	if wr.SystemInstruction != nil {
		text := joinParts(wr.SystemInstruction.Parts)
		raw, _ := json.Marshal(text)
		msgs = append(msgs, gateway.UnifiedMessage{Role: "system", Content: raw})
	}
	for _, c := range wr.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		text := joinParts(c.Parts)
		raw, _ := json.Marshal(text)
		msgs = append(msgs, gateway.UnifiedMessage{Role: role, Content: raw})
	}

	var maxTokens *int
	var temp *float64
	if wr.GenerationConfig != nil {
		maxTokens = wr.GenerationConfig.MaxOutputTokens
		temp = wr.GenerationConfig.Temperature
	}

	model := incomingModel
	return &gateway.UnifiedRequest{
		Model:           model,
		IncomingAPIType: gateway.DialectGemini,
		Messages:        msgs,
		Tools:           wr.Tools,
		MaxTokens:       maxTokens,
		Temperature:     temp,
		Metadata:        map[string]any{},
		OriginalBody:    json.RawMessage(body),
	}, nil
}

func joinParts(parts []wirePart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (Transformer) TransformRequest(req *gateway.UnifiedRequest) (json.RawMessage, error) {
	out := wireRequest{Tools: req.Tools}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.SystemInstruction = &wireContent{Parts: []wirePart{{Text: extractText(m.Content)}}}
		case "user":
			out.Contents = append(out.Contents, wireContent{Role: "user", Parts: []wirePart{{Text: extractText(m.Content)}}})
		case "assistant":
			out.Contents = append(out.Contents, wireContent{Role: "model", Parts: []wirePart{{Text: extractText(m.Content)}}})
		case "tool":
			fr, _ := json.Marshal(map[string]any{"name": m.ToolCallID, "response": json.RawMessage(m.Content)})
			out.Contents = append(out.Contents, wireContent{Role: "user", Parts: []wirePart{{FunctionResponse: fr}}})
		}
	}

	if req.MaxTokens != nil || req.Temperature != nil {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
		if budget, ok := req.Metadata["thinking_budget"]; ok {
			if n, ok := toInt(budget); ok {
				out.GenerationConfig.ThinkingConfig = &thinkingConfig{ThinkingBudget: mapThinkingBudget(n)}
			}
		}
	}

	return json.Marshal(out)
}

// mapThinkingBudget implements spec.md §4.4's Gemini thinking-budget
// bucketing: <=0 none, <=1024 low, <=8192 medium, else high.
func mapThinkingBudget(tokens int) string {
	switch {
	case tokens <= 0:
		return "none"
	case tokens <= 1024:
		return "low"
	case tokens <= 8192:
		return "medium"
	default:
		return "high"
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

func (Transformer) TransformResponse(body []byte, req *gateway.UnifiedRequest) (*gateway.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)

	out := &gateway.UnifiedResponse{}
	if req != nil {
		out.Model = req.Model
	}

	var text strings.Builder
	var toolCalls []json.RawMessage
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			text.WriteString(t.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			tc, _ := json.Marshal(map[string]any{
				"id":   fc.Get("name").String(),
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
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
	if len(toolCalls) > 0 {
		raw, _ := json.Marshal(toolCalls)
		out.ToolCalls = raw
	}

	out.Usage = gateway.Usage{
		InputTokens:  int(r.Get("usageMetadata.promptTokenCount").Int()),
		OutputTokens: int(r.Get("usageMetadata.candidatesTokenCount").Int()),
	}
	return out, nil
}

func (Transformer) FormatResponse(resp *gateway.UnifiedResponse) (json.RawMessage, error) {
	var parts []map[string]any
	if resp.Content != nil {
		parts = append(parts, map[string]any{"text": *resp.Content})
	}
	finish := "STOP"
	if len(resp.ToolCalls) > 0 {
		finish = "STOP"
		var calls []map[string]any
		if json.Unmarshal(resp.ToolCalls, &calls) == nil {
			for _, c := range calls {
				fn, _ := c["function"].(map[string]any)
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": fn["name"], "args": json.RawMessage(fmt.Sprint(fn["arguments"]))},
				})
			}
		}
	}

	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": finish,
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.Usage.InputTokens,
			"candidatesTokenCount": resp.Usage.OutputTokens,
			"totalTokenCount":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		"modelVersion": resp.Model,
		"plexus":       resp.Plexus,
	}
	return json.Marshal(out)
}

// TransformStream handles Gemini's EOF-terminated, bare "data:" framing: no
// event name, no [DONE] sentinel, cumulative usage on every chunk.
func (Transformer) TransformStream(line string, state *transform.StreamState) (transform.StreamChunk, bool, error) {
	data, ok := parseDataLine(line)
	if !ok {
		return transform.StreamChunk{}, false, nil
	}

	r := gjson.Parse(data)
	if !state.Started {
		state.Model = r.Get("modelVersion").String()
		state.Started = true
	}

	chunk := transform.StreamChunk{ID: state.ID, Model: state.Model}
	chunk.TextDelta = r.Get("candidates.0.content.parts.0.text").String()
	if fr := r.Get("candidates.0.finishReason"); fr.Exists() {
		chunk.FinishReason = fr.String()
	}
	if u := r.Get("usageMetadata"); u.Exists() {
		chunk.Usage = &gateway.Usage{
			InputTokens:  int(u.Get("promptTokenCount").Int()),
			OutputTokens: int(u.Get("candidatesTokenCount").Int()),
		}
	}
	return chunk, true, nil
}

func (Transformer) FormatStream(chunk transform.StreamChunk, state *transform.StreamState) (string, error) {
	var parts []map[string]any
	if chunk.TextDelta != "" {
		parts = append(parts, map[string]any{"text": chunk.TextDelta})
	}

	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": nilOrString(chunk.FinishReason),
			"index":        0,
		}},
		"modelVersion": chunk.Model,
	}
	if chunk.Usage != nil {
		out["usageMetadata"] = map[string]any{
			"promptTokenCount":     chunk.Usage.InputTokens,
			"candidatesTokenCount": chunk.Usage.OutputTokens,
			"totalTokenCount":      chunk.Usage.InputTokens + chunk.Usage.OutputTokens,
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return "data: " + string(b) + "\n\n", nil
}

func (Transformer) Endpoint(model string, streaming bool) string {
	if streaming {
		return "/models/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/models/" + model + ":generateContent"
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseDataLine(line string) (string, bool) {
	if after, ok := strings.CutPrefix(line, "data: "); ok {
		return after, true
	}
	if after, ok := strings.CutPrefix(line, "data:"); ok {
		return after, true
	}
	return "", false
}
