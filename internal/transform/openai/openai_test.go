package openai

import (
	"strings"
	"testing"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/transform"
)

func TestParseRequest(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	req, err := Transformer{}.ParseRequest(body, "gpt-5")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Model != "gpt-5" || !req.Stream || len(req.Messages) != 1 {
		t.Errorf("got %+v", req)
	}
}

func TestTransformResponseMapsUsage(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"id":"chatcmpl-1","model":"gpt-5","created":1700000000,
		"choices":[{"message":{"role":"assistant","content":"hello"}}],
		"usage":{"prompt_tokens":10,"completion_tokens":5,
			"prompt_tokens_details":{"cached_tokens":3},
			"completion_tokens_details":{"reasoning_tokens":2}}
	}`)

	resp, err := Transformer{}.TransformResponse(body, &gateway.UnifiedRequest{})
	if err != nil {
		t.Fatalf("TransformResponse: %v", err)
	}
	if resp.Content == nil || *resp.Content != "hello" {
		t.Errorf("content = %v", resp.Content)
	}
	if resp.Usage.CachedTokens != 3 || resp.Usage.ReasoningTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestFormatResponseRoundTrip(t *testing.T) {
	t.Parallel()

	content := "hello"
	resp := &gateway.UnifiedResponse{
		ID: "id1", Model: "gpt-5", Content: &content,
		Usage: gateway.Usage{InputTokens: 10, OutputTokens: 5},
	}
	raw, err := Transformer{}.FormatResponse(resp)
	if err != nil {
		t.Fatalf("FormatResponse: %v", err)
	}
	if !strings.Contains(string(raw), `"content":"hello"`) {
		t.Errorf("got %s", raw)
	}
}

func TestTransformStreamDone(t *testing.T) {
	t.Parallel()

	state := &transform.StreamState{}
	chunk, ok, err := Transformer{}.TransformStream("data: [DONE]", state)
	if err != nil || !ok || !chunk.Done {
		t.Fatalf("got chunk=%+v ok=%v err=%v", chunk, ok, err)
	}
}

func TestTransformStreamDelta(t *testing.T) {
	t.Parallel()

	state := &transform.StreamState{}
	line := `data: {"id":"chatcmpl-1","model":"gpt-5","choices":[{"delta":{"content":"hi"}}]}`
	chunk, ok, err := Transformer{}.TransformStream(line, state)
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	if chunk.TextDelta != "hi" {
		t.Errorf("text delta = %q", chunk.TextDelta)
	}
}
