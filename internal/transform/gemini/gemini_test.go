package gemini

import (
	"testing"
)

func TestMapThinkingBudget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tokens int
		want   string
	}{
		{0, "none"},
		{-10, "none"},
		{500, "low"},
		{1024, "low"},
		{4000, "medium"},
		{8192, "medium"},
		{20000, "high"},
	}
	for _, c := range cases {
		if got := mapThinkingBudget(c.tokens); got != c.want {
			t.Errorf("mapThinkingBudget(%d) = %q, want %q", c.tokens, got, c.want)
		}
	}
}

func TestParseRequestMapsRolesAndSystemInstruction(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "be terse"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "hi"}]},
			{"role": "model", "parts": [{"text": "hello"}]}
		]
	}`)

	req, err := Transformer{}.ParseRequest(body, "gemini-3-pro")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (system+user+assistant)", len(req.Messages))
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("messages[0].role = %q", req.Messages[0].Role)
	}
	if req.Messages[2].Role != "assistant" {
		t.Errorf("messages[2].role = %q, want assistant (mapped from model)", req.Messages[2].Role)
	}
}

func TestTransformResponseExtractsTextAndToolCall(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"candidates": [{
			"content": {"parts": [
				{"text": "the answer is "},
				{"functionCall": {"name": "lookup", "args": {"q": "x"}}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 4}
	}`)

	resp, err := Transformer{}.TransformResponse(body, nil)
	if err != nil {
		t.Fatalf("TransformResponse: %v", err)
	}
	if resp.Content == nil || *resp.Content != "the answer is " {
		t.Errorf("content = %v", resp.Content)
	}
	if len(resp.ToolCalls) == 0 {
		t.Error("expected tool calls to be populated")
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestEndpointStreamingVsNonStreaming(t *testing.T) {
	t.Parallel()

	xf := Transformer{}
	if got := xf.Endpoint("gemini-3-pro", false); got != "/models/gemini-3-pro:generateContent" {
		t.Errorf("non-streaming endpoint = %q", got)
	}
	if got := xf.Endpoint("gemini-3-pro", true); got != "/models/gemini-3-pro:streamGenerateContent?alt=sse" {
		t.Errorf("streaming endpoint = %q", got)
	}
}
