package anthropic

import (
	"encoding/json"
	"strings"
	"testing"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/transform"
)

func TestParseRequestExtractsSystemMessage(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"claude-sonnet-4-6","max_tokens":100,"system":"Be helpful.","messages":[{"role":"user","content":"hi"}]}`)

	req, err := Transformer{}.ParseRequest(body, "claude-sonnet-4-6")
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("got %d messages, want 2 (system + user)", len(req.Messages))
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("messages[0].role = %q, want system", req.Messages[0].Role)
	}
	if *req.MaxTokens != 100 {
		t.Errorf("max tokens = %d, want 100", *req.MaxTokens)
	}
}

func TestTransformRequestInjectsClaudeCodeSystemPrompt(t *testing.T) {
	t.Parallel()

	maxTok := 256
	req := &gateway.UnifiedRequest{
		Model:     "claude-sonnet-4-6",
		MaxTokens: &maxTok,
		Messages: []gateway.UnifiedMessage{
			{Role: "user", Content: json.RawMessage(`"hi"`)},
		},
		Metadata: map[string]any{
			"user_id":                 "user_abc123_account_xyz_session_456",
			"selected_oauth_account":  "acct-1",
			"oauth_project_id":        "proj-1",
		},
	}

	raw, err := Transformer{}.TransformRequest(req)
	if err != nil {
		t.Fatalf("TransformRequest: %v", err)
	}
	if !strings.Contains(string(raw), claudeCodeSystemPrompt) {
		t.Errorf("expected claude code system prompt injected, got %s", raw)
	}
	if strings.Contains(string(raw), "selected_oauth_account") || strings.Contains(string(raw), "oauth_project_id") {
		t.Errorf("internal metadata should be stripped, got %s", raw)
	}
}

func TestTransformRequestNoInjectionForNonClaudeCodeUser(t *testing.T) {
	t.Parallel()

	maxTok := 256
	req := &gateway.UnifiedRequest{
		Model:     "claude-sonnet-4-6",
		MaxTokens: &maxTok,
		Messages:  []gateway.UnifiedMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
		Metadata:  map[string]any{"user_id": "some-other-user"},
	}

	raw, err := Transformer{}.TransformRequest(req)
	if err != nil {
		t.Fatalf("TransformRequest: %v", err)
	}
	if strings.Contains(string(raw), claudeCodeSystemPrompt) {
		t.Errorf("did not expect claude code system prompt, got %s", raw)
	}
}

func TestTransformResponseExtractsTextAndThinking(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"id": "msg_1", "model": "claude-sonnet-4-6",
		"content": [
			{"type": "thinking", "thinking": "pondering"},
			{"type": "text", "text": "hello there"}
		],
		"usage": {"input_tokens": 10, "output_tokens": 5, "cache_read_input_tokens": 2}
	}`)

	resp, err := Transformer{}.TransformResponse(body, &gateway.UnifiedRequest{})
	if err != nil {
		t.Fatalf("TransformResponse: %v", err)
	}
	if resp.Content == nil || *resp.Content != "hello there" {
		t.Errorf("content = %v, want %q", resp.Content, "hello there")
	}
	if resp.ReasoningContent != "pondering" {
		t.Errorf("reasoning content = %q", resp.ReasoningContent)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.CachedTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStreamRoundTripTextDelta(t *testing.T) {
	t.Parallel()

	state := &transform.StreamState{}
	xf := Transformer{}

	lines := []string{
		"event: message_start",
		`data: {"message":{"id":"msg_1","model":"claude-sonnet-4-6","usage":{"input_tokens":10}}}`,
		"event: content_block_delta",
		`data: {"index":0,"delta":{"type":"text_delta","text":"hi"}}`,
	}

	var gotChunk transform.StreamChunk
	var gotOK bool
	for _, line := range lines {
		c, ok, err := xf.TransformStream(line, state)
		if err != nil {
			t.Fatalf("TransformStream(%q): %v", line, err)
		}
		if ok {
			gotChunk, gotOK = c, ok
		}
	}
	if !gotOK {
		t.Fatal("expected a chunk from the text_delta line")
	}
	if gotChunk.TextDelta != "hi" {
		t.Errorf("text delta = %q, want hi", gotChunk.TextDelta)
	}
	if gotChunk.Model != "claude-sonnet-4-6" {
		t.Errorf("model = %q", gotChunk.Model)
	}
}
