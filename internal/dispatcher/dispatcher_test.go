package dispatcher

import (
	"encoding/json"
	"testing"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/router"
	"github.com/eugener/plexus/internal/transform"
	_ "github.com/eugener/plexus/internal/transform/openai"
)

func TestSelectDialectUsesModelAccessViaFirst(t *testing.T) {
	modelCfg := gateway.ModelConfig{AccessVia: []string{"messages", "chat"}}
	p := gateway.ProviderConfig{Type: []string{"chat"}}

	got := selectDialect(modelCfg, p, gateway.DialectChat)
	if got != gateway.DialectChat {
		t.Errorf("got %q, want chat (exact match in access_via)", got)
	}

	got = selectDialect(modelCfg, p, gateway.DialectGemini)
	if got != gateway.APIType("messages") {
		t.Errorf("got %q, want messages (first entry, no match)", got)
	}
}

func TestSelectDialectIgnoresForceTransformer(t *testing.T) {
	modelCfg := gateway.ModelConfig{AccessVia: []string{"chat"}}
	p := gateway.ProviderConfig{Type: []string{"chat"}, ForceTransformer: "messages"}

	got := selectDialect(modelCfg, p, gateway.DialectChat)
	if got != gateway.DialectChat {
		t.Errorf("got %q, want chat (force_transformer must not affect URL/header dialect)", got)
	}
}

func TestSelectTransformerDialectForceTransformerOverrides(t *testing.T) {
	p := gateway.ProviderConfig{Type: []string{"chat"}, ForceTransformer: "messages"}

	got := selectTransformerDialect(gateway.DialectChat, p)
	if got != gateway.APIType("messages") {
		t.Errorf("got %q, want messages (force_transformer)", got)
	}
}

func TestSelectTransformerDialectAntigravityMapsToGemini(t *testing.T) {
	p := gateway.ProviderConfig{Type: []string{"antigravity"}}

	got := selectTransformerDialect(gateway.DialectAntigravity, p)
	if got != gateway.DialectGemini {
		t.Errorf("got %q, want gemini (antigravity speaks Gemini's wire shape)", got)
	}
}

func TestResolveURLMapFallsBackToDefault(t *testing.T) {
	base := gateway.BaseURL{PerDialect: map[string]string{"default": "https://api.example.com/"}}
	url, err := resolveURL(base, gateway.DialectGemini, "/v1/models")
	if err != nil {
		t.Fatalf("resolveURL: %v", err)
	}
	if url != "https://api.example.com/v1/models" {
		t.Errorf("got %q", url)
	}
}

func TestBuildRequestBodyMergesExtraBody(t *testing.T) {
	d := &Dispatcher{}
	xf, err := transform.Get(gateway.DialectChat)
	if err != nil {
		t.Fatalf("transform.Get: %v", err)
	}

	resolved := &router.Resolved{
		Provider: gateway.ProviderConfig{ID: "p1", ExtraBody: map[string]any{"safety": "on"}},
		Model:    "gpt-5",
	}
	req := &gateway.UnifiedRequest{
		Model:    "gpt-5",
		Messages: []gateway.UnifiedMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}

	body, err := d.buildRequestBody(req, resolved, xf, false)
	if err != nil {
		t.Fatalf("buildRequestBody: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["safety"] != "on" {
		t.Errorf("expected extraBody merged, got %v", decoded)
	}
	if decoded["model"] != "gpt-5" {
		t.Errorf("expected model override, got %v", decoded["model"])
	}
}

func TestBuildRequestBodyPassThroughOverridesModel(t *testing.T) {
	d := &Dispatcher{}
	xf, _ := transform.Get(gateway.DialectChat)

	resolved := &router.Resolved{
		Provider: gateway.ProviderConfig{ID: "p1"},
		Model:    "gpt-5-upstream",
	}
	req := &gateway.UnifiedRequest{
		OriginalBody: json.RawMessage(`{"model":"my-alias","messages":[{"role":"user","content":"hi"}]}`),
	}

	body, err := d.buildRequestBody(req, resolved, xf, true)
	if err != nil {
		t.Fatalf("buildRequestBody: %v", err)
	}
	var decoded map[string]any
	json.Unmarshal(body, &decoded)
	if decoded["model"] != "gpt-5-upstream" {
		t.Errorf("expected upstream model override in pass-through, got %v", decoded["model"])
	}
}
