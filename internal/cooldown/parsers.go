package cooldown

import (
	"time"

	"github.com/tidwall/gjson"
)

// RegisterDefaultParsers installs the provider-type-specific 429-body
// duration parsers named in spec.md §7 (Naga, Anthropic, OpenAI, Gemini
// quotas). Each parser extracts a retry duration from the upstream error
// body using gjson, the same zero-alloc field-extraction idiom the dialect
// transformers use for response bodies. Parsers are keyed by provider type
// string, not by wire dialect, so a provider can list "naga" alongside a
// wire dialect (e.g. type: [chat, naga]) to opt into this parser without
// it affecting transformer or URL selection.
func (m *Manager) RegisterDefaultParsers() {
	m.RegisterParser("messages", parseAnthropicRetry)
	m.RegisterParser("chat", parseOpenAIRetry)
	m.RegisterParser("gemini", parseGeminiRetry)
	m.RegisterParser("naga", parseNagaRetry)
}

// parseAnthropicRetry reads error.retry_after_seconds (in seconds).
func parseAnthropicRetry(body []byte) (time.Duration, bool) {
	r := gjson.GetBytes(body, "error.retry_after_seconds")
	if !r.Exists() {
		return 0, false
	}
	return time.Duration(r.Float() * float64(time.Second)), true
}

// parseOpenAIRetry reads the structured error.retry_after field (seconds).
func parseOpenAIRetry(body []byte) (time.Duration, bool) {
	r := gjson.GetBytes(body, "error.retry_after")
	if !r.Exists() {
		return 0, false
	}
	return time.Duration(r.Float() * float64(time.Second)), true
}

// parseNagaRetry reads the top-level retry_after_ms field (milliseconds),
// the shape Naga-fronted providers return on a 429 rather than nesting it
// under an "error" object.
func parseNagaRetry(body []byte) (time.Duration, bool) {
	r := gjson.GetBytes(body, "retry_after_ms")
	if !r.Exists() {
		return 0, false
	}
	return time.Duration(r.Float() * float64(time.Millisecond)), true
}

// parseGeminiRetry reads the RetryInfo detail's retryDelay field, e.g. "45s".
func parseGeminiRetry(body []byte) (time.Duration, bool) {
	var dur time.Duration
	found := false
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if detail.Get("@type").String() != "type.googleapis.com/google.rpc.RetryInfo" {
			return true
		}
		d, err := time.ParseDuration(detail.Get("retryDelay").String())
		if err == nil {
			dur, found = d, true
			return false
		}
		return true
	})
	return dur, found
}
