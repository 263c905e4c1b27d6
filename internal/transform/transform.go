// Package transform defines the dialect transformer contract (spec.md §4.4)
// and a registry of implementations keyed by wire dialect name. It is
// grounded on the teacher's per-provider translate.go/stream.go pair
// (internal/provider/{openai,anthropic,gemini}): where the teacher hard-wired
// "OpenAI wire shape" as its lingua franca and translated each provider's
// wire shape to and from it, this package makes the lingua franca an
// explicit dialect-neutral gateway.UnifiedRequest/UnifiedResponse and lets
// any of the three dialects be both the inbound and outbound side.
package transform

import (
	"encoding/json"
	"fmt"

	gateway "github.com/eugener/plexus/internal"
)

// StreamChunk is the dialect-neutral unit produced by TransformStream and
// consumed by FormatStream -- the pivot between a provider's wire framing
// and a client's wire framing, generalizing the teacher's OpenAI-shaped
// StreamChunk map builders (provider/sseutil/chunk.go) to carry enough
// information for any of the three output dialects to render itself.
type StreamChunk struct {
	ID               string
	Model            string
	TextDelta        string
	ReasoningDelta    string
	ToolCallDelta    json.RawMessage // provider-native shape; re-encoded per dialect on format
	ToolCallIndex    int
	ToolCallID       string
	ToolCallName     string
	FinishReason     string
	Usage            *gateway.Usage
	Done             bool // true for the terminal chunk (no further deltas)
}

// StreamState accumulates the running totals a dialect needs across the
// life of a single stream (ids, cumulative usage, last finish reason) since
// individual provider SSE frames are often deltas against state the
// transformer itself must track, mirroring the teacher's per-stream
// streamState struct in internal/provider/anthropic/stream.go.
type StreamState struct {
	ID           string
	Model        string
	InputTokens  int
	OutputTokens int
	ToolCallSeq  int
	StopReason   string
	Started      bool

	// PendingEvent holds an "event:" name already consumed from a prior
	// TransformStream call, for dialects (Anthropic) whose framing splits
	// the event name and its data payload across two separate SSE lines.
	PendingEvent string
}

// Transformer implements the seven-operation contract used by the
// dispatcher to move between a client's wire dialect and a provider's wire
// dialect without either side knowing about the other (spec.md §4.4). The
// dispatcher never imports a specific implementation; it looks one up in
// the Registry by dialect name.
type Transformer interface {
	// ParseRequest decodes a client request body in this dialect into the
	// dialect-neutral UnifiedRequest.
	ParseRequest(body []byte, incomingModel string) (*gateway.UnifiedRequest, error)

	// TransformRequest encodes a UnifiedRequest into this dialect's wire
	// request body, to be sent to a provider that speaks this dialect.
	TransformRequest(req *gateway.UnifiedRequest) (json.RawMessage, error)

	// TransformResponse decodes a non-streaming provider response body in
	// this dialect into the dialect-neutral UnifiedResponse.
	TransformResponse(body []byte, req *gateway.UnifiedRequest) (*gateway.UnifiedResponse, error)

	// FormatResponse encodes a UnifiedResponse into this dialect's
	// non-streaming wire response body, to be sent back to a client that
	// speaks this dialect.
	FormatResponse(resp *gateway.UnifiedResponse) (json.RawMessage, error)

	// TransformStream consumes one provider-native SSE line (already split
	// by internal/sse) in this dialect and updates state in place,
	// returning the dialect-neutral chunk it represents, or ok=false for
	// lines that carry no client-visible delta (e.g. a ping).
	TransformStream(line string, state *StreamState) (chunk StreamChunk, ok bool, err error)

	// FormatStream encodes a StreamChunk as this dialect's outbound SSE
	// frame(s) (one or more "event:"/"data:" lines, newline-terminated).
	FormatStream(chunk StreamChunk, state *StreamState) (string, error)

	// Endpoint returns the path suffix (relative to the provider's base
	// URL) this dialect expects for the given model and streaming mode,
	// e.g. "/chat/completions", "/messages", "/models/x:generateContent".
	Endpoint(model string, streaming bool) string
}

// registry holds the three built-in dialect transformers, keyed by
// gateway.APIType. Dialect implementations register themselves from an
// init() in their own package so the dispatcher only ever imports this
// package, never a specific dialect (spec.md §9 "Dispatcher never imports a
// specific transformer").
var registry = make(map[gateway.APIType]Transformer)

// Register installs t as the transformer for dialect. Intended to be
// called from a dialect subpackage's init().
func Register(dialect gateway.APIType, t Transformer) {
	registry[dialect] = t
}

// Get returns the registered transformer for dialect, or an error if none
// is registered.
func Get(dialect gateway.APIType) (Transformer, error) {
	t, ok := registry[dialect]
	if !ok {
		return nil, fmt.Errorf("transform: no transformer registered for dialect %q", dialect)
	}
	return t, nil
}
