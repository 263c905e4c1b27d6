// Package gateway defines the domain types and interfaces shared across the
// Plexus routing gateway. This package has no project imports -- it is the
// dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// --- API dialects ---

// APIType identifies an inference wire dialect.
type APIType string

const (
	DialectChat        APIType = "chat"        // OpenAI chat-completions
	DialectMessages    APIType = "messages"    // Anthropic messages
	DialectGemini      APIType = "gemini"      // Google Gemini
	DialectAntigravity APIType = "antigravity" // Gemini wire shape, {request:}/{response:} enveloped
)

// --- Unified request/response IR (spec.md §3) ---

// UnifiedMessage is a single dialect-neutral chat message.
type UnifiedMessage struct {
	Role    string          `json:"role"` // system, user, assistant, tool
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`

	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// UnifiedRequest is the dialect-neutral inference input the dispatcher
// carries from the moment the router resolves a target to the moment a
// transformer builds the upstream body.
type UnifiedRequest struct {
	Model           string // alias or "provider/model"
	IncomingAPIType APIType
	Messages        []UnifiedMessage

	Tools       json.RawMessage
	ToolChoice  json.RawMessage
	MaxTokens   *int
	Temperature *float64
	Stream      bool

	// Metadata is a free-form bag. The dispatcher writes
	// "selected_oauth_account" and, for Claude-Code detection, reads
	// "user_id" from here.
	Metadata map[string]any

	// OriginalBody is the raw parsed client body, retained so pass-through
	// dispatch can forward it verbatim when dialects match.
	OriginalBody json.RawMessage

	RequestID string
}

// Usage carries token accounting. Streaming transformers set (never add to)
// these fields whenever an upstream event reports a fresh cumulative total.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// PlexusMeta is the routing metadata attached to every UnifiedResponse.
type PlexusMeta struct {
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	APIType          APIType  `json:"apiType"`
	Pricing          *Pricing `json:"pricing,omitempty"`
	ProviderDiscount float64  `json:"providerDiscount,omitempty"`
	CanonicalModel   string   `json:"canonicalModel"`
}

// UnifiedResponse is the dialect-neutral inference output. Stream and
// Content are mutually exclusive: a streaming dispatch populates Stream and
// leaves Content nil.
type UnifiedResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`

	Content          *string         `json:"content"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
	Usage            Usage           `json:"usage"`

	// Stream holds the raw upstream body for streaming dispatches. The
	// caller is responsible for closing it.
	Stream io.ReadCloser `json:"-"`

	// BypassTransformation is true when the upstream body was forwarded
	// without transformation (incoming dialect == target dialect).
	BypassTransformation bool `json:"bypassTransformation,omitempty"`

	RawResponse json.RawMessage `json:"rawResponse,omitempty"`

	Plexus PlexusMeta `json:"plexus"`
}

// --- Provider / model configuration (spec.md §3) ---

// BaseURL models providerConfig.api_base_url, which in the source config may
// be either a bare string or a map keyed by dialect. See spec.md §9 "Dynamic
// maps" design note.
type BaseURL struct {
	Single     string            // set when the YAML value was a plain string
	PerDialect map[string]string // set when the YAML value was a map
}

// IsMap reports whether this BaseURL was configured as a per-dialect map.
func (b BaseURL) IsMap() bool { return b.PerDialect != nil }

// Resolve picks the URL for the given dialect per spec.md §4.2 "URL
// resolution": exact dialect match, else "default", else the first map
// entry (the caller should log a warning in that last case).
func (b BaseURL) Resolve(dialect APIType) (url string, usedFallback bool) {
	if !b.IsMap() {
		return b.Single, false
	}
	if u, ok := b.PerDialect[string(dialect)]; ok {
		return u, false
	}
	if u, ok := b.PerDialect["default"]; ok {
		return u, true
	}
	for _, u := range b.PerDialect {
		return u, true
	}
	return "", true
}

// Pricing holds per-million-token rates for cost computation.
type Pricing struct {
	InputPerMTok  float64 `json:"input_per_mtok,omitempty"`
	OutputPerMTok float64 `json:"output_per_mtok,omitempty"`
}

// ProviderConfig represents a configured upstream LLM provider.
type ProviderConfig struct {
	ID   string
	Name string

	Type    []string // supported dialects, e.g. ["chat"], ["messages","gemini"]
	BaseURL BaseURL

	APIKey string // resolved from ${VAR} expansion; never logged

	OAuthProvider    string
	OAuthAccountPool []string

	ForceTransformer string // empty = use dialect selection

	Headers   map[string]string
	ExtraBody map[string]any
	Discount  float64

	Enabled bool
	Models  []string
}

// SupportsDialect reports whether d appears (case-insensitively) in the
// provider's declared Type list.
func (p *ProviderConfig) SupportsDialect(d APIType) bool {
	for _, t := range p.Type {
		if strings.EqualFold(t, string(d)) {
			return true
		}
	}
	return false
}

// RouteTarget is a single provider/model pair a model alias may resolve to.
type RouteTarget struct {
	Provider string
	Model    string
}

// ModelConfig is a routable model alias entry.
type ModelConfig struct {
	ID                string
	Targets           []RouteTarget // first entry wins unless a selector overrides
	AdditionalAliases []string
	Pricing           *Pricing
	AccessVia         []string // restricts which dialects may reach this model
	Selector          string   // "", or "random"; anything else is unimplemented
}

// --- Cooldown (spec.md §3, §4.3) ---

// CooldownKey is the composite key identifying a cooling-down target.
// AccountID is empty for provider-level (non-OAuth) cooldowns.
type CooldownKey struct {
	Provider  string
	Model     string
	AccountID string
}

// CooldownEntry is a persisted cooldown row.
type CooldownEntry struct {
	CooldownKey
	ExpiryEpochMs int64
	CreatedAt     time.Time
}

// --- Usage metering (spec.md §6 request_usage) ---

// UsageRecord is a request-scoped metering row, written exactly once per
// terminated request.
type UsageRecord struct {
	RequestID          string
	Date               string // YYYY-MM-DD, for cheap daily rollups
	SourceIP           string
	APIKey             string // key name, not the raw secret
	IncomingAPIType    APIType
	Provider           string
	IncomingModelAlias string
	SelectedModelName  string
	OutgoingAPIType    APIType
	TokensInput        int
	TokensOutput       int
	TokensReasoning    int
	TokensCached       int
	CostTotal          float64
	StartTime          time.Time
	DurationMs         int64
	TTFTMs             int64 // time to first token; 0 for non-streamed
	TokensPerSec       float64
	IsStreamed         bool
	ResponseStatus     string // "success", "error", "HTTP <code>", "client_disconnect"
}

// --- A2A task engine (spec.md §3, §4.7) ---

// TaskState is an A2A task lifecycle state.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input-required"
	TaskAuthRequired  TaskState = "auth-required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
	TaskCanceled      TaskState = "canceled"
	TaskRejected      TaskState = "rejected"
)

// Terminal reports whether s admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled, TaskRejected:
		return true
	}
	return false
}

// taskTransitions enumerates the allowed edges of the lifecycle graph in
// spec.md §4.7. A transition is legal if the destination is listed for the
// source state.
var taskTransitions = map[TaskState][]TaskState{
	TaskSubmitted: {
		TaskWorking, TaskInputRequired, TaskAuthRequired,
		TaskCompleted, TaskFailed, TaskCanceled, TaskRejected,
	},
	TaskWorking: {
		TaskCompleted, TaskFailed, TaskCanceled,
		TaskInputRequired, TaskAuthRequired,
	},
	TaskInputRequired: {TaskWorking, TaskCanceled},
	TaskAuthRequired:  {TaskWorking, TaskCanceled},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.Terminal() {
		return false
	}
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskStatus is the embedded status object on an A2ATask.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// A2ATask is a single agent task and its current lifecycle state.
type A2ATask struct {
	ID               string
	ContextID        string
	OwnerKey         string
	OwnerAttribution string
	AgentID          string

	Status TaskStatus

	Artifacts json.RawMessage
	Metadata  json.RawMessage

	// RequestMessage is the byte-exact request body, retained for
	// idempotency comparison.
	RequestMessage json.RawMessage

	IdempotencyKey string // scoped sha256, empty once cleared by the sweeper

	ErrorCode    string
	ErrorMessage string

	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CanceledAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// A2ATaskEvent is a single entry in a task's ordered, replayable event log.
type A2ATaskEvent struct {
	TaskID    string
	Sequence  int64 // 1-based, dense, strictly monotonic per task
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// A2APushAuth describes how the push worker should authenticate a webhook
// call. Exactly one non-empty mode applies.
type A2APushAuth struct {
	Mode    string            `json:"mode"` // "bearer", "headers", "hmac-sha256", ""
	Token   string            `json:"token,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Secret  string            `json:"secret,omitempty"`
}

// A2APushConfig is a registered push-notification webhook for a task.
// Authentication is persisted encrypted; callers see it decrypted.
type A2APushConfig struct {
	TaskID   string
	ConfigID string
	OwnerKey string
	Endpoint string

	Authentication *A2APushAuth

	Metadata json.RawMessage
	Enabled  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- Errors crossing the upstream boundary ---

// UpstreamError is returned when an upstream call completes with a non-2xx
// status. It carries enough information for failure classification and
// cooldown marking (internal/dispatcher) and for relaying the upstream
// status/body back to the client.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return "upstream error: status " + itoa(e.Status)
}

// HTTPStatus satisfies the classification interface consulted by
// failover/cooldown logic (mirrors provider.APIError in the teacher repo).
func (e *UpstreamError) HTTPStatus() int { return e.Status }

// itoa avoids pulling in strconv for this one error-string call site.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// --- Identity & scope (spec.md Glossary "Scope") ---

// Identity is the authenticated caller attached to request context. Plexus
// auth is a flat bearer scheme ("secret[:attribution]" or an admin key), not
// the teacher's org/team/role hierarchy: a caller is either a named API key
// (optionally carrying a free-form attribution tag for usage records) or the
// admin scope, which bypasses per-owner filtering everywhere.
type Identity struct {
	KeyName     string // stable key identifier, used as ownerKey and rate-limit bucket key
	Attribution string // optional free-form tag, recorded on UsageRecord
	IsAdmin     bool
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via
// mutation of the same pointer, avoiding a second context.WithValue +
// Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g. in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Plexus API keys.
const APIKeyPrefix = "plx_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// ScopedIdempotencyKey computes the per-owner idempotency key per spec.md
// Glossary: sha256(ownerKey + ":" + rawKey).
func ScopedIdempotencyKey(ownerKey, rawKey string) string {
	h := sha256.Sum256([]byte(ownerKey + ":" + rawKey))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
