// Package dispatcher implements the single end-to-end upstream call (spec.md
// §4.2): dialect/transformer selection, OAuth account rotation, the
// pass-through optimization, URL and header construction, upstream dispatch,
// and failure classification into the cooldown manager. It is grounded on
// the teacher's internal/app.ProxyService -- circuit-breaker integration and
// client-error classification are kept; the priority-failover loop is
// replaced by the router's
// single resolved target plus OAuth-account rotation, since spec.md's
// routing model resolves one target and retries are the caller's concern.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/circuitbreaker"
	"github.com/eugener/plexus/internal/cooldown"
	"github.com/eugener/plexus/internal/provider"
	"github.com/eugener/plexus/internal/router"
	"github.com/eugener/plexus/internal/sse"
	"github.com/eugener/plexus/internal/transform"
)

// Credential is a single OAuth account's bearer token.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// CredentialSource resolves an OAuth account id to its current credential.
// Token refresh itself is out of scope here; implementations are expected
// to keep credentials fresh out of band (e.g. a background refresher using
// golang.org/x/oauth2), matching spec.md's framing of OAuth accounts as
// pre-provisioned pool members rather than a per-request auth-code flow.
type CredentialSource interface {
	Credential(ctx context.Context, provider, accountID string) (Credential, error)
}

// accountRotator tracks the monotonic round-robin index for one provider's
// OAuth account pool (spec.md §4.2 "OAuth account rotation").
type accountRotator struct {
	idx uint64
}

func (r *accountRotator) next(poolSize int) int {
	return int(atomic.AddUint64(&r.idx, 1)-1) % poolSize
}

// Dispatcher executes one upstream call for an already-router-resolved
// target.
type Dispatcher struct {
	router      *router.Router
	cooldowns   *cooldown.Manager
	breakers    *circuitbreaker.Registry
	credentials CredentialSource
	http        *http.Client
	log         *slog.Logger

	rotatorsMu sync.Mutex
	rotators   map[string]*accountRotator
}

// New builds a Dispatcher. breakers and credentials may be nil to disable
// circuit breaking / OAuth support respectively.
func New(r *router.Router, cooldowns *cooldown.Manager, breakers *circuitbreaker.Registry, credentials CredentialSource, resolver *dnscache.Resolver, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		router:      r,
		cooldowns:   cooldowns,
		breakers:    breakers,
		credentials: credentials,
		http:        &http.Client{Transport: provider.NewTransport(resolver, true)},
		log:         log,
		rotators:    make(map[string]*accountRotator),
	}
}

// AllAccountsCoolingError reports that every account in an OAuth pool is
// currently cooling, with remaining time per account.
type AllAccountsCoolingError struct {
	Provider          string
	RemainingByAccount map[string]int64
}

func (e *AllAccountsCoolingError) Error() string {
	return fmt.Sprintf("dispatcher: all oauth accounts cooling for provider %q", e.Provider)
}

func (e *AllAccountsCoolingError) Unwrap() error { return gateway.ErrAllAccountsCooling }

// Dispatch resolves dialect/transformer, performs OAuth rotation, builds and
// sends the upstream request, and returns a dialect-neutral response. For
// streaming requests the returned UnifiedResponse.Stream holds the raw
// upstream body; the caller is responsible for driving it through
// internal/sse and the upstream transformer's TransformStream.
func (d *Dispatcher) Dispatch(ctx context.Context, resolved *router.Resolved, modelCfg gateway.ModelConfig, req *gateway.UnifiedRequest) (*gateway.UnifiedResponse, error) {
	// urlDialect drives api_base_url map lookup and the outbound header
	// scheme; it is independent of which transformer builds the wire body
	// (DESIGN.md Open Question (a): force_transformer never changes which
	// dialect's URL is used).
	urlDialect := selectDialect(modelCfg, resolved.Provider, req.IncomingAPIType)
	dialect := selectTransformerDialect(urlDialect, resolved.Provider)
	antigravity := urlDialect == gateway.DialectAntigravity

	var accountID string
	if d.credentials != nil && resolved.Provider.OAuthProvider != "" && len(resolved.Provider.OAuthAccountPool) > 0 {
		id, err := d.pickAccount(resolved.Provider, resolved.Model)
		if err != nil {
			return nil, err
		}
		accountID = id
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata["selected_oauth_account"] = accountID
	}

	xf, err := transform.Get(dialect)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrBadRequest, err)
	}

	passThrough := dialect == req.IncomingAPIType && resolved.Provider.ForceTransformer == "" && !antigravity && len(req.OriginalBody) > 0

	body, err := d.buildRequestBody(req, resolved, xf, passThrough)
	if err != nil {
		return nil, err
	}
	if antigravity {
		body = sse.WrapAntigravityRequest(body)
	}

	endpoint := xf.Endpoint(resolved.Model, req.Stream)
	url, err := resolveURL(resolved.Provider.BaseURL, urlDialect, endpoint)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: build request: %w", err)
	}
	if err := d.setHeaders(ctx, httpReq, resolved.Provider, urlDialect, accountID, req.Stream); err != nil {
		return nil, err
	}

	cbKey := resolved.Provider.ID
	if d.breakers != nil {
		if cb := d.breakers.Get(cbKey); cb != nil && !cb.Allow() {
			return nil, fmt.Errorf("%w: circuit breaker open for %s", gateway.ErrProviderError, cbKey)
		}
	}

	resp, err := d.http.Do(httpReq)
	if err != nil {
		d.recordBreakerError(cbKey, err)
		return nil, fmt.Errorf("%w: %w", gateway.ErrProviderError, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		d.classifyFailure(ctx, resolved, accountID, resp.StatusCode, errBody)
		d.recordBreakerError(cbKey, fmt.Errorf("status %d", resp.StatusCode))
		return nil, &gateway.UpstreamError{Status: resp.StatusCode, Body: errBody}
	}
	d.recordBreakerSuccess(cbKey)

	if req.Stream {
		stream := resp.Body
		if antigravity {
			if strings.Contains(resp.Header.Get("Content-Type"), sse.AntigravityEventStreamContentType) {
				stream = sse.NewAntigravityEventStreamUnwrapper(resp.Body)
			} else {
				stream = sse.NewAntigravityUnwrapper(resp.Body)
			}
		}
		return &gateway.UnifiedResponse{
			Model:                resolved.Model,
			Stream:               stream,
			BypassTransformation: passThrough,
			Plexus:               plexusMeta(resolved, modelCfg, dialect),
		}, nil
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: read response: %w", err)
	}
	if antigravity {
		respBody = sse.UnwrapAntigravityResponse(respBody)
	}

	unified, err := xf.TransformResponse(respBody, req)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: transform response: %w", err)
	}
	unified.BypassTransformation = passThrough
	unified.Plexus = plexusMeta(resolved, modelCfg, dialect)
	return unified, nil
}

// UpstreamDialect exposes the transformer dialect the dispatcher would
// choose for a given model/provider pairing, so callers can pick the right
// transformer to drive TransformStream for a streaming dispatch result.
func UpstreamDialect(modelCfg gateway.ModelConfig, p gateway.ProviderConfig, incoming gateway.APIType) gateway.APIType {
	return selectTransformerDialect(selectDialect(modelCfg, p, incoming), p)
}

// selectDialect picks the wire dialect used for api_base_url map lookup and
// outbound headers: the model/provider's declared dialect list, matched
// against the incoming dialect when possible. force_transformer does not
// affect this choice (DESIGN.md Open Question (a) -- the target dialect's
// URL is used, not the forced transformer's).
func selectDialect(modelCfg gateway.ModelConfig, p gateway.ProviderConfig, incoming gateway.APIType) gateway.APIType {
	available := modelCfg.AccessVia
	if len(available) == 0 {
		available = p.Type
	}
	for _, a := range available {
		if strings.EqualFold(a, string(incoming)) {
			return gateway.APIType(a)
		}
	}
	if len(available) > 0 {
		return gateway.APIType(available[0])
	}
	return incoming
}

// selectTransformerDialect picks the transformer that actually builds/parses
// the wire body. force_transformer overrides it when set; an antigravity
// provider type speaks Gemini's wire shape beneath its envelope, so it
// always resolves to the Gemini transformer absent an explicit override.
func selectTransformerDialect(urlDialect gateway.APIType, p gateway.ProviderConfig) gateway.APIType {
	if p.ForceTransformer != "" {
		return gateway.APIType(p.ForceTransformer)
	}
	if urlDialect == gateway.DialectAntigravity {
		return gateway.DialectGemini
	}
	return urlDialect
}

func (d *Dispatcher) buildRequestBody(req *gateway.UnifiedRequest, resolved *router.Resolved, xf transform.Transformer, passThrough bool) ([]byte, error) {
	var body map[string]any
	if passThrough {
		if err := json.Unmarshal(req.OriginalBody, &body); err != nil {
			return nil, fmt.Errorf("dispatcher: decode original body: %w", err)
		}
		body["model"] = resolved.Model
	} else {
		outReq := *req
		outReq.Model = resolved.Model
		raw, err := xf.TransformRequest(&outReq)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: transform request: %w", err)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("dispatcher: decode transformed body: %w", err)
		}
	}

	for k, v := range resolved.Provider.ExtraBody {
		body[k] = v
	}

	return json.Marshal(body)
}

func resolveURL(base gateway.BaseURL, dialect gateway.APIType, endpoint string) (string, error) {
	root, _ := base.Resolve(dialect)
	if root == "" {
		return "", fmt.Errorf("%w: no api_base_url configured", gateway.ErrProviderError)
	}
	root = strings.TrimRight(root, "/")
	if strings.HasPrefix(endpoint, "/") {
		return root + endpoint, nil
	}
	return root + "/" + endpoint, nil
}

// setHeaders builds the outbound headers per spec.md §4.2 "Headers".
func (d *Dispatcher) setHeaders(ctx context.Context, httpReq *http.Request, p gateway.ProviderConfig, dialect gateway.APIType, accountID string, stream bool) error {
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	if p.OAuthProvider != "" && accountID != "" {
		cred, err := d.credentials.Credential(ctx, p.ID, accountID)
		if err != nil {
			return fmt.Errorf("%w: %w", gateway.ErrOAuthExpired, err)
		}
		if !cred.ExpiresAt.IsZero() && time.Now().After(cred.ExpiresAt) {
			return fmt.Errorf("%w: account %s", gateway.ErrOAuthExpired, accountID)
		}
		if !cred.ExpiresAt.IsZero() && time.Until(cred.ExpiresAt) < 5*time.Minute {
			d.log.Warn("oauth credential nearing expiry", "provider", p.ID, "account", accountID)
		}
		httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	} else {
		switch dialect {
		case gateway.DialectMessages:
			httpReq.Header.Set("x-api-key", p.APIKey)
			httpReq.Header.Set("anthropic-version", "2023-06-01")
		case gateway.DialectGemini, gateway.DialectAntigravity:
			httpReq.Header.Set("x-goog-api-key", p.APIKey)
		default:
			httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
		}
	}

	for k, v := range p.Headers {
		httpReq.Header.Set(k, v)
	}
	return nil
}

// pickAccount advances the provider's rotator and skips cooling accounts.
func (d *Dispatcher) pickAccount(p gateway.ProviderConfig, model string) (string, error) {
	d.rotatorsMu.Lock()
	rot, ok := d.rotators[p.ID]
	if !ok {
		rot = &accountRotator{}
		d.rotators[p.ID] = rot
	}
	d.rotatorsMu.Unlock()

	pool := p.OAuthAccountPool
	remaining := make(map[string]int64, len(pool))
	for i := 0; i < len(pool); i++ {
		idx := rot.next(len(pool))
		account := pool[idx]
		key := gateway.CooldownKey{Provider: p.ID, Model: model, AccountID: account}
		if d.cooldowns.IsHealthy(key) {
			return account, nil
		}
		remaining[account] = d.cooldowns.RemainingSeconds(key)
	}
	return "", &AllAccountsCoolingError{Provider: p.ID, RemainingByAccount: remaining}
}

// classifyFailure marks a cooldown for statuses spec.md §4.2 names as
// retriable-after-cooldown: 5xx, 401, 403, 408, 429.
func (d *Dispatcher) classifyFailure(ctx context.Context, resolved *router.Resolved, accountID string, status int, body []byte) {
	retriable := status >= 500 || status == 401 || status == 403 || status == 408 || status == 429
	if !retriable {
		return
	}

	key := gateway.CooldownKey{Provider: resolved.Provider.ID, Model: resolved.Model, AccountID: accountID}
	var duration time.Duration
	if status == 429 {
		duration = d.cooldowns.ParseCooldownDuration(providerType(resolved.Provider), body)
	}
	d.cooldowns.MarkFailure(ctx, key, duration)
}

func providerType(p gateway.ProviderConfig) string {
	for _, t := range p.Type {
		switch gateway.APIType(t) {
		case gateway.DialectChat, gateway.DialectMessages, gateway.DialectGemini, gateway.DialectAntigravity:
		default:
			return t
		}
	}
	if len(p.Type) > 0 {
		return p.Type[0]
	}
	return ""
}

func (d *Dispatcher) recordBreakerSuccess(id string) {
	if d.breakers != nil {
		d.breakers.GetOrCreate(id).RecordSuccess()
	}
}

func (d *Dispatcher) recordBreakerError(id string, err error) {
	if d.breakers != nil {
		weight := circuitbreaker.ClassifyError(err)
		if weight > 0 {
			d.breakers.GetOrCreate(id).RecordError(weight)
		}
	}
}

func plexusMeta(resolved *router.Resolved, modelCfg gateway.ModelConfig, dialect gateway.APIType) gateway.PlexusMeta {
	meta := gateway.PlexusMeta{
		Provider:         resolved.Provider.ID,
		Model:            resolved.Model,
		APIType:          dialect,
		ProviderDiscount: resolved.Provider.Discount,
		CanonicalModel:   resolved.CanonicalModel,
	}
	if modelCfg.Pricing != nil {
		meta.Pricing = modelCfg.Pricing
	}
	return meta
}
