// Package router resolves a requested model id (alias or direct
// "provider/model" syntax) to a concrete target, applying cooldown
// filtering and the model's selector (spec.md §4.1). It is grounded on the
// teacher's internal/app.RouterService: an otter cache of resolved targets
// sitting in front of the configured model/provider tables, generalized
// here from a DB-backed route store to the in-memory config snapshot
// (providers and models come from YAML, not SQL, per spec.md's own listing
// of the YAML config loader as an out-of-scope collaborator).
package router

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/cooldown"
)

// resolveCacheTTL mirrors the teacher's routeCacheTTL: short enough to pick
// up config reloads quickly, long enough to amortize the healthy-target
// filter on a hot alias.
const resolveCacheTTL = 10 * time.Second

// Resolved is the router's output: a concrete target plus the
// configuration needed to dispatch to it.
type Resolved struct {
	Provider       gateway.ProviderConfig
	Model          string // upstream model name
	CanonicalModel string // id of the matched models[] entry
	IncomingAlias  string // the alias the caller actually requested
}

// Router resolves model ids to concrete, healthy targets.
type Router struct {
	providers map[string]gateway.ProviderConfig
	models    map[string]gateway.ModelConfig // keyed by id and by every additional alias
	cooldowns *cooldown.Manager

	cache *otter.Cache[string, []gateway.RouteTarget]
}

// New builds a Router from the resolved provider/model configuration.
func New(providers []gateway.ProviderConfig, models []gateway.ModelConfig, cooldowns *cooldown.Manager) *Router {
	providerMap := make(map[string]gateway.ProviderConfig, len(providers))
	for _, p := range providers {
		providerMap[p.ID] = p
	}

	modelMap := make(map[string]gateway.ModelConfig, len(models)*2)
	for _, m := range models {
		modelMap[m.ID] = m
		for _, alias := range m.AdditionalAliases {
			modelMap[alias] = m
		}
	}

	cache := otter.Must(&otter.Options[string, []gateway.RouteTarget]{
		MaximumSize:      512,
		ExpiryCalculator: otter.ExpiryWriting[string, []gateway.RouteTarget](resolveCacheTTL),
	})

	return &Router{providers: providerMap, models: modelMap, cooldowns: cooldowns, cache: cache}
}

// Resolve implements spec.md §4.1's algorithm. accountFor, when non-nil, is
// consulted for cooldown filtering on OAuth-account-pooled providers.
func (r *Router) Resolve(ctx context.Context, requestedModel string, accountFor func(provider string) string) (*Resolved, error) {
	if provider, model, ok := strings.Cut(requestedModel, "/"); ok {
		return r.resolveDirect(provider, model)
	}
	return r.resolveAlias(ctx, requestedModel, accountFor)
}

// resolveDirect handles the "provider/model" syntax (spec.md §4.1 step 1).
func (r *Router) resolveDirect(providerID, model string) (*Resolved, error) {
	p, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", providerID, gateway.ErrModelNotFound)
	}
	if !p.Enabled {
		return nil, fmt.Errorf("provider %q: %w", providerID, gateway.ErrProviderDisabled)
	}
	return &Resolved{Provider: p, Model: model, CanonicalModel: model, IncomingAlias: providerID + "/" + model}, nil
}

// resolveAlias handles alias/additional_aliases lookup, cooldown filtering,
// and selector application (spec.md §4.1 steps 2-4).
func (r *Router) resolveAlias(ctx context.Context, alias string, accountFor func(string) string) (*Resolved, error) {
	modelCfg, ok := r.models[alias]
	if !ok {
		return nil, fmt.Errorf("alias %q: %w", alias, gateway.ErrModelNotFound)
	}
	if len(modelCfg.Targets) == 0 {
		return nil, fmt.Errorf("alias %q: %w", alias, gateway.ErrNoHealthyTarget)
	}

	// The healthy-target computation re-walks the cooldown table on every
	// call; cache the result briefly per alias so a hot route doesn't pay
	// that cost on every request, matching the teacher's resolved-route
	// cache (internal/app.RouterService).
	healthy, ok := r.cache.GetIfPresent(alias)
	if !ok {
		healthy = r.cooldowns.FilterHealthyTargets(modelCfg.Targets, accountFor)
		r.cache.Set(alias, healthy)
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("alias %q: %w", alias, gateway.ErrNoHealthyTarget)
	}

	target, err := r.selectTarget(modelCfg, healthy)
	if err != nil {
		return nil, err
	}

	p, ok := r.providers[target.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", target.Provider, gateway.ErrModelNotFound)
	}
	if !p.Enabled {
		return nil, fmt.Errorf("provider %q: %w", target.Provider, gateway.ErrProviderDisabled)
	}

	return &Resolved{
		Provider:       p,
		Model:          target.Model,
		CanonicalModel: modelCfg.ID,
		IncomingAlias:  alias,
	}, nil
}

// ModelConfig looks up a model's full configuration by its canonical id
// (never by an additional alias, matching how Resolved.CanonicalModel is
// always the models[] entry's own id).
func (r *Router) ModelConfig(canonicalModel string) (gateway.ModelConfig, bool) {
	m, ok := r.models[canonicalModel]
	if !ok || m.ID != canonicalModel {
		return gateway.ModelConfig{}, false
	}
	return m, true
}

// ListModels returns every configured model exactly once, deduplicated
// across the alias-keyed lookup map.
func (r *Router) ListModels() []gateway.ModelConfig {
	seen := make(map[string]struct{}, len(r.models))
	out := make([]gateway.ModelConfig, 0, len(r.models))
	for _, m := range r.models {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// selectTarget picks the first healthy target unless a selector overrides
// it. Only "random" is implemented; any other selector name fails with
// ErrSelectorNotImplemented (spec.md §4.1 step 3).
func (r *Router) selectTarget(modelCfg gateway.ModelConfig, healthy []gateway.RouteTarget) (gateway.RouteTarget, error) {
	switch modelCfg.Selector {
	case "":
		return healthy[0], nil
	case "random":
		return healthy[rand.IntN(len(healthy))], nil
	default:
		return gateway.RouteTarget{}, fmt.Errorf("selector %q: %w", modelCfg.Selector, gateway.ErrSelectorNotImplemented)
	}
}
