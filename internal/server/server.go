// Package server implements the HTTP transport layer for the Plexus
// gateway: dialect-specific inference routes, the A2A task protocol, and
// the system/admin endpoints, all grounded on the teacher's chi-based
// internal/server package.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/a2a"
	"github.com/eugener/plexus/internal/dispatcher"
	"github.com/eugener/plexus/internal/ratelimit"
	"github.com/eugener/plexus/internal/router"
	"github.com/eugener/plexus/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records API usage asynchronously; never blocks the request
// path (internal/worker.UsageRecorder satisfies this).
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// RateLimitConfig carries the effective window/ceiling values consulted by
// the rateLimit middleware (spec.md §4.6).
type RateLimitConfig struct {
	Window            time.Duration
	MaxRequests       int
	MaxStreamRequests int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       gateway.Authenticator
	Dispatcher *dispatcher.Dispatcher
	Router     *router.Router
	A2A        *a2a.Service

	Usage       UsageRecorder       // nil = no usage recording
	RateLimiter *ratelimit.Registry // nil = no rate limiting
	RateLimit   RateLimitConfig

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth).
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// /v1/models is explicitly public per spec.md §6's interface table,
	// unlike every other inference/A2A route.
	r.Get("/v1/models", s.handleListModels)

	// Dialect-neutral inference surface.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1beta/models/{model}:{action}", s.handleGenerateContent)
	})

	// A2A task protocol. The agent card is public per the A2A discovery
	// convention; every other A2A route requires auth.
	r.Get("/.well-known/agent-card.json", s.handleAgentCard)
	r.Route("/a2a", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.a2aVersion)
		r.Use(s.rateLimit)

		r.Get("/extendedAgentCard", s.handleExtendedAgentCard)
		r.Post("/message/send", s.handleMessageSend)
		r.Post("/message/stream", s.handleMessageStream)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskId}", s.handleGetTask)
		r.Post("/tasks/{taskId}/cancel", s.handleCancelTask)
		r.Get("/tasks/{taskId}/subscribe", s.handleSubscribe)
		r.Post("/tasks/{taskId}/subscribe", s.handleSubscribe)

		r.Post("/tasks/{taskId}/pushNotificationConfigs", s.handleCreatePushConfig)
		r.Get("/tasks/{taskId}/pushNotificationConfigs", s.handleListPushConfigs)
		r.Get("/tasks/{taskId}/pushNotificationConfigs/{configId}", s.handleGetPushConfig)
		r.Delete("/tasks/{taskId}/pushNotificationConfigs/{configId}", s.handleDeletePushConfig)
	})

	return r
}

type server struct {
	deps Deps
}
