// Package server implements the HTTP transport layer for the api-manager
// gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Dolores18/api-manager/internal/app"
	"github.com/Dolores18/api-manager/internal/storage"
	"github.com/Dolores18/api-manager/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Dispatcher *app.Dispatcher
	Admitter   *app.Admitter
	Providers  storage.ProviderStore
	Pricing    storage.PricingStore
	ReadyCheck ReadyChecker       // nil = always ready (for tests)
	Metrics    *telemetry.Metrics // nil = no metrics middleware
	MetricsH   http.Handler       // handler for GET /metrics; nil disables the route
	CORS       []string           // allowed origins; empty disables CORS headers
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if len(deps.CORS) > 0 {
		r.Use(s.cors)
	}
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsH != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsH)
	}

	// Client-facing API -- OpenAI-format chat
	r.Post("/v1/chat/completions", s.handleChatCompletion)

	// Provider management
	r.Post("/v1/providers", s.handleAdmitProvider)
	r.Post("/v1/providers/batch", s.handleAdmitBatch)
	r.Get("/v1/providers", s.handleListProviders)

	// Model pricing
	r.Post("/v1/pricing", s.handleCreatePricing)
	r.Get("/v1/pricing", s.handleListPricing)
	r.Get("/v1/pricing/{name}/{model}", s.handleGetPricing)
	r.Put("/v1/pricing/{name}/{model}", s.handleUpdatePricing)

	return r
}

type server struct {
	deps Deps
}
