package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router holds every registered backend and routes requests by model
// preference. A preference ("fast", "deep", ...) is bound to a provider
// id; an unbound preference naming a provider directly also resolves.
// Routing is injected as policy, never hard-wired into callers.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	bindings  map[string]string   // preference -> provider id
	fallbacks map[string][]string // preference -> fallback chain
	defaults  string
	logger    *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a backend. The first registered backend becomes the
// default until SetDefault overrides it.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider",
		zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default backend id.
func (r *Router) SetDefault(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = id
}

// Bind maps a model preference to a provider id.
func (r *Router) Bind(preference, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[preference] = providerID
}

// SetFallbacks configures the fallback chain tried when the primary
// backend for a preference fails.
func (r *Router) SetFallbacks(preference string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[preference] = providerIDs
}

// Route sends a chat request to the backend bound to the preference,
// walking the fallback chain on failure.
func (r *Router) Route(ctx context.Context, preference string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.resolveLocked(preference)
	chain := r.fallbacks[preference]
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider available for preference %q", preference)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("preference", preference),
		zap.String("provider", primary.ID()),
		zap.Error(err))

	for _, fbID := range chain {
		r.mu.RLock()
		fb, ok := r.providers[fbID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed",
			zap.String("provider", fbID), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed for preference %q: %w", preference, err)
}

func (r *Router) resolveLocked(preference string) Provider {
	if pid, ok := r.bindings[preference]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[preference]; ok {
		return p
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// Get returns a backend by id.
func (r *Router) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// List returns all registered backends.
func (r *Router) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Reasoner adapts the router to a plain completion call against one
// preference. The planner consumes this.
type Reasoner struct {
	router     *Router
	preference string
	model      string
}

// NewReasoner creates a completion adapter for the given preference.
func NewReasoner(router *Router, preference, model string) *Reasoner {
	return &Reasoner{router: router, preference: preference, model: model}
}

// Complete sends a single-prompt request and returns the raw text reply.
func (a *Reasoner) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := a.router.Route(ctx, a.preference, &ChatRequest{
		Model:     a.model,
		Messages:  []Message{{Role: "user", Content: prompt}},
		MaxTokens: 2048,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
