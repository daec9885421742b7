// Package toolgate mediates every side-effecting action a worker
// performs. It enforces per-worker permission scopes, rate limits, and
// serializes conflicting operations on the same resource. The gateway
// owns no persistent state; it is a stateless mediator invoked per call.
package toolgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/duneforge/workforce/internal/provider"
	"go.uber.org/zap"
)

// ErrPermissionDenied is returned when a worker invokes a tool outside
// its scopes. Never retried.
var ErrPermissionDenied = errors.New("permission denied")

// ErrUnknownTool is returned for a tool id no backend provides.
var ErrUnknownTool = errors.New("unknown tool")

// ErrRateLimited is returned when a worker exceeds its invocation
// budget. Retry-eligible.
var ErrRateLimited = errors.New("rate limited")

// ErrorKind classifies a tool execution failure.
type ErrorKind int

const (
	// Permanent failures (invalid input, missing resource) fail the
	// task immediately.
	Permanent ErrorKind = iota
	// Transient failures (timeout, rate limit) are retry-eligible.
	Transient
)

// ToolError wraps an underlying tool backend failure with its
// classification.
type ToolError struct {
	Tool string
	Kind ErrorKind
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Handler executes one tool call.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one registered tool backend. ResourceKey derives the external
// resource an invocation touches (a cleaned file path, for file tools);
// invocations sharing a key are serialized. An empty key means the call
// needs no serialization. Locking is per resource key, never global, so
// unrelated invocations stay concurrent.
type Tool struct {
	ID          string
	Description string
	Parameters  any
	ResourceKey func(args json.RawMessage) string
	Handler     Handler
}

// ScopeResolver looks up a worker's permitted tool ids.
type ScopeResolver interface {
	ToolScopes(workerID string) ([]string, bool)
}

// Result is the outcome of a successful invocation.
type Result struct {
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Gateway routes tool invocations through permission, rate-limit and
// conflict checks.
type Gateway struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	scopes  ScopeResolver
	locks   map[string]chan struct{}
	lockMu  sync.Mutex
	limiter *limiter
	logger  *zap.Logger
}

// New creates a gateway. maxCalls invocations per worker are allowed in
// each sliding window; maxCalls <= 0 disables rate limiting.
func New(scopes ScopeResolver, maxCalls int, window time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		tools:   make(map[string]Tool),
		scopes:  scopes,
		locks:   make(map[string]chan struct{}),
		limiter: newLimiter(maxCalls, window),
		logger:  logger,
	}
}

// Register adds a tool backend.
func (g *Gateway) Register(t Tool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tools[t.ID] = t
	g.logger.Info("registered tool", zap.String("id", t.ID))
}

// ToolIDs returns all registered tool ids.
func (g *Gateway) ToolIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.tools))
	for id := range g.tools {
		out = append(out, id)
	}
	return out
}

// Definitions returns provider tool definitions for the given scopes, so
// a worker is only ever offered tools it may invoke.
func (g *Gateway) Definitions(scopes []string) []provider.Tool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var defs []provider.Tool
	for _, id := range scopes {
		t, ok := g.tools[id]
		if !ok {
			continue
		}
		defs = append(defs, provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        t.ID,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}

// Invoke executes a tool on behalf of a worker. Permission and rate
// checks run first; then invocations targeting the same resource are
// serialized, the second blocking until the first completes, so two
// workers can never interleave writes to one file.
func (g *Gateway) Invoke(ctx context.Context, workerID, toolID string, args json.RawMessage) (*Result, error) {
	g.mu.RLock()
	tool, ok := g.tools[toolID]
	g.mu.RUnlock()
	if !ok {
		return nil, &ToolError{Tool: toolID, Kind: Permanent, Err: ErrUnknownTool}
	}

	scopes, ok := g.scopes.ToolScopes(workerID)
	if !ok || !contains(scopes, toolID) {
		g.logger.Warn("tool invocation denied",
			zap.String("worker", workerID), zap.String("tool", toolID))
		return nil, fmt.Errorf("worker %s, tool %s: %w", workerID, toolID, ErrPermissionDenied)
	}

	if !g.limiter.allow(workerID) {
		return nil, &ToolError{Tool: toolID, Kind: Transient, Err: ErrRateLimited}
	}

	if tool.ResourceKey != nil {
		if key := tool.ResourceKey(args); key != "" {
			release, err := g.acquire(ctx, key)
			if err != nil {
				return nil, &ToolError{Tool: toolID, Kind: Transient, Err: err}
			}
			defer release()
		}
	}

	start := time.Now()
	out, err := tool.Handler(ctx, args)
	if err != nil {
		var terr *ToolError
		if errors.As(err, &terr) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &ToolError{Tool: toolID, Kind: Transient, Err: err}
		}
		return nil, &ToolError{Tool: toolID, Kind: Permanent, Err: err}
	}

	g.logger.Debug("tool invoked",
		zap.String("worker", workerID),
		zap.String("tool", toolID),
		zap.Duration("duration", time.Since(start)))
	return &Result{Output: out, Duration: time.Since(start)}, nil
}

// acquire takes the per-resource lock, honoring context cancellation
// while waiting. Each key gets a one-slot channel semaphore.
func (g *Gateway) acquire(ctx context.Context, key string) (func(), error) {
	g.lockMu.Lock()
	sem, ok := g.locks[key]
	if !ok {
		sem = make(chan struct{}, 1)
		g.locks[key] = sem
	}
	g.lockMu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Classify reports the retry classification of a gateway error.
func Classify(err error) (ErrorKind, bool) {
	var terr *ToolError
	if errors.As(err, &terr) {
		return terr.Kind, true
	}
	if errors.Is(err, ErrPermissionDenied) {
		return Permanent, true
	}
	return Permanent, false
}
