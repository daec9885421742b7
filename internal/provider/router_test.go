package provider

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

type scriptedProvider struct {
	id    string
	reply string
	err   error
	calls atomic.Int32
}

func (p *scriptedProvider) ID() string   { return p.id }
func (p *scriptedProvider) Name() string { return p.id }

func (p *scriptedProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &ChatResponse{Content: p.reply, FinishReason: "stop"}, nil
}

func (p *scriptedProvider) HealthCheck(ctx context.Context) error { return nil }

func TestRouteByBinding(t *testing.T) {
	r := NewRouter(zap.NewNop())
	fast := &scriptedProvider{id: "fast-1", reply: "from fast"}
	deep := &scriptedProvider{id: "deep-1", reply: "from deep"}
	r.Register(fast)
	r.Register(deep)
	r.Bind("fast", "fast-1")
	r.Bind("deep", "deep-1")

	resp, err := r.Route(context.Background(), "deep", &ChatRequest{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "from deep" {
		t.Fatalf("wrong provider answered: %q", resp.Content)
	}
	if fast.calls.Load() != 0 {
		t.Fatal("unbound provider was called")
	}
}

func TestRouteUnknownPreferenceUsesDefault(t *testing.T) {
	r := NewRouter(zap.NewNop())
	first := &scriptedProvider{id: "first", reply: "default answer"}
	r.Register(first)
	r.Register(&scriptedProvider{id: "second", reply: "other"})

	resp, err := r.Route(context.Background(), "nonsense", &ChatRequest{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "default answer" {
		t.Fatalf("expected first-registered default, got %q", resp.Content)
	}
}

func TestRouteWalksFallbackChain(t *testing.T) {
	r := NewRouter(zap.NewNop())
	broken := &scriptedProvider{id: "primary", err: errors.New("connection refused")}
	alsoBroken := &scriptedProvider{id: "backup-1", err: errors.New("still down")}
	healthy := &scriptedProvider{id: "backup-2", reply: "rescued"}
	r.Register(broken)
	r.Register(alsoBroken)
	r.Register(healthy)
	r.Bind("deep", "primary")
	r.SetFallbacks("deep", []string{"backup-1", "backup-2"})

	resp, err := r.Route(context.Background(), "deep", &ChatRequest{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "rescued" {
		t.Fatalf("fallback not used: %q", resp.Content)
	}
	if broken.calls.Load() != 1 || alsoBroken.calls.Load() != 1 {
		t.Fatal("fallback chain skipped a provider")
	}
}

func TestRouteAllProvidersFailed(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&scriptedProvider{id: "only", err: errors.New("boom")})

	_, err := r.Route(context.Background(), "only", &ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRouteEmptyRouter(t *testing.T) {
	r := NewRouter(zap.NewNop())
	_, err := r.Route(context.Background(), "anything", &ChatRequest{})
	if err == nil {
		t.Fatal("expected error on empty router")
	}
}

func TestRouteCancelledContextSkipsFallbacks(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &scriptedProvider{id: "primary", err: context.Canceled}
	backup := &scriptedProvider{id: "backup", reply: "should not run"}
	r.Register(primary)
	r.Register(backup)
	r.Bind("deep", "primary")
	r.SetFallbacks("deep", []string{"backup"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Route(ctx, "deep", &ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if backup.calls.Load() != 0 {
		t.Fatal("fallback tried after cancellation")
	}
}

func TestAPIErrorTransient(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, c := range cases {
		e := &APIError{Provider: "test", StatusCode: c.status}
		if got := e.Transient(); got != c.want {
			t.Errorf("status %d: transient = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestReasonerComplete(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&scriptedProvider{id: "planner", reply: `{"tasks":[]}`})

	reason := NewReasoner(r, "planner", "some-model")
	out, err := reason.Complete(context.Background(), "plan this")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"tasks":[]}` {
		t.Fatalf("unexpected reply: %q", out)
	}
}
