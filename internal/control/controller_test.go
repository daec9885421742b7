package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duneforge/workforce/internal/mission"
	"github.com/duneforge/workforce/internal/planner"
	"github.com/duneforge/workforce/internal/provider"
	"github.com/duneforge/workforce/internal/registry"
	"github.com/duneforge/workforce/internal/scheduler"
	"github.com/duneforge/workforce/internal/toolgate"
	"go.uber.org/zap"
)

type fakeReasoner struct {
	reply string
	err   error
}

func (f *fakeReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	return f.reply, f.err
}

// stubBackend answers every chat with a fixed final message, or blocks
// until cancellation when block is set.
type stubBackend struct {
	reply string
	block bool
}

func (s *stubBackend) ID() string   { return "stub" }
func (s *stubBackend) Name() string { return "Stub" }

func (s *stubBackend) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &provider.ChatResponse{Content: s.reply, FinishReason: "stop"}, nil
}

func (s *stubBackend) HealthCheck(ctx context.Context) error { return nil }

const twoTaskPlan = `{"tasks":[
	{"id":"t1","description":"gather input"},
	{"id":"t2","description":"summarize","depends_on":["t1"]}
]}`

func newTestController(t *testing.T, planReply string, backend provider.Provider) *Controller {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New(logger)
	if err := reg.Register(&mission.Worker{
		Name:        "Scribe",
		Description: "writes things down",
		ToolScopes:  []string{"read_file"},
	}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	router := provider.NewRouter(logger)
	router.Register(backend)

	gate := toolgate.New(reg, 100, time.Minute, logger)
	plan := planner.New(&fakeReasoner{reply: planReply}, logger)

	cfg := scheduler.Config{BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, TaskTimeout: time.Second}
	return New(reg, plan, router, gate, cfg, nil, logger)
}

func TestLaunchRunsMissionToCompletion(t *testing.T) {
	ctrl := newTestController(t, twoTaskPlan, &stubBackend{reply: "all done"})

	id, err := ctrl.Launch(context.Background(), "write a report")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Wait(ctx, id); err != nil {
		t.Fatalf("wait: %v", err)
	}

	st, err := ctrl.Store(id)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	snap := st.Snapshot()
	if snap.Status != mission.StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	t2, _ := st.Task("t2")
	if t2.Result != "all done" {
		t.Fatalf("unexpected result: %q", t2.Result)
	}
}

func TestLaunchRejectsBadPlan(t *testing.T) {
	ctrl := newTestController(t, "I cannot help with that.", &stubBackend{reply: "x"})

	_, err := ctrl.Launch(context.Background(), "do something")
	if !errors.Is(err, planner.ErrMalformedPlan) {
		t.Fatalf("expected malformed plan, got %v", err)
	}
	if got := len(ctrl.Snapshots()); got != 0 {
		t.Fatalf("failed launch must not create a mission, have %d", got)
	}
}

func TestLookupUnknownMission(t *testing.T) {
	ctrl := newTestController(t, twoTaskPlan, &stubBackend{reply: "x"})

	if _, err := ctrl.Store("nope"); !errors.Is(err, ErrUnknownMission) {
		t.Fatalf("store: %v", err)
	}
	if err := ctrl.Abort("nope", "why not"); !errors.Is(err, ErrUnknownMission) {
		t.Fatalf("abort: %v", err)
	}
	if err := ctrl.Wait(context.Background(), "nope"); !errors.Is(err, ErrUnknownMission) {
		t.Fatalf("wait: %v", err)
	}
}

func TestAbortRunningMission(t *testing.T) {
	ctrl := newTestController(t, twoTaskPlan, &stubBackend{block: true})

	id, err := ctrl.Launch(context.Background(), "never finishes")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := ctrl.Abort(id, "operator stop"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Wait(ctx, id); err != nil {
		t.Fatalf("wait: %v", err)
	}

	st, _ := ctrl.Store(id)
	if got := st.Snapshot().Status; got != mission.StatusFailed {
		t.Fatalf("aborted mission should be failed, got %s", got)
	}
}

func TestSnapshotsNewestFirst(t *testing.T) {
	ctrl := newTestController(t, twoTaskPlan, &stubBackend{reply: "ok"})

	first, err := ctrl.Launch(context.Background(), "first")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := ctrl.Launch(context.Background(), "second")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	snaps := ctrl.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 missions, got %d", len(snaps))
	}
	if snaps[0].ID != second || snaps[1].ID != first {
		t.Fatalf("wrong order: %s, %s", snaps[0].ID, snaps[1].ID)
	}
}

func TestShutdownDrainsMissions(t *testing.T) {
	ctrl := newTestController(t, twoTaskPlan, &stubBackend{block: true})

	id, err := ctrl.Launch(context.Background(), "long running")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctrl.Shutdown(ctx)

	st, _ := ctrl.Store(id)
	if got := st.Snapshot().Status; got != mission.StatusFailed {
		t.Fatalf("expected failed after shutdown, got %s", got)
	}
}

// countingBackend records how many chat calls are in flight at once.
type countingBackend struct {
	reply string
	delay time.Duration
	mu    sync.Mutex
	inUse int
	peak  int
}

func (c *countingBackend) ID() string   { return "stub" }
func (c *countingBackend) Name() string { return "Stub" }

func (c *countingBackend) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	c.mu.Lock()
	c.inUse++
	if c.inUse > c.peak {
		c.peak = c.inUse
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inUse--
		c.mu.Unlock()
	}()
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &provider.ChatResponse{Content: c.reply, FinishReason: "stop"}, nil
}

func (c *countingBackend) HealthCheck(ctx context.Context) error { return nil }

func TestConcurrentMissionsShareOneWorker(t *testing.T) {
	backend := &countingBackend{reply: "done", delay: 25 * time.Millisecond}
	ctrl := newTestController(t, twoTaskPlan, backend)

	first, err := ctrl.Launch(context.Background(), "first request")
	if err != nil {
		t.Fatalf("launch first: %v", err)
	}
	second, err := ctrl.Launch(context.Background(), "second request")
	if err != nil {
		t.Fatalf("launch second: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range []string{first, second} {
		if err := ctrl.Wait(ctx, id); err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		st, err := ctrl.Store(id)
		if err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
		if got := st.Snapshot().Status; got != mission.StatusCompleted {
			t.Fatalf("mission %s ended %s", id, got)
		}
	}

	backend.mu.Lock()
	peak := backend.peak
	backend.mu.Unlock()
	if peak != 1 {
		t.Fatalf("single registered worker ran %d chats at once", peak)
	}
}
