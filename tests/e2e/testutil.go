package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/duneforge/workforce/internal/archive"
	"github.com/duneforge/workforce/internal/control"
	"github.com/duneforge/workforce/internal/lineage"
	"github.com/duneforge/workforce/internal/mission"
	"github.com/duneforge/workforce/internal/planner"
	"github.com/duneforge/workforce/internal/provider"
	"github.com/duneforge/workforce/internal/registry"
	"github.com/duneforge/workforce/internal/scheduler"
	"github.com/duneforge/workforce/internal/toolgate"
)

// Package-level shared state, set by TestMain.
var (
	testLogger   *zap.Logger
	testArchive  *archive.Store
	testLineage  *lineage.Store
	testRedisURL string
)

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("workforce_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

type fakeReasoner struct {
	reply string
}

func (f *fakeReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	return f.reply, nil
}

type stubBackend struct {
	reply string
}

func (s *stubBackend) ID() string   { return "stub" }
func (s *stubBackend) Name() string { return "Stub" }

func (s *stubBackend) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Content: s.reply, FinishReason: "stop"}, nil
}

func (s *stubBackend) HealthCheck(ctx context.Context) error { return nil }

// newStack wires a full in-process controller around a scripted plan and
// backend, with the given attachments observing every mission.
func newStack(t *testing.T, planReply string, attached []control.Attachment) (*control.Controller, *registry.Registry) {
	t.Helper()

	reg := registry.New(testLogger)
	if err := reg.Register(&mission.Worker{
		Name:        "Scribe",
		Description: "general purpose worker",
		ToolScopes:  []string{"read_file", "write_file"},
	}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	router := provider.NewRouter(testLogger)
	router.Register(&stubBackend{reply: "task complete"})

	gate := toolgate.New(reg, 100, time.Minute, testLogger)
	plan := planner.New(&fakeReasoner{reply: planReply}, testLogger)
	cfg := scheduler.Config{BaseBackoff: time.Millisecond, TaskTimeout: 10 * time.Second}

	return control.New(reg, plan, router, gate, cfg, attached, testLogger), reg
}

// completedSnapshot builds a settled mission snapshot for persistence
// round-trip tests that bypass the controller.
func completedSnapshot(id string) mission.Snapshot {
	st := mission.NewStore(id, "archive round trip", testLogger)
	st.SetPlan([]*mission.Task{
		{ID: "t1", Description: "collect", Requires: []string{mission.TagGeneral}},
		{ID: "t2", Description: "report", Requires: []string{mission.TagGeneral}, DependsOn: []string{"t1"}},
	})
	st.AddWorker(&mission.Worker{ID: "w1", Name: "Scribe", Description: "worker", ToolScopes: []string{"read_file"}})

	st.Assign("t1", "w1")
	st.Start("t1")
	st.Complete("t1", "collected")
	st.Assign("t2", "w1")
	st.Start("t2")
	st.Complete("t2", "reported")
	st.Finalize()
	return st.Snapshot()
}
