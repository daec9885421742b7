package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duneforge/workforce/internal/archive"
	"github.com/duneforge/workforce/internal/control"
	"github.com/duneforge/workforce/internal/events"
	"github.com/duneforge/workforce/internal/lineage"
	"github.com/duneforge/workforce/internal/mission"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testArchive, err = archive.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "archive store: %v\n", err)
		os.Exit(1)
	}
	defer testArchive.Close()

	if err := testArchive.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		os.Exit(1)
	}
	defer neo4jCleanup()

	testLineage, err = lineage.NewStore(neo4jURI, "", "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineage store: %v\n", err)
		os.Exit(1)
	}
	defer testLineage.Close(ctx)

	os.Exit(m.Run())
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	snap := completedSnapshot(uuid.New().String())

	if err := testArchive.SaveMission(ctx, snap); err != nil {
		t.Fatalf("save mission: %v", err)
	}
	if err := testArchive.SaveTasks(ctx, snap.ID, snap.Tasks); err != nil {
		t.Fatalf("save tasks: %v", err)
	}
	for i, kind := range []mission.EventKind{mission.KindPlanGenerated, mission.KindTaskCompleted} {
		e := mission.LogEntry{Seq: uint64(i + 1), Timestamp: time.Now(), Kind: kind, TaskID: "t1"}
		if err := testArchive.AppendLog(ctx, snap.ID, e); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}
	// Duplicate seqs are silently ignored so the recorder can replay.
	dup := mission.LogEntry{Seq: 1, Timestamp: time.Now(), Kind: mission.KindTaskFailed}
	if err := testArchive.AppendLog(ctx, snap.ID, dup); err != nil {
		t.Fatalf("append duplicate: %v", err)
	}

	entries, err := testArchive.MissionLog(ctx, snap.ID, 0)
	if err != nil {
		t.Fatalf("mission log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != mission.KindPlanGenerated {
		t.Fatalf("duplicate seq overwrote original: %+v", entries[0])
	}

	tail, err := testArchive.MissionLog(ctx, snap.ID, 1)
	if err != nil {
		t.Fatalf("mission log tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Seq != 2 {
		t.Fatalf("after filter broken: %+v", tail)
	}

	recent, err := testArchive.RecentMissions(ctx, 10)
	if err != nil {
		t.Fatalf("recent missions: %v", err)
	}
	found := false
	for _, r := range recent {
		if r.ID == snap.ID && r.Status == mission.StatusCompleted {
			found = true
		}
	}
	if !found {
		t.Fatal("saved mission missing from recent list")
	}
}

func TestEventStreamFollow(t *testing.T) {
	ctx := context.Background()
	pub, err := events.NewPublisher(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()

	st := mission.NewStore(uuid.New().String(), "stream me", testLogger)
	pub.Attach(ctx, st)
	st.SetPlan([]*mission.Task{
		{ID: "t1", Description: "only task", Requires: []string{mission.TagGeneral}},
	})
	st.AddWorker(&mission.Worker{ID: "w1", Name: "Scribe", Description: "worker", ToolScopes: []string{"read_file"}})
	st.Assign("t1", "w1")
	st.Start("t1")
	st.Complete("t1", "done")
	st.Finalize()

	followCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var got []events.StreamEvent
	for ev := range pub.Follow(followCtx, st.ID()) {
		got = append(got, ev)
		if ev.Kind == mission.KindTaskCompleted {
			break
		}
	}
	if len(got) == 0 {
		t.Fatal("no events on stream")
	}
	if got[0].Kind != mission.KindPlanGenerated {
		t.Fatalf("first event should be the plan, got %s", got[0].Kind)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("stream order broken: seq %d after %d", got[i].Seq, got[i-1].Seq)
		}
	}
}

func TestLineageRecordAndHistory(t *testing.T) {
	ctx := context.Background()
	snap := completedSnapshot(uuid.New().String())

	if err := testLineage.RecordMission(ctx, snap); err != nil {
		t.Fatalf("record mission: %v", err)
	}
	// Recording twice must not duplicate nodes.
	if err := testLineage.RecordMission(ctx, snap); err != nil {
		t.Fatalf("record mission again: %v", err)
	}

	history, err := testLineage.WorkerHistory(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("worker history: %v", err)
	}
	found := false
	for _, id := range history {
		if id == snap.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("mission %s missing from worker history %v", snap.ID, history)
	}
}

// Full pipeline: launch through the controller with every attachment
// wired, then verify each backing store saw the mission.
func TestMissionPipelinePersists(t *testing.T) {
	ctx := context.Background()

	pub, err := events.NewPublisher(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()

	attached := []control.Attachment{
		archive.NewRecorder(testArchive, testLogger),
		pub,
		testLineage,
	}
	ctrl, reg := newStack(t, `{"tasks":[
		{"id":"t1","description":"gather sources"},
		{"id":"t2","description":"write summary","depends_on":["t1"]}
	]}`, attached)

	id, err := ctrl.Launch(ctx, "summarize the sources")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := ctrl.Wait(waitCtx, id); err != nil {
		t.Fatalf("wait: %v", err)
	}

	st, _ := ctrl.Store(id)
	if got := st.Snapshot().Status; got != mission.StatusCompleted {
		t.Fatalf("mission did not complete: %s", got)
	}

	// Attachments persist asynchronously after the terminal event.
	deadline := time.Now().Add(15 * time.Second)
	var entries []mission.LogEntry
	for time.Now().Before(deadline) {
		entries, err = testArchive.MissionLog(ctx, id, 0)
		if err == nil && len(entries) > 0 {
			if last := entries[len(entries)-1]; last.Kind == mission.KindTaskCompleted {
				break
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	if len(entries) == 0 {
		t.Fatal("archive never received the activity log")
	}
	if entries[0].Kind != mission.KindPlanGenerated {
		t.Fatalf("log should start with the plan, got %s", entries[0].Kind)
	}

	streamCtx, streamCancel := context.WithTimeout(ctx, 15*time.Second)
	defer streamCancel()
	sawCompletion := false
	for ev := range pub.Follow(streamCtx, id) {
		if ev.Kind == mission.KindTaskCompleted && ev.TaskID == "t2" {
			sawCompletion = true
			streamCancel()
		}
	}
	if !sawCompletion {
		t.Fatal("redis stream never carried the final completion")
	}

	workerID := reg.List()[0].ID
	var history []string
	for time.Now().Before(deadline) {
		history, err = testLineage.WorkerHistory(ctx, workerID, 10)
		if err == nil && containsString(history, id) {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !containsString(history, id) {
		t.Fatalf("lineage missing mission %s for worker %s", id, workerID)
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
