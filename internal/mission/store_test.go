package mission

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

func newTestStore() *Store {
	st := NewStore("m-1", "test request", zap.NewNop())
	st.SetPlan([]*Task{
		{ID: "t1", Description: "first", Requires: []string{TagGeneral}},
		{ID: "t2", Description: "second", Requires: []string{TagGeneral}, DependsOn: []string{"t1"}},
		{ID: "t3", Description: "third", Requires: []string{TagGeneral}, DependsOn: []string{"t1"}},
	})
	st.AddWorker(&Worker{ID: "w1", Name: "Alpha", Description: "generalist"})
	st.AddWorker(&Worker{ID: "w2", Name: "Beta", Description: "generalist"})
	return st
}

func TestAssignRejectsBusyWorker(t *testing.T) {
	st := newTestStore()

	if err := st.Assign("t1", "w1"); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if err := st.Assign("t2", "w1"); err == nil {
		t.Fatal("expected rejection for busy worker")
	}
	if err := st.Assign("t2", "w2"); err != nil {
		t.Fatalf("assign to idle worker: %v", err)
	}
}

func TestAssignRejectsNonPendingTask(t *testing.T) {
	st := newTestStore()

	if err := st.Assign("t1", "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := st.Assign("t1", "w2"); err == nil {
		t.Fatal("expected rejection for already-assigned task")
	}
}

// Two goroutines race to grab the same worker; exactly one must win.
func TestConcurrentAssignNoDoubleAssignment(t *testing.T) {
	for i := 0; i < 100; i++ {
		st := newTestStore()

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, task := range []string{"t2", "t3"} {
			wg.Add(1)
			go func(idx int, taskID string) {
				defer wg.Done()
				errs[idx] = st.Assign(taskID, "w1")
			}(j, task)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("iteration %d: expected exactly one successful assignment, got %d", i, wins)
		}
	}
}

func TestCompleteReleasesWorker(t *testing.T) {
	st := newTestStore()
	st.Assign("t1", "w1")
	st.Start("t1")
	st.Complete("t1", "done")

	task, _ := st.Task("t1")
	if task.Status != TaskCompleted || task.Result != "done" {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if err := st.Assign("t2", "w1"); err != nil {
		t.Fatalf("worker should be idle after completion: %v", err)
	}
}

func TestTerminalTasksAreImmutable(t *testing.T) {
	st := newTestStore()
	st.Assign("t1", "w1")
	st.Start("t1")
	st.Complete("t1", "first result")

	st.Fail("t1", &TaskError{Code: CodeCancelled, Message: "late abort"})
	st.Complete("t1", "second result")

	task, _ := st.Task("t1")
	if task.Status != TaskCompleted {
		t.Fatalf("terminal status changed to %s", task.Status)
	}
	if task.Result != "first result" {
		t.Fatalf("terminal result changed to %q", task.Result)
	}
}

func TestStartCountsAttempts(t *testing.T) {
	st := newTestStore()
	st.Assign("t1", "w1")
	st.Start("t1")
	st.Start("t1")
	st.Start("t1")

	task, _ := st.Task("t1")
	if task.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", task.Attempts)
	}
	if task.Status != TaskRunning {
		t.Fatalf("expected running, got %s", task.Status)
	}
}

func TestLogSeqStrictlyMonotonic(t *testing.T) {
	st := newTestStore()
	st.Assign("t1", "w1")
	st.Start("t1")
	st.RecordToolCall("t1", "w1", "read_file", nil)
	st.Complete("t1", "ok")
	st.Assign("t2", "w1")
	st.Start("t2")
	st.Fail("t2", &TaskError{Code: CodeToolError, Message: "boom"})
	st.Escalate("t2", "w1", map[string]any{"code": "tool_error"})

	entries := st.Log(0)
	if len(entries) == 0 {
		t.Fatal("expected log entries")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq != entries[i-1].Seq+1 {
			t.Fatalf("gap in seq: %d then %d", entries[i-1].Seq, entries[i].Seq)
		}
	}

	after := entries[2].Seq
	tail := st.Log(after)
	if len(tail) != len(entries)-3 {
		t.Fatalf("Log(after) returned %d entries, want %d", len(tail), len(entries)-3)
	}
}

func TestPropagateBlockedChain(t *testing.T) {
	st := NewStore("m-chain", "req", zap.NewNop())
	st.SetPlan([]*Task{
		{ID: "a", Description: "a", Requires: []string{TagGeneral}},
		{ID: "b", Description: "b", Requires: []string{TagGeneral}, DependsOn: []string{"a"}},
		{ID: "c", Description: "c", Requires: []string{TagGeneral}, DependsOn: []string{"b"}},
		{ID: "d", Description: "d", Requires: []string{TagGeneral}},
	})
	st.AddWorker(&Worker{ID: "w1", Name: "Alpha", Description: "generalist"})

	st.Assign("a", "w1")
	st.Start("a")
	st.Fail("a", &TaskError{Code: CodeToolError, Message: "boom"})

	blocked := st.PropagateBlocked()
	if len(blocked) != 2 {
		t.Fatalf("expected 2 blocked tasks, got %v", blocked)
	}
	for _, id := range []string{"b", "c"} {
		task, _ := st.Task(id)
		if task.Status != TaskBlocked {
			t.Errorf("task %s: expected blocked, got %s", id, task.Status)
		}
	}
	task, _ := st.Task("d")
	if task.Status != TaskPending {
		t.Errorf("independent task d should stay pending, got %s", task.Status)
	}
}

func TestReadyTasksFollowPlanOrder(t *testing.T) {
	st := newTestStore()

	ready := st.ReadyTasks()
	if len(ready) != 1 || ready[0].ID != "t1" {
		t.Fatalf("expected only t1 ready, got %v", ready)
	}

	st.Assign("t1", "w1")
	st.Start("t1")
	st.Complete("t1", "ok")

	ready = st.ReadyTasks()
	if len(ready) != 2 || ready[0].ID != "t2" || ready[1].ID != "t3" {
		t.Fatalf("expected t2,t3 in plan order, got %v", ready)
	}
}

func TestAbortRemainingPreservesCompleted(t *testing.T) {
	st := newTestStore()
	st.Assign("t1", "w1")
	st.Start("t1")
	st.Complete("t1", "kept")

	st.AbortRemaining("operator abort")

	t1, _ := st.Task("t1")
	if t1.Status != TaskCompleted || t1.Result != "kept" {
		t.Fatalf("completed result lost: %+v", t1)
	}
	for _, id := range []string{"t2", "t3"} {
		task, _ := st.Task(id)
		if task.Status != TaskFailed {
			t.Errorf("task %s: expected failed, got %s", id, task.Status)
		}
		if task.Error == nil || task.Error.Code != CodeCancelled {
			t.Errorf("task %s: expected cancelled error, got %+v", id, task.Error)
		}
	}
	if st.Snapshot().Status != StatusFailed {
		t.Fatalf("expected mission failed, got %s", st.Snapshot().Status)
	}
}

func TestReportPartialFailure(t *testing.T) {
	st := newTestStore()
	st.Assign("t1", "w1")
	st.Start("t1")
	st.Complete("t1", "ok")
	st.Assign("t2", "w1")
	st.Start("t2")
	st.Fail("t2", &TaskError{Code: CodeProviderError, Message: "provider down"})
	st.Assign("t3", "w1")
	st.Start("t3")
	st.Complete("t3", "ok")
	st.Finalize()

	r := st.Report()
	if r.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", r.Status)
	}
	if !r.PartialFailure {
		t.Fatal("expected partial failure to be surfaced")
	}
	if r.Completed != 2 || len(r.Failed) != 1 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.Failed[0].TaskID != "t2" || r.Failed[0].Code != CodeProviderError {
		t.Fatalf("unexpected failure detail: %+v", r.Failed[0])
	}
}

func TestFinalizeAllFailed(t *testing.T) {
	st := NewStore("m-fail", "req", zap.NewNop())
	st.SetPlan([]*Task{{ID: "a", Description: "a", Requires: []string{TagGeneral}}})
	st.AddWorker(&Worker{ID: "w1", Name: "Alpha", Description: "generalist"})
	st.Assign("a", "w1")
	st.Start("a")
	st.Fail("a", &TaskError{Code: CodeInternal, Message: "boom"})
	st.Finalize()

	if st.Snapshot().Status != StatusFailed {
		t.Fatalf("expected failed, got %s", st.Snapshot().Status)
	}
}

func TestWatchDeliversInOrder(t *testing.T) {
	st := newTestStore()
	events, cancel := st.Watch(Filter{}, 128)
	defer cancel()

	st.Assign("t1", "w1")
	st.Start("t1")
	st.Complete("t1", "ok")

	var last uint64
	for i := 0; i < 4; i++ {
		ev := <-events
		if ev.Seq < last {
			t.Fatalf("events out of order: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestWatchKindFilter(t *testing.T) {
	st := newTestStore()
	events, cancel := st.Watch(Filter{Kinds: []EventKind{KindTaskCompleted}}, 16)
	defer cancel()

	st.Assign("t1", "w1")
	st.Start("t1")
	st.RecordToolCall("t1", "w1", "read_file", nil)
	st.Complete("t1", "ok")

	// Drain: entry-bearing events must all be task_completed.
	cancel()
	for ev := range events {
		if ev.Entry != nil && ev.Entry.Kind != KindTaskCompleted {
			t.Fatalf("filter leaked kind %s", ev.Entry.Kind)
		}
	}
}

func TestWatchTaskFilterSlicesAggregate(t *testing.T) {
	st := newTestStore()
	events, cancel := st.Watch(Filter{TaskIDs: []string{"t1"}}, 16)
	defer cancel()

	st.Assign("t1", "w1")

	ev := <-events
	if len(ev.Tasks) != 1 || ev.Tasks[0].ID != "t1" {
		t.Fatalf("expected aggregate sliced to t1, got %v", ev.Tasks)
	}
}

func TestSlowSubscriberDoesNotBlockMutations(t *testing.T) {
	st := newTestStore()
	_, cancel := st.Watch(Filter{}, 1) // subscriber that never reads
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		st.Assign("t1", "w1")
		st.Start("t1")
		st.RecordToolCall("t1", "w1", "read_file", nil)
		st.RecordToolCall("t1", "w1", "write_file", nil)
		st.Complete("t1", "ok")
	}()

	<-done
	task, _ := st.Task("t1")
	if task.Status != TaskCompleted {
		t.Fatalf("mutations stalled behind slow subscriber: %s", task.Status)
	}
}

func TestWorkerPresence(t *testing.T) {
	st := newTestStore()

	if p := WorkerPresence(st.Snapshot(), "w1"); p != PresenceIdle {
		t.Fatalf("expected idle, got %s", p)
	}

	st.Assign("t1", "w1")
	if p := WorkerPresence(st.Snapshot(), "w1"); p != PresencePreparing {
		t.Fatalf("expected preparing, got %s", p)
	}

	st.Start("t1")
	if p := WorkerPresence(st.Snapshot(), "w1"); p != PresenceTyping {
		t.Fatalf("expected typing, got %s", p)
	}

	st.Complete("t1", "ok")
	if p := WorkerPresence(st.Snapshot(), "w1"); p != PresenceIdle {
		t.Fatalf("expected idle after completion, got %s", p)
	}
}

// stubRoster arbitrates claims the way a shared registry would.
type stubRoster struct {
	mu   sync.Mutex
	held map[string]string
}

func newStubRoster() *stubRoster { return &stubRoster{held: make(map[string]string)} }

func (r *stubRoster) Claim(workerID, missionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.held[workerID]; ok && holder != missionID {
		return false
	}
	r.held[workerID] = missionID
	return true
}

func (r *stubRoster) Release(workerID string) {
	r.mu.Lock()
	delete(r.held, workerID)
	r.mu.Unlock()
}

func oneTaskStore(id string, roster Roster) *Store {
	st := NewStore(id, "request", zap.NewNop())
	st.SetPlan([]*Task{{ID: "t1", Description: "only task", Requires: []string{TagGeneral}}})
	st.AddWorker(&Worker{ID: "w1", Name: "Alpha", Description: "generalist"})
	st.SetRoster(roster)
	return st
}

func TestAssignClaimsSharedRoster(t *testing.T) {
	roster := newStubRoster()
	a := oneTaskStore("m-a", roster)
	b := oneTaskStore("m-b", roster)

	if err := a.Assign("t1", "w1"); err != nil {
		t.Fatalf("first mission assign: %v", err)
	}
	if err := b.Assign("t1", "w1"); err == nil {
		t.Fatal("second mission assigned a worker held elsewhere")
	}

	a.Start("t1")
	a.Complete("t1", "done")

	if err := b.Assign("t1", "w1"); err != nil {
		t.Fatalf("assign after release: %v", err)
	}
}

func TestAbortRemainingReleasesSharedClaims(t *testing.T) {
	roster := newStubRoster()
	st := oneTaskStore("m-a", roster)

	if err := st.Assign("t1", "w1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	st.AbortRemaining("shutting down")

	if !roster.Claim("w1", "m-b") {
		t.Fatal("abort did not release the shared claim")
	}
}
