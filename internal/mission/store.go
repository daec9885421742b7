package mission

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is delivered to subscribers on every store mutation. It carries
// the delta (the task/worker/log entry that changed) plus an aggregate
// view sliced to the tasks the subscription watches.
type Event struct {
	Seq     uint64    `json:"seq"`
	Mission Status    `json:"mission"`
	Task    *Task     `json:"task,omitempty"`
	Worker  *Worker   `json:"worker,omitempty"`
	Entry   *LogEntry `json:"entry,omitempty"`
	Tasks   []Task    `json:"tasks,omitempty"`
}

// Filter restricts which events and which slice of the aggregate view a
// subscriber receives. Zero value matches everything.
type Filter struct {
	Kinds   []EventKind
	TaskIDs []string
}

func (f Filter) matchKind(k EventKind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, fk := range f.Kinds {
		if fk == k {
			return true
		}
	}
	return false
}

func (f Filter) matchTask(id string) bool {
	if len(f.TaskIDs) == 0 {
		return true
	}
	for _, t := range f.TaskIDs {
		if t == id {
			return true
		}
	}
	return false
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Roster arbitrates worker assignment across concurrently running
// missions. Workers registered once but visible to several mission
// stores must be claimed through a shared roster so that only one
// mission holds a given worker at a time.
type Roster interface {
	// Claim reserves a worker for a mission. It returns false when the
	// worker is already held on behalf of a different mission.
	Claim(workerID, missionID string) bool
	// Release returns a previously claimed worker to the pool.
	Release(workerID string)
}

// Store is the single authoritative holder of one mission's state.
// Every mutation is applied under one mutex so subscribers never observe
// a partial write, and the log sequence is strictly monotonic.
//
// A Store is constructed per mission and passed explicitly; there is no
// process-wide instance.
type Store struct {
	mu        sync.Mutex
	id        string
	request   string
	status    Status
	tasks     map[string]*Task
	order     []string
	workers   map[string]*Worker
	log       []LogEntry
	seq       uint64
	startedAt time.Time
	endedAt   *time.Time
	subs      map[int]*subscriber
	nextSub   int
	roster    Roster
	logger    *zap.Logger
}

// NewStore creates an empty mission store in the idle state.
func NewStore(id, request string, logger *zap.Logger) *Store {
	return &Store{
		id:        id,
		request:   request,
		status:    StatusIdle,
		tasks:     make(map[string]*Task),
		workers:   make(map[string]*Worker),
		subs:      make(map[int]*subscriber),
		startedAt: time.Now(),
		logger:    logger,
	}
}

// ID returns the mission id.
func (s *Store) ID() string { return s.id }

// SetRoster installs a shared assignment arbiter. Call it before the
// mission starts dispatching; without one, assignment is arbitrated
// only within this store.
func (s *Store) SetRoster(r Roster) {
	s.mu.Lock()
	s.roster = r
	s.mu.Unlock()
}

// SetPlan installs the planned tasks and records a plan_generated entry.
func (s *Store) SetPlan(tasks []*Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]any, 0, len(tasks))
	for _, t := range tasks {
		cp := *t
		cp.Status = TaskPending
		cp.CreatedAt = time.Now()
		s.tasks[cp.ID] = &cp
		s.order = append(s.order, cp.ID)
		ids = append(ids, cp.ID)
	}
	s.status = StatusPlanning
	entry := s.appendLocked(KindPlanGenerated, "", "", map[string]any{
		"task_count": len(tasks),
		"task_ids":   ids,
	})
	s.publishLocked(Event{Entry: entry})
}

// AddWorker records a worker as involved in this mission. The store keeps
// its own copy; the registry's record is not mutated.
func (s *Store) AddWorker(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[w.ID]; ok {
		return
	}
	cp := *w
	cp.Status = WorkerIdle
	cp.CurrentTask = ""
	s.workers[cp.ID] = &cp
}

// SetStatus transitions the mission-level status.
func (s *Store) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == st {
		return
	}
	s.status = st
	if st == StatusCompleted || st == StatusFailed {
		now := time.Now()
		s.endedAt = &now
	}
	s.publishLocked(Event{})
}

// Assign atomically marks a task assigned and a worker active. This is
// the linearization point for worker assignment: a worker already holding
// a task is rejected, and when a roster is installed the worker is also
// claimed against every other mission sharing it, so no worker is ever
// double-assigned.
func (s *Store) Assign(taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("assign: unknown task %s", taskID)
	}
	if t.Status != TaskPending {
		return fmt.Errorf("assign: task %s is %s, not pending", taskID, t.Status)
	}
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("assign: unknown worker %s", workerID)
	}
	if w.Status != WorkerIdle {
		return fmt.Errorf("assign: worker %s already holds task %s", workerID, w.CurrentTask)
	}
	if s.roster != nil && !s.roster.Claim(workerID, s.id) {
		return fmt.Errorf("assign: worker %s is active in another mission", workerID)
	}

	t.Status = TaskAssigned
	t.AssignedTo = workerID
	w.Status = WorkerActive
	w.CurrentTask = taskID

	entry := s.appendLocked(KindTaskAssigned, taskID, workerID, nil)
	s.publishLocked(Event{Task: copyTask(t), Worker: copyWorker(w), Entry: entry})
	return nil
}

// Start transitions an assigned task to running and counts the attempt.
// Called again on retry, it only increments the attempt counter.
func (s *Store) Start(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return
	}
	t.Attempts++
	if t.Status == TaskAssigned {
		t.Status = TaskRunning
		now := time.Now()
		t.StartedAt = &now
	}
	s.publishLocked(Event{Task: copyTask(t)})
}

// Complete records a successful task result and frees its worker.
// A task already in a terminal state is left untouched.
func (s *Store) Complete(taskID, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return
	}
	t.Status = TaskCompleted
	t.Result = result
	now := time.Now()
	t.CompletedAt = &now
	w := s.releaseWorkerLocked(t.AssignedTo)

	entry := s.appendLocked(KindTaskCompleted, taskID, t.AssignedTo, map[string]any{
		"attempts": t.Attempts,
	})
	s.publishLocked(Event{Task: copyTask(t), Worker: w, Entry: entry})
}

// Fail records a structured task failure and frees its worker.
func (s *Store) Fail(taskID string, terr *TaskError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return
	}
	t.Status = TaskFailed
	t.Error = terr
	now := time.Now()
	t.CompletedAt = &now
	w := s.releaseWorkerLocked(t.AssignedTo)

	entry := s.appendLocked(KindTaskFailed, taskID, t.AssignedTo, map[string]any{
		"code":      string(terr.Code),
		"message":   terr.Message,
		"transient": terr.Transient,
		"attempts":  t.Attempts,
	})
	s.publishLocked(Event{Task: copyTask(t), Worker: w, Entry: entry})
}

// Escalate appends an escalation entry for a task whose failure exhausted
// the scheduler's options.
func (s *Store) Escalate(taskID, workerID string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.appendLocked(KindEscalation, taskID, workerID, payload)
	s.publishLocked(Event{Entry: entry})
}

// RecordToolCall appends a tool_invoked entry. The gateway itself owns no
// mission state, so the worker runtime reports invocations here.
func (s *Store) RecordToolCall(taskID, workerID, tool string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payload == nil {
		payload = map[string]any{}
	}
	payload["tool"] = tool
	entry := s.appendLocked(KindToolInvoked, taskID, workerID, payload)
	s.publishLocked(Event{Entry: entry})
}

// PropagateBlocked marks every pending task with a failed or blocked
// dependency as blocked, repeating until a fixpoint. Returns the ids of
// newly blocked tasks.
func (s *Store) PropagateBlocked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blocked []string
	for {
		changed := false
		for _, id := range s.order {
			t := s.tasks[id]
			if t.Status != TaskPending {
				continue
			}
			for _, dep := range t.DependsOn {
				d, ok := s.tasks[dep]
				if ok && (d.Status == TaskFailed || d.Status == TaskBlocked) {
					t.Status = TaskBlocked
					blocked = append(blocked, id)
					s.publishLocked(Event{Task: copyTask(t)})
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}
	return blocked
}

// ReadyTasks returns pending tasks whose dependencies are all completed,
// in plan order.
func (s *Store) ReadyTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status != TaskPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			d, found := s.tasks[dep]
			if !found || d.Status != TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, *copyTask(t))
		}
	}
	return ready
}

// Unsettled reports whether any task is still pending, assigned or running.
func (s *Store) Unsettled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if !t.Status.Terminal() {
			return true
		}
	}
	return false
}

// AbortRemaining fails every non-terminal task with a cancelled error and
// marks the mission failed. Completed results are preserved.
func (s *Store) AbortRemaining(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status.Terminal() {
			continue
		}
		t.Status = TaskFailed
		t.Error = &TaskError{Code: CodeCancelled, Message: reason}
		now := time.Now()
		t.CompletedAt = &now
		w := s.releaseWorkerLocked(t.AssignedTo)
		entry := s.appendLocked(KindTaskFailed, id, t.AssignedTo, map[string]any{
			"code":    string(CodeCancelled),
			"message": reason,
		})
		s.publishLocked(Event{Task: copyTask(t), Worker: w, Entry: entry})
	}
	s.status = StatusFailed
	now := time.Now()
	s.endedAt = &now
	s.publishLocked(Event{})
}

// Finalize computes the terminal mission status once no task is unsettled:
// completed when at least one task completed, failed when every task ended
// failed or blocked.
func (s *Store) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := 0
	for _, t := range s.tasks {
		if t.Status == TaskCompleted {
			completed++
		}
	}
	if completed > 0 {
		s.status = StatusCompleted
	} else {
		s.status = StatusFailed
	}
	now := time.Now()
	s.endedAt = &now
	s.publishLocked(Event{})
}

// Task returns a copy of one task.
func (s *Store) Task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *copyTask(t), true
}

// Snapshot returns a copy of the full mission state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		Request:   s.request,
		Status:    s.status,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
	for _, id := range s.order {
		snap.Tasks = append(snap.Tasks, *copyTask(s.tasks[id]))
	}
	for _, w := range s.workers {
		snap.Workers = append(snap.Workers, *copyWorker(w))
	}
	return snap
}

// Log returns all entries with Seq greater than after.
func (s *Store) Log(after uint64) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	for _, e := range s.log {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out
}

// Report summarizes the mission outcome, surfacing partial failure.
func (s *Store) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Report{MissionID: s.id, Status: s.status}
	for _, id := range s.order {
		t := s.tasks[id]
		switch t.Status {
		case TaskCompleted:
			r.Completed++
		case TaskFailed, TaskBlocked:
			f := TaskFailure{TaskID: id, Status: t.Status}
			if t.Error != nil {
				f.Code = t.Error.Code
				f.Reason = t.Error.Message
			}
			r.Failed = append(r.Failed, f)
		}
	}
	r.PartialFailure = r.Status == StatusCompleted && len(r.Failed) > 0
	if s.endedAt != nil {
		r.Duration = s.endedAt.Sub(s.startedAt)
	} else {
		r.Duration = time.Since(s.startedAt)
	}
	return r
}

// Watch subscribes to store mutations. Events are delivered in mutation
// order; a subscriber that cannot keep up has events dropped rather than
// stalling the mutation path. The returned function cancels the
// subscription and closes the channel.
func (s *Store) Watch(f Filter, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{filter: f, ch: make(chan Event, buffer)}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
		s.mu.Unlock()
	}
	return sub.ch, cancel
}

// appendLocked creates a log entry with the next sequence number.
func (s *Store) appendLocked(kind EventKind, taskID, workerID string, payload map[string]any) *LogEntry {
	s.seq++
	entry := LogEntry{
		Seq:       s.seq,
		Timestamp: time.Now(),
		TaskID:    taskID,
		WorkerID:  workerID,
		Kind:      kind,
		Payload:   payload,
	}
	s.log = append(s.log, entry)
	return &entry
}

// publishLocked fans an event out to matching subscribers with the
// aggregate view sliced to each subscription's watch set.
func (s *Store) publishLocked(ev Event) {
	s.seqForEventLocked(&ev)
	ev.Mission = s.status

	for _, sub := range s.subs {
		if ev.Entry != nil && !sub.filter.matchKind(ev.Entry.Kind) {
			continue
		}
		if ev.Task != nil && !sub.filter.matchTask(ev.Task.ID) {
			continue
		}
		out := ev
		out.Tasks = s.sliceTasksLocked(sub.filter)
		select {
		case sub.ch <- out:
		default:
			s.logger.Warn("dropping event for slow subscriber",
				zap.String("mission", s.id),
				zap.Uint64("seq", out.Seq))
		}
	}
}

func (s *Store) seqForEventLocked(ev *Event) {
	if ev.Entry != nil {
		ev.Seq = ev.Entry.Seq
		return
	}
	ev.Seq = s.seq
}

func (s *Store) sliceTasksLocked(f Filter) []Task {
	var out []Task
	for _, id := range s.order {
		if f.matchTask(id) {
			out = append(out, *copyTask(s.tasks[id]))
		}
	}
	return out
}

func (s *Store) releaseWorkerLocked(workerID string) *Worker {
	w, ok := s.workers[workerID]
	if !ok {
		return nil
	}
	w.Status = WorkerIdle
	w.CurrentTask = ""
	if s.roster != nil {
		s.roster.Release(workerID)
	}
	return copyWorker(w)
}

func copyTask(t *Task) *Task {
	cp := *t
	return &cp
}

func copyWorker(w *Worker) *Worker {
	cp := *w
	return &cp
}
