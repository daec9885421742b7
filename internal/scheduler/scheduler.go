// Package scheduler walks a mission's dependency graph and executes it
// to completion or terminal failure.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/duneforge/workforce/internal/match"
	"github.com/duneforge/workforce/internal/mission"
	"go.uber.org/zap"
)

// Executor runs one task attempt on a worker.
type Executor interface {
	ExecuteTask(ctx context.Context, w *mission.Worker, t *mission.Task) (string, error)
}

// Config bounds the scheduler's resource use and retry behavior.
type Config struct {
	MaxConcurrent int           // in-flight task limit
	MaxAttempts   int           // total attempts per task, transient failures only
	BaseBackoff   time.Duration // first retry delay, doubled per attempt
	MaxBackoff    time.Duration // backoff cap
	TaskTimeout   time.Duration // per-attempt execution timeout
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	return c
}

// Scheduler executes one mission. Task failures never propagate as
// errors out of the run loop; they become state transitions and log
// entries, and independent tasks keep running.
type Scheduler struct {
	store  *mission.Store
	exec   Executor
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	aborted     bool
	abortReason string
}

// New creates a scheduler for one mission store.
func New(store *mission.Store, exec Executor, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		exec:   exec,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Abort cooperatively cancels the mission. In-flight attempts are
// signaled through their contexts; completed task results are kept.
func (s *Scheduler) Abort(reason string) {
	s.mu.Lock()
	s.aborted = true
	s.abortReason = reason
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) isAborted() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted, s.abortReason
}

// Run executes the mission until every task is terminal, then returns
// the mission report. Cancelling ctx aborts the mission.
func (s *Scheduler) Run(ctx context.Context) mission.Report {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.store.SetStatus(mission.StatusExecuting)

	done := make(chan struct{}, s.cfg.MaxConcurrent)
	inflight := 0

	for {
		s.store.PropagateBlocked()

		if aborted, _ := s.isAborted(); aborted || runCtx.Err() != nil {
			break
		}

		dispatched := s.dispatch(runCtx, &inflight, done)

		if inflight == 0 {
			if !s.store.Unsettled() {
				break
			}
			if !dispatched {
				// Nothing runnable, nothing running, yet tasks remain.
				// The graph is validated acyclic, so this is a stranded
				// state; fail the remainder rather than spin.
				s.failStranded()
				break
			}
			// Nothing in flight here, but an eligible worker is held
			// elsewhere. Poll until it frees up or the run is cancelled.
			select {
			case <-runCtx.Done():
			case <-time.After(s.cfg.BaseBackoff):
			}
			continue
		}

		select {
		case <-done:
			inflight--
		case <-runCtx.Done():
		}
	}

	// Drain in-flight workers; their contexts are cancelled on abort.
	for inflight > 0 {
		<-done
		inflight--
	}

	if aborted, reason := s.isAborted(); aborted || ctx.Err() != nil {
		if reason == "" {
			reason = "mission aborted"
		}
		s.store.AbortRemaining(reason)
	} else if s.store.Unsettled() {
		s.store.AbortRemaining("scheduler stopped")
	} else {
		s.store.Finalize()
	}
	return s.store.Report()
}

// dispatch launches every ready task it can, bounded by the in-flight
// limit. Returns true when at least one task was launched or is still
// waiting on a busy eligible worker.
func (s *Scheduler) dispatch(ctx context.Context, inflight *int, done chan struct{}) bool {
	snap := s.store.Snapshot()
	all := make([]*mission.Worker, 0, len(snap.Workers))
	idle := make([]*mission.Worker, 0, len(snap.Workers))
	for i := range snap.Workers {
		w := &snap.Workers[i]
		all = append(all, w)
		if w.Status == mission.WorkerIdle {
			idle = append(idle, w)
		}
	}

	progress := false
	for _, t := range s.store.ReadyTasks() {
		if *inflight >= s.cfg.MaxConcurrent {
			progress = true // revisit once a slot frees
			break
		}
		task := t

		// Eligibility is judged against every worker: a task no worker
		// can ever cover fails now, while a task whose workers are
		// merely busy waits for one to free up.
		if _, err := match.Assign(&task, all); err != nil {
			s.store.Fail(task.ID, mission.NewTaskError(mission.CodeNoEligibleWorker, false, err))
			s.store.Escalate(task.ID, "", map[string]any{
				"code":   string(mission.CodeNoEligibleWorker),
				"reason": err.Error(),
			})
			continue
		}

		w, err := match.Assign(&task, idle)
		if err != nil {
			progress = true // eligible worker exists but is busy
			continue
		}
		if err := s.store.Assign(task.ID, w.ID); err != nil {
			// Lost the assignment race; the store stays consistent.
			s.logger.Debug("assignment rejected", zap.String("task", task.ID), zap.Error(err))
			progress = true
			continue
		}
		idle = removeWorker(idle, w.ID)

		*inflight++
		progress = true
		worker := *w
		go s.runTask(ctx, task, &worker, done)
	}
	return progress
}

// runTask executes one task with the retry policy: transient failures
// back off exponentially up to the attempt budget, permanent failures
// fail immediately. The failure is recorded, escalated, and execution of
// independent tasks continues.
func (s *Scheduler) runTask(ctx context.Context, t mission.Task, w *mission.Worker, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	var terr *mission.TaskError
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		s.store.Start(t.ID)

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
		result, err := s.exec.ExecuteTask(attemptCtx, w, &t)
		cancel()

		if err == nil {
			s.store.Complete(t.ID, result)
			s.logger.Info("task completed",
				zap.String("mission", s.store.ID()),
				zap.String("task", t.ID),
				zap.String("worker", w.ID),
				zap.Int("attempts", attempt))
			return
		}

		terr = classify(err, ctx, attemptCtx)
		s.logger.Warn("task attempt failed",
			zap.String("mission", s.store.ID()),
			zap.String("task", t.ID),
			zap.String("worker", w.ID),
			zap.Int("attempt", attempt),
			zap.String("code", string(terr.Code)),
			zap.Bool("transient", terr.Transient))

		if !terr.Transient || attempt == s.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff(s.cfg.BaseBackoff, s.cfg.MaxBackoff, attempt)):
		case <-ctx.Done():
			terr = &mission.TaskError{Code: mission.CodeCancelled, Message: ctx.Err().Error()}
			attempt = s.cfg.MaxAttempts
		}
	}

	s.store.Fail(t.ID, terr)
	s.store.Escalate(t.ID, w.ID, map[string]any{
		"code":    string(terr.Code),
		"message": terr.Message,
	})
}

// failStranded fails any remaining pending task. Reaching this means
// the ready-set computation and blocked propagation disagree, which a
// validated plan should never produce.
func (s *Scheduler) failStranded() {
	snap := s.store.Snapshot()
	for _, t := range snap.Tasks {
		if t.Status == mission.TaskPending {
			s.store.Fail(t.ID, &mission.TaskError{
				Code:    mission.CodeInternal,
				Message: "task stranded: no path to execution",
			})
		}
	}
}

// backoff doubles the base delay per attempt, capped.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func removeWorker(ws []*mission.Worker, id string) []*mission.Worker {
	out := ws[:0]
	for _, w := range ws {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}
