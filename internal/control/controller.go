// Package control owns mission lifecycles: planning, launch, lookup
// and abort.
package control

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/duneforge/workforce/internal/mission"
	"github.com/duneforge/workforce/internal/planner"
	"github.com/duneforge/workforce/internal/provider"
	"github.com/duneforge/workforce/internal/registry"
	"github.com/duneforge/workforce/internal/runtime"
	"github.com/duneforge/workforce/internal/scheduler"
	"github.com/duneforge/workforce/internal/toolgate"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownMission is returned when a mission id has never been launched.
var ErrUnknownMission = errors.New("unknown mission")

// Attachment observes a mission for its whole lifetime. Attachments are
// wired before the first task runs, so they see every log entry from
// plan_generated onward.
type Attachment interface {
	Attach(ctx context.Context, st *mission.Store)
}

// Controller plans and launches missions and tracks every live and
// finished mission for the lifetime of the process.
type Controller struct {
	reg      *registry.Registry
	plan     *planner.Planner
	router   *provider.Router
	gate     *toolgate.Gateway
	schedCfg scheduler.Config
	attached []Attachment
	logger   *zap.Logger

	mu       sync.RWMutex
	missions map[string]*entry
	order    []string
}

type entry struct {
	store *mission.Store
	sched *scheduler.Scheduler
	done  chan struct{}
}

// New creates a controller. Attachments may be nil.
func New(reg *registry.Registry, plan *planner.Planner, router *provider.Router,
	gate *toolgate.Gateway, schedCfg scheduler.Config, attached []Attachment, logger *zap.Logger) *Controller {
	return &Controller{
		reg:      reg,
		plan:     plan,
		router:   router,
		gate:     gate,
		schedCfg: schedCfg,
		attached: attached,
		logger:   logger,
		missions: make(map[string]*entry),
	}
}

// Launch plans the request and starts executing it in the background.
// Planning happens synchronously: a request the planner cannot turn
// into a valid task graph returns an error and no mission is created.
func (c *Controller) Launch(ctx context.Context, request string) (string, error) {
	tasks, err := c.plan.BuildPlan(ctx, request, c.reg.Tags())
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	st := mission.NewStore(id, request, c.logger)

	// Attach observers before the plan lands so nothing is missed.
	for _, a := range c.attached {
		a.Attach(context.Background(), st)
	}

	st.SetPlan(tasks)
	for _, w := range c.reg.List() {
		st.AddWorker(w)
	}
	// Worker copies above are mission-local; the registry arbitrates
	// the shared pool so concurrent missions cannot both hold one.
	st.SetRoster(c.reg)

	exec := runtime.New(c.router, c.gate, st, c.logger)
	sched := scheduler.New(st, exec, c.schedCfg, c.logger)
	e := &entry{store: st, sched: sched, done: make(chan struct{})}

	c.mu.Lock()
	c.missions[id] = e
	c.order = append(c.order, id)
	c.mu.Unlock()

	c.logger.Info("mission launched",
		zap.String("mission", id),
		zap.Int("tasks", len(tasks)))

	go func() {
		defer close(e.done)
		report := sched.Run(context.Background())
		c.logger.Info("mission finished",
			zap.String("mission", id),
			zap.String("status", string(st.Snapshot().Status)),
			zap.Int("completed", report.Completed),
			zap.Int("failed", len(report.Failed)))
	}()
	return id, nil
}

// Store returns the mission state store for id.
func (c *Controller) Store(id string) (*mission.Store, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.missions[id]
	if !ok {
		return nil, ErrUnknownMission
	}
	return e.store, nil
}

// Snapshots returns a point-in-time view of every mission, newest first.
func (c *Controller) Snapshots() []mission.Snapshot {
	c.mu.RLock()
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, c.missions[id])
	}
	c.mu.RUnlock()

	out := make([]mission.Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.store.Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Abort cancels a running mission. Already-terminal missions are left
// untouched.
func (c *Controller) Abort(id, reason string) error {
	c.mu.RLock()
	e, ok := c.missions[id]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownMission
	}
	e.sched.Abort(reason)
	return nil
}

// Wait blocks until the mission's scheduler has finished, for tests and
// graceful shutdown.
func (c *Controller) Wait(ctx context.Context, id string) error {
	c.mu.RLock()
	e, ok := c.missions[id]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownMission
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown aborts every unfinished mission and waits for their
// schedulers to drain.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.missions))
	for _, e := range c.missions {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		e.sched.Abort("server shutting down")
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return
		}
	}
}
