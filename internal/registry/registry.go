// Package registry holds the capability metadata of all available workers.
// It is a pure in-memory index; where definitions physically live is a
// Source concern.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/duneforge/workforce/internal/mission"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnusableWorker is returned when a worker declares neither tool
// scopes nor description text, leaving nothing to match on.
var ErrUnusableWorker = fmt.Errorf("worker declares no tool scopes and no description")

// Registry is a read-mostly index of registered workers. Registration
// replaces an existing id atomically; concurrent readers never see a
// partial entry.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*mission.Worker
	held    map[string]string // worker id -> mission id holding it
	logger  *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		workers: make(map[string]*mission.Worker),
		held:    make(map[string]string),
		logger:  logger,
	}
}

// Register adds or replaces a worker. A worker with no tool scopes and
// no description is rejected as unusable.
func (r *Registry) Register(w *mission.Worker) error {
	if len(w.ToolScopes) == 0 && w.Description == "" {
		return fmt.Errorf("register %s: %w", w.ID, ErrUnusableWorker)
	}

	cp := *w
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.Status = mission.WorkerIdle
	cp.CurrentTask = ""

	r.mu.Lock()
	r.workers[cp.ID] = &cp
	r.mu.Unlock()

	r.logger.Info("registered worker",
		zap.String("id", cp.ID),
		zap.String("name", cp.Name),
		zap.Int("scopes", len(cp.ToolScopes)))
	return nil
}

// Get returns a copy of one worker.
func (r *Registry) Get(id string) (*mission.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

// List returns copies of all workers, ordered by id for stable output.
func (r *Registry) List() []*mission.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*mission.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Find returns workers whose tool scopes include the given capability
// tag. The general tag matches every worker.
func (r *Registry) Find(tag string) []*mission.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*mission.Worker
	for _, w := range r.workers {
		if w.HasScope(tag) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tags returns the union of all registered tool scopes plus the general
// tag, sorted. The planner advertises these to the decomposition model.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{mission.TagGeneral: {}}
	for _, w := range r.workers {
		for _, s := range w.ToolScopes {
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Claim reserves a worker on behalf of a mission. Mission stores hold
// per-mission copies of the roster, so the registry is the one place
// that can see a worker across missions; claiming here keeps a shared
// worker from running tasks for two missions at once.
func (r *Registry) Claim(workerID, missionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.held[workerID]; ok && holder != missionID {
		return false
	}
	r.held[workerID] = missionID
	return true
}

// Release returns a worker to the shared pool.
func (r *Registry) Release(workerID string) {
	r.mu.Lock()
	delete(r.held, workerID)
	r.mu.Unlock()
}

// ToolScopes implements the gateway's scope lookup.
func (r *Registry) ToolScopes(workerID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	out := make([]string, len(w.ToolScopes))
	copy(out, w.ToolScopes)
	return out, true
}

// Sync reloads definitions from a source and registers each one,
// replacing existing entries. Invoked at startup and on explicit
// trigger; the registry never watches the filesystem itself.
func (r *Registry) Sync(src Source) (int, error) {
	workers, err := src.Reload()
	if err != nil {
		return 0, fmt.Errorf("reload worker definitions: %w", err)
	}
	n := 0
	for _, w := range workers {
		if err := r.Register(w); err != nil {
			r.logger.Warn("skipping worker definition", zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
