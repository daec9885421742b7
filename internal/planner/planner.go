// Package planner turns a natural-language request into a validated task
// graph via an external reasoning backend.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/duneforge/workforce/internal/mission"
	"go.uber.org/zap"
)

// ErrMalformedPlan is returned when the decomposition output cannot be
// turned into a valid plan. The exchange contract is fail-fast: malformed
// output is rejected, never best-effort repaired.
var ErrMalformedPlan = errors.New("malformed plan")

// Reasoner is the external decomposition model. It receives a prompt and
// returns raw text expected to contain the plan JSON.
type Reasoner interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Planner builds task graphs from free-text requests.
type Planner struct {
	reason Reasoner
	logger *zap.Logger
}

// New creates a planner backed by the given reasoner.
func New(reason Reasoner, logger *zap.Logger) *Planner {
	return &Planner{reason: reason, logger: logger}
}

// planEnvelope is the versioned exchange format with the decomposition
// model.
type planEnvelope struct {
	Tasks []taskSpec `json:"tasks"`
}

type taskSpec struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Requires    []string `json:"requires"`
	DependsOn   []string `json:"depends_on"`
}

// BuildPlan decomposes a request into tasks with dependency edges. The
// available capability tags are advertised to the model so it only emits
// requirements some worker can satisfy.
func (p *Planner) BuildPlan(ctx context.Context, request string, tags []string) ([]*mission.Task, error) {
	if strings.TrimSpace(request) == "" {
		return nil, fmt.Errorf("%w: empty request", ErrMalformedPlan)
	}

	raw, err := p.reason.Complete(ctx, buildPrompt(request, tags))
	if err != nil {
		return nil, fmt.Errorf("decompose request: %w", err)
	}

	var env planEnvelope
	if err := json.Unmarshal([]byte(stripFence(raw)), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}

	tasks, err := validate(env.Tasks)
	if err != nil {
		return nil, err
	}

	p.logger.Info("plan built", zap.Int("tasks", len(tasks)))
	return tasks, nil
}

// validate turns raw task specs into a plan, enforcing unique non-empty
// ids, known dependency references, non-empty descriptions, the default
// general tag, and acyclicity.
func validate(specs []taskSpec) ([]*mission.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrMalformedPlan)
	}

	ids := make(map[string]struct{}, len(specs))
	for _, sp := range specs {
		if sp.ID == "" {
			return nil, fmt.Errorf("%w: task with empty id", ErrMalformedPlan)
		}
		if _, dup := ids[sp.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %q", ErrMalformedPlan, sp.ID)
		}
		ids[sp.ID] = struct{}{}
	}

	tasks := make([]*mission.Task, 0, len(specs))
	for _, sp := range specs {
		if strings.TrimSpace(sp.Description) == "" {
			return nil, fmt.Errorf("%w: task %q has no description", ErrMalformedPlan, sp.ID)
		}
		for _, dep := range sp.DependsOn {
			if dep == sp.ID {
				return nil, fmt.Errorf("%w: task %q depends on itself", ErrMalformedPlan, sp.ID)
			}
			if _, ok := ids[dep]; !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrMalformedPlan, sp.ID, dep)
			}
		}
		requires := sp.Requires
		if len(requires) == 0 {
			requires = []string{mission.TagGeneral}
		}
		tasks = append(tasks, &mission.Task{
			ID:          sp.ID,
			Description: sp.Description,
			Requires:    requires,
			DependsOn:   sp.DependsOn,
			Status:      mission.TaskPending,
		})
	}

	if err := validateAcyclic(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// FromSpecs exposes plan validation for callers that already hold a
// structured decomposition (tests, replay tooling).
func FromSpecs(specs []TaskSpec) ([]*mission.Task, error) {
	raw := make([]taskSpec, len(specs))
	for i, sp := range specs {
		raw[i] = taskSpec(sp)
	}
	return validate(raw)
}

// TaskSpec is the public form of one decomposed task.
type TaskSpec struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Requires    []string `json:"requires"`
	DependsOn   []string `json:"depends_on"`
}

func buildPrompt(request string, tags []string) string {
	var b strings.Builder
	b.WriteString("Decompose the following request into discrete tasks with dependency edges.\n")
	b.WriteString("Available capability tags: ")
	b.WriteString(strings.Join(tags, ", "))
	b.WriteString("\n\nRequest: ")
	b.WriteString(request)
	b.WriteString("\n\nReply with JSON only, exactly this shape:\n")
	b.WriteString(`{"tasks":[{"id":"t1","description":"...","requires":["tag"],"depends_on":[]}]}`)
	b.WriteString("\nUse only the listed capability tags. Use depends_on for ordering, never implicit order.")
	return b.String()
}

// stripFence removes a single surrounding markdown code fence. Anything
// beyond that normalization must already be valid JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
