package mission

import "time"

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskBlocked   TaskStatus = "blocked"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether a task in this status will never run again.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBlocked
}

// WorkerStatus tracks whether a worker currently holds an assignment.
type WorkerStatus string

const (
	WorkerIdle   WorkerStatus = "idle"
	WorkerActive WorkerStatus = "active"
)

// Status is the mission-level state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TagGeneral is the default capability tag attached to tasks that declare
// no specific tooling. Any worker satisfies it.
const TagGeneral = "general"

// Task is one unit of work in a mission plan.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Requires    []string   `json:"requires"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      TaskStatus `json:"status"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Attempts    int        `json:"attempts"`
	Result      string     `json:"result,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Worker is a registered capability unit eligible to execute tasks.
type Worker struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	ToolScopes      []string     `json:"tool_scopes"`
	ModelPreference string       `json:"model_preference,omitempty"`
	Status          WorkerStatus `json:"status"`
	CurrentTask     string       `json:"current_task,omitempty"`
}

// HasScope reports whether the worker is permitted to use the given tool.
// TagGeneral is satisfied by every worker.
func (w *Worker) HasScope(tool string) bool {
	if tool == TagGeneral {
		return true
	}
	for _, s := range w.ToolScopes {
		if s == tool {
			return true
		}
	}
	return false
}

// EventKind categorizes activity log entries.
type EventKind string

const (
	KindPlanGenerated EventKind = "plan_generated"
	KindTaskAssigned  EventKind = "task_assigned"
	KindToolInvoked   EventKind = "tool_invoked"
	KindTaskCompleted EventKind = "task_completed"
	KindTaskFailed    EventKind = "task_failed"
	KindEscalation    EventKind = "escalation"
)

// LogEntry is one immutable record in a mission's activity log.
// Entries are totally ordered by Seq even when timestamps collide.
type LogEntry struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Snapshot is a point-in-time copy of mission state.
type Snapshot struct {
	ID        string     `json:"id"`
	Request   string     `json:"request"`
	Status    Status     `json:"status"`
	Tasks     []Task     `json:"tasks"`
	Workers   []Worker   `json:"workers"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// TaskFailure identifies one failed or blocked task in a report.
type TaskFailure struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Code   ErrorCode  `json:"code,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Report is the user-visible outcome of a mission. A mission that ends
// completed with some failed or blocked tasks reports PartialFailure so
// partial success is surfaced, never silently swallowed.
type Report struct {
	MissionID      string        `json:"mission_id"`
	Status         Status        `json:"status"`
	PartialFailure bool          `json:"partial_failure"`
	Completed      int           `json:"completed"`
	Failed         []TaskFailure `json:"failed,omitempty"`
	Duration       time.Duration `json:"duration"`
}
