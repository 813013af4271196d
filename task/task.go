// Package task defines the task model and registry for coordinated work items.
package task

import "time"

// Status represents the stored lifecycle state of a task. "Blocked" is a
// derived read-time view (a queued task with unmet dependencies), never a
// stored status.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Priority determines task selection order.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority maps a priority name to its value. Unknown names fall back
// to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Task is a unit of work pulled from the shared backlog by an agent.
type Task struct {
	ID          string     `json:"id"` // stable, monotonically issued, e.g. "TASK-12"
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Assignee    string     `json:"assignee,omitempty"` // agent display name
	Tags        []string   `json:"tags,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"` // prerequisite task IDs, in order
	BatchID     string     `json:"batch_id,omitempty"`   // set by the external bulk-submission subsystem
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Filter controls which tasks List returns.
type Filter struct {
	Status    *Status `json:"status,omitempty"`
	Assignee  string  `json:"assignee,omitempty"`
	Unbatched bool    `json:"unbatched,omitempty"` // only tasks with no batch ID
	Limit     int     `json:"limit,omitempty"`
	Offset    int     `json:"offset,omitempty"`
}

// Blocked pairs a queued task with the dependency IDs keeping it out of the
// claimable set. A dependency ID that references no existing task counts as
// unmet; so does every member of a dependency cycle.
type Blocked struct {
	Task      *Task    `json:"task"`
	UnmetDeps []string `json:"unmet_deps"`
}
