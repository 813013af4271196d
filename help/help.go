// Package help manages the help-request lifecycle: a session owning a task
// asks for assistance, another session accepts and receives a non-exclusive
// helper lock on the same task. Helpers assist; they never take ownership.
package help

import "time"

// Status represents the help-request lifecycle state. Requests only
// advance open -> accepted -> completed, or open -> cancelled.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Urgency orders help requests for dispatchers.
type Urgency int

const (
	UrgencyLow      Urgency = 0
	UrgencyMedium   Urgency = 1
	UrgencyHigh     Urgency = 2
	UrgencyCritical Urgency = 3
)

// Request is one help request against a task.
type Request struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"task_id"`
	RequesterSession string     `json:"requester_session"`
	HelperSession    string     `json:"helper_session,omitempty"` // set iff status != open
	Kind             string     `json:"kind"`                     // e.g. "review", "debug", "pairing"
	Context          string     `json:"context"`
	Urgency          Urgency    `json:"urgency"`
	EstimateMinutes  int        `json:"estimate_minutes"`
	Status           Status     `json:"status"`
	Outcome          string     `json:"outcome,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}
