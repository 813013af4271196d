// Package session tracks agent presence, capability profiles, and the
// capability-to-task matching heuristic.
package session

import "time"

// Status represents the presence state of an agent session.
type Status string

const (
	StatusActive  Status = "active"
	StatusOffline Status = "offline"
)

// ContextClass buckets how much task context an agent can usefully hold.
type ContextClass string

const (
	ContextSmall  ContextClass = "small"
	ContextMedium ContextClass = "medium"
	ContextLarge  ContextClass = "large"
)

// CapabilityProfile is a closed description of what an agent is good at.
// Unknown agents checking in without a profile get DefaultProfile, keeping
// the matching score total and side-effect-free.
type CapabilityProfile struct {
	Strengths    []string     `json:"strengths" yaml:"strengths"` // keywords matched against task descriptions
	Domains      []string     `json:"domains" yaml:"domains"`
	ContextClass ContextClass `json:"context_class" yaml:"context_class"`
	BestFor      []string     `json:"best_for" yaml:"best_for"` // task tags this agent should take
}

// DefaultProfile returns the fallback profile for agents with no
// registered capabilities.
func DefaultProfile() CapabilityProfile {
	return CapabilityProfile{ContextClass: ContextMedium}
}

// Session is a single logical worker's registered presence, from check-in
// to check-out. Sessions are never deleted; history is retained.
type Session struct {
	ID             string            `json:"id"`
	AgentName      string            `json:"agent_name"`
	AgentVersion   string            `json:"agent_version,omitempty"`
	Profile        CapabilityProfile `json:"profile"`
	Status         Status            `json:"status"`
	CurrentTask    string            `json:"current_task,omitempty"`
	ActiveTasks    int               `json:"active_tasks"`
	CompletedTasks int               `json:"completed_tasks"`
	HelpRequested  int               `json:"help_requested"`
	CheckedInAt    time.Time         `json:"checked_in_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	CheckedOutAt   *time.Time        `json:"checked_out_at,omitempty"`
}
