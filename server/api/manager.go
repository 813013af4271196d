// Package api defines the REST API handlers and interfaces for the Pinion server.
package api

import (
	"context"

	"github.com/GoCodeAlone/pinion/help"
	"github.com/GoCodeAlone/pinion/lock"
	"github.com/GoCodeAlone/pinion/session"
	"github.com/GoCodeAlone/pinion/task"
)

// TaskRegistry is the interface the API uses to read and edit the backlog.
// Implemented by task.Registry.
type TaskRegistry interface {
	Create(ctx context.Context, t *task.Task) (string, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Update(ctx context.Context, t *task.Task) error
	List(ctx context.Context, filter task.Filter) ([]*task.Task, error)
	Snapshot(ctx context.Context) ([]*task.Task, error)
	Claimable(ctx context.Context, excludeAssigned bool) ([]*task.Task, error)
	BlockedTasks(ctx context.Context) ([]task.Blocked, error)
	SetBatchID(ctx context.Context, ids []string, batchID string) error
}

// ClaimEngine is the interface the API uses for session lifecycle and
// task ownership. Implemented by claim.Engine.
type ClaimEngine interface {
	CheckIn(ctx context.Context, agentName, agentVersion string, profile *session.CapabilityProfile) (*session.Session, error)
	CheckOut(ctx context.Context, sessionID string) error
	Heartbeat(ctx context.Context, sessionID, taskID string) error
	ClaimTask(ctx context.Context, sessionID, requestedTaskID string) (*task.Task, error)
	Reserve(ctx context.Context, sessionID, taskID string) (*lock.Lock, error)
	CompleteTask(ctx context.Context, sessionID, taskID string) error
}

// SessionDirectory is the interface the API uses to inspect sessions and
// match agents to work. Implemented by session.Manager.
type SessionDirectory interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	ListActive(ctx context.Context) ([]*session.Session, error)
	FindBestAgent(ctx context.Context, description string, tags []string) (*session.Session, float64, error)
}

// HelpDesk is the interface the API uses for the help-request protocol.
// Implemented by help.Coordinator.
type HelpDesk interface {
	Request(ctx context.Context, taskID, requesterSessionID, kind, detail string, urgency help.Urgency, estimateMinutes int) (*help.Request, error)
	Accept(ctx context.Context, requestID, helperSessionID, message string) (*help.Request, error)
	Complete(ctx context.Context, requestID, outcome string) (*help.Request, error)
	Cancel(ctx context.Context, requestID string) error
	Get(ctx context.Context, requestID string) (*help.Request, error)
	ListOpen(ctx context.Context) ([]*help.Request, error)
	ListForTask(ctx context.Context, taskID string) ([]*help.Request, error)
}

// LockViewer is the interface the API uses to inspect locks on a task.
// Implemented by lock.Manager.
type LockViewer interface {
	List(ctx context.Context, taskID string) ([]*lock.Lock, error)
}
