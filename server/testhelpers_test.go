package server

import (
	"context"

	"github.com/GoCodeAlone/pinion/help"
	"github.com/GoCodeAlone/pinion/lock"
	"github.com/GoCodeAlone/pinion/session"
	"github.com/GoCodeAlone/pinion/task"
)

// noopTasks satisfies api.TaskRegistry for tests.
type noopTasks struct{}

func (n *noopTasks) Create(_ context.Context, _ *task.Task) (string, error) { return "TASK-1", nil }
func (n *noopTasks) Get(_ context.Context, _ string) (*task.Task, error) {
	return &task.Task{ID: "TASK-1"}, nil
}
func (n *noopTasks) Update(_ context.Context, _ *task.Task) error                 { return nil }
func (n *noopTasks) List(_ context.Context, _ task.Filter) ([]*task.Task, error)  { return nil, nil }
func (n *noopTasks) Snapshot(_ context.Context) ([]*task.Task, error)             { return nil, nil }
func (n *noopTasks) Claimable(_ context.Context, _ bool) ([]*task.Task, error)    { return nil, nil }
func (n *noopTasks) BlockedTasks(_ context.Context) ([]task.Blocked, error)       { return nil, nil }
func (n *noopTasks) SetBatchID(_ context.Context, _ []string, _ string) error     { return nil }

// noopClaims satisfies api.ClaimEngine for tests.
type noopClaims struct{}

func (n *noopClaims) CheckIn(_ context.Context, name, _ string, _ *session.CapabilityProfile) (*session.Session, error) {
	return &session.Session{ID: "sess-1", AgentName: name}, nil
}
func (n *noopClaims) CheckOut(_ context.Context, _ string) error          { return nil }
func (n *noopClaims) Heartbeat(_ context.Context, _, _ string) error      { return nil }
func (n *noopClaims) ClaimTask(_ context.Context, _, _ string) (*task.Task, error) {
	return &task.Task{ID: "TASK-1"}, nil
}
func (n *noopClaims) Reserve(_ context.Context, _, _ string) (*lock.Lock, error) {
	return &lock.Lock{TaskID: "TASK-1", Kind: lock.KindSoft}, nil
}
func (n *noopClaims) CompleteTask(_ context.Context, _, _ string) error { return nil }

// noopSessions satisfies api.SessionDirectory for tests.
type noopSessions struct{}

func (n *noopSessions) Get(_ context.Context, id string) (*session.Session, error) {
	return &session.Session{ID: id}, nil
}
func (n *noopSessions) ListActive(_ context.Context) ([]*session.Session, error) { return nil, nil }
func (n *noopSessions) FindBestAgent(_ context.Context, _ string, _ []string) (*session.Session, float64, error) {
	return nil, 0, nil
}

// noopHelp satisfies api.HelpDesk for tests.
type noopHelp struct{}

func (n *noopHelp) Request(_ context.Context, _, _, _, _ string, _ help.Urgency, _ int) (*help.Request, error) {
	return &help.Request{ID: "help-1"}, nil
}
func (n *noopHelp) Accept(_ context.Context, _, _, _ string) (*help.Request, error) {
	return &help.Request{ID: "help-1"}, nil
}
func (n *noopHelp) Complete(_ context.Context, _, _ string) (*help.Request, error) {
	return &help.Request{ID: "help-1"}, nil
}
func (n *noopHelp) Cancel(_ context.Context, _ string) error { return nil }
func (n *noopHelp) Get(_ context.Context, id string) (*help.Request, error) {
	return &help.Request{ID: id}, nil
}
func (n *noopHelp) ListOpen(_ context.Context) ([]*help.Request, error)          { return nil, nil }
func (n *noopHelp) ListForTask(_ context.Context, _ string) ([]*help.Request, error) {
	return nil, nil
}

// noopLocks satisfies api.LockViewer for tests.
type noopLocks struct{}

func (n *noopLocks) List(_ context.Context, _ string) ([]*lock.Lock, error) { return nil, nil }
