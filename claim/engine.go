// Package claim implements the claim engine: selecting the best claimable
// task for a session and atomically acquiring ownership of it.
package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/lock"
	"github.com/GoCodeAlone/pinion/session"
	"github.com/GoCodeAlone/pinion/store"
	"github.com/GoCodeAlone/pinion/task"
)

// ErrNoneClaimable reports an empty claimable set: every queued task is
// either dependency-blocked or assigned elsewhere.
var ErrNoneClaimable = errors.New("no claimable tasks")

// ErrNotHolder reports an operation that requires holding the task's
// active lock by a session that does not hold it.
var ErrNotHolder = errors.New("session does not hold the active lock")

// AlreadyLockedError reports a claim that lost to an existing active or
// soft lock. HolderAgent carries the holder's display name for
// human-readable messages.
type AlreadyLockedError struct {
	TaskID        string
	HolderSession string
	HolderAgent   string
}

func (e *AlreadyLockedError) Error() string {
	who := e.HolderAgent
	if who == "" {
		who = e.HolderSession
	}
	return fmt.Sprintf("task %s already locked by %s", e.TaskID, who)
}

// NotClaimableError reports a requested task that is out of the claimable
// set for a reason other than dependencies (already in progress or done).
// Dependency blocking surfaces as *task.UnmetDependencyError instead.
type NotClaimableError struct {
	TaskID string
	Status task.Status
}

func (e *NotClaimableError) Error() string {
	return fmt.Sprintf("task %s is %s, not claimable", e.TaskID, e.Status)
}

// Options tunes engine policy.
type Options struct {
	// ReleaseLocksOnCheckout releases a session's locks at check-out
	// instead of letting them expire by TTL.
	ReleaseLocksOnCheckout bool
}

// Engine orchestrates claims: it reads candidates from the task registry,
// acquires locks through the lock manager, and keeps session state in
// step, all within one store transaction per claim.
type Engine struct {
	st       *store.Store
	tasks    *task.Registry
	locks    *lock.Manager
	sessions *session.Manager
	bus      comms.Bus
	logger   *slog.Logger
	opts     Options
}

// NewEngine wires the engine from its collaborators. bus may be nil when
// no event feed is wanted.
func NewEngine(st *store.Store, tasks *task.Registry, locks *lock.Manager, sessions *session.Manager, bus comms.Bus, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		st:       st,
		tasks:    tasks,
		locks:    locks,
		sessions: sessions,
		bus:      bus,
		logger:   logger,
		opts:     opts,
	}
}

// ClaimTask claims a task for the session and returns it in its
// post-claim state. With requestedTaskID empty, the head of the claimable
// set (priority first, FCFS within a tier) is taken. Selection, lock
// acquisition, the queued->in_progress transition, and the session update
// all commit in one transaction, so a concurrent claimant can never
// observe the task as both claimable and in progress.
func (e *Engine) ClaimTask(ctx context.Context, sessionID, requestedTaskID string) (*task.Task, error) {
	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var claimed *task.Task
	err = e.st.WithTx(ctx, func(tx *sql.Tx) error {
		var t *task.Task
		if requestedTaskID != "" {
			var err error
			t, err = e.tasks.GetTx(ctx, tx, requestedTaskID)
			if err != nil {
				return err
			}
			if t.Status != task.StatusQueued {
				return &NotClaimableError{TaskID: t.ID, Status: t.Status}
			}
		} else {
			candidates, err := e.tasks.ClaimableTx(ctx, tx, true)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				return ErrNoneClaimable
			}
			t = candidates[0]
		}

		if _, err := e.locks.AcquireTx(ctx, tx, t.ID, sessionID, lock.KindActive, 0); err != nil {
			var conflict *lock.ConflictError
			if errors.As(err, &conflict) {
				return &AlreadyLockedError{
					TaskID:        t.ID,
					HolderSession: conflict.HolderSession,
					HolderAgent:   e.agentName(ctx, tx, conflict.HolderSession),
				}
			}
			return err
		}

		// Rejects unmet dependencies even for a directly requested task.
		if err := e.tasks.MarkInProgressTx(ctx, tx, t.ID, sess.AgentName); err != nil {
			return err
		}
		if err := e.sessions.AssignTaskTx(ctx, tx, sessionID, t.ID); err != nil {
			return err
		}

		var err error
		claimed, err = e.tasks.GetTx(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("task claimed",
		slog.String("task", claimed.ID),
		slog.String("session", sessionID),
		slog.String("agent", sess.AgentName),
	)
	e.publish(ctx, &comms.Event{
		Type:      comms.EventTaskClaimed,
		TaskID:    claimed.ID,
		SessionID: sessionID,
		Subject:   fmt.Sprintf("%s claimed by %s", claimed.ID, sess.AgentName),
	})
	return claimed, nil
}

// Reserve places a soft intent-to-claim lock on a queued task without
// transitioning it. The reservation shares the active lock's exclusivity
// class and expires by its own shorter TTL.
func (e *Engine) Reserve(ctx context.Context, sessionID, taskID string) (*lock.Lock, error) {
	var reserved *lock.Lock
	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := e.tasks.GetTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != task.StatusQueued {
			return &NotClaimableError{TaskID: t.ID, Status: t.Status}
		}
		reserved, err = e.locks.AcquireTx(ctx, tx, taskID, sessionID, lock.KindSoft, 0)
		if err != nil {
			var conflict *lock.ConflictError
			if errors.As(err, &conflict) {
				return &AlreadyLockedError{
					TaskID:        taskID,
					HolderSession: conflict.HolderSession,
					HolderAgent:   e.agentName(ctx, tx, conflict.HolderSession),
				}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// CompleteTask marks the session's claimed task done, releases every lock
// on it (helpers included), and updates the session counters. The session
// must hold the active lock.
func (e *Engine) CompleteTask(ctx context.Context, sessionID, taskID string) error {
	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		holder, err := e.locks.HolderTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if holder == nil || holder.Kind != lock.KindActive || holder.SessionID != sessionID {
			return fmt.Errorf("complete task %s: %w", taskID, ErrNotHolder)
		}
		if err := e.tasks.MarkDoneTx(ctx, tx, taskID); err != nil {
			return err
		}
		if err := e.locks.ReleaseTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		return e.sessions.FinishTaskTx(ctx, tx, sessionID)
	})
	if err != nil {
		return err
	}

	e.logger.Info("task completed",
		slog.String("task", taskID),
		slog.String("session", sessionID),
	)
	e.publish(ctx, &comms.Event{
		Type:      comms.EventTaskCompleted,
		TaskID:    taskID,
		SessionID: sessionID,
		Subject:   fmt.Sprintf("%s completed", taskID),
	})
	return nil
}

// CheckIn registers the agent's session and announces it on the feed.
func (e *Engine) CheckIn(ctx context.Context, agentName, agentVersion string, profile *session.CapabilityProfile) (*session.Session, error) {
	s, err := e.sessions.CheckIn(ctx, agentName, agentVersion, profile)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, &comms.Event{
		Type:      comms.EventCheckIn,
		SessionID: s.ID,
		Subject:   fmt.Sprintf("%s checked in", s.AgentName),
	})
	return s, nil
}

// CheckOut marks the session offline. Locks are released immediately only
// under the ReleaseLocksOnCheckout policy; otherwise they expire by TTL.
func (e *Engine) CheckOut(ctx context.Context, sessionID string) error {
	if err := e.sessions.CheckOut(ctx, sessionID); err != nil {
		return err
	}
	if e.opts.ReleaseLocksOnCheckout {
		if err := e.locks.ReleaseSession(ctx, sessionID); err != nil {
			return err
		}
	}
	e.publish(ctx, &comms.Event{
		Type:      comms.EventCheckOut,
		SessionID: sessionID,
		Subject:   "session checked out",
	})
	return nil
}

// Heartbeat records session activity and renews the session's lock on the
// given task when one is held. taskID may be empty.
func (e *Engine) Heartbeat(ctx context.Context, sessionID, taskID string) error {
	if err := e.sessions.Heartbeat(ctx, sessionID); err != nil {
		return err
	}
	if taskID != "" {
		return e.locks.Renew(ctx, taskID, sessionID)
	}
	return nil
}

// agentName resolves a session ID to its agent display name, falling back
// to the raw ID.
func (e *Engine) agentName(ctx context.Context, q store.Querier, sessionID string) string {
	if sessionID == "" {
		return ""
	}
	s, err := e.sessions.GetTx(ctx, q, sessionID)
	if err != nil {
		return sessionID
	}
	return s.AgentName
}

func (e *Engine) publish(ctx context.Context, ev *comms.Event) {
	if e.bus == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event", slog.String("type", string(ev.Type)), slog.Any("err", err))
	}
}
