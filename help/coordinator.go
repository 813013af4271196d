package help

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

// Coordinator errors. Losing an accept race (ErrNotOpen) is an expected
// outcome, not exceptional.
var (
	// ErrNotFound reports an unknown help-request ID.
	ErrNotFound = errors.New("help request not found")

	// ErrNotOpen reports a transition on a request that already left the
	// open state (accepted, completed, or cancelled).
	ErrNotOpen = errors.New("help request is not open")

	// ErrNotAccepted reports completing a request that was never accepted.
	ErrNotAccepted = errors.New("help request is not accepted")

	// ErrNotOwner reports a help request from a session that neither holds
	// the task's active lock nor is the task's recorded assignee.
	ErrNotOwner = errors.New("requester does not own the task")

	// ErrSelfAccept reports a requester trying to accept their own request.
	ErrSelfAccept = errors.New("requester cannot accept their own help request")
)

// Coordinator manages help requests and the helper locks that back them.
type Coordinator struct {
	st       *store.Store
	tasks    *task.Registry
	locks    *lock.Manager
	sessions *session.Manager
	bus      comms.Bus
	logger   *slog.Logger
}

// NewCoordinator wires the coordinator from its collaborators. bus may be
// nil when no event feed is wanted.
func NewCoordinator(st *store.Store, tasks *task.Registry, locks *lock.Manager, sessions *session.Manager, bus comms.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{st: st, tasks: tasks, locks: locks, sessions: sessions, bus: bus, logger: logger}
}

// Request opens a help request on the task. The requester must currently
// hold the active lock or be the task's recorded assignee (a holder whose
// lock expired mid-work may still ask for help). The request itself
// notifies nobody; the published event carries the candidate helpers for
// an external dispatcher.
func (c *Coordinator) Request(ctx context.Context, taskID, requesterSessionID, kind, detail string, urgency Urgency, estimateMinutes int) (*Request, error) {
	t, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	requester, err := c.sessions.Get(ctx, requesterSessionID)
	if err != nil {
		return nil, err
	}

	holder, err := c.locks.Holder(ctx, taskID)
	if err != nil {
		return nil, err
	}
	holds := holder != nil && holder.Kind == lock.KindActive && holder.SessionID == requesterSessionID
	if !holds && (t.Assignee == "" || t.Assignee != requester.AgentName) {
		return nil, fmt.Errorf("request help on %s: %w", taskID, ErrNotOwner)
	}

	req := &Request{
		ID:               uuid.NewString(),
		TaskID:           taskID,
		RequesterSession: requesterSessionID,
		Kind:             kind,
		Context:          detail,
		Urgency:          urgency,
		EstimateMinutes:  estimateMinutes,
		Status:           StatusOpen,
		CreatedAt:        time.Now().UTC(),
	}

	err = c.st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO help_requests
				(id, task_id, requester_session, helper_session, kind, context,
				 urgency, estimate_minutes, status, outcome, created_at, accepted_at, resolved_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			req.ID, req.TaskID, req.RequesterSession, "", req.Kind, req.Context,
			int(req.Urgency), req.EstimateMinutes, string(req.Status), "", req.CreatedAt, nil, nil,
		)
		if err != nil {
			return fmt.Errorf("insert help request: %w", err)
		}
		return c.sessions.CountHelpRequestTx(ctx, tx, requesterSessionID)
	})
	if err != nil {
		return nil, err
	}

	candidates, err := c.sessions.Candidates(ctx, t.Description, t.Tags)
	if err != nil {
		c.logger.Warn("match help candidates", slog.String("task", taskID), slog.Any("err", err))
	}
	c.publish(ctx, &comms.Event{
		Type:       comms.EventHelpRequested,
		TaskID:     taskID,
		SessionID:  requesterSessionID,
		Subject:    fmt.Sprintf("%s needs %s help on %s", requester.AgentName, kind, taskID),
		Candidates: candidates,
		Metadata: map[string]string{
			"request_id": req.ID,
			"urgency":    fmt.Sprintf("%d", int(urgency)),
		},
	})
	return req, nil
}

// Accept transitions the request open -> accepted for the helper session
// and grants a helper lock on the task. The transition is a conditional
// update, so concurrent accepts resolve with exactly one winner; losers
// get ErrNotOpen.
func (c *Coordinator) Accept(ctx context.Context, requestID, helperSessionID, message string) (*Request, error) {
	if _, err := c.sessions.Get(ctx, helperSessionID); err != nil {
		return nil, err
	}

	var req *Request
	err := c.st.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if existing.RequesterSession == helperSessionID {
			return fmt.Errorf("accept %s: %w", requestID, ErrSelfAccept)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE help_requests SET status=?, helper_session=?, accepted_at=?
			WHERE id=? AND status=?`,
			string(StatusAccepted), helperSessionID, now, requestID, string(StatusOpen),
		)
		if err != nil {
			return fmt.Errorf("accept help request: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return fmt.Errorf("accept %s: %w", requestID, ErrNotOpen)
		}

		// Helper locks never conflict with the owner's active lock.
		if _, err := c.locks.AcquireTx(ctx, tx, existing.TaskID, helperSessionID, lock.KindHelper, 0); err != nil {
			return err
		}

		req, err = getRequest(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, &comms.Event{
		Type:      comms.EventHelpAccepted,
		TaskID:    req.TaskID,
		SessionID: helperSessionID,
		Subject:   fmt.Sprintf("help on %s accepted", req.TaskID),
		Metadata: map[string]string{
			"request_id": req.ID,
			"message":    message,
		},
	})
	return req, nil
}

// Complete transitions the request accepted -> completed, records the
// outcome, and releases the helper's lock on the task.
func (c *Coordinator) Complete(ctx context.Context, requestID, outcome string) (*Request, error) {
	var req *Request
	err := c.st.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if existing.Status != StatusAccepted {
			return fmt.Errorf("complete %s (status %s): %w", requestID, existing.Status, ErrNotAccepted)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE help_requests SET status=?, outcome=?, resolved_at=?
			WHERE id=? AND status=?`,
			string(StatusCompleted), outcome, now, requestID, string(StatusAccepted),
		)
		if err != nil {
			return fmt.Errorf("complete help request: %w", err)
		}
		if err := c.locks.ReleaseTx(ctx, tx, existing.TaskID, existing.HelperSession, lock.KindHelper); err != nil {
			return err
		}

		req, err = getRequest(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, &comms.Event{
		Type:      comms.EventHelpCompleted,
		TaskID:    req.TaskID,
		SessionID: req.HelperSession,
		Subject:   fmt.Sprintf("help on %s completed", req.TaskID),
		Metadata:  map[string]string{"request_id": req.ID},
	})
	return req, nil
}

// Cancel transitions the request open -> cancelled. Cancelling a request
// that already left the open state fails with ErrNotOpen.
func (c *Coordinator) Cancel(ctx context.Context, requestID string) error {
	return c.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := getRequest(ctx, tx, requestID); err != nil {
			return err
		}
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE help_requests SET status=?, resolved_at=?
			WHERE id=? AND status=?`,
			string(StatusCancelled), now, requestID, string(StatusOpen),
		)
		if err != nil {
			return fmt.Errorf("cancel help request: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return fmt.Errorf("cancel %s: %w", requestID, ErrNotOpen)
		}
		return nil
	})
}

// Get retrieves a help request by ID.
func (c *Coordinator) Get(ctx context.Context, requestID string) (*Request, error) {
	return getRequest(ctx, c.st.DB(), requestID)
}

// ListOpen returns open help requests, most urgent first then oldest
// first.
func (c *Coordinator) ListOpen(ctx context.Context) ([]*Request, error) {
	rows, err := c.st.DB().QueryContext(ctx, `
		SELECT * FROM help_requests WHERE status=?
		ORDER BY urgency DESC, created_at ASC`, string(StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("list open help requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListForTask returns every help request on the task, oldest first.
func (c *Coordinator) ListForTask(ctx context.Context, taskID string) ([]*Request, error) {
	rows, err := c.st.DB().QueryContext(ctx, `
		SELECT * FROM help_requests WHERE task_id=? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list help requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (c *Coordinator) publish(ctx context.Context, ev *comms.Event) {
	if c.bus == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Warn("publish event", slog.String("type", string(ev.Type)), slog.Any("err", err))
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func getRequest(ctx context.Context, q store.Querier, id string) (*Request, error) {
	row := q.QueryRowContext(ctx, `SELECT * FROM help_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("help request %s: %w", id, ErrNotFound)
	}
	return req, err
}

func collectRequests(rows *sql.Rows) ([]*Request, error) {
	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func scanRequest(s scanner) (*Request, error) {
	var req Request
	var status string
	var urgency int
	var acceptedAt, resolvedAt sql.NullTime

	err := s.Scan(
		&req.ID, &req.TaskID, &req.RequesterSession, &req.HelperSession, &req.Kind, &req.Context,
		&urgency, &req.EstimateMinutes, &status, &req.Outcome,
		&req.CreatedAt, &acceptedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Status = Status(status)
	req.Urgency = Urgency(urgency)
	if acceptedAt.Valid {
		req.AcceptedAt = &acceptedAt.Time
	}
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	return &req, nil
}
