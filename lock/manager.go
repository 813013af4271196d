package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/pinion/store"
)

// Manager grants, renews, releases, and expires task locks against the
// shared store. Expired rows are treated as absent and purged by any
// subsequent read or acquisition touching the same task.
type Manager struct {
	st  *store.Store
	ttl TTLConfig
}

// NewManager creates a Manager with the given TTL configuration; zero
// fields fall back to the defaults.
func NewManager(st *store.Store, ttl TTLConfig) *Manager {
	return &Manager{st: st, ttl: ttl}
}

// TTL returns the effective lease duration for the kind.
func (m *Manager) TTL(kind Kind) time.Duration { return m.ttl.For(kind) }

// Acquire attempts to take a lock on the task. A ttl of zero uses the
// configured default for the kind; negative values produce an already
// expired lease (useful in tests and for handover).
//
// For active and soft kinds the whole check runs in a single transaction:
// expired exclusive rows for the task are purged, a remaining exclusive
// lock held by a different session fails the acquisition with a
// ConflictError, and otherwise the new row is inserted. The partial unique
// index on the locks table backstops the race where two stores-level
// transactions interleave. Helper locks always succeed.
func (m *Manager) Acquire(ctx context.Context, taskID, sessionID string, kind Kind, ttl time.Duration) (*Lock, error) {
	var l *Lock
	err := m.st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		l, err = m.AcquireTx(ctx, tx, taskID, sessionID, kind, ttl)
		return err
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// AcquireTx is Acquire inside a caller-owned transaction.
func (m *Manager) AcquireTx(ctx context.Context, q store.Querier, taskID, sessionID string, kind Kind, ttl time.Duration) (*Lock, error) {
	if ttl == 0 {
		ttl = m.ttl.For(kind)
	}
	now := time.Now().UTC()

	// Lazily purge expired rows for this task before any check.
	if _, err := q.ExecContext(ctx,
		`DELETE FROM locks WHERE task_id=? AND expires_at <= ?`, taskID, now); err != nil {
		return nil, fmt.Errorf("purge expired locks: %w", err)
	}

	if kind.Exclusive() {
		var holder string
		var holderKind string
		err := q.QueryRowContext(ctx,
			`SELECT session_id, kind FROM locks
			 WHERE task_id=? AND kind IN ('active','soft')`, taskID).
			Scan(&holder, &holderKind)
		switch {
		case err == nil && holder != sessionID:
			return nil, &ConflictError{TaskID: taskID, HolderSession: holder, HolderKind: Kind(holderKind)}
		case err == nil:
			// Same session re-acquiring (e.g. upgrading soft to active):
			// replace the existing row.
			if _, err := q.ExecContext(ctx,
				`DELETE FROM locks WHERE task_id=? AND kind IN ('active','soft')`, taskID); err != nil {
				return nil, fmt.Errorf("replace own lock: %w", err)
			}
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("check exclusive lock: %w", err)
		}
	} else {
		// A helper re-acquiring replaces its own row.
		if _, err := q.ExecContext(ctx,
			`DELETE FROM locks WHERE task_id=? AND session_id=? AND kind='helper'`,
			taskID, sessionID); err != nil {
			return nil, fmt.Errorf("replace helper lock: %w", err)
		}
	}

	l := &Lock{
		TaskID:      taskID,
		SessionID:   sessionID,
		Kind:        kind,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
		HeartbeatAt: now,
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO locks (task_id, session_id, kind, acquired_at, expires_at, heartbeat_at)
		VALUES (?,?,?,?,?,?)`,
		l.TaskID, l.SessionID, string(l.Kind), l.AcquiredAt, l.ExpiresAt, l.HeartbeatAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Another transaction inserted first; report its holder.
			if holder, herr := m.HolderTx(ctx, q, taskID); herr == nil && holder != nil {
				return nil, &ConflictError{TaskID: taskID, HolderSession: holder.SessionID, HolderKind: holder.Kind}
			}
			return nil, &ConflictError{TaskID: taskID}
		}
		return nil, fmt.Errorf("insert lock: %w", err)
	}
	return l, nil
}

// Renew extends the lease of the session's lock on the task by the
// configured TTL for its kind and records the heartbeat. Renewing a lock
// that no longer exists (expired or released) is a silent no-op; the
// caller must re-acquire.
func (m *Manager) Renew(ctx context.Context, taskID, sessionID string) error {
	return m.st.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE task_id=? AND expires_at <= ?`, taskID, now); err != nil {
			return fmt.Errorf("purge expired locks: %w", err)
		}

		var kind string
		err := tx.QueryRowContext(ctx,
			`SELECT kind FROM locks WHERE task_id=? AND session_id=?`,
			taskID, sessionID).Scan(&kind)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find lock: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE locks SET heartbeat_at=?, expires_at=? WHERE task_id=? AND session_id=?`,
			now, now.Add(m.ttl.For(Kind(kind))), taskID, sessionID)
		if err != nil {
			return fmt.Errorf("renew lock: %w", err)
		}
		return nil
	})
}

// Release deletes the session's lock of the given kind on the task.
// Releasing a lock that does not exist is not an error.
func (m *Manager) Release(ctx context.Context, taskID, sessionID string, kind Kind) error {
	return m.ReleaseTx(ctx, m.st.DB(), taskID, sessionID, kind)
}

// ReleaseTx is Release inside a caller-owned transaction.
func (m *Manager) ReleaseTx(ctx context.Context, q store.Querier, taskID, sessionID string, kind Kind) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM locks WHERE task_id=? AND session_id=? AND kind=?`,
		taskID, sessionID, string(kind))
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ReleaseTaskTx deletes every lock on the task, helper locks included.
// Called when the task completes.
func (m *Manager) ReleaseTaskTx(ctx context.Context, q store.Querier, taskID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM locks WHERE task_id=?`, taskID)
	if err != nil {
		return fmt.Errorf("release task locks: %w", err)
	}
	return nil
}

// ReleaseSession deletes every lock held by the session. Used by the
// optional release-on-checkout policy.
func (m *Manager) ReleaseSession(ctx context.Context, sessionID string) error {
	_, err := m.st.DB().ExecContext(ctx,
		`DELETE FROM locks WHERE session_id=?`, sessionID)
	if err != nil {
		return fmt.Errorf("release session locks: %w", err)
	}
	return nil
}

// Holder returns the non-expired active or soft lock on the task, or nil
// when the task is unlocked.
func (m *Manager) Holder(ctx context.Context, taskID string) (*Lock, error) {
	return m.HolderTx(ctx, m.st.DB(), taskID)
}

// HolderTx is Holder inside a caller-owned transaction.
func (m *Manager) HolderTx(ctx context.Context, q store.Querier, taskID string) (*Lock, error) {
	row := q.QueryRowContext(ctx, `
		SELECT task_id, session_id, kind, acquired_at, expires_at, heartbeat_at
		FROM locks WHERE task_id=? AND kind IN ('active','soft') AND expires_at > ?`,
		taskID, time.Now().UTC())
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// List returns all non-expired locks on the task, purging expired rows
// along the way.
func (m *Manager) List(ctx context.Context, taskID string) ([]*Lock, error) {
	now := time.Now().UTC()
	if _, err := m.st.DB().ExecContext(ctx,
		`DELETE FROM locks WHERE task_id=? AND expires_at <= ?`, taskID, now); err != nil {
		return nil, fmt.Errorf("purge expired locks: %w", err)
	}

	rows, err := m.st.DB().QueryContext(ctx, `
		SELECT task_id, session_id, kind, acquired_at, expires_at, heartbeat_at
		FROM locks WHERE task_id=? ORDER BY acquired_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLock(s scanner) (*Lock, error) {
	var l Lock
	var kind string
	if err := s.Scan(&l.TaskID, &l.SessionID, &kind, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt); err != nil {
		return nil, err
	}
	l.Kind = Kind(kind)
	return &l, nil
}

// isUniqueViolation matches the SQLite unique-constraint error without
// depending on driver internals.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
