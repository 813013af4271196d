package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/pinion/store"
)

// ErrNotFound reports an unknown session ID.
var ErrNotFound = errors.New("session not found")

// Manager owns agent sessions: check-in, check-out, heartbeat, and the
// capability matching over active sessions.
type Manager struct {
	st       *store.Store
	defaults map[string]CapabilityProfile // folded agent name -> profile
	fold     cases.Caser
	title    cases.Caser
}

// NewManager creates a Manager. defaults maps agent names to the
// capability profile used when that agent checks in without supplying one;
// lookups are case-insensitive.
func NewManager(st *store.Store, defaults map[string]CapabilityProfile) *Manager {
	m := &Manager{
		st:       st,
		defaults: make(map[string]CapabilityProfile, len(defaults)),
		fold:     cases.Fold(),
		title:    cases.Title(language.English),
	}
	for name, p := range defaults {
		m.defaults[m.fold.String(name)] = p
	}
	return m
}

// CheckIn registers a new active session for the agent. When profile is
// nil the manager falls back to the configured default for the agent name,
// then to DefaultProfile.
func (m *Manager) CheckIn(ctx context.Context, agentName, agentVersion string, profile *CapabilityProfile) (*Session, error) {
	agentName = strings.TrimSpace(agentName)
	if agentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	agentName = m.title.String(agentName)

	p := DefaultProfile()
	if profile != nil {
		p = *profile
	} else if def, ok := m.defaults[m.fold.String(agentName)]; ok {
		p = def
	}
	if p.ContextClass == "" {
		p.ContextClass = ContextMedium
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		AgentName:      agentName,
		AgentVersion:   agentVersion,
		Profile:        p,
		Status:         StatusActive,
		CheckedInAt:    now,
		LastActivityAt: now,
	}

	profileJSON, _ := json.Marshal(s.Profile)
	_, err := m.st.DB().ExecContext(ctx, `
		INSERT INTO sessions
			(id, agent_name, agent_version, profile, status, current_task,
			 active_tasks, completed_tasks, help_requested,
			 checked_in_at, last_activity_at, checked_out_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.AgentName, s.AgentVersion, string(profileJSON), string(s.Status), "",
		0, 0, 0, s.CheckedInAt, s.LastActivityAt, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// Heartbeat records activity for the session.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	res, err := m.st.DB().ExecContext(ctx,
		`UPDATE sessions SET last_activity_at=? WHERE id=?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("heartbeat session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// CheckOut marks the session offline. It does not release the session's
// locks; by default those expire via TTL (the release-on-checkout policy
// is the claim engine's call).
func (m *Manager) CheckOut(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := m.st.DB().ExecContext(ctx,
		`UPDATE sessions SET status=?, checked_out_at=?, last_activity_at=? WHERE id=?`,
		string(StatusOffline), now, now, id)
	if err != nil {
		return fmt.Errorf("check out session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return getSession(ctx, m.st.DB(), id)
}

// GetTx retrieves a session inside a caller-owned transaction.
func (m *Manager) GetTx(ctx context.Context, q store.Querier, id string) (*Session, error) {
	return getSession(ctx, q, id)
}

// ListActive returns all sessions currently checked in, oldest first.
func (m *Manager) ListActive(ctx context.Context) ([]*Session, error) {
	rows, err := m.st.DB().QueryContext(ctx,
		`SELECT * FROM sessions WHERE status=? ORDER BY checked_in_at ASC`,
		string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListStale returns active sessions with no recorded activity since the
// cutoff, oldest activity first.
func (m *Manager) ListStale(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := m.st.DB().QueryContext(ctx,
		`SELECT * FROM sessions WHERE status=? AND last_activity_at < ? ORDER BY last_activity_at ASC`,
		string(StatusActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// AssignTaskTx points the session at the task it just claimed and bumps
// its active counter.
func (m *Manager) AssignTaskTx(ctx context.Context, q store.Querier, id, taskID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET current_task=?, active_tasks=active_tasks+1, last_activity_at=?
		WHERE id=?`, taskID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("assign task to session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// FinishTaskTx clears the session's current-task pointer, decrements the
// active counter, and increments the completed counter.
func (m *Manager) FinishTaskTx(ctx context.Context, q store.Querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET current_task='',
			active_tasks=MAX(active_tasks-1, 0),
			completed_tasks=completed_tasks+1,
			last_activity_at=?
		WHERE id=?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish task for session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountHelpRequestTx bumps the session's help-requested counter.
func (m *Manager) CountHelpRequestTx(ctx context.Context, q store.Querier, id string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE sessions SET help_requested=help_requested+1, last_activity_at=? WHERE id=?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("count help request: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func getSession(ctx context.Context, q store.Querier, id string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT * FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

func scanSession(sc scanner) (*Session, error) {
	var s Session
	var status, profileJSON string
	var checkedOut sql.NullTime

	err := sc.Scan(
		&s.ID, &s.AgentName, &s.AgentVersion, &profileJSON, &status, &s.CurrentTask,
		&s.ActiveTasks, &s.CompletedTasks, &s.HelpRequested,
		&s.CheckedInAt, &s.LastActivityAt, &checkedOut,
	)
	if err != nil {
		return nil, err
	}

	s.Status = Status(status)
	_ = json.Unmarshal([]byte(profileJSON), &s.Profile)
	if checkedOut.Valid {
		s.CheckedOutAt = &checkedOut.Time
	}
	return &s, nil
}
