package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/pinion/store"
)

// Registry errors. Both are expected, recoverable outcomes for callers.
var (
	// ErrNotFound reports an unknown task ID.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition reports a status change the lifecycle does not
	// permit (queued -> in_progress -> done, no skipping).
	ErrInvalidTransition = errors.New("invalid status transition")
)

// UnmetDependencyError reports an attempt to start a task whose
// prerequisites are not all done. The unmet IDs include dependencies that
// reference no existing task.
type UnmetDependencyError struct {
	TaskID string
	Unmet  []string
}

func (e *UnmetDependencyError) Error() string {
	return fmt.Sprintf("task %s blocked by dependencies: %s", e.TaskID, strings.Join(e.Unmet, ", "))
}

// Registry provides CRUD and the claimable/blocked views over tasks.
// Locking is layered on top by the lock manager; the registry never touches
// lock rows.
type Registry struct {
	st     *store.Store
	prefix string
}

// NewRegistry creates a Registry issuing IDs with the given prefix
// ("TASK" if empty).
func NewRegistry(st *store.Store, prefix string) *Registry {
	if prefix == "" {
		prefix = "TASK"
	}
	return &Registry{st: st, prefix: prefix}
}

// Create persists a new task, assigning the next monotonic ID and setting
// CreatedAt/UpdatedAt. The task starts queued unless a status was set.
func (r *Registry) Create(ctx context.Context, t *Task) (string, error) {
	if t.Status == "" {
		t.Status = StatusQueued
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	tags, _ := json.Marshal(t.Tags)
	deps, _ := json.Marshal(t.DependsOn)

	err := r.st.WithTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks`).Scan(&seq); err != nil {
			return fmt.Errorf("next task seq: %w", err)
		}
		t.ID = fmt.Sprintf("%s-%d", r.prefix, seq)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks
				(seq, id, title, description, priority, status, assignee,
				 tags, depends_on, batch_id, created_at, updated_at, started_at, completed_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			seq, t.ID, t.Title, t.Description, int(t.Priority), string(t.Status), t.Assignee,
			string(tags), string(deps), t.BatchID,
			t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, r.st.DB(), id)
}

// GetTx retrieves a task inside a caller-owned transaction.
func (r *Registry) GetTx(ctx context.Context, q store.Querier, id string) (*Task, error) {
	return getTask(ctx, q, id)
}

// Update saves editable fields (title, description, priority, tags,
// dependencies, batch ID). Status and assignee only change through
// MarkInProgress/MarkDone.
func (r *Registry) Update(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	tags, _ := json.Marshal(t.Tags)
	deps, _ := json.Marshal(t.DependsOn)

	res, err := r.st.DB().ExecContext(ctx, `
		UPDATE tasks SET
			title=?, description=?, priority=?, tags=?, depends_on=?, batch_id=?, updated_at=?
		WHERE id=?`,
		t.Title, t.Description, int(t.Priority), string(tags), string(deps), t.BatchID,
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// List returns tasks matching the filter, ordered by priority descending
// then creation time ascending (FCFS within a tier).
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.Assignee != "" {
		q.WriteString(" AND assignee=?")
		args = append(args, filter.Assignee)
	}
	if filter.Unbatched {
		q.WriteString(" AND batch_id=''")
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, seq ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := r.st.DB().QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Snapshot returns every task with all fields in creation order. This is
// the read surface the external board exporter consumes.
func (r *Registry) Snapshot(ctx context.Context) ([]*Task, error) {
	rows, err := r.st.DB().QueryContext(ctx, `SELECT * FROM tasks ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Claimable returns queued tasks whose dependencies are all done, ordered
// by priority descending then creation time ascending. A dependency
// referencing a non-existent task counts as unmet, so the dependent never
// becomes claimable until the edge is corrected.
func (r *Registry) Claimable(ctx context.Context, excludeAssigned bool) ([]*Task, error) {
	return r.ClaimableTx(ctx, r.st.DB(), excludeAssigned)
}

// ClaimableTx is Claimable inside a caller-owned transaction.
func (r *Registry) ClaimableTx(ctx context.Context, q store.Querier, excludeAssigned bool) ([]*Task, error) {
	queued, statuses, err := queuedAndStatuses(ctx, q)
	if err != nil {
		return nil, err
	}

	var claimable []*Task
	for _, t := range queued {
		if excludeAssigned && t.Assignee != "" {
			continue
		}
		if len(unmetDeps(t, statuses)) == 0 {
			claimable = append(claimable, t)
		}
	}
	return claimable, nil
}

// BlockedTasks returns queued tasks with at least one unmet dependency and
// the unmet IDs. Cycle members all appear here; none is ever claimable.
func (r *Registry) BlockedTasks(ctx context.Context) ([]Blocked, error) {
	queued, statuses, err := queuedAndStatuses(ctx, r.st.DB())
	if err != nil {
		return nil, err
	}

	var blocked []Blocked
	for _, t := range queued {
		if unmet := unmetDeps(t, statuses); len(unmet) > 0 {
			blocked = append(blocked, Blocked{Task: t, UnmetDeps: unmet})
		}
	}
	return blocked, nil
}

// MarkInProgress transitions a queued task to in_progress and records the
// assignee. It rejects the transition when any dependency is unmet,
// regardless of the stored status.
func (r *Registry) MarkInProgress(ctx context.Context, id, assignee string) error {
	return r.st.WithTx(ctx, func(tx *sql.Tx) error {
		return r.MarkInProgressTx(ctx, tx, id, assignee)
	})
}

// MarkInProgressTx is MarkInProgress inside a caller-owned transaction.
func (r *Registry) MarkInProgressTx(ctx context.Context, q store.Querier, id, assignee string) error {
	t, err := getTask(ctx, q, id)
	if err != nil {
		return err
	}
	if t.Status != StatusQueued {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrInvalidTransition)
	}
	if len(t.DependsOn) > 0 {
		_, statuses, err := queuedAndStatuses(ctx, q)
		if err != nil {
			return err
		}
		if unmet := unmetDeps(t, statuses); len(unmet) > 0 {
			return &UnmetDependencyError{TaskID: id, Unmet: unmet}
		}
	}

	now := time.Now().UTC()
	_, err = q.ExecContext(ctx, `
		UPDATE tasks SET status=?, assignee=?, started_at=?, updated_at=?
		WHERE id=? AND status=?`,
		string(StatusInProgress), assignee, now, now, id, string(StatusQueued),
	)
	if err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	return nil
}

// MarkDone transitions an in_progress task to done.
func (r *Registry) MarkDone(ctx context.Context, id string) error {
	return r.st.WithTx(ctx, func(tx *sql.Tx) error {
		return r.MarkDoneTx(ctx, tx, id)
	})
}

// MarkDoneTx is MarkDone inside a caller-owned transaction.
func (r *Registry) MarkDoneTx(ctx context.Context, q store.Querier, id string) error {
	t, err := getTask(ctx, q, id)
	if err != nil {
		return err
	}
	if t.Status != StatusInProgress {
		return fmt.Errorf("task %s is %s, not in_progress: %w", id, t.Status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	_, err = q.ExecContext(ctx, `
		UPDATE tasks SET status=?, completed_at=?, updated_at=?
		WHERE id=? AND status=?`,
		string(StatusDone), now, now, id, string(StatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	return nil
}

// SetBatchID records the batch identifier the external bulk-submission
// subsystem assigned to the given tasks.
func (r *Registry) SetBatchID(ctx context.Context, ids []string, batchID string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.st.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, id := range ids {
			res, err := tx.ExecContext(ctx,
				`UPDATE tasks SET batch_id=?, updated_at=? WHERE id=?`, batchID, now, id)
			if err != nil {
				return fmt.Errorf("set batch id: %w", err)
			}
			if rows, _ := res.RowsAffected(); rows == 0 {
				return fmt.Errorf("task %s: %w", id, ErrNotFound)
			}
		}
		return nil
	})
}

// queuedAndStatuses loads the queued tasks in selection order plus a
// status-by-ID map over all tasks for dependency checks.
func queuedAndStatuses(ctx context.Context, q store.Querier) ([]*Task, map[string]Status, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT * FROM tasks ORDER BY priority DESC, created_at ASC, seq ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	all, err := collectTasks(rows)
	if err != nil {
		return nil, nil, err
	}

	statuses := make(map[string]Status, len(all))
	var queued []*Task
	for _, t := range all {
		statuses[t.ID] = t.Status
		if t.Status == StatusQueued {
			queued = append(queued, t)
		}
	}
	return queued, statuses, nil
}

// unmetDeps returns the dependency IDs of t that are missing or not done.
func unmetDeps(t *Task, statuses map[string]Status) []string {
	var unmet []string
	for _, dep := range t.DependsOn {
		if st, ok := statuses[dep]; !ok || st != StatusDone {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func getTask(ctx context.Context, q store.Querier, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var seq int64
	var status, tagsJSON, depsJSON string
	var priority int
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&seq, &t.ID, &t.Title, &t.Description, &priority, &status, &t.Assignee,
		&tagsJSON, &depsJSON, &t.BatchID,
		&t.CreatedAt, &t.UpdatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)

	_ = json.Unmarshal([]byte(tagsJSON), &t.Tags)
	_ = json.Unmarshal([]byte(depsJSON), &t.DependsOn)

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
