package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/GoCodeAlone/pinion/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pinion.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRegistry(st, "")
}

func mustCreate(t *testing.T, r *Registry, tk *Task) string {
	t.Helper()
	id, err := r.Create(context.Background(), tk)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Task{
		Title:       "Build parser",
		Description: "Tokenize input",
		Priority:    PriorityHigh,
		Tags:        []string{"go", "parser"},
	})
	if id != "TASK-1" {
		t.Errorf("ID = %q, want %q", id, "TASK-1")
	}

	got, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Build parser" {
		t.Errorf("Title = %q, want %q", got.Title, "Build parser")
	}
	if got.Status != StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, StatusQueued)
	}
	if got.Priority != PriorityHigh {
		t.Errorf("Priority = %v, want %v", got.Priority, PriorityHigh)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "go" {
		t.Errorf("Tags = %v, want [go parser]", got.Tags)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}

	id2 := mustCreate(t, r, &Task{Title: "Second"})
	if id2 != "TASK-2" {
		t.Errorf("second ID = %q, want %q", id2, "TASK-2")
	}
}

func TestRegistry_CustomPrefix(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "pinion.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	r := NewRegistry(st, "JOB")
	id := mustCreate(t, r, &Task{Title: "x"})
	if id != "JOB-1" {
		t.Errorf("ID = %q, want %q", id, "JOB-1")
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(context.Background(), "TASK-99")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ListOrdering(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	mustCreate(t, r, &Task{Title: "first-low", Priority: PriorityLow})
	mustCreate(t, r, &Task{Title: "first-high", Priority: PriorityHigh})
	mustCreate(t, r, &Task{Title: "second-high", Priority: PriorityHigh})
	mustCreate(t, r, &Task{Title: "urgent", Priority: PriorityUrgent})

	tasks, err := r.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"urgent", "first-high", "second-high", "first-low"}
	if len(tasks) != len(want) {
		t.Fatalf("List returned %d tasks, want %d", len(tasks), len(want))
	}
	for i, title := range want {
		if tasks[i].Title != title {
			t.Errorf("tasks[%d].Title = %q, want %q", i, tasks[i].Title, title)
		}
	}
}

func TestRegistry_ListFilters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := mustCreate(t, r, &Task{Title: "a"})
	mustCreate(t, r, &Task{Title: "b"})

	if err := r.MarkInProgress(ctx, a, "Alice"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}

	queued := StatusQueued
	tasks, err := r.List(ctx, Filter{Status: &queued})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "b" {
		t.Errorf("queued filter returned %v", tasks)
	}

	tasks, err = r.List(ctx, Filter{Assignee: "Alice"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "a" {
		t.Errorf("assignee filter returned %v", tasks)
	}

	tasks, err = r.List(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("limit filter returned %d tasks, want 1", len(tasks))
	}
}

func TestRegistry_UpdateKeepsStatusAndAssignee(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Task{Title: "orig"})
	if err := r.MarkInProgress(ctx, id, "Alice"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}

	got, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Title = "renamed"
	got.Status = StatusDone      // must be ignored
	got.Assignee = "Bob"         // must be ignored
	got.Priority = PriorityUrgent
	if err := r.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	after, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Title != "renamed" {
		t.Errorf("Title = %q, want %q", after.Title, "renamed")
	}
	if after.Priority != PriorityUrgent {
		t.Errorf("Priority = %v, want %v", after.Priority, PriorityUrgent)
	}
	if after.Status != StatusInProgress {
		t.Errorf("Status = %q, want %q (Update must not change status)", after.Status, StatusInProgress)
	}
	if after.Assignee != "Alice" {
		t.Errorf("Assignee = %q, want %q (Update must not change assignee)", after.Assignee, "Alice")
	}
}

func TestRegistry_UpdateNotFound(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Update(context.Background(), &Task{ID: "TASK-42", Title: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ClaimableDependencyGating(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := mustCreate(t, r, &Task{Title: "a"})
	b := mustCreate(t, r, &Task{Title: "b", DependsOn: []string{a}})

	claimable, err := r.Claimable(ctx, false)
	if err != nil {
		t.Fatalf("Claimable: %v", err)
	}
	if len(claimable) != 1 || claimable[0].ID != a {
		t.Fatalf("claimable = %v, want only %s", ids(claimable), a)
	}

	if err := r.MarkInProgress(ctx, a, "Alice"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	claimable, err = r.Claimable(ctx, false)
	if err != nil {
		t.Fatalf("Claimable: %v", err)
	}
	if len(claimable) != 0 {
		t.Errorf("claimable while dep in progress = %v, want none", ids(claimable))
	}

	if err := r.MarkDone(ctx, a); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	claimable, err = r.Claimable(ctx, false)
	if err != nil {
		t.Fatalf("Claimable: %v", err)
	}
	if len(claimable) != 1 || claimable[0].ID != b {
		t.Errorf("claimable after dep done = %v, want only %s", ids(claimable), b)
	}
}

func TestRegistry_ClaimableOrderAfterDependencyCompletes(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := mustCreate(t, r, &Task{Title: "a", Priority: PriorityHigh})
	b := mustCreate(t, r, &Task{Title: "b", Priority: PriorityHigh, DependsOn: []string{a}})
	c := mustCreate(t, r, &Task{Title: "c", Priority: PriorityLow})

	claimable, err := r.Claimable(ctx, false)
	if err != nil {
		t.Fatalf("Claimable: %v", err)
	}
	if got := ids(claimable); len(got) != 2 || got[0] != a || got[1] != c {
		t.Fatalf("claimable = %v, want [%s %s]", got, a, c)
	}

	if err := r.MarkInProgress(ctx, a, "Alice"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := r.MarkDone(ctx, a); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	claimable, err = r.Claimable(ctx, false)
	if err != nil {
		t.Fatalf("Claimable: %v", err)
	}
	if got := ids(claimable); len(got) != 2 || got[0] != b || got[1] != c {
		t.Errorf("claimable after completing %s = %v, want [%s %s]", a, got, b, c)
	}
}

func TestRegistry_MissingDependencyBlocks(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Task{Title: "orphan", DependsOn: []string{"TASK-404"}})

	claimable, err := r.Claimable(ctx, false)
	if err != nil {
		t.Fatalf("Claimable: %v", err)
	}
	if len(claimable) != 0 {
		t.Errorf("claimable = %v, want none", ids(claimable))
	}

	blocked, err := r.BlockedTasks(ctx)
	if err != nil {
		t.Fatalf("BlockedTasks: %v", err)
	}
	if len(blocked) != 1 || blocked[0].Task.ID != id {
		t.Fatalf("blocked = %d entries, want the orphan", len(blocked))
	}
	if len(blocked[0].UnmetDeps) != 1 || blocked[0].UnmetDeps[0] != "TASK-404" {
		t.Errorf("UnmetDeps = %v, want [TASK-404]", blocked[0].UnmetDeps)
	}
}

func TestRegistry_DependencyCycleBlocksBoth(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := mustCreate(t, r, &Task{Title: "a"})
	b := mustCreate(t, r, &Task{Title: "b", DependsOn: []string{a}})

	ta, err := r.Get(ctx, a)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ta.DependsOn = []string{b}
	if err := r.Update(ctx, ta); err != nil {
		t.Fatalf("Update: %v", err)
	}

	claimable, err := r.Claimable(ctx, false)
	if err != nil {
		t.Fatalf("Claimable: %v", err)
	}
	if len(claimable) != 0 {
		t.Errorf("cycle members claimable = %v, want none", ids(claimable))
	}

	blocked, err := r.BlockedTasks(ctx)
	if err != nil {
		t.Fatalf("BlockedTasks: %v", err)
	}
	if len(blocked) != 2 {
		t.Errorf("blocked = %d entries, want 2", len(blocked))
	}
}

func TestRegistry_ClaimableExcludeAssigned(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	mustCreate(t, r, &Task{Title: "reserved", Assignee: "Alice"})
	free := mustCreate(t, r, &Task{Title: "free"})

	claimable, err := r.Claimable(ctx, true)
	if err != nil {
		t.Fatalf("Claimable: %v", err)
	}
	if len(claimable) != 1 || claimable[0].ID != free {
		t.Errorf("claimable = %v, want only %s", ids(claimable), free)
	}

	claimable, err = r.Claimable(ctx, false)
	if err != nil {
		t.Fatalf("Claimable: %v", err)
	}
	if len(claimable) != 2 {
		t.Errorf("claimable without exclusion = %d, want 2", len(claimable))
	}
}

func TestRegistry_MarkInProgressTransitions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Task{Title: "t"})
	if err := r.MarkInProgress(ctx, id, "Alice"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}

	got, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusInProgress || got.Assignee != "Alice" {
		t.Errorf("got status=%q assignee=%q", got.Status, got.Assignee)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	// Second start must fail.
	if err := r.MarkInProgress(ctx, id, "Bob"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second MarkInProgress err = %v, want ErrInvalidTransition", err)
	}
}

func TestRegistry_MarkInProgressUnmetDeps(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := mustCreate(t, r, &Task{Title: "a"})
	b := mustCreate(t, r, &Task{Title: "b", DependsOn: []string{a}})

	err := r.MarkInProgress(ctx, b, "Alice")
	var unmet *UnmetDependencyError
	if !errors.As(err, &unmet) {
		t.Fatalf("MarkInProgress err = %v, want UnmetDependencyError", err)
	}
	if len(unmet.Unmet) != 1 || unmet.Unmet[0] != a {
		t.Errorf("Unmet = %v, want [%s]", unmet.Unmet, a)
	}
}

func TestRegistry_MarkDone(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := mustCreate(t, r, &Task{Title: "t"})

	// Done straight from queued must fail.
	if err := r.MarkDone(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkDone from queued err = %v, want ErrInvalidTransition", err)
	}

	if err := r.MarkInProgress(ctx, id, "Alice"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := r.MarkDone(ctx, id); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	got, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusDone {
		t.Errorf("Status = %q, want %q", got.Status, StatusDone)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestRegistry_SetBatchID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := mustCreate(t, r, &Task{Title: "a"})
	b := mustCreate(t, r, &Task{Title: "b"})
	mustCreate(t, r, &Task{Title: "c"})

	if err := r.SetBatchID(ctx, []string{a, b}, "batch-7"); err != nil {
		t.Fatalf("SetBatchID: %v", err)
	}

	unbatched, err := r.List(ctx, Filter{Unbatched: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(unbatched) != 1 || unbatched[0].Title != "c" {
		t.Errorf("unbatched = %v, want only c", ids(unbatched))
	}

	if err := r.SetBatchID(ctx, []string{"TASK-404"}, "batch-8"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetBatchID unknown err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	mustCreate(t, r, &Task{Title: "low", Priority: PriorityLow})
	mustCreate(t, r, &Task{Title: "urgent", Priority: PriorityUrgent})

	all, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// Snapshot is creation order, not priority order.
	if len(all) != 2 || all[0].Title != "low" || all[1].Title != "urgent" {
		t.Errorf("snapshot order = %v", ids(all))
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
