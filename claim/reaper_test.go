package claim

import (
	"context"
	"testing"
	"time"

	"github.com/GoCodeAlone/pinion/session"
	"github.com/GoCodeAlone/pinion/task"
)

func TestReaper_SweepChecksOutStaleSessions(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	id := env.createTask(t, &task.Task{Title: "t"})
	alice := env.checkIn(t, "alice")
	if _, err := env.engine.ClaimTask(ctx, alice.ID, id); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	// Zero grace: any session is stale on the next sweep.
	reaper := NewReaper(env.engine, time.Nanosecond, time.Hour, nil)
	time.Sleep(10 * time.Millisecond)
	reaper.Sweep(ctx)

	got, err := env.sessions.Get(ctx, alice.ID)
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if got.Status != session.StatusOffline {
		t.Errorf("Status = %q, want %q", got.Status, session.StatusOffline)
	}

	// Reaping releases the session's locks regardless of policy.
	holder, err := env.locks.Holder(ctx, id)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder != nil {
		t.Errorf("holder = %+v, want nil after reap", holder)
	}
}

func TestReaper_SweepSparesActiveSessions(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	alice := env.checkIn(t, "alice")

	reaper := NewReaper(env.engine, time.Hour, time.Hour, nil)
	reaper.Sweep(ctx)

	got, err := env.sessions.Get(ctx, alice.ID)
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if got.Status != session.StatusActive {
		t.Errorf("Status = %q, want %q", got.Status, session.StatusActive)
	}
}

func TestReaper_StartStop(t *testing.T) {
	env := newTestEnv(t, Options{})

	reaper := NewReaper(env.engine, time.Hour, time.Millisecond, nil)
	if err := reaper.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := reaper.Start(context.Background()); err == nil {
		t.Error("second Start succeeded, want error")
	}
	reaper.Stop()
	// Stop again is a no-op.
	reaper.Stop()
}
