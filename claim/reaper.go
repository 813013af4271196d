package claim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Reaper periodically checks out sessions that have gone quiet and
// releases their locks so stalled work returns to the backlog. Lock
// expiry alone already unblocks tasks; the reaper additionally tidies
// the session roster so the agent directory reflects reality.
type Reaper struct {
	engine   *Engine
	grace    time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper. Sessions idle longer than grace are swept
// every interval.
func NewReaper(engine *Engine, grace, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = 30 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{engine: engine, grace: grace, interval: interval, logger: logger}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("reaper already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx)
	return nil
}

// Stop halts the sweep loop and waits for the current sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep checks out every session idle past the grace window, releasing
// its locks regardless of the engine's checkout policy.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.grace)
	stale, err := r.engine.sessions.ListStale(ctx, cutoff)
	if err != nil {
		r.logger.Warn("list stale sessions", slog.Any("err", err))
		return
	}
	for _, s := range stale {
		if err := r.engine.CheckOut(ctx, s.ID); err != nil {
			r.logger.Warn("reap session", slog.String("session", s.ID), slog.Any("err", err))
			continue
		}
		if err := r.engine.locks.ReleaseSession(ctx, s.ID); err != nil {
			r.logger.Warn("release session locks", slog.String("session", s.ID), slog.Any("err", err))
		}
		r.logger.Info("reaped stale session",
			slog.String("session", s.ID),
			slog.String("agent", s.AgentName),
			slog.Time("last_activity", s.LastActivityAt))
	}
}
