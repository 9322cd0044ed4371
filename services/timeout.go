package services

import (
	"context"
	"log/slog"
	"time"
)

const DefaultReapInterval = 30 * time.Second

// IdleReaper periodically cancels interviews nobody has touched for a while.
type IdleReaper struct {
	engine      *InterviewEngine
	idleTimeout time.Duration
	interval    time.Duration
	message     string
	now         func() time.Time
}

func NewIdleReaper(engine *InterviewEngine, cfg InterviewConfig) *IdleReaper {
	interval := cfg.ReapInterval
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	message := cfg.CancelMessage
	if message == "" {
		message = "Interview cancelled after a period of inactivity."
	}
	return &IdleReaper{
		engine:      engine,
		idleTimeout: cfg.IdleTimeout,
		interval:    interval,
		message:     message,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdleReaper) Enabled() bool {
	return r.idleTimeout > 0
}

// Run sweeps every interval until ctx is done. It returns at once when disabled.
func (r *IdleReaper) Run(ctx context.Context) {
	if !r.Enabled() {
		return
	}
	slog.Info("Idle reaper started", "idle_timeout", r.idleTimeout, "interval", r.interval)

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

// Sweep cancels every session idle for longer than the timeout.
func (r *IdleReaper) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.idleTimeout)
	cancelled, err := r.engine.CancelIdleSessions(ctx, cutoff, r.message)
	if err != nil {
		slog.Error("Idle sweep failed", "error", err)
		return 0
	}
	if cancelled > 0 {
		slog.Info("Idle sessions cancelled", "count", cancelled, "cutoff", cutoff)
	}
	return cancelled
}
