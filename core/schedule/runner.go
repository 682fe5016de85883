package schedule

import (
	"context"
	"time"
)

// Runner periodically re-expands all active schedules so the rolling
// horizon always stays materialized.
type Runner struct {
	expander *Expander
	interval time.Duration
	horizon  time.Duration
}

// NewRunner creates a Runner. interval defaults to one hour and horizon to
// DefaultHorizon when zero.
func NewRunner(e *Expander, interval, horizon time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Runner{expander: e, interval: interval, horizon: horizon}
}

// Run expands immediately and then on every tick until the context is
// canceled.
func (r *Runner) Run(ctx context.Context) {
	tick := time.NewTicker(r.interval)
	defer tick.Stop()
	r.expand(ctx)
	for {
		select {
		case <-tick.C:
			r.expand(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) expand(ctx context.Context) {
	horizon := r.expander.now().Add(r.horizon)
	if err := r.expander.ExpandAll(ctx, horizon); err != nil && r.expander.log != nil {
		r.expander.log.Errorf("schedule expansion: %v", err)
	}
}
