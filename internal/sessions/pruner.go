package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner runs the periodic low-priority sweep: inactive sessions are
// removed from the store, and registered hooks (constitution rule pruning,
// metrics) observe each sweep. The sweep never touches active requests.
type Pruner struct {
	store    Store
	window   time.Duration
	schedule string
	logger   *slog.Logger
	hooks    []func(cutoff time.Time)

	cron *cron.Cron
}

// NewPruner configures a sweep over store with the given inactivity window
// and cron schedule (robfig/cron syntax, @every accepted).
func NewPruner(store Store, window time.Duration, schedule string, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:    store,
		window:   window,
		schedule: schedule,
		logger:   logger,
	}
}

// OnSweep registers a hook invoked after each sweep with the cutoff used.
// Hooks must be registered before Start.
func (p *Pruner) OnSweep(hook func(cutoff time.Time)) {
	p.hooks = append(p.hooks, hook)
}

// Start schedules the sweep. Returns an error for an invalid schedule.
func (p *Pruner) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(p.schedule, p.Sweep); err != nil {
		return err
	}
	p.cron = c
	c.Start()
	p.logger.Info("session pruner started", "schedule", p.schedule, "window", p.window)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (p *Pruner) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// Sweep prunes once. Exposed for the control surface and tests.
func (p *Pruner) Sweep() {
	cutoff := time.Now().Add(-p.window)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pruned, err := p.store.PruneInactive(ctx, cutoff)
	if err != nil {
		p.logger.Warn("session sweep failed", "error", err)
		return
	}
	if pruned > 0 {
		p.logger.Info("inactive sessions pruned", "count", pruned)
	}
	for _, hook := range p.hooks {
		hook(cutoff)
	}
}
