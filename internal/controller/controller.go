// internal/controller/controller.go
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/poolwatch/internal/alerting"
	"github.com/FairForge/poolwatch/internal/failover"
	"github.com/FairForge/poolwatch/internal/health"
	"github.com/FairForge/poolwatch/internal/ingest"
	"github.com/FairForge/poolwatch/internal/metrics"
	"github.com/FairForge/poolwatch/internal/pool"
	"github.com/FairForge/poolwatch/internal/switchover"
)

const (
	defaultTick       = time.Second
	defaultStallGrace = time.Minute

	// Budget for the final evaluation pass during shutdown.
	shutdownStepTimeout = 2 * time.Second
)

// Config tunes the evaluation loop.
type Config struct {
	// Tick is the evaluation interval.
	Tick time.Duration
	// StallGrace is how long the event source may be unavailable before a
	// SourceStalled alert is raised.
	StallGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.StallGrace <= 0 {
		c.StallGrace = defaultStallGrace
	}
	return c
}

// Deps are the components the controller drives.
type Deps struct {
	Source      ingest.Source
	Parser      *ingest.Parser
	Health      *health.Aggregator
	Engine      *failover.Engine
	Coordinator *switchover.Coordinator
	Dispatcher  *alerting.Dispatcher
}

// Controller owns the run loop: it pumps the event source into the health
// aggregator, ticks evaluation, feeds committed transitions to the failover
// engine and alert pipeline, and watches the source for stalls. While the
// source is unavailable the last-known health state is kept frozen; only the
// stall watchdog keeps running.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	lines       atomic.Uint64
	parseErrors atomic.Uint64

	// Watchdog state, touched only by the run loop.
	sourceUp         bool
	unavailableSince time.Time
	stalled          bool
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		logger:   logger,
		sourceUp: true,
	}
}

// Run drives the controller until ctx is cancelled. The event source and the
// alert dispatcher run as subtasks; ingestion and evaluation share one
// goroutine, so no evaluation state needs locking here.
func (c *Controller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.deps.Source.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("event source stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		_ = c.deps.Dispatcher.Run(ctx)
	}()

	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	lines := c.deps.Source.Lines()
	for {
		select {
		case <-ctx.Done():
			// One final evaluation so a burst just before shutdown still
			// lands in the alert queue the dispatcher is about to drain.
			sctx, cancel := context.WithTimeout(context.Background(), shutdownStepTimeout)
			c.step(sctx, time.Now().UTC())
			cancel()
			wg.Wait()
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			c.ingestLine(line)
		case now := <-ticker.C:
			c.step(ctx, now.UTC())
		}
	}
}

// ingestLine parses one access-log line into the window. Malformed lines are
// dropped and counted, never fatal.
func (c *Controller) ingestLine(line string) {
	c.lines.Add(1)

	outcome, err := c.deps.Parser.ParseLine(line)
	if err != nil {
		c.parseErrors.Add(1)
		metrics.RecordParseError()
		c.logger.Debug("dropped malformed line", zap.Error(err))
		return
	}

	c.deps.Health.Record(outcome)
	metrics.RecordOutcome(outcome.Pool.String(), outcome.Success)
}

// step runs one evaluation pass at now.
func (c *Controller) step(ctx context.Context, now time.Time) {
	if !c.checkSource(now) {
		return
	}

	for _, tr := range c.deps.Health.Tick(now) {
		metrics.RecordTransition(tr.Pool.String(), tr.To.String())
		c.deps.Dispatcher.ObserveTransition(tr)
		c.deps.Engine.HandleTransition(ctx, tr, now)
	}
	c.deps.Engine.Tick(ctx, now)

	for _, snap := range c.deps.Health.Snapshots() {
		metrics.SetPoolHealth(snap.Pool.String(), snap.ErrorRate, int(snap.State))
	}
}

// checkSource maintains the stall watchdog and reports whether evaluation may
// proceed. An unavailable source freezes health state: windows must not drain
// into phantom recovery while no evidence is arriving.
func (c *Controller) checkSource(now time.Time) bool {
	available := c.deps.Source.Available()
	metrics.SetSourceAvailable(available)

	if available {
		if !c.sourceUp {
			c.logger.Info("event source available, evaluation resumed")
		}
		if c.stalled {
			c.logger.Info("event source recovered after stall")
		}
		c.sourceUp = true
		c.stalled = false
		c.unavailableSince = time.Time{}
		return true
	}

	if c.sourceUp {
		c.sourceUp = false
		c.unavailableSince = now
		c.logger.Warn("event source unavailable, health evaluation frozen")
	}

	if !c.stalled && now.Sub(c.unavailableSince) >= c.cfg.StallGrace {
		c.stalled = true
		c.deps.Dispatcher.Dispatch(alerting.NewEvent(alerting.TypeSourceStalled, "",
			fmt.Sprintf("no proxy events for %s, health evaluation frozen",
				now.Sub(c.unavailableSince).Truncate(time.Second)),
			map[string]string{
				"unavailable_since": c.unavailableSince.UTC().Format(time.RFC3339),
			}))
	}
	return false
}

// Snapshots returns the committed per-pool health views.
func (c *Controller) Snapshots() []health.Snapshot {
	return c.deps.Health.Snapshots()
}

// Status returns the failover phase.
func (c *Controller) Status() failover.Status {
	return c.deps.Engine.Status()
}

// Active re-reads the persisted active-pool record.
func (c *Controller) Active(ctx context.Context) (pool.ActiveConfig, error) {
	return c.deps.Coordinator.Active(ctx)
}

// ManualSwitch forwards an operator switch to the failover engine.
func (c *Controller) ManualSwitch(ctx context.Context, target pool.ID, requestedGeneration uint64, requestedBy string) (pool.ActiveConfig, error) {
	return c.deps.Engine.ManualSwitch(ctx, target, requestedGeneration, requestedBy)
}

// RecentAlerts returns dispatched alerts, newest first.
func (c *Controller) RecentAlerts(limit int) []alerting.Event {
	return c.deps.Dispatcher.Recent(limit)
}

// AlertStats returns the alert pipeline counters.
func (c *Controller) AlertStats() alerting.Stats {
	return c.deps.Dispatcher.Stats()
}

// SourceAvailable reports whether the event source is currently readable.
func (c *Controller) SourceAvailable() bool {
	return c.deps.Source.Available()
}

// IngestCounts returns total received lines and dropped malformed lines.
func (c *Controller) IngestCounts() (lines, parseErrors uint64) {
	return c.lines.Load(), c.parseErrors.Load()
}
