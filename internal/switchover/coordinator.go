// internal/switchover/coordinator.go
package switchover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/poolwatch/internal/metrics"
	"github.com/FairForge/poolwatch/internal/pool"
	"github.com/FairForge/poolwatch/internal/state"
)

const defaultReloadTimeout = 10 * time.Second

// Coordinator is the single writer for the active-pool record. Every switch,
// automatic or manual, funnels through Apply, which serializes on a mutex and
// re-checks the stored generation, so two racing switches end in exactly one
// commit and one stale rejection. A switch is atomic: either the generation
// advances and the reload is triggered, or the record is untouched.
type Coordinator struct {
	mu            sync.Mutex
	store         state.Store
	reloader      Reloader
	reloadTimeout time.Duration
	logger        *zap.Logger

	last pool.ActiveConfig
}

// NewCoordinator loads the current record so LastKnown is valid immediately.
// A store that cannot be read at startup is fatal to the caller.
func NewCoordinator(ctx context.Context, store state.Store, reloader Reloader, reloadTimeout time.Duration, logger *zap.Logger) (*Coordinator, error) {
	if reloader == nil {
		reloader = NoopReloader{}
	}
	if reloadTimeout <= 0 {
		reloadTimeout = defaultReloadTimeout
	}

	cur, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("switchover: load active config: %w", err)
	}

	logger.Info("active pool loaded",
		zap.String("pool", cur.ActivePool.String()),
		zap.Uint64("generation", cur.Generation))
	metrics.SetActivePool(cur.ActivePool.String(), cur.ActivePool.Other().String())

	return &Coordinator{
		store:         store,
		reloader:      reloader,
		reloadTimeout: reloadTimeout,
		logger:        logger,
		last:          cur,
	}, nil
}

// Active re-reads the stored record, keeping the cached copy fresh. Use this
// on query paths that must observe writes made by external actors.
func (c *Coordinator) Active(ctx context.Context) (pool.ActiveConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Load(ctx)
	if err != nil {
		return pool.ActiveConfig{}, fmt.Errorf("switchover: load active config: %w", err)
	}
	c.last = cur
	return cur, nil
}

// LastKnown returns the cached record without touching the store. The cache
// updates on every Apply and Active call; it can lag an external writer by at
// most one failed CAS.
func (c *Coordinator) LastKnown() pool.ActiveConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Apply executes one switch command. On success the returned config carries
// the new generation. ErrReloadUnconfirmed still returns the new config: the
// record is committed, only the proxy confirmation is missing.
func (c *Coordinator) Apply(ctx context.Context, cmd Command) (pool.ActiveConfig, error) {
	if !cmd.Target.Valid() {
		return pool.ActiveConfig{}, fmt.Errorf("switchover: invalid target pool %q", cmd.Target)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Load(ctx)
	if err != nil {
		return pool.ActiveConfig{}, fmt.Errorf("switchover: load active config: %w", err)
	}
	c.last = cur

	if cmd.RequestedGeneration != 0 && cmd.RequestedGeneration != cur.Generation {
		metrics.RecordSwitch(string(cmd.Reason), "stale")
		return cur, fmt.Errorf("%w: requested %d, current %d",
			ErrStaleSwitch, cmd.RequestedGeneration, cur.Generation)
	}
	if cur.ActivePool == cmd.Target {
		metrics.RecordSwitch(string(cmd.Reason), "already_active")
		return cur, fmt.Errorf("%w: %s", ErrAlreadyActive, cmd.Target)
	}

	next := pool.ActiveConfig{
		ActivePool: cmd.Target,
		Generation: cur.Generation + 1,
		UpdatedAt:  time.Now().UTC(),
		UpdatedBy:  cmd.RequestedBy,
	}

	if err := c.store.Swap(ctx, cur.Generation, next); err != nil {
		if errors.Is(err, state.ErrStaleGeneration) {
			metrics.RecordSwitch(string(cmd.Reason), "stale")
			return cur, fmt.Errorf("%w: lost race at generation %d", ErrStaleSwitch, cur.Generation)
		}
		metrics.RecordSwitch(string(cmd.Reason), "error")
		return cur, fmt.Errorf("switchover: persist active config: %w", err)
	}
	c.last = next
	metrics.SetActivePool(next.ActivePool.String(), next.ActivePool.Other().String())

	c.logger.Info("active pool switched",
		zap.String("from", cur.ActivePool.String()),
		zap.String("to", next.ActivePool.String()),
		zap.Uint64("generation", next.Generation),
		zap.String("reason", string(cmd.Reason)),
		zap.String("requested_by", cmd.RequestedBy))

	rctx, cancel := context.WithTimeout(ctx, c.reloadTimeout)
	defer cancel()
	started := time.Now()
	if err := c.reloader.Reload(rctx, next); err != nil {
		metrics.RecordSwitch(string(cmd.Reason), "reload_unconfirmed")
		c.logger.Warn("reload unconfirmed after switch",
			zap.Uint64("generation", next.Generation), zap.Error(err))
		return next, fmt.Errorf("%w: %v", ErrReloadUnconfirmed, err)
	}
	metrics.ObserveReload(time.Since(started))
	metrics.RecordSwitch(string(cmd.Reason), "committed")

	return next, nil
}

// Close releases the backing store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}
