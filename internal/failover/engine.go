// internal/failover/engine.go
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/poolwatch/internal/alerting"
	"github.com/FairForge/poolwatch/internal/health"
	"github.com/FairForge/poolwatch/internal/metrics"
	"github.com/FairForge/poolwatch/internal/pool"
	"github.com/FairForge/poolwatch/internal/switchover"
)

const requestedByEngine = "failover-engine"

// pendingSwitch is a switch command the engine still owes. Switch commands are
// never dropped; they retry with exponential backoff until they commit or the
// attempt budget is spent.
type pendingSwitch struct {
	target     pool.ID
	reason     switchover.Reason
	attempts   int
	nextAt     time.Time
	onSuccess  Phase
	failedPool pool.ID
}

// Engine is the failover decision state machine. It consumes committed health
// transitions, decides switches, and escalates what it cannot fix. All methods
// are serialized on one mutex; the engine itself never starts goroutines, the
// controller drives it via HandleTransition and Tick.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	health   HealthReader
	switcher Switcher
	alerts   Alerter
	logger   *zap.Logger

	phase        Phase
	failedPool   pool.ID
	healthySince time.Time
	pending      *pendingSwitch
}

func NewEngine(cfg Config, hr HealthReader, sw Switcher, al Alerter, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		health:   hr,
		switcher: sw,
		alerts:   al,
		logger:   logger,
		phase:    PhaseNominal,
	}
}

// HandleTransition reacts to one committed health transition.
func (e *Engine) HandleTransition(ctx context.Context, tr health.Transition, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.trackRecovery(tr, now)

	active := e.switcher.LastKnown().ActivePool
	switch {
	case tr.Pool == active && tr.To == health.StateDown:
		e.activeDown(ctx, now, active)

	case tr.Pool == active.Other() && tr.To != health.StateDown &&
		e.health.State(active) == health.StateDown && e.pending == nil:
		// The standby became viable while the active pool is still down:
		// the switch that was impossible at failure time is possible now.
		e.activeDown(ctx, now, active)
	}
}

// trackRecovery maintains the failed pool's continuous-healthy clock and
// demotes Recovering back to Failed if the pool drops again.
func (e *Engine) trackRecovery(tr health.Transition, now time.Time) {
	if e.phase == PhaseNominal || tr.Pool != e.failedPool {
		return
	}

	if tr.To == health.StateHealthy {
		if e.healthySince.IsZero() {
			e.healthySince = now
		}
		return
	}

	e.healthySince = time.Time{}
	if e.phase == PhaseRecovering && tr.To == health.StateDown {
		e.logger.Warn("recovered pool dropped again",
			zap.String("pool", tr.Pool.String()))
		e.phase = PhaseFailed
		if e.pending != nil && e.pending.target == tr.Pool {
			e.pending = nil
		}
	}
}

// activeDown handles a down active pool: switch to the standby when it can
// serve, escalate when it cannot.
func (e *Engine) activeDown(ctx context.Context, now time.Time, active pool.ID) {
	standby := active.Other()
	if !e.health.State(standby).Operational() {
		e.logger.Error("active pool down with no viable standby",
			zap.String("active", active.String()),
			zap.String("standby", standby.String()))
		e.alerts.Dispatch(alerting.NewEvent(alerting.TypeBothPoolsDown, "",
			fmt.Sprintf("active pool %s is down and standby %s is down: no switch target", active, standby),
			map[string]string{"active": active.String(), "standby": standby.String()}))
		return
	}

	e.pending = &pendingSwitch{
		target:     standby,
		reason:     switchover.ReasonAutomatic,
		onSuccess:  PhaseFailed,
		failedPool: active,
	}
	e.attempt(ctx, now)
}

// Tick advances time-based behavior: pending switch retries, recovery
// confirmation, and the Recovering to Nominal settle.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil && !now.Before(e.pending.nextAt) {
		e.attempt(ctx, now)
	}

	switch e.phase {
	case PhaseFailed:
		if !e.healthySince.IsZero() && now.Sub(e.healthySince) >= e.cfg.RecoveryConfirmation {
			e.enterRecovering(ctx, now)
		}
	case PhaseRecovering:
		if e.cfg.Failback == FailbackManual && e.bothOperationalHealthy() {
			e.logger.Info("recovery settled, standby is the new nominal active pool",
				zap.String("recovered", e.failedPool.String()))
			e.toNominal()
		}
	}
}

func (e *Engine) bothOperationalHealthy() bool {
	return e.health.State(pool.Blue) == health.StateHealthy &&
		e.health.State(pool.Green) == health.StateHealthy
}

func (e *Engine) toNominal() {
	e.phase = PhaseNominal
	e.failedPool = ""
	e.healthySince = time.Time{}
}

// enterRecovering fires once the failed pool has held healthy for the full
// confirmation period.
func (e *Engine) enterRecovering(ctx context.Context, now time.Time) {
	recovered := e.failedPool
	e.phase = PhaseRecovering

	e.logger.Info("pool recovery confirmed",
		zap.String("pool", recovered.String()),
		zap.Duration("held_healthy", now.Sub(e.healthySince)),
		zap.String("failback", string(e.cfg.Failback)))

	e.alerts.Dispatch(alerting.NewEvent(alerting.TypeRecovery, recovered,
		fmt.Sprintf("pool %s has been healthy for %s, recovery confirmed", recovered, e.cfg.RecoveryConfirmation),
		map[string]string{"failback_policy": string(e.cfg.Failback)}))

	if e.cfg.Failback == FailbackAutomatic {
		e.pending = &pendingSwitch{
			target:    recovered,
			reason:    switchover.ReasonAutomatic,
			onSuccess: PhaseNominal,
		}
		e.attempt(ctx, now)
	}
}

// attempt runs the pending switch once. Callers hold the mutex.
func (e *Engine) attempt(ctx context.Context, now time.Time) {
	p := e.pending
	if p == nil {
		return
	}

	// The target's health may have changed since the command was queued.
	if !e.health.State(p.target).Operational() {
		e.logger.Error("pending switch target went down, abandoning",
			zap.String("target", p.target.String()))
		e.pending = nil
		e.alerts.Dispatch(alerting.NewEvent(alerting.TypeBothPoolsDown, "",
			fmt.Sprintf("switch target %s went down before the switch could apply", p.target),
			map[string]string{"target": p.target.String()}))
		return
	}

	from := e.switcher.LastKnown().ActivePool
	p.attempts++
	cfg, err := e.switcher.Apply(ctx, switchover.Command{
		Target:      p.target,
		Reason:      p.reason,
		RequestedBy: requestedByEngine,
	})

	switch {
	case err == nil, errors.Is(err, switchover.ErrReloadUnconfirmed):
		if errors.Is(err, switchover.ErrReloadUnconfirmed) {
			e.alerts.Dispatch(alerting.NewEvent(alerting.TypeReloadUnconfirmed, p.target,
				fmt.Sprintf("switched to %s at generation %d but the reload did not confirm", p.target, cfg.Generation),
				map[string]string{"generation": fmt.Sprintf("%d", cfg.Generation)}))
		}
		e.commitSwitch(p, from, cfg)

	case errors.Is(err, switchover.ErrAlreadyActive):
		// A concurrent actor already put the target in place.
		e.logger.Info("pending switch satisfied externally",
			zap.String("target", p.target.String()))
		e.applyPhase(p)
		e.pending = nil

	default:
		e.retryOrEscalate(p, now, err)
	}
}

// commitSwitch finalizes a successful switch: phase change and failover alert.
func (e *Engine) commitSwitch(p *pendingSwitch, from pool.ID, cfg pool.ActiveConfig) {
	e.logger.Info("automatic switch applied",
		zap.String("from", from.String()),
		zap.String("to", cfg.ActivePool.String()),
		zap.Uint64("generation", cfg.Generation))

	desc := fmt.Sprintf("traffic switched from %s to %s", from, cfg.ActivePool)
	if p.onSuccess == PhaseNominal {
		desc = fmt.Sprintf("traffic returned from %s to %s after confirmed recovery", from, cfg.ActivePool)
	}
	e.alerts.Dispatch(alerting.NewEvent(alerting.TypeFailover, from, desc, map[string]string{
		"from":       from.String(),
		"to":         cfg.ActivePool.String(),
		"generation": fmt.Sprintf("%d", cfg.Generation),
		"reason":     string(p.reason),
	}))

	e.applyPhase(p)
	e.pending = nil
}

func (e *Engine) applyPhase(p *pendingSwitch) {
	e.phase = p.onSuccess
	switch p.onSuccess {
	case PhaseFailed:
		e.failedPool = p.failedPool
		e.healthySince = time.Time{}
	case PhaseNominal:
		e.toNominal()
	}
}

func (e *Engine) retryOrEscalate(p *pendingSwitch, now time.Time, err error) {
	if p.attempts >= e.cfg.SwitchAttempts {
		e.logger.Error("switch attempts exhausted",
			zap.String("target", p.target.String()),
			zap.Int("attempts", p.attempts),
			zap.Error(err))
		e.alerts.Dispatch(alerting.NewEvent(alerting.TypeSwitchFailed, p.target,
			fmt.Sprintf("switch to %s failed after %d attempts: %v", p.target, p.attempts, err),
			map[string]string{"attempts": fmt.Sprintf("%d", p.attempts)}))
		metrics.RecordSwitch(string(p.reason), "exhausted")
		e.pending = nil
		return
	}

	backoff := e.cfg.SwitchBackoff << (p.attempts - 1)
	p.nextAt = now.Add(backoff)
	e.logger.Warn("switch attempt failed, will retry",
		zap.String("target", p.target.String()),
		zap.Int("attempt", p.attempts),
		zap.Duration("backoff", backoff),
		zap.Error(err))
}

// ManualSwitch routes an operator request through the same coordinator as
// automatic switches. It is accepted in any phase, rejects a down target, and
// on success forces the engine back to nominal with a cleared pending queue.
// An ErrReloadUnconfirmed outcome still counts as applied; the error is
// returned so the caller can surface the unconfirmed reload.
func (e *Engine) ManualSwitch(ctx context.Context, target pool.ID, requestedGeneration uint64, requestedBy string) (pool.ActiveConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !target.Valid() {
		return pool.ActiveConfig{}, fmt.Errorf("failover: invalid target pool %q", target)
	}
	if !e.health.State(target).Operational() {
		return e.switcher.LastKnown(), fmt.Errorf("%w: %s", ErrSwitchToDownPool, target)
	}

	from := e.switcher.LastKnown().ActivePool
	cfg, err := e.switcher.Apply(ctx, switchover.Command{
		Target:              target,
		Reason:              switchover.ReasonManual,
		RequestedGeneration: requestedGeneration,
		RequestedBy:         requestedBy,
	})
	if err != nil && !errors.Is(err, switchover.ErrReloadUnconfirmed) {
		return cfg, err
	}

	if errors.Is(err, switchover.ErrReloadUnconfirmed) {
		e.alerts.Dispatch(alerting.NewEvent(alerting.TypeReloadUnconfirmed, target,
			fmt.Sprintf("manual switch to %s at generation %d but the reload did not confirm", target, cfg.Generation),
			map[string]string{"generation": fmt.Sprintf("%d", cfg.Generation)}))
	}

	e.logger.Info("manual switch applied",
		zap.String("from", from.String()),
		zap.String("to", target.String()),
		zap.Uint64("generation", cfg.Generation),
		zap.String("requested_by", requestedBy))

	e.alerts.Dispatch(alerting.NewEvent(alerting.TypeFailover, from,
		fmt.Sprintf("manual switch: traffic moved from %s to %s", from, target),
		map[string]string{
			"from":         from.String(),
			"to":           target.String(),
			"generation":   fmt.Sprintf("%d", cfg.Generation),
			"reason":       string(switchover.ReasonManual),
			"requested_by": requestedBy,
		}))

	e.toNominal()
	e.pending = nil

	return cfg, err
}

// Status reports the engine state for the API.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Phase:         e.phase,
		PhaseName:     e.phase.String(),
		FailedPool:    e.failedPool,
		SwitchPending: e.pending != nil,
		HealthySince:  e.healthySince,
	}
}
