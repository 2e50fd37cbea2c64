// internal/failover/failover.go
package failover

import (
	"context"
	"errors"
	"time"

	"github.com/FairForge/poolwatch/internal/alerting"
	"github.com/FairForge/poolwatch/internal/health"
	"github.com/FairForge/poolwatch/internal/pool"
	"github.com/FairForge/poolwatch/internal/switchover"
)

// Phase represents the deployment-level state, one for the whole deployment
// rather than per pool.
type Phase int

const (
	// PhaseNominal: the active pool is serving and not down.
	PhaseNominal Phase = iota
	// PhaseFailed: the previously active pool is down and traffic has moved
	// to the standby.
	PhaseFailed
	// PhaseRecovering: the failed pool has been healthy for the full
	// recovery-confirmation period.
	PhaseRecovering
)

func (p Phase) String() string {
	switch p {
	case PhaseNominal:
		return "nominal"
	case PhaseFailed:
		return "failed"
	case PhaseRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// ErrSwitchToDownPool rejects any switch, manual or automatic, whose target is
// currently classified down. Traffic is never routed to a known-down pool.
var ErrSwitchToDownPool = errors.New("failover: target pool is down")

// FailbackPolicy decides what happens once a failed pool's recovery is
// confirmed.
type FailbackPolicy string

const (
	// FailbackManual stays on the standby until an operator switches back;
	// the standby becomes the new nominal active pool.
	FailbackManual FailbackPolicy = "manual"
	// FailbackAutomatic switches back to the original pool on confirmation.
	FailbackAutomatic FailbackPolicy = "automatic"
)

// Config holds the engine tunables.
type Config struct {
	// RecoveryConfirmation is how long a failed pool must hold healthy
	// before the engine trusts the recovery. Distinct from and longer than
	// the health dwell.
	RecoveryConfirmation time.Duration
	// Failback selects the post-recovery behavior.
	Failback FailbackPolicy
	// SwitchAttempts bounds how many times a switch command is tried
	// before it is escalated and abandoned.
	SwitchAttempts int
	// SwitchBackoff is the delay before the first retry; it doubles per
	// attempt.
	SwitchBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		RecoveryConfirmation: 30 * time.Second,
		Failback:             FailbackManual,
		SwitchAttempts:       3,
		SwitchBackoff:        500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecoveryConfirmation <= 0 {
		c.RecoveryConfirmation = d.RecoveryConfirmation
	}
	if c.Failback != FailbackAutomatic {
		c.Failback = FailbackManual
	}
	if c.SwitchAttempts <= 0 {
		c.SwitchAttempts = d.SwitchAttempts
	}
	if c.SwitchBackoff <= 0 {
		c.SwitchBackoff = d.SwitchBackoff
	}
	return c
}

// HealthReader is the engine's view of committed pool health.
type HealthReader interface {
	State(id pool.ID) health.State
}

// Switcher applies switch commands; implemented by the switchover coordinator.
type Switcher interface {
	Apply(ctx context.Context, cmd switchover.Command) (pool.ActiveConfig, error)
	LastKnown() pool.ActiveConfig
}

// Alerter accepts alert events; implemented by the alert dispatcher.
type Alerter interface {
	Dispatch(ev alerting.Event)
}

// Status is the queryable engine state. HealthySince is the zero time unless
// the failed pool is currently holding healthy.
type Status struct {
	Phase         Phase     `json:"-"`
	PhaseName     string    `json:"phase"`
	FailedPool    pool.ID   `json:"failed_pool,omitempty"`
	SwitchPending bool      `json:"switch_pending"`
	HealthySince  time.Time `json:"failed_pool_healthy_since"`
}
