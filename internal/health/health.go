// internal/health/health.go
package health

import (
	"time"

	"github.com/FairForge/poolwatch/internal/pool"
)

// State represents the health classification of a pool
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateDown
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Operational reports whether a pool in this state may receive traffic.
// Degraded still serves; only Down is excluded as a switch target.
func (s State) Operational() bool {
	return s != StateDown
}

// Transition is one committed state change, emitted exactly once per change.
// ErrorRate and Samples are the window stats at commit time, carried along so
// consumers can describe the transition without re-querying.
type Transition struct {
	Pool      pool.ID
	From      State
	To        State
	At        time.Time
	ErrorRate float64
	Samples   int
}

// Snapshot is the queryable view of one pool's health.
type Snapshot struct {
	Pool      pool.ID   `json:"pool"`
	State     State     `json:"-"`
	StateName string    `json:"state"`
	ErrorRate float64   `json:"error_rate"`
	Samples   int       `json:"samples"`
	Since     time.Time `json:"since"`
}

// Config holds the aggregator thresholds.
type Config struct {
	// Window is the sliding-window duration over which error rates are
	// computed.
	Window time.Duration
	// Dwell is how long a computed state must hold before it is committed.
	// A state that reverts earlier is discarded silently.
	Dwell time.Duration
	// HighThreshold and LowThreshold split the error rate into
	// down / degraded / healthy bands.
	HighThreshold float64
	LowThreshold  float64
	// MinSamples is the evidence floor: below it a pool always classifies
	// as healthy, whatever the raw rate says.
	MinSamples int
}

// DefaultConfig mirrors the thresholds the monitor shipped with: a 30s window,
// 2% error threshold, 20-sample floor and a 5s dwell.
func DefaultConfig() Config {
	return Config{
		Window:        30 * time.Second,
		Dwell:         5 * time.Second,
		HighThreshold: 0.02,
		LowThreshold:  0.01,
		MinSamples:    20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Dwell < 0 {
		c.Dwell = 0
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = d.HighThreshold
	}
	if c.LowThreshold <= 0 || c.LowThreshold > c.HighThreshold {
		c.LowThreshold = c.HighThreshold / 2
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	return c
}
