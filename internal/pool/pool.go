// internal/pool/pool.go
package pool

import (
	"fmt"
	"time"
)

// ID identifies one of the two serving pools.
type ID string

const (
	Blue  ID = "blue"
	Green ID = "green"
)

// ParseID validates a pool name from external input (log lines, API requests).
func ParseID(s string) (ID, error) {
	switch ID(s) {
	case Blue:
		return Blue, nil
	case Green:
		return Green, nil
	default:
		return "", fmt.Errorf("pool: unknown pool %q", s)
	}
}

// Valid reports whether the ID is one of the two known pools.
func (id ID) Valid() bool {
	return id == Blue || id == Green
}

// Other returns the peer pool: the standby of blue is green and vice versa.
func (id ID) Other() ID {
	if id == Blue {
		return Green
	}
	return Blue
}

func (id ID) String() string {
	return string(id)
}

// Pool describes one serving pool. ID and Addr are fixed for the process
// lifetime; Release is an opaque version string that only changes on redeploy.
type Pool struct {
	ID      ID     `json:"id" yaml:"id"`
	Addr    string `json:"addr" yaml:"addr"`
	Release string `json:"release,omitempty" yaml:"release"`
}

// RequestOutcome is one proxy-observed request result, attributed to the pool
// that served it. Produced by the ingest layer, consumed once by the health
// aggregator.
type RequestOutcome struct {
	Pool      ID
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
}

// ActiveConfig is the single source of truth for which pool serves traffic.
// Generation increases by exactly one per committed switch and is the key for
// optimistic concurrency between automatic and manual switch paths.
type ActiveConfig struct {
	ActivePool ID        `json:"active_pool"`
	Generation uint64    `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
	UpdatedBy  string    `json:"updated_by,omitempty"`
}
