// internal/switchover/switchover.go
package switchover

import (
	"errors"

	"github.com/FairForge/poolwatch/internal/pool"
)

// Reason records what initiated a switch.
type Reason string

const (
	ReasonAutomatic Reason = "automatic"
	ReasonManual    Reason = "manual"
)

var (
	// ErrStaleSwitch means the command referenced a generation that is no
	// longer current: another switch won the race. The caller must re-read
	// the active config and decide again; the coordinator never retries a
	// stale command with fresh state on its own.
	ErrStaleSwitch = errors.New("switchover: stale generation")

	// ErrAlreadyActive rejects a no-op switch to the pool already serving.
	ErrAlreadyActive = errors.New("switchover: target already active")

	// ErrReloadUnconfirmed reports a switch whose state was persisted but
	// whose proxy reload did not confirm in time. The recorded intent is
	// ahead of the effective routing until the reload lands.
	ErrReloadUnconfirmed = errors.New("switchover: reload unconfirmed")
)

// Command asks the coordinator to make Target the active pool.
//
// RequestedGeneration pins the command to a known prior state: if set (non-zero)
// and no longer current, the command fails with ErrStaleSwitch instead of
// overwriting concurrent changes. Zero means no pin, which is what automatic
// switches use; the zero value is indistinguishable from pinning generation 0,
// which only arises before the first ever switch where the pin is a no-op
// anyway.
type Command struct {
	Target              pool.ID `json:"target"`
	Reason              Reason  `json:"reason"`
	RequestedGeneration uint64  `json:"requested_generation,omitempty"`
	RequestedBy         string  `json:"requested_by,omitempty"`
}
