// internal/alerting/event.go
package alerting

import (
	"time"

	"github.com/google/uuid"

	"github.com/FairForge/poolwatch/internal/pool"
)

// Type classifies an alert. Severity and the recommended action are fixed
// functions of the type, never chosen by the caller.
type Type string

const (
	TypeFailover          Type = "failover"
	TypeErrorRate         Type = "error_rate"
	TypeRecovery          Type = "recovery"
	TypeBothPoolsDown     Type = "both_pools_down"
	TypeSwitchFailed      Type = "switch_failed"
	TypeReloadUnconfirmed Type = "reload_unconfirmed"
	TypeSourceStalled     Type = "source_stalled"
)

// Severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (t Type) Severity() Severity {
	switch t {
	case TypeBothPoolsDown, TypeSwitchFailed:
		return SeverityCritical
	case TypeRecovery:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// RecommendedAction returns the operator guidance attached to every alert of
// this type.
func (t Type) RecommendedAction() string {
	switch t {
	case TypeFailover:
		return "Verify standby capacity and investigate the failed pool's logs."
	case TypeErrorRate:
		return "Inspect the most recent deploy or release for the affected pool."
	case TypeRecovery:
		return "Confirm manual fail-back if desired."
	case TypeBothPoolsDown:
		return "All pools failing: check shared dependencies and upstream health immediately."
	case TypeSwitchFailed:
		return "Automatic switchover is failing: inspect the state store and reload hook, then switch manually."
	case TypeReloadUnconfirmed:
		return "Recorded active pool may not match live routing: verify the proxy configuration reload."
	case TypeSourceStalled:
		return "No proxy events are arriving: verify the access log path and proxy health."
	default:
		return ""
	}
}

// Title is the short human heading used by chat-style sinks.
func (t Type) Title() string {
	switch t {
	case TypeFailover:
		return "Pool Failover"
	case TypeErrorRate:
		return "High Error Rate"
	case TypeRecovery:
		return "Pool Recovery"
	case TypeBothPoolsDown:
		return "Both Pools Down"
	case TypeSwitchFailed:
		return "Switchover Failed"
	case TypeReloadUnconfirmed:
		return "Reload Unconfirmed"
	case TypeSourceStalled:
		return "Event Source Stalled"
	default:
		return string(t)
	}
}

// Event is one alert, immutable once created.
type Event struct {
	ID                string            `json:"id"`
	Type              Type              `json:"type"`
	Severity          Severity          `json:"severity"`
	Pool              pool.ID           `json:"pool,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
	Description       string            `json:"description"`
	RecommendedAction string            `json:"recommended_action"`
	Details           map[string]string `json:"details,omitempty"`
}

// NewEvent builds an event with the type's fixed severity and recommended
// action. Pool may be empty for deployment-wide alerts.
func NewEvent(t Type, p pool.ID, description string, details map[string]string) Event {
	return Event{
		ID:                uuid.New().String(),
		Type:              t,
		Severity:          t.Severity(),
		Pool:              p,
		Timestamp:         time.Now().UTC(),
		Description:       description,
		RecommendedAction: t.RecommendedAction(),
		Details:           details,
	}
}
