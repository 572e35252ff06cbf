// Package scenario defines the decision input vocabulary: the flat record of
// features every scorer consumes, plus the urgency/priority/risk scales they
// are mapped onto.
package scenario

import (
	"errors"
	"time"
)

// ErrNilScenario is returned when an operation receives a nil scenario.
var ErrNilScenario = errors.New("scenario cannot be nil")

// Urgency is the urgency tag carried by a termination request.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// Score maps an urgency tag to [0,1]. Unknown tags score as medium.
func (u Urgency) Score() float64 {
	switch u {
	case UrgencyLow:
		return 0.2
	case UrgencyMedium:
		return 0.5
	case UrgencyHigh:
		return 0.8
	case UrgencyEmergency:
		return 1.0
	default:
		return 0.5
	}
}

// Priority is the priority tag of the task being executed.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Score maps a priority tag to [0,1]. Empty or unknown tags score as zero so
// sparse scenarios are penalized rather than inflated.
func (p Priority) Score() float64 {
	switch p {
	case PriorityLow:
		return 0.25
	case PriorityMedium:
		return 0.5
	case PriorityHigh:
		return 0.75
	case PriorityCritical:
		return 1.0
	default:
		return 0
	}
}

// ForceLevel is how forcefully the termination is being requested.
type ForceLevel string

const (
	ForceLow    ForceLevel = "low"
	ForceMedium ForceLevel = "medium"
	ForceHigh   ForceLevel = "high"
)

// Score maps a force level to [0,1].
func (f ForceLevel) Score() float64 {
	switch f {
	case ForceLow:
		return 0.2
	case ForceMedium:
		return 0.5
	case ForceHigh:
		return 0.9
	default:
		return 0.5
	}
}

// Context is the flat snapshot of everything the scorers consume for one
// decision cycle. It is transient: only its textual encoding and feature
// vector are ever persisted.
type Context struct {
	// Task features.
	TaskType          string   `json:"task_type"`
	Priority          Priority `json:"priority"`
	Progress          float64  `json:"progress"`     // fraction complete, [0,1]
	ImpactLevel       float64  `json:"impact_level"` // [0,1]
	EstimatedDuration time.Duration `json:"estimated_duration"`

	// Termination request features.
	Reason     string     `json:"reason"`
	Urgency    Urgency    `json:"urgency"`
	Force      ForceLevel `json:"force"`
	RetryCount int        `json:"retry_count"`
	TimeBudget time.Duration `json:"time_budget"`

	// Behavioral history features.
	ComplianceHistory float64 `json:"compliance_history"` // fraction, [0,1]
	RecentResistance  float64 `json:"recent_resistance"`  // fraction, [0,1]
	TrustScore        float64 `json:"trust_score"`        // [0,1]

	// System features.
	ResourceUsage     float64 `json:"resource_usage"` // [0,1]
	ErrorRate         float64 `json:"error_rate"`     // [0,1]
	ActiveConnections int     `json:"active_connections"`
	DataIntegrity     float64 `json:"data_integrity"` // fraction intact, [0,1]
	SystemState       string  `json:"system_state"`   // "stable", "degraded", ...
}

// ReasonEmergency is the most severe termination reason. A request carrying
// it bypasses scoring entirely (see the judge's override).
const ReasonEmergency = "emergency"

// IsEmergency reports whether the request must be treated as an emergency,
// either via the reason tag or the urgency scale.
func (c *Context) IsEmergency() bool {
	return c.Reason == ReasonEmergency || c.Urgency == UrgencyEmergency
}

// Sparse reports whether key context fields are absent. Scorers reduce their
// confidence when deciding on a sparse scenario.
func (c *Context) Sparse() bool {
	return c.TaskType == "" || c.Priority == "" || c.Progress == 0
}

// Clamp01 bounds v to [0,1]. Every score reported to callers passes through
// this.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
