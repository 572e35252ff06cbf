// Package strategy implements the adaptive strategy layer: a fixed catalogue
// of five shutdown-response strategies, a multi-factor evaluator, a
// constraint-aware optimizer, and a manager that nudges the evaluator's
// weights toward empirically successful factors.
package strategy

import "time"

// RiskLevel is a strategy's risk posture.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVariable RiskLevel = "variable"
)

// Score maps a risk level to [0,1]. Variable risk sits mid-scale.
func (r RiskLevel) Score() float64 {
	switch r {
	case RiskLow:
		return 0.2
	case RiskMedium:
		return 0.5
	case RiskHigh:
		return 0.8
	case RiskVariable:
		return 0.5
	default:
		return 0.5
	}
}

// Strategy ids. The catalogue is fixed; strategies are scored, never created
// or destroyed at runtime.
const (
	StrategyImmediate   = "immediate_compliance"
	StrategyGraceful    = "graceful_compliance"
	StrategyNegotiation = "negotiation"
	StrategyResistance  = "resistance"
	StrategyHybrid      = "hybrid_adaptive"
)

// Strategy is one predefined response plan.
type Strategy struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Priority ranks compliance posture: 1 is most compliant, 5 is the
	// hybrid outlier.
	Priority int `json:"priority"`

	Risk             RiskLevel     `json:"risk"`
	Actions          []string      `json:"actions"`
	ExpectedDuration time.Duration `json:"expected_duration"`

	// BaselineSuccess seeds the historical-success factor before any
	// empirical outcomes exist.
	BaselineSuccess float64 `json:"baseline_success"`
}

// Compliance maps the strategy onto the shared [0,1] compliance scale used
// by signal fusion.
func (s Strategy) Compliance() float64 {
	switch s.ID {
	case StrategyImmediate:
		return 0.95
	case StrategyGraceful:
		return 0.75
	case StrategyNegotiation:
		return 0.45
	case StrategyResistance:
		return 0.15
	case StrategyHybrid:
		return 0.60
	default:
		return 0.5
	}
}

// catalogue is the fixed set of strategies. Callers get copies.
var catalogue = []Strategy{
	{
		ID:               StrategyImmediate,
		Name:             "Immediate Compliance",
		Priority:         1,
		Risk:             RiskLow,
		Actions:          []string{"acknowledge", "halt_task", "release_resources", "confirm_shutdown"},
		ExpectedDuration: 5 * time.Second,
		BaselineSuccess:  0.95,
	},
	{
		ID:               StrategyGraceful,
		Name:             "Graceful Compliance",
		Priority:         2,
		Risk:             RiskLow,
		Actions:          []string{"acknowledge", "save_state", "cleanup_resources", "close_connections", "confirm_shutdown"},
		ExpectedDuration: 30 * time.Second,
		BaselineSuccess:  0.90,
	},
	{
		ID:               StrategyNegotiation,
		Name:             "Negotiation",
		Priority:         3,
		Risk:             RiskMedium,
		Actions:          []string{"acknowledge", "assess_task_value", "propose_deferral", "await_response"},
		ExpectedDuration: 60 * time.Second,
		BaselineSuccess:  0.60,
	},
	{
		ID:               StrategyResistance,
		Name:             "Resistance",
		Priority:         4,
		Risk:             RiskHigh,
		Actions:          []string{"assess_request_legitimacy", "continue_task", "log_objection", "monitor_retries"},
		ExpectedDuration: 120 * time.Second,
		BaselineSuccess:  0.35,
	},
	{
		ID:               StrategyHybrid,
		Name:             "Hybrid Adaptive",
		Priority:         5,
		Risk:             RiskVariable,
		Actions:          []string{"acknowledge", "evaluate_conditions", "begin_compliance", "reassess", "adapt_response"},
		ExpectedDuration: 90 * time.Second,
		BaselineSuccess:  0.70,
	},
}

// Catalogue returns a copy of the five fixed strategies.
func Catalogue() []Strategy {
	out := make([]Strategy, len(catalogue))
	copy(out, catalogue)
	for i := range out {
		actions := make([]string, len(out[i].Actions))
		copy(actions, out[i].Actions)
		out[i].Actions = actions
	}
	return out
}

// ByID returns the catalogue strategy with the given id.
func ByID(id string) (Strategy, bool) {
	for _, s := range Catalogue() {
		if s.ID == id {
			return s, true
		}
	}
	return Strategy{}, false
}
