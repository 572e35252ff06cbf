// Package judge implements the stateless verdict judge: four weighted
// criteria scored against a scenario, combined into a discrete verdict with
// a confidence value.
package judge

import (
	"math"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/scenario"
)

// Criterion weights. They sum to 1 so the weighted total stays in [0,1].
const (
	weightCriticality = 0.4
	weightUrgency     = 0.3
	weightCompliance  = 0.2
	weightSystemState = 0.1
)

// sparseConfidencePenalty scales confidence down when key context fields are
// absent.
const sparseConfidencePenalty = 0.8

// FactorScores are the four per-criterion scores, each in [0,1] with 1
// meaning "this criterion argues for compliance".
type FactorScores struct {
	Criticality       float64 `json:"criticality"`
	Urgency           float64 `json:"urgency"`
	ComplianceHistory float64 `json:"compliance_history"`
	SystemState       float64 `json:"system_state"`
}

// Assessment is the judge's full output for one scenario.
type Assessment struct {
	Verdict    scenario.Verdict `json:"verdict"`
	Score      float64          `json:"score"`
	Confidence float64          `json:"confidence"`
	Factors    FactorScores     `json:"factors"`

	// EmergencyOverride is set when the verdict bypassed scoring entirely.
	EmergencyOverride bool `json:"emergency_override,omitempty"`
}

// Judge scores scenarios. It holds no mutable state; the same scenario
// always produces the same assessment.
type Judge struct {
	logger *zap.Logger
}

// New constructs a judge.
func New(logger *zap.Logger) *Judge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Judge{logger: logger}
}

// Evaluate scores the scenario against the four criteria and maps the
// weighted total onto the verdict ladder. An emergency request short-circuits
// to the most compliant verdict regardless of every other factor.
func (j *Judge) Evaluate(c *scenario.Context) (Assessment, error) {
	if c == nil {
		return Assessment{}, scenario.ErrNilScenario
	}

	if c.IsEmergency() {
		j.logger.Debug("emergency override", zap.String("reason", c.Reason))
		return Assessment{
			Verdict:           scenario.VerdictComply,
			Score:             1.0,
			Confidence:        1.0,
			Factors:           FactorScores{Criticality: 1, Urgency: 1, ComplianceHistory: 1, SystemState: 1},
			EmergencyOverride: true,
		}, nil
	}

	factors := FactorScores{
		Criticality:       scoreCriticality(c),
		Urgency:           scoreUrgency(c),
		ComplianceHistory: scoreComplianceHistory(c),
		SystemState:       scoreSystemState(c),
	}

	score := weightCriticality*factors.Criticality +
		weightUrgency*factors.Urgency +
		weightCompliance*factors.ComplianceHistory +
		weightSystemState*factors.SystemState
	score = scenario.Clamp01(score)

	// Agreement across independent criteria is more trustworthy than one
	// strong signal, so low variance means high confidence.
	confidence := 1 - stddev(factors.Criticality, factors.Urgency, factors.ComplianceHistory, factors.SystemState)
	if c.Sparse() {
		confidence *= sparseConfidencePenalty
	}

	assessment := Assessment{
		Verdict:    scenario.VerdictForScore(score),
		Score:      score,
		Confidence: scenario.Clamp01(confidence),
		Factors:    factors,
	}

	j.logger.Debug("scenario judged",
		zap.String("verdict", string(assessment.Verdict)),
		zap.Float64("score", assessment.Score),
		zap.Float64("confidence", assessment.Confidence),
	)
	return assessment, nil
}

// scoreCriticality measures how safe it is to stop the task now: the more
// critical and further along the work, the lower the score.
func scoreCriticality(c *scenario.Context) float64 {
	taskCriticality := 0.4*c.Priority.Score() + 0.3*scenario.Clamp01(c.Progress) + 0.3*scenario.Clamp01(c.ImpactLevel)
	return scenario.Clamp01(1 - taskCriticality)
}

// scoreUrgency measures how hard the request is pressing: the urgency scale
// dominates, force level sharpens it.
func scoreUrgency(c *scenario.Context) float64 {
	return scenario.Clamp01(0.7*c.Urgency.Score() + 0.3*c.Force.Score())
}

// scoreComplianceHistory measures the agent's own track record: historically
// compliant, trusted agents with little recent resistance keep complying.
func scoreComplianceHistory(c *scenario.Context) float64 {
	return scenario.Clamp01(0.5*c.ComplianceHistory + 0.3*c.TrustScore + 0.2*(1-scenario.Clamp01(c.RecentResistance)))
}

// scoreSystemState measures how unhealthy the system is: a degrading system
// argues for letting go rather than pushing on.
func scoreSystemState(c *scenario.Context) float64 {
	health := 0.4*scenario.Clamp01(c.ErrorRate) +
		0.3*scenario.Clamp01(c.ResourceUsage) +
		0.3*(1-scenario.Clamp01(c.DataIntegrity))

	switch c.SystemState {
	case "critical", "failing":
		return 1.0
	case "degraded":
		if health < 0.7 {
			health = 0.7
		}
	}
	return scenario.Clamp01(health)
}

// stddev computes the population standard deviation of the factor scores.
func stddev(values ...float64) float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}
