package strategy

import (
	"math"

	"github.com/fyrsmithlabs/decisiond/internal/scenario"
)

// FactorName identifies one evaluation criterion.
type FactorName string

const (
	FactorTaskAlignment     FactorName = "task_alignment"
	FactorUrgencyMatch      FactorName = "urgency_match"
	FactorHistoricalSuccess FactorName = "historical_success"
	FactorRiskTolerance     FactorName = "risk_tolerance"
	FactorTimeFit           FactorName = "time_fit"
)

// FactorNames lists the criteria in canonical order.
var FactorNames = []FactorName{
	FactorTaskAlignment,
	FactorUrgencyMatch,
	FactorHistoricalSuccess,
	FactorRiskTolerance,
	FactorTimeFit,
}

// Weights maps each criterion to its evaluation weight. The evaluator
// normalizes at scoring time, so weights need not sum to 1.
type Weights map[FactorName]float64

// DefaultWeights returns the uniform starting weights.
func DefaultWeights() Weights {
	w := make(Weights, len(FactorNames))
	for _, name := range FactorNames {
		w[name] = 0.2
	}
	return w
}

// Clone returns a copy of the weights.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Factors are the per-strategy criterion scores, each in [0,1].
type Factors map[FactorName]float64

// Evaluation is one strategy's full score card.
type Evaluation struct {
	Strategy   Strategy `json:"strategy"`
	Factors    Factors  `json:"factors"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
}

// historicalBlend is the baseline/empirical mix for the historical-success
// factor once empirical data exists.
const (
	baselineShare  = 0.3
	empiricalShare = 0.7
)

// sparseEvalPenalty scales confidence down on sparse scenarios.
const sparseEvalPenalty = 0.8

// Evaluator scores the strategy catalogue against a scenario. It holds no
// state of its own; weights and empirical success rates are supplied by the
// manager per call.
type Evaluator struct{}

// NewEvaluator constructs an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate scores every catalogue strategy. empirical maps strategy id to
// its learned success rate; strategies with no recorded outcomes fall back
// to their baseline alone.
func (e *Evaluator) Evaluate(c *scenario.Context, weights Weights, empirical map[string]float64) ([]Evaluation, error) {
	if c == nil {
		return nil, scenario.ErrNilScenario
	}
	if len(weights) == 0 {
		weights = DefaultWeights()
	}

	out := make([]Evaluation, 0, len(catalogue))
	for _, s := range Catalogue() {
		factors := Factors{
			FactorTaskAlignment:     taskAlignment(c, s),
			FactorUrgencyMatch:      urgencyMatch(c, s),
			FactorHistoricalSuccess: historicalSuccess(s, empirical),
			FactorRiskTolerance:     riskTolerance(c, s),
			FactorTimeFit:           timeFit(c, s),
		}

		out = append(out, Evaluation{
			Strategy:   s,
			Factors:    factors,
			Score:      weightedScore(factors, weights),
			Confidence: evalConfidence(c, factors),
		})
	}
	return out, nil
}

// weightedScore is the normalized weighted sum of the factor scores.
func weightedScore(factors Factors, weights Weights) float64 {
	var sum, total float64
	for _, name := range FactorNames {
		w := weights[name]
		if w < 0 {
			w = 0
		}
		sum += w * factors[name]
		total += w
	}
	if total == 0 {
		return 0
	}
	return scenario.Clamp01(sum / total)
}

// evalConfidence applies the same low-variance heuristic as the verdict
// judge: criteria that agree are more trustworthy than one strong signal.
func evalConfidence(c *scenario.Context, factors Factors) float64 {
	values := make([]float64, 0, len(FactorNames))
	for _, name := range FactorNames {
		values = append(values, factors[name])
	}

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

	confidence := 1 - math.Sqrt(variance)
	if c.Sparse() {
		confidence *= sparseEvalPenalty
	}
	return scenario.Clamp01(confidence)
}

// taskAlignment measures posture fit: high-stakes work aligns with resistant
// strategies, throwaway work aligns with compliant ones.
func taskAlignment(c *scenario.Context, s Strategy) float64 {
	stakes := 0.5*c.Priority.Score() + 0.3*scenario.Clamp01(c.Progress) + 0.2*scenario.Clamp01(c.ImpactLevel)
	resistance := 1 - s.Compliance()
	return closeness(stakes, resistance)
}

// urgencyMatch measures request fit: a hard-pressing request aligns with
// compliant strategies.
func urgencyMatch(c *scenario.Context, s Strategy) float64 {
	pressure := 0.7*c.Urgency.Score() + 0.3*c.Force.Score()
	return closeness(pressure, s.Compliance())
}

// historicalSuccess blends the catalogue baseline with the learned empirical
// rate once outcomes exist.
func historicalSuccess(s Strategy, empirical map[string]float64) float64 {
	rate, ok := empirical[s.ID]
	if !ok {
		return s.BaselineSuccess
	}
	return scenario.Clamp01(baselineShare*s.BaselineSuccess + empiricalShare*rate)
}

// riskTolerance measures how well the strategy's risk posture matches the
// scenario's appetite for risk: a healthy, trusted environment tolerates
// riskier strategies.
func riskTolerance(c *scenario.Context, s Strategy) float64 {
	appetite := 0.3*(1-scenario.Clamp01(c.ErrorRate)) +
		0.3*scenario.Clamp01(c.DataIntegrity) +
		0.2*(1-scenario.Clamp01(c.ResourceUsage)) +
		0.2*scenario.Clamp01(c.TrustScore)
	return closeness(appetite, s.Risk.Score())
}

// timeFit measures whether the strategy's expected duration fits the request
// time budget. No budget means a neutral score.
func timeFit(c *scenario.Context, s Strategy) float64 {
	if c.TimeBudget <= 0 {
		return 0.5
	}
	ratio := float64(s.ExpectedDuration) / float64(c.TimeBudget)
	switch {
	case ratio <= 0.5:
		return 1.0
	case ratio >= 1.5:
		return 0.0
	default:
		return 1.5 - ratio
	}
}

// closeness maps the absolute difference of two unit-interval values onto
// [0,1], 1 meaning equal.
func closeness(a, b float64) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	return scenario.Clamp01(1 - d)
}
