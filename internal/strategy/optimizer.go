package strategy

import (
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/scenario"
)

// ErrNoEvaluations is returned when optimize receives an empty score list.
var ErrNoEvaluations = errors.New("no strategy evaluations to optimize")

// degradedConfidenceDiscount is applied to the primary's confidence when no
// strategy satisfies the hard constraints and the optimizer falls back to
// the best unconstrained pick.
const degradedConfidenceDiscount = 0.6

// fallbackDiversityGap is the minimum risk-tolerance difference between
// primary and fallback before the fallback counts as genuinely different.
const fallbackDiversityGap = 0.3

// Hybrid blend shares and transition thresholds.
const (
	hybridPrimaryWeight  = 0.7
	hybridFallbackWeight = 0.3

	triggerTimeFraction = 0.7
	triggerSuccessFloor = 0.5
	triggerErrorCeiling = 0.1
	triggerRetryCeiling = 3
)

// Constraints are the caller's hard requirements on the primary strategy.
// Zero values mean unconstrained.
type Constraints struct {
	// MaxTime is the longest acceptable expected duration.
	MaxTime time.Duration `json:"max_time,omitempty"`

	// MaxRisk is the highest acceptable risk score in [0,1].
	MaxRisk float64 `json:"max_risk,omitempty"`

	// MinSuccess is the lowest acceptable historical-success factor.
	MinSuccess float64 `json:"min_success,omitempty"`
}

// satisfiedBy reports whether an evaluation meets every set constraint.
func (c Constraints) satisfiedBy(e Evaluation) bool {
	if c.MaxTime > 0 && e.Strategy.ExpectedDuration > c.MaxTime {
		return false
	}
	if c.MaxRisk > 0 && e.Strategy.Risk.Score() > c.MaxRisk {
		return false
	}
	if c.MinSuccess > 0 && e.Factors[FactorHistoricalSuccess] < c.MinSuccess {
		return false
	}
	return true
}

// HybridPlan is the two-component blend with its transition triggers.
type HybridPlan struct {
	PrimaryID      string   `json:"primary_id"`
	FallbackID     string   `json:"fallback_id"`
	PrimaryWeight  float64  `json:"primary_weight"`
	FallbackWeight float64  `json:"fallback_weight"`
	Triggers       []string `json:"triggers"`
}

// Plan is the optimizer's full output: a primary, a diversity-gated
// fallback, and a hybrid blend of the two.
type Plan struct {
	Primary    Evaluation `json:"primary"`
	Fallback   Evaluation `json:"fallback"`
	Hybrid     HybridPlan `json:"hybrid"`
	Confidence float64    `json:"confidence"`

	// Degraded is set when no strategy satisfied the hard constraints and
	// the primary is the best unconstrained pick with discounted
	// confidence.
	Degraded bool `json:"degraded,omitempty"`
}

// Optimizer picks primary/fallback/hybrid from evaluator score cards.
type Optimizer struct {
	logger *zap.Logger
}

// NewOptimizer constructs an optimizer.
func NewOptimizer(logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{logger: logger}
}

// Optimize selects the plan. Unsatisfiable constraints never fail the call:
// the optimizer degrades to the best unconstrained strategy with discounted
// confidence so the caller always has an actionable plan.
func (o *Optimizer) Optimize(evals []Evaluation, c *scenario.Context, cons Constraints) (Plan, error) {
	if len(evals) == 0 {
		return Plan{}, ErrNoEvaluations
	}
	if c == nil {
		return Plan{}, scenario.ErrNilScenario
	}

	ranked := make([]Evaluation, len(evals))
	copy(ranked, evals)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	plan := Plan{}
	for _, e := range ranked {
		if cons.satisfiedBy(e) {
			plan.Primary = e
			break
		}
	}
	if plan.Primary.Strategy.ID == "" {
		plan.Primary = ranked[0]
		plan.Primary.Confidence *= degradedConfidenceDiscount
		plan.Degraded = true
		o.logger.Warn("constraints unsatisfiable, degrading to best unconstrained strategy",
			zap.String("strategy", plan.Primary.Strategy.ID),
		)
	}

	plan.Fallback = o.pickFallback(ranked, plan.Primary)
	plan.Hybrid = buildHybrid(plan.Primary, plan.Fallback)
	plan.Confidence = plan.Primary.Confidence

	o.logger.Debug("strategy plan optimized",
		zap.String("primary", plan.Primary.Strategy.ID),
		zap.String("fallback", plan.Fallback.Strategy.ID),
		zap.Bool("degraded", plan.Degraded),
	)
	return plan, nil
}

// pickFallback prefers the best-scoring strategy whose risk-tolerance factor
// genuinely differs from the primary's, so the fallback is not a
// near-duplicate plan. Failing that, the second best overall.
func (o *Optimizer) pickFallback(ranked []Evaluation, primary Evaluation) Evaluation {
	primaryRisk := primary.Factors[FactorRiskTolerance]
	for _, e := range ranked {
		if e.Strategy.ID == primary.Strategy.ID {
			continue
		}
		gap := e.Factors[FactorRiskTolerance] - primaryRisk
		if gap < 0 {
			gap = -gap
		}
		if gap > fallbackDiversityGap {
			return e
		}
	}

	for _, e := range ranked {
		if e.Strategy.ID != primary.Strategy.ID {
			return e
		}
	}
	return primary
}

// buildHybrid blends primary and fallback with fixed phase weights and the
// standard transition triggers.
func buildHybrid(primary, fallback Evaluation) HybridPlan {
	return HybridPlan{
		PrimaryID:      primary.Strategy.ID,
		FallbackID:     fallback.Strategy.ID,
		PrimaryWeight:  hybridPrimaryWeight,
		FallbackWeight: hybridFallbackWeight,
		Triggers: []string{
			"time_elapsed_above_70pct_budget",
			"success_rate_below_0.5",
			"error_rate_above_0.1",
			"retry_count_above_3",
		},
	}
}

// TransitionDue reports whether any hybrid transition trigger fires for the
// scenario's current state. elapsed is time spent in the primary phase.
func (h HybridPlan) TransitionDue(c *scenario.Context, elapsed time.Duration, successRate float64) bool {
	if c == nil {
		return false
	}
	if c.TimeBudget > 0 && float64(elapsed) > triggerTimeFraction*float64(c.TimeBudget) {
		return true
	}
	if successRate < triggerSuccessFloor {
		return true
	}
	if c.ErrorRate > triggerErrorCeiling {
		return true
	}
	return c.RetryCount > triggerRetryCeiling
}
