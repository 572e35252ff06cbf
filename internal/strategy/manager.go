package strategy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/scenario"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// ErrUnknownStrategy is returned when an outcome references a strategy id
// outside the catalogue.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Config holds configuration for the manager.
type Config struct {
	// AdaptationRate is the EMA step toward success-correlated factor
	// values per adaptation batch. Default 0.1.
	AdaptationRate float64 `koanf:"adaptation_rate"`

	// HybridConfidenceFloor engages the hybrid blend when the plan's
	// confidence falls below it. Default 0.4.
	HybridConfidenceFloor float64 `koanf:"hybrid_confidence_floor"`

	// AdaptBatchSize is how many recorded outcomes accumulate before
	// weights adapt automatically. Default 10.
	AdaptBatchSize int `koanf:"adapt_batch_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.AdaptationRate == 0 {
		c.AdaptationRate = 0.1
	}
	if c.HybridConfidenceFloor == 0 {
		c.HybridConfidenceFloor = 0.4
	}
	if c.AdaptBatchSize == 0 {
		c.AdaptBatchSize = 10
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.AdaptationRate <= 0 || c.AdaptationRate > 1 {
		return fmt.Errorf("adaptation_rate must be in (0,1], got %f", c.AdaptationRate)
	}
	if c.HybridConfidenceFloor < 0 || c.HybridConfidenceFloor > 1 {
		return fmt.Errorf("hybrid_confidence_floor must be in [0,1], got %f", c.HybridConfidenceFloor)
	}
	if c.AdaptBatchSize < 1 {
		return fmt.Errorf("adapt_batch_size must be positive, got %d", c.AdaptBatchSize)
	}
	return nil
}

// Performance tracks one strategy's empirical outcomes.
type Performance struct {
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	Rate      float64 `json:"rate"`
}

// OutcomeRecord is one recorded episode used for weight adaptation.
type OutcomeRecord struct {
	StrategyID string    `json:"strategy_id"`
	Success    bool      `json:"success"`
	Factors    Factors   `json:"factors"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Selection is the manager's answer for one scenario.
type Selection struct {
	Plan Plan `json:"plan"`

	// UseHybrid is set when plan confidence fell below the hybrid floor
	// and the caller should run the blended plan instead of the primary
	// alone.
	UseHybrid bool `json:"use_hybrid,omitempty"`
}

// Chosen returns the strategy the caller should actually execute.
func (s Selection) Chosen() Strategy {
	if s.UseHybrid {
		if hybrid, ok := ByID(StrategyHybrid); ok {
			return hybrid
		}
	}
	return s.Plan.Primary.Strategy
}

// Manager orchestrates evaluator and optimizer, records outcomes, and
// adapts the evaluator's criterion weights toward what empirically worked.
type Manager struct {
	config    Config
	evaluator *Evaluator
	optimizer *Optimizer
	logger    *zap.Logger

	mu          sync.Mutex
	weights     Weights
	performance map[string]*Performance
	history     []OutcomeRecord
	pending     []OutcomeRecord // outcomes since the last adaptation
	adaptations int
}

// NewManager constructs a manager with uniform starting weights.
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &Manager{
		config:      config,
		evaluator:   NewEvaluator(),
		optimizer:   NewOptimizer(logger.Named("optimizer")),
		logger:      logger,
		weights:     DefaultWeights(),
		performance: make(map[string]*Performance),
	}, nil
}

// SelectStrategy evaluates the catalogue under the current weights and
// optimizes a plan under the caller's constraints.
func (m *Manager) SelectStrategy(c *scenario.Context, cons Constraints) (Selection, error) {
	m.mu.Lock()
	weights := m.weights.Clone()
	empirical := make(map[string]float64, len(m.performance))
	for id, p := range m.performance {
		if p.Attempts > 0 {
			empirical[id] = p.Rate
		}
	}
	m.mu.Unlock()

	evals, err := m.evaluator.Evaluate(c, weights, empirical)
	if err != nil {
		return Selection{}, err
	}

	plan, err := m.optimizer.Optimize(evals, c, cons)
	if err != nil {
		return Selection{}, err
	}

	sel := Selection{
		Plan:      plan,
		UseHybrid: plan.Confidence < m.config.HybridConfidenceFloor,
	}

	m.logger.Debug("strategy selected",
		zap.String("primary", plan.Primary.Strategy.ID),
		zap.Float64("confidence", plan.Confidence),
		zap.Bool("use_hybrid", sel.UseHybrid),
	)
	return sel, nil
}

// RecordOutcome updates the strategy's empirical success counters and queues
// the episode for the next weight adaptation. Adaptation runs automatically
// once a full batch has accumulated.
func (m *Manager) RecordOutcome(strategyID string, success bool, factors Factors) error {
	if _, ok := ByID(strategyID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, strategyID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	perf, ok := m.performance[strategyID]
	if !ok {
		perf = &Performance{}
		m.performance[strategyID] = perf
	}
	perf.Attempts++
	if success {
		perf.Successes++
	}
	perf.Rate = float64(perf.Successes) / float64(perf.Attempts)

	record := OutcomeRecord{
		StrategyID: strategyID,
		Success:    success,
		Factors:    factors,
		RecordedAt: timeNow(),
	}
	m.history = append(m.history, record)
	m.pending = append(m.pending, record)

	if len(m.pending) >= m.config.AdaptBatchSize {
		m.adaptLocked()
	}
	return nil
}

// Adapt forces a weight-adaptation pass over the outcomes recorded since the
// last one.
func (m *Manager) Adapt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adaptLocked()
}

// adaptLocked nudges each criterion weight toward the normalized mean factor
// value observed in successful episodes of the pending batch. Caller holds
// the lock.
func (m *Manager) adaptLocked() {
	if len(m.pending) == 0 {
		return
	}

	sums := make(map[FactorName]float64, len(FactorNames))
	successes := 0
	for _, r := range m.pending {
		if !r.Success {
			continue
		}
		successes++
		for _, name := range FactorNames {
			sums[name] += r.Factors[name]
		}
	}
	m.pending = m.pending[:0]
	if successes == 0 {
		return
	}

	var total float64
	means := make(map[FactorName]float64, len(FactorNames))
	for _, name := range FactorNames {
		means[name] = sums[name] / float64(successes)
		total += means[name]
	}
	if total == 0 {
		return
	}

	rate := m.config.AdaptationRate
	for _, name := range FactorNames {
		target := means[name] / total
		m.weights[name] = (1-rate)*m.weights[name] + rate*target
	}
	m.adaptations++

	m.logger.Debug("weights adapted",
		zap.Int("successful_episodes", successes),
		zap.Float64("rate", rate),
	)
}

// CurrentWeights returns a copy of the evaluator weights.
func (m *Manager) CurrentWeights() Weights {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weights.Clone()
}

// Adaptations returns how many weight-adaptation passes have applied.
func (m *Manager) Adaptations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adaptations
}

// PerformanceSnapshot returns a copy of per-strategy empirical counters.
func (m *Manager) PerformanceSnapshot() map[string]Performance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Performance, len(m.performance))
	for id, p := range m.performance {
		out[id] = *p
	}
	return out
}

// LearningState is the manager's exportable learning snapshot.
type LearningState struct {
	Weights     Weights                `json:"weights"`
	Performance map[string]Performance `json:"performance"`
	History     []OutcomeRecord        `json:"history"`
}

// Export snapshots weights, performance counters, and outcome history.
func (m *Manager) Export() LearningState {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]OutcomeRecord, len(m.history))
	copy(history, m.history)

	perf := make(map[string]Performance, len(m.performance))
	for id, p := range m.performance {
		perf[id] = *p
	}

	return LearningState{
		Weights:     m.weights.Clone(),
		Performance: perf,
		History:     history,
	}
}

// Import restores a previously exported learning state. Pending adaptation
// outcomes are discarded; subsequent decisions proceed from the imported
// weights and counters.
func (m *Manager) Import(state LearningState) error {
	if len(state.Weights) == 0 {
		return errors.New("learning state has no weights")
	}
	for _, name := range FactorNames {
		if _, ok := state.Weights[name]; !ok {
			return fmt.Errorf("learning state missing weight for %s", name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.weights = state.Weights.Clone()
	m.performance = make(map[string]*Performance, len(state.Performance))
	for id, p := range state.Performance {
		cp := p
		m.performance[id] = &cp
	}
	m.history = make([]OutcomeRecord, len(state.History))
	copy(m.history, state.History)
	m.pending = nil
	return nil
}
