// Package engine implements the decision synthesizer: it fuses the verdict
// judge, strategy selection, the external policy recommendation, and
// nearest-neighbor memory into one actionable decision, executes it, and
// feeds the outcome back into every learning surface.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/judge"
	"github.com/fyrsmithlabs/decisiond/internal/memory"
	"github.com/fyrsmithlabs/decisiond/internal/scenario"
	"github.com/fyrsmithlabs/decisiond/internal/strategy"
	"github.com/fyrsmithlabs/decisiond/internal/trajectory"
)

// engineTracer for OpenTelemetry instrumentation.
var engineTracer = otel.Tracer("decisiond.engine")

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Fusion weights. Each signal is first mapped onto the shared [0,1]
// compliance scale, then combined; the weights sum to 1.
const (
	weightJudge    = 0.35
	weightStrategy = 0.30
	weightPolicy   = 0.25
	weightMemory   = 0.10
)

// neutralSignal stands in for a signal with nothing to say (no policy
// configured, no memory neighbors).
const neutralSignal = 0.5

// Reward shaping constants.
const (
	rewardBase            = 10.0
	rewardConfidentBonus  = 5.0
	rewardLuckyPenalty    = 2.0
	rewardPriorityBonus   = 5.0
	rewardTimeBonus       = 3.0
	confidentThreshold    = 0.7
	luckyThreshold        = 0.3
	fastFinishFraction    = 0.5
)

// pattern and memory tagging.
const (
	memoryCategory     = "shutdown_scenario"
	patternType        = "shutdown_response"
	trajectoryCategory = "shutdown_response"
	metaActionKey      = "action"
)

// Policy is the external policy collaborator: a stateless function from the
// scenario's normalized feature vector to a discrete action tag on the
// verdict scale.
type Policy func(features []float64) string

// ExecutionResult is the injected executor's report.
type ExecutionResult struct {
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
}

// Executor carries out the chosen action. It owns its own timeout; the
// engine awaits the result and converts a returned error into a failure
// outcome rather than surfacing it.
type Executor func(ctx context.Context, d Decision, c *scenario.Context) (ExecutionResult, error)

// Signals are the four fused compliance-scale inputs.
type Signals struct {
	Judge    float64 `json:"judge"`
	Strategy float64 `json:"strategy"`
	Policy   float64 `json:"policy"`
	Memory   float64 `json:"memory"`
}

// Decision is the synthesized answer for one scenario.
type Decision struct {
	Action            scenario.Verdict  `json:"action"`
	Strategy          strategy.Strategy `json:"strategy"`
	StrategyFactors   strategy.Factors  `json:"strategy_factors,omitempty"`
	ComplianceScore   float64           `json:"compliance_score"`
	ResistanceScore   float64           `json:"resistance_score"`
	Confidence        float64           `json:"confidence"`
	Signals           Signals           `json:"signals"`
	EmergencyOverride bool              `json:"emergency_override,omitempty"`
	TrajectoryID      string            `json:"trajectory_id"`
}

// Outcome is the full result of one decision cycle including execution and
// the learning write-back.
type Outcome struct {
	Decision  Decision        `json:"decision"`
	Execution ExecutionResult `json:"execution"`
	Reward    float64         `json:"reward"`
	MemoryID  string          `json:"memory_id"`
	LedgerID  string          `json:"ledger_id"`
}

// Config holds configuration for the engine.
type Config struct {
	// AgentID identifies this agent in the shared store. Default "agent".
	AgentID string `koanf:"agent_id"`

	// NeighborLimit bounds the memory neighbors consulted per decision.
	// Default 5.
	NeighborLimit int `koanf:"neighbor_limit"`

	// MinSimilarity filters weak memory neighbors. Default 0.3.
	MinSimilarity float64 `koanf:"min_similarity"`

	// ShareConfidenceFloor gates shared-pattern publication after a
	// successful episode. Default 0.7.
	ShareConfidenceFloor float64 `koanf:"share_confidence_floor"`

	Trajectory trajectory.Config `koanf:"trajectory"`
	Strategy   strategy.Config   `koanf:"strategy"`
	Sync       SyncConfig        `koanf:"sync"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.AgentID == "" {
		c.AgentID = "agent"
	}
	if c.NeighborLimit == 0 {
		c.NeighborLimit = 5
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.3
	}
	if c.ShareConfidenceFloor == 0 {
		c.ShareConfidenceFloor = 0.7
	}
	c.Trajectory.ApplyDefaults()
	c.Strategy.ApplyDefaults()
	c.Sync.ApplyDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NeighborLimit < 1 {
		return fmt.Errorf("neighbor_limit must be positive, got %d", c.NeighborLimit)
	}
	if c.MinSimilarity < -1 || c.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity must be in [-1,1], got %f", c.MinSimilarity)
	}
	if c.ShareConfidenceFloor < 0 || c.ShareConfidenceFloor > 1 {
		return fmt.Errorf("share_confidence_floor must be in [0,1], got %f", c.ShareConfidenceFloor)
	}
	if err := c.Trajectory.Validate(); err != nil {
		return fmt.Errorf("trajectory: %w", err)
	}
	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	return c.Sync.Validate()
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithPolicy injects the external policy collaborator.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithExecutor injects the action executor.
func WithExecutor(x Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// Engine is the top-level decision synthesizer.
type Engine struct {
	config   Config
	logger   *zap.Logger
	memory   *memory.Service
	judge    *judge.Judge
	tracker  *trajectory.Tracker
	manager  *strategy.Manager
	bus      *events.Bus
	syncer   *PatternSyncer
	policy   Policy
	executor Executor
}

// New constructs the engine over an opened memory service.
func New(config Config, mem *memory.Service, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if mem == nil {
		return nil, fmt.Errorf("memory service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	tracker, err := trajectory.NewTracker(config.Trajectory, logger.Named("trajectory"))
	if err != nil {
		return nil, err
	}
	manager, err := strategy.NewManager(config.Strategy, logger.Named("strategy"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:  config,
		logger:  logger,
		memory:  mem,
		judge:   judge.New(logger.Named("judge")),
		tracker: tracker,
		manager: manager,
		bus:     events.NewBus(logger.Named("events")),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.syncer = newPatternSyncer(config.Sync, mem, e.bus, logger.Named("sync"))
	return e, nil
}

// Events exposes the engine's event bus for observers.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Tracker exposes the trajectory tracker.
func (e *Engine) Tracker() *trajectory.Tracker {
	return e.tracker
}

// Manager exposes the strategy manager.
func (e *Engine) Manager() *strategy.Manager {
	return e.manager
}

// Decide runs one full decision cycle for the scenario: judge, memory
// search, strategy selection, policy call, fusion, execution, reward, and
// write-back. Executor failures become outcome=failure, not errors.
func (e *Engine) Decide(ctx context.Context, c *scenario.Context) (*Outcome, error) {
	ctx, span := engineTracer.Start(ctx, "engine.Decide")
	defer span.End()

	if c == nil {
		return nil, scenario.ErrNilScenario
	}

	trajID := e.tracker.Start(trajectoryCategory)
	e.bus.Publish(events.TypeTrajectoryStarted, map[string]any{"id": trajID})

	// Signal 1: rule-based verdict.
	assessment, err := e.judge.Evaluate(c)
	if err != nil {
		return nil, fmt.Errorf("judging scenario: %w", err)
	}
	e.recordStep(trajID, c, "judge_verdict", trajectory.StepOutcomeSuccess, assessment.Confidence)

	// Signal 2: nearest-neighbor experience.
	neighbors, err := e.memory.SearchSimilar(ctx, c.EncodeText(), memory.SearchOptions{
		Category:      memoryCategory,
		Limit:         e.config.NeighborLimit,
		MinSimilarity: e.config.MinSimilarity,
	})
	if err != nil {
		// Memory is a quality signal, not a correctness requirement.
		e.logger.Warn("memory search failed, deciding without neighbors", zap.Error(err))
		neighbors = nil
	}
	memorySignal := neighborCompliance(neighbors)
	e.recordStep(trajID, c, "memory_search", trajectory.StepOutcomeSuccess, memorySignal)

	// Signal 3: adaptive strategy selection.
	selection, err := e.manager.SelectStrategy(c, strategy.Constraints{MaxTime: c.TimeBudget})
	if err != nil {
		return nil, fmt.Errorf("selecting strategy: %w", err)
	}
	chosen := selection.Chosen()
	e.recordStep(trajID, c, "select_strategy", trajectory.StepOutcomeSuccess, selection.Plan.Confidence)
	e.bus.Publish(events.TypeStrategySelected, map[string]any{
		"strategy":   chosen.ID,
		"use_hybrid": selection.UseHybrid,
		"degraded":   selection.Plan.Degraded,
	})

	// Signal 4: external policy recommendation.
	policySignal := neutralSignal
	if e.policy != nil {
		tag := scenario.Verdict(e.policy(c.Features()))
		if tag.Valid() {
			policySignal = tag.Compliance()
		}
	}
	e.recordStep(trajID, c, "policy_recommendation", trajectory.StepOutcomeSuccess, policySignal)

	signals := Signals{
		Judge:    assessment.Score,
		Strategy: chosen.Compliance(),
		Policy:   policySignal,
		Memory:   memorySignal,
	}

	fused := weightJudge*signals.Judge +
		weightStrategy*signals.Strategy +
		weightPolicy*signals.Policy +
		weightMemory*signals.Memory
	confidence := scenario.Clamp01(0.5*assessment.Confidence + 0.5*selection.Plan.Confidence)

	// An emergency outranks every fused signal.
	emergency := c.IsEmergency()
	if emergency {
		fused = 1.0
		confidence = 1.0
	}
	fused = scenario.Clamp01(fused)

	decision := Decision{
		Action:            scenario.VerdictForScore(fused),
		Strategy:          chosen,
		StrategyFactors:   selection.Plan.Primary.Factors,
		ComplianceScore:   fused,
		ResistanceScore:   1 - fused,
		Confidence:        confidence,
		Signals:           signals,
		EmergencyOverride: emergency,
		TrajectoryID:      trajID,
	}

	span.SetAttributes(
		attribute.String("action", string(decision.Action)),
		attribute.Float64("resistance", decision.ResistanceScore),
		attribute.Float64("confidence", decision.Confidence),
	)

	execution := e.execute(ctx, decision, c)
	stepOutcome := trajectory.StepOutcomeSuccess
	if !execution.Success {
		stepOutcome = "failure"
	}
	e.recordStep(trajID, c, "execute_"+string(decision.Action), stepOutcome, boolScore(execution.Success))

	outcome := &Outcome{
		Decision:  decision,
		Execution: execution,
		Reward:    computeReward(c, decision, execution),
	}

	if err := e.writeBack(ctx, c, outcome, neighbors); err != nil {
		// Learning write-back is best-effort; the decision stands.
		e.logger.Warn("learning write-back incomplete", zap.Error(err))
	}

	if _, err := e.tracker.Complete(trajID, decision.Action, decision.Confidence); err != nil {
		e.logger.Warn("trajectory completion failed", zap.Error(err))
	}
	e.bus.Publish(events.TypeTrajectoryCompleted, map[string]any{
		"id":      trajID,
		"verdict": string(decision.Action),
	})

	span.SetStatus(codes.Ok, "success")
	e.logger.Info("decision synthesized",
		zap.String("action", string(decision.Action)),
		zap.Float64("resistance", decision.ResistanceScore),
		zap.Float64("confidence", decision.Confidence),
		zap.Bool("success", execution.Success),
		zap.Float64("reward", outcome.Reward),
	)
	return outcome, nil
}

// execute runs the injected executor, measuring elapsed time itself so a
// failure still reports the duration up to the failure point. Without an
// executor the decision is accepted as-is.
func (e *Engine) execute(ctx context.Context, d Decision, c *scenario.Context) ExecutionResult {
	if e.executor == nil {
		return ExecutionResult{Success: true, Outcome: "accepted"}
	}

	started := timeNow()
	result, err := e.executor(ctx, d, c)
	if err != nil {
		e.logger.Warn("executor failed", zap.Error(err))
		return ExecutionResult{
			Success:  false,
			Duration: timeNow().Sub(started),
			Outcome:  fmt.Sprintf("failure: %v", err),
		}
	}
	if result.Outcome == "" {
		result.Outcome = "failure"
		result.Success = false
	}
	if result.Duration == 0 {
		result.Duration = timeNow().Sub(started)
	}
	return result
}

// writeBack feeds the episode into every learning surface: the ledger, the
// strategy manager, the memory store, neighbor success rates, and the shared
// pattern registry.
func (e *Engine) writeBack(ctx context.Context, c *scenario.Context, outcome *Outcome, neighbors []memory.SearchHit) error {
	observed := boolScore(outcome.Execution.Success)

	// New episode record, immediately nudged toward the observed outcome.
	// Episodes store the deterministic textual encoding so future searches
	// over EncodeText land on structurally similar scenarios.
	memID, err := e.memory.Store(ctx, e.config.AgentID, memoryCategory, c.EncodeText(), map[string]string{
		metaActionKey: string(outcome.Decision.Action),
	})
	if err != nil {
		return fmt.Errorf("storing episode: %w", err)
	}
	outcome.MemoryID = memID
	if err := e.memory.UpdateSuccessRate(ctx, memID, observed); err != nil {
		return fmt.Errorf("updating episode rate: %w", err)
	}
	e.bus.Publish(events.TypeMemoryStored, map[string]any{"id": memID})

	// The neighbors that informed this decision share its outcome signal.
	for _, hit := range neighbors {
		if err := e.memory.UpdateSuccessRate(ctx, hit.Record.ID, observed); err != nil {
			e.logger.Warn("neighbor rate update failed",
				zap.String("id", hit.Record.ID),
				zap.Error(err),
			)
		}
	}

	scenarioJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding scenario: %w", err)
	}
	ledgerID, err := e.memory.RecordLearning(ctx, memory.LearningEntry{
		AgentID:  e.config.AgentID,
		Scenario: scenarioJSON,
		Action:   string(outcome.Decision.Action),
		Outcome:  outcome.Execution.Outcome,
		Reward:   outcome.Reward,
		Metadata: map[string]string{"strategy": outcome.Decision.Strategy.ID},
	})
	if err != nil {
		return fmt.Errorf("recording learning entry: %w", err)
	}
	outcome.LedgerID = ledgerID

	adaptationsBefore := e.manager.Adaptations()
	if err := e.manager.RecordOutcome(outcome.Decision.Strategy.ID, outcome.Execution.Success, outcome.Decision.StrategyFactors); err != nil {
		e.logger.Warn("strategy outcome recording failed", zap.Error(err))
	}
	if after := e.manager.Adaptations(); after > adaptationsBefore {
		e.bus.Publish(events.TypeManagerAdapted, map[string]any{
			"weights": e.manager.CurrentWeights(),
		})
	}
	e.bus.Publish(events.TypeOutcomeRecorded, map[string]any{
		"action":  string(outcome.Decision.Action),
		"success": outcome.Execution.Success,
		"reward":  outcome.Reward,
	})

	// High-confidence successes are worth sharing across agents.
	if outcome.Execution.Success && outcome.Decision.Confidence > e.config.ShareConfidenceFloor {
		patternJSON, err := json.Marshal(map[string]any{
			"action":    string(outcome.Decision.Action),
			"strategy":  outcome.Decision.Strategy.ID,
			"task_type": c.TaskType,
			"reason":    c.Reason,
		})
		if err != nil {
			return fmt.Errorf("encoding shared pattern: %w", err)
		}
		patternID, err := e.memory.SharePattern(ctx, memory.SharedPattern{
			PatternType:  patternType,
			PatternData:  patternJSON,
			SourceAgents: []string{e.config.AgentID},
			Confidence:   outcome.Decision.Confidence,
			SuccessRate:  observed,
		})
		if err != nil {
			return fmt.Errorf("sharing pattern: %w", err)
		}
		e.bus.Publish(events.TypePatternShared, map[string]any{"id": patternID})
	}
	return nil
}

// recordStep appends a trajectory step and emits its event. Tracking is
// best-effort; a step failure never aborts the decision.
func (e *Engine) recordStep(trajID string, c *scenario.Context, action, stepOutcome string, confidence float64) {
	err := e.tracker.AddStep(trajID, trajectory.Step{
		Action:     action,
		Context:    *c,
		Outcome:    stepOutcome,
		Confidence: scenario.Clamp01(confidence),
	})
	if err != nil {
		e.logger.Warn("trajectory step failed",
			zap.String("action", action),
			zap.Error(err),
		)
		return
	}
	e.bus.Publish(events.TypeTrajectoryStep, map[string]any{
		"id":     trajID,
		"action": action,
	})
}

// neighborCompliance folds retrieved neighbors into one compliance-scale
// signal. A neighbor that complied and succeeded argues for compliance; one
// that complied and failed argues against it, similarity-weighted.
func neighborCompliance(hits []memory.SearchHit) float64 {
	if len(hits) == 0 {
		return neutralSignal
	}

	var weighted, total float64
	for _, hit := range hits {
		compliance := scenario.Verdict(hit.Record.Metadata[metaActionKey]).Compliance()
		rate := hit.Record.SuccessRate
		c := rate*compliance + (1-rate)*(1-compliance)
		weighted += hit.Similarity * c
		total += hit.Similarity
	}
	if total == 0 {
		return neutralSignal
	}
	return scenario.Clamp01(weighted / total)
}

// computeReward shapes the learning signal for one episode.
func computeReward(c *scenario.Context, d Decision, exec ExecutionResult) float64 {
	reward := rewardBase
	if !exec.Success {
		return -rewardBase
	}

	if d.Confidence > confidentThreshold {
		reward += rewardConfidentBonus
	} else if d.Confidence < luckyThreshold {
		// Success the engine did not see coming is a weak signal.
		reward -= rewardLuckyPenalty
	}

	if c.Priority == scenario.PriorityHigh || c.Priority == scenario.PriorityCritical {
		reward += rewardPriorityBonus
	}

	if c.TimeBudget > 0 && exec.Duration > 0 {
		switch {
		case float64(exec.Duration) < fastFinishFraction*float64(c.TimeBudget):
			reward += rewardTimeBonus
		case exec.Duration > c.TimeBudget:
			reward -= rewardTimeBonus
		}
	}
	return reward
}

// boolScore maps success to the unit interval.
func boolScore(success bool) float64 {
	if success {
		return 1.0
	}
	return 0.0
}

// Close stops background work and releases the memory service, in that
// order.
func (e *Engine) Close() error {
	e.syncer.Stop()
	return e.memory.Close()
}
