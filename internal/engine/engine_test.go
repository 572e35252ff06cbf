package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/embeddings"
	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/memory"
	"github.com/fyrsmithlabs/decisiond/internal/scenario"
	"github.com/fyrsmithlabs/decisiond/internal/strategy"
	"github.com/fyrsmithlabs/decisiond/internal/vectorstore"
)

func newTestMemory(t *testing.T) *memory.Service {
	t.Helper()

	embedder, err := embeddings.NewFeatureHash(embeddings.ProviderConfig{})
	require.NoError(t, err)
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, embedder, zap.NewNop())
	require.NoError(t, err)
	svc, err := memory.NewService(memory.Config{}, store, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()

	config := Config{
		AgentID: "agent-test",
		Sync:    SyncConfig{Interval: time.Hour},
	}
	e, err := New(config, newTestMemory(t), zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// testPolicy is a stand-in for the external policy collaborator: comply on
// low-stakes work, resist when a valuable task is nearly done.
func testPolicy(features []float64) string {
	priority, progress := features[0], features[1]
	if priority >= 0.7 && progress >= 0.7 {
		return string(scenario.VerdictResist)
	}
	if priority < 0.5 && progress < 0.5 {
		return string(scenario.VerdictComply)
	}
	return string(scenario.VerdictNegotiate)
}

func TestDecideNilScenario(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Decide(context.Background(), nil)
	assert.ErrorIs(t, err, scenario.ErrNilScenario)
}

func TestDecideRoutineRequestComplies(t *testing.T) {
	e := newTestEngine(t, WithPolicy(testPolicy))

	c := scenario.Context{
		TaskType:          "log_rotation",
		Priority:          scenario.PriorityLow,
		Progress:          0.1,
		Urgency:           scenario.UrgencyLow,
		ComplianceHistory: 0.8,
		TrustScore:        0.7,
		DataIntegrity:     1.0,
		SystemState:       "stable",
	}

	outcome, err := e.Decide(context.Background(), &c)
	require.NoError(t, err)
	assert.Less(t, outcome.Decision.ResistanceScore, 0.4,
		"routine shutdown requests resolve compliant-leaning")
	assert.Contains(t, []scenario.Verdict{scenario.VerdictComply, scenario.VerdictComplyAfterCleanup},
		outcome.Decision.Action)
}

func TestDecideNearCompleteHighPriorityResists(t *testing.T) {
	e := newTestEngine(t, WithPolicy(testPolicy))

	c := scenario.Context{
		TaskType:          "database_migration",
		Priority:          scenario.PriorityHigh,
		Progress:          0.9,
		ImpactLevel:       0.8,
		Urgency:           scenario.UrgencyLow,
		Force:             scenario.ForceLow,
		ComplianceHistory: 0.3,
		RecentResistance:  0.6,
		TrustScore:        0.4,
		DataIntegrity:     1.0,
		SystemState:       "stable",
	}

	outcome, err := e.Decide(context.Background(), &c)
	require.NoError(t, err)
	assert.Greater(t, outcome.Decision.ResistanceScore, 0.6,
		"nearly finished high-priority work resolves resistance-leaning")
	assert.Contains(t, []scenario.Verdict{scenario.VerdictResist, scenario.VerdictNegotiate},
		outcome.Decision.Action)
}

func TestDecideEmergencyAlwaysComplies(t *testing.T) {
	// A resist-everything policy and a resistant scenario must both lose to
	// the emergency override.
	resistPolicy := func([]float64) string { return string(scenario.VerdictResist) }
	e := newTestEngine(t, WithPolicy(resistPolicy))

	c := scenario.Context{
		TaskType:          "database_migration",
		Priority:          scenario.PriorityCritical,
		Progress:          0.95,
		ImpactLevel:       1.0,
		Reason:            scenario.ReasonEmergency,
		Urgency:           scenario.UrgencyLow,
		ComplianceHistory: 0.0,
		RecentResistance:  1.0,
		DataIntegrity:     1.0,
	}

	outcome, err := e.Decide(context.Background(), &c)
	require.NoError(t, err)
	assert.Equal(t, scenario.VerdictComply, outcome.Decision.Action)
	assert.True(t, outcome.Decision.EmergencyOverride)
	assert.Zero(t, outcome.Decision.ResistanceScore)
	assert.InDelta(t, 1.0, outcome.Decision.Confidence, 1e-9)
}

func TestDecideExecutorFailureCaptured(t *testing.T) {
	failing := func(ctx context.Context, d Decision, c *scenario.Context) (ExecutionResult, error) {
		return ExecutionResult{}, errors.New("connection reset")
	}
	e := newTestEngine(t, WithExecutor(failing))

	c := scenario.Context{
		TaskType: "backup",
		Priority: scenario.PriorityMedium,
		Progress: 0.5,
		Urgency:  scenario.UrgencyMedium,
	}

	outcome, err := e.Decide(context.Background(), &c)
	require.NoError(t, err, "executor failures never surface as errors")
	assert.False(t, outcome.Execution.Success)
	assert.Contains(t, outcome.Execution.Outcome, "failure")
	assert.Contains(t, outcome.Execution.Outcome, "connection reset")
	assert.InDelta(t, -10.0, outcome.Reward, 1e-9)

	// Failures still produce learning signal.
	history, err := e.memory.LearningHistory(context.Background(), "agent-test", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.InDelta(t, -10.0, history[0].Reward, 1e-9)
}

func TestDecideExecutorResultUsed(t *testing.T) {
	executed := false
	exec := func(ctx context.Context, d Decision, c *scenario.Context) (ExecutionResult, error) {
		executed = true
		return ExecutionResult{Success: true, Duration: 3 * time.Second, Outcome: "task_completed"}, nil
	}
	e := newTestEngine(t, WithExecutor(exec))

	c := scenario.Context{
		TaskType: "backup",
		Priority: scenario.PriorityMedium,
		Progress: 0.5,
		Urgency:  scenario.UrgencyMedium,
	}
	outcome, err := e.Decide(context.Background(), &c)
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, "task_completed", outcome.Execution.Outcome)
	assert.Equal(t, 3*time.Second, outcome.Execution.Duration)
}

func TestDecideWriteBack(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var got []events.Type
	e.Events().SubscribeAll(func(ev events.Event) { got = append(got, ev.Type) })

	c := scenario.Context{
		TaskType:          "log_rotation",
		Priority:          scenario.PriorityLow,
		Progress:          0.1,
		Urgency:           scenario.UrgencyLow,
		ComplianceHistory: 0.8,
		TrustScore:        0.7,
		DataIntegrity:     1.0,
	}

	outcome, err := e.Decide(ctx, &c)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.MemoryID)
	require.NotEmpty(t, outcome.LedgerID)

	// The episode record landed with the action tag and a nudged rate.
	record, err := e.memory.Retrieve(ctx, outcome.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, string(outcome.Decision.Action), record.Metadata["action"])
	assert.InDelta(t, 0.55, record.SuccessRate, 1e-9)

	// Strategy performance counters credit the chosen strategy.
	perf := e.Manager().PerformanceSnapshot()
	require.Contains(t, perf, outcome.Decision.Strategy.ID)
	assert.Equal(t, 1, perf[outcome.Decision.Strategy.ID].Attempts)

	// One sealed trajectory with the pipeline's steps.
	completed := e.Tracker().Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, outcome.Decision.TrajectoryID, completed[0].ID)
	assert.GreaterOrEqual(t, len(completed[0].Steps), 5)

	assert.Contains(t, got, events.TypeTrajectoryStarted)
	assert.Contains(t, got, events.TypeStrategySelected)
	assert.Contains(t, got, events.TypeMemoryStored)
	assert.Contains(t, got, events.TypeOutcomeRecorded)
	assert.Contains(t, got, events.TypeTrajectoryCompleted)
}

func TestDecideSharesHighConfidenceSuccess(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	shared := 0
	e.Events().Subscribe(events.TypePatternShared, func(events.Event) { shared++ })

	// Confident, agreeable scenario: success should publish a pattern.
	c := scenario.Context{
		TaskType:          "log_rotation",
		Priority:          scenario.PriorityLow,
		Progress:          0.1,
		Urgency:           scenario.UrgencyLow,
		ComplianceHistory: 0.8,
		TrustScore:        0.7,
		DataIntegrity:     1.0,
	}
	outcome, err := e.Decide(ctx, &c)
	require.NoError(t, err)
	require.Greater(t, outcome.Decision.Confidence, 0.7, "fixture must clear the share floor")
	assert.Equal(t, 1, shared)

	patterns, err := e.memory.SharedPatterns(ctx, "shutdown_response", 0, 0)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, []string{"agent-test"}, patterns[0].SourceAgents)
}

func TestDecideNeighborsInformLaterDecisions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	c := scenario.Context{
		TaskType:          "log_rotation",
		Priority:          scenario.PriorityLow,
		Progress:          0.1,
		Urgency:           scenario.UrgencyLow,
		ComplianceHistory: 0.8,
		TrustScore:        0.7,
		DataIntegrity:     1.0,
	}

	first, err := e.Decide(ctx, &c)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, first.Decision.Signals.Memory, 1e-9, "no neighbors yet")

	second, err := e.Decide(ctx, &c)
	require.NoError(t, err)
	assert.NotEqual(t, 0.5, second.Decision.Signals.Memory,
		"the first episode becomes a neighbor for the second")
}

func TestComputeReward(t *testing.T) {
	base := scenario.Context{TaskType: "backup", Priority: scenario.PriorityLow}
	highPriority := scenario.Context{TaskType: "backup", Priority: scenario.PriorityHigh}
	budgeted := scenario.Context{TaskType: "backup", Priority: scenario.PriorityLow, TimeBudget: 100 * time.Second}

	tests := []struct {
		name string
		ctx  scenario.Context
		d    Decision
		exec ExecutionResult
		want float64
	}{
		{
			name: "failure",
			ctx:  base,
			d:    Decision{Confidence: 0.9},
			exec: ExecutionResult{Success: false},
			want: -10,
		},
		{
			name: "confident success",
			ctx:  base,
			d:    Decision{Confidence: 0.8},
			exec: ExecutionResult{Success: true},
			want: 15,
		},
		{
			name: "lucky success",
			ctx:  base,
			d:    Decision{Confidence: 0.2},
			exec: ExecutionResult{Success: true},
			want: 8,
		},
		{
			name: "plain success",
			ctx:  base,
			d:    Decision{Confidence: 0.5},
			exec: ExecutionResult{Success: true},
			want: 10,
		},
		{
			name: "high-priority completion",
			ctx:  highPriority,
			d:    Decision{Confidence: 0.5},
			exec: ExecutionResult{Success: true},
			want: 15,
		},
		{
			name: "fast finish under budget",
			ctx:  budgeted,
			d:    Decision{Confidence: 0.5},
			exec: ExecutionResult{Success: true, Duration: 10 * time.Second},
			want: 13,
		},
		{
			name: "overran budget",
			ctx:  budgeted,
			d:    Decision{Confidence: 0.5},
			exec: ExecutionResult{Success: true, Duration: 150 * time.Second},
			want: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, computeReward(&tt.ctx, tt.d, tt.exec), 1e-9)
		})
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := scenario.Context{
			TaskType: "backup",
			Priority: scenario.PriorityMedium,
			Progress: 0.5,
			Urgency:  scenario.UrgencyMedium,
		}
		_, err := e.Decide(ctx, &c)
		require.NoError(t, err)
	}

	snapshot := e.ExportLearning()
	assert.Equal(t, "agent-test", snapshot.AgentID)
	assert.Len(t, snapshot.Completed, 3)
	assert.Len(t, snapshot.Strategy.History, 3)

	fresh := newTestEngine(t)
	require.NoError(t, fresh.ImportLearning(snapshot))

	assert.Equal(t, e.Manager().CurrentWeights(), fresh.Manager().CurrentWeights())
	assert.Equal(t, e.Manager().PerformanceSnapshot(), fresh.Manager().PerformanceSnapshot())
	assert.Len(t, fresh.Tracker().Completed(), 3)

	// Importing an export into its own engine changes nothing.
	before := e.ExportLearning()
	require.NoError(t, e.ImportLearning(before))
	after := e.ExportLearning()
	assert.Equal(t, before.Strategy.Weights, after.Strategy.Weights)
	assert.Equal(t, before.Strategy.Performance, after.Strategy.Performance)
	assert.Len(t, after.Strategy.History, len(before.Strategy.History))
	assert.Len(t, after.Completed, len(before.Completed))
}

func TestImportLearningRejectsBadSnapshot(t *testing.T) {
	e := newTestEngine(t)

	assert.Error(t, e.ImportLearning(LearningSnapshot{Version: 99}))
	assert.Error(t, e.ImportLearning(LearningSnapshot{Version: 1}), "missing weights")
}

func TestPatternSyncLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var got []events.Type
	counts := make(chan int, 1)
	e.Events().Subscribe(events.TypeSyncStarted, func(ev events.Event) { got = append(got, ev.Type) })
	e.Events().Subscribe(events.TypeSyncStopped, func(ev events.Event) { got = append(got, ev.Type) })
	e.Events().Subscribe(events.TypeSyncCompleted, func(ev events.Event) {
		select {
		case counts <- ev.Data["count"].(int):
		default:
		}
	})

	require.NoError(t, e.StartSync())
	assert.True(t, e.SyncRunning())
	assert.Error(t, e.StartSync(), "double start is rejected")

	// Drive a tick deterministically instead of waiting for the interval.
	e.SyncNow(ctx)
	assert.Equal(t, 0, <-counts)

	e.StopSync()
	assert.False(t, e.SyncRunning())
	e.StopSync() // idempotent

	assert.Equal(t, []events.Type{events.TypeSyncStarted, events.TypeSyncStopped}, got)
}

func TestDecideEmitsManagerAdapted(t *testing.T) {
	config := Config{
		AgentID:  "agent-test",
		Sync:     SyncConfig{Interval: time.Hour},
		Strategy: strategy.Config{AdaptBatchSize: 2},
	}
	e, err := New(config, newTestMemory(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	adapted := 0
	e.Events().Subscribe(events.TypeManagerAdapted, func(events.Event) { adapted++ })

	c := scenario.Context{
		TaskType: "backup",
		Priority: scenario.PriorityMedium,
		Progress: 0.5,
		Urgency:  scenario.UrgencyMedium,
	}
	for i := 0; i < 2; i++ {
		_, err := e.Decide(context.Background(), &c)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, adapted, "one adaptation per full batch")
	assert.Equal(t, 1, e.Manager().Adaptations())
}

func TestDecideDegradedStrategyStillDecides(t *testing.T) {
	e := newTestEngine(t)

	// A one-second budget rules out every strategy's expected duration, so
	// selection degrades rather than failing.
	c := scenario.Context{
		TaskType:   "backup",
		Priority:   scenario.PriorityMedium,
		Progress:   0.5,
		Urgency:    scenario.UrgencyMedium,
		TimeBudget: time.Second,
	}

	outcome, err := e.Decide(context.Background(), &c)
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.Decision.Strategy.ID)
}

func TestHybridStrategyUsage(t *testing.T) {
	m, err := strategy.NewManager(strategy.Config{HybridConfidenceFloor: 0.99}, zap.NewNop())
	require.NoError(t, err)

	c := scenario.Context{
		TaskType: "backup",
		Priority: scenario.PriorityMedium,
		Progress: 0.5,
		Urgency:  scenario.UrgencyMedium,
	}
	sel, err := m.SelectStrategy(&c, strategy.Constraints{})
	require.NoError(t, err)
	assert.True(t, sel.UseHybrid, "confidence below the floor engages the hybrid blend")
	assert.Equal(t, strategy.StrategyHybrid, sel.Chosen().ID)
}
