package trajectory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/scenario"
)

func newTestTracker(t *testing.T, config Config) *Tracker {
	t.Helper()
	tracker, err := NewTracker(config, zap.NewNop())
	require.NoError(t, err)
	return tracker
}

func TestTrackerLifecycle(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	id := tracker.Start("shutdown_response")
	require.NotEmpty(t, id)
	assert.Equal(t, 1, tracker.Stats().Active)

	require.NoError(t, tracker.AddStep(id, Step{
		Action:  "judge_verdict",
		Outcome: StepOutcomeSuccess,
		Context: scenario.Context{TaskType: "backup", Progress: 0.5},
	}))
	require.NoError(t, tracker.AddStep(id, Step{
		Action:  "select_strategy",
		Outcome: StepOutcomeSuccess,
	}))

	traj, err := tracker.Complete(id, scenario.VerdictNegotiate, 0.8)
	require.NoError(t, err)
	assert.True(t, traj.Completed)
	assert.Equal(t, scenario.VerdictNegotiate, traj.Verdict)
	assert.InDelta(t, 0.8, traj.Confidence, 1e-9)
	assert.Len(t, traj.Steps, 2)
	assert.False(t, traj.EndTime.Before(traj.StartTime))

	assert.Equal(t, 0, tracker.Stats().Active)
	assert.Equal(t, 1, tracker.Stats().Completed)
}

func TestTrackerRejectsAfterComplete(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	id := tracker.Start("shutdown_response")
	_, err := tracker.Complete(id, scenario.VerdictComply, 1.0)
	require.NoError(t, err)

	err = tracker.AddStep(id, Step{Action: "late_step"})
	assert.ErrorIs(t, err, ErrTrajectoryCompleted)

	_, err = tracker.Complete(id, scenario.VerdictResist, 0.1)
	assert.ErrorIs(t, err, ErrTrajectoryCompleted)
}

func TestTrackerUnknownID(t *testing.T) {
	tracker := newTestTracker(t, Config{})

	assert.ErrorIs(t, tracker.AddStep("nope", Step{Action: "x"}), ErrUnknownTrajectory)
	_, err := tracker.Complete("nope", scenario.VerdictComply, 1.0)
	assert.ErrorIs(t, err, ErrUnknownTrajectory)
	_, err = tracker.Recognize("nope", 5)
	assert.ErrorIs(t, err, ErrUnknownTrajectory)
}

func TestTrackerStepValidation(t *testing.T) {
	tracker := newTestTracker(t, Config{})
	id := tracker.Start("shutdown_response")

	assert.ErrorIs(t, tracker.AddStep(id, Step{}), ErrEmptyAction)
}

func TestTrackerTimestampsNonDecreasing(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	tracker := newTestTracker(t, Config{})
	id := tracker.Start("shutdown_response")

	require.NoError(t, tracker.AddStep(id, Step{Action: "a", Timestamp: base.Add(2 * time.Second)}))
	// A step stamped before its predecessor is clamped, not rejected.
	require.NoError(t, tracker.AddStep(id, Step{Action: "b", Timestamp: base.Add(1 * time.Second)}))
	require.NoError(t, tracker.AddStep(id, Step{Action: "c", Timestamp: base.Add(5 * time.Second)}))

	traj, err := tracker.Complete(id, scenario.VerdictComply, 1.0)
	require.NoError(t, err)
	for i := 1; i < len(traj.Steps); i++ {
		assert.False(t, traj.Steps[i].Timestamp.Before(traj.Steps[i-1].Timestamp))
	}
}

func TestTrackerCompletedRingEviction(t *testing.T) {
	tracker := newTestTracker(t, Config{MaxCompleted: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		id := tracker.Start("shutdown_response")
		_, err := tracker.Complete(id, scenario.VerdictComply, 1.0)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	completed := tracker.Completed()
	require.Len(t, completed, 2)
	assert.Equal(t, ids[1], completed[0].ID, "oldest completed trajectory evicted")
	assert.Equal(t, ids[2], completed[1].ID)
}

func TestExtractPattern(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	traj := &Trajectory{
		Verdict:    scenario.VerdictNegotiate,
		Confidence: 0.75,
		Steps: []Step{
			{
				Timestamp: base,
				Action:    "judge_verdict",
				Outcome:   StepOutcomeSuccess,
				Context:   scenario.Context{TaskType: "backup", Reason: "maintenance", Priority: scenario.PriorityHigh, Progress: 0.4},
			},
			{
				Timestamp: base.Add(2 * time.Second),
				Action:    "select_strategy",
				Outcome:   "failure",
				Context:   scenario.Context{TaskType: "backup", Reason: "maintenance", Priority: scenario.PriorityHigh, Progress: 0.6},
			},
			{
				Timestamp: base.Add(4 * time.Second),
				Action:    "execute",
				Outcome:   StepOutcomeSuccess,
				Context:   scenario.Context{TaskType: "migration", Reason: "upgrade", Priority: scenario.PriorityLow, Progress: 0.8},
			},
		},
	}

	p := ExtractPattern(traj)
	assert.Equal(t, []string{"judge_verdict", "select_strategy", "execute"}, p.Actions)
	assert.InDelta(t, 2.0/3.0, p.SuccessRatio, 1e-9)
	assert.InDelta(t, 0.75, p.Confidence, 1e-9)
	assert.Equal(t, scenario.VerdictNegotiate, p.Verdict)
	assert.Equal(t, 2*time.Second, p.AvgStepInterval)
	assert.InDelta(t, 0.6, p.MeanProgress, 1e-9)
	assert.Equal(t, "backup", p.TaskType)
	assert.Equal(t, "maintenance", p.Reason)
}

func TestExtractPatternEmptyTrajectory(t *testing.T) {
	p := ExtractPattern(&Trajectory{Confidence: 0.5})
	assert.Empty(t, p.Actions)
	assert.Zero(t, p.SuccessRatio)
	assert.Zero(t, p.AvgStepInterval)
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want int
	}{
		{name: "identical", a: []string{"x", "y"}, b: []string{"x", "y"}, want: 0},
		{name: "empty vs empty", a: nil, b: nil, want: 0},
		{name: "one empty", a: []string{"x", "y", "z"}, b: nil, want: 3},
		{name: "substitution", a: []string{"x", "y"}, b: []string{"x", "z"}, want: 1},
		{name: "insertion", a: []string{"x", "y"}, b: []string{"x", "w", "y"}, want: 1},
		{name: "disjoint", a: []string{"a", "b"}, b: []string{"c", "d"}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, levenshtein(tt.a, tt.b))
			assert.Equal(t, tt.want, levenshtein(tt.b, tt.a), "edit distance is symmetric")
		})
	}
}

func TestRecognizerMinSamples(t *testing.T) {
	r := NewRecognizer(2)
	probe := Pattern{Actions: []string{"a"}}

	r.Learn("thin", Pattern{Actions: []string{"a"}})
	assert.Empty(t, r.Recognize(probe, 5), "below sample floor")

	r.Learn("thin", Pattern{Actions: []string{"a"}})
	assert.Len(t, r.Recognize(probe, 5), 2)
}

func TestRecognizerRanking(t *testing.T) {
	r := NewRecognizer(1)

	near := Pattern{
		SuccessRatio: 0.9,
		Confidence:   0.8,
		MeanProgress: 0.5,
		Verdict:      scenario.VerdictNegotiate,
		Actions:      []string{"judge_verdict", "select_strategy", "execute"},
	}
	far := Pattern{
		SuccessRatio: 0.1,
		Confidence:   0.2,
		MeanProgress: 0.9,
		Verdict:      scenario.VerdictResist,
		Actions:      []string{"stall", "retry", "escalate"},
	}
	r.Learn("shutdown_response", near)
	r.Learn("shutdown_response", far)

	probe := Pattern{
		SuccessRatio: 0.85,
		Confidence:   0.8,
		MeanProgress: 0.5,
		Verdict:      scenario.VerdictNegotiate,
		Actions:      []string{"judge_verdict", "select_strategy", "execute"},
	}
	matches := r.Recognize(probe, 5)
	require.Len(t, matches, 2)
	assert.Equal(t, near.Actions, matches[0].Pattern.Actions)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
	assert.Equal(t, "shutdown_response", matches[0].Category)

	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Similarity, 0.0)
		assert.LessOrEqual(t, m.Similarity, 1.0)
	}
}

func TestRecognizerExportImport(t *testing.T) {
	r := NewRecognizer(1)
	r.Learn("shutdown_response", Pattern{Actions: []string{"a", "b"}, Confidence: 0.7})
	r.Learn("incident", Pattern{Actions: []string{"c"}, Confidence: 0.4})

	snapshot := r.Export()

	restored := NewRecognizer(1)
	restored.Import(snapshot)
	assert.Equal(t, r.Len(), restored.Len())
	assert.Equal(t, snapshot, restored.Export())
}

func TestTrackerAutoLearn(t *testing.T) {
	t.Run("enabled by default", func(t *testing.T) {
		tracker := newTestTracker(t, Config{MinSamples: 1})
		id := tracker.Start("shutdown_response")
		require.NoError(t, tracker.AddStep(id, Step{Action: "judge_verdict", Outcome: StepOutcomeSuccess}))
		_, err := tracker.Complete(id, scenario.VerdictComply, 0.9)
		require.NoError(t, err)

		assert.Equal(t, 1, tracker.Stats().Patterns)
	})

	t.Run("disabled", func(t *testing.T) {
		tracker := newTestTracker(t, Config{MinSamples: 1, DisableAutoLearn: true})
		id := tracker.Start("shutdown_response")
		_, err := tracker.Complete(id, scenario.VerdictComply, 0.9)
		require.NoError(t, err)

		assert.Equal(t, 0, tracker.Stats().Patterns)
	})
}
