// Package trajectory records the ordered reasoning steps behind each
// decision episode and recognizes previously seen decision patterns by a
// blend of numeric-feature closeness and action-sequence edit distance.
package trajectory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/scenario"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Common errors for trajectory operations.
var (
	ErrUnknownTrajectory   = errors.New("unknown trajectory")
	ErrTrajectoryCompleted = errors.New("trajectory already completed")
	ErrEmptyAction         = errors.New("step action cannot be empty")
)

// Step is one recorded reasoning step inside a trajectory.
type Step struct {
	// Timestamp is when the step happened. Filled in at append time when
	// zero; never earlier than the preceding step.
	Timestamp time.Time `json:"timestamp"`

	// Action is the step's action tag (e.g. "judge_verdict").
	Action string `json:"action"`

	// Context is a snapshot of the scenario at this step.
	Context scenario.Context `json:"context"`

	// Outcome tags how the step went ("success", "failure", ...).
	Outcome string `json:"outcome"`

	// Confidence is the step-level confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// Trajectory is the ordered record of reasoning steps taken to reach one
// verdict. It is open for appends until Complete seals it.
type Trajectory struct {
	ID         string           `json:"id"`
	Category   string           `json:"category"`
	Steps      []Step           `json:"steps"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    time.Time        `json:"end_time,omitempty"`
	Verdict    scenario.Verdict `json:"verdict,omitempty"`
	Confidence float64          `json:"confidence"`
	Completed  bool             `json:"completed"`
}

// Config holds configuration for the tracker.
type Config struct {
	// MaxCompleted bounds the completed-trajectory ring buffer. Default 100.
	MaxCompleted int `koanf:"max_completed"`

	// MinSamples is the per-category sample floor before recognition
	// considers a category. Default 3.
	MinSamples int `koanf:"min_samples"`

	// AutoLearn converts each completed trajectory into a pattern
	// immediately. Default true; set DisableAutoLearn to turn off.
	DisableAutoLearn bool `koanf:"disable_auto_learn"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxCompleted == 0 {
		c.MaxCompleted = 100
	}
	if c.MinSamples == 0 {
		c.MinSamples = 3
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxCompleted < 1 {
		return fmt.Errorf("max_completed must be positive, got %d", c.MaxCompleted)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("min_samples must be positive, got %d", c.MinSamples)
	}
	return nil
}

// Tracker owns the open trajectories, the bounded ring of completed ones,
// and the pattern recognizer fed from completions.
type Tracker struct {
	config     Config
	mu         sync.Mutex
	open       map[string]*Trajectory
	completed  []*Trajectory
	recognizer *Recognizer
	logger     *zap.Logger
}

// NewTracker constructs a tracker.
func NewTracker(config Config, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &Tracker{
		config:     config,
		open:       make(map[string]*Trajectory),
		recognizer: NewRecognizer(config.MinSamples),
		logger:     logger,
	}, nil
}

// Start opens a new trajectory under the given pattern category and returns
// its id.
func (t *Tracker) Start(category string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	traj := &Trajectory{
		ID:        uuid.New().String(),
		Category:  category,
		StartTime: timeNow(),
	}
	t.open[traj.ID] = traj

	t.logger.Debug("trajectory started",
		zap.String("id", traj.ID),
		zap.String("category", category),
	)
	return traj.ID
}

// AddStep appends a step to an open trajectory. Step timestamps are kept
// non-decreasing: a zero or backwards timestamp is clamped forward.
func (t *Tracker) AddStep(id string, step Step) error {
	if step.Action == "" {
		return ErrEmptyAction
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	traj, ok := t.open[id]
	if !ok {
		return t.sealedOrUnknown(id)
	}

	floor := traj.StartTime
	if n := len(traj.Steps); n > 0 {
		floor = traj.Steps[n-1].Timestamp
	}
	if step.Timestamp.Before(floor) {
		step.Timestamp = floor
	}

	traj.Steps = append(traj.Steps, step)
	return nil
}

// Complete seals the trajectory with its verdict and overall confidence,
// moves it into the completed ring, and feeds the recognizer unless
// auto-learning is disabled. Returns the sealed trajectory.
func (t *Tracker) Complete(id string, verdict scenario.Verdict, confidence float64) (*Trajectory, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	traj, ok := t.open[id]
	if !ok {
		return nil, t.sealedOrUnknown(id)
	}

	traj.Completed = true
	traj.Verdict = verdict
	traj.Confidence = scenario.Clamp01(confidence)
	traj.EndTime = timeNow()
	if traj.EndTime.Before(traj.StartTime) {
		traj.EndTime = traj.StartTime
	}
	delete(t.open, id)

	t.completed = append(t.completed, traj)
	if len(t.completed) > t.config.MaxCompleted {
		t.completed = t.completed[1:]
	}

	if !t.config.DisableAutoLearn {
		t.recognizer.Learn(traj.Category, ExtractPattern(traj))
	}

	t.logger.Debug("trajectory completed",
		zap.String("id", id),
		zap.String("verdict", string(verdict)),
		zap.Int("steps", len(traj.Steps)),
	)
	return traj, nil
}

// sealedOrUnknown reports whether id refers to a sealed trajectory still in
// the completed ring, to keep the two failure modes distinguishable. Caller
// holds the lock.
func (t *Tracker) sealedOrUnknown(id string) error {
	for _, c := range t.completed {
		if c.ID == id {
			return fmt.Errorf("%w: %s", ErrTrajectoryCompleted, id)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTrajectory, id)
}

// Recognize extracts the trajectory's pattern and ranks stored patterns by
// blended similarity. The trajectory may be open or completed.
func (t *Tracker) Recognize(id string, maxResults int) ([]Match, error) {
	t.mu.Lock()
	traj, ok := t.open[id]
	if !ok {
		for _, c := range t.completed {
			if c.ID == id {
				traj, ok = c, true
				break
			}
		}
	}
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrajectory, id)
	}
	return t.recognizer.Recognize(ExtractPattern(traj), maxResults), nil
}

// Recognizer exposes the tracker's pattern recognizer for direct use and
// for learning-state export.
func (t *Tracker) Recognizer() *Recognizer {
	return t.recognizer
}

// Active returns copies of the currently open trajectories.
func (t *Tracker) Active() []*Trajectory {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Trajectory, 0, len(t.open))
	for _, traj := range t.open {
		cp := *traj
		out = append(out, &cp)
	}
	return out
}

// Completed returns copies of the completed ring, oldest first.
func (t *Tracker) Completed() []*Trajectory {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Trajectory, len(t.completed))
	for i, traj := range t.completed {
		cp := *traj
		out[i] = &cp
	}
	return out
}

// ImportCompleted replaces the completed ring with the given trajectories,
// oldest first, enforcing the configured cap. Used when restoring an
// exported learning snapshot.
func (t *Tracker) ImportCompleted(trajs []*Trajectory) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed = t.completed[:0]
	for _, traj := range trajs {
		cp := *traj
		cp.Completed = true
		t.completed = append(t.completed, &cp)
	}
	if excess := len(t.completed) - t.config.MaxCompleted; excess > 0 {
		t.completed = t.completed[excess:]
	}
}

// Stats summarizes tracker state.
type Stats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Patterns  int `json:"patterns"`
}

// Stats reports counts of open and completed trajectories and learned
// patterns.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Active:    len(t.open),
		Completed: len(t.completed),
		Patterns:  t.recognizer.Len(),
	}
}
