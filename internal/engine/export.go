package engine

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/strategy"
	"github.com/fyrsmithlabs/decisiond/internal/trajectory"
)

// snapshotVersion tags the snapshot layout for forward compatibility.
const snapshotVersion = 1

// LearningSnapshot is the engine's portable learning state: everything
// needed for another process to continue deciding consistently with this
// one.
type LearningSnapshot struct {
	Version    int                             `json:"version"`
	AgentID    string                          `json:"agent_id"`
	ExportedAt time.Time                       `json:"exported_at"`
	Strategy   strategy.LearningState          `json:"strategy"`
	Patterns   map[string][]trajectory.Pattern `json:"patterns"`
	Active     []*trajectory.Trajectory        `json:"active,omitempty"`
	Completed  []*trajectory.Trajectory        `json:"completed,omitempty"`
}

// ExportLearning snapshots the strategy manager's weights, performance and
// history, the recognizer's pattern lists, and all trajectories.
func (e *Engine) ExportLearning() LearningSnapshot {
	return LearningSnapshot{
		Version:    snapshotVersion,
		AgentID:    e.config.AgentID,
		ExportedAt: timeNow(),
		Strategy:   e.manager.Export(),
		Patterns:   e.tracker.Recognizer().Export(),
		Active:     e.tracker.Active(),
		Completed:  e.tracker.Completed(),
	}
}

// ImportLearning restores a previously exported snapshot. Weights,
// performance counters, outcome history, recognized patterns, and the
// completed-trajectory ring all take the imported state; trajectories that
// were active at export time arrive sealed, since their owning process is
// gone.
func (e *Engine) ImportLearning(snapshot LearningSnapshot) error {
	if snapshot.Version != snapshotVersion {
		return errors.New("unsupported learning snapshot version")
	}
	if err := e.manager.Import(snapshot.Strategy); err != nil {
		return err
	}

	e.tracker.Recognizer().Import(snapshot.Patterns)

	completed := make([]*trajectory.Trajectory, 0, len(snapshot.Completed)+len(snapshot.Active))
	completed = append(completed, snapshot.Completed...)
	completed = append(completed, snapshot.Active...)
	e.tracker.ImportCompleted(completed)

	e.logger.Info("learning snapshot imported",
		zap.String("source_agent", snapshot.AgentID),
		zap.Int("completed_trajectories", len(completed)),
		zap.Int("history_entries", len(snapshot.Strategy.History)),
	)
	return nil
}
