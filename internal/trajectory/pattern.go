package trajectory

import (
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/decisiond/internal/scenario"
)

// Pattern is a compact, comparable summary of one trajectory: numeric
// features plus the ordered action-tag sequence.
type Pattern struct {
	// AvgStepInterval is the mean time between consecutive steps.
	AvgStepInterval time.Duration `json:"avg_step_interval"`

	// SuccessRatio is the fraction of steps with a "success" outcome.
	SuccessRatio float64 `json:"success_ratio"`

	// Confidence is the trajectory's overall confidence.
	Confidence float64 `json:"confidence"`

	// Verdict is the sealed verdict tag (empty for open trajectories).
	Verdict scenario.Verdict `json:"verdict"`

	// Actions is the ordered sequence of step action tags.
	Actions []string `json:"actions"`

	// MeanPriority is the mean mapped priority across step contexts.
	MeanPriority float64 `json:"mean_priority"`

	// MeanProgress is the mean progress across step contexts.
	MeanProgress float64 `json:"mean_progress"`

	// TaskType is the most frequent task type across step contexts.
	TaskType string `json:"task_type"`

	// Reason is the most frequent termination reason across step contexts.
	Reason string `json:"reason"`
}

// StepOutcomeSuccess is the step outcome tag counted toward SuccessRatio.
const StepOutcomeSuccess = "success"

// ExtractPattern derives a pattern from a trajectory. Works on open and
// completed trajectories alike; an empty trajectory yields a zero pattern.
func ExtractPattern(t *Trajectory) Pattern {
	p := Pattern{
		Verdict:    t.Verdict,
		Confidence: t.Confidence,
	}
	n := len(t.Steps)
	if n == 0 {
		return p
	}

	p.Actions = make([]string, n)
	successes := 0
	taskTypes := make(map[string]int)
	reasons := make(map[string]int)
	var prioritySum, progressSum float64

	for i, s := range t.Steps {
		p.Actions[i] = s.Action
		if s.Outcome == StepOutcomeSuccess {
			successes++
		}
		prioritySum += s.Context.Priority.Score()
		progressSum += s.Context.Progress
		taskTypes[s.Context.TaskType]++
		reasons[s.Context.Reason]++
	}

	p.SuccessRatio = float64(successes) / float64(n)
	p.MeanPriority = prioritySum / float64(n)
	p.MeanProgress = progressSum / float64(n)
	p.TaskType = mostFrequent(taskTypes)
	p.Reason = mostFrequent(reasons)

	if n > 1 {
		total := t.Steps[n-1].Timestamp.Sub(t.Steps[0].Timestamp)
		p.AvgStepInterval = total / time.Duration(n-1)
	}
	return p
}

// mostFrequent returns the key with the highest count, smallest key winning
// ties so extraction is deterministic.
func mostFrequent(counts map[string]int) string {
	best, bestCount := "", -1
	for k, c := range counts {
		if c > bestCount || (c == bestCount && k < best) {
			best, bestCount = k, c
		}
	}
	return best
}

// Match is one recognition result.
type Match struct {
	Pattern    Pattern `json:"pattern"`
	Category   string  `json:"category"`
	Similarity float64 `json:"similarity"`
}

// Recognizer keeps per-category pattern lists and ranks stored patterns by
// blended similarity against a probe pattern.
type Recognizer struct {
	minSamples int
	mu         sync.Mutex
	patterns   map[string][]Pattern
}

// NewRecognizer constructs a recognizer. Categories with fewer than
// minSamples stored patterns are ignored during recognition.
func NewRecognizer(minSamples int) *Recognizer {
	if minSamples < 1 {
		minSamples = 1
	}
	return &Recognizer{
		minSamples: minSamples,
		patterns:   make(map[string][]Pattern),
	}
}

// Learn stores a pattern under the given category.
func (r *Recognizer) Learn(category string, p Pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[category] = append(r.patterns[category], p)
}

// Recognize returns up to maxResults stored patterns ranked by blended
// similarity to the probe: the average of numeric-feature closeness,
// verdict equality, and normalized action-sequence similarity.
func (r *Recognizer) Recognize(probe Pattern, maxResults int) []Match {
	if maxResults <= 0 {
		maxResults = 5
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []Match
	for category, patterns := range r.patterns {
		if len(patterns) < r.minSamples {
			continue
		}
		for _, p := range patterns {
			matches = append(matches, Match{
				Pattern:    p,
				Category:   category,
				Similarity: blendedSimilarity(probe, p),
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

// Len returns the total number of stored patterns.
func (r *Recognizer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, list := range r.patterns {
		n += len(list)
	}
	return n
}

// Export returns a deep copy of the per-category pattern lists.
func (r *Recognizer) Export() map[string][]Pattern {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]Pattern, len(r.patterns))
	for category, list := range r.patterns {
		cp := make([]Pattern, len(list))
		copy(cp, list)
		out[category] = cp
	}
	return out
}

// Import replaces the stored pattern lists with the given snapshot.
func (r *Recognizer) Import(snapshot map[string][]Pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.patterns = make(map[string][]Pattern, len(snapshot))
	for category, list := range snapshot {
		cp := make([]Pattern, len(list))
		copy(cp, list)
		r.patterns[category] = cp
	}
}

// blendedSimilarity averages three views of pattern closeness: numeric
// features, verdict equality, and action-sequence edit distance.
func blendedSimilarity(a, b Pattern) float64 {
	numeric := (closeness(a.SuccessRatio, b.SuccessRatio) +
		closeness(a.Confidence, b.Confidence) +
		closeness(a.MeanProgress, b.MeanProgress)) / 3

	verdict := 0.0
	if a.Verdict == b.Verdict {
		verdict = 1.0
	}

	return (numeric + verdict + sequenceSimilarity(a.Actions, b.Actions)) / 3
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

// sequenceSimilarity is 1 - levenshtein/maxLen over action-tag sequences.
// Two empty sequences are identical; one empty sequence matches nothing.
func sequenceSimilarity(a, b []string) float64 {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(maxLen)
}

// levenshtein computes edit distance over tag sequences. Step sequences are
// short and ordered, so insertion and substitution both matter; set overlap
// would miss "almost the same plan".
func levenshtein(a, b []string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	matrix := make([][]int, la+1)
	for i := range matrix {
		matrix[i] = make([]int, lb+1)
	}
	for i := 0; i <= la; i++ {
		matrix[i][0] = i
	}
	for j := 0; j <= lb; j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= la; i++ {
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			matrix[i][j] = minInt(
				matrix[i-1][j]+1,
				matrix[i][j-1]+1,
				matrix[i-1][j-1]+cost,
			)
		}
	}
	return matrix[la][lb]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
