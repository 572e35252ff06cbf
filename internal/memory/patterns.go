package memory

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// PatternRegistry is the durable store of cross-agent shared patterns.
//
// Each pattern is one JSON file under the registry directory, written with
// the atomic temp-file-then-rename pattern so a crash mid-write never leaves
// a half-serialized pattern behind. With an empty path the registry is
// ephemeral.
//
// Stored confidence never decays on disk; queries apply a half-life decay at
// read time so stale patterns lose ranking influence without rewriting
// history. A zero half-life disables decay.
type PatternRegistry struct {
	path     string
	halfLife time.Duration
	mu       sync.Mutex
	patterns map[string]*SharedPattern
	logger   *zap.Logger
}

// NewPatternRegistry opens (or creates) the registry at path and loads
// existing patterns. Corrupted files are skipped with a warning.
func NewPatternRegistry(path string, halfLife time.Duration, logger *zap.Logger) (*PatternRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if halfLife < 0 {
		return nil, fmt.Errorf("patterns: half-life must be non-negative")
	}

	r := &PatternRegistry{
		path:     path,
		halfLife: halfLife,
		patterns: make(map[string]*SharedPattern),
		logger:   logger,
	}

	if path == "" {
		logger.Info("pattern registry running ephemeral")
		return r, nil
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("patterns: path contains directory traversal: %s", path)
	}
	if err := os.MkdirAll(cleanPath, 0700); err != nil {
		return nil, fmt.Errorf("patterns: creating directory: %w", err)
	}
	r.path = cleanPath

	if err := r.load(); err != nil {
		return nil, err
	}

	logger.Info("pattern registry initialized",
		zap.String("path", cleanPath),
		zap.Int("patterns_loaded", len(r.patterns)),
	)
	return r, nil
}

// load reads all pattern files from disk.
func (r *PatternRegistry) load() error {
	files, err := filepath.Glob(filepath.Join(r.path, "*.json"))
	if err != nil {
		return fmt.Errorf("patterns: listing files: %w", err)
	}

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			r.logger.Warn("patterns: skipping unreadable file",
				zap.String("file", file),
				zap.Error(err),
			)
			continue
		}
		var p SharedPattern
		if err := json.Unmarshal(data, &p); err != nil {
			r.logger.Warn("patterns: skipping corrupted file",
				zap.String("file", file),
				zap.Error(err),
			)
			continue
		}
		if err := p.Validate(); err != nil {
			r.logger.Warn("patterns: skipping invalid pattern",
				zap.String("file", file),
				zap.Error(err),
			)
			continue
		}
		r.patterns[p.ID] = &p
	}
	return nil
}

// Share inserts or replaces a pattern. A missing ID is filled in; timestamps
// are set for new patterns and the contributing agents are merged for
// existing ones.
func (r *PatternRegistry) Share(p SharedPattern) (string, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	now := timeNow()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := p.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.patterns[p.ID]; ok {
		p.SourceAgents = mergeAgents(prev.SourceAgents, p.SourceAgents)
		p.UsageCount = prev.UsageCount
		p.CreatedAt = prev.CreatedAt
	}

	if err := r.write(&p); err != nil {
		return "", err
	}
	r.patterns[p.ID] = &p
	return p.ID, nil
}

// Query returns patterns with decayed confidence at or above minConfidence,
// ordered by decayed confidence descending with usage count as tiebreak,
// truncated to limit (0 means all). An empty patternType matches all types.
// Serving a pattern increments its usage counter.
func (r *PatternRegistry) Query(patternType string, minConfidence float64, limit int) ([]*SharedPattern, error) {
	if minConfidence < 0 || minConfidence > 1 {
		return nil, ErrInvalidConfidence
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := timeNow()
	type ranked struct {
		pattern *SharedPattern
		decayed float64
	}
	matches := make([]ranked, 0, len(r.patterns))
	for _, p := range r.patterns {
		if patternType != "" && p.PatternType != patternType {
			continue
		}
		decayed := r.decayedConfidence(p, now)
		if decayed < minConfidence {
			continue
		}
		matches = append(matches, ranked{pattern: p, decayed: decayed})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].decayed != matches[j].decayed {
			return matches[i].decayed > matches[j].decayed
		}
		return matches[i].pattern.UsageCount > matches[j].pattern.UsageCount
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]*SharedPattern, len(matches))
	for i, m := range matches {
		m.pattern.UsageCount++
		if err := r.write(m.pattern); err != nil {
			r.logger.Warn("patterns: usage update failed",
				zap.String("id", m.pattern.ID),
				zap.Error(err),
			)
		}
		// Copy with the decayed confidence so callers rank on what they
		// were given, not the stored value.
		cp := *m.pattern
		cp.Confidence = m.decayed
		out[i] = &cp
	}
	return out, nil
}

// Len returns the number of stored patterns.
func (r *PatternRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.patterns)
}

// decayedConfidence applies exponential half-life decay to the stored
// confidence.
func (r *PatternRegistry) decayedConfidence(p *SharedPattern, now time.Time) float64 {
	if r.halfLife <= 0 {
		return p.Confidence
	}
	age := now.Sub(p.UpdatedAt)
	if age <= 0 {
		return p.Confidence
	}
	return p.Confidence * math.Pow(0.5, age.Seconds()/r.halfLife.Seconds())
}

// write persists one pattern with an atomic rename. Ephemeral registries
// skip the disk entirely.
func (r *PatternRegistry) write(p *SharedPattern) error {
	if r.path == "" {
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("patterns: encoding: %w", err)
	}

	finalPath := filepath.Join(r.path, p.ID+".json")
	tmpPath := finalPath + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("patterns: creating file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("patterns: writing: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("patterns: syncing: %w", err)
	}
	f.Close()

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("patterns: finalizing: %w", err)
	}
	return nil
}

// randomSuffix generates a random suffix for temp files.
func randomSuffix() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// mergeAgents unions two agent lists preserving first-seen order.
func mergeAgents(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, agent := range list {
			if !seen[agent] {
				seen[agent] = true
				out = append(out, agent)
			}
		}
	}
	return out
}
