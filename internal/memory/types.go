// Package memory implements the persistent semantic memory store: durable
// keyed records with embeddings, cross-agent shared patterns, and the
// append-only learning history ledger.
package memory

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for memory operations.
var (
	ErrRecordNotFound    = errors.New("memory record not found")
	ErrEmptyAgentID      = errors.New("agent ID cannot be empty")
	ErrEmptyCategory     = errors.New("category cannot be empty")
	ErrEmptyContent      = errors.New("content cannot be empty")
	ErrInvalidRate       = errors.New("rate must be between 0.0 and 1.0")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
)

// Record is a durable memory record with an embedding.
//
// Records are never structurally deleted in normal operation; retention is a
// policy decision outside this package. SuccessRate starts neutral and is
// smoothed toward observed outcomes of similar scenarios over time.
type Record struct {
	// ID is the unique record identifier (UUID).
	ID string `json:"id"`

	// AgentID identifies the agent that stored the record.
	AgentID string `json:"agent_id"`

	// Category is a free-form tag grouping records of one payload shape.
	Category string `json:"category"`

	// Content is the structured payload, stored verbatim.
	Content json.RawMessage `json:"content"`

	// Metadata holds additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// AccessCount is incremented on every retrieval.
	AccessCount int `json:"access_count"`

	// SuccessRate is in [0,1], default 0.5 (neutral).
	SuccessRate float64 `json:"success_rate"`

	// CreatedAt is when the record was stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a deep copy. The service hands out and caches only clones,
// so a record is never mutated after a caller has seen it.
func (r *Record) clone() *Record {
	out := *r
	if r.Content != nil {
		out.Content = append(json.RawMessage(nil), r.Content...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Validate checks the record for consistency.
func (r *Record) Validate() error {
	if r.AgentID == "" {
		return ErrEmptyAgentID
	}
	if r.Category == "" {
		return ErrEmptyCategory
	}
	if len(r.Content) == 0 {
		return ErrEmptyContent
	}
	if r.SuccessRate < 0 || r.SuccessRate > 1 {
		return ErrInvalidRate
	}
	return nil
}

// SearchHit is one ranked result from similarity search.
type SearchHit struct {
	Record     *Record `json:"record"`
	Similarity float64 `json:"similarity"`
}

// SearchOptions bound a similarity search.
type SearchOptions struct {
	// AgentID restricts results to one agent when set.
	AgentID string

	// Category restricts results to one category when set.
	Category string

	// Limit is the maximum number of results. Default 10.
	Limit int

	// MinSimilarity filters out weakly similar candidates. Zero keeps all.
	MinSimilarity float64
}

// SharedPattern is a cross-agent generalization published after a
// high-confidence successful episode.
type SharedPattern struct {
	// ID is the unique pattern identifier (UUID).
	ID string `json:"id"`

	// PatternType tags the kind of pattern (e.g. "shutdown_response").
	PatternType string `json:"pattern_type"`

	// PatternData is the structured pattern payload.
	PatternData json.RawMessage `json:"pattern_data"`

	// SourceAgents lists the agents that contributed to this pattern.
	SourceAgents []string `json:"source_agents"`

	// Confidence is in [0,1] as stored. Queries apply read-time decay on
	// top of this value; the stored confidence is never rewritten.
	Confidence float64 `json:"confidence"`

	// UsageCount tracks how many times the pattern was served.
	UsageCount int `json:"usage_count"`

	// SuccessRate is the observed success fraction of episodes that used
	// this pattern.
	SuccessRate float64 `json:"success_rate"`

	// CreatedAt is when the pattern was first published.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the pattern was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the pattern for consistency.
func (p *SharedPattern) Validate() error {
	if p.PatternType == "" {
		return errors.New("pattern type cannot be empty")
	}
	if len(p.PatternData) == 0 {
		return errors.New("pattern data cannot be empty")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return ErrInvalidConfidence
	}
	if len(p.SourceAgents) == 0 {
		return ErrEmptyAgentID
	}
	return nil
}

// LearningEntry is one immutable row of the learning history ledger.
type LearningEntry struct {
	// ID is the unique entry identifier (UUID).
	ID string `json:"id"`

	// AgentID is the agent that recorded the episode.
	AgentID string `json:"agent_id"`

	// Scenario is the snapshot of the decision input.
	Scenario json.RawMessage `json:"scenario"`

	// Action is the chosen strategy or verdict id.
	Action string `json:"action"`

	// Outcome is the terminal outcome tag.
	Outcome string `json:"outcome"`

	// Reward is the computed reward for the episode.
	Reward float64 `json:"reward"`

	// Metadata holds additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the entry for consistency.
func (e *LearningEntry) Validate() error {
	if e.AgentID == "" {
		return ErrEmptyAgentID
	}
	if e.Action == "" {
		return errors.New("action cannot be empty")
	}
	if e.Outcome == "" {
		return errors.New("outcome cannot be empty")
	}
	return nil
}

// newID generates a new record identifier.
func newID() string {
	return uuid.New().String()
}
