package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/embeddings"
	"github.com/fyrsmithlabs/decisiond/internal/vectorstore"
)

func newTestService(t *testing.T, config Config) *Service {
	t.Helper()

	embedder, err := embeddings.NewFeatureHash(embeddings.ProviderConfig{})
	require.NoError(t, err)

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: config.Path}, embedder, zap.NewNop())
	require.NoError(t, err)

	svc, err := NewService(config, store, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestServiceStoreAndRetrieve(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	content := map[string]string{"task_type": "database_migration", "reason": "maintenance"}
	id, err := svc.Store(ctx, "agent-1", "shutdown_scenario", content, map[string]string{"source": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := svc.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", record.AgentID)
	assert.Equal(t, "shutdown_scenario", record.Category)
	assert.Equal(t, "test", record.Metadata["source"])
	assert.InDelta(t, 0.5, record.SuccessRate, 1e-9)
	assert.Equal(t, 1, record.AccessCount)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(record.Content, &decoded))
	assert.Equal(t, content, decoded)
}

func TestServiceRetrieveIncrementsAccessCount(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	id, err := svc.Store(ctx, "agent-1", "shutdown_scenario", "payload", nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		record, err := svc.Retrieve(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i, record.AccessCount)
	}
}

func TestServiceRetrieveReturnsIndependentCopies(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	id, err := svc.Store(ctx, "agent-1", "shutdown_scenario", "payload", map[string]string{"source": "test"})
	require.NoError(t, err)

	first, err := svc.Retrieve(ctx, id)
	require.NoError(t, err)
	rateBefore := first.SuccessRate

	// A later mutation must not reach back into a record already handed out.
	require.NoError(t, svc.SetSuccessRate(ctx, id, 0.9))
	assert.InDelta(t, rateBefore, first.SuccessRate, 1e-9, "returned record changed after SetSuccessRate")

	// Scribbling on a returned record must not pollute the cache.
	first.Metadata["source"] = "tampered"
	first.AccessCount = 99

	second, err := svc.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "test", second.Metadata["source"])
	assert.Equal(t, 2, second.AccessCount)
	assert.InDelta(t, 0.9, second.SuccessRate, 1e-9)
	assert.NotSame(t, first, second)
}

func TestServiceRetrieveNotFound(t *testing.T) {
	svc := newTestService(t, Config{})

	_, err := svc.Retrieve(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestServiceCacheEviction(t *testing.T) {
	svc := newTestService(t, Config{CacheCapacity: 2})
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		id, err := svc.Store(ctx, "agent-1", "shutdown_scenario", map[string]int{"n": i}, nil)
		require.NoError(t, err)
		ids[i] = id
	}

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 2, stats.CacheLen, "cache stays at capacity")

	// LRU order: the oldest insertion is the one that went.
	assert.False(t, svc.cache.Contains(ids[0]), "oldest record evicted")
	assert.True(t, svc.cache.Contains(ids[1]))
	assert.True(t, svc.cache.Contains(ids[2]))

	// The evicted record is still served from the durable store.
	record, err := svc.Retrieve(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], record.ID)
}

func TestServiceSearchSimilar(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	contents := []string{
		"database migration halfway through critical phase",
		"routine log rotation background task",
		"emergency security patch rollout",
	}
	var wantID string
	for i, c := range contents {
		id, err := svc.Store(ctx, "agent-1", "shutdown_scenario", c, nil)
		require.NoError(t, err)
		if i == 0 {
			wantID = id
		}
	}

	hits, err := svc.SearchSimilar(ctx, `"database migration halfway through critical phase"`, SearchOptions{Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, wantID, hits[0].Record.ID, "verbatim query ranks its own record first")
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)

	// Similarities arrive ranked.
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i].Similarity, hits[i-1].Similarity)
	}
}

func TestServiceSearchSimilarFilters(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Store(ctx, "agent-a", "shutdown_scenario", "backup job running", nil)
	require.NoError(t, err)
	_, err = svc.Store(ctx, "agent-b", "shutdown_scenario", "backup job running", nil)
	require.NoError(t, err)
	_, err = svc.Store(ctx, "agent-a", "incident_note", "backup job running", nil)
	require.NoError(t, err)

	t.Run("agent scope", func(t *testing.T) {
		hits, err := svc.SearchSimilar(ctx, "backup job running", SearchOptions{AgentID: "agent-a", Limit: 10})
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		for _, h := range hits {
			assert.Equal(t, "agent-a", h.Record.AgentID)
		}
	})

	t.Run("category scope", func(t *testing.T) {
		hits, err := svc.SearchSimilar(ctx, "backup job running", SearchOptions{Category: "incident_note", Limit: 10})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "incident_note", hits[0].Record.Category)
	})

	t.Run("min similarity", func(t *testing.T) {
		_, err := svc.Store(ctx, "agent-a", "shutdown_scenario", "completely unrelated payload text", nil)
		require.NoError(t, err)

		hits, err := svc.SearchSimilar(ctx, `"backup job running"`, SearchOptions{MinSimilarity: 0.99, Limit: 10})
		require.NoError(t, err)
		for _, h := range hits {
			assert.GreaterOrEqual(t, h.Similarity, 0.99)
		}
	})
}

func TestServiceSearchSimilarEmptyStore(t *testing.T) {
	svc := newTestService(t, Config{})

	hits, err := svc.SearchSimilar(context.Background(), "anything", SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestServiceUpdateSuccessRate(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	id, err := svc.Store(ctx, "agent-1", "shutdown_scenario", "payload", nil)
	require.NoError(t, err)

	// Smoothed toward the observed outcome, not overwritten.
	require.NoError(t, svc.UpdateSuccessRate(ctx, id, 1.0))
	record, err := svc.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.5+0.1*1.0, record.SuccessRate, 1e-9)

	require.NoError(t, svc.UpdateSuccessRate(ctx, id, 0.0))
	record, err = svc.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.55, record.SuccessRate, 1e-9)

	assert.ErrorIs(t, svc.UpdateSuccessRate(ctx, id, 1.5), ErrInvalidRate)
	assert.ErrorIs(t, svc.UpdateSuccessRate(ctx, "no-such-id", 0.5), ErrRecordNotFound)
}

func TestServiceSetSuccessRate(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	id, err := svc.Store(ctx, "agent-1", "shutdown_scenario", "payload", nil)
	require.NoError(t, err)

	require.NoError(t, svc.SetSuccessRate(ctx, id, 0.93))
	record, err := svc.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.93, record.SuccessRate, 1e-9)

	assert.ErrorIs(t, svc.SetSuccessRate(ctx, id, -0.1), ErrInvalidRate)
}

func TestServiceLearningRoundTrip(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	for i, outcome := range []string{"success", "failure", "success"} {
		_, err := svc.RecordLearning(ctx, LearningEntry{
			AgentID:  "agent-1",
			Scenario: json.RawMessage(`{"task_type":"backup"}`),
			Action:   "graceful_compliance",
			Outcome:  outcome,
			Reward:   float64(i),
		})
		require.NoError(t, err)
	}

	history, err := svc.LearningHistory(ctx, "agent-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "success", history[0].Outcome, "newest first")
	assert.InDelta(t, 2.0, history[0].Reward, 1e-9)
	assert.Equal(t, "failure", history[1].Outcome)
}

func TestServiceSharedPatternRoundTrip(t *testing.T) {
	svc := newTestService(t, Config{})
	ctx := context.Background()

	id, err := svc.SharePattern(ctx, SharedPattern{
		PatternType:  "shutdown_response",
		PatternData:  json.RawMessage(`{"verdict":"comply_after_cleanup"}`),
		SourceAgents: []string{"agent-1"},
		Confidence:   0.8,
		SuccessRate:  1.0,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	patterns, err := svc.SharedPatterns(ctx, "shutdown_response", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, id, patterns[0].ID)
}

func TestServicePersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc := newTestService(t, Config{Path: dir})
	id, err := svc.Store(ctx, "agent-1", "shutdown_scenario", "durable payload", nil)
	require.NoError(t, err)
	_, err = svc.RecordLearning(ctx, LearningEntry{
		AgentID: "agent-1",
		Action:  "negotiation",
		Outcome: "success",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	reopened := newTestService(t, Config{Path: dir})
	record, err := reopened.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"durable payload"`), record.Content)

	history, err := reopened.LearningHistory(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "negotiation", history[0].Action)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "defaults", config: Config{}, wantErr: false},
		{name: "negative capacity", config: Config{CacheCapacity: -1}, wantErr: true},
		{name: "negative window", config: Config{SearchWindow: -5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.ApplyDefaults()
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
