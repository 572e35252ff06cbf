package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLedgerAppendAndHistory(t *testing.T) {
	ledger, err := NewLedger("", zap.NewNop())
	require.NoError(t, err)

	entries := []LearningEntry{
		{ID: "e1", AgentID: "agent-a", Action: "negotiation", Outcome: "failure"},
		{ID: "e2", AgentID: "agent-b", Action: "immediate_compliance", Outcome: "success"},
		{ID: "e3", AgentID: "agent-a", Action: "graceful_compliance", Outcome: "success"},
	}
	for _, e := range entries {
		require.NoError(t, ledger.Append(e))
	}
	assert.Equal(t, 3, ledger.Len())

	t.Run("newest first", func(t *testing.T) {
		got := ledger.History("", 0)
		require.Len(t, got, 3)
		assert.Equal(t, "e3", got[0].ID)
		assert.Equal(t, "e1", got[2].ID)
	})

	t.Run("agent filter", func(t *testing.T) {
		got := ledger.History("agent-a", 0)
		require.Len(t, got, 2)
		assert.Equal(t, "e3", got[0].ID)
		assert.Equal(t, "e1", got[1].ID)
	})

	t.Run("limit", func(t *testing.T) {
		got := ledger.History("", 1)
		require.Len(t, got, 1)
		assert.Equal(t, "e3", got[0].ID)
	})
}

func TestLedgerAppendRejectsInvalidEntry(t *testing.T) {
	ledger, err := NewLedger("", zap.NewNop())
	require.NoError(t, err)

	err = ledger.Append(LearningEntry{AgentID: "", Action: "negotiation", Outcome: "success"})
	assert.ErrorIs(t, err, ErrEmptyAgentID)
}

func TestLedgerPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "history.jsonl")

	ledger, err := NewLedger(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, ledger.Append(LearningEntry{ID: "e1", AgentID: "agent-a", Action: "resist", Outcome: "failure"}))
	require.NoError(t, ledger.Append(LearningEntry{ID: "e2", AgentID: "agent-a", Action: "negotiation", Outcome: "success"}))
	require.NoError(t, ledger.Close())

	reloaded, err := NewLedger(path, zap.NewNop())
	require.NoError(t, err)
	defer reloaded.Close()

	assert.Equal(t, 2, reloaded.Len())
	got := reloaded.History("agent-a", 0)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID)
}

func TestLedgerSkipsCorruptedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	content := `{"id":"e1","agent_id":"agent-a","action":"negotiation","outcome":"success"}
this is not json
{"id":"e2","agent_id":"agent-a","action":"resist","outcome":"failure"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	ledger, err := NewLedger(path, zap.NewNop())
	require.NoError(t, err)
	defer ledger.Close()

	assert.Equal(t, 2, ledger.Len(), "corrupted line is dropped, valid lines survive")
}

func TestLedgerRejectsPathTraversal(t *testing.T) {
	_, err := NewLedger("data/../../etc/history.jsonl", zap.NewNop())
	assert.Error(t, err)
}
