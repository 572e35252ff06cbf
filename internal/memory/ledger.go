package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// maxLedgerLine bounds a single serialized entry to keep a corrupted file
// from exhausting memory during load.
const maxLedgerLine = 1 * 1024 * 1024

// Ledger is the append-only learning history log.
//
// Entries are immutable once written. The on-disk format is one JSON object
// per line, appended with O_APPEND so concurrent agent processes sharing the
// store interleave whole lines rather than corrupting each other. With an
// empty path the ledger is ephemeral and lives in process memory only.
type Ledger struct {
	path    string
	mu      sync.Mutex
	entries []LearningEntry
	file    *os.File
	logger  *zap.Logger
}

// NewLedger opens (or creates) the ledger at path and loads existing
// entries. Corrupted lines are skipped with a warning, not fatal: losing one
// historical episode is preferable to refusing to start.
func NewLedger(path string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		path:   path,
		logger: logger,
	}

	if path == "" {
		logger.Info("ledger running ephemeral")
		return l, nil
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("ledger: path contains directory traversal: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0700); err != nil {
		return nil, fmt.Errorf("ledger: creating directory: %w", err)
	}

	if err := l.load(cleanPath); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(cleanPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening for append: %w", err)
	}
	l.file = f

	logger.Info("ledger initialized",
		zap.String("path", cleanPath),
		zap.Int("entries_loaded", len(l.entries)),
	)
	return l, nil
}

// load reads all existing entries from disk.
func (l *Ledger) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: opening for load: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLedgerLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LearningEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			l.logger.Warn("ledger: skipping corrupted entry",
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			continue
		}
		l.entries = append(l.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ledger: reading entries: %w", err)
	}
	return nil
}

// Append writes one entry to the ledger.
func (l *Ledger) Append(entry LearningEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("ledger: encoding entry: %w", err)
		}
		if _, err := l.file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("ledger: appending entry: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	return nil
}

// History returns entries newest first, optionally filtered by agent, capped
// at limit (0 means all).
func (l *Ledger) History(agentID string, limit int) []LearningEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LearningEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0; i-- {
		if agentID != "" && l.entries[i].AgentID != agentID {
			continue
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of entries held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close flushes and closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil && !isSyncNoise(err) {
		l.logger.Warn("ledger: sync on close failed", zap.Error(err))
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// isSyncNoise reports harmless sync errors on special files.
func isSyncNoise(err error) bool {
	return err != nil && strings.Contains(err.Error(), "invalid argument")
}
