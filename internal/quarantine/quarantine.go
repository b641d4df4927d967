// Package quarantine persists blocks that failed translation terminally so a
// run can complete with substituted originals and the failures can be
// inspected or replayed later.
package quarantine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pdf-translator/internal/config"
	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

// Entry 隔离记录
type Entry struct {
	DocumentID   string             `json:"document_id"`
	BlockID      string             `json:"block_id"`
	BlockType    document.BlockKind `json:"block_type"`
	OriginalText string             `json:"original_text"`
	LastError    string             `json:"last_error"`
	AttemptCount int                `json:"attempt_count"`
	Timestamp    time.Time          `json:"timestamp"`
	// ContextNeighbors holds the ids of the blocks immediately before and
	// after, for locating the failure in the source document.
	ContextNeighbors []string `json:"context_neighbors,omitempty"`
}

// Store is an append-only JSON-lines store, one file per document
type Store struct {
	dir       string
	retention time.Duration

	mu sync.Mutex
}

// Open creates the quarantine directory if needed and returns a Store
func Open(cfg config.QuarantineConfig) (*Store, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("quarantine directory not configured")
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create quarantine directory: %w", err)
	}
	days := cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	return &Store{
		dir:       cfg.Directory,
		retention: time.Duration(days) * 24 * time.Hour,
	}, nil
}

// fileFor maps a document id to its JSON-lines file
func (s *Store) fileFor(documentID string) string {
	return filepath.Join(s.dir, sanitize(documentID)+".jsonl")
}

// sanitize keeps document ids safe as file names
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// Append records one failed block. Entries are never rewritten.
func (s *Store) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal quarantine entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.fileFor(e.DocumentID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open quarantine file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append quarantine entry: %w", err)
	}
	logger.Warn("block quarantined",
		logger.String("document", e.DocumentID),
		logger.String("block", e.BlockID),
		logger.String("kind", string(e.BlockType)),
		logger.String("error", e.LastError))
	return nil
}

// Entries reads all recorded failures for one document. A missing file means
// no failures.
func (s *Store) Entries(documentID string) ([]Entry, error) {
	f, err := os.Open(s.fileFor(documentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open quarantine file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A torn trailing line from a crashed run is skipped, not fatal.
			logger.Warn("skipping malformed quarantine line",
				logger.String("document", documentID), logger.Err(err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read quarantine file: %w", err)
	}
	return entries, nil
}

// Sweep removes per-document files older than the retention window and
// returns how many were removed.
func (s *Store) Sweep(now time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("list quarantine files: %w", err)
	}
	cutoff := now.Add(-s.retention)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("quarantine sweep could not remove file",
				logger.String("file", path), logger.Err(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("quarantine retention sweep",
			logger.Int("removed", removed))
	}
	return removed, nil
}
