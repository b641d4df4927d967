// Package trace records per-document processing evidence: timed spans per
// stage, block-count audits at stage boundaries, and a trace.json artifact.
// The audits exist to catch content loss, image loss in particular, as early
// as possible.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

// Stage span names
const (
	SpanImageExtraction   = "image_extraction"
	SpanContentExtraction = "content_extraction"
	SpanTranslation       = "translation"
	SpanAssembly          = "assembly"
)

// Metadata keys spans are expected to carry
const (
	MetaImagesFound      = "images_found"
	MetaImagesPreserved  = "images_preserved"
	MetaCacheHits        = "cache_hits"
	MetaAPICalls         = "api_calls"
	MetaValidationPasses = "validation_passes"
	MetaValidationFails  = "validation_fails"
)

// Span is one timed stage of a document's processing
type Span struct {
	Name         string           `json:"name"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      time.Time        `json:"ended_at"`
	ProcessingMS int64            `json:"processing_ms"`
	Metadata     map[string]int64 `json:"metadata,omitempty"`

	tracer *Tracer
	done   bool
}

// StageCounts 阶段块计数
type StageCounts struct {
	Stage string `json:"stage"`
	document.Statistics
}

// Summary condenses a trace for reporting
type Summary struct {
	DocumentID       string   `json:"document_id"`
	TotalMS          int64    `json:"total_ms"`
	ImagesFound      int64    `json:"images_found"`
	ImagesPreserved  int64    `json:"images_preserved"`
	PreservationRate float64  `json:"preservation_rate"`
	CacheHits        int64    `json:"cache_hits"`
	APICalls         int64    `json:"api_calls"`
	Issues           []string `json:"issues,omitempty"`
}

// Tracer collects spans and audits for a single document. Not shared across
// documents, so a single mutex suffices.
type Tracer struct {
	documentID string
	startedAt  time.Time

	mu     sync.Mutex
	spans  []*Span
	audits []StageCounts
	issues []string
}

// New creates a Tracer for one document
func New(documentID string) *Tracer {
	return &Tracer{documentID: documentID, startedAt: time.Now()}
}

// StartSpan opens a stage span. End it exactly once.
func (t *Tracer) StartSpan(name string) *Span {
	s := &Span{
		Name:      name,
		StartedAt: time.Now(),
		Metadata:  make(map[string]int64),
		tracer:    t,
	}
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
	return s
}

// Add accumulates a metadata counter on the span
func (s *Span) Add(key string, delta int64) {
	s.tracer.mu.Lock()
	s.Metadata[key] += delta
	s.tracer.mu.Unlock()
}

// Set overwrites a metadata counter on the span
func (s *Span) Set(key string, value int64) {
	s.tracer.mu.Lock()
	s.Metadata[key] = value
	s.tracer.mu.Unlock()
}

// End closes the span and records its duration
func (s *Span) End() {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.EndedAt = time.Now()
	s.ProcessingMS = s.EndedAt.Sub(s.StartedAt).Milliseconds()
}

// CountBlocks tallies a document's blocks by audit category
func CountBlocks(stage string, doc *document.Document) StageCounts {
	return StageCounts{Stage: stage, Statistics: doc.Stats()}
}

// Audit records the block counts at a stage boundary and fails when image
// blocks decreased since the previous boundary.
func (t *Tracer) Audit(stage string, doc *document.Document) error {
	counts := CountBlocks(stage, doc)

	t.mu.Lock()
	var prev *StageCounts
	if len(t.audits) > 0 {
		prev = &t.audits[len(t.audits)-1]
	}
	t.audits = append(t.audits, counts)
	t.mu.Unlock()

	logger.Info("stage audit",
		logger.String("document", t.documentID),
		logger.String("stage", stage),
		logger.Int("total_blocks", counts.TotalBlocks),
		logger.Int("image_blocks", counts.ImageBlocks),
		logger.Int("text_blocks", counts.TextBlocks),
		logger.Int("math_blocks", counts.MathBlocks),
		logger.Int("table_blocks", counts.TableBlocks))

	if prev != nil && counts.ImageBlocks < prev.ImageBlocks {
		t.AddIssue(fmt.Sprintf("image blocks dropped from %d to %d between %s and %s",
			prev.ImageBlocks, counts.ImageBlocks, prev.Stage, stage))
		return document.NewError(document.ErrImagePreservation,
			fmt.Sprintf("image blocks decreased at stage %q: %d -> %d",
				stage, prev.ImageBlocks, counts.ImageBlocks), nil)
	}
	return nil
}

// AddIssue records a non-fatal finding for the summary
func (t *Tracer) AddIssue(issue string) {
	t.mu.Lock()
	t.issues = append(t.issues, issue)
	t.mu.Unlock()
}

// metaTotal sums one metadata key across all spans
func (t *Tracer) metaTotal(key string) int64 {
	var total int64
	for _, s := range t.spans {
		total += s.Metadata[key]
	}
	return total
}

// Summary condenses the trace. Any preservation rate below 100% is flagged
// as an issue.
func (t *Tracer) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := t.metaTotal(MetaImagesFound)
	preserved := t.metaTotal(MetaImagesPreserved)
	rate := 1.0
	if found > 0 {
		rate = float64(preserved) / float64(found)
	}

	issues := append([]string(nil), t.issues...)
	if rate < 1.0 {
		issues = append(issues, fmt.Sprintf("image preservation %.0f%% (%d of %d)",
			rate*100, preserved, found))
	}
	return Summary{
		DocumentID:       t.documentID,
		TotalMS:          time.Since(t.startedAt).Milliseconds(),
		ImagesFound:      found,
		ImagesPreserved:  preserved,
		PreservationRate: rate,
		CacheHits:        t.metaTotal(MetaCacheHits),
		APICalls:         t.metaTotal(MetaAPICalls),
		Issues:           issues,
	}
}

// artifact is the trace.json document layout
type artifact struct {
	DocumentID string        `json:"document_id"`
	StartedAt  time.Time     `json:"started_at"`
	Spans      []*Span       `json:"spans"`
	Audits     []StageCounts `json:"audits"`
	Summary    Summary       `json:"summary"`
}

// Write persists the trace as trace.json in dir, via temp file and rename
func (t *Tracer) Write(dir string) error {
	summary := t.Summary()

	t.mu.Lock()
	a := artifact{
		DocumentID: t.documentID,
		StartedAt:  t.startedAt,
		Spans:      t.spans,
		Audits:     t.audits,
		Summary:    summary,
	}
	data, err := json.MarshalIndent(a, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trace directory: %w", err)
	}
	path := filepath.Join(dir, "trace.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize trace: %w", err)
	}
	return nil
}
