// Package pipeline drives one document end to end: extraction,
// reconciliation, routing, concurrent translation, and assembly. One
// controller owns the Document; workers only return (block id, translation)
// pairs, so all mutation is single-writer.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pdf-translator/internal/assembler"
	"pdf-translator/internal/cache"
	"pdf-translator/internal/config"
	"pdf-translator/internal/document"
	"pdf-translator/internal/executor"
	"pdf-translator/internal/extractor"
	"pdf-translator/internal/logger"
	"pdf-translator/internal/quarantine"
	"pdf-translator/internal/reconciler"
	"pdf-translator/internal/router"
	"pdf-translator/internal/trace"
)

// Exit codes of the command surface
const (
	ExitSuccess             = 0
	ExitConfigError         = 1
	ExitExtractorFatal      = 2
	ExitEndpointUnreachable = 3
	ExitPartial             = 4
)

// ExitCodeFor maps a pipeline error to the command exit code
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	kind, _ := document.KindOf(err)
	switch kind {
	case document.ErrConfigInvalid:
		return ExitConfigError
	case document.ErrExtractorUnavailable, document.ErrExtractorTimeout, document.ErrExtractorCorrupt:
		return ExitExtractorFatal
	case document.ErrEndpointUnreachable:
		return ExitEndpointUnreachable
	default:
		return ExitExtractorFatal
	}
}

// Outcome summarizes one document run
type Outcome struct {
	ExitCode    int
	Quarantined int
	Paused      bool
	Output      *assembler.Result
	Summary     trace.Summary
}

// stateFileName holds a paused document between runs
const stateFileName = "state.json"

// Pipeline processes documents with a shared set of collaborators. Documents
// may be processed in parallel; each call owns its Document.
type Pipeline struct {
	cfg    *config.Config
	layout extractor.LayoutExtractor
	visual extractor.VisualExtractor
	recon  *reconciler.Reconciler
	router *router.Router
	exec   *executor.Executor
	cache  *cache.SemanticCache
	store  *quarantine.Store
	asm    *assembler.Assembler
}

// New wires a Pipeline from its collaborators
func New(cfg *config.Config, layout extractor.LayoutExtractor, visual extractor.VisualExtractor,
	recon *reconciler.Reconciler, rt *router.Router, exec *executor.Executor,
	c *cache.SemanticCache, store *quarantine.Store) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		layout: layout,
		visual: visual,
		recon:  recon,
		router: rt,
		exec:   exec,
		cache:  c,
		store:  store,
		asm:    assembler.New(),
	}
}

// DocumentStem is the output directory name for a PDF
func DocumentStem(pdfPath string) string {
	base := filepath.Base(pdfPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ProcessDocument runs the full pipeline for one PDF. A cancelled run saves
// a resumable state file and reports Paused; the next call picks it up,
// re-reads the cache, and translates only the remaining blocks.
func (p *Pipeline) ProcessDocument(ctx context.Context, pdfPath, outDir string) (*Outcome, error) {
	stem := DocumentStem(pdfPath)
	docDir := filepath.Join(outDir, stem)
	if err := os.MkdirAll(docDir, 0o755); err != nil {
		return &Outcome{ExitCode: ExitConfigError}, document.NewError(document.ErrConfigInvalid, "create document output directory", err)
	}
	tracer := trace.New(stem)

	doc, visual, err := p.extractOrResume(ctx, tracer, pdfPath, docDir)
	if err != nil {
		p.dumpTrace(tracer, docDir)
		return &Outcome{ExitCode: ExitCodeFor(err)}, err
	}
	if err := tracer.Audit("reconciliation", doc); err != nil {
		p.dumpTrace(tracer, docDir)
		return &Outcome{ExitCode: ExitExtractorFatal}, err
	}

	items := p.routeBlocks(doc)
	if err := tracer.Audit("routing", doc); err != nil {
		p.dumpTrace(tracer, docDir)
		return &Outcome{ExitCode: ExitExtractorFatal}, err
	}

	quarantined, paused, err := p.translate(ctx, tracer, doc, items, docDir)
	if err != nil {
		p.dumpTrace(tracer, docDir)
		return &Outcome{ExitCode: ExitCodeFor(err), Quarantined: quarantined, Paused: paused}, err
	}
	if paused {
		p.dumpTrace(tracer, docDir)
		return &Outcome{ExitCode: ExitSuccess, Quarantined: quarantined, Paused: true}, nil
	}
	if err := tracer.Audit("translation", doc); err != nil {
		p.dumpTrace(tracer, docDir)
		return &Outcome{ExitCode: ExitExtractorFatal}, err
	}

	if err := doc.Validate(); err != nil {
		p.dumpTrace(tracer, docDir)
		wrapped := document.NewError(document.ErrAssemblerInvariant, "document invariants violated before assembly", err)
		return &Outcome{ExitCode: ExitExtractorFatal, Quarantined: quarantined}, wrapped
	}

	result, err := p.assemble(tracer, doc, visual, docDir)
	if err != nil {
		p.dumpTrace(tracer, docDir)
		return &Outcome{ExitCode: ExitCodeFor(err), Quarantined: quarantined}, err
	}
	if err := tracer.Audit("assembly", doc); err != nil {
		p.dumpTrace(tracer, docDir)
		return &Outcome{ExitCode: ExitExtractorFatal}, err
	}

	p.clearState(docDir)
	if p.cache != nil {
		if err := p.cache.Flush(); err != nil {
			logger.Warn("cache flush failed", logger.Err(err))
		}
	}
	if p.store != nil {
		if _, err := p.store.Sweep(time.Now()); err != nil {
			logger.Warn("quarantine sweep failed", logger.Err(err))
		}
	}
	p.dumpTrace(tracer, docDir)

	code := ExitSuccess
	if quarantined > 0 {
		code = ExitPartial
	}
	return &Outcome{
		ExitCode:    code,
		Quarantined: quarantined,
		Output:      result,
		Summary:     tracer.Summary(),
	}, nil
}

// extractOrResume either loads a paused document or runs both extractors and
// reconciles. Visual extraction always runs; asset ids are stable, and a
// resumed document needs its binaries back.
func (p *Pipeline) extractOrResume(ctx context.Context, tracer *trace.Tracer, pdfPath, docDir string) (*document.Document, *extractor.VisualResult, error) {
	if saved, ok := p.loadState(docDir, pdfPath); ok {
		logger.Info("resuming paused document", logger.String("file", pdfPath))
		span := tracer.StartSpan(trace.SpanImageExtraction)
		visual, err := p.visual.Extract(ctx, pdfPath)
		if err != nil {
			logger.Warn("visual extraction failed on resume, continuing without images", logger.Err(err))
			visual = &extractor.VisualResult{}
		}
		span.Set(trace.MetaImagesFound, int64(len(visual.Assets)))
		span.End()
		return saved, visual, nil
	}

	imgSpan := tracer.StartSpan(trace.SpanImageExtraction)
	contentSpan := tracer.StartSpan(trace.SpanContentExtraction)
	layout, visual, err := p.recon.Extract(ctx, p.layout, p.visual, pdfPath, extractor.PageRange{})
	imgSpan.End()
	if err != nil {
		contentSpan.End()
		return nil, nil, err
	}
	imgSpan.Set(trace.MetaImagesFound, int64(len(visual.Assets)))

	doc, err := p.recon.Reconcile(layout, visual, pdfPath, p.cfg.Translation.TargetLanguage)
	contentSpan.End()
	if err != nil {
		return nil, nil, err
	}
	return doc, visual, nil
}

// routeBlocks routes every untranslated block. Already-translated blocks
// (from a resumed state) are skipped.
func (p *Pipeline) routeBlocks(doc *document.Document) []executor.Item {
	var items []executor.Item
	doc.EachBlock(func(b *document.ContentBlock) bool {
		if b.TranslatedText != "" {
			return true
		}
		items = append(items, executor.Item{Block: b, Decision: p.router.Route(b)})
		return true
	})
	return items
}

// translate dispatches the executor and applies results back onto the
// document in order. Failed blocks are quarantined and substituted with
// their original text.
func (p *Pipeline) translate(ctx context.Context, tracer *trace.Tracer, doc *document.Document, items []executor.Item, docDir string) (int, bool, error) {
	span := tracer.StartSpan(trace.SpanTranslation)
	defer span.End()

	results, runErr := p.exec.Run(ctx, items)
	stats := p.exec.Stats()
	span.Set(trace.MetaCacheHits, stats.CacheHits)
	span.Set(trace.MetaAPICalls, stats.APICalls)

	quarantined := 0
	passes, fails := int64(0), int64(0)
	for i, it := range items {
		b := it.Block
		r, ok := results[b.ID]
		if !ok {
			continue // cancelled before dispatch
		}
		if r.Err == nil {
			b.TranslatedText = r.Text
			passes++
			continue
		}

		if document.IsKind(r.Err, document.ErrEndpointUnreachable) {
			return quarantined, false, r.Err
		}

		fails++
		quarantined++
		p.quarantineBlock(doc, items, i, r.Err)
	}
	span.Set(trace.MetaValidationPasses, passes)
	span.Set(trace.MetaValidationFails, fails)

	if document.IsKind(runErr, document.ErrCancelled) {
		if err := p.saveState(docDir, doc); err != nil {
			return quarantined, false, err
		}
		logger.Info("document paused", logger.String("document", doc.ID))
		return quarantined, true, nil
	}
	if runErr != nil {
		return quarantined, false, runErr
	}
	return quarantined, false, nil
}

// quarantineBlock records the failure and substitutes the original text so
// assembly can proceed.
func (p *Pipeline) quarantineBlock(doc *document.Document, items []executor.Item, i int, cause error) {
	b := items[i].Block
	var neighbors []string
	if i > 0 {
		neighbors = append(neighbors, items[i-1].Block.ID)
	}
	if i+1 < len(items) {
		neighbors = append(neighbors, items[i+1].Block.ID)
	}

	if p.store != nil {
		err := p.store.Append(quarantine.Entry{
			DocumentID:       doc.ID,
			BlockID:          b.ID,
			BlockType:        b.Kind,
			OriginalText:     b.OriginalText,
			LastError:        cause.Error(),
			AttemptCount:     1 + p.cfg.SelfCorrection.MaxAttempts,
			ContextNeighbors: neighbors,
		})
		if err != nil {
			logger.Error("quarantine append failed", err)
		}
	}

	b.TranslatedText = b.OriginalText
	if b.Metadata == nil {
		b.Metadata = make(map[string]string)
	}
	b.Metadata["status"] = document.MetaTranslationFailed
}

// assemble renders the artifact and verifies the image preservation
// invariant end to end.
func (p *Pipeline) assemble(tracer *trace.Tracer, doc *document.Document, visual *extractor.VisualResult, docDir string) (*assembler.Result, error) {
	span := tracer.StartSpan(trace.SpanAssembly)
	defer span.End()

	assets := make(map[string]assembler.Asset, len(visual.Assets))
	for _, a := range visual.Assets {
		assets[a.AssetID] = assembler.Asset{Data: a.Data, MimeType: a.MimeType}
	}

	if err := doc.ValidateAssets(func(assetID string) bool {
		_, ok := assets[assetID]
		return ok
	}); err != nil {
		return nil, document.NewError(document.ErrImagePreservation, "image asset missing before assembly", err)
	}

	result, err := p.asm.Assemble(doc, assets, docDir)
	if err != nil {
		return nil, err
	}
	span.Set(trace.MetaImagesPreserved, int64(result.ImagesEmbedded))
	return result, nil
}

// dumpTrace writes trace.json when tracing is enabled; failures only log
func (p *Pipeline) dumpTrace(tracer *trace.Tracer, docDir string) {
	if !p.cfg.Tracing.Enable {
		return
	}
	dir := docDir
	if p.cfg.Tracing.OutputDir != "" {
		dir = p.cfg.Tracing.OutputDir
	}
	if err := tracer.Write(dir); err != nil {
		logger.Warn("trace write failed", logger.Err(err))
	}
}

// pausedState is the resumable snapshot of a document mid-translation
type pausedState struct {
	SourcePath string             `json:"source_path"`
	PausedAt   time.Time          `json:"paused_at"`
	Document   *document.Document `json:"document"`
}

func (p *Pipeline) statePath(docDir string) string {
	return filepath.Join(docDir, stateFileName)
}

func (p *Pipeline) saveState(docDir string, doc *document.Document) error {
	data, err := json.Marshal(pausedState{
		SourcePath: doc.SourcePath,
		PausedAt:   time.Now().UTC(),
		Document:   doc,
	})
	if err != nil {
		return fmt.Errorf("marshal paused state: %w", err)
	}
	path := p.statePath(docDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write paused state: %w", err)
	}
	return os.Rename(tmp, path)
}

// loadState returns a saved document when one exists for this source path
func (p *Pipeline) loadState(docDir, pdfPath string) (*document.Document, bool) {
	data, err := os.ReadFile(p.statePath(docDir))
	if err != nil {
		return nil, false
	}
	var st pausedState
	if err := json.Unmarshal(data, &st); err != nil || st.Document == nil {
		logger.Warn("paused state unreadable, starting fresh", logger.Err(err))
		return nil, false
	}
	if st.SourcePath != pdfPath {
		logger.Warn("paused state belongs to a different source, starting fresh",
			logger.String("state_source", st.SourcePath), logger.String("input", pdfPath))
		return nil, false
	}
	return st.Document, true
}

func (p *Pipeline) clearState(docDir string) {
	if err := os.Remove(p.statePath(docDir)); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not remove paused state", logger.Err(err))
	}
}
