package extractor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

// TextLayoutExtractor 基于文本运行的默认布局提取器
//
// It groups the PDF's text runs into per-row fragments carrying font name,
// size and weight, and marks latex spans and heading candidates as hints.
type TextLayoutExtractor struct {
	timeout time.Duration
}

// NewTextLayoutExtractor creates the default layout extractor. A zero timeout
// means no per-extraction limit beyond the caller's context.
func NewTextLayoutExtractor(timeout time.Duration) *TextLayoutExtractor {
	return &TextLayoutExtractor{timeout: timeout}
}

// Name identifies the extractor in logs and trace entries
func (e *TextLayoutExtractor) Name() string { return "pdf-text" }

// HealthCheck verifies the integration works on a trivially small operation.
// Called before first use per document.
func (e *TextLayoutExtractor) HealthCheck(ctx context.Context) error {
	// The extractor has no external process or model to probe; the per-file
	// validation below is the real gate.
	return ctx.Err()
}

// Extract runs the layout extraction with the configured timeout
func (e *TextLayoutExtractor) Extract(ctx context.Context, pdfPath string, pages PageRange) (*LayoutResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type outcome struct {
		result *LayoutResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := e.extract(pdfPath, pages)
		ch <- outcome{r, err}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, document.NewErrorWithDetails(document.ErrExtractorTimeout,
				"layout extraction timed out", pdfPath, ctx.Err())
		}
		return nil, document.NewError(document.ErrCancelled, "layout extraction cancelled", ctx.Err())
	case out := <-ch:
		return out.result, out.err
	}
}

func (e *TextLayoutExtractor) extract(pdfPath string, pages PageRange) (*LayoutResult, error) {
	if _, err := os.Stat(pdfPath); err != nil {
		return nil, document.NewErrorWithDetails(document.ErrExtractorCorrupt, "input file not accessible", pdfPath, err)
	}

	// Structural validation catches corrupt input before text extraction.
	if err := api.ValidateFile(pdfPath, nil); err != nil {
		return nil, document.NewErrorWithDetails(document.ErrExtractorCorrupt, "input PDF failed validation", pdfPath, err)
	}

	f, r, err := pdf.Open(pdfPath)
	if err != nil {
		return nil, document.NewErrorWithDetails(document.ErrExtractorCorrupt, "cannot open PDF", pdfPath, err)
	}
	defer f.Close()

	result := &LayoutResult{PageCount: r.NumPage()}

	for pageNum := 1; pageNum <= r.NumPage(); pageNum++ {
		if !pages.Contains(pageNum) {
			continue
		}
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		if page.V.Key("Contents").Kind() == pdf.Null {
			continue
		}

		if box := page.V.Key("MediaBox"); box.Kind() == pdf.Array && box.Len() == 4 {
			result.PageWidth = box.Index(2).Float64()
			result.PageHeight = box.Index(3).Float64()
		}

		rows, err := page.GetTextByRow()
		if err != nil {
			logger.Warn("failed to read page rows, skipping page",
				logger.Int("page", pageNum), logger.Err(err))
			continue
		}

		for _, row := range rows {
			frag, ok := e.mergeRow(row.Content, pageNum)
			if !ok {
				continue
			}
			result.Fragments = append(result.Fragments, frag)
			e.hintFragment(frag, result)
		}
	}

	logger.Debug("layout extraction complete",
		logger.String("file", pdfPath),
		logger.Int("pages", result.PageCount),
		logger.Int("fragments", len(result.Fragments)))
	return result, nil
}

// mergeRow merges a row of text runs into a single fragment
func (e *TextLayoutExtractor) mergeRow(content []pdf.Text, pageNum int) (LayoutFragment, bool) {
	var sb strings.Builder
	var minX, maxX, minY, maxY, totalSize float64
	var fontName string
	var bold, italic bool
	runs := 0

	for _, t := range content {
		if t.S == "" || isOperatorCode(t.S) {
			continue
		}
		sb.WriteString(t.S)

		if runs == 0 {
			minX, maxX, minY, maxY = t.X, t.X, t.Y, t.Y
			fontName = t.Font
		} else {
			minX = minFloat(minX, t.X)
			maxX = maxFloat(maxX, t.X)
			minY = minFloat(minY, t.Y)
			maxY = maxFloat(maxY, t.Y)
		}
		totalSize += t.FontSize
		runs++

		fontLower := strings.ToLower(t.Font)
		if strings.Contains(fontLower, "bold") {
			bold = true
		}
		if strings.Contains(fontLower, "italic") || strings.Contains(fontLower, "oblique") {
			italic = true
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" || runs == 0 || hasExcessiveNonPrintable(text) {
		return LayoutFragment{}, false
	}

	avgSize := totalSize / float64(runs)
	if avgSize <= 0 {
		avgSize = 10.0
	}
	width := maxFloat(maxX-minX+avgSize, float64(len(text))*avgSize*0.5)
	height := maxFloat(maxY-minY, avgSize*1.2)

	return LayoutFragment{
		Text:      text,
		FontName:  fontName,
		FontSize:  avgSize,
		Bold:      bold,
		Italic:    italic,
		PageIndex: pageNum,
		BBox: document.BoundingBox{
			X:      minX,
			Y:      minY,
			Width:  width,
			Height: height,
		},
	}, true
}

// hintFragment records latex spans and heading candidates for the reconciler
func (e *TextLayoutExtractor) hintFragment(frag LayoutFragment, result *LayoutResult) {
	region := HintRegion{PageIndex: frag.PageIndex, BBox: frag.BBox, Payload: frag.Text}
	if strings.Contains(frag.Text, "$") || strings.Contains(frag.Text, `\begin{`) {
		result.Hints.LatexSpans = append(result.Hints.LatexSpans, region)
	}
	if strings.Count(frag.Text, "|") >= 2 {
		result.Hints.TableRegions = append(result.Hints.TableRegions, region)
	}
	if frag.Bold && len(strings.Fields(frag.Text)) <= 15 {
		result.Hints.HeadingCandidates = append(result.Hints.HeadingCandidates, region)
	}
}

// isOperatorCode filters PostScript/PDF operator text that leaks out of some
// content streams.
func isOperatorCode(text string) bool {
	if len(text) == 0 {
		return false
	}
	lower := strings.ToLower(text)

	if strings.Contains(text, "/") && (strings.Contains(text, " def ") || strings.HasSuffix(text, " def")) {
		return true
	}
	for _, op := range []string{
		"currentpoint", "gsave", "grestore", "newpath", "closepath",
		"setrgbcolor", "setgray", "showpage", "moveto", "lineto",
	} {
		if strings.Contains(lower, op) {
			return true
		}
	}
	return false
}

// hasExcessiveNonPrintable rejects fragments dominated by control characters
func hasExcessiveNonPrintable(text string) bool {
	nonPrintable := 0
	total := 0
	for _, r := range text {
		total++
		if r != '\n' && r != '\t' && (unicode.IsControl(r) || r == unicode.ReplacementChar) {
			nonPrintable++
		}
	}
	return total > 0 && float64(nonPrintable)/float64(total) > 0.3
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// FallbackChain tries each layout extractor in order, moving on when one
// reports unavailable or times out. Corrupt input is not retried: the same
// bytes will be corrupt for every extractor.
type FallbackChain struct {
	extractors []LayoutExtractor
}

// NewFallbackChain builds a chain over the given extractors
func NewFallbackChain(extractors ...LayoutExtractor) *FallbackChain {
	return &FallbackChain{extractors: extractors}
}

// Name identifies the chain in logs
func (c *FallbackChain) Name() string {
	names := make([]string, len(c.extractors))
	for i, e := range c.extractors {
		names[i] = e.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// HealthCheck passes when at least one member is healthy
func (c *FallbackChain) HealthCheck(ctx context.Context) error {
	var lastErr error
	for _, e := range c.extractors {
		if err := e.HealthCheck(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no extractors registered")
	}
	return document.NewError(document.ErrExtractorUnavailable, "no healthy layout extractor", lastErr)
}

// Extract runs the chain with the retry-with-alternative-extractor policy
func (c *FallbackChain) Extract(ctx context.Context, pdfPath string, pages PageRange) (*LayoutResult, error) {
	var lastErr error
	for _, e := range c.extractors {
		if err := e.HealthCheck(ctx); err != nil {
			logger.Warn("skipping unhealthy layout extractor",
				logger.String("extractor", e.Name()), logger.Err(err))
			lastErr = err
			continue
		}
		result, err := e.Extract(ctx, pdfPath, pages)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if document.IsKind(err, document.ErrExtractorCorrupt) || document.IsKind(err, document.ErrCancelled) {
			return nil, err
		}
		logger.Warn("layout extractor failed, trying alternative",
			logger.String("extractor", e.Name()), logger.Err(err))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no extractors registered")
	}
	return nil, lastErr
}
