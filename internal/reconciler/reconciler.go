// Package reconciler fuses the layout and visual extraction sources into one
// ordered Document: global font analysis, block classification, merges,
// footnote lifting, caption and image association, and the reading-order
// sweep.
package reconciler

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pdf-translator/internal/config"
	"pdf-translator/internal/document"
	"pdf-translator/internal/extractor"
	"pdf-translator/internal/logger"
)

// Reconciler builds a Document from the two extraction sources
type Reconciler struct {
	cfg      config.ReconciliationConfig
	detector *extractor.LayoutDetector
}

// New creates a Reconciler with the given configuration
func New(cfg config.ReconciliationConfig) *Reconciler {
	return &Reconciler{cfg: cfg}
}

// WithDetector attaches the optional layout detection model. Detected
// "abandon" regions (page furniture) filter the matching assets out.
func (r *Reconciler) WithDetector(d *extractor.LayoutDetector) *Reconciler {
	r.detector = d
	return r
}

// Extract runs both extractors in parallel. A layout failure is fatal for
// the document; a visual failure degrades to a document without images.
func (r *Reconciler) Extract(ctx context.Context, layout extractor.LayoutExtractor, visual extractor.VisualExtractor, pdfPath string, pages extractor.PageRange) (*extractor.LayoutResult, *extractor.VisualResult, error) {
	var layoutResult *extractor.LayoutResult
	var visualResult *extractor.VisualResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		layoutResult, err = layout.Extract(gctx, pdfPath, pages)
		return err
	})
	g.Go(func() error {
		res, err := visual.Extract(gctx, pdfPath)
		if err != nil {
			logger.Warn("visual extraction failed, continuing without images",
				logger.String("file", pdfPath), logger.Err(err))
			res = &extractor.VisualResult{}
		}
		visualResult = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return layoutResult, visualResult, nil
}

// Reconcile fuses the extraction results into an ordered Document
func (r *Reconciler) Reconcile(layout *extractor.LayoutResult, visual *extractor.VisualResult, sourcePath, targetLanguage string) (*document.Document, error) {
	if layout == nil {
		return nil, fmt.Errorf("layout result is required")
	}

	fonts := analyzeFonts(layout.Fragments, r.cfg.HeadingMinFontRatio)
	cls := &classifier{
		fonts:           fonts,
		headingMaxWords: r.cfg.HeadingMaxWords,
		pageHeight:      layout.PageHeight,
	}

	doc := &document.Document{
		ID:             uuid.NewString(),
		SourcePath:     sourcePath,
		TargetLanguage: targetLanguage,
		CreatedAt:      time.Now().UTC(),
		FontProfile:    &fonts.profile,
	}

	assets := r.filterAssets(visual)
	assetsByPage := make(map[int][]extractor.VisualAsset)
	for _, a := range assets {
		assetsByPage[a.PageIndex] = append(assetsByPage[a.PageIndex], a)
	}

	bookmarkSeq := 0
	for pageNum := 1; pageNum <= layout.PageCount; pageNum++ {
		frags := layout.FragmentsForPage(pageNum)
		blocks := r.buildPageBlocks(cls, frags, pageNum)
		blocks = mergeTables(blocks)
		blocks = mergeParagraphs(blocks)
		blocks = mergeHeadings(blocks)
		blocks = r.associateImages(blocks, assetsByPage[pageNum], pageNum)
		blocks = orderPage(blocks, layout.PageWidth)

		page := document.Page{Number: pageNum}
		for _, b := range blocks {
			if b.Kind == document.KindHeading {
				bookmarkSeq++
				b.Heading.BookmarkID = fmt.Sprintf("bm_%04d", bookmarkSeq)
			}
			page.Blocks = append(page.Blocks, *b)
		}
		doc.Pages = append(doc.Pages, page)
	}

	mergeHeadingsAcrossPages(doc)
	demoteUnreferencedFootnotes(doc)
	liftFootnotes(doc)
	setReadingOrderPositions(doc)
	doc.Title = deriveTitle(doc, sourcePath)

	stats := doc.Stats()
	logger.Info("reconciliation complete",
		logger.String("document", doc.ID),
		logger.Int("pages", len(doc.Pages)),
		logger.Int("blocks", stats.TotalBlocks),
		logger.Int("images", stats.ImageBlocks))
	return doc, nil
}

// buildPageBlocks classifies each fragment into a draft block
func (r *Reconciler) buildPageBlocks(cls *classifier, frags []extractor.LayoutFragment, pageNum int) []*document.ContentBlock {
	var blocks []*document.ContentBlock
	for _, f := range frags {
		if isArtifact(f, cls.pageHeight) {
			continue
		}
		kind, level := cls.classify(f)
		b := &document.ContentBlock{
			ID:           uuid.NewString(),
			Kind:         kind,
			PageNumber:   pageNum,
			BBox:         f.BBox,
			OriginalText: f.Text,
		}
		switch kind {
		case document.KindHeading:
			b.Heading = &document.HeadingInfo{Level: level, Numbering: headingNumbering(f.Text)}
		case document.KindParagraph:
			b.Paragraph = &document.ParagraphInfo{}
		case document.KindListItem:
			marker := listMarkerPattern.FindString(f.Text)
			b.ListItem = &document.ListItemInfo{
				Marker:  strings.TrimSpace(marker),
				Ordered: orderedMarkerPattern.MatchString(f.Text),
			}
		case document.KindFootnote:
			b.Footnote = &document.FootnoteInfo{
				ReferenceID: footnoteReference(f.Text),
				OriginPage:  pageNum,
			}
		case document.KindTable:
			b.Table = &document.TableInfo{Rows: parseTableRow(f.Text)}
		case document.KindCaption:
			b.Caption = &document.CaptionInfo{}
		case document.KindMathFormula:
			mode := document.DisplayInline
			if displayMathPattern.MatchString(f.Text) || latexEnvPattern.MatchString(f.Text) {
				mode = document.DisplayBlock
			}
			b.Math = &document.MathInfo{LaTeX: f.Text, DisplayMode: mode}
		case document.KindCodeBlock:
			b.Code = &document.CodeInfo{}
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// filterAssets applies the decorative filters and, when the detection model
// is loaded, drops assets it classifies as page furniture.
func (r *Reconciler) filterAssets(visual *extractor.VisualResult) []extractor.VisualAsset {
	if visual == nil {
		return nil
	}
	minDim := r.cfg.MinImageWidthPx
	if r.cfg.MinImageHeightPx < minDim {
		minDim = r.cfg.MinImageHeightPx
	}

	var kept []extractor.VisualAsset
	for _, a := range visual.Assets {
		if a.MinDimPx > 0 && a.MinDimPx < minDim {
			continue
		}
		if a.AspectRatio > float64(r.cfg.MaxAspectRatio) {
			continue
		}
		if r.detector != nil {
			class, conf, err := r.detector.ClassifyAsset(a.Data)
			if err == nil && class == "abandon" && conf > 0.5 {
				logger.Debug("dropping detected page furniture",
					logger.String("asset", a.AssetID))
				continue
			}
		}
		kept = append(kept, a)
	}
	return kept
}

// mergeTables coalesces consecutive table-row blocks into one Table block
func mergeTables(blocks []*document.ContentBlock) []*document.ContentBlock {
	var out []*document.ContentBlock
	for i := 0; i < len(blocks); i++ {
		b := blocks[i]
		if b.Kind != document.KindTable {
			out = append(out, b)
			continue
		}
		j := i
		var rows [][]string
		var lines []string
		headerRows := 0
		for ; j < len(blocks) && blocks[j].Kind == document.KindTable; j++ {
			lines = append(lines, blocks[j].OriginalText)
			cells := blocks[j].Table.Rows
			if len(cells) == 1 && isSeparatorRow(cells[0]) {
				if len(rows) == 1 {
					headerRows = 1
				}
				continue
			}
			rows = append(rows, cells...)
		}
		merged := blocks[i]
		merged.OriginalText = strings.Join(lines, "\n")
		merged.Table = &document.TableInfo{Rows: rows, HeaderRows: headerRows}
		merged.BBox = unionBBox(blocks[i:j])
		out = append(out, merged)
		i = j - 1
	}
	return out
}

// isSeparatorRow reports whether a parsed row is a markdown header separator
func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, ":- ") != "" {
			return false
		}
	}
	return len(cells) > 0
}

// parseTableRow splits one markdown table line into its cells
func parseTableRow(line string) [][]string {
	trimmed := strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(trimmed, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return [][]string{cells}
}

// mergeParagraphs joins a paragraph that wrapped across fragments: the first
// lacks terminal punctuation and the next line follows immediately below.
func mergeParagraphs(blocks []*document.ContentBlock) []*document.ContentBlock {
	var out []*document.ContentBlock
	for _, b := range blocks {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Kind == document.KindParagraph && b.Kind == document.KindParagraph &&
				!terminalPunctuation(prev.OriginalText) &&
				verticallyAdjacent(prev.BBox, b.BBox) {
				prev.OriginalText = strings.TrimSpace(prev.OriginalText) + " " + strings.TrimSpace(b.OriginalText)
				prev.BBox = unionBBox([]*document.ContentBlock{prev, b})
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

// verticallyAdjacent reports whether the second box starts on the line right
// below the first. Bottom-left origin: the next line has a smaller Y.
func verticallyAdjacent(a, b document.BoundingBox) bool {
	gap := a.Y - b.Y
	line := math.Max(a.Height, b.Height)
	if line <= 0 {
		line = 12
	}
	return gap > 0 && gap < line*2.5
}

// mergeHeadings joins a heading that wrapped onto a second line
func mergeHeadings(blocks []*document.ContentBlock) []*document.ContentBlock {
	var out []*document.ContentBlock
	for _, b := range blocks {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Kind == document.KindHeading && b.Kind == document.KindHeading &&
				prev.Heading.Level == b.Heading.Level &&
				!terminalPunctuation(prev.OriginalText) &&
				startsLikeContinuation(b.OriginalText) {
				prev.OriginalText = strings.TrimSpace(prev.OriginalText) + " " + strings.TrimSpace(b.OriginalText)
				prev.BBox = unionBBox([]*document.ContentBlock{prev, b})
				continue
			}
		}
		out = append(out, b)
	}
	return out
}

func unionBBox(blocks []*document.ContentBlock) document.BoundingBox {
	if len(blocks) == 0 {
		return document.BoundingBox{}
	}
	minX, minY := blocks[0].BBox.X, blocks[0].BBox.Y
	maxX := blocks[0].BBox.X + blocks[0].BBox.Width
	maxY := blocks[0].BBox.Y + blocks[0].BBox.Height
	for _, b := range blocks[1:] {
		minX = math.Min(minX, b.BBox.X)
		minY = math.Min(minY, b.BBox.Y)
		maxX = math.Max(maxX, b.BBox.X+b.BBox.Width)
		maxY = math.Max(maxY, b.BBox.Y+b.BBox.Height)
	}
	return document.BoundingBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// associateImages turns each surviving asset into an image placeholder block
// anchored to the nearest text block, and binds nearby captions to it.
func (r *Reconciler) associateImages(blocks []*document.ContentBlock, assets []extractor.VisualAsset, pageNum int) []*document.ContentBlock {
	for _, asset := range assets {
		img := &document.ContentBlock{
			ID:           uuid.NewString(),
			Kind:         document.KindImagePlaceholder,
			PageNumber:   pageNum,
			BBox:         asset.BBox,
			OriginalText: asset.AssetID,
			Image: &document.ImageInfo{
				AssetID:             asset.AssetID,
				SpatialRelationship: document.SpatialAfter,
			},
		}

		anchorIdx := nearestTextBlock(blocks, asset.BBox)
		if anchorIdx >= 0 {
			anchor := blocks[anchorIdx]
			if asset.BBox.Width == 0 && asset.BBox.Height == 0 {
				// No placement data: park the image just below its anchor so
				// the reading-order sweep keeps them adjacent.
				img.BBox = document.BoundingBox{
					X:     anchor.BBox.X,
					Y:     anchor.BBox.Y - rowTolerance - 1,
					Width: anchor.BBox.Width,
				}
			} else {
				img.Image.SpatialRelationship = relationTo(asset.BBox, anchor.BBox)
			}
			blocks = append(blocks[:anchorIdx+1],
				append([]*document.ContentBlock{img}, blocks[anchorIdx+1:]...)...)
		} else {
			blocks = append(blocks, img)
		}

		bindCaption(blocks, img)
	}
	return blocks
}

// nearestTextBlock returns the index of the text block whose center is
// closest to the asset box, or -1 for a page with no text. Assets with no
// placement data anchor to the first text block on the page.
func nearestTextBlock(blocks []*document.ContentBlock, box document.BoundingBox) int {
	zero := box.Width == 0 && box.Height == 0
	best := -1
	bestDist := math.MaxFloat64
	for i, b := range blocks {
		if b.Kind == document.KindImagePlaceholder {
			continue
		}
		if zero {
			return i
		}
		dx := box.CenterX() - b.BBox.CenterX()
		dy := box.CenterY() - b.BBox.CenterY()
		d := dx*dx + dy*dy
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// relationTo maps relative geometry to a spatial relationship tag
func relationTo(img, anchor document.BoundingBox) document.SpatialRelationship {
	dy := img.CenterY() - anchor.CenterY()
	dx := img.CenterX() - anchor.CenterX()
	switch {
	case math.Abs(dy) < math.Max(img.Height, anchor.Height)/2 && math.Abs(dx) > math.Abs(dy):
		if math.Abs(dx) < (img.Width+anchor.Width)/2 {
			return document.SpatialWrapped
		}
		return document.SpatialAlongside
	case dy > 0:
		// Image above the anchor reads before it.
		return document.SpatialBefore
	default:
		return document.SpatialAfter
	}
}

// bindCaption links the nearest unbound caption on the page to the image
func bindCaption(blocks []*document.ContentBlock, img *document.ContentBlock) {
	best := -1
	bestDist := math.MaxFloat64
	for i, b := range blocks {
		if b.Kind != document.KindCaption || b.Caption.TargetID != "" {
			continue
		}
		d := math.Abs(b.BBox.CenterY() - img.BBox.CenterY())
		if img.BBox.Width == 0 && img.BBox.Height == 0 {
			d = float64(i) // no geometry: prefer the earliest unbound caption
		}
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best >= 0 {
		blocks[best].Caption.TargetID = img.ID
		img.Image.CaptionID = blocks[best].ID
	}
}

// mergeHeadingsAcrossPages joins a heading that wrapped over a page break:
// the last block of one page continues as the first block of the next.
func mergeHeadingsAcrossPages(doc *document.Document) {
	for pi := 0; pi+1 < len(doc.Pages); pi++ {
		cur := &doc.Pages[pi]
		next := &doc.Pages[pi+1]
		if len(cur.Blocks) == 0 || len(next.Blocks) == 0 {
			continue
		}
		prev := &cur.Blocks[len(cur.Blocks)-1]
		b := next.Blocks[0]
		if prev.Kind != document.KindHeading || b.Kind != document.KindHeading {
			continue
		}
		if prev.Heading.Level != b.Heading.Level ||
			terminalPunctuation(prev.OriginalText) ||
			!startsLikeContinuation(b.OriginalText) {
			continue
		}
		prev.OriginalText = strings.TrimSpace(prev.OriginalText) + " " + strings.TrimSpace(b.OriginalText)
		next.Blocks = next.Blocks[1:]
	}
}

// demoteUnreferencedFootnotes returns bottom-zone candidates whose numeric id
// never appears inline to the paragraph flow. Bracketed bibliography entries
// otherwise masquerade as footnotes.
func demoteUnreferencedFootnotes(doc *document.Document) {
	markers := make(map[string]int)
	doc.EachBlock(func(b *document.ContentBlock) bool {
		if b.Kind == document.KindParagraph {
			for _, id := range document.InlineFootnoteMarkers(b.OriginalText) {
				markers[id]++
			}
		}
		return true
	})
	doc.EachBlock(func(b *document.ContentBlock) bool {
		if b.Kind != document.KindFootnote {
			return true
		}
		ref := b.Footnote.ReferenceID
		if _, err := strconv.Atoi(ref); err != nil {
			return true
		}
		if markers[ref] > 0 {
			return true
		}
		logger.Debug("demoting unreferenced footnote candidate",
			logger.String("reference", ref), logger.Int("page", b.PageNumber))
		b.Kind = document.KindParagraph
		b.Footnote = nil
		b.Paragraph = &document.ParagraphInfo{}
		return true
	})
}

// liftFootnotes moves footnote blocks to the end of their page and demotes
// captions that never found a target back to paragraphs.
func liftFootnotes(doc *document.Document) {
	for pi := range doc.Pages {
		page := &doc.Pages[pi]
		var flow, notes []document.ContentBlock
		for _, b := range page.Blocks {
			switch {
			case b.Kind == document.KindFootnote:
				notes = append(notes, b)
			case b.Kind == document.KindCaption && b.Caption.TargetID == "":
				b.Kind = document.KindParagraph
				b.Caption = nil
				b.Paragraph = &document.ParagraphInfo{}
				flow = append(flow, b)
			default:
				flow = append(flow, b)
			}
		}
		page.Blocks = append(flow, notes...)
	}
}

// setReadingOrderPositions numbers image placeholders by their final position
func setReadingOrderPositions(doc *document.Document) {
	pos := 0
	doc.EachBlock(func(b *document.ContentBlock) bool {
		if b.Kind == document.KindImagePlaceholder {
			b.Image.ReadingOrderPosition = pos
		}
		pos++
		return true
	})
}

// deriveTitle uses the first level-1 heading, falling back to the file name
func deriveTitle(doc *document.Document, sourcePath string) string {
	title := ""
	doc.EachBlock(func(b *document.ContentBlock) bool {
		if b.Kind == document.KindHeading && b.Heading.Level == 1 {
			title = b.OriginalText
			return false
		}
		return true
	})
	if title != "" {
		return title
	}
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
