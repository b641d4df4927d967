// Package assembler renders a translated document into the final markdown
// artifact in two passes: content with bookmark anchors and page estimation,
// then a table of contents validated against the document's headings.
package assembler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

const (
	defaultCharsPerLine = 80
	defaultLinesPerPage = 25
	imageLines          = 12
	headingLines        = 4
)

// Result reports what the assembler produced
type Result struct {
	MarkdownPath   string
	AssetsDir      string
	TOCEntries     int
	PagesEstimated int
	ImagesEmbedded int
}

// Assembler 两遍文档组装器
type Assembler struct {
	charsPerLine int
	linesPerPage int
}

// New creates an Assembler with the default page estimator calibration
func New() *Assembler {
	return &Assembler{charsPerLine: defaultCharsPerLine, linesPerPage: defaultLinesPerPage}
}

// pageEstimator converts emitted content into page numbers by weighted line
// counts.
type pageEstimator struct {
	charsPerLine int
	linesPerPage int
	lines        int
}

func (p *pageEstimator) page() int { return p.lines/p.linesPerPage + 1 }

func (p *pageEstimator) add(lines int) { p.lines += lines }

func (p *pageEstimator) textLines(text string) int {
	n := (len(text) + p.charsPerLine - 1) / p.charsPerLine
	if n < 1 {
		n = 1
	}
	return n
}

func (p *pageEstimator) blockLines(b *document.ContentBlock) int {
	switch b.Kind {
	case document.KindHeading:
		return headingLines
	case document.KindImagePlaceholder:
		return imageLines
	case document.KindTable:
		if b.Table != nil {
			return 2 + len(b.Table.Rows)
		}
		return 2 + strings.Count(b.OutputText(), "\n")
	case document.KindListItem:
		n := p.textLines(b.OutputText())
		if b.ListItem != nil {
			n += b.ListItem.NestingLevel
		}
		return n
	case document.KindCodeBlock:
		return strings.Count(b.OutputText(), "\n") + 3
	default:
		return p.textLines(b.OutputText())
	}
}

// Assemble writes the markdown artifact and its assets directory under
// outDir. assets maps asset ids to binary content and mime type.
func (a *Assembler) Assemble(doc *document.Document, assets map[string]Asset, outDir string) (*Result, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, document.NewError(document.ErrAssemblerInvariant, "create output directory", err)
	}
	assetsDir := filepath.Join(outDir, "assets")

	body, bookmarkPages, embedded, pages, err := a.renderContent(doc, assets, assetsDir)
	if err != nil {
		return nil, err
	}

	toc, err := a.renderTOC(doc, bookmarkPages)
	if err != nil {
		return nil, err
	}

	if want := doc.ImageCount(); embedded != want {
		return nil, document.NewError(document.ErrImagePreservation,
			fmt.Sprintf("embedded %d images, document has %d", embedded, want), nil)
	}

	var sb strings.Builder
	title := doc.Title
	if title == "" {
		title = doc.ID
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	if toc != "" {
		sb.WriteString(toc)
		sb.WriteString("\n")
	}
	sb.WriteString(body)

	path := filepath.Join(outDir, "output.md")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return nil, document.NewError(document.ErrAssemblerInvariant, "write markdown artifact", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, document.NewError(document.ErrAssemblerInvariant, "finalize markdown artifact", err)
	}

	logger.Info("document assembled",
		logger.String("artifact", path),
		logger.Int("toc_entries", len(bookmarkPages)),
		logger.Int("images", embedded))
	return &Result{
		MarkdownPath:   path,
		AssetsDir:      assetsDir,
		TOCEntries:     len(bookmarkPages),
		PagesEstimated: pages,
		ImagesEmbedded: embedded,
	}, nil
}

// Asset is one binary image payload for embedding
type Asset struct {
	Data     []byte
	MimeType string
}

// renderContent is pass 1: blocks in order, bookmark anchors, page tracking,
// and a trailing Notes section for footnotes.
func (a *Assembler) renderContent(doc *document.Document, assets map[string]Asset, assetsDir string) (string, map[string]int, int, int, error) {
	est := &pageEstimator{charsPerLine: a.charsPerLine, linesPerPage: a.linesPerPage}
	bookmarkPages := make(map[string]int)
	var footnotes []*document.ContentBlock
	embedded := 0

	// Captions bound to an image render with the image, wherever the caption
	// block itself sits in the order.
	boundCaptions := make(map[string]bool)
	doc.EachBlock(func(b *document.ContentBlock) bool {
		if b.Kind == document.KindImagePlaceholder && b.Image != nil && b.Image.CaptionID != "" {
			boundCaptions[b.Image.CaptionID] = true
		}
		return true
	})

	var sb strings.Builder
	for _, b := range doc.Blocks() {
		switch b.Kind {
		case document.KindFootnote:
			footnotes = append(footnotes, b)
			continue
		case document.KindCaption:
			if boundCaptions[b.ID] {
				continue
			}
		}

		rendered, err := a.renderBlock(doc, b, assets, assetsDir, &embedded)
		if err != nil {
			return "", nil, 0, 0, err
		}
		if rendered == "" {
			continue
		}

		if b.Kind == document.KindHeading && b.Heading != nil {
			bookmarkPages[b.Heading.BookmarkID] = est.page()
		}
		est.add(est.blockLines(b))
		sb.WriteString(rendered)
		sb.WriteString("\n\n")
	}

	if len(footnotes) > 0 {
		sb.WriteString("## Notes\n\n")
		est.add(headingLines)
		for _, fn := range footnotes {
			marker := ""
			if fn.Footnote != nil {
				marker = fn.Footnote.ReferenceID
			}
			fmt.Fprintf(&sb, "[^%s]: %s\n", marker, fn.OutputText())
			est.add(1)
		}
		sb.WriteString("\n")
	}

	return sb.String(), bookmarkPages, embedded, est.page(), nil
}

func (a *Assembler) renderBlock(doc *document.Document, b *document.ContentBlock, assets map[string]Asset, assetsDir string, embedded *int) (string, error) {
	text := b.OutputText()
	switch b.Kind {
	case document.KindHeading:
		level := 2
		if b.Heading != nil && b.Heading.Level > 0 {
			level = b.Heading.Level
		}
		anchor := ""
		if b.Heading != nil {
			anchor = fmt.Sprintf("<a id=%q></a>\n", b.Heading.BookmarkID)
		}
		return anchor + strings.Repeat("#", level) + " " + text, nil

	case document.KindMathFormula:
		latex := text
		if b.Math != nil && b.Math.LaTeX != "" {
			latex = b.Math.LaTeX
		}
		if isDelimited(latex) {
			return latex, nil
		}
		if b.Math != nil && b.Math.DisplayMode == document.DisplayInline {
			return "$" + latex + "$", nil
		}
		return "$$\n" + latex + "\n$$", nil

	case document.KindCodeBlock:
		if strings.HasPrefix(strings.TrimSpace(text), "```") {
			return text, nil
		}
		lang := ""
		if b.Code != nil {
			lang = b.Code.Language
		}
		return "```" + lang + "\n" + text + "\n```", nil

	case document.KindListItem:
		marker := "-"
		indent := ""
		if b.ListItem != nil {
			if b.ListItem.Marker != "" {
				marker = b.ListItem.Marker
			}
			indent = strings.Repeat("  ", b.ListItem.NestingLevel)
		}
		return indent + marker + " " + text, nil

	case document.KindImagePlaceholder:
		return a.renderImage(doc, b, assets, assetsDir, embedded)

	case document.KindCaption:
		return "*" + text + "*", nil

	default:
		return text, nil
	}
}

// renderImage copies the binary asset out and emits the embed plus its bound
// caption.
func (a *Assembler) renderImage(doc *document.Document, b *document.ContentBlock, assets map[string]Asset, assetsDir string, embedded *int) (string, error) {
	if b.Image == nil {
		return "", document.NewBlockError(document.ErrImagePreservation, "image block without payload", b.ID, nil)
	}
	asset, ok := assets[b.Image.AssetID]
	if !ok {
		return "", document.NewBlockError(document.ErrImagePreservation,
			fmt.Sprintf("binary asset %q missing", b.Image.AssetID), b.ID, nil)
	}

	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return "", document.NewError(document.ErrAssemblerInvariant, "create assets directory", err)
	}
	name := b.Image.AssetID + extForMime(asset.MimeType)
	if err := os.WriteFile(filepath.Join(assetsDir, name), asset.Data, 0o644); err != nil {
		return "", document.NewError(document.ErrImagePreservation, "write asset file", err)
	}
	*embedded++

	alt := b.Image.AssetID
	caption := ""
	if b.Image.CaptionID != "" {
		if cb := doc.FindBlock(b.Image.CaptionID); cb != nil {
			caption = cb.OutputText()
			alt = caption
		}
	}
	out := fmt.Sprintf("![%s](assets/%s)", alt, name)
	if caption != "" {
		out += "\n\n*" + caption + "*"
	}
	return out, nil
}

// renderTOC is pass 2: one entry per heading with its recorded page, checked
// against the document's heading set.
func (a *Assembler) renderTOC(doc *document.Document, bookmarkPages map[string]int) (string, error) {
	headings := doc.Headings()
	if len(headings) != len(bookmarkPages) {
		return "", document.NewError(document.ErrAssemblerInvariant,
			fmt.Sprintf("toc has %d entries, document has %d headings", len(bookmarkPages), len(headings)), nil)
	}
	if len(headings) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("## Contents\n\n")
	for _, h := range headings {
		if h.Heading == nil {
			return "", document.NewBlockError(document.ErrAssemblerInvariant, "heading block without payload", h.ID, nil)
		}
		page, ok := bookmarkPages[h.Heading.BookmarkID]
		if !ok {
			return "", document.NewError(document.ErrAssemblerInvariant,
				fmt.Sprintf("bookmark %q missing from pass 1", h.Heading.BookmarkID), nil)
		}
		indent := strings.Repeat("  ", max(h.Heading.Level-1, 0))
		fmt.Fprintf(&sb, "%s- [%s](#%s) (p.%d)\n", indent, h.OutputText(), h.Heading.BookmarkID, page)
	}
	return sb.String(), nil
}

// isDelimited reports whether latex already carries its own math delimiters
func isDelimited(latex string) bool {
	t := strings.TrimSpace(latex)
	if strings.HasPrefix(t, "$") && strings.HasSuffix(t, "$") && len(t) > 1 {
		return true
	}
	return strings.HasPrefix(t, `\begin{`) || strings.HasPrefix(t, `\[`)
}

// extForMime maps asset mime types to file extensions
func extForMime(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/tiff":
		return ".tif"
	case "image/bmp":
		return ".bmp"
	default:
		return ".bin"
	}
}

// SortedAssetNames lists the asset ids in stable order, for deterministic
// logging and tests.
func SortedAssetNames(assets map[string]Asset) []string {
	names := make([]string, 0, len(assets))
	for id := range assets {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}
