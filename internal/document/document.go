package document

import (
	"encoding/json"
	"fmt"
	"time"
)

// FontStyle identifies a (name, size, bold, italic) combination observed in
// the source PDF.
type FontStyle struct {
	Name   string  `json:"name"`
	Size   float64 `json:"size"`
	Bold   bool    `json:"bold"`
	Italic bool    `json:"italic"`
}

// FontProfile records the outcome of global font analysis: the dominant body
// style and the size-to-heading-level ladder derived from it.
type FontProfile struct {
	BodyStyle    FontStyle       `json:"body_style"`
	HeadingSizes map[int]float64 `json:"heading_sizes"` // level -> font size
}

// HeadingLevelFor returns the heading level assigned to the given font size,
// or 0 when the size does not map to any heading level.
func (p *FontProfile) HeadingLevelFor(size float64) int {
	for level := 1; level <= 6; level++ {
		if s, ok := p.HeadingSizes[level]; ok && s == size {
			return level
		}
	}
	return 0
}

// Page 页面：按阅读顺序排列的内容块序列
type Page struct {
	Number int            `json:"number"`
	Blocks []ContentBlock `json:"blocks"`
}

// Document 结构化文档
type Document struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	SourcePath     string            `json:"source_path"`
	TargetLanguage string            `json:"target_language"`
	CreatedAt      time.Time         `json:"created_at"`
	Pages          []Page            `json:"pages"`
	FontProfile    *FontProfile      `json:"font_profile,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Statistics summarizes the block population of a Document, used by stage
// audits and trace summaries.
type Statistics struct {
	TotalBlocks int `json:"total_blocks"`
	ImageBlocks int `json:"image_blocks"`
	TextBlocks  int `json:"text_blocks"`
	MathBlocks  int `json:"math_blocks"`
	TableBlocks int `json:"table_blocks"`
}

// EachBlock calls fn for every block in document order. Returning false stops
// the walk.
func (d *Document) EachBlock(fn func(b *ContentBlock) bool) {
	for pi := range d.Pages {
		for bi := range d.Pages[pi].Blocks {
			if !fn(&d.Pages[pi].Blocks[bi]) {
				return
			}
		}
	}
}

// Blocks returns pointers to every block in document order
func (d *Document) Blocks() []*ContentBlock {
	var out []*ContentBlock
	d.EachBlock(func(b *ContentBlock) bool {
		out = append(out, b)
		return true
	})
	return out
}

// FindBlock returns the block with the given id, or nil
func (d *Document) FindBlock(id string) *ContentBlock {
	var found *ContentBlock
	d.EachBlock(func(b *ContentBlock) bool {
		if b.ID == id {
			found = b
			return false
		}
		return true
	})
	return found
}

// Headings returns all heading blocks in document order
func (d *Document) Headings() []*ContentBlock {
	var out []*ContentBlock
	d.EachBlock(func(b *ContentBlock) bool {
		if b.Kind == KindHeading {
			out = append(out, b)
		}
		return true
	})
	return out
}

// Footnotes returns all footnote blocks in document order
func (d *Document) Footnotes() []*ContentBlock {
	var out []*ContentBlock
	d.EachBlock(func(b *ContentBlock) bool {
		if b.Kind == KindFootnote {
			out = append(out, b)
		}
		return true
	})
	return out
}

// ImageCount returns the number of ImagePlaceholder blocks
func (d *Document) ImageCount() int {
	n := 0
	d.EachBlock(func(b *ContentBlock) bool {
		if b.Kind == KindImagePlaceholder {
			n++
		}
		return true
	})
	return n
}

// Stats computes the audit statistics for the document
func (d *Document) Stats() Statistics {
	var s Statistics
	d.EachBlock(func(b *ContentBlock) bool {
		s.TotalBlocks++
		switch b.Kind {
		case KindImagePlaceholder:
			s.ImageBlocks++
		case KindMathFormula:
			s.MathBlocks++
		case KindTable:
			s.TableBlocks++
		default:
			s.TextBlocks++
		}
		return true
	})
	return s
}

// AssetChecker reports whether a binary asset exists in the asset store
type AssetChecker func(assetID string) bool

// Validate checks the structural invariants that do not require the asset
// store:
//  1. every id unique within the document
//  2. every footnote reference has exactly one inline marker and vice versa
//  3. every caption target resolves to a table or image in the document
//  5. preserve-blocks never carry a differing translated_text
//  6. heading bookmark ids unique
func (d *Document) Validate() error {
	ids := make(map[string]bool)
	bookmarks := make(map[string]bool)
	targets := make(map[string]BlockKind)

	var shapeErr error
	d.EachBlock(func(b *ContentBlock) bool {
		if err := b.checkShape(); err != nil {
			shapeErr = err
			return false
		}
		if ids[b.ID] {
			shapeErr = fmt.Errorf("duplicate block id %s", b.ID)
			return false
		}
		ids[b.ID] = true
		targets[b.ID] = b.Kind

		switch b.Kind {
		case KindHeading:
			if b.Heading.Level < 1 || b.Heading.Level > 6 {
				shapeErr = fmt.Errorf("heading %s: level %d out of range", b.ID, b.Heading.Level)
				return false
			}
			if b.Heading.BookmarkID == "" {
				shapeErr = fmt.Errorf("heading %s: empty bookmark id", b.ID)
				return false
			}
			if bookmarks[b.Heading.BookmarkID] {
				shapeErr = fmt.Errorf("heading %s: duplicate bookmark id %s", b.ID, b.Heading.BookmarkID)
				return false
			}
			bookmarks[b.Heading.BookmarkID] = true
		case KindMathFormula, KindCodeBlock:
			if b.TranslatedText != "" && b.TranslatedText != b.OriginalText {
				shapeErr = fmt.Errorf("preserve-block %s (%s) carries a modified translation", b.ID, b.Kind)
				return false
			}
		case KindListItem:
			if b.ListItem.NestingLevel < 0 {
				shapeErr = fmt.Errorf("list item %s: negative nesting level", b.ID)
				return false
			}
		case KindTable:
			if b.Table.HeaderRows < 0 || b.Table.HeaderRows > 1 {
				shapeErr = fmt.Errorf("table %s: header_rows must be 0 or 1", b.ID)
				return false
			}
		}
		return true
	})
	if shapeErr != nil {
		return NewError(ErrAssemblerInvariant, shapeErr.Error(), nil)
	}

	// Caption targets resolve to a table or image in this document.
	var capErr error
	d.EachBlock(func(b *ContentBlock) bool {
		if b.Kind != KindCaption {
			return true
		}
		kind, ok := targets[b.Caption.TargetID]
		if !ok {
			capErr = fmt.Errorf("caption %s: target %s not found", b.ID, b.Caption.TargetID)
			return false
		}
		if kind != KindTable && kind != KindImagePlaceholder {
			capErr = fmt.Errorf("caption %s: target %s is a %s, not a table or image", b.ID, b.Caption.TargetID, kind)
			return false
		}
		return true
	})
	if capErr != nil {
		return NewError(ErrAssemblerInvariant, capErr.Error(), nil)
	}

	return d.validateFootnotes()
}

// validateFootnotes checks that every numeric footnote reference appears
// inline in at least one paragraph. Bibliography citations share the [n]
// surface form, so extra occurrences are tolerated; the occurrence on the
// footnote's origin page is the reference, the rest are citations.
func (d *Document) validateFootnotes() error {
	markerCounts := make(map[string]int)
	d.EachBlock(func(b *ContentBlock) bool {
		if b.Kind == KindParagraph {
			for _, id := range InlineFootnoteMarkers(b.OriginalText) {
				markerCounts[id]++
			}
		}
		return true
	})

	refs := make(map[string]bool)
	var fnErr error
	d.EachBlock(func(b *ContentBlock) bool {
		if b.Kind != KindFootnote {
			return true
		}
		ref := b.Footnote.ReferenceID
		if refs[ref] {
			fnErr = fmt.Errorf("footnote reference %s declared twice", ref)
			return false
		}
		refs[ref] = true
		if !isNumericRef(ref) {
			// Symbol footnotes (*) have no bracketed inline marker.
			return true
		}
		if markerCounts[ref] == 0 {
			fnErr = fmt.Errorf("footnote reference %s has no inline marker", ref)
			return false
		}
		return true
	})
	if fnErr != nil {
		return NewError(ErrAssemblerInvariant, fnErr.Error(), nil)
	}
	return nil
}

func isNumericRef(ref string) bool {
	if ref == "" {
		return false
	}
	for _, r := range ref {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidateAssets checks invariant 4: every image asset id resolves in the store
func (d *Document) ValidateAssets(exists AssetChecker) error {
	var assetErr error
	d.EachBlock(func(b *ContentBlock) bool {
		if b.Kind == KindImagePlaceholder && !exists(b.Image.AssetID) {
			assetErr = fmt.Errorf("image %s: asset %s missing from store", b.ID, b.Image.AssetID)
			return false
		}
		return true
	})
	if assetErr != nil {
		return NewError(ErrAssemblerInvariant, assetErr.Error(), nil)
	}
	return nil
}

// MarshalJSON output is deterministic: struct field order is fixed and map
// keys are sorted by encoding/json, so serialize -> deserialize -> serialize
// is byte-identical.
func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Unmarshal parses a Document from its JSON form
func Unmarshal(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return &d, nil
}
