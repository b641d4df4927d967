// Package document defines the structured document model shared by every
// pipeline stage: a Document owns ordered Pages, each page owns ordered
// ContentBlocks in reading order, and every component switches on the block
// kind tag.
package document

import (
	"fmt"
	"regexp"
	"strings"
)

// BlockKind 内容块类型标签
type BlockKind string

const (
	KindHeading          BlockKind = "heading"
	KindParagraph        BlockKind = "paragraph"
	KindListItem         BlockKind = "list_item"
	KindFootnote         BlockKind = "footnote"
	KindTable            BlockKind = "table"
	KindCaption          BlockKind = "caption"
	KindMathFormula      BlockKind = "math_formula"
	KindCodeBlock        BlockKind = "code_block"
	KindImagePlaceholder BlockKind = "image_placeholder"
)

// IsValidKind checks if the given kind is a known BlockKind
func IsValidKind(kind BlockKind) bool {
	switch kind {
	case KindHeading, KindParagraph, KindListItem, KindFootnote, KindTable,
		KindCaption, KindMathFormula, KindCodeBlock, KindImagePlaceholder:
		return true
	default:
		return false
	}
}

// IsPreserveKind reports whether blocks of this kind carry original_text
// verbatim through the pipeline without any translation call
func IsPreserveKind(kind BlockKind) bool {
	switch kind {
	case KindMathFormula, KindCodeBlock, KindImagePlaceholder:
		return true
	default:
		return false
	}
}

// BoundingBox 内容块在页面上的位置
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CenterX returns the horizontal center of the box
func (b BoundingBox) CenterX() float64 { return b.X + b.Width/2 }

// CenterY returns the vertical center of the box
func (b BoundingBox) CenterY() float64 { return b.Y + b.Height/2 }

// DisplayMode for math formulas
type DisplayMode string

const (
	DisplayInline DisplayMode = "inline"
	DisplayBlock  DisplayMode = "block"
)

// SpatialRelationship between an image and its anchor text block
type SpatialRelationship string

const (
	SpatialBefore    SpatialRelationship = "before"
	SpatialAfter     SpatialRelationship = "after"
	SpatialAlongside SpatialRelationship = "alongside"
	SpatialWrapped   SpatialRelationship = "wrapped"
)

// HeadingInfo carries the heading-specific payload
type HeadingInfo struct {
	Level      int    `json:"level"` // 1..6
	BookmarkID string `json:"bookmark_id"`
	Numbering  string `json:"numbering,omitempty"`
}

// ParagraphInfo carries the paragraph-specific payload
type ParagraphInfo struct {
	IsContinuation bool `json:"is_continuation,omitempty"`
}

// ListItemInfo carries the list-item-specific payload
type ListItemInfo struct {
	Marker       string `json:"marker"`
	NestingLevel int    `json:"nesting_level"`
	Ordered      bool   `json:"ordered"`
}

// FootnoteInfo carries the footnote-specific payload
type FootnoteInfo struct {
	ReferenceID string `json:"reference_id"`
	OriginPage  int    `json:"origin_page"`
}

// TableInfo carries the table-specific payload
type TableInfo struct {
	Rows       [][]string `json:"rows"`
	HeaderRows int        `json:"header_rows"` // 0 or 1
	CaptionID  string     `json:"caption_id,omitempty"`
}

// ColumnCount returns the maximum cell count across rows
func (t *TableInfo) ColumnCount() int {
	cols := 0
	for _, row := range t.Rows {
		if len(row) > cols {
			cols = len(row)
		}
	}
	return cols
}

// CaptionInfo carries the caption-specific payload
type CaptionInfo struct {
	TargetID string `json:"target_id"`
}

// MathInfo carries the math-formula-specific payload
type MathInfo struct {
	LaTeX       string      `json:"latex"`
	DisplayMode DisplayMode `json:"display_mode"`
}

// CodeInfo carries the code-block-specific payload
type CodeInfo struct {
	Language string `json:"language,omitempty"`
}

// ImageInfo carries the image-placeholder-specific payload
type ImageInfo struct {
	AssetID              string              `json:"image_asset_id"`
	CaptionID            string              `json:"caption_id,omitempty"`
	SpatialRelationship  SpatialRelationship `json:"spatial_relationship"`
	ReadingOrderPosition int                 `json:"reading_order_position"`
}

// MetaTranslationFailed marks a block whose translation was quarantined and
// replaced with its original text.
const MetaTranslationFailed = "[TRANSLATION_FAILED]"

// ContentBlock 带标签的内容块变体
//
// Exactly one of the payload pointers matching Kind is non-nil. Blocks are
// created by the reconciler, mutated only by setting TranslatedText, and
// consumed by the assembler.
type ContentBlock struct {
	ID             string            `json:"id"`
	Kind           BlockKind         `json:"kind"`
	PageNumber     int               `json:"page_number"`
	BBox           BoundingBox       `json:"bounding_box"`
	OriginalText   string            `json:"original_text"`
	TranslatedText string            `json:"translated_text,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	Heading   *HeadingInfo   `json:"heading,omitempty"`
	Paragraph *ParagraphInfo `json:"paragraph,omitempty"`
	ListItem  *ListItemInfo  `json:"list_item,omitempty"`
	Footnote  *FootnoteInfo  `json:"footnote,omitempty"`
	Table     *TableInfo     `json:"table,omitempty"`
	Caption   *CaptionInfo   `json:"caption,omitempty"`
	Math      *MathInfo      `json:"math,omitempty"`
	Code      *CodeInfo      `json:"code,omitempty"`
	Image     *ImageInfo     `json:"image,omitempty"`
}

// IsPreserve reports whether this block is a preserve-block
func (b *ContentBlock) IsPreserve() bool {
	return IsPreserveKind(b.Kind)
}

// OutputText returns the text the assembler should emit for this block:
// the translation when present, the original otherwise.
func (b *ContentBlock) OutputText() string {
	if b.TranslatedText != "" {
		return b.TranslatedText
	}
	return b.OriginalText
}

// SetMeta sets a metadata key, allocating the map on first use
func (b *ContentBlock) SetMeta(key, value string) {
	if b.Metadata == nil {
		b.Metadata = make(map[string]string)
	}
	b.Metadata[key] = value
}

// TranslationFailed reports whether this block carries the failed-translation marker
func (b *ContentBlock) TranslationFailed() bool {
	return b.Metadata["status"] == MetaTranslationFailed
}

// checkShape verifies the payload pointer matches the kind tag
func (b *ContentBlock) checkShape() error {
	if !IsValidKind(b.Kind) {
		return fmt.Errorf("block %s: unknown kind %q", b.ID, b.Kind)
	}
	present := map[BlockKind]bool{
		KindHeading:          b.Heading != nil,
		KindParagraph:        b.Paragraph != nil,
		KindListItem:         b.ListItem != nil,
		KindFootnote:         b.Footnote != nil,
		KindTable:            b.Table != nil,
		KindCaption:          b.Caption != nil,
		KindMathFormula:      b.Math != nil,
		KindCodeBlock:        b.Code != nil,
		KindImagePlaceholder: b.Image != nil,
	}
	count := 0
	for _, ok := range present {
		if ok {
			count++
		}
	}
	if count != 1 || !present[b.Kind] {
		return fmt.Errorf("block %s: kind %q must carry exactly its own payload", b.ID, b.Kind)
	}
	return nil
}

// footnoteMarkerPattern matches inline footnote markers like [1], [12]
var footnoteMarkerPattern = regexp.MustCompile(`\[(\d+)\]`)

// InlineFootnoteMarkers returns the reference ids of all inline footnote
// markers found in a paragraph's text.
func InlineFootnoteMarkers(text string) []string {
	var ids []string
	for _, m := range footnoteMarkerPattern.FindAllStringSubmatch(text, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

// CountInlineMarker counts occurrences of the inline marker for refID in text
func CountInlineMarker(text, refID string) int {
	return strings.Count(text, "["+refID+"]")
}
