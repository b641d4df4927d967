// Package extractor defines the contracts for the two extraction sources the
// reconciler fuses (the layout extractor and the visual extractor) and their
// concrete implementations.
package extractor

import (
	"context"

	"pdf-translator/internal/document"
)

// PageRange selects pages 1-based inclusive; the zero value selects all pages
type PageRange struct {
	Start int
	End   int
}

// All reports whether the range selects every page
func (r PageRange) All() bool { return r.Start == 0 && r.End == 0 }

// Contains reports whether the 1-based page number lies within the range
func (r PageRange) Contains(page int) bool {
	if r.All() {
		return true
	}
	return page >= r.Start && page <= r.End
}

// LayoutFragment 布局提取器产出的文本片段
type LayoutFragment struct {
	Text      string               `json:"text"`
	BBox      document.BoundingBox `json:"bbox"`
	FontName  string               `json:"font_name"`
	FontSize  float64              `json:"font_size"`
	Bold      bool                 `json:"bold"`
	Italic    bool                 `json:"italic"`
	PageIndex int                  `json:"page_index"` // 1-based
}

// HintRegion is a block hint attached to a page region
type HintRegion struct {
	PageIndex int                  `json:"page_index"`
	BBox      document.BoundingBox `json:"bbox"`
	Payload   string               `json:"payload,omitempty"`
}

// BlockHints carries the structural hints a layout extractor detected
type BlockHints struct {
	LatexSpans         []HintRegion `json:"latex_spans,omitempty"`
	TableRegions       []HintRegion `json:"table_regions,omitempty"`
	FigurePlaceholders []HintRegion `json:"figure_placeholders,omitempty"`
	HeadingCandidates  []HintRegion `json:"heading_candidates,omitempty"`
}

// LayoutResult is the full output of a layout extractor run
type LayoutResult struct {
	PageCount  int              `json:"page_count"`
	PageWidth  float64          `json:"page_width"`
	PageHeight float64          `json:"page_height"`
	Fragments  []LayoutFragment `json:"fragments"`
	Hints      BlockHints       `json:"hints"`
}

// FragmentsForPage returns the fragments on the given 1-based page, in input order
func (r *LayoutResult) FragmentsForPage(page int) []LayoutFragment {
	var out []LayoutFragment
	for _, f := range r.Fragments {
		if f.PageIndex == page {
			out = append(out, f)
		}
	}
	return out
}

// VisualAsset 视觉提取器产出的二进制图像
type VisualAsset struct {
	AssetID     string               `json:"asset_id"`
	Data        []byte               `json:"-"`
	MimeType    string               `json:"mime_type"`
	BBox        document.BoundingBox `json:"bbox"`
	PageIndex   int                  `json:"page_index"` // 1-based
	MinDimPx    int                  `json:"min_dim_px"`
	AspectRatio float64              `json:"aspect_ratio"`
}

// VisualResult is the full output of a visual extractor run
type VisualResult struct {
	Assets []VisualAsset `json:"assets"`
}

// LayoutExtractor yields text with structural hints from a PDF.
//
// Implementations must be deterministic library calls; HealthCheck is called
// before first use so a broken integration fails fast instead of mid-pipeline.
type LayoutExtractor interface {
	Name() string
	HealthCheck(ctx context.Context) error
	Extract(ctx context.Context, pdfPath string, pages PageRange) (*LayoutResult, error)
}

// VisualExtractor yields binary images with bounding boxes from a PDF.
// Its failure is recoverable: the document proceeds without images.
type VisualExtractor interface {
	Name() string
	Extract(ctx context.Context, pdfPath string) (*VisualResult, error)
}
