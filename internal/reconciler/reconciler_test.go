package reconciler

import (
	"context"
	"fmt"
	"testing"

	"pdf-translator/internal/config"
	"pdf-translator/internal/document"
	"pdf-translator/internal/extractor"
)

func testConfig() config.ReconciliationConfig {
	return config.Default().Reconciliation
}

func frag(text string, size float64, bold bool, x, y float64) extractor.LayoutFragment {
	return extractor.LayoutFragment{
		Text:     text,
		FontName: "Times",
		FontSize: size,
		Bold:     bold,
		BBox:     document.BoundingBox{X: x, Y: y, Width: 200, Height: size * 1.2},
	}
}

func TestAnalyzeFonts(t *testing.T) {
	frags := []extractor.LayoutFragment{
		frag("body one", 10, false, 0, 700),
		frag("body two", 10, false, 0, 680),
		frag("body three", 10, false, 0, 660),
		frag("Title", 20, true, 0, 740),
		frag("Section", 14, true, 0, 720),
	}
	a := analyzeFonts(frags, 1.4)

	if a.bodySize != 10 {
		t.Fatalf("body size = %v, want 10", a.bodySize)
	}
	if a.levelBySize[20] != 1 {
		t.Errorf("size 20 level = %d, want 1", a.levelBySize[20])
	}
	if a.levelBySize[14] != 2 {
		t.Errorf("size 14 level = %d, want 2", a.levelBySize[14])
	}
	if _, ok := a.levelBySize[10]; ok {
		t.Error("body size must not map to a heading level")
	}
}

func TestClassifyPrecedence(t *testing.T) {
	frags := []extractor.LayoutFragment{
		frag("body", 10, false, 0, 700), frag("body", 10, false, 0, 680),
	}
	cls := &classifier{
		fonts:           analyzeFonts(frags, 1.4),
		headingMaxWords: 15,
		pageHeight:      800,
	}

	tests := []struct {
		name string
		frag extractor.LayoutFragment
		want document.BlockKind
	}{
		{"display math", frag("$$E = mc^2$$", 10, false, 0, 400), document.KindMathFormula},
		{"latex environment", frag(`\begin{equation} x \end{equation}`, 10, false, 0, 400), document.KindMathFormula},
		{"inline math in prose stays paragraph",
			frag("The mass-energy relation $E=mc^2$ was derived much earlier in the text.", 10, false, 0, 400),
			document.KindParagraph},
		{"monospace font is code", extractor.LayoutFragment{
			Text: "func main() {", FontName: "Courier", FontSize: 9,
			BBox: document.BoundingBox{Y: 400},
		}, document.KindCodeBlock},
		{"pipe row is table", frag("| a | b |", 10, false, 0, 400), document.KindTable},
		{"footnote zone marker", frag("[1] See appendix for details.", 8, false, 0, 40), document.KindFootnote},
		{"same marker mid-page is not footnote", frag("[1] See appendix for details.", 10, false, 0, 400), document.KindParagraph},
		{"caption line", frag("Figure 3 shows the architecture", 9, false, 0, 300), document.KindCaption},
		{"section number heading", frag("2.1 Results", 10, true, 0, 500), document.KindHeading},
		{"bullet list item", frag("- first point", 10, false, 0, 450), document.KindListItem},
		{"numbered list item", frag("1) first point taken from the list of many points we enumerate here in full detail", 10, false, 0, 450), document.KindListItem},
		{"plain text", frag("Just a sentence.", 10, false, 0, 450), document.KindParagraph},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := cls.classify(tt.frag)
			if got != tt.want {
				t.Errorf("classify(%q) = %v, want %v", tt.frag.Text, got, tt.want)
			}
		})
	}
}

func TestHeadingLengthDemotion(t *testing.T) {
	frags := []extractor.LayoutFragment{
		frag("body", 10, false, 0, 700), frag("body", 10, false, 0, 680),
		frag("long", 20, true, 0, 740),
	}
	cls := &classifier{fonts: analyzeFonts(frags, 1.4), headingMaxWords: 15, pageHeight: 800}

	long := frag("this candidate heading has far too many words one two three four five six seven eight nine ten", 20, true, 0, 740)
	if kind, _ := cls.classify(long); kind != document.KindParagraph {
		t.Errorf("overlong heading candidate = %v, want paragraph", kind)
	}

	short := frag("Valid Heading", 20, true, 0, 740)
	kind, level := cls.classify(short)
	if kind != document.KindHeading || level != 1 {
		t.Errorf("short large-font line = %v level %d, want heading level 1", kind, level)
	}
}

func TestIsArtifact(t *testing.T) {
	tests := []struct {
		name string
		frag extractor.LayoutFragment
		want bool
	}{
		{"page number in footer", frag("42", 9, false, 300, 20), true},
		{"page number mid-page", frag("42", 9, false, 300, 400), false},
		{"page n of m header", frag("Page 3 of 12", 9, false, 300, 780), true},
		{"copyright line anywhere", frag("Copyright 2024 ACM", 9, false, 0, 400), true},
		{"url footer", frag("https://example.org/paper", 9, false, 0, 15), true},
		{"regular text", frag("The results follow.", 10, false, 0, 400), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isArtifact(tt.frag, 800); got != tt.want {
				t.Errorf("isArtifact(%q) = %v, want %v", tt.frag.Text, got, tt.want)
			}
		})
	}
}

func TestFootnoteReference(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"[3] Smith et al.", "3"},
		{"(12) See discussion.", "12"},
		{"7. Historical note.", "7"},
		{"* Corresponding author.", "*"},
	}
	for _, tt := range tests {
		if got := footnoteReference(tt.text); got != tt.want {
			t.Errorf("footnoteReference(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestMergeParagraphs(t *testing.T) {
	p := func(text string, y float64) *document.ContentBlock {
		return &document.ContentBlock{
			Kind: document.KindParagraph, OriginalText: text,
			BBox:      document.BoundingBox{Y: y, Height: 12},
			Paragraph: &document.ParagraphInfo{},
		}
	}

	t.Run("wrapped line merges", func(t *testing.T) {
		blocks := []*document.ContentBlock{
			p("The quick brown fox jumps", 700),
			p("over the lazy dog.", 686),
		}
		out := mergeParagraphs(blocks)
		if len(out) != 1 {
			t.Fatalf("blocks = %d, want 1", len(out))
		}
		want := "The quick brown fox jumps over the lazy dog."
		if out[0].OriginalText != want {
			t.Errorf("merged text = %q, want %q", out[0].OriginalText, want)
		}
	})

	t.Run("sentence boundary does not merge", func(t *testing.T) {
		blocks := []*document.ContentBlock{
			p("First sentence ends here.", 700),
			p("Second paragraph starts.", 686),
		}
		if out := mergeParagraphs(blocks); len(out) != 2 {
			t.Fatalf("blocks = %d, want 2", len(out))
		}
	})

	t.Run("large gap does not merge", func(t *testing.T) {
		blocks := []*document.ContentBlock{
			p("Dangling line without period", 700),
			p("far away text", 500),
		}
		if out := mergeParagraphs(blocks); len(out) != 2 {
			t.Fatalf("blocks = %d, want 2", len(out))
		}
	})
}

func TestMergeHeadings(t *testing.T) {
	h := func(text string, level int) *document.ContentBlock {
		return &document.ContentBlock{
			Kind: document.KindHeading, OriginalText: text,
			Heading: &document.HeadingInfo{Level: level},
		}
	}

	t.Run("wrapped heading merges", func(t *testing.T) {
		out := mergeHeadings([]*document.ContentBlock{
			h("A Study of Distributed", 2),
			h("and Parallel Systems", 2),
		})
		if len(out) != 1 {
			t.Fatalf("blocks = %d, want 1", len(out))
		}
		if out[0].OriginalText != "A Study of Distributed and Parallel Systems" {
			t.Errorf("merged = %q", out[0].OriginalText)
		}
	})

	t.Run("different levels do not merge", func(t *testing.T) {
		out := mergeHeadings([]*document.ContentBlock{
			h("Introduction", 1),
			h("of terms", 2),
		})
		if len(out) != 2 {
			t.Fatalf("blocks = %d, want 2", len(out))
		}
	})

	t.Run("capitalized successor does not merge", func(t *testing.T) {
		out := mergeHeadings([]*document.ContentBlock{
			h("Background", 2),
			h("Methods", 2),
		})
		if len(out) != 2 {
			t.Fatalf("blocks = %d, want 2", len(out))
		}
	})
}

func TestMergeHeadingsAcrossPages(t *testing.T) {
	h := func(id, text string, level int) document.ContentBlock {
		return document.ContentBlock{
			ID: id, Kind: document.KindHeading, OriginalText: text,
			Heading: &document.HeadingInfo{Level: level, BookmarkID: "bm_" + id},
		}
	}
	p := func(id, text string) document.ContentBlock {
		return document.ContentBlock{
			ID: id, Kind: document.KindParagraph, OriginalText: text,
			Paragraph: &document.ParagraphInfo{},
		}
	}

	t.Run("wrapped over page break merges", func(t *testing.T) {
		doc := &document.Document{Pages: []document.Page{
			{Number: 1, Blocks: []document.ContentBlock{p("p1", "Body text."), h("h1", "A Survey of Distributed", 2)}},
			{Number: 2, Blocks: []document.ContentBlock{h("h2", "and Parallel Systems", 2), p("p2", "More body.")}},
		}}
		mergeHeadingsAcrossPages(doc)

		if len(doc.Pages[1].Blocks) != 1 {
			t.Fatalf("page 2 blocks = %d, want 1", len(doc.Pages[1].Blocks))
		}
		got := doc.Pages[0].Blocks[1].OriginalText
		if got != "A Survey of Distributed and Parallel Systems" {
			t.Errorf("merged = %q", got)
		}
		if len(doc.Headings()) != 1 {
			t.Errorf("headings = %d, want 1", len(doc.Headings()))
		}
	})

	t.Run("capitalized successor stays separate", func(t *testing.T) {
		doc := &document.Document{Pages: []document.Page{
			{Number: 1, Blocks: []document.ContentBlock{h("h1", "Background", 2)}},
			{Number: 2, Blocks: []document.ContentBlock{h("h2", "Methods", 2)}},
		}}
		mergeHeadingsAcrossPages(doc)
		if len(doc.Headings()) != 2 {
			t.Errorf("headings = %d, want 2", len(doc.Headings()))
		}
	})

	t.Run("paragraph between pages blocks the merge", func(t *testing.T) {
		doc := &document.Document{Pages: []document.Page{
			{Number: 1, Blocks: []document.ContentBlock{h("h1", "A Survey of Distributed", 2)}},
			{Number: 2, Blocks: []document.ContentBlock{p("p1", "intervening text"), h("h2", "and more", 2)}},
		}}
		mergeHeadingsAcrossPages(doc)
		if len(doc.Headings()) != 2 {
			t.Errorf("headings = %d, want 2", len(doc.Headings()))
		}
	})
}

func TestMergeTables(t *testing.T) {
	row := func(line string) *document.ContentBlock {
		return &document.ContentBlock{
			Kind: document.KindTable, OriginalText: line,
			Table: &document.TableInfo{Rows: parseTableRow(line)},
		}
	}
	out := mergeTables([]*document.ContentBlock{
		row("| Name | Score |"),
		row("| --- | --- |"),
		row("| alpha | 1 |"),
		row("| beta | 2 |"),
	})
	if len(out) != 1 {
		t.Fatalf("blocks = %d, want 1", len(out))
	}
	table := out[0].Table
	if len(table.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(table.Rows))
	}
	if table.HeaderRows != 1 {
		t.Errorf("header rows = %d, want 1", table.HeaderRows)
	}
	if table.ColumnCount() != 2 {
		t.Errorf("columns = %d, want 2", table.ColumnCount())
	}
}

func TestOrderPageTwoColumns(t *testing.T) {
	block := func(id string, x, y float64) *document.ContentBlock {
		return &document.ContentBlock{
			ID: id, Kind: document.KindParagraph,
			BBox:      document.BoundingBox{X: x, Y: y, Width: 200, Height: 12},
			Paragraph: &document.ParagraphInfo{},
		}
	}
	// Interleave left (x=50) and right (x=350) column blocks.
	blocks := []*document.ContentBlock{
		block("R1", 350, 700), block("L1", 50, 700),
		block("R2", 350, 600), block("L2", 50, 600),
	}
	out := orderPage(blocks, 612)

	got := make([]string, len(out))
	for i, b := range out {
		got[i] = b.ID
	}
	want := []string{"L1", "L2", "R1", "R2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestOrderPageSingleColumn(t *testing.T) {
	block := func(id string, x, y float64) *document.ContentBlock {
		return &document.ContentBlock{
			ID: id, Kind: document.KindParagraph,
			BBox:      document.BoundingBox{X: x, Y: y, Width: 400, Height: 12},
			Paragraph: &document.ParagraphInfo{},
		}
	}
	blocks := []*document.ContentBlock{
		block("B", 100, 500), block("A", 100, 700),
		block("C", 100, 300), block("D", 100, 100),
	}
	out := orderPage(blocks, 612)
	want := []string{"A", "B", "C", "D"}
	for i := range want {
		if out[i].ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, out[i].ID, want[i])
		}
	}
}

func buildLayout() *extractor.LayoutResult {
	return &extractor.LayoutResult{
		PageCount:  2,
		PageWidth:  612,
		PageHeight: 792,
		Fragments: []extractor.LayoutFragment{
			withPage(frag("Deep Learning Survey", 20, true, 100, 740), 1),
			withPage(frag("Neural networks have transformed the field. [1]", 10, false, 100, 700), 1),
			withPage(frag("Figure 1 An example network", 9, false, 100, 500), 1),
			withPage(frag("42", 9, false, 300, 20), 1),
			withPage(frag("[1] An early reference.", 8, false, 100, 60), 1),
			withPage(frag("2 Methods", 14, true, 100, 740), 2),
			withPage(frag("$$y = Wx + b$$", 10, false, 100, 650), 2),
			withPage(frag("Training proceeds in epochs.", 10, false, 100, 600), 2),
		},
	}
}

func withPage(f extractor.LayoutFragment, page int) extractor.LayoutFragment {
	f.PageIndex = page
	return f
}

func TestReconcileEndToEnd(t *testing.T) {
	r := New(testConfig())
	visual := &extractor.VisualResult{Assets: []extractor.VisualAsset{
		{AssetID: "img_fig1", PageIndex: 1, MinDimPx: 200, AspectRatio: 1.5},
	}}

	doc, err := r.Reconcile(buildLayout(), visual, "/papers/survey.pdf", "zh")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if doc.Title != "Deep Learning Survey" {
		t.Errorf("title = %q", doc.Title)
	}
	if len(doc.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(doc.Pages))
	}

	stats := doc.Stats()
	if stats.ImageBlocks != 1 {
		t.Errorf("image blocks = %d, want 1", stats.ImageBlocks)
	}
	if stats.MathBlocks != 1 {
		t.Errorf("math blocks = %d, want 1", stats.MathBlocks)
	}

	// The footer page number must have been filtered.
	doc.EachBlock(func(b *document.ContentBlock) bool {
		if b.OriginalText == "42" {
			t.Error("page number artifact survived reconciliation")
		}
		return true
	})

	// Caption must resolve to the image block.
	var imgID, captionTarget string
	doc.EachBlock(func(b *document.ContentBlock) bool {
		switch b.Kind {
		case document.KindImagePlaceholder:
			imgID = b.ID
		case document.KindCaption:
			captionTarget = b.Caption.TargetID
		}
		return true
	})
	if imgID == "" || captionTarget != imgID {
		t.Errorf("caption target = %q, image id = %q", captionTarget, imgID)
	}

	// Bookmark ids assigned and unique.
	seen := map[string]bool{}
	for _, h := range doc.Headings() {
		if h.Heading.BookmarkID == "" {
			t.Error("heading missing bookmark id")
		}
		if seen[h.Heading.BookmarkID] {
			t.Errorf("duplicate bookmark %s", h.Heading.BookmarkID)
		}
		seen[h.Heading.BookmarkID] = true
	}

	// Footnote lifted to end of page with its reference id.
	page1 := doc.Pages[0].Blocks
	last := page1[len(page1)-1]
	if last.Kind != document.KindFootnote {
		t.Fatalf("last block on page 1 = %v, want footnote", last.Kind)
	}
	if last.Footnote.ReferenceID != "1" {
		t.Errorf("footnote ref = %q, want 1", last.Footnote.ReferenceID)
	}

	if err := doc.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestRepeatedCitationsKeepFootnote(t *testing.T) {
	// [1] shows up as a citation in two paragraphs and as the footnote
	// marker; the footnote survives and validation accepts the document.
	layout := &extractor.LayoutResult{
		PageCount: 1, PageWidth: 612, PageHeight: 792,
		Fragments: []extractor.LayoutFragment{
			withPage(frag("Neural networks transformed the field. [1]", 10, false, 100, 700), 1),
			withPage(frag("Later surveys confirmed the trend. [1]", 10, false, 100, 600), 1),
			withPage(frag("[1] An early reference.", 8, false, 100, 60), 1),
		},
	}
	doc, err := New(testConfig()).Reconcile(layout, &extractor.VisualResult{}, "/papers/x.pdf", "zh")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	fns := doc.Footnotes()
	if len(fns) != 1 || fns[0].Footnote.ReferenceID != "1" {
		t.Fatalf("footnotes = %d, want one with reference 1", len(fns))
	}
	if err := doc.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestUnreferencedFootnoteDemoted(t *testing.T) {
	// A bottom-zone bracketed line with no inline referent is a bibliography
	// entry, not a footnote.
	layout := &extractor.LayoutResult{
		PageCount: 1, PageWidth: 612, PageHeight: 792,
		Fragments: []extractor.LayoutFragment{
			withPage(frag("No citations in this paragraph.", 10, false, 100, 700), 1),
			withPage(frag("A second body paragraph follows.", 10, false, 100, 600), 1),
			withPage(frag("[9] Ninth bibliography entry.", 8, false, 100, 60), 1),
		},
	}
	doc, err := New(testConfig()).Reconcile(layout, &extractor.VisualResult{}, "/papers/x.pdf", "zh")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if fns := doc.Footnotes(); len(fns) != 0 {
		t.Fatalf("footnotes = %d, want 0", len(fns))
	}
	kept := false
	doc.EachBlock(func(b *document.ContentBlock) bool {
		if b.Kind == document.KindParagraph && b.OriginalText == "[9] Ninth bibliography entry." {
			kept = true
		}
		return true
	})
	if !kept {
		t.Error("demoted entry lost from the paragraph flow")
	}
	if err := doc.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

// failingVisual always errors, modeling a broken image pipeline
type failingVisual struct{}

func (failingVisual) Name() string { return "failing" }
func (failingVisual) Extract(context.Context, string) (*extractor.VisualResult, error) {
	return nil, fmt.Errorf("image decoder crashed")
}

// stubLayout returns a fixed layout result
type stubLayout struct {
	result *extractor.LayoutResult
	err    error
}

func (s stubLayout) Name() string                      { return "stub" }
func (s stubLayout) HealthCheck(context.Context) error { return nil }
func (s stubLayout) Extract(context.Context, string, extractor.PageRange) (*extractor.LayoutResult, error) {
	return s.result, s.err
}

func TestExtractFailureSemantics(t *testing.T) {
	r := New(testConfig())

	t.Run("visual failure is recoverable", func(t *testing.T) {
		layout, visual, err := r.Extract(context.Background(),
			stubLayout{result: buildLayout()}, failingVisual{}, "x.pdf", extractor.PageRange{})
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if layout == nil {
			t.Fatal("layout result missing")
		}
		if len(visual.Assets) != 0 {
			t.Errorf("assets = %d, want 0", len(visual.Assets))
		}
	})

	t.Run("layout failure is fatal", func(t *testing.T) {
		_, _, err := r.Extract(context.Background(),
			stubLayout{err: fmt.Errorf("no text layer")}, failingVisual{}, "x.pdf", extractor.PageRange{})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}
