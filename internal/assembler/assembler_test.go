package assembler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pdf-translator/internal/document"
)

func sampleDocument() *document.Document {
	return &document.Document{
		ID:    "doc-1",
		Title: "注意力就是一切",
		Pages: []document.Page{{
			Number: 1,
			Blocks: []document.ContentBlock{
				{
					ID: "h1", Kind: document.KindHeading,
					OriginalText: "Introduction", TranslatedText: "引言",
					Heading: &document.HeadingInfo{Level: 1, BookmarkID: "bm_0001"},
				},
				{
					ID: "p1", Kind: document.KindParagraph,
					OriginalText: "Original paragraph.", TranslatedText: "翻译后的段落。",
					Paragraph: &document.ParagraphInfo{},
				},
				{
					ID: "m1", Kind: document.KindMathFormula,
					OriginalText: `E = mc^2`,
					Math:         &document.MathInfo{LaTeX: `E = mc^2`, DisplayMode: document.DisplayBlock},
				},
				{
					ID: "img1", Kind: document.KindImagePlaceholder,
					OriginalText: "",
					Image:        &document.ImageInfo{AssetID: "fig1", CaptionID: "cap1"},
				},
				{
					ID: "cap1", Kind: document.KindCaption,
					OriginalText: "Figure 1: model", TranslatedText: "图1：模型",
					Caption: &document.CaptionInfo{TargetID: "img1"},
				},
				{
					ID: "fn1", Kind: document.KindFootnote,
					OriginalText: "see appendix", TranslatedText: "见附录",
					Footnote: &document.FootnoteInfo{ReferenceID: "1"},
				},
			},
		}},
	}
}

func sampleAssets() map[string]Asset {
	return map[string]Asset{
		"fig1": {Data: []byte{0x89, 0x50, 0x4e, 0x47}, MimeType: "image/png"},
	}
}

func TestAssembleArtifact(t *testing.T) {
	dir := t.TempDir()
	res, err := New().Assemble(sampleDocument(), sampleAssets(), dir)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	data, err := os.ReadFile(res.MarkdownPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	md := string(data)

	for _, want := range []string{
		"# 注意力就是一切",
		"## Contents",
		"[引言](#bm_0001)",
		`<a id="bm_0001"></a>`,
		"# 引言",
		"翻译后的段落。",
		"$$\nE = mc^2\n$$",
		"![图1：模型](assets/fig1.png)",
		"*图1：模型*",
		"## Notes",
		"[^1]: 见附录",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("artifact missing %q", want)
		}
	}

	// The bound caption renders with its image only.
	if strings.Count(md, "图1：模型") != 2 {
		t.Errorf("caption rendered %d times, want 2 (alt text + caption line)",
			strings.Count(md, "图1：模型"))
	}

	if res.ImagesEmbedded != 1 || res.TOCEntries != 1 {
		t.Errorf("result = %+v", res)
	}
	asset := filepath.Join(res.AssetsDir, "fig1.png")
	if _, err := os.Stat(asset); err != nil {
		t.Errorf("asset not copied out: %v", err)
	}
}

func TestAssembleMissingAssetFails(t *testing.T) {
	doc := sampleDocument()
	_, err := New().Assemble(doc, map[string]Asset{}, t.TempDir())
	if !document.IsKind(err, document.ErrImagePreservation) {
		t.Fatalf("err = %v, want image-preservation kind", err)
	}
}

func TestAssembleNoHeadingsNoTOC(t *testing.T) {
	doc := &document.Document{
		ID: "doc-2",
		Pages: []document.Page{{
			Number: 1,
			Blocks: []document.ContentBlock{{
				ID: "p1", Kind: document.KindParagraph,
				OriginalText: "just text", Paragraph: &document.ParagraphInfo{},
			}},
		}},
	}
	res, err := New().Assemble(doc, nil, t.TempDir())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	data, _ := os.ReadFile(res.MarkdownPath)
	if strings.Contains(string(data), "## Contents") {
		t.Error("empty TOC emitted")
	}
}

func TestPageEstimatorAdvances(t *testing.T) {
	doc := &document.Document{ID: "doc-3", Pages: []document.Page{{Number: 1}}}
	long := strings.Repeat("x", 80*20) // 20 lines at the default width
	for i := 0; i < 3; i++ {
		doc.Pages[0].Blocks = append(doc.Pages[0].Blocks,
			document.ContentBlock{
				ID: string(rune('a' + i)), Kind: document.KindHeading,
				OriginalText: "Section",
				Heading:      &document.HeadingInfo{Level: 1, BookmarkID: "bm_000" + string(rune('1'+i))},
			},
			document.ContentBlock{
				ID: "p" + string(rune('a'+i)), Kind: document.KindParagraph,
				OriginalText: long, Paragraph: &document.ParagraphInfo{},
			},
		)
	}

	res, err := New().Assemble(doc, nil, t.TempDir())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	// Each section is 4 + 20 = 24 lines against a 25-line page, so the three
	// headings land on pages 1, 1 and 2.
	if res.PagesEstimated < 2 {
		t.Errorf("pages = %d, want >= 2", res.PagesEstimated)
	}
	data, _ := os.ReadFile(res.MarkdownPath)
	md := string(data)
	if !strings.Contains(md, "(p.1)") || !strings.Contains(md, "(p.2)") {
		t.Errorf("toc pages not advancing:\n%s", md[:min(len(md), 400)])
	}
}

func TestListAndCodeRendering(t *testing.T) {
	doc := &document.Document{
		ID: "doc-4",
		Pages: []document.Page{{
			Number: 1,
			Blocks: []document.ContentBlock{
				{
					ID: "l1", Kind: document.KindListItem,
					OriginalText: "first", TranslatedText: "第一",
					ListItem: &document.ListItemInfo{Marker: "-", NestingLevel: 0},
				},
				{
					ID: "l2", Kind: document.KindListItem,
					OriginalText: "nested", TranslatedText: "嵌套",
					ListItem: &document.ListItemInfo{Marker: "-", NestingLevel: 1},
				},
				{
					ID: "c1", Kind: document.KindCodeBlock,
					OriginalText: "print('hi')",
					Code:         &document.CodeInfo{Language: "python"},
				},
			},
		}},
	}
	res, err := New().Assemble(doc, nil, t.TempDir())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	data, _ := os.ReadFile(res.MarkdownPath)
	md := string(data)
	if !strings.Contains(md, "- 第一") {
		t.Error("top-level list item missing")
	}
	if !strings.Contains(md, "  - 嵌套") {
		t.Error("nested list item not indented")
	}
	if !strings.Contains(md, "```python\nprint('hi')\n```") {
		t.Error("code fence with language missing")
	}
}

func TestIsDelimited(t *testing.T) {
	tests := []struct {
		latex string
		want  bool
	}{
		{`$x+y$`, true},
		{`$$x$$`, true},
		{`\begin{align} x \end{align}`, true},
		{`\[ x \]`, true},
		{`x + y`, false},
		{`\frac{a}{b}`, false},
	}
	for _, tt := range tests {
		if got := isDelimited(tt.latex); got != tt.want {
			t.Errorf("isDelimited(%q) = %v, want %v", tt.latex, got, tt.want)
		}
	}
}
