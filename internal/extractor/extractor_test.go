package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"pdf-translator/internal/document"
)

func TestPageRangeContains(t *testing.T) {
	tests := []struct {
		name  string
		r     PageRange
		page  int
		wants bool
	}{
		{"zero value selects everything", PageRange{}, 7, true},
		{"inside range", PageRange{Start: 2, End: 5}, 3, true},
		{"start boundary", PageRange{Start: 2, End: 5}, 2, true},
		{"end boundary", PageRange{Start: 2, End: 5}, 5, true},
		{"below range", PageRange{Start: 2, End: 5}, 1, false},
		{"above range", PageRange{Start: 2, End: 5}, 6, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Contains(tt.page); got != tt.wants {
				t.Errorf("Contains(%d) = %v, want %v", tt.page, got, tt.wants)
			}
		})
	}
}

func TestIsOperatorCode(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"This is regular paragraph text.", false},
		{"/F1 12 Tf def", true},
		{"gsave 0 0 moveto", true},
		{"setrgbcolor", true},
		{"The graph shows a line to the right", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isOperatorCode(tt.text); got != tt.want {
			t.Errorf("isOperatorCode(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestHasExcessiveNonPrintable(t *testing.T) {
	if hasExcessiveNonPrintable("normal text with\ttabs\nand newlines") {
		t.Error("printable text flagged as garbage")
	}
	garbage := "a\x00\x01\x02\x03\x04\x05"
	if !hasExcessiveNonPrintable(garbage) {
		t.Error("control-heavy text not flagged")
	}
}

func TestHintFragment(t *testing.T) {
	e := NewTextLayoutExtractor(0)

	tests := []struct {
		name     string
		frag     LayoutFragment
		latex    int
		tables   int
		headings int
	}{
		{
			name:  "inline math",
			frag:  LayoutFragment{Text: "energy $E = mc^2$ at rest", PageIndex: 1},
			latex: 1,
		},
		{
			name:  "latex environment",
			frag:  LayoutFragment{Text: `\begin{align} x &= 1 \end{align}`, PageIndex: 1},
			latex: 1,
		},
		{
			name:   "pipe table row",
			frag:   LayoutFragment{Text: "| cell | cell |", PageIndex: 2},
			tables: 1,
		},
		{
			name:     "bold short line is a heading candidate",
			frag:     LayoutFragment{Text: "3. Experimental Setup", Bold: true, PageIndex: 3},
			headings: 1,
		},
		{
			name: "bold long line is not",
			frag: LayoutFragment{
				Text: "This bold sentence runs on and on with far too many words " +
					"to plausibly be any kind of section heading in a document",
				Bold:      true,
				PageIndex: 3,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := &LayoutResult{}
			e.hintFragment(tt.frag, result)
			if len(result.Hints.LatexSpans) != tt.latex {
				t.Errorf("latex hints = %d, want %d", len(result.Hints.LatexSpans), tt.latex)
			}
			if len(result.Hints.TableRegions) != tt.tables {
				t.Errorf("table hints = %d, want %d", len(result.Hints.TableRegions), tt.tables)
			}
			if len(result.Hints.HeadingCandidates) != tt.headings {
				t.Errorf("heading hints = %d, want %d", len(result.Hints.HeadingCandidates), tt.headings)
			}
		})
	}
}

func TestPageFromName(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"paper_3_Im1.png", 3},
		{"paper_12_Im0.jpg", 12},
		{"noindex.png", 1},
		{"paper_0_Im1.png", 1},
	}
	for _, tt := range tests {
		if got := pageFromName(tt.name); got != tt.want {
			t.Errorf("pageFromName(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMimeFromExt(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"a.png", "image/png"},
		{"b.JPG", "image/jpeg"},
		{"c.tiff", "image/tiff"},
		{"d.bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := mimeFromExt(tt.name); got != tt.want {
			t.Errorf("mimeFromExt(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

// encodePNG renders a solid image of the given size for filter tests
func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestLoadAssetFilters(t *testing.T) {
	e := NewPdfcpuVisualExtractor(50, 20.0)
	dir := t.TempDir()

	writeImage := func(name string, w, h int) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, encodePNG(t, w, h), 0644); err != nil {
			t.Fatalf("write image: %v", err)
		}
		return path
	}

	tests := []struct {
		name string
		w, h int
		keep bool
	}{
		{"content image survives", 200, 300, true},
		{"tiny icon filtered", 20, 20, false},
		{"thin rule filtered", 1000, 10, false},
		{"boundary min dimension survives", 50, 50, true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fname := fmt.Sprintf("doc_1_Im%d.png", i)
			path := writeImage(fname, tt.w, tt.h)
			asset, ok, err := e.loadAsset(path, fname)
			if err != nil {
				t.Fatalf("loadAsset: %v", err)
			}
			if ok != tt.keep {
				t.Fatalf("keep = %v, want %v", ok, tt.keep)
			}
			if ok && asset.PageIndex != 1 {
				t.Errorf("page = %d, want 1", asset.PageIndex)
			}
		})
	}
}

// fakeLayoutExtractor scripts health and extraction outcomes for chain tests
type fakeLayoutExtractor struct {
	name      string
	healthErr error
	result    *LayoutResult
	err       error
	calls     int
}

func (f *fakeLayoutExtractor) Name() string                      { return f.name }
func (f *fakeLayoutExtractor) HealthCheck(context.Context) error { return f.healthErr }
func (f *fakeLayoutExtractor) Extract(ctx context.Context, path string, pages PageRange) (*LayoutResult, error) {
	f.calls++
	return f.result, f.err
}

func TestFallbackChain(t *testing.T) {
	t.Run("unhealthy extractor is skipped", func(t *testing.T) {
		broken := &fakeLayoutExtractor{name: "broken", healthErr: fmt.Errorf("no binary")}
		good := &fakeLayoutExtractor{name: "good", result: &LayoutResult{PageCount: 2}}
		chain := NewFallbackChain(broken, good)

		result, err := chain.Extract(context.Background(), "x.pdf", PageRange{})
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if result.PageCount != 2 {
			t.Errorf("PageCount = %d, want 2", result.PageCount)
		}
		if broken.calls != 0 {
			t.Error("unhealthy extractor was invoked")
		}
	})

	t.Run("timeout falls through to alternative", func(t *testing.T) {
		slow := &fakeLayoutExtractor{
			name: "slow",
			err:  document.NewError(document.ErrExtractorTimeout, "timed out", nil),
		}
		good := &fakeLayoutExtractor{name: "good", result: &LayoutResult{PageCount: 1}}
		chain := NewFallbackChain(slow, good)

		if _, err := chain.Extract(context.Background(), "x.pdf", PageRange{}); err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if slow.calls != 1 || good.calls != 1 {
			t.Errorf("calls = %d/%d, want 1/1", slow.calls, good.calls)
		}
	})

	t.Run("corrupt input is terminal", func(t *testing.T) {
		first := &fakeLayoutExtractor{
			name: "first",
			err:  document.NewError(document.ErrExtractorCorrupt, "bad xref", nil),
		}
		second := &fakeLayoutExtractor{name: "second", result: &LayoutResult{}}
		chain := NewFallbackChain(first, second)

		_, err := chain.Extract(context.Background(), "x.pdf", PageRange{})
		if !document.IsKind(err, document.ErrExtractorCorrupt) {
			t.Fatalf("err = %v, want corrupt kind", err)
		}
		if second.calls != 0 {
			t.Error("corrupt input was retried on another extractor")
		}
	})

	t.Run("no healthy extractor reports unavailable", func(t *testing.T) {
		broken := &fakeLayoutExtractor{name: "broken", healthErr: fmt.Errorf("down")}
		chain := NewFallbackChain(broken)
		if err := chain.HealthCheck(context.Background()); !document.IsKind(err, document.ErrExtractorUnavailable) {
			t.Fatalf("HealthCheck err = %v, want unavailable kind", err)
		}
	})
}

func TestIoU(t *testing.T) {
	a := [4]float32{0, 0, 10, 10}
	tests := []struct {
		name string
		b    [4]float32
		want float32
	}{
		{"identical", [4]float32{0, 0, 10, 10}, 1.0},
		{"disjoint", [4]float32{20, 20, 30, 30}, 0.0},
		{"half overlap", [4]float32{0, 0, 10, 5}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := iou(a, tt.b)
			if diff := got - tt.want; diff > 0.001 || diff < -0.001 {
				t.Errorf("iou = %v, want %v", got, tt.want)
			}
		})
	}
}
