package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pdf-translator/internal/config"
	"pdf-translator/internal/document"
	"pdf-translator/internal/executor"
	"pdf-translator/internal/extractor"
	"pdf-translator/internal/quarantine"
	"pdf-translator/internal/reconciler"
	"pdf-translator/internal/router"
	"pdf-translator/internal/translator"
)

// stubLayout serves a fixed extraction result
type stubLayout struct {
	result *extractor.LayoutResult
	err    error
}

func (s stubLayout) Name() string                      { return "stub" }
func (s stubLayout) HealthCheck(context.Context) error { return nil }
func (s stubLayout) Extract(context.Context, string, extractor.PageRange) (*extractor.LayoutResult, error) {
	return s.result, s.err
}

// stubVisual serves fixed binary assets
type stubVisual struct {
	result *extractor.VisualResult
}

func (s stubVisual) Name() string { return "stub" }
func (s stubVisual) Extract(context.Context, string) (*extractor.VisualResult, error) {
	if s.result == nil {
		return &extractor.VisualResult{}, nil
	}
	return s.result, nil
}

// echoEndpoint translates by returning the input unchanged
type echoEndpoint struct{}

func (echoEndpoint) Translate(_ context.Context, req translator.Request) (*translator.Response, error) {
	return &translator.Response{TranslatedText: req.Text, FinishReason: translator.FinishComplete}, nil
}

// blockedEndpoint refuses everything
type blockedEndpoint struct{}

func (blockedEndpoint) Translate(context.Context, translator.Request) (*translator.Response, error) {
	return nil, document.NewError(document.ErrEndpointBlocked, "content refused", nil)
}

func frag(text string, size float64, bold bool, x, y float64, page int) extractor.LayoutFragment {
	return extractor.LayoutFragment{
		Text:      text,
		FontName:  "Times",
		FontSize:  size,
		Bold:      bold,
		BBox:      document.BoundingBox{X: x, Y: y, Width: 200, Height: size * 1.2},
		PageIndex: page,
	}
}

func paperLayout() *extractor.LayoutResult {
	return &extractor.LayoutResult{
		PageCount:  1,
		PageWidth:  612,
		PageHeight: 792,
		Fragments: []extractor.LayoutFragment{
			frag("Deep Learning Survey", 20, true, 100, 740, 1),
			frag("Neural networks have transformed the field of machine learning.", 10, false, 100, 700, 1),
			frag("$$y = Wx + b$$", 10, false, 100, 600, 1),
			frag("Training proceeds in epochs over the dataset.", 10, false, 100, 500, 1),
		},
	}
}

func paperAssets() *extractor.VisualResult {
	return &extractor.VisualResult{Assets: []extractor.VisualAsset{{
		AssetID:     "img_fig1",
		Data:        []byte{0x89, 0x50, 0x4e, 0x47},
		MimeType:    "image/png",
		BBox:        document.BoundingBox{X: 100, Y: 300, Width: 200, Height: 150},
		PageIndex:   1,
		MinDimPx:    150,
		AspectRatio: 1.33,
	}}}
}

func testPipeline(t *testing.T, ep translator.Endpoint, layout *extractor.LayoutResult, visual *extractor.VisualResult) *Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.Tracing.Enable = true
	cfg.Quarantine.Directory = filepath.Join(t.TempDir(), "quarantine")

	store, err := quarantine.Open(cfg.Quarantine)
	if err != nil {
		t.Fatalf("quarantine.Open: %v", err)
	}
	tr := translator.New(ep, float32(cfg.Translation.Temperature), cfg.SelfCorrection.MaxAttempts)
	trCfg := cfg.Translation
	trCfg.RequestsPerMinute = 600
	exec := executor.New(tr, nil, trCfg, cfg.Grouping, cfg.Translation.TargetLanguage)

	return New(cfg,
		stubLayout{result: layout},
		stubVisual{result: visual},
		reconciler.New(cfg.Reconciliation),
		router.New(cfg.Routing),
		exec, nil, store)
}

func TestProcessDocumentEndToEnd(t *testing.T) {
	p := testPipeline(t, echoEndpoint{}, paperLayout(), paperAssets())
	outDir := t.TempDir()

	out, err := p.ProcessDocument(context.Background(), "/papers/survey.pdf", outDir)
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if out.ExitCode != ExitSuccess {
		t.Fatalf("exit = %d, want %d", out.ExitCode, ExitSuccess)
	}
	if out.Quarantined != 0 {
		t.Errorf("quarantined = %d, want 0", out.Quarantined)
	}

	docDir := filepath.Join(outDir, "survey")
	data, err := os.ReadFile(filepath.Join(docDir, "output.md"))
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	md := string(data)
	for _, want := range []string{
		"Deep Learning Survey",
		"Neural networks have transformed",
		"$$y = Wx + b$$",
		"![",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("artifact missing %q", want)
		}
	}

	if _, err := os.Stat(filepath.Join(docDir, "trace.json")); err != nil {
		t.Errorf("trace.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(docDir, "assets", "img_fig1.png")); err != nil {
		t.Errorf("asset missing: %v", err)
	}
	if out.Summary.PreservationRate != 1.0 {
		t.Errorf("preservation = %v, want 1.0", out.Summary.PreservationRate)
	}
}

func TestProcessDocumentQuarantinesBlockedContent(t *testing.T) {
	p := testPipeline(t, blockedEndpoint{}, paperLayout(), nil)
	outDir := t.TempDir()

	out, err := p.ProcessDocument(context.Background(), "/papers/survey.pdf", outDir)
	if err != nil {
		t.Fatalf("ProcessDocument: %v", err)
	}
	if out.ExitCode != ExitPartial {
		t.Fatalf("exit = %d, want %d (partial success)", out.ExitCode, ExitPartial)
	}
	if out.Quarantined == 0 {
		t.Fatal("no blocks quarantined")
	}

	// The artifact still exists with the original text substituted.
	data, err := os.ReadFile(filepath.Join(outDir, "survey", "output.md"))
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if !strings.Contains(string(data), "Neural networks have transformed") {
		t.Error("original text not substituted into the artifact")
	}
}

func TestProcessDocumentExtractorFatal(t *testing.T) {
	p := testPipeline(t, echoEndpoint{}, nil, nil)
	p.layout = stubLayout{err: document.NewError(document.ErrExtractorCorrupt, "not a pdf", nil)}

	out, err := p.ProcessDocument(context.Background(), "/papers/broken.pdf", t.TempDir())
	if err == nil {
		t.Fatal("expected error")
	}
	if out.ExitCode != ExitExtractorFatal {
		t.Errorf("exit = %d, want %d", out.ExitCode, ExitExtractorFatal)
	}
}

func TestPauseAndResume(t *testing.T) {
	outDir := t.TempDir()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	p := testPipeline(t, echoEndpoint{}, paperLayout(), paperAssets())
	out, err := p.ProcessDocument(cancelled, "/papers/survey.pdf", outDir)
	if err != nil {
		t.Fatalf("paused run: %v", err)
	}
	if !out.Paused {
		t.Fatal("cancelled run not paused")
	}
	statePath := filepath.Join(outDir, "survey", stateFileName)
	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("state file missing: %v", err)
	}

	// Second run resumes from the saved state and completes.
	p2 := testPipeline(t, echoEndpoint{}, paperLayout(), paperAssets())
	out2, err := p2.ProcessDocument(context.Background(), "/papers/survey.pdf", outDir)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if out2.ExitCode != ExitSuccess || out2.Paused {
		t.Fatalf("outcome = %+v, want completed success", out2)
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Error("state file not cleared after completion")
	}
	if _, err := os.Stat(filepath.Join(outDir, "survey", "output.md")); err != nil {
		t.Errorf("artifact missing after resume: %v", err)
	}
}

func TestStateIgnoredForDifferentSource(t *testing.T) {
	outDir := t.TempDir()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	p := testPipeline(t, echoEndpoint{}, paperLayout(), paperAssets())
	if _, err := p.ProcessDocument(cancelled, "/papers/survey.pdf", outDir); err != nil {
		t.Fatalf("paused run: %v", err)
	}

	// Same stem, different directory: the stale state must not be loaded.
	p2 := testPipeline(t, echoEndpoint{}, paperLayout(), paperAssets())
	out, err := p2.ProcessDocument(context.Background(), "/elsewhere/survey.pdf", outDir)
	if err != nil {
		t.Fatalf("fresh run: %v", err)
	}
	if out.ExitCode != ExitSuccess {
		t.Errorf("exit = %d, want success from a fresh extraction", out.ExitCode)
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{document.NewError(document.ErrConfigInvalid, "bad config", nil), ExitConfigError},
		{document.NewError(document.ErrExtractorCorrupt, "not a pdf", nil), ExitExtractorFatal},
		{document.NewError(document.ErrExtractorTimeout, "slow", nil), ExitExtractorFatal},
		{document.NewError(document.ErrEndpointUnreachable, "down", nil), ExitEndpointUnreachable},
	}
	for _, tt := range tests {
		if got := ExitCodeFor(tt.err); got != tt.want {
			t.Errorf("ExitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
