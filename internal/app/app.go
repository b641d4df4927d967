// Package app wires the application: configuration, logging, cache,
// endpoint, extractors and the document pipeline. The command surfaces
// (root CLI and the cmd tools) build on it.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pdf-translator/internal/cache"
	"pdf-translator/internal/config"
	"pdf-translator/internal/document"
	"pdf-translator/internal/executor"
	"pdf-translator/internal/extractor"
	"pdf-translator/internal/logger"
	"pdf-translator/internal/pipeline"
	"pdf-translator/internal/quarantine"
	"pdf-translator/internal/reconciler"
	"pdf-translator/internal/router"
	"pdf-translator/internal/translator"
)

// Options override configuration from the command line
type Options struct {
	ConfigPath     string
	TargetLanguage string
}

// App holds the wired application
type App struct {
	cfg   *config.Config
	cache *cache.SemanticCache
	pipe  *pipeline.Pipeline
}

// New loads configuration and wires every collaborator. Errors here map to
// exit code 1.
func New(opts Options) (*App, error) {
	manager, err := config.NewManager(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := manager.Load(); err != nil {
		return nil, err
	}
	cfg := manager.Get()
	if opts.TargetLanguage != "" {
		cfg.Translation.TargetLanguage = opts.TargetLanguage
	}

	if err := logger.Init(&logger.Config{
		LogFilePath:   cfg.Logging.FilePath,
		MaxFileSize:   10 * 1024 * 1024,
		MaxBackups:    5,
		Level:         cfg.LogLevel(),
		EnableConsole: cfg.Logging.EnableConsole,
	}); err != nil {
		return nil, document.NewError(document.ErrConfigInvalid, "logger init failed", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	apiKey := cfg.APIKey()
	if apiKey == "" {
		return nil, document.NewError(document.ErrConfigInvalid,
			fmt.Sprintf("no API key: set %s or translation.api_key", config.EnvOpenAIAPIKey), nil)
	}

	c, err := cache.New(cfg.Cache, buildEmbedder(cfg.Cache))
	if err != nil {
		return nil, err
	}
	store, err := quarantine.Open(cfg.Quarantine)
	if err != nil {
		return nil, document.NewError(document.ErrConfigInvalid, "quarantine store unavailable", err)
	}

	timeout := time.Duration(cfg.Translation.RequestTimeoutSeconds) * time.Second
	endpoint := translator.NewEinoEndpoint(apiKey, cfg.ResolvedBaseURL(), timeout)
	tr := translator.New(endpoint, float32(cfg.Translation.Temperature), cfg.SelfCorrection.MaxAttempts)
	exec := executor.New(tr, c, cfg.Translation, cfg.Grouping, cfg.Translation.TargetLanguage)

	extractorTimeout := time.Duration(cfg.Reconciliation.ExtractorTimeoutSec) * time.Second
	layout := extractor.NewFallbackChain(extractor.NewTextLayoutExtractor(extractorTimeout))
	visual := extractor.NewPdfcpuVisualExtractor(
		min(cfg.Reconciliation.MinImageWidthPx, cfg.Reconciliation.MinImageHeightPx),
		float64(cfg.Reconciliation.MaxAspectRatio))

	recon := reconciler.New(cfg.Reconciliation)
	if cfg.Reconciliation.LayoutModelPath != "" {
		detector, err := extractor.NewLayoutDetector(cfg.Reconciliation.LayoutModelPath, "")
		if err != nil {
			logger.Warn("layout detector unavailable, continuing without it", logger.Err(err))
		} else {
			recon.WithDetector(detector)
		}
	}

	pipe := pipeline.New(cfg, layout, visual, recon, router.New(cfg.Routing), exec, c, store)
	return &App{cfg: cfg, cache: c, pipe: pipe}, nil
}

// Config exposes the loaded configuration
func (a *App) Config() *config.Config { return a.cfg }

// TranslatePDF processes one document end to end
func (a *App) TranslatePDF(ctx context.Context, pdfPath, outDir string) (*pipeline.Outcome, error) {
	return a.pipe.ProcessDocument(ctx, pdfPath, outDir)
}

// TranslateDirectory processes every PDF in dir and returns the worst exit
// code. Document failures never abort the batch.
func (a *App) TranslateDirectory(ctx context.Context, dir, outDir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return pipeline.ExitConfigError, document.NewError(document.ErrConfigInvalid, "read input directory", err)
	}
	var pdfs []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			pdfs = append(pdfs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(pdfs)
	if len(pdfs) == 0 {
		return pipeline.ExitConfigError, document.NewError(document.ErrConfigInvalid,
			fmt.Sprintf("no PDF files in %s", dir), nil)
	}

	worst := pipeline.ExitSuccess
	for _, pdf := range pdfs {
		if ctx.Err() != nil {
			break
		}
		out, err := a.TranslatePDF(ctx, pdf, outDir)
		if err != nil {
			logger.Error("document failed", err, logger.String("file", pdf))
		}
		if out != nil && out.ExitCode > worst {
			worst = out.ExitCode
		}
	}
	return worst, nil
}

// Close flushes the cache and releases the logger
func (a *App) Close() {
	if a.cache != nil {
		if err := a.cache.Flush(); err != nil {
			logger.Warn("cache flush on shutdown failed", logger.Err(err))
		}
	}
	if err := logger.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "log close:", err)
	}
}

// buildEmbedder picks the sentence embedder: the ONNX model when its files
// are on disk, the hashing fallback otherwise.
func buildEmbedder(cfg config.CacheConfig) cache.Embedder {
	modelPath := cfg.EmbeddingModel
	if strings.HasSuffix(modelPath, ".onnx") {
		vocabPath := filepath.Join(filepath.Dir(modelPath), "vocab.txt")
		emb, err := cache.NewONNXEmbedder(modelPath, vocabPath, "", 384)
		if err == nil {
			return emb
		}
		logger.Warn("embedding model unavailable, using hashing embedder", logger.Err(err))
	}
	return cache.NewHashingEmbedder(256)
}
