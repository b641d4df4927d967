package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"pdf-translator/internal/document"
	"pdf-translator/internal/logger"
)

// PdfcpuVisualExtractor pulls embedded raster images out of a PDF.
//
// Raw image XObjects carry no placement, so assets leave here with a zero
// bounding box and the reconciler falls back to page-order association.
type PdfcpuVisualExtractor struct {
	minDimension   int
	maxAspectRatio float64
}

// NewPdfcpuVisualExtractor creates a visual extractor with the configured
// decorative-image filters.
func NewPdfcpuVisualExtractor(minDimension int, maxAspectRatio float64) *PdfcpuVisualExtractor {
	if minDimension <= 0 {
		minDimension = 50
	}
	if maxAspectRatio <= 0 {
		maxAspectRatio = 20.0
	}
	return &PdfcpuVisualExtractor{minDimension: minDimension, maxAspectRatio: maxAspectRatio}
}

// Name identifies the extractor in logs and trace entries
func (e *PdfcpuVisualExtractor) Name() string { return "pdfcpu-images" }

// extractedImagePattern parses the page number out of pdfcpu's output file
// names, which end in _<page>_<resource>.<ext>.
var extractedImagePattern = regexp.MustCompile(`_(\d+)_[^_]+\.\w+$`)

// Extract writes the PDF's images to a temp dir, decodes their dimensions,
// filters decorative ones, and returns the survivors in page order.
func (e *PdfcpuVisualExtractor) Extract(ctx context.Context, pdfPath string) (*VisualResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, document.NewError(document.ErrCancelled, "visual extraction cancelled", err)
	}

	tmpDir, err := os.MkdirTemp("", "pdf-translator-images-*")
	if err != nil {
		return nil, document.NewError(document.ErrVisualExtractor, "cannot create image staging dir", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := api.ExtractImagesFile(pdfPath, tmpDir, nil, nil); err != nil {
		return nil, document.NewErrorWithDetails(document.ErrVisualExtractor,
			"image extraction failed", pdfPath, err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, document.NewError(document.ErrVisualExtractor, "cannot read staging dir", err)
	}

	result := &VisualResult{}
	skipped := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		asset, ok, err := e.loadAsset(filepath.Join(tmpDir, entry.Name()), entry.Name())
		if err != nil {
			logger.Warn("skipping unreadable extracted image",
				logger.String("file", entry.Name()), logger.Err(err))
			continue
		}
		if !ok {
			skipped++
			continue
		}
		result.Assets = append(result.Assets, asset)
	}

	// Stable order: by page, then by file name within the page.
	sort.SliceStable(result.Assets, func(i, j int) bool {
		if result.Assets[i].PageIndex != result.Assets[j].PageIndex {
			return result.Assets[i].PageIndex < result.Assets[j].PageIndex
		}
		return result.Assets[i].AssetID < result.Assets[j].AssetID
	})

	logger.Info("visual extraction complete",
		logger.String("file", pdfPath),
		logger.Int("assets", len(result.Assets)),
		logger.Int("filtered", skipped))
	return result, nil
}

// loadAsset reads one extracted image and applies the decorative filters.
// The second return value is false for images that are filtered out.
func (e *PdfcpuVisualExtractor) loadAsset(path, name string) (VisualAsset, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VisualAsset{}, false, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		// Unsupported encodings (CCITT, JBIG2) cannot be sized; keep them
		// rather than drop document content.
		return VisualAsset{
			AssetID:   assetIDFromName(name),
			Data:      data,
			MimeType:  mimeFromExt(name),
			PageIndex: pageFromName(name),
		}, true, nil
	}

	minDim := cfg.Width
	if cfg.Height < minDim {
		minDim = cfg.Height
	}
	aspect := 0.0
	if cfg.Height > 0 && cfg.Width > 0 {
		aspect = float64(cfg.Width) / float64(cfg.Height)
		if aspect < 1 {
			aspect = 1 / aspect
		}
	}

	if minDim < e.minDimension || aspect > e.maxAspectRatio {
		return VisualAsset{}, false, nil
	}

	return VisualAsset{
		AssetID:     assetIDFromName(name),
		Data:        data,
		MimeType:    "image/" + format,
		PageIndex:   pageFromName(name),
		MinDimPx:    minDim,
		AspectRatio: aspect,
	}, true, nil
}

// assetIDFromName derives a stable asset id from the extracted file name
func assetIDFromName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return fmt.Sprintf("img_%s", base)
}

// pageFromName parses the 1-based page number encoded in the file name
func pageFromName(name string) int {
	m := extractedImagePattern.FindStringSubmatch(name)
	if m == nil {
		return 1
	}
	page, err := strconv.Atoi(m[1])
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// mimeFromExt maps a file extension to a mime type for undecodable images
func mimeFromExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
