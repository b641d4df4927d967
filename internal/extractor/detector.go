package extractor

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"os"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"pdf-translator/internal/logger"
)

// Detection 版面检测结果
type Detection struct {
	Class      string
	Confidence float32
	// Box is in the coordinate space of the input image, x0 y0 x1 y1.
	Box [4]float32
}

// DocLayout-YOLO DocStructBench class order.
var layoutClasses = []string{
	"title", "plain_text", "abandon", "figure", "figure_caption",
	"table", "table_caption", "table_footnote", "isolate_formula",
	"formula_caption",
}

const (
	detectorInputSize    = 1024
	detectorConfidence   = 0.25
	detectorIoUThreshold = 0.45
)

// LayoutDetector classifies raster regions with a DocLayout-YOLO ONNX model.
// It is optional: when no model is configured the reconciler relies on the
// rule-based heuristics alone.
type LayoutDetector struct {
	modelPath string

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewLayoutDetector creates a detector for the given ONNX model. The
// onnxruntime shared library path may be empty when the library is on the
// default search path.
func NewLayoutDetector(modelPath, sharedLibPath string) (*LayoutDetector, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("layout model not found: %w", err)
	}
	if sharedLibPath != "" {
		ort.SetSharedLibraryPath(sharedLibPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnxruntime init failed: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"images"}, []string{"output0"}, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open layout model session: %w", err)
	}

	logger.Info("layout detection model loaded", logger.String("path", modelPath))
	return &LayoutDetector{modelPath: modelPath, session: session}, nil
}

// Close releases the ONNX session
func (d *LayoutDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		err := d.session.Destroy()
		d.session = nil
		return err
	}
	return nil
}

// ClassifyAsset decodes an extracted image and returns its dominant layout
// class, or empty when nothing is detected with confidence.
func (d *LayoutDetector) ClassifyAsset(data []byte) (string, float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", 0, fmt.Errorf("cannot decode asset: %w", err)
	}
	detections, err := d.Detect(img)
	if err != nil {
		return "", 0, err
	}
	if len(detections) == 0 {
		return "", 0, nil
	}
	best := detections[0]
	for _, det := range detections[1:] {
		if det.Confidence > best.Confidence {
			best = det
		}
	}
	return best.Class, best.Confidence, nil
}

// Detect runs the model on one image and returns the filtered detections
func (d *LayoutDetector) Detect(img image.Image) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, fmt.Errorf("detector is closed")
	}

	input, scale, padX, padY := preprocessForDetector(img)
	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, detectorInputSize, detectorInputSize), input)
	if err != nil {
		return nil, fmt.Errorf("cannot build input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := d.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("layout inference failed: %w", err)
	}
	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
		return nil, fmt.Errorf("unexpected layout model output type")
	}
	defer outputTensor.Destroy()

	return postprocessDetections(outputTensor.GetData(), outputTensor.GetShape(), scale, padX, padY), nil
}

// preprocessForDetector letterboxes the image into the model's square input
// and returns the scale and padding needed to map boxes back.
func preprocessForDetector(img image.Image) (data []float32, scale float64, padX, padY int) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	scale = math.Min(float64(detectorInputSize)/float64(w), float64(detectorInputSize)/float64(h))
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	padX = (detectorInputSize - newW) / 2
	padY = (detectorInputSize - newH) / 2

	data = make([]float32, 3*detectorInputSize*detectorInputSize)
	plane := detectorInputSize * detectorInputSize
	for y := 0; y < newH; y++ {
		srcY := bounds.Min.Y + int(float64(y)/scale)
		for x := 0; x < newW; x++ {
			srcX := bounds.Min.X + int(float64(x)/scale)
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			idx := (y+padY)*detectorInputSize + (x + padX)
			data[idx] = float32(r>>8) / 255.0
			data[plane+idx] = float32(g>>8) / 255.0
			data[2*plane+idx] = float32(b>>8) / 255.0
		}
	}
	return data, scale, padX, padY
}

// postprocessDetections parses YOLO output, filters by confidence, maps boxes
// back to the source image, and applies non-maximum suppression.
func postprocessDetections(raw []float32, shape ort.Shape, scale float64, padX, padY int) []Detection {
	if len(shape) != 3 {
		return nil
	}
	// Output layout is [1, 4+classes, anchors].
	rows := int(shape[1])
	anchors := int(shape[2])
	numClasses := rows - 4
	if numClasses <= 0 || numClasses > len(layoutClasses) {
		numClasses = len(layoutClasses)
	}

	at := func(row, col int) float32 { return raw[row*anchors+col] }

	var candidates []Detection
	for a := 0; a < anchors; a++ {
		bestClass := -1
		var bestScore float32
		for c := 0; c < numClasses; c++ {
			if s := at(4+c, a); s > bestScore {
				bestScore = s
				bestClass = c
			}
		}
		if bestClass < 0 || bestScore < detectorConfidence {
			continue
		}
		cx, cy := at(0, a), at(1, a)
		bw, bh := at(2, a), at(3, a)
		x0 := (float64(cx-bw/2) - float64(padX)) / scale
		y0 := (float64(cy-bh/2) - float64(padY)) / scale
		x1 := (float64(cx+bw/2) - float64(padX)) / scale
		y1 := (float64(cy+bh/2) - float64(padY)) / scale
		candidates = append(candidates, Detection{
			Class:      layoutClasses[bestClass],
			Confidence: bestScore,
			Box:        [4]float32{float32(x0), float32(y0), float32(x1), float32(y1)},
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	var kept []Detection
	for _, cand := range candidates {
		overlaps := false
		for _, k := range kept {
			if iou(cand.Box, k.Box) > detectorIoUThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, cand)
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	x0 := maxF32(a[0], b[0])
	y0 := maxF32(a[1], b[1])
	x1 := minF32(a[2], b[2])
	y1 := minF32(a[3], b[3])
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	inter := (x1 - x0) * (y1 - y0)
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func minF32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxF32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
