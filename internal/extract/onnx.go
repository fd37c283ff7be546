package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path/filepath"
	"runtime"
	"time"

	_ "image/jpeg"
	_ "image/png"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/desnarong/thepixstock-api/internal/faceindex"
	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/observability"
)

// ONNXExtractor runs RetinaFace detection followed by ArcFace embedding
// extraction. One instance owns its ONNX sessions and is not safe for
// concurrent use; give each worker its own.
type ONNXExtractor struct {
	detector *detector
	embedder *embedder
}

// InitRuntime loads the ONNX Runtime shared library. Call once per process
// before creating extractors.
func InitRuntime() error {
	ort.SetSharedLibraryPath(onnxLibPath())
	return ort.InitializeEnvironment()
}

// DestroyRuntime releases the process-wide ONNX environment.
func DestroyRuntime() {
	_ = ort.DestroyEnvironment()
}

func onnxLibPath() string {
	switch runtime.GOOS {
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}

// NewONNXExtractor loads the detection and embedding models from modelsDir.
func NewONNXExtractor(modelsDir string, detectionThreshold float32) (*ONNXExtractor, error) {
	det, err := newDetector(filepath.Join(modelsDir, "det_10g.onnx"), detectionThreshold)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}
	emb, err := newEmbedder(filepath.Join(modelsDir, "w600k_r50.onnx"))
	if err != nil {
		det.close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}
	return &ONNXExtractor{detector: det, embedder: emb}, nil
}

func (e *ONNXExtractor) Dim() int { return e.embedder.dim }

// DetectAndEncode finds every face in the photo and produces one normalized
// embedding per face. All faces are returned independently; there is no
// primary-face selection.
func (e *ONNXExtractor) DetectAndEncode(ctx context.Context, imageBytes []byte) ([]Face, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnsupportedImageFormat, err)
	}

	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()

	start := time.Now()
	detections, err := e.detector.detect(img, origW, origH)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	observability.PipelineStageDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	faces := make([]Face, 0, len(detections))
	for _, det := range detections {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrExtractionTimeout, err)
		}

		crop := cropFace(img, det.bbox)
		if crop == nil {
			continue
		}

		start = time.Now()
		vector, err := e.embedder.extract(crop)
		if err != nil {
			return nil, fmt.Errorf("embed face: %w", err)
		}
		observability.PipelineStageDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
		faceindex.Normalize(vector)

		faces = append(faces, Face{
			Box: models.BoundingBox{
				X1: det.bbox[0], Y1: det.bbox[1],
				X2: det.bbox[2], Y2: det.bbox[3],
			},
			Vector:  vector,
			Quality: qualityScore(det),
		})
	}

	return faces, nil
}

// qualityScore folds detection confidence with the face's relative size.
// Tiny faces embed poorly even when the detector is confident about them.
func qualityScore(det detection) float32 {
	faceH := det.bbox[3] - det.bbox[1]
	sizeFactor := faceH / 112.0
	if sizeFactor > 1 {
		sizeFactor = 1
	}
	if sizeFactor < 0 {
		sizeFactor = 0
	}
	return det.confidence * sizeFactor
}

func (e *ONNXExtractor) Close() {
	if e.detector != nil {
		e.detector.close()
	}
	if e.embedder != nil {
		e.embedder.close()
	}
}
