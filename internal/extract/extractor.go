// Package extract produces face embeddings from photo bytes. The pipeline
// treats the capability as pluggable: anything that detects faces and
// encodes one fixed-length vector per face, with a quality score, can
// stand in for the ONNX implementation here.
package extract

import (
	"context"

	"github.com/desnarong/thepixstock-api/internal/models"
)

// Face is one detected face in a photo.
type Face struct {
	Box     models.BoundingBox
	Vector  []float32
	Quality float32 // in [0,1]
}

// Extractor detects faces in an image and encodes each one. A photo with
// zero recognizable faces yields an empty slice and no error.
type Extractor interface {
	DetectAndEncode(ctx context.Context, imageBytes []byte) ([]Face, error)
	// Dim is the embedding dimensionality this extractor produces.
	// It must match the index dimensionality of the deployment.
	Dim() int
}
