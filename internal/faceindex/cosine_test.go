package faceindex

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	assert.InDelta(t, 0.0, CosineDistance(a, a), 1e-6, "identical vectors")
	assert.InDelta(t, 1.0, CosineDistance(a, b), 1e-6, "orthogonal vectors")
	assert.InDelta(t, 2.0, CosineDistance(a, []float32{-1, 0, 0}), 1e-6, "opposite vectors")
}

func TestCosineDistanceSymmetry(t *testing.T) {
	a := []float32{0.3, -0.7, 0.2, 0.5}
	b := []float32{-0.1, 0.4, 0.9, -0.2}

	assert.Equal(t, CosineDistance(a, b), CosineDistance(b, a))
}

func TestCosineDistanceInvalid(t *testing.T) {
	assert.Equal(t, 2.0, CosineDistance([]float32{1, 0}, []float32{1, 0, 0}), "length mismatch")
	assert.Equal(t, 2.0, CosineDistance(nil, nil), "empty vectors")
	assert.Equal(t, 2.0, CosineDistance([]float32{0, 0}, []float32{1, 0}), "zero vector")
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)

	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
}
