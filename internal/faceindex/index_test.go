package faceindex

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desnarong/thepixstock-api/internal/models"
)

const testDim = 8

func testOptions() Options {
	return Options{Dim: testDim, ExactCutover: 64, RebuildThreshold: 16, EfSearch: 32}
}

// vecAt returns a unit vector whose cosine distance to the probe
// [1, 0, ...] is exactly dist.
func vecAt(dist float64) []float32 {
	cos := 1 - dist
	sin := math.Sqrt(1 - cos*cos)
	v := make([]float32, testDim)
	v[0] = float32(cos)
	v[1] = float32(sin)
	return v
}

func probe() []float32 {
	v := make([]float32, testDim)
	v[0] = 1
	return v
}

func emb(eventID uuid.UUID, photoID string, ordinal int, vector []float32) models.FaceEmbedding {
	return models.FaceEmbedding{
		FaceID:  models.DeterministicFaceID(eventID, photoID, ordinal),
		PhotoID: photoID,
		EventID: eventID,
		Vector:  vector,
	}
}

func TestQueryThresholdFiltering(t *testing.T) {
	eventID := uuid.New()
	idx := New(eventID, testOptions())

	require.NoError(t, idx.Insert(emb(eventID, "p1", 0, vecAt(0.2))))
	require.NoError(t, idx.Insert(emb(eventID, "p2", 0, vecAt(0.5))))
	require.NoError(t, idx.Insert(emb(eventID, "p3", 0, vecAt(0.7))))

	matches, err := idx.Query(probe(), 0.6, 10)
	require.NoError(t, err)

	require.Len(t, matches, 2, "p3 is beyond the threshold")
	assert.Equal(t, "p1", matches[0].PhotoID)
	assert.Equal(t, "p2", matches[1].PhotoID)
	assert.InDelta(t, 0.2, matches[0].Distance, 1e-4)
	assert.InDelta(t, 0.8, matches[0].Similarity, 1e-4)
	assert.True(t, matches[0].Distance <= matches[1].Distance, "best first")
}

func TestQueryEmptyIndex(t *testing.T) {
	idx := New(uuid.New(), testOptions())

	matches, err := idx.Query(probe(), 0.6, 10)
	require.NoError(t, err)
	assert.Empty(t, matches, "empty result is a valid outcome")
}

func TestQueryTopNTruncation(t *testing.T) {
	eventID := uuid.New()
	idx := New(eventID, testOptions())

	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Insert(emb(eventID, fmt.Sprintf("p%d", i), 0, vecAt(0.1+float64(i)*0.02))))
	}

	matches, err := idx.Query(probe(), 1.0, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "p0", matches[0].PhotoID)
}

func TestQueryDeterministicOrdering(t *testing.T) {
	eventID := uuid.New()
	idx := New(eventID, testOptions())

	for i := 0; i < 20; i++ {
		require.NoError(t, idx.Insert(emb(eventID, fmt.Sprintf("p%d", i), 0, vecAt(0.1+float64(i%5)*0.1))))
	}

	first, err := idx.Query(probe(), 1.0, 20)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := idx.Query(probe(), 1.0, 20)
		require.NoError(t, err)
		assert.Equal(t, first, again, "unchanged index must return identical sequences")
	}
}

func TestQueryWiderThresholdIsSuperset(t *testing.T) {
	eventID := uuid.New()
	opts := Options{Dim: testDim, ExactCutover: 16, RebuildThreshold: 4, EfSearch: 64}
	idx := New(eventID, opts)

	for i := 0; i < 48; i++ {
		require.NoError(t, idx.Insert(emb(eventID, fmt.Sprintf("p%d", i), 0, vecAt(0.05+float64(i)*0.015))))
	}

	// Widening the threshold may only add matches, never drop or reorder
	// the ones already inside it.
	check := func(t *testing.T) {
		tight, err := idx.Query(probe(), 0.3, 48)
		require.NoError(t, err)
		wide, err := idx.Query(probe(), 0.6, 48)
		require.NoError(t, err)

		require.NotEmpty(t, tight)
		require.True(t, len(tight) < len(wide))
		assert.Equal(t, tight, wide[:len(tight)], "wider result begins with the tighter one")
	}

	check(t) // exact scan
	idx.Rebuild()
	check(t) // snapshot path
}

func TestQueryTieBreakNewerFirst(t *testing.T) {
	eventID := uuid.New()
	idx := New(eventID, testOptions())

	v := vecAt(0.3)
	require.NoError(t, idx.Insert(emb(eventID, "older", 0, v)))
	require.NoError(t, idx.Insert(emb(eventID, "newer", 0, v)))

	matches, err := idx.Query(probe(), 0.6, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "newer", matches[0].PhotoID, "equal distance resolves to the newer upload")
	assert.Equal(t, "older", matches[1].PhotoID)
}

func TestInsertDuplicateFaceIsNoop(t *testing.T) {
	eventID := uuid.New()
	idx := New(eventID, testOptions())

	e := emb(eventID, "p1", 0, vecAt(0.2))
	require.NoError(t, idx.Insert(e))
	require.NoError(t, idx.Insert(e))

	assert.Equal(t, 1, idx.Len())
	assert.True(t, idx.Contains(e.FaceID))
}

func TestInsertDimensionMismatch(t *testing.T) {
	eventID := uuid.New()
	idx := New(eventID, testOptions())

	e := emb(eventID, "p1", 0, []float32{1, 0})
	err := idx.Insert(e)
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	assert.Equal(t, 0, idx.Len(), "no silent truncation or padding")
}

func TestInsertEventMismatch(t *testing.T) {
	idx := New(uuid.New(), testOptions())

	err := idx.Insert(emb(uuid.New(), "p1", 0, vecAt(0.2)))
	assert.ErrorIs(t, err, models.ErrEventMismatch)
}

func TestQueryDimensionMismatch(t *testing.T) {
	idx := New(uuid.New(), testOptions())

	_, err := idx.Query([]float32{1, 0}, 0.6, 10)
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
}

func TestRetire(t *testing.T) {
	eventID := uuid.New()
	idx := New(eventID, testOptions())
	require.NoError(t, idx.Insert(emb(eventID, "p1", 0, vecAt(0.2))))

	idx.Retire()
	assert.True(t, idx.Retired())

	_, err := idx.Query(probe(), 0.6, 10)
	assert.ErrorIs(t, err, models.ErrIndexRetired)
	assert.ErrorIs(t, idx.Insert(emb(eventID, "p2", 0, vecAt(0.2))), models.ErrIndexRetired)

	idx.Retire() // idempotent
	assert.True(t, idx.Retired())
}

func TestReadAfterWriteAcrossSnapshot(t *testing.T) {
	eventID := uuid.New()
	opts := testOptions()
	opts.ExactCutover = 10
	idx := New(eventID, opts)

	for i := 0; i < 32; i++ {
		require.NoError(t, idx.Insert(emb(eventID, fmt.Sprintf("old%d", i), 0, vecAt(0.9))))
	}
	idx.Rebuild()

	// Inserted after the snapshot: must be visible via the exact tail scan.
	require.NoError(t, idx.Insert(emb(eventID, "fresh", 0, vecAt(0.1))))

	matches, err := idx.Query(probe(), 0.5, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "fresh", matches[0].PhotoID)
}

func TestNeedsRebuild(t *testing.T) {
	eventID := uuid.New()
	opts := Options{Dim: testDim, ExactCutover: 8, RebuildThreshold: 4, EfSearch: 16}
	idx := New(eventID, opts)

	assert.False(t, idx.NeedsRebuild(), "small index stays on the exact path")

	for i := 0; i < 16; i++ {
		require.NoError(t, idx.Insert(emb(eventID, fmt.Sprintf("p%d", i), 0, vecAt(0.3))))
	}
	assert.True(t, idx.NeedsRebuild())

	idx.Rebuild()
	assert.False(t, idx.NeedsRebuild(), "fresh snapshot resets the counter")
}

func TestSnapshotQueryMatchesExact(t *testing.T) {
	eventID := uuid.New()
	opts := Options{Dim: testDim, ExactCutover: 16, RebuildThreshold: 4, EfSearch: 64}
	idx := New(eventID, opts)

	for i := 0; i < 64; i++ {
		require.NoError(t, idx.Insert(emb(eventID, fmt.Sprintf("p%d", i), 0, vecAt(0.05+float64(i)*0.01))))
	}

	before, err := idx.Query(probe(), 0.4, 10)
	require.NoError(t, err)

	idx.Rebuild()

	after, err := idx.Query(probe(), 0.4, 10)
	require.NoError(t, err)
	assert.Equal(t, before, after, "snapshot path agrees with exact scan on these sizes")
}

func TestConcurrentInsertQueryRebuild(t *testing.T) {
	eventID := uuid.New()
	opts := Options{Dim: testDim, ExactCutover: 32, RebuildThreshold: 8, EfSearch: 32}
	idx := New(eventID, opts)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = idx.Insert(emb(eventID, fmt.Sprintf("w%d-p%d", w, i), 0, vecAt(0.1+float64(i%7)*0.1)))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				matches, err := idx.Query(probe(), 0.6, 10)
				assert.NoError(t, err)
				for j := 1; j < len(matches); j++ {
					assert.True(t, matches[j-1].Distance <= matches[j].Distance)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			idx.Rebuild()
		}
	}()
	wg.Wait()

	assert.Equal(t, 400, idx.Len())
}
