package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desnarong/thepixstock-api/internal/extract"
	"github.com/desnarong/thepixstock-api/internal/models"
)

type fakePhotos struct {
	objects map[string][]byte
}

func (f *fakePhotos) GetPhoto(ctx context.Context, eventID uuid.UUID, photoID string) ([]byte, error) {
	data, ok := f.objects[photoID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrObjectNotFound, photoID)
	}
	return data, nil
}

type fakeExtractor struct {
	faces map[string][]extract.Face // keyed by image content
	err   error
}

func (f *fakeExtractor) DetectAndEncode(ctx context.Context, imageBytes []byte) ([]extract.Face, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.faces[string(imageBytes)], nil
}

func (f *fakeExtractor) Dim() int { return 4 }

type fakeFaceStore struct {
	mu      sync.Mutex
	faces   map[uuid.UUID]models.FaceEmbedding
	stages  map[uuid.UUID][]models.Stage
	upserts int
}

func newFakeFaceStore() *fakeFaceStore {
	return &fakeFaceStore{
		faces:  make(map[uuid.UUID]models.FaceEmbedding),
		stages: make(map[uuid.UUID][]models.Stage),
	}
}

func (f *fakeFaceStore) UpsertFaceEmbedding(ctx context.Context, emb models.FaceEmbedding) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if _, ok := f.faces[emb.FaceID]; ok {
		return false, nil
	}
	f.faces[emb.FaceID] = emb
	return true, nil
}

func (f *fakeFaceStore) ListPhotoEmbeddings(ctx context.Context, eventID uuid.UUID, photoID string) ([]models.FaceEmbedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.FaceEmbedding
	for _, emb := range f.faces {
		if emb.EventID == eventID && emb.PhotoID == photoID {
			out = append(out, emb)
		}
	}
	return out, nil
}

func (f *fakeFaceStore) UpdateJobStage(ctx context.Context, jobID uuid.UUID, stage models.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[jobID] = append(f.stages[jobID], stage)
	return nil
}

func face(vec []float32, quality float32) extract.Face {
	return extract.Face{Vector: vec, Quality: quality}
}

func testJob() *models.ProcessingJob {
	return &models.ProcessingJob{
		ID:      uuid.New(),
		PhotoID: "photo-1",
		EventID: uuid.New(),
		Status:  models.JobStatusRunning,
	}
}

func TestProcessMultiFacePhoto(t *testing.T) {
	job := testJob()
	photos := &fakePhotos{objects: map[string][]byte{"photo-1": []byte("group-shot")}}
	extractor := &fakeExtractor{faces: map[string][]extract.Face{
		"group-shot": {
			face([]float32{1, 0, 0, 0}, 0.9),
			face([]float32{0, 1, 0, 0}, 0.8),
			face([]float32{0, 0, 1, 0}, 0.7),
		},
	}}
	store := newFakeFaceStore()
	c := NewCoordinator(photos, extractor, store)

	result, err := c.Process(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeIndexed, result.Outcome)
	require.Len(t, result.Faces, 3, "every face indexed independently")
	assert.Len(t, store.faces, 3)

	// Face IDs derive from (event, photo, ordinal).
	for i, f := range result.Faces {
		assert.Equal(t, models.DeterministicFaceID(job.EventID, job.PhotoID, i), f.FaceID)
		assert.Equal(t, job.PhotoID, f.PhotoID)
		assert.Equal(t, job.EventID, f.EventID)
	}

	assert.Equal(t, []models.Stage{models.StageExtracted, models.StageIndexed}, store.stages[job.ID])
}

func TestProcessNoFacesSucceeds(t *testing.T) {
	job := testJob()
	photos := &fakePhotos{objects: map[string][]byte{"photo-1": []byte("landscape")}}
	store := newFakeFaceStore()
	c := NewCoordinator(photos, &fakeExtractor{}, store)

	result, err := c.Process(context.Background(), job)
	require.NoError(t, err, "a faceless photo is a success, not an error")

	assert.Equal(t, models.OutcomeNoFaces, result.Outcome)
	assert.Empty(t, store.faces)
	assert.Equal(t, []models.Stage{models.StageIndexed}, store.stages[job.ID])
}

func TestProcessRerunIsIdempotent(t *testing.T) {
	job := testJob()
	photos := &fakePhotos{objects: map[string][]byte{"photo-1": []byte("portrait")}}
	extractor := &fakeExtractor{faces: map[string][]extract.Face{
		"portrait": {face([]float32{1, 0, 0, 0}, 0.9)},
	}}
	store := newFakeFaceStore()
	c := NewCoordinator(photos, extractor, store)

	first, err := c.Process(context.Background(), job)
	require.NoError(t, err)
	second, err := c.Process(context.Background(), job)
	require.NoError(t, err)

	assert.Len(t, store.faces, 1, "re-running commits no duplicates")
	assert.Equal(t, first.Faces[0].FaceID, second.Faces[0].FaceID)
}

func TestProcessResumesFromCommittedStage(t *testing.T) {
	job := testJob()
	store := newFakeFaceStore()

	// Embeddings from a previous attempt are already durable.
	emb := models.FaceEmbedding{
		FaceID:  models.DeterministicFaceID(job.EventID, job.PhotoID, 0),
		PhotoID: job.PhotoID,
		EventID: job.EventID,
		Vector:  []float32{1, 0, 0, 0},
	}
	_, err := store.UpsertFaceEmbedding(context.Background(), emb)
	require.NoError(t, err)
	job.Stage = models.StageExtracted

	// Neither the photo nor the extractor are reachable: resume must not
	// need them.
	c := NewCoordinator(&fakePhotos{}, &fakeExtractor{err: models.ErrExtractionTimeout}, store)

	result, err := c.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIndexed, result.Outcome)
	require.Len(t, result.Faces, 1)
	assert.Equal(t, emb.FaceID, result.Faces[0].FaceID)
}

func TestProcessMissingPhoto(t *testing.T) {
	job := testJob()
	c := NewCoordinator(&fakePhotos{}, &fakeExtractor{}, newFakeFaceStore())

	_, err := c.Process(context.Background(), job)
	assert.ErrorIs(t, err, models.ErrObjectNotFound)
}

func TestProcessExtractionErrorPropagates(t *testing.T) {
	job := testJob()
	photos := &fakePhotos{objects: map[string][]byte{"photo-1": []byte("corrupt")}}
	c := NewCoordinator(photos, &fakeExtractor{err: models.ErrUnsupportedImageFormat}, newFakeFaceStore())

	_, err := c.Process(context.Background(), job)
	assert.ErrorIs(t, err, models.ErrUnsupportedImageFormat)
}

func TestCommitHonorsSoftBudget(t *testing.T) {
	job := testJob()
	photos := &fakePhotos{objects: map[string][]byte{"photo-1": []byte("group-shot")}}
	extractor := &fakeExtractor{faces: map[string][]extract.Face{
		"group-shot": {
			face([]float32{1, 0, 0, 0}, 0.9),
			face([]float32{0, 1, 0, 0}, 0.8),
		},
	}}
	store := newFakeFaceStore()
	c := NewCoordinator(photos, extractor, store)

	ctx := WithSoftDeadline(context.Background(), time.Now().Add(-time.Second))
	_, err := c.Process(ctx, job)

	require.Error(t, err)
	var retryable *models.RetryableError
	assert.ErrorAs(t, err, &retryable, "expired soft budget hands the job back for retry")
	assert.Empty(t, store.faces, "wind-down stops before the first uncommitted face")
}

func TestSoftDeadline(t *testing.T) {
	assert.False(t, SoftExpired(context.Background()), "no deadline set")

	future := WithSoftDeadline(context.Background(), time.Now().Add(time.Hour))
	assert.False(t, SoftExpired(future))

	past := WithSoftDeadline(context.Background(), time.Now().Add(-time.Second))
	assert.True(t, SoftExpired(past))
}
