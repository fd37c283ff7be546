package faceindex

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desnarong/thepixstock-api/internal/models"
)

type fakeWarmer struct {
	embeddings map[uuid.UUID][]models.FaceEmbedding
	calls      int
}

func (w *fakeWarmer) ListEventEmbeddings(ctx context.Context, eventID uuid.UUID) ([]models.FaceEmbedding, error) {
	w.calls++
	return w.embeddings[eventID], nil
}

func TestManagerWarmsOnFirstGet(t *testing.T) {
	eventID := uuid.New()
	warmer := &fakeWarmer{embeddings: map[uuid.UUID][]models.FaceEmbedding{
		eventID: {
			emb(eventID, "p1", 0, vecAt(0.2)),
			emb(eventID, "p2", 0, vecAt(0.4)),
		},
	}}
	m := NewManager(testOptions(), warmer)

	idx, err := m.Get(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, 1, warmer.calls)

	// Second Get reuses the live index.
	again, err := m.Get(context.Background(), eventID)
	require.NoError(t, err)
	assert.Same(t, idx, again)
	assert.Equal(t, 1, warmer.calls)
}

type flakyWarmer struct {
	mu         sync.Mutex
	embeddings []models.FaceEmbedding
	failures   int
	calls      int
}

func (w *flakyWarmer) ListEventEmbeddings(ctx context.Context, eventID uuid.UUID) ([]models.FaceEmbedding, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return nil, errors.New("connection refused")
	}
	return w.embeddings, nil
}

func TestManagerGetRetriesAfterWarmFailure(t *testing.T) {
	eventID := uuid.New()
	warmer := &flakyWarmer{
		embeddings: []models.FaceEmbedding{emb(eventID, "p1", 0, vecAt(0.2))},
		failures:   1,
	}
	m := NewManager(testOptions(), warmer)

	_, err := m.Get(context.Background(), eventID)
	require.Error(t, err)
	assert.Equal(t, 0, m.Len(eventID), "failed warm must not register an empty index")

	// Store recovered: the retry warms from scratch and serves results.
	idx, err := m.Get(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, 2, warmer.calls)

	matches, err := idx.Query(probe(), 0.6, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "p1", matches[0].PhotoID)
}

func TestManagerConcurrentGetSharesOneWarm(t *testing.T) {
	eventID := uuid.New()
	warmer := &flakyWarmer{
		embeddings: []models.FaceEmbedding{
			emb(eventID, "p1", 0, vecAt(0.2)),
			emb(eventID, "p2", 0, vecAt(0.4)),
		},
	}
	m := NewManager(testOptions(), warmer)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := m.Get(context.Background(), eventID)
			assert.NoError(t, err)
			// Never observe a half-warmed index.
			assert.Equal(t, 2, idx.Len())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, warmer.calls, "concurrent first gets share a single warm")
}

func TestManagerInsertRoutesByEvent(t *testing.T) {
	m := NewManager(testOptions(), nil)
	eventA := uuid.New()
	eventB := uuid.New()

	require.NoError(t, m.Insert(context.Background(), emb(eventA, "a1", 0, vecAt(0.2))))
	require.NoError(t, m.Insert(context.Background(), emb(eventB, "b1", 0, vecAt(0.2))))
	require.NoError(t, m.Insert(context.Background(), emb(eventB, "b2", 0, vecAt(0.3))))

	assert.Equal(t, 1, m.Len(eventA))
	assert.Equal(t, 2, m.Len(eventB))
}

func TestManagerRetire(t *testing.T) {
	m := NewManager(testOptions(), nil)
	eventID := uuid.New()

	require.NoError(t, m.Insert(context.Background(), emb(eventID, "p1", 0, vecAt(0.2))))
	m.Retire(eventID)

	_, err := m.Get(context.Background(), eventID)
	assert.ErrorIs(t, err, models.ErrIndexRetired)

	err = m.Insert(context.Background(), emb(eventID, "p2", 0, vecAt(0.2)))
	assert.ErrorIs(t, err, models.ErrIndexRetired)

	assert.Equal(t, 0, m.Len(eventID))
}

func TestManagerRetireUnknownEvent(t *testing.T) {
	m := NewManager(testOptions(), nil)
	eventID := uuid.New()

	m.Retire(eventID) // never had an index

	_, err := m.Get(context.Background(), eventID)
	assert.ErrorIs(t, err, models.ErrIndexRetired)
}
