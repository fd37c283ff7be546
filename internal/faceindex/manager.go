package faceindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/observability"
)

// Warmer loads an event's durable embeddings, ordered by upload time
// ascending, to seed a cold index.
type Warmer interface {
	ListEventEmbeddings(ctx context.Context, eventID uuid.UUID) ([]models.FaceEmbedding, error)
}

// Manager owns one Index per event. Indexes are created lazily on first
// use, warmed from durable storage when a Warmer is configured, and
// retired when the external event-lifecycle collaborator signals closure.
type Manager struct {
	opts   Options
	warmer Warmer
	warms  singleflight.Group

	mu      sync.Mutex
	indexes map[uuid.UUID]*Index
	closed  map[uuid.UUID]bool
}

func NewManager(opts Options, warmer Warmer) *Manager {
	return &Manager{
		opts:    opts,
		warmer:  warmer,
		indexes: make(map[uuid.UUID]*Index),
		closed:  make(map[uuid.UUID]bool),
	}
}

// Get returns the event's index, creating and warming it if needed.
// The index is published only after a successful warm: a failed warm
// registers nothing, so the next call retries against the store instead
// of serving a permanently empty index. A retired event yields
// ErrIndexRetired.
func (m *Manager) Get(ctx context.Context, eventID uuid.UUID) (*Index, error) {
	m.mu.Lock()
	if m.closed[eventID] {
		m.mu.Unlock()
		return nil, models.ErrIndexRetired
	}
	if idx, ok := m.indexes[eventID]; ok {
		m.mu.Unlock()
		return idx, nil
	}
	m.mu.Unlock()

	// Concurrent first gets for the same event share one warm.
	v, err, _ := m.warms.Do(eventID.String(), func() (any, error) {
		idx, err := m.buildWarm(ctx, eventID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed[eventID] {
			return nil, models.ErrIndexRetired
		}
		if existing, ok := m.indexes[eventID]; ok {
			return existing, nil
		}
		m.indexes[eventID] = idx
		return idx, nil
	})
	if err != nil {
		return nil, err
	}

	idx := v.(*Index)
	observability.IndexSize.WithLabelValues(eventID.String()).Set(float64(idx.Len()))
	return idx, nil
}

func (m *Manager) buildWarm(ctx context.Context, eventID uuid.UUID) (*Index, error) {
	idx := New(eventID, m.opts)
	if m.warmer == nil {
		return idx, nil
	}

	embs, err := m.warmer.ListEventEmbeddings(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("warm index %s: %w", eventID, err)
	}
	for _, e := range embs {
		if err := idx.Insert(e); err != nil {
			return nil, fmt.Errorf("warm index %s: %w", eventID, err)
		}
	}
	if len(embs) > 0 {
		slog.Info("warmed event index", "event_id", eventID, "embeddings", len(embs))
		idx.Rebuild()
	}
	return idx, nil
}

// Insert routes an embedding to its event index and schedules a background
// rebuild when the growth threshold is crossed.
func (m *Manager) Insert(ctx context.Context, emb models.FaceEmbedding) error {
	idx, err := m.Get(ctx, emb.EventID)
	if err != nil {
		return err
	}
	if err := idx.Insert(emb); err != nil {
		return err
	}

	observability.IndexSize.WithLabelValues(emb.EventID.String()).Set(float64(idx.Len()))

	if idx.NeedsRebuild() {
		go func() {
			idx.Rebuild()
			observability.IndexRebuilds.Inc()
		}()
	}
	return nil
}

// Len reports the live size of an event's index without creating one.
func (m *Manager) Len(eventID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.indexes[eventID]; ok {
		return idx.Len()
	}
	return 0
}

// Retire closes the event's index permanently. Safe to call for events
// that never built an index; later Get calls fail with ErrIndexRetired.
func (m *Manager) Retire(eventID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed[eventID] = true
	if idx, ok := m.indexes[eventID]; ok {
		idx.Retire()
		delete(m.indexes, eventID)
	}
	observability.IndexSize.DeleteLabelValues(eventID.String())
	slog.Info("event index retired", "event_id", eventID)
}

// RebuildAll runs a snapshot rebuild over every index that needs one.
// Intended for an external maintenance schedule.
func (m *Manager) RebuildAll() {
	m.mu.Lock()
	indexes := make([]*Index, 0, len(m.indexes))
	for _, idx := range m.indexes {
		indexes = append(indexes, idx)
	}
	m.mu.Unlock()

	for _, idx := range indexes {
		if idx.NeedsRebuild() {
			idx.Rebuild()
			observability.IndexRebuilds.Inc()
		}
	}
}
