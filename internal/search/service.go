package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/desnarong/thepixstock-api/internal/config"
	"github.com/desnarong/thepixstock-api/internal/extract"
	"github.com/desnarong/thepixstock-api/internal/faceindex"
	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/observability"
)

// IndexProvider resolves the live index for an event.
type IndexProvider interface {
	Get(ctx context.Context, eventID uuid.UUID) (*faceindex.Index, error)
}

// DurableSearcher runs an event-scoped similarity scan against the durable
// embedding store. Serves queries when the live index cannot be built.
type DurableSearcher interface {
	SearchEventFaces(ctx context.Context, eventID uuid.UUID, embedding []float32, maxDistance float64, limit int) ([]models.FaceEmbedding, error)
}

// Service ranks candidate matches for a query embedding against an event's
// index, going through the result cache first.
type Service struct {
	indexes   IndexProvider
	cache     *Cache
	extractor extract.Extractor
	durable   DurableSearcher
	cfg       config.SearchConfig

	mu         sync.RWMutex
	thresholds map[uuid.UUID]float64 // per-event max cosine distance
}

func New(indexes IndexProvider, cache *Cache, extractor extract.Extractor, cfg config.SearchConfig) *Service {
	return &Service{
		indexes:    indexes,
		cache:      cache,
		extractor:  extractor,
		cfg:        cfg,
		thresholds: make(map[uuid.UUID]float64),
	}
}

// SetDurableFallback enables serving queries from the durable store when an
// event's live index cannot be warmed.
func (s *Service) SetDurableFallback(d DurableSearcher) {
	s.durable = d
}

// SetEventThreshold overrides the match threshold (cosine distance) for one
// event.
func (s *Service) SetEventThreshold(eventID uuid.UUID, maxDistance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[eventID] = maxDistance
}

// Threshold returns the effective match threshold for an event.
func (s *Service) Threshold(eventID uuid.UUID) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.thresholds[eventID]; ok {
		return d
	}
	return s.cfg.MaxDistance
}

// Search ranks matches for an already-extracted query embedding.
// The quality gate runs before any index access; an empty result is a
// valid outcome, not an error.
func (s *Service) Search(ctx context.Context, eventID uuid.UUID, vector []float32, quality float64, topN int) ([]faceindex.Match, error) {
	if quality < s.cfg.MinQueryQuality {
		return nil, fmt.Errorf("%w: quality %.2f below minimum %.2f",
			models.ErrLowQualityQuery, quality, s.cfg.MinQueryQuality)
	}

	if topN <= 0 {
		topN = s.cfg.DefaultTopN
	}
	if topN > s.cfg.MaxTopN {
		topN = s.cfg.MaxTopN
	}
	maxDistance := s.Threshold(eventID)

	key := Key(vector, maxDistance, topN)
	if matches, ok := s.cache.Get(eventID, key); ok {
		observability.SearchCacheHits.Inc()
		return matches, nil
	}
	observability.SearchCacheMisses.Inc()

	idx, err := s.indexes.Get(ctx, eventID)
	if err != nil {
		if s.durable == nil || errors.Is(err, models.ErrIndexRetired) {
			return nil, err
		}
		slog.Warn("live index unavailable, serving from durable store",
			"event_id", eventID, "error", err)
		return s.durableSearch(ctx, eventID, vector, maxDistance, topN)
	}
	matches, err := idx.Query(vector, maxDistance, topN)
	if err != nil {
		return nil, err
	}

	s.cache.Put(eventID, key, matches)
	return matches, nil
}

// durableSearch serves one query from Postgres. Results are not cached, so
// the cold path stays visible until the live index recovers. Ranking is
// re-derived locally with the same tie-break the live index uses, newer
// upload first, so equal-distance rows come back in a stable order
// regardless of how the store returned them.
func (s *Service) durableSearch(ctx context.Context, eventID uuid.UUID, vector []float32, maxDistance float64, topN int) ([]faceindex.Match, error) {
	embs, err := s.durable.SearchEventFaces(ctx, eventID, vector, maxDistance, topN)
	if err != nil {
		return nil, fmt.Errorf("durable search: %w", err)
	}

	sort.Slice(embs, func(i, j int) bool {
		di := faceindex.CosineDistance(vector, embs[i].Vector)
		dj := faceindex.CosineDistance(vector, embs[j].Vector)
		if di != dj {
			return di < dj
		}
		if !embs[i].CreatedAt.Equal(embs[j].CreatedAt) {
			return embs[i].CreatedAt.After(embs[j].CreatedAt)
		}
		return bytes.Compare(embs[i].FaceID[:], embs[j].FaceID[:]) < 0
	})

	matches := make([]faceindex.Match, 0, len(embs))
	for _, e := range embs {
		d := faceindex.CosineDistance(vector, e.Vector)
		matches = append(matches, faceindex.Match{
			FaceID:     e.FaceID,
			PhotoID:    e.PhotoID,
			Distance:   d,
			Similarity: 1 - d,
		})
	}
	return matches, nil
}

// SearchByImage extracts an embedding from the uploaded query image
// synchronously within the configured budget, then searches the event
// index with it. The highest-quality detected face is the probe.
func (s *Service) SearchByImage(ctx context.Context, eventID uuid.UUID, imageBytes []byte, topN int) ([]faceindex.Match, error) {
	if s.extractor == nil {
		return nil, fmt.Errorf("image search unavailable: no extractor configured")
	}

	start := time.Now()
	defer func() {
		observability.SearchDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type extracted struct {
		faces []extract.Face
		err   error
	}
	done := make(chan extracted, 1)
	go func() {
		faces, err := s.extractor.DetectAndEncode(ctx, imageBytes)
		done <- extracted{faces: faces, err: err}
	}()

	var faces []extract.Face
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: extraction exceeded %s", models.ErrSearchTimeout, s.cfg.Timeout)
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("extract query embedding: %w", res.err)
		}
		faces = res.faces
	}

	if len(faces) == 0 {
		return nil, fmt.Errorf("%w: no face detected in query image", models.ErrLowQualityQuery)
	}

	probe := faces[0]
	for _, f := range faces[1:] {
		if f.Quality > probe.Quality {
			probe = f
		}
	}

	return s.Search(ctx, eventID, probe.Vector, float64(probe.Quality), topN)
}
