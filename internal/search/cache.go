package search

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/desnarong/thepixstock-api/internal/faceindex"
)

// Cache holds recent search results for a short TTL to absorb repeated
// identical queries (page refreshes) without re-scanning the index.
//
// Entries are grouped per event so that an insert into an event's index can
// invalidate exactly that event's results. Correctness over hit rate:
// a stale "no results" after new uploads is an observable regression.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.RWMutex
	events map[uuid.UUID]map[uint64]cacheEntry
}

type cacheEntry struct {
	matches []faceindex.Match
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:    ttl,
		now:    time.Now,
		events: make(map[uuid.UUID]map[uint64]cacheEntry),
	}
}

// Key hashes the query identity: probe vector, threshold and top-n.
func Key(vector []float32, maxDistance float64, topN int) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, f := range vector {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
		_, _ = d.Write(buf[:4])
	}
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(maxDistance))
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(topN))
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

func (c *Cache) Get(eventID uuid.UUID, key uint64) ([]faceindex.Match, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, ok := c.events[eventID]
	if !ok {
		return nil, false
	}
	e, ok := entries[key]
	if !ok || c.now().After(e.expires) {
		return nil, false
	}
	return e.matches, true
}

func (c *Cache) Put(eventID uuid.UUID, key uint64, matches []faceindex.Match) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.events[eventID]
	if !ok {
		entries = make(map[uint64]cacheEntry)
		c.events[eventID] = entries
	}
	entries[key] = cacheEntry{matches: matches, expires: c.now().Add(c.ttl)}
}

// InvalidateEvent drops every cached result for one event. Called on every
// successful index insert.
func (c *Cache) InvalidateEvent(eventID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, eventID)
}

// Sweep removes expired entries. Intended for a periodic ticker.
func (c *Cache) Sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for eventID, entries := range c.events {
		for key, e := range entries {
			if now.After(e.expires) {
				delete(entries, key)
			}
		}
		if len(entries) == 0 {
			delete(c.events, eventID)
		}
	}
}
