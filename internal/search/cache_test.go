package search

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/desnarong/thepixstock-api/internal/faceindex"
)

func TestCacheHitAndExpiry(t *testing.T) {
	now := time.Now()
	c := NewCache(time.Hour)
	c.now = func() time.Time { return now }

	eventID := uuid.New()
	key := Key([]float32{1, 0}, 0.6, 20)
	matches := []faceindex.Match{{PhotoID: "p1", Distance: 0.2, Similarity: 0.8}}

	_, ok := c.Get(eventID, key)
	assert.False(t, ok, "cold cache")

	c.Put(eventID, key, matches)
	got, ok := c.Get(eventID, key)
	assert.True(t, ok)
	assert.Equal(t, matches, got)

	now = now.Add(time.Hour + time.Second)
	_, ok = c.Get(eventID, key)
	assert.False(t, ok, "expired entry")
}

func TestCacheInvalidateEvent(t *testing.T) {
	c := NewCache(time.Hour)
	eventA := uuid.New()
	eventB := uuid.New()
	key := Key([]float32{1, 0}, 0.6, 20)

	c.Put(eventA, key, []faceindex.Match{{PhotoID: "a"}})
	c.Put(eventB, key, []faceindex.Match{{PhotoID: "b"}})

	c.InvalidateEvent(eventA)

	_, ok := c.Get(eventA, key)
	assert.False(t, ok, "invalidated event")
	_, ok = c.Get(eventB, key)
	assert.True(t, ok, "other events keep their entries")
}

func TestCacheKeyIdentity(t *testing.T) {
	v := []float32{0.1, 0.2, 0.3}

	assert.Equal(t, Key(v, 0.6, 20), Key(v, 0.6, 20), "same query, same key")
	assert.NotEqual(t, Key(v, 0.6, 20), Key(v, 0.5, 20), "threshold is part of the identity")
	assert.NotEqual(t, Key(v, 0.6, 20), Key(v, 0.6, 10), "top-n is part of the identity")
	assert.NotEqual(t, Key(v, 0.6, 20), Key([]float32{0.1, 0.2, 0.4}, 0.6, 20))
}

func TestCacheSweep(t *testing.T) {
	now := time.Now()
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }

	eventID := uuid.New()
	c.Put(eventID, 1, []faceindex.Match{{PhotoID: "p1"}})

	now = now.Add(2 * time.Minute)
	c.Put(eventID, 2, []faceindex.Match{{PhotoID: "p2"}})

	c.Sweep()

	_, ok := c.Get(eventID, 1)
	assert.False(t, ok)
	_, ok = c.Get(eventID, 2)
	assert.True(t, ok)
}
