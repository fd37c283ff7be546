package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/desnarong/thepixstock-api/internal/faceindex"
	"github.com/desnarong/thepixstock-api/internal/search"
	"github.com/desnarong/thepixstock-api/internal/storage"
	"github.com/desnarong/thepixstock-api/pkg/dto"
)

type EventHandler struct {
	db      *storage.PostgresStore
	indexes *faceindex.Manager
	cache   *search.Cache
	search  *search.Service
}

func NewEventHandler(db *storage.PostgresStore, indexes *faceindex.Manager, cache *search.Cache, svc *search.Service) *EventHandler {
	return &EventHandler{db: db, indexes: indexes, cache: cache, search: svc}
}

// Stats summarizes pipeline progress for one event: job counts per status,
// faces committed, and the live index size.
func (h *EventHandler) Stats(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	stats, err := h.db.GetEventStats(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := dto.EventStatsResponse{
		EventID:      eventID,
		Jobs:         make(map[string]int, len(stats.Jobs)),
		FacesIndexed: stats.FacesIndexed,
		IndexedFaces: h.indexes.Len(eventID),
	}
	for status, count := range stats.Jobs {
		resp.Jobs[string(status)] = count
	}
	if stats.OldestQueued != nil {
		resp.OldestQueued = stats.OldestQueued.Format("2006-01-02T15:04:05Z")
	}

	c.JSON(http.StatusOK, resp)
}

// Close retires the event's index at the end of its sales window. The
// index and its cached results are released; durable embeddings stay in
// Postgres. Retirement is permanent.
func (h *EventHandler) Close(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	h.indexes.Retire(eventID)
	h.cache.InvalidateEvent(eventID)

	c.JSON(http.StatusOK, gin.H{"event_id": eventID, "status": "retired"})
}

// SetThreshold overrides the match distance threshold for one event.
// Cached results computed under the old threshold are invalidated.
func (h *EventHandler) SetThreshold(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	var req dto.ThresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.search.SetEventThreshold(eventID, req.MaxDistance)
	h.cache.InvalidateEvent(eventID)

	c.JSON(http.StatusOK, gin.H{"event_id": eventID, "max_distance": req.MaxDistance})
}
