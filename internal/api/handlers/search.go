package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/desnarong/thepixstock-api/internal/faceindex"
	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/search"
	"github.com/desnarong/thepixstock-api/pkg/dto"
)

type SearchHandler struct {
	search *search.Service
}

func NewSearchHandler(svc *search.Service) *SearchHandler {
	return &SearchHandler{search: svc}
}

// ByImage searches an event with an uploaded selfie. The highest-quality
// face in the image is the probe. Runs synchronously within the search
// budget; no job is enqueued.
func (h *SearchHandler) ByImage(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	file, _, err := c.Request.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing photo file"})
		return
	}
	defer file.Close()

	imageBytes, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read photo: " + err.Error()})
		return
	}

	topN, _ := strconv.Atoi(c.PostForm("top_n"))

	matches, err := h.search.SearchByImage(c.Request.Context(), eventID, imageBytes, topN)
	if err != nil {
		h.writeSearchError(c, err)
		return
	}

	c.JSON(http.StatusOK, searchResponse(eventID, matches))
}

// ByVector searches with a pre-extracted embedding. Used by trusted
// internal callers that run their own extraction.
func (h *SearchHandler) ByVector(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	var req dto.VectorSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// An omitted quality means the caller already vetted the probe.
	if req.Quality == 0 {
		req.Quality = 1
	}

	matches, err := h.search.Search(c.Request.Context(), eventID, req.Vector, req.Quality, req.TopN)
	if err != nil {
		h.writeSearchError(c, err)
		return
	}

	c.JSON(http.StatusOK, searchResponse(eventID, matches))
}

func (h *SearchHandler) writeSearchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrLowQualityQuery):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrSearchTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrIndexRetired):
		c.JSON(http.StatusGone, gin.H{"error": "event is closed for search"})
	case errors.Is(err, models.ErrUnsupportedImageFormat):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrDimensionMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func searchResponse(eventID uuid.UUID, matches []faceindex.Match) dto.SearchResponse {
	resp := make([]dto.MatchResponse, 0, len(matches))
	for _, m := range matches {
		resp = append(resp, dto.MatchResponse{
			FaceID:     m.FaceID,
			PhotoID:    m.PhotoID,
			Distance:   m.Distance,
			Similarity: m.Similarity,
		})
	}
	return dto.SearchResponse{EventID: eventID, Matches: resp, Total: len(resp)}
}
