package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/storage"
	"github.com/desnarong/thepixstock-api/pkg/dto"
)

type JobHandler struct {
	db *storage.PostgresStore
}

func NewJobHandler(db *storage.PostgresStore) *JobHandler {
	return &JobHandler{db: db}
}

func (h *JobHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := h.db.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

// ListByEvent lists an event's jobs, optionally filtered by status.
// Dead-lettered jobs are inspected through this with ?status=dead_lettered.
func (h *JobHandler) ListByEvent(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	var status models.JobStatus
	if s := c.Query("status"); s != "" {
		status = models.JobStatus(s)
		switch status {
		case models.JobStatusQueued, models.JobStatusRunning, models.JobStatusSucceeded,
			models.JobStatusFailed, models.JobStatusDeadLettered:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
			return
		}
	}

	limit, _ := strconv.Atoi(c.Query("limit"))

	jobs, err := h.db.ListEventJobs(c.Request.Context(), eventID, status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]dto.JobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, jobToResponse(&jobs[i]))
	}

	c.JSON(http.StatusOK, dto.JobListResponse{Jobs: resp, Total: len(resp)})
}
