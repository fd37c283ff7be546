package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/queue"
	"github.com/desnarong/thepixstock-api/internal/storage"
	"github.com/desnarong/thepixstock-api/pkg/dto"
)

type PhotoHandler struct {
	db          *storage.PostgresStore
	minio       *storage.MinIOStore
	producer    *queue.Producer
	maxAttempts int
}

func NewPhotoHandler(db *storage.PostgresStore, minio *storage.MinIOStore, producer *queue.Producer, maxAttempts int) *PhotoHandler {
	return &PhotoHandler{db: db, minio: minio, producer: producer, maxAttempts: maxAttempts}
}

// Submit enqueues a processing job for an already-uploaded photo. The photo
// reference is validated against object storage before anything is queued.
func (h *PhotoHandler) Submit(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	var req dto.SubmitPhotoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.minio.StatPhoto(c.Request.Context(), eventID, req.PhotoID); err != nil {
		if errors.Is(err, models.ErrInvalidPhotoReference) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "photo not found in object store"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	job := &models.ProcessingJob{
		ID:          uuid.New(),
		PhotoID:     req.PhotoID,
		EventID:     eventID,
		Priority:    models.ParsePriority(req.Priority),
		Status:      models.JobStatusQueued,
		MaxAttempts: h.maxAttempts,
	}
	if err := h.db.CreateJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := h.producer.PublishJob(c.Request.Context(), models.JobMessage{
		JobID:    job.ID,
		PhotoID:  job.PhotoID,
		EventID:  job.EventID,
		Priority: job.Priority,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, jobToResponse(job))
}

func jobToResponse(job *models.ProcessingJob) dto.JobResponse {
	return dto.JobResponse{
		ID:           job.ID,
		PhotoID:      job.PhotoID,
		EventID:      job.EventID,
		Priority:     string(job.Priority),
		Status:       string(job.Status),
		Stage:        string(job.Stage),
		Outcome:      string(job.Outcome),
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		FacesIndexed: job.FacesIndexed,
		LastError:    job.LastError,
		CreatedAt:    job.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt:    job.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
}
