// Package pipeline sequences the per-photo processing stages:
// fetch image bytes, extract face embeddings, commit them durably,
// report completion.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/desnarong/thepixstock-api/internal/extract"
	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/observability"
)

// ObjectStore fetches photo bytes from the external storage collaborator.
type ObjectStore interface {
	GetPhoto(ctx context.Context, eventID uuid.UUID, photoID string) ([]byte, error)
}

// FaceStore commits embeddings durably and tracks per-photo pipeline
// progress for resumption.
type FaceStore interface {
	// UpsertFaceEmbedding stores an embedding; inserting an existing face
	// ID is a no-op. Returns whether a row was actually inserted.
	UpsertFaceEmbedding(ctx context.Context, emb models.FaceEmbedding) (bool, error)
	ListPhotoEmbeddings(ctx context.Context, eventID uuid.UUID, photoID string) ([]models.FaceEmbedding, error)
	UpdateJobStage(ctx context.Context, jobID uuid.UUID, stage models.Stage) error
}

// Result is what one pipeline run committed.
type Result struct {
	Outcome models.Outcome
	Faces   []models.FaceEmbedding
}

// Coordinator wires the pipeline stages for the worker.
type Coordinator struct {
	photos    ObjectStore
	extractor extract.Extractor
	faces     FaceStore
}

func NewCoordinator(photos ObjectStore, extractor extract.Extractor, faces FaceStore) *Coordinator {
	return &Coordinator{photos: photos, extractor: extractor, faces: faces}
}

// Process runs one job to completion. Re-running a job is idempotent: face
// IDs are deterministic per (photo, ordinal), commits are upserts, and a
// job whose extraction stage already committed resumes from the stored
// embeddings instead of re-extracting.
//
// A photo with zero detected faces succeeds with OutcomeNoFaces.
func (c *Coordinator) Process(ctx context.Context, job *models.ProcessingJob) (*Result, error) {
	// Resume: everything after extraction is already durable.
	if job.Stage == models.StageExtracted || job.Stage == models.StageIndexed {
		faces, err := c.faces.ListPhotoEmbeddings(ctx, job.EventID, job.PhotoID)
		if err != nil {
			return nil, fmt.Errorf("resume job %s: %w", job.ID, err)
		}
		slog.Info("resuming job from committed stage",
			"job_id", job.ID, "stage", job.Stage, "faces", len(faces))
		return c.commit(ctx, job, faces)
	}

	start := time.Now()
	imageBytes, err := c.photos.GetPhoto(ctx, job.EventID, job.PhotoID)
	if err != nil {
		return nil, fmt.Errorf("fetch photo %s: %w", job.PhotoID, err)
	}
	observability.PipelineStageDuration.WithLabelValues("fetch").Observe(time.Since(start).Seconds())

	detected, err := c.extractor.DetectAndEncode(ctx, imageBytes)
	if err != nil {
		return nil, fmt.Errorf("extract photo %s: %w", job.PhotoID, err)
	}

	if len(detected) == 0 {
		if err := c.faces.UpdateJobStage(ctx, job.ID, models.StageIndexed); err != nil {
			return nil, fmt.Errorf("commit stage: %w", err)
		}
		slog.Info("no faces in photo", "job_id", job.ID, "photo_id", job.PhotoID)
		return &Result{Outcome: models.OutcomeNoFaces}, nil
	}

	// Every detected face is indexed independently; a photo can match
	// multiple distinct searchers.
	now := time.Now().UTC()
	faces := make([]models.FaceEmbedding, 0, len(detected))
	for i, f := range detected {
		faces = append(faces, models.FaceEmbedding{
			FaceID:    models.DeterministicFaceID(job.EventID, job.PhotoID, i),
			PhotoID:   job.PhotoID,
			EventID:   job.EventID,
			Vector:    f.Vector,
			Box:       f.Box,
			Quality:   f.Quality,
			CreatedAt: now,
		})
	}

	return c.commit(ctx, job, faces)
}

// commit upserts every embedding and advances the job stage. Between faces
// it honors the soft budget: committed faces stay committed, the remainder
// is handed back as a retryable failure and the retry resumes.
func (c *Coordinator) commit(ctx context.Context, job *models.ProcessingJob, faces []models.FaceEmbedding) (*Result, error) {
	start := time.Now()
	for i, emb := range faces {
		if SoftExpired(ctx) {
			return nil, &models.RetryableError{
				Err: fmt.Errorf("soft budget expired after %d/%d faces of photo %s",
					i, len(faces), job.PhotoID),
			}
		}
		inserted, err := c.faces.UpsertFaceEmbedding(ctx, emb)
		if err != nil {
			return nil, fmt.Errorf("commit face %s: %w", emb.FaceID, err)
		}
		if inserted {
			observability.FacesIndexed.WithLabelValues(job.EventID.String()).Inc()
		}
	}
	observability.PipelineStageDuration.WithLabelValues("commit").Observe(time.Since(start).Seconds())

	if job.Stage != models.StageExtracted && job.Stage != models.StageIndexed {
		if err := c.faces.UpdateJobStage(ctx, job.ID, models.StageExtracted); err != nil {
			return nil, fmt.Errorf("commit stage: %w", err)
		}
	}
	if err := c.faces.UpdateJobStage(ctx, job.ID, models.StageIndexed); err != nil {
		return nil, fmt.Errorf("commit stage: %w", err)
	}

	return &Result{Outcome: models.OutcomeIndexed, Faces: faces}, nil
}
