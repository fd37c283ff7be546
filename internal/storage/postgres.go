package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/desnarong/thepixstock-api/internal/config"
	"github.com/desnarong/thepixstock-api/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables and the pgvector extension if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
			id            UUID PRIMARY KEY,
			photo_id      TEXT NOT NULL,
			event_id      UUID NOT NULL,
			priority      TEXT NOT NULL,
			status        TEXT NOT NULL,
			stage         TEXT NOT NULL DEFAULT '',
			outcome       TEXT NOT NULL DEFAULT '',
			attempt_count INT NOT NULL DEFAULT 0,
			max_attempts  INT NOT NULL DEFAULT 3,
			faces_indexed INT NOT NULL DEFAULT 0,
			last_error    TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS processing_jobs_event_idx ON processing_jobs (event_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS processing_jobs_status_idx ON processing_jobs (status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS face_embeddings (
			id         UUID PRIMARY KEY,
			photo_id   TEXT NOT NULL,
			event_id   UUID NOT NULL,
			embedding  vector(%d) NOT NULL,
			box_x1     REAL NOT NULL,
			box_y1     REAL NOT NULL,
			box_x2     REAL NOT NULL,
			box_y2     REAL NOT NULL,
			quality    REAL NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dim),
		`CREATE INDEX IF NOT EXISTS face_embeddings_event_idx ON face_embeddings (event_id, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS face_embeddings_photo_idx ON face_embeddings (event_id, photo_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO processing_jobs (id, photo_id, event_id, priority, status, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at`,
		job.ID, job.PhotoID, job.EventID, job.Priority, job.Status, job.MaxAttempts,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ProcessingJob, error) {
	job := &models.ProcessingJob{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, photo_id, event_id, priority, status, stage, outcome, attempt_count, max_attempts, faces_indexed, last_error, created_at, updated_at
		 FROM processing_jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.PhotoID, &job.EventID, &job.Priority, &job.Status, &job.Stage,
		&job.Outcome, &job.AttemptCount, &job.MaxAttempts, &job.FacesIndexed,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListEventJobs(ctx context.Context, eventID uuid.UUID, status models.JobStatus, limit int) ([]models.ProcessingJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, photo_id, event_id, priority, status, stage, outcome, attempt_count, max_attempts, faces_indexed, last_error, created_at, updated_at
		 FROM processing_jobs WHERE event_id = $1`
	args := []interface{}{eventID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ProcessingJob
	for rows.Next() {
		var job models.ProcessingJob
		if err := rows.Scan(&job.ID, &job.PhotoID, &job.EventID, &job.Priority, &job.Status,
			&job.Stage, &job.Outcome, &job.AttemptCount, &job.MaxAttempts, &job.FacesIndexed,
			&job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// transitionJob updates a non-terminal row. Terminal rows are immutable, so
// a redelivered job that already finished is rejected with ErrJobTerminal.
func (s *PostgresStore) transitionJob(ctx context.Context, id uuid.UUID, set string, args ...interface{}) error {
	query := fmt.Sprintf(
		`UPDATE processing_jobs SET %s, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'dead_lettered')`, set)
	tag, err := s.pool.Exec(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM processing_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if !exists {
			return models.ErrJobNotFound
		}
		return models.ErrJobTerminal
	}
	return nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return s.transitionJob(ctx, id, `status = 'running'`)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id uuid.UUID, attemptCount int, lastError string) error {
	return s.transitionJob(ctx, id, `status = 'queued', attempt_count = $2, last_error = $3`,
		attemptCount, lastError)
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, id uuid.UUID, outcome models.Outcome, facesIndexed int) error {
	return s.transitionJob(ctx, id, `status = 'succeeded', outcome = $2, faces_indexed = $3, last_error = ''`,
		outcome, facesIndexed)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.transitionJob(ctx, id, `status = 'failed', last_error = $2`, lastError)
}

func (s *PostgresStore) MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.transitionJob(ctx, id, `status = 'dead_lettered', last_error = $2`, lastError)
}

func (s *PostgresStore) UpdateJobStage(ctx context.Context, id uuid.UUID, stage models.Stage) error {
	return s.transitionJob(ctx, id, `stage = $2`, stage)
}

// --- Face embeddings ---

// UpsertFaceEmbedding stores one embedding. Face IDs are deterministic, so
// a retried commit of the same face is a no-op. Returns whether a row was
// actually inserted.
func (s *PostgresStore) UpsertFaceEmbedding(ctx context.Context, emb models.FaceEmbedding) (bool, error) {
	vec := pgvector.NewVector(emb.Vector)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO face_embeddings (id, photo_id, event_id, embedding, box_x1, box_y1, box_x2, box_y2, quality, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		emb.FaceID, emb.PhotoID, emb.EventID, vec,
		emb.Box.X1, emb.Box.Y1, emb.Box.X2, emb.Box.Y2,
		emb.Quality, emb.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert face embedding: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListEventEmbeddings returns every embedding of an event ordered by upload
// time ascending. The in-memory index is warmed from this order so its
// arena positions reflect insertion order.
func (s *PostgresStore) ListEventEmbeddings(ctx context.Context, eventID uuid.UUID) ([]models.FaceEmbedding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, photo_id, event_id, embedding, box_x1, box_y1, box_x2, box_y2, quality, created_at
		 FROM face_embeddings WHERE event_id = $1 ORDER BY created_at ASC, id ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list event embeddings: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

func (s *PostgresStore) ListPhotoEmbeddings(ctx context.Context, eventID uuid.UUID, photoID string) ([]models.FaceEmbedding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, photo_id, event_id, embedding, box_x1, box_y1, box_x2, box_y2, quality, created_at
		 FROM face_embeddings WHERE event_id = $1 AND photo_id = $2 ORDER BY created_at ASC, id ASC`,
		eventID, photoID)
	if err != nil {
		return nil, fmt.Errorf("list photo embeddings: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

func scanEmbeddings(rows pgx.Rows) ([]models.FaceEmbedding, error) {
	var embs []models.FaceEmbedding
	for rows.Next() {
		var emb models.FaceEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&emb.FaceID, &emb.PhotoID, &emb.EventID, &vec,
			&emb.Box.X1, &emb.Box.Y1, &emb.Box.X2, &emb.Box.Y2,
			&emb.Quality, &emb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan face embedding: %w", err)
		}
		emb.Vector = vec.Slice()
		embs = append(embs, emb)
	}
	return embs, rows.Err()
}

// SearchEventFaces runs an event-scoped cosine search in Postgres. The live
// in-memory index is the primary search path; this is the durable fallback
// for operational queries and reconciliation.
func (s *PostgresStore) SearchEventFaces(ctx context.Context, eventID uuid.UUID, embedding []float32, maxDistance float64, limit int) ([]models.FaceEmbedding, error) {
	if limit <= 0 {
		limit = 20
	}
	vec := pgvector.NewVector(embedding)

	rows, err := s.pool.Query(ctx,
		`SELECT id, photo_id, event_id, embedding, box_x1, box_y1, box_x2, box_y2, quality, created_at
		 FROM face_embeddings
		 WHERE event_id = $1 AND embedding <=> $2 <= $3
		 ORDER BY embedding <=> $2, created_at DESC, id
		 LIMIT $4`,
		eventID, vec, maxDistance, limit)
	if err != nil {
		return nil, fmt.Errorf("search event faces: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

// EventStats summarizes pipeline progress for one event.
type EventStats struct {
	Jobs         map[models.JobStatus]int `json:"jobs"`
	FacesIndexed int                      `json:"faces_indexed"`
	OldestQueued *time.Time               `json:"oldest_queued,omitempty"`
}

func (s *PostgresStore) GetEventStats(ctx context.Context, eventID uuid.UUID) (*EventStats, error) {
	stats := &EventStats{Jobs: make(map[models.JobStatus]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM processing_jobs WHERE event_id = $1 GROUP BY status`, eventID)
	if err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan event stats: %w", err)
		}
		stats.Jobs[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM face_embeddings WHERE event_id = $1`, eventID,
	).Scan(&stats.FacesIndexed); err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}

	var oldest *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT MIN(created_at) FROM processing_jobs WHERE event_id = $1 AND status = 'queued'`,
		eventID).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("event stats: %w", err)
	}
	stats.OldestQueued = oldest

	return stats, nil
}
