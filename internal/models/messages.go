package models

import (
	"time"

	"github.com/google/uuid"
)

// JobMessage is published to NATS when a photo is submitted for processing.
type JobMessage struct {
	JobID    uuid.UUID `json:"job_id"`
	PhotoID  string    `json:"photo_id"`
	EventID  uuid.UUID `json:"event_id"`
	Priority Priority  `json:"priority"`
}

// JobCompletion is published when a job reaches a terminal state. The API
// service consumes it to feed the live index and the completion callbacks.
// Faces carries the embeddings committed by this run so the searching
// process can insert them without a round trip to Postgres.
type JobCompletion struct {
	JobID        uuid.UUID       `json:"job_id"`
	PhotoID      string          `json:"photo_id"`
	EventID      uuid.UUID       `json:"event_id"`
	Status       JobStatus       `json:"status"`
	Outcome      Outcome         `json:"outcome,omitempty"`
	FacesIndexed int             `json:"faces_indexed"`
	Faces        []FaceEmbedding `json:"faces,omitempty"`
	Error        string          `json:"error,omitempty"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// AlertEvent is published for the external alerting collaborator.
// Dead-lettered jobs and structural errors always produce one.
type AlertEvent struct {
	Kind      string    `json:"kind"`
	JobID     uuid.UUID `json:"job_id,omitempty"`
	EventID   uuid.UUID `json:"event_id,omitempty"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	AlertJobDeadLettered = "job_dead_lettered"
	AlertStructuralError = "structural_error"
)
