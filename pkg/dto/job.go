package dto

import "github.com/google/uuid"

type SubmitPhotoRequest struct {
	PhotoID  string `json:"photo_id" binding:"required"`
	Priority string `json:"priority" binding:"omitempty,oneof=high medium low"`
}

type JobResponse struct {
	ID           uuid.UUID `json:"id"`
	PhotoID      string    `json:"photo_id"`
	EventID      uuid.UUID `json:"event_id"`
	Priority     string    `json:"priority"`
	Status       string    `json:"status"`
	Stage        string    `json:"stage,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	FacesIndexed int       `json:"faces_indexed"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    string    `json:"created_at"`
	UpdatedAt    string    `json:"updated_at"`
}

type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int           `json:"total"`
}

type EventStatsResponse struct {
	EventID      uuid.UUID      `json:"event_id"`
	Jobs         map[string]int `json:"jobs"`
	FacesIndexed int            `json:"faces_indexed"`
	OldestQueued string         `json:"oldest_queued,omitempty"`
	IndexedFaces int            `json:"indexed_faces_live"`
}

// JobEvent is a WebSocket message for real-time job delivery.
type JobEvent struct {
	Type         string    `json:"type"` // job_succeeded, job_failed, job_dead_lettered
	EventID      uuid.UUID `json:"event_id"`
	JobID        uuid.UUID `json:"job_id"`
	PhotoID      string    `json:"photo_id"`
	Status       string    `json:"status"`
	Outcome      string    `json:"outcome,omitempty"`
	FacesIndexed int       `json:"faces_indexed"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   string    `json:"finished_at"`
}
