package models

import (
	"time"

	"github.com/google/uuid"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority maps a request string to a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusRunning      JobStatus = "running"
	JobStatusSucceeded    JobStatus = "succeeded"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDeadLettered JobStatus = "dead_lettered"
)

// Terminal reports whether a job in this status may never change again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusDeadLettered
}

// Stage is the last pipeline stage committed for a photo. Retries resume
// from the stage after it instead of restarting from scratch.
type Stage string

const (
	StageNone      Stage = ""
	StageFetched   Stage = "fetched"
	StageExtracted Stage = "extracted"
	StageIndexed   Stage = "indexed"
)

type Outcome string

const (
	OutcomeIndexed Outcome = "indexed"
	// OutcomeNoFaces marks a successful job whose photo contained no
	// recognizable face. Not an error.
	OutcomeNoFaces Outcome = "no_faces"
)

// ProcessingJob is one unit of pipeline work for a single photo.
// While running it is owned exclusively by one worker.
type ProcessingJob struct {
	ID           uuid.UUID `json:"id" db:"id"`
	PhotoID      string    `json:"photo_id" db:"photo_id"`
	EventID      uuid.UUID `json:"event_id" db:"event_id"`
	Priority     Priority  `json:"priority" db:"priority"`
	Status       JobStatus `json:"status" db:"status"`
	Stage        Stage     `json:"stage" db:"stage"`
	Outcome      Outcome   `json:"outcome,omitempty" db:"outcome"`
	AttemptCount int       `json:"attempt_count" db:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts" db:"max_attempts"`
	FacesIndexed int       `json:"faces_indexed" db:"faces_indexed"`
	LastError    string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
