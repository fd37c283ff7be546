package dto

import "github.com/google/uuid"

// VectorSearchRequest searches with a pre-extracted embedding.
type VectorSearchRequest struct {
	Vector  []float32 `json:"vector" binding:"required"`
	Quality float64   `json:"quality"`
	TopN    int       `json:"top_n"`
}

type MatchResponse struct {
	FaceID     uuid.UUID `json:"face_id"`
	PhotoID    string    `json:"photo_id"`
	Distance   float64   `json:"distance"`
	Similarity float64   `json:"similarity"`
}

type SearchResponse struct {
	EventID uuid.UUID       `json:"event_id"`
	Matches []MatchResponse `json:"matches"`
	Total   int             `json:"total"`
}

type ThresholdRequest struct {
	MaxDistance float64 `json:"max_distance" binding:"required,gt=0,lte=2"`
}
