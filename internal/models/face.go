package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BoundingBox is a face region in pixel coordinates.
type BoundingBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// FaceEmbedding is one detected face. Immutable after insertion;
// corrections are insert-new plus mark-old-superseded, never edits.
type FaceEmbedding struct {
	FaceID    uuid.UUID   `json:"face_id" db:"id"`
	PhotoID   string      `json:"photo_id" db:"photo_id"`
	EventID   uuid.UUID   `json:"event_id" db:"event_id"`
	Vector    []float32   `json:"vector" db:"embedding"`
	Box       BoundingBox `json:"box" db:"box"`
	Quality   float32     `json:"quality" db:"quality"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// faceNamespace seeds deterministic face IDs so that re-processing a photo
// produces the same IDs and inserts stay idempotent.
var faceNamespace = uuid.MustParse("8b7f3a52-9c1d-4e6a-b0f4-2d5c8a91e7c3")

// DeterministicFaceID derives the face ID for the ordinal-th face detected
// in a photo. The same photo always yields the same IDs.
func DeterministicFaceID(eventID uuid.UUID, photoID string, ordinal int) uuid.UUID {
	return uuid.NewSHA1(faceNamespace, []byte(fmt.Sprintf("%s/%s/%d", eventID, photoID, ordinal)))
}
