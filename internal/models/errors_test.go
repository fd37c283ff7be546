package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"dimension mismatch", ErrDimensionMismatch, ClassStructural},
		{"index retired", ErrIndexRetired, ClassStructural},
		{"low quality query", ErrLowQualityQuery, ClassCapacity},
		{"search timeout", ErrSearchTimeout, ClassCapacity},
		{"unsupported format", ErrUnsupportedImageFormat, ClassPermanentInput},
		{"object not found", ErrObjectNotFound, ClassPermanentInput},
		{"extraction timeout", ErrExtractionTimeout, ClassTransient},
		{"explicit retryable", &RetryableError{Err: errors.New("io")}, ClassTransient},
		{"unknown error", errors.New("connection reset"), ClassTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyWrapped(t *testing.T) {
	wrapped := fmt.Errorf("fetch photo p1: %w", ErrObjectNotFound)
	assert.Equal(t, ClassPermanentInput, Classify(wrapped))

	doubly := fmt.Errorf("attempt 2: %w", &RetryableError{Err: errors.New("flake")})
	assert.Equal(t, ClassTransient, Classify(doubly))
}

func TestRetryableErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &RetryableError{Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.True(t, JobStatusSucceeded.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusDeadLettered.Terminal())
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityMedium, ParsePriority(""), "default")
	assert.Equal(t, PriorityMedium, ParsePriority("urgent"), "unknown falls back")
}

func TestDeterministicFaceID(t *testing.T) {
	eventID := uuid.MustParse("4f9c2e10-0000-4000-8000-000000000001")
	other := uuid.MustParse("4f9c2e10-0000-4000-8000-000000000002")

	a := DeterministicFaceID(eventID, "photo-1", 0)
	b := DeterministicFaceID(eventID, "photo-1", 0)
	assert.Equal(t, a, b, "same inputs, same ID")

	assert.NotEqual(t, a, DeterministicFaceID(eventID, "photo-1", 1))
	assert.NotEqual(t, a, DeterministicFaceID(eventID, "photo-2", 0))
	assert.NotEqual(t, a, DeterministicFaceID(other, "photo-1", 0))
}
