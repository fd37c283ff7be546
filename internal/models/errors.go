package models

import "errors"

var (
	// ErrInvalidPhotoReference means the photo did not exist in the object
	// store at enqueue time.
	ErrInvalidPhotoReference = errors.New("photo not found in object store")

	// ErrObjectNotFound means a photo disappeared between enqueue and fetch.
	ErrObjectNotFound = errors.New("object not found")

	// ErrUnsupportedImageFormat means the photo bytes cannot be decoded.
	ErrUnsupportedImageFormat = errors.New("unsupported image format")

	// ErrExtractionTimeout means the embedding extractor exceeded its budget.
	ErrExtractionTimeout = errors.New("embedding extraction timed out")

	// ErrLowQualityQuery rejects a search whose probe face is too blurry or
	// small to produce trustworthy matches.
	ErrLowQualityQuery = errors.New("query face quality below minimum")

	// ErrSearchTimeout means the synchronous search budget was exceeded.
	ErrSearchTimeout = errors.New("search timed out")

	// ErrDimensionMismatch means index and query vector dimensionality
	// differ. This is a contract violation, never a runtime fallback.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrIndexRetired means the event index was closed for the event's
	// sales window and accepts no further inserts or queries.
	ErrIndexRetired = errors.New("event index retired")

	ErrJobNotFound   = errors.New("job not found")
	ErrJobTerminal   = errors.New("job already in a terminal state")
	ErrEventMismatch = errors.New("embedding belongs to a different event")
)

// ErrorClass partitions failures by how the orchestrator must react.
type ErrorClass int

const (
	// ClassTransient failures are retried with backoff (storage I/O,
	// extractor timeouts).
	ClassTransient ErrorClass = iota
	// ClassPermanentInput failures terminate the job without retry, since
	// retrying cannot change the outcome.
	ClassPermanentInput
	// ClassCapacity failures are surfaced to the caller immediately and
	// never retried transparently.
	ClassCapacity
	// ClassStructural failures are contract violations. They are alerted
	// and not recoverable at runtime.
	ClassStructural
)

// RetryableError marks an error as explicitly transient regardless of its
// underlying cause.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Classify places an error in the taxonomy. Unknown errors default to
// transient: the common unknowns are storage and network I/O.
func Classify(err error) ErrorClass {
	var retryable *RetryableError
	switch {
	case errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrIndexRetired):
		return ClassStructural
	case errors.Is(err, ErrLowQualityQuery), errors.Is(err, ErrSearchTimeout):
		return ClassCapacity
	case errors.Is(err, ErrUnsupportedImageFormat), errors.Is(err, ErrObjectNotFound):
		return ClassPermanentInput
	case errors.Is(err, ErrExtractionTimeout):
		return ClassTransient
	case errors.As(err, &retryable):
		return ClassTransient
	default:
		return ClassTransient
	}
}
