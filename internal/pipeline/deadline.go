package pipeline

import (
	"context"
	"time"
)

type softDeadlineKey struct{}

// WithSoftDeadline attaches the wind-down point to a job context. The hard
// budget is the context's real deadline; the soft one asks the pipeline to
// stop starting new per-face work and hand the job back for a retry.
func WithSoftDeadline(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, softDeadlineKey{}, t)
}

// SoftExpired reports whether the job passed its soft budget.
func SoftExpired(ctx context.Context) bool {
	t, ok := ctx.Value(softDeadlineKey{}).(time.Time)
	return ok && time.Now().After(t)
}
