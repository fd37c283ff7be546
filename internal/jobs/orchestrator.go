// Package jobs contains the processing-job orchestrator: three priority
// lanes drained by a bounded worker pool, with an injected backoff/retry
// policy, per-job execution budgets and dead-lettering. It holds no global
// scheduler state; transport (NATS) and persistence (Postgres) are
// injected behind small interfaces.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/observability"
	"github.com/desnarong/thepixstock-api/internal/pipeline"
)

// Task is one dispatchable job delivery. Ack removes it from the transport;
// NakDelay schedules a redelivery after the given wait.
type Task struct {
	JobID    uuid.UUID
	Priority models.Priority
	Ack      func() error
	NakDelay func(delay time.Duration) error
}

// Store persists job state transitions. The worker holding a running job
// is its exclusive owner; terminal states are immutable.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.ProcessingJob, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, outcome models.Outcome, facesIndexed int) error
	// MarkFailed records a terminal, non-retryable failure.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	// MarkRetry returns the job to queued with an incremented attempt count.
	MarkRetry(ctx context.Context, id uuid.UUID, attemptCount int, lastError string) error
	MarkDeadLettered(ctx context.Context, id uuid.UUID, lastError string) error
}

// Notifier delivers terminal-state callbacks and alerts to external
// collaborators.
type Notifier interface {
	JobCompleted(ctx context.Context, completion models.JobCompletion) error
	Alert(ctx context.Context, alert models.AlertEvent) error
}

// Runner executes the pipeline for one job.
type Runner interface {
	Process(ctx context.Context, job *models.ProcessingJob) (*pipeline.Result, error)
}

type Config struct {
	// Workers bounds in-flight jobs per priority class.
	Workers struct{ High, Medium, Low int }
	// ReservedSlotEvery reserves one dispatch slot in N for medium/low
	// regardless of high-lane backlog.
	ReservedSlotEvery int
	MaxAttempts       int
	Backoff           Backoff
	SoftBudget        time.Duration
	HardBudget        time.Duration
	LaneBuffer        int
}

type Orchestrator struct {
	cfg      Config
	store    Store
	runner   Runner
	notifier Notifier

	lanes    map[models.Priority]chan Task
	inflight map[models.Priority]chan struct{}
	slot     atomic.Uint64
}

func NewOrchestrator(cfg Config, store Store, runner Runner, notifier Notifier) *Orchestrator {
	if cfg.ReservedSlotEvery <= 0 {
		cfg.ReservedSlotEvery = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 64
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		notifier: notifier,
		lanes:    make(map[models.Priority]chan Task),
		inflight: make(map[models.Priority]chan struct{}),
	}
	for p, n := range map[models.Priority]int{
		models.PriorityHigh:   cfg.Workers.High,
		models.PriorityMedium: cfg.Workers.Medium,
		models.PriorityLow:    cfg.Workers.Low,
	} {
		if n <= 0 {
			n = 1
		}
		o.lanes[p] = make(chan Task, cfg.LaneBuffer)
		o.inflight[p] = make(chan struct{}, n)
	}
	return o
}

// Submit routes a delivery to its priority lane. Blocks when the lane
// buffer is full, which applies backpressure to the transport fetch loop.
func (o *Orchestrator) Submit(ctx context.Context, task Task) error {
	lane, ok := o.lanes[task.Priority]
	if !ok {
		lane = o.lanes[models.PriorityMedium]
	}
	select {
	case lane <- task:
		observability.QueueDepth.WithLabelValues(string(task.Priority)).Set(float64(len(lane)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	total := o.cfg.Workers.High + o.cfg.Workers.Medium + o.cfg.Workers.Low
	if total <= 0 {
		total = 4
	}
	slog.Info("orchestrator started",
		"workers_high", o.cfg.Workers.High,
		"workers_medium", o.cfg.Workers.Medium,
		"workers_low", o.cfg.Workers.Low,
		"reserved_slot_every", o.cfg.ReservedSlotEvery,
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < total; i++ {
		g.Go(func() error {
			o.workerLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

// workerLoop pulls the next dispatchable task and executes it.
func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		task, ok := o.next(ctx)
		if !ok {
			return
		}
		o.execute(ctx, task)
		<-o.inflight[task.Priority]
	}
}

// next picks a task honoring the dispatch policy: high before medium
// before low, except on reserved slots where medium/low are offered
// first so bulk batches keep making progress under high backlog. A class
// at its in-flight cap is skipped.
func (o *Orchestrator) next(ctx context.Context) (Task, bool) {
	for {
		order := []models.Priority{models.PriorityHigh, models.PriorityMedium, models.PriorityLow}
		if o.slot.Add(1)%uint64(o.cfg.ReservedSlotEvery) == 0 {
			order = []models.Priority{models.PriorityMedium, models.PriorityLow, models.PriorityHigh}
		}

		for _, p := range order {
			select {
			case o.inflight[p] <- struct{}{}:
			default:
				continue // class at capacity
			}
			select {
			case task := <-o.lanes[p]:
				observability.QueueDepth.WithLabelValues(string(p)).Set(float64(len(o.lanes[p])))
				return task, true
			default:
				<-o.inflight[p]
			}
		}

		// Nothing dispatchable; wait briefly and re-poll.
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// execute runs one delivery through its full lifecycle.
func (o *Orchestrator) execute(ctx context.Context, task Task) {
	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			slog.Warn("delivery for unknown job", "job_id", task.JobID)
			_ = task.Ack()
			return
		}
		slog.Error("load job", "job_id", task.JobID, "error", err)
		_ = task.NakDelay(o.cfg.Backoff.Base)
		return
	}

	// Redelivery of an already-terminal job: drop it. Terminal states are
	// immutable and dead-lettered jobs are never re-enqueued automatically.
	if job.Status.Terminal() {
		_ = task.Ack()
		return
	}

	if err := o.store.MarkRunning(ctx, job.ID); err != nil {
		slog.Error("mark running", "job_id", job.ID, "error", err)
		_ = task.NakDelay(o.cfg.Backoff.Base)
		return
	}
	job.Status = models.JobStatusRunning

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.HardBudget)
	runCtx = pipeline.WithSoftDeadline(runCtx, time.Now().Add(o.cfg.SoftBudget))
	result, runErr := o.runner.Process(runCtx, job)
	if runErr == nil && runCtx.Err() != nil {
		runErr = fmt.Errorf("hard budget exceeded: %w", runCtx.Err())
	}
	cancel()

	if runErr != nil {
		o.handleFailure(ctx, job, task, runErr)
		return
	}

	if err := o.store.MarkSucceeded(ctx, job.ID, result.Outcome, len(result.Faces)); err != nil {
		slog.Error("mark succeeded", "job_id", job.ID, "error", err)
		_ = task.NakDelay(o.cfg.Backoff.Base)
		return
	}

	o.notifyCompletion(ctx, job, models.JobStatusSucceeded, result, "")
	observability.JobsProcessed.WithLabelValues(string(models.JobStatusSucceeded), string(job.Priority)).Inc()
	slog.Info("job succeeded",
		"job_id", job.ID, "photo_id", job.PhotoID,
		"outcome", result.Outcome, "faces", len(result.Faces))
	_ = task.Ack()
}

func (o *Orchestrator) handleFailure(ctx context.Context, job *models.ProcessingJob, task Task, runErr error) {
	class := models.Classify(runErr)

	switch class {
	case models.ClassPermanentInput, models.ClassStructural:
		// Retrying cannot change the outcome.
		if err := o.store.MarkFailed(ctx, job.ID, runErr.Error()); err != nil {
			slog.Error("mark failed", "job_id", job.ID, "error", err)
			_ = task.NakDelay(o.cfg.Backoff.Base)
			return
		}
		if class == models.ClassStructural {
			o.alert(ctx, models.AlertStructuralError, job, runErr)
		}
		o.notifyCompletion(ctx, job, models.JobStatusFailed, nil, runErr.Error())
		observability.JobsProcessed.WithLabelValues(string(models.JobStatusFailed), string(job.Priority)).Inc()
		slog.Error("job failed terminally", "job_id", job.ID, "class", class, "error", runErr)
		_ = task.Ack()

	default: // transient
		attempts := job.AttemptCount + 1
		maxAttempts := job.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = o.cfg.MaxAttempts
		}

		if attempts >= maxAttempts {
			if err := o.store.MarkDeadLettered(ctx, job.ID, runErr.Error()); err != nil {
				slog.Error("mark dead-lettered", "job_id", job.ID, "error", err)
				_ = task.NakDelay(o.cfg.Backoff.Base)
				return
			}
			// Dead-letters are surfaced, never silently dropped.
			o.alert(ctx, models.AlertJobDeadLettered, job, runErr)
			o.notifyCompletion(ctx, job, models.JobStatusDeadLettered, nil, runErr.Error())
			observability.JobsProcessed.WithLabelValues(string(models.JobStatusDeadLettered), string(job.Priority)).Inc()
			slog.Error("job dead-lettered",
				"job_id", job.ID, "attempts", attempts, "error", runErr)
			_ = task.Ack()
			return
		}

		delay := o.cfg.Backoff.Delay(attempts)
		if err := o.store.MarkRetry(ctx, job.ID, attempts, runErr.Error()); err != nil {
			slog.Error("mark retry", "job_id", job.ID, "error", err)
		}
		observability.JobRetries.Inc()
		slog.Warn("job requeued",
			"job_id", job.ID, "attempt", attempts, "delay", delay, "error", runErr)
		_ = task.NakDelay(delay)
	}
}

func (o *Orchestrator) notifyCompletion(ctx context.Context, job *models.ProcessingJob, status models.JobStatus, result *pipeline.Result, errMsg string) {
	completion := models.JobCompletion{
		JobID:      job.ID,
		PhotoID:    job.PhotoID,
		EventID:    job.EventID,
		Status:     status,
		Error:      errMsg,
		FinishedAt: time.Now().UTC(),
	}
	if result != nil {
		completion.Outcome = result.Outcome
		completion.FacesIndexed = len(result.Faces)
		completion.Faces = result.Faces
	}
	if err := o.notifier.JobCompleted(ctx, completion); err != nil {
		slog.Error("publish completion", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) alert(ctx context.Context, kind string, job *models.ProcessingJob, cause error) {
	alert := models.AlertEvent{
		Kind:      kind,
		JobID:     job.ID,
		EventID:   job.EventID,
		Detail:    cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	if err := o.notifier.Alert(ctx, alert); err != nil {
		slog.Error("publish alert", "job_id", job.ID, "kind", kind, "error", err)
	}
}
