package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/desnarong/thepixstock-api/internal/jobs"
	"github.com/desnarong/thepixstock-api/internal/models"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

// JobSink accepts deliveries for dispatch; satisfied by the orchestrator.
type JobSink interface {
	Submit(ctx context.Context, task jobs.Task) error
}

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeJobs drains one priority subject into the orchestrator. The
// orchestrator owns acknowledgement: it Acks terminal jobs and Naks
// retryable ones with the backoff delay, so redelivery here is unlimited
// and the ack wait exceeds the per-job hard budget.
func (c *Consumer) ConsumeJobs(ctx context.Context, priority models.Priority, sink JobSink, ackWait time.Duration) error {
	stream, err := c.js.Stream(ctx, JobsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", JobsStreamName, err)
	}

	name := fmt.Sprintf("workers-%s", priority)
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    -1,
		FilterSubject: JobSubject(priority),
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", name, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(8, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch jobs error", "priority", priority, "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				task, err := taskFromMsg(msg, priority)
				if err != nil {
					// Undecodable payloads can never succeed.
					slog.Error("drop malformed job message", "priority", priority, "error", err)
					_ = msg.Term()
					continue
				}
				if err := sink.Submit(ctx, task); err != nil {
					_ = msg.Nak()
					return
				}
			}
		}
	}()

	slog.Info("job consumer started", "priority", priority)
	return nil
}

func taskFromMsg(msg jetstream.Msg, priority models.Priority) (jobs.Task, error) {
	var jm models.JobMessage
	if err := json.Unmarshal(msg.Data(), &jm); err != nil {
		return jobs.Task{}, fmt.Errorf("unmarshal job message: %w", err)
	}
	return jobs.Task{
		JobID:    jm.JobID,
		Priority: priority,
		Ack:      msg.Ack,
		NakDelay: msg.NakWithDelay,
	}, nil
}

// ConsumeCompletions delivers job completions (for the API service to feed
// its live index and broadcast over WebSocket).
func (c *Consumer) ConsumeCompletions(ctx context.Context, consumerName string, handler MessageHandler) error {
	return c.consumeEvents(ctx, consumerName, CompletionsSubject+".>", handler)
}

// ConsumeAlerts delivers operator alerts.
func (c *Consumer) ConsumeAlerts(ctx context.Context, consumerName string, handler MessageHandler) error {
	return c.consumeEvents(ctx, consumerName, AlertsSubject, handler)
}

func (c *Consumer) consumeEvents(ctx context.Context, consumerName, filterSubject string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, EventsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", EventsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: filterSubject,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process event error", "consumer", consumerName, "error", err)
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("event consumer started", "consumer", consumerName)
	return nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
