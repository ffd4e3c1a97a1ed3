package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// Job is the durable unit of work a worker pulls.
type Job struct {
	TaskID    string                `json:"task_id"`
	AgentID   string                `json:"agent_id"`
	CompanyID string                `json:"company_id"`
	Task      types.TaskDefinition  `json:"task"`
	Security  types.SecurityContext `json:"security"`
	Attempt   int                   `json:"attempt"`
}

// maxAttempts bounds redelivery of a failing job.
const maxAttempts = 3

// Queue is the durable dispatch channel between the scheduler and workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Run consumes jobs with the given handler until ctx is done. A handler
	// error triggers redelivery with backoff, up to maxAttempts.
	Run(ctx context.Context, concurrency int, handler func(context.Context, Job) error) error
}

// MemQueue is the in-process queue for tests and standalone mode.
type MemQueue struct {
	jobs   chan Job
	logger logging.Logger
}

// NewMemQueue creates a queue with a bounded buffer.
func NewMemQueue(logger logging.Logger) *MemQueue {
	return &MemQueue{
		jobs:   make(chan Job, 1024),
		logger: logging.OrNop(logger),
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Run(ctx context.Context, concurrency int, handler func(context.Context, Job) error) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job := <-q.jobs:
					if err := handler(ctx, job); err != nil {
						q.retry(ctx, job, err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// retry re-enqueues with exponential backoff until maxAttempts.
func (q *MemQueue) retry(ctx context.Context, job Job, cause error) {
	job.Attempt++
	if job.Attempt >= maxAttempts {
		q.logger.Error("queue: job %s dropped after %d attempts: %v", job.TaskID, job.Attempt, cause)
		return
	}
	delay := time.Duration(1<<job.Attempt) * time.Second
	q.logger.Warn("queue: job %s failed (attempt %d), retrying in %s: %v", job.TaskID, job.Attempt, delay, cause)
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			_ = q.Enqueue(ctx, job)
		}
	}()
}

// JetStream queue constants.
const (
	jobStream   = "ARBITER_JOBS"
	jobSubject  = "arbiter.jobs.dispatch"
	jobConsumer = "arbiter-worker"
)

// JSQueue dispatches jobs through a NATS JetStream work stream so they
// survive a process restart.
type JSQueue struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	logger logging.Logger
}

// NewJSQueue creates or binds the job stream.
func NewJSQueue(ctx context.Context, nc *nats.Conn, logger logging.Logger) (*JSQueue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      jobStream,
		Subjects:  []string{jobSubject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create job stream: %w", err)
	}
	return &JSQueue{js: js, stream: stream, logger: logging.OrNop(logger)}, nil
}

func (q *JSQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := q.js.Publish(ctx, jobSubject, data); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

func (q *JSQueue) Run(ctx context.Context, concurrency int, handler func(context.Context, Job) error) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       jobConsumer,
		FilterSubject: jobSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute, // allow time for the LLM loop
		MaxDeliver:    maxAttempts,
		BackOff:       []time.Duration{2 * time.Second, 8 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("create job consumer: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					continue
				}
				for msg := range msgs.Messages() {
					q.handleMsg(ctx, msg, handler)
				}
			}
		})
	}
	return g.Wait()
}

func (q *JSQueue) handleMsg(ctx context.Context, msg jetstream.Msg, handler func(context.Context, Job) error) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error("queue: undecodable job dropped: %v", err)
		_ = msg.Term()
		return
	}
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}
	if err := handler(ctx, job); err != nil {
		q.logger.Warn("queue: job %s failed (attempt %d): %v", job.TaskID, job.Attempt, err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}
