// Package worker consumes jobs from every queue, dispatches them to the
// registered handler, and applies the retry and dead-letter policy.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/metrics"
	"github.com/austindbirch/stagehand/internal/queue"
	"github.com/austindbirch/stagehand/internal/tracing"
)

// Handler processes one job. Returning an apperr.Permanent error sends the
// job straight to the dead-letter queue; any other error is retried until
// the job's attempts run out.
type Handler func(ctx context.Context, job *queue.Job) error

// DeadLetterer copies a failed job to its queue's dead-letter counterpart.
// *queue.Producer satisfies it.
type DeadLetterer interface {
	EnqueueDeadLetter(ctx context.Context, failed *queue.Job, reason string, attemptsMade int) (string, error)
}

// Consumer owns the handler table and the retry policy. It is transport
// agnostic: Pool feeds it NSQ messages, tests call Process directly.
type Consumer struct {
	handlers map[queue.Name]Handler
	dlq      DeadLetterer
	releaser queue.Releaser
	maxDelay time.Duration
	jitter   float64
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Consumer)

// WithReleaser releases pending-id claims once a job reaches a terminal state.
func WithReleaser(r queue.Releaser) Option {
	return func(c *Consumer) { c.releaser = r }
}

// WithBackoff caps retry delays and spreads them by +/- jitterPct.
func WithBackoff(maxDelay time.Duration, jitterPct float64) Option {
	return func(c *Consumer) {
		c.maxDelay = maxDelay
		c.jitter = jitterPct
	}
}

func NewConsumer(dlq DeadLetterer, m *metrics.Metrics, logger *logging.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		handlers: make(map[queue.Name]Handler),
		dlq:      dlq,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Handle registers h for jobs on name.
func (c *Consumer) Handle(name queue.Name, h Handler) {
	c.handlers[name] = h
}

// Validate fails if any known queue has no handler.
func (c *Consumer) Validate() error {
	var missing []string
	for _, q := range queue.All() {
		if _, ok := c.handlers[q]; !ok {
			missing = append(missing, string(q))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("worker: no handler registered for %s", strings.Join(missing, ", "))
	}
	return nil
}

// RetryDelay is how long the broker should wait before redelivering job.
func (c *Consumer) RetryDelay(job *queue.Job) time.Duration {
	initial := job.BackoffDelay()
	if initial <= 0 {
		initial = queue.DefaultBackoffDelay
	}
	return queue.Exponential{Initial: initial, Max: c.maxDelay, JitterPct: c.jitter}.Delay(job.AttemptsMade + 1)
}

// Process runs one attempt of job. A nil return means the attempt is
// finished: the job completed or was dead-lettered. A non-nil return asks
// the broker to redeliver after RetryDelay(job).
func (c *Consumer) Process(ctx context.Context, job *queue.Job) error {
	ctx = tracing.ExtractJobHeaders(ctx, traceHeaders(job.Payload))
	ctx, span := tracing.StartSpan(ctx, "worker.process",
		attribute.String("queue", string(job.Queue)),
		attribute.String("job_id", job.ID),
		attribute.Int("attempts_made", job.AttemptsMade),
		attribute.Int("max_attempts", job.MaxAttempts),
	)
	defer span.End()

	log := c.logger.WithContext(ctx).WithQueue(string(job.Queue)).WithJob(job.ID)
	lag := time.Duration(-1)
	if !job.EnqueuedAt.IsZero() {
		lag = c.now().Sub(job.EnqueuedAt)
	}
	if job.AttemptsMade == 0 {
		c.metrics.RecordDequeued(string(job.Queue), lag)
	}

	h, ok := c.handlers[job.Queue]
	if !ok {
		return c.fail(ctx, job, apperr.Permanentf("no handler for queue %s", job.Queue))
	}

	start := c.now()
	err := h(ctx, job)
	c.metrics.RecordJob(job.Queue.Kind(), err == nil, c.now().Sub(start))
	if err == nil {
		tracing.AddSpanEvent(ctx, "job.completed")
		log.Debug("Job completed")
		c.release(ctx, job)
		return nil
	}
	return c.fail(ctx, job, err)
}

func (c *Consumer) fail(ctx context.Context, job *queue.Job, err error) error {
	log := c.logger.WithContext(ctx).WithQueue(string(job.Queue)).WithJob(job.ID)
	tracing.SetSpanError(ctx, err)

	attempt := job.AttemptsMade + 1
	if apperr.IsTransient(err) && attempt < job.MaxAttempts {
		c.metrics.RecordRetry(string(job.Queue))
		log.WithError(err).WithFields(map[string]any{
			"attempt":      attempt,
			"max_attempts": job.MaxAttempts,
		}).Warn("Job failed, scheduling retry")
		return err
	}

	// A dead-letter queue has nowhere further to go. Keep retrying
	// transient failures so the record is not lost.
	if job.Queue.IsDeadLetter() {
		if apperr.IsTransient(err) {
			c.metrics.RecordRetry(string(job.Queue))
			log.WithError(err).Error("Dead-letter job failed, retrying")
			return err
		}
		c.metrics.RecordDeadLetter(string(job.Queue))
		log.WithError(err).Error("Dropping dead-letter job after permanent failure")
		c.release(ctx, job)
		return nil
	}

	return c.DeadLetter(ctx, job, err.Error(), attempt)
}

// DeadLetter copies job onto its dead-letter queue. If the copy cannot be
// enqueued the returned error makes the broker redeliver the original.
func (c *Consumer) DeadLetter(ctx context.Context, job *queue.Job, reason string, attemptsMade int) error {
	log := c.logger.WithContext(ctx).WithQueue(string(job.Queue)).WithJob(job.ID)

	id, err := c.dlq.EnqueueDeadLetter(ctx, job, reason, attemptsMade)
	if err != nil {
		log.WithError(err).Error("Dead-letter enqueue failed, retrying job")
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("dead-letter %s: %w", job.ID, err)
	}

	tracing.AddSpanEvent(ctx, "job.dead_lettered", attribute.String("dead_letter_id", id))
	log.WithFields(map[string]any{
		"reason":         reason,
		"attempts_made":  attemptsMade,
		"dead_letter_id": id,
	}).Warn("Job dead-lettered")
	c.release(ctx, job)
	return nil
}

// Deliver handles one raw broker delivery and reports whether the broker
// should redeliver it and after what delay.
func (c *Consumer) Deliver(ctx context.Context, q queue.Name, body []byte, deliveries int) (requeue bool, delay time.Duration) {
	job, err := queue.DecodeJob(body, deliveries)
	if err != nil {
		job = undecodableJob(q, body, deliveries)
		if q.IsDeadLetter() {
			c.metrics.RecordDeadLetter(string(q))
			c.logger.WithContext(ctx).WithQueue(string(q)).WithError(err).Error("Dropping undecodable dead-letter job")
			return false, 0
		}
		if dlErr := c.DeadLetter(ctx, job, apperr.Permanent(err).Error(), job.AttemptsMade+1); dlErr != nil {
			return true, c.RetryDelay(job)
		}
		return false, 0
	}
	if job.Queue != q {
		c.logger.WithContext(ctx).WithQueue(string(q)).WithJob(job.ID).
			WithField("envelope_queue", string(job.Queue)).
			Warn("Job envelope names a different queue")
		job.Queue = q
	}

	if err := c.Process(ctx, job); err != nil {
		return true, c.RetryDelay(job)
	}
	return false, 0
}

func (c *Consumer) release(ctx context.Context, job *queue.Job) {
	if c.releaser == nil || job.ID == "" {
		return
	}
	if err := c.releaser.Release(ctx, job.Queue, job.ID); err != nil {
		c.logger.WithContext(ctx).WithQueue(string(job.Queue)).WithJob(job.ID).
			WithError(err).Warn("Failed to release pending job id")
	}
}

func undecodableJob(q queue.Name, body []byte, deliveries int) *queue.Job {
	payload := json.RawMessage(body)
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		payload = quoted
	}
	job := &queue.Job{Queue: q, Payload: payload, MaxAttempts: 1}
	if deliveries > 0 {
		job.AttemptsMade = deliveries - 1
	}
	return job
}

func traceHeaders(payload json.RawMessage) map[string]string {
	var p struct {
		Meta *queue.Meta `json:"meta"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Meta == nil {
		return nil
	}
	return p.Meta.TraceHeaders
}
