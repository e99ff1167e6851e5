package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/stagehand/internal/metrics"
	"github.com/austindbirch/stagehand/internal/tracing"
)

// Producer builds job envelopes and hands them to a Port. It keeps no
// dedupe state; id collisions are detected by the Port.
type Producer struct {
	port         Port
	metrics      *metrics.Metrics
	region       string
	failoverMode string
	defaults     Options
	now          func() time.Time
}

func NewProducer(port Port, m *metrics.Metrics, region, failoverMode string) *Producer {
	return &Producer{
		port:         port,
		metrics:      m,
		region:       region,
		failoverMode: failoverMode,
		defaults:     DefaultOptions(),
		now:          time.Now,
	}
}

// WithDefaults overrides the attempt limit and base backoff used by the
// typed Enqueue helpers. Non-positive values keep the package defaults.
func (p *Producer) WithDefaults(maxAttempts int, backoff time.Duration) *Producer {
	if maxAttempts > 0 {
		p.defaults.MaxAttempts = maxAttempts
	}
	if backoff > 0 {
		p.defaults.BackoffDelay = backoff
	}
	return p
}

// JobID returns the deterministic id for a dedupe key on q.
func JobID(q Name, dedupeKey string) string {
	return q.Kind() + ":" + dedupeKey
}

// Enqueue stamps payload metadata and adds a job to q. It returns the job id;
// a collision with a pending job of the same id is reported as success.
func (p *Producer) Enqueue(ctx context.Context, q Name, payload any, opts Options) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "queue.enqueue",
		attribute.String("queue", string(q)),
		attribute.String("dedupe_key", opts.DedupeKey),
	)
	defer span.End()

	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffDelay <= 0 {
		opts.BackoffDelay = DefaultBackoffDelay
	}

	if mc, ok := payload.(metaCarrier); ok {
		meta := mc.jobMeta()
		meta.RegionOrigin = p.region
		meta.FailoverMode = p.failoverMode
		meta.DedupeKey = opts.DedupeKey
		if h := tracing.InjectJobHeaders(ctx); len(h) > 0 {
			meta.TraceHeaders = h
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", q, err)
	}

	job := &Job{
		Queue:          q,
		Payload:        body,
		MaxAttempts:    opts.MaxAttempts,
		BackoffDelayMs: opts.BackoffDelay.Milliseconds(),
		DedupeKey:      opts.DedupeKey,
		RegionOrigin:   p.region,
		FailoverMode:   p.failoverMode,
		EnqueuedAt:     p.now().UTC(),
	}
	if opts.DedupeKey != "" {
		job.ID = JobID(q, opts.DedupeKey)
	}

	if err := p.port.Add(ctx, job); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			tracing.AddSpanEvent(ctx, "queue.duplicate", attribute.String("job_id", job.ID))
			p.metrics.RecordDuplicate(string(q))
			return job.ID, nil
		}
		tracing.SetSpanError(ctx, err)
		return "", err
	}
	p.metrics.RecordEnqueued(string(q))
	return job.ID, nil
}

// EnqueueNotification adds to the notifications queue. dedupeKey may be empty.
func (p *Producer) EnqueueNotification(ctx context.Context, payload NotificationPayload, dedupeKey string) (string, error) {
	opts := p.defaults
	opts.DedupeKey = dedupeKey
	return p.Enqueue(ctx, Notifications, &payload, opts)
}

// EnqueueInvoiceReminder always dedupes on invoice id and reminder type.
func (p *Producer) EnqueueInvoiceReminder(ctx context.Context, payload InvoiceReminderPayload) (string, error) {
	opts := p.defaults
	opts.DedupeKey = payload.InvoiceID + ":" + string(payload.ReminderType)
	return p.Enqueue(ctx, InvoiceReminders, &payload, opts)
}

// EnqueueMediaJob dedupes on asset id and operation.
func (p *Producer) EnqueueMediaJob(ctx context.Context, payload MediaJobPayload) (string, error) {
	opts := p.defaults
	opts.DedupeKey = payload.AssetID + ":" + string(payload.Operation)
	return p.Enqueue(ctx, MediaJobs, &payload, opts)
}

// EnqueueDeadLetter copies a failed job onto its queue's dead-letter
// counterpart. Dead-letter jobs get a single attempt.
func (p *Producer) EnqueueDeadLetter(ctx context.Context, failed *Job, reason string, attemptsMade int) (string, error) {
	payload := DeadLetterPayload{
		Original:     failed.Payload,
		Reason:       reason,
		AttemptsMade: attemptsMade,
		SourceQueue:  failed.Queue,
		JobID:        failed.ID,
	}
	opts := Options{MaxAttempts: 1, BackoffDelay: DefaultBackoffDelay}
	if failed.ID != "" {
		opts.DedupeKey = failed.ID
	}
	id, err := p.Enqueue(ctx, failed.Queue.DeadLetter(), payload, opts)
	if err != nil {
		return "", err
	}
	p.metrics.RecordDeadLetter(string(failed.Queue))
	return id, nil
}

// Republish puts a previously dead-lettered payload back on its source queue
// under its original job id.
func (p *Producer) Republish(ctx context.Context, q Name, jobID string, payload json.RawMessage) error {
	dedupeKey, ok := strings.CutPrefix(jobID, q.Kind()+":")
	if !ok {
		dedupeKey = ""
	}
	job := &Job{
		ID:             jobID,
		Queue:          q,
		DedupeKey:      dedupeKey,
		Payload:        payload,
		MaxAttempts:    p.defaults.MaxAttempts,
		BackoffDelayMs: p.defaults.BackoffDelay.Milliseconds(),
		RegionOrigin:   p.region,
		FailoverMode:   p.failoverMode,
		EnqueuedAt:     p.now().UTC(),
	}
	if err := p.port.Add(ctx, job); err != nil {
		return err
	}
	p.metrics.RecordEnqueued(string(q))
	return nil
}

// QueueNames lists every queue including dead-letter counterparts.
func (p *Producer) QueueNames() []Name {
	return All()
}
