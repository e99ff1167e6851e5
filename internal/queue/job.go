package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBackoffDelay = 3 * time.Second
)

// Job is the envelope published to the broker. AttemptsMade is not on the
// wire; it comes from the broker's delivery count.
type Job struct {
	ID             string          `json:"id"`
	Queue          Name            `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"maxAttempts"`
	BackoffDelayMs int64           `json:"backoffDelayMs"`
	DedupeKey      string          `json:"dedupeKey,omitempty"`
	RegionOrigin   string          `json:"regionOrigin,omitempty"`
	FailoverMode   string          `json:"failoverMode,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`

	AttemptsMade int `json:"-"`
}

func (j *Job) BackoffDelay() time.Duration {
	return time.Duration(j.BackoffDelayMs) * time.Millisecond
}

// Encode returns the wire form of the job.
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a broker message body. deliveries is the broker's
// 1-based delivery count.
func DecodeJob(body []byte, deliveries int) (*Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.Queue == "" {
		return nil, fmt.Errorf("decode job: missing queue")
	}
	if deliveries > 0 {
		j.AttemptsMade = deliveries - 1
	}
	if j.MaxAttempts < 1 {
		j.MaxAttempts = 1
	}
	return &j, nil
}

// Options tune a single enqueue.
type Options struct {
	MaxAttempts  int
	BackoffDelay time.Duration
	DedupeKey    string
}

func DefaultOptions() Options {
	return Options{MaxAttempts: DefaultMaxAttempts, BackoffDelay: DefaultBackoffDelay}
}

// Meta is stamped on every payload by the Producer.
type Meta struct {
	RegionOrigin string            `json:"regionOrigin"`
	FailoverMode string            `json:"failoverMode"`
	DedupeKey    string            `json:"dedupeKey,omitempty"`
	TraceHeaders map[string]string `json:"traceHeaders,omitempty"`
}

type metaCarrier interface {
	jobMeta() *Meta
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

type FailureMode string

const (
	FailTransient FailureMode = "transient"
	FailPermanent FailureMode = "permanent"
)

type NotificationPayload struct {
	RecipientUserID string            `json:"recipientUserId"`
	Channel         Channel           `json:"channel"`
	Template        string            `json:"template"`
	Variables       map[string]string `json:"variables,omitempty"`
	SimulateFailure FailureMode       `json:"simulateFailure,omitempty"`
	Meta            Meta              `json:"meta"`
}

func (p *NotificationPayload) jobMeta() *Meta { return &p.Meta }

type ReminderType string

const (
	ReminderUpcomingDue ReminderType = "upcoming_due"
	ReminderOverdue     ReminderType = "overdue"
)

type InvoiceReminderPayload struct {
	InvoiceID      string       `json:"invoiceId"`
	OrganizationID string       `json:"organizationId"`
	ReminderType   ReminderType `json:"reminderType"`
	Meta           Meta         `json:"meta"`
}

func (p *InvoiceReminderPayload) jobMeta() *Meta { return &p.Meta }

type MediaOperation string

const (
	MediaMetadata  MediaOperation = "metadata"
	MediaThumbnail MediaOperation = "thumbnail"
	MediaProxy     MediaOperation = "proxy"
)

type MediaJobPayload struct {
	AssetID   string         `json:"assetId"`
	SourceURL string         `json:"sourceUrl"`
	Operation MediaOperation `json:"operation"`
	Meta      Meta           `json:"meta"`
}

func (p *MediaJobPayload) jobMeta() *Meta { return &p.Meta }

// DeadLetterPayload wraps a failed job on its queue's dead-letter counterpart.
type DeadLetterPayload struct {
	Original     json.RawMessage `json:"original"`
	Reason       string          `json:"reason"`
	AttemptsMade int             `json:"attemptsMade"`
	SourceQueue  Name            `json:"sourceQueue"`
	JobID        string          `json:"jobId"`
}
