// Package delivery keeps dead-lettered jobs for inspection and manual replay.
package delivery

import (
	"encoding/json"
	"time"

	"github.com/austindbirch/stagehand/internal/queue"
)

// Record is a dead-lettered job as persisted by the dead-letter handlers.
type Record struct {
	ID           string          `json:"id"`    // dead-letter job id
	Queue        queue.Name      `json:"queue"` // dead-letter queue it arrived on
	SourceQueue  queue.Name      `json:"sourceQueue"`
	JobID        string          `json:"jobId"` // original job id, reused on replay
	Original     json.RawMessage `json:"original"`
	Reason       string          `json:"reason"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedAt     time.Time       `json:"failedAt"`
	ReplayedAt   *time.Time      `json:"replayedAt,omitempty"`
}

// Replayed reports whether the record was already sent back to its queue.
func (r Record) Replayed() bool { return r.ReplayedAt != nil }

// NewRecord builds a Record from a job delivered on a dead-letter queue.
func NewRecord(job *queue.Job, p queue.DeadLetterPayload, failedAt time.Time) Record {
	source := p.SourceQueue
	if source == "" {
		source = job.Queue.Source()
	}
	return Record{
		ID:           job.ID,
		Queue:        job.Queue,
		SourceQueue:  source,
		JobID:        p.JobID,
		Original:     p.Original,
		Reason:       p.Reason,
		AttemptsMade: p.AttemptsMade,
		FailedAt:     failedAt.UTC(),
	}
}
