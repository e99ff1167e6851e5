package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/queue"
)

// Republisher puts a payload back on a queue under a given job id.
// *queue.Producer satisfies it.
type Republisher interface {
	Republish(ctx context.Context, q queue.Name, jobID string, payload json.RawMessage) error
}

// Replayer sends dead-lettered jobs back to their source queue.
type Replayer struct {
	store  Store
	queue  Republisher
	logger *logging.Logger
	now    func() time.Time
}

func NewReplayer(store Store, q Republisher, logger *logging.Logger) *Replayer {
	return &Replayer{store: store, queue: q, logger: logger, now: time.Now}
}

// Replay republishes the original payload of dead letter id under its
// original job id and marks the record replayed.
func (r *Replayer) Replay(ctx context.Context, id string) (Record, error) {
	rec, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Record{}, apperr.NotFound("dead letter %s not found", id)
	}
	if err != nil {
		return Record{}, err
	}
	if rec.Replayed() {
		return Record{}, apperr.Conflict("dead letter %s was already replayed", id)
	}

	err = r.queue.Republish(ctx, rec.SourceQueue, rec.JobID, rec.Original)
	if errors.Is(err, queue.ErrDuplicateJob) {
		return Record{}, apperr.Conflict("job %s is already pending on %s", rec.JobID, rec.SourceQueue)
	}
	if err != nil {
		return Record{}, err
	}

	at := r.now().UTC()
	if err := r.store.MarkReplayed(ctx, id, at); err != nil {
		if errors.Is(err, ErrAlreadyReplayed) {
			return Record{}, apperr.Conflict("dead letter %s was already replayed", id)
		}
		return Record{}, err
	}
	rec.ReplayedAt = &at

	r.logger.WithContext(ctx).
		WithQueue(string(rec.SourceQueue)).
		WithJob(rec.JobID).
		WithField("dead_letter_id", id).
		Info("Dead letter replayed")
	return rec, nil
}

func (r *Replayer) List(ctx context.Context, f Filter) ([]Record, error) {
	return r.store.List(ctx, f)
}
