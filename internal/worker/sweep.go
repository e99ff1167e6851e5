package worker

import (
	"context"
	"time"

	"github.com/austindbirch/stagehand/internal/billing"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/queue"
)

// ReminderSource lists unpaid invoices due for a reminder.
type ReminderSource interface {
	ListReminderCandidates(ctx context.Context, now time.Time, window time.Duration) ([]billing.ReminderCandidate, error)
}

// ReminderEnqueuer is satisfied by *queue.Producer.
type ReminderEnqueuer interface {
	EnqueueInvoiceReminder(ctx context.Context, payload queue.InvoiceReminderPayload) (string, error)
}

// ReminderSweep periodically enqueues upcoming_due and overdue reminders.
// Reminder job ids are deterministic, so overlapping sweeps collapse onto
// the job already pending.
type ReminderSweep struct {
	source   ReminderSource
	producer ReminderEnqueuer
	window   time.Duration
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

func NewReminderSweep(source ReminderSource, producer ReminderEnqueuer, window, interval time.Duration, logger *logging.Logger) *ReminderSweep {
	if window <= 0 {
		window = 72 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &ReminderSweep{
		source:   source,
		producer: producer,
		window:   window,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// RunOnce enqueues a reminder for every current candidate and returns how
// many were enqueued. It keeps going past individual enqueue failures.
func (s *ReminderSweep) RunOnce(ctx context.Context) (int, error) {
	candidates, err := s.source.ListReminderCandidates(ctx, s.now().UTC(), s.window)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, c := range candidates {
		_, err := s.producer.EnqueueInvoiceReminder(ctx, queue.InvoiceReminderPayload{
			InvoiceID:      c.Invoice.ID,
			OrganizationID: c.Invoice.OrganizationID,
			ReminderType:   c.ReminderType,
		})
		if err != nil {
			s.logger.WithContext(ctx).WithOrganization(c.Invoice.OrganizationID).
				WithField("invoice_id", c.Invoice.ID).WithError(err).
				Error("Failed to enqueue invoice reminder")
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *ReminderSweep) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		n, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Plain().WithError(err).Error("Invoice reminder sweep failed")
		} else if n > 0 {
			s.logger.Plain().WithField("enqueued", n).Info("Invoice reminder sweep finished")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
