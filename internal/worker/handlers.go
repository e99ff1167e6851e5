package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/billing"
	"github.com/austindbirch/stagehand/internal/delivery"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/notify"
	"github.com/austindbirch/stagehand/internal/queue"
)

// NotificationHandler hands notification jobs to the dispatcher.
func NotificationHandler(d *notify.Dispatcher) Handler {
	return d.Dispatch
}

// InvoiceReader is the read side of the billing store the reminder handler needs.
type InvoiceReader interface {
	GetInvoice(ctx context.Context, organizationID, invoiceID string) (*billing.Invoice, error)
}

// Notifier enqueues notifications. *queue.Producer satisfies it.
type Notifier interface {
	EnqueueNotification(ctx context.Context, payload queue.NotificationPayload, dedupeKey string) (string, error)
}

// ReminderHandler re-reads the invoice and, unless it has been settled
// since the reminder was scheduled, enqueues the matching notification.
// The notification is deduplicated per invoice, reminder type and day.
func ReminderHandler(invoices InvoiceReader, notifier Notifier, logger *logging.Logger) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p queue.InvoiceReminderPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperr.Permanentf("decode invoice reminder: %w", err)
		}
		if p.InvoiceID == "" || p.OrganizationID == "" {
			return apperr.Permanentf("invoice reminder missing invoiceId or organizationId")
		}

		var template string
		switch p.ReminderType {
		case queue.ReminderUpcomingDue:
			template = "invoice-reminder-upcoming"
		case queue.ReminderOverdue:
			template = "invoice-reminder-overdue"
		default:
			return apperr.Permanentf("unknown reminder type %q", p.ReminderType)
		}

		log := logger.WithContext(ctx).WithJob(job.ID).WithOrganization(p.OrganizationID).
			WithField("invoice_id", p.InvoiceID)

		inv, err := invoices.GetInvoice(ctx, p.OrganizationID, p.InvoiceID)
		if errors.Is(err, billing.ErrNotFound) {
			return apperr.Permanentf("invoice %s not found", p.InvoiceID)
		}
		if err != nil {
			return apperr.Transient(fmt.Errorf("load invoice: %w", err))
		}

		switch inv.Status {
		case billing.InvoicePaid, billing.InvoiceCancelled, billing.InvoiceDraft:
			log.WithField("status", string(inv.Status)).Info("Skipping reminder for settled invoice")
			return nil
		}
		if inv.ClientUserID == "" {
			log.Info("Skipping reminder: invoice has no client user")
			return nil
		}

		vars := map[string]string{"invoiceNumber": inv.Number}
		day := time.Now().UTC().Format(time.DateOnly)
		if inv.DueAt != nil {
			vars["dueAt"] = inv.DueAt.UTC().Format(time.DateOnly)
		}
		key := fmt.Sprintf("%s:%s:%s", inv.ID, p.ReminderType, day)
		if _, err := notifier.EnqueueNotification(ctx, queue.NotificationPayload{
			RecipientUserID: inv.ClientUserID,
			Channel:         queue.ChannelEmail,
			Template:        template,
			Variables:       vars,
		}, key); err != nil {
			return apperr.Transient(fmt.Errorf("enqueue reminder notification: %w", err))
		}

		log.WithField("reminder_type", string(p.ReminderType)).Info("Invoice reminder queued")
		return nil
	}
}

// MediaHandler validates media jobs. Transcoding itself runs outside this
// service; the handler records the request for the media pipeline.
func MediaHandler(logger *logging.Logger) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p queue.MediaJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperr.Permanentf("decode media job: %w", err)
		}
		if p.AssetID == "" {
			return apperr.Permanentf("media job missing assetId")
		}
		switch p.Operation {
		case queue.MediaMetadata, queue.MediaThumbnail, queue.MediaProxy:
		default:
			return apperr.Permanentf("unknown media operation %q", p.Operation)
		}
		u, err := url.Parse(p.SourceURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return apperr.Permanentf("media job has invalid sourceUrl %q", p.SourceURL)
		}

		logger.WithContext(ctx).WithJob(job.ID).WithFields(map[string]any{
			"asset_id":  p.AssetID,
			"operation": string(p.Operation),
			"source":    u.Host,
		}).Info("Media job accepted")
		return nil
	}
}

// DeadLetterHandler persists jobs arriving on a dead-letter queue so they
// can be inspected and replayed.
func DeadLetterHandler(store delivery.Store, logger *logging.Logger) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p queue.DeadLetterPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return apperr.Permanentf("decode dead letter: %w", err)
		}

		// The enqueue time orders a redelivered copy before any replay of it.
		failedAt := job.EnqueuedAt
		if failedAt.IsZero() {
			failedAt = time.Now()
		}
		rec := delivery.NewRecord(job, p, failedAt)
		if err := store.Save(ctx, rec); err != nil {
			return apperr.Transient(fmt.Errorf("save dead letter: %w", err))
		}

		logger.WithContext(ctx).WithQueue(string(rec.SourceQueue)).WithJob(rec.JobID).WithFields(map[string]any{
			"dead_letter_id": rec.ID,
			"reason":         rec.Reason,
			"attempts_made":  rec.AttemptsMade,
		}).Warn("Job moved to dead-letter queue")
		return nil
	}
}

// Register installs the standard handler for every queue.
func Register(c *Consumer, dispatcher *notify.Dispatcher, invoices InvoiceReader, notifier Notifier, deadLetters delivery.Store, logger *logging.Logger) {
	c.Handle(queue.Notifications, NotificationHandler(dispatcher))
	c.Handle(queue.InvoiceReminders, ReminderHandler(invoices, notifier, logger))
	c.Handle(queue.MediaJobs, MediaHandler(logger))
	dl := DeadLetterHandler(deadLetters, logger)
	for _, q := range queue.Primary() {
		c.Handle(q.DeadLetter(), dl)
	}
}
