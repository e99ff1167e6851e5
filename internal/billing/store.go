package billing

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/stagehand/internal/audit"
	"github.com/austindbirch/stagehand/internal/queue"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("billing: not found")

// Tx is the unit of work for applying one webhook event.
type Tx interface {
	// LockEvent serializes concurrent deliveries of the same provider event.
	LockEvent(ctx context.Context, provider, eventID string) error
	FindWebhookEvent(ctx context.Context, provider, eventID string) (*WebhookEvent, error)
	GetInvoice(ctx context.Context, organizationID, invoiceID string) (*Invoice, error)
	UpsertPayment(ctx context.Context, p Payment) (Payment, error)
	SumSucceededPayments(ctx context.Context, invoiceID string) (int64, error)
	UpdateInvoiceStatus(ctx context.Context, invoiceID string, status InvoiceStatus) error
	InsertWebhookEvent(ctx context.Context, e WebhookEvent) error
	InsertAudit(ctx context.Context, e audit.Entry) error
}

// ReminderCandidate is an unpaid invoice due for a reminder.
type ReminderCandidate struct {
	Invoice      Invoice
	ReminderType queue.ReminderType
}

type Store interface {
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error
	GetInvoice(ctx context.Context, organizationID, invoiceID string) (*Invoice, error)
	// ListReminderCandidates returns issued, partially paid or overdue
	// invoices that are past due (overdue) or due within window (upcoming_due).
	ListReminderCandidates(ctx context.Context, now time.Time, window time.Duration) ([]ReminderCandidate, error)
}

func reminderTypeFor(inv Invoice, now time.Time, window time.Duration) (queue.ReminderType, bool) {
	switch inv.Status {
	case InvoiceIssued, InvoicePartiallyPaid, InvoiceOverdue:
	default:
		return "", false
	}
	if inv.DueAt == nil {
		return "", false
	}
	due := *inv.DueAt
	switch {
	case due.Before(now):
		return queue.ReminderOverdue, true
	case !due.After(now.Add(window)):
		return queue.ReminderUpcomingDue, true
	default:
		return "", false
	}
}
