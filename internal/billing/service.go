package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/audit"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/metrics"
	"github.com/austindbirch/stagehand/internal/queue"
	"github.com/austindbirch/stagehand/internal/tracing"
)

const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
)

// Notifier enqueues customer notifications. *queue.Producer satisfies it.
type Notifier interface {
	EnqueueNotification(ctx context.Context, payload queue.NotificationPayload, dedupeKey string) (string, error)
}

// Result is the outcome of applying one webhook delivery.
type Result struct {
	Status    string `json:"status"`
	EventID   string `json:"eventId"`
	PaymentID string `json:"paymentId"`
}

// Service applies signed payment webhooks to invoices exactly once.
type Service struct {
	store     Store
	providers map[string]Provider
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

func NewService(store Store, providers []Provider, notifier Notifier, m *metrics.Metrics, logger *logging.Logger) *Service {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Service{store: store, providers: byName, notifier: notifier, metrics: m, logger: logger}
}

type applied struct {
	result   Result
	invoice  Invoice
	newState InvoiceStatus
}

// Handle verifies, parses and applies a raw webhook payload. A redelivered
// event returns status "duplicate" without touching any state.
func (s *Service) Handle(ctx context.Context, providerName, signature string, payload []byte) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "billing.HandleWebhook",
		attribute.String("provider", providerName),
	)
	defer span.End()

	provider, ok := s.providers[providerName]
	if !ok {
		err := apperr.Validation("unknown payment provider %q", providerName)
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	if !provider.VerifySignature(signature, payload) {
		s.metrics.RecordWebhook(providerName, ResultFailed)
		err := apperr.Unauthorized("invalid webhook signature")
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	event, err := provider.ParseEvent(payload)
	if err != nil {
		s.metrics.RecordWebhook(providerName, ResultFailed)
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("event_id", event.EventID),
		attribute.String("organization_id", event.OrganizationID),
		attribute.String("invoice_id", event.InvoiceID),
	)

	var out applied
	err = s.store.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = s.apply(ctx, tx, event)
		return err
	})
	if err != nil {
		s.metrics.RecordWebhook(providerName, ResultFailed)
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).
			WithOrganization(event.OrganizationID).
			WithEvent(event.EventID).
			WithError(err).
			Warn("Webhook application failed")
		return Result{}, err
	}

	s.metrics.RecordWebhook(providerName, out.result.Status)
	s.logger.WithContext(ctx).
		WithOrganization(event.OrganizationID).
		WithEvent(event.EventID).
		WithFields(map[string]any{
			"provider":   providerName,
			"status":     out.result.Status,
			"payment_id": out.result.PaymentID,
		}).
		Info("Webhook applied")

	if out.result.Status == ResultProcessed && out.invoice.Status != InvoicePaid && out.newState == InvoicePaid {
		s.notifyPaid(ctx, event, out.invoice)
	}
	return out.result, nil
}

func (s *Service) apply(ctx context.Context, tx Tx, event Event) (applied, error) {
	if err := tx.LockEvent(ctx, event.Provider, event.EventID); err != nil {
		return applied{}, err
	}

	existing, err := tx.FindWebhookEvent(ctx, event.Provider, event.EventID)
	if err != nil {
		return applied{}, err
	}
	if existing != nil {
		tracing.AddSpanEvent(ctx, "webhook.duplicate")
		return applied{result: Result{Status: ResultDuplicate, EventID: event.EventID, PaymentID: existing.PaymentID}}, nil
	}

	inv, err := tx.GetInvoice(ctx, event.OrganizationID, event.InvoiceID)
	if errors.Is(err, ErrNotFound) {
		return applied{}, apperr.NotFound("invoice %s not found", event.InvoiceID)
	}
	if err != nil {
		return applied{}, fmt.Errorf("load invoice: %w", err)
	}

	status, _ := event.Type.PaymentStatus()
	payment := Payment{
		OrganizationID: event.OrganizationID,
		InvoiceID:      inv.ID,
		Provider:       event.Provider,
		ProviderRef:    event.ProviderRef,
		AmountCents:    event.AmountCents,
		Currency:       event.Currency,
		Status:         status,
	}
	if status == PaymentSucceeded {
		paidAt := event.OccurredAt
		payment.PaidAt = &paidAt
	}
	payment, err = tx.UpsertPayment(ctx, payment)
	if err != nil {
		return applied{}, err
	}

	paid, err := tx.SumSucceededPayments(ctx, inv.ID)
	if err != nil {
		return applied{}, err
	}
	next := ComputeInvoiceStatus(inv.Status, inv.TotalCents, paid)
	if next != inv.Status {
		if err := tx.UpdateInvoiceStatus(ctx, inv.ID, next); err != nil {
			return applied{}, err
		}
	}

	if err := tx.InsertWebhookEvent(ctx, WebhookEvent{
		Provider:       event.Provider,
		EventID:        event.EventID,
		OrganizationID: event.OrganizationID,
		InvoiceID:      inv.ID,
		PaymentID:      payment.ID,
		Payload:        event.Raw,
	}); err != nil {
		return applied{}, err
	}

	if err := tx.InsertAudit(ctx, audit.Entry{
		OrganizationID: event.OrganizationID,
		EntityType:     "invoice",
		EntityID:       inv.ID,
		Action:         "payment_webhook_applied",
		Metadata: map[string]any{
			"provider":     event.Provider,
			"eventId":      event.EventID,
			"paymentId":    payment.ID,
			"eventType":    string(event.Type),
			"paidCents":    paid,
			"statusBefore": string(inv.Status),
			"statusAfter":  string(next),
		},
	}); err != nil {
		return applied{}, err
	}

	return applied{
		result:   Result{Status: ResultProcessed, EventID: event.EventID, PaymentID: payment.ID},
		invoice:  *inv,
		newState: next,
	}, nil
}

// notifyPaid enqueues the invoice-paid notification. The payment is already
// committed, so enqueue failures are only logged.
func (s *Service) notifyPaid(ctx context.Context, event Event, inv Invoice) {
	if s.notifier == nil || inv.ClientUserID == "" {
		return
	}
	dedupeKey := fmt.Sprintf("%s:%s:invoice_paid", event.Provider, event.EventID)
	_, err := s.notifier.EnqueueNotification(ctx, queue.NotificationPayload{
		RecipientUserID: inv.ClientUserID,
		Channel:         queue.ChannelEmail,
		Template:        "invoice-paid",
		Variables: map[string]string{
			"invoiceNumber": inv.Number,
			"paidAt":        event.OccurredAt.Format(time.RFC3339),
		},
	}, dedupeKey)
	if err != nil {
		s.logger.WithContext(ctx).
			WithOrganization(inv.OrganizationID).
			WithEvent(event.EventID).
			WithError(err).
			Warn("Failed to enqueue invoice-paid notification")
	}
}
