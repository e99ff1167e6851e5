package billing

import (
	"encoding/json"
	"time"
)

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceIssued        InvoiceStatus = "issued"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceCancelled     InvoiceStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentRefunded  EventType = "payment.refunded"
)

// PaymentStatus maps an event type onto the payment status it implies.
func (t EventType) PaymentStatus() (PaymentStatus, bool) {
	switch t {
	case EventPaymentSucceeded:
		return PaymentSucceeded, true
	case EventPaymentFailed:
		return PaymentFailed, true
	case EventPaymentRefunded:
		return PaymentRefunded, true
	default:
		return "", false
	}
}

type Invoice struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	Number         string        `json:"number"`
	Status         InvoiceStatus `json:"status"`
	TotalCents     int64         `json:"totalCents"`
	DueAt          *time.Time    `json:"dueAt,omitempty"`
	ClientUserID   string        `json:"clientUserId,omitempty"`
}

type Payment struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	InvoiceID      string        `json:"invoiceId"`
	Provider       string        `json:"provider"`
	ProviderRef    string        `json:"providerRef"`
	AmountCents    int64         `json:"amountCents"`
	Currency       string        `json:"currency"`
	Status         PaymentStatus `json:"status"`
	PaidAt         *time.Time    `json:"paidAt,omitempty"`
}

// WebhookEvent is the idempotency witness for one provider event.
type WebhookEvent struct {
	Provider       string          `json:"provider"`
	EventID        string          `json:"eventId"`
	OrganizationID string          `json:"organizationId"`
	InvoiceID      string          `json:"invoiceId"`
	PaymentID      string          `json:"paymentId"`
	Payload        json.RawMessage `json:"payload"`
}

// Event is a provider webhook normalized for reconciliation.
type Event struct {
	Provider       string
	EventID        string
	Type           EventType
	OrganizationID string
	InvoiceID      string
	ProviderRef    string
	AmountCents    int64
	Currency       string
	OccurredAt     time.Time
	Raw            json.RawMessage
}

// ComputeInvoiceStatus derives an invoice's status from its current status
// and the sum of its succeeded payments. Cancelled invoices stay cancelled;
// an overdue invoice with nothing paid stays overdue.
func ComputeInvoiceStatus(current InvoiceStatus, totalCents, paidCents int64) InvoiceStatus {
	switch {
	case current == InvoiceCancelled:
		return InvoiceCancelled
	case paidCents >= totalCents:
		return InvoicePaid
	case paidCents > 0:
		return InvoicePartiallyPaid
	case current == InvoiceOverdue:
		return InvoiceOverdue
	default:
		return InvoiceIssued
	}
}
