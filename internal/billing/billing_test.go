package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/metrics"
	"github.com/austindbirch/stagehand/internal/queue"
)

const testSecret = "demo-secret"

type sentNotification struct {
	payload   queue.NotificationPayload
	dedupeKey string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) EnqueueNotification(_ context.Context, p queue.NotificationPayload, key string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{payload: p, dedupeKey: key})
	return "notification:" + key, nil
}

type fixture struct {
	store    *MemoryStore
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store.PutInvoice(Invoice{
		ID:             "inv-1",
		OrganizationID: "org-1",
		Number:         "INV-0001",
		Status:         InvoiceIssued,
		TotalCents:     22000,
		DueAt:          &due,
		ClientUserID:   "user-9",
	})

	core, _ := observer.New(zapcore.DebugLevel)
	n := &recordingNotifier{}
	m := metrics.New()
	svc := NewService(store, []Provider{NewHMACProvider("demo", testSecret)}, n, m,
		logging.NewWithCore("billing-test", core))
	return &fixture{store: store, notifier: n, metrics: m, svc: svc}
}

func eventPayload(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"eventId":        "evt-1",
		"type":           "payment.succeeded",
		"organizationId": "org-1",
		"invoiceId":      "inv-1",
		"providerRef":    "ref-1",
		"amountCents":    6000,
		"currency":       "USD",
		"occurredAt":     "2026-02-10T12:00:00Z",
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func (f *fixture) send(t *testing.T, payload []byte) (Result, error) {
	t.Helper()
	return f.svc.Handle(context.Background(), "demo", Sign(testSecret, payload), payload)
}

func (f *fixture) invoiceStatus(t *testing.T) InvoiceStatus {
	t.Helper()
	inv, err := f.store.GetInvoice(context.Background(), "org-1", "inv-1")
	if err != nil {
		t.Fatalf("GetInvoice() error = %v", err)
	}
	return inv.Status
}

func TestComputeInvoiceStatus(t *testing.T) {
	tests := []struct {
		name    string
		current InvoiceStatus
		paid    int64
		want    InvoiceStatus
	}{
		{"nothing paid", InvoiceIssued, 0, InvoiceIssued},
		{"partial", InvoiceIssued, 6000, InvoicePartiallyPaid},
		{"exact", InvoicePartiallyPaid, 22000, InvoicePaid},
		{"overpaid", InvoiceIssued, 30000, InvoicePaid},
		{"refunded back to zero", InvoicePaid, 0, InvoiceIssued},
		{"overdue keeps overdue", InvoiceOverdue, 0, InvoiceOverdue},
		{"overdue partial", InvoiceOverdue, 100, InvoicePartiallyPaid},
		{"cancelled is sticky", InvoiceCancelled, 22000, InvoiceCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeInvoiceStatus(tt.current, 22000, tt.paid); got != tt.want {
				t.Errorf("ComputeInvoiceStatus(%s, 22000, %d) = %s, want %s", tt.current, tt.paid, got, tt.want)
			}
		})
	}
}

func TestHMACProvider_VerifySignature(t *testing.T) {
	p := NewHMACProvider("demo", testSecret)
	payload := []byte(`{"eventId":"evt-1"}`)

	if !p.VerifySignature(Sign(testSecret, payload), payload) {
		t.Error("expected valid signature to verify")
	}
	if !p.VerifySignature("  "+Sign(testSecret, payload)+"\n", payload) {
		t.Error("expected surrounding whitespace to be ignored")
	}
	if p.VerifySignature(Sign("other-secret", payload), payload) {
		t.Error("expected signature under another secret to fail")
	}
	if p.VerifySignature("", payload) {
		t.Error("expected empty signature to fail")
	}
	if p.VerifySignature(Sign(testSecret, payload), []byte(`{"eventId":"evt-2"}`)) {
		t.Error("expected tampered payload to fail")
	}
}

func TestService_Handle_Idempotent(t *testing.T) {
	f := newFixture(t)
	payload := eventPayload(t, nil)

	first, err := f.send(t, payload)
	if err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	if first.Status != ResultProcessed || first.EventID != "evt-1" || first.PaymentID == "" {
		t.Fatalf("first Handle() = %+v", first)
	}

	second, err := f.send(t, payload)
	if err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if second.Status != ResultDuplicate {
		t.Errorf("second status = %q, want %q", second.Status, ResultDuplicate)
	}
	if second.PaymentID != first.PaymentID {
		t.Errorf("duplicate paymentId = %q, want %q", second.PaymentID, first.PaymentID)
	}

	if got := len(f.store.Payments()); got != 1 {
		t.Errorf("payments = %d, want 1", got)
	}
	if got := len(f.store.WebhookEvents()); got != 1 {
		t.Errorf("webhook events = %d, want 1", got)
	}
	if got := len(f.store.Audits()); got != 1 {
		t.Errorf("audit entries = %d, want 1", got)
	}
	if got := f.invoiceStatus(t); got != InvoicePartiallyPaid {
		t.Errorf("invoice status = %s, want %s", got, InvoicePartiallyPaid)
	}
	if got := testutil.ToFloat64(f.metrics.WebhooksTotal.WithLabelValues("demo", ResultProcessed)); got != 1 {
		t.Errorf("processed counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.WebhooksTotal.WithLabelValues("demo", ResultDuplicate)); got != 1 {
		t.Errorf("duplicate counter = %v, want 1", got)
	}
}

func TestService_Handle_ConcurrentDeliveriesSerialize(t *testing.T) {
	f := newFixture(t)
	payload := eventPayload(t, map[string]any{"amountCents": 22000})
	signature := Sign(testSecret, payload)

	const deliveries = 8
	var wg sync.WaitGroup
	results := make(chan Result, deliveries)
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Handle(context.Background(), "demo", signature, payload)
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("Handle() error = %v", err)
	}
	var processed, duplicate int
	paymentIDs := map[string]bool{}
	for res := range results {
		switch res.Status {
		case ResultProcessed:
			processed++
		case ResultDuplicate:
			duplicate++
		}
		paymentIDs[res.PaymentID] = true
	}
	if processed != 1 || duplicate != deliveries-1 {
		t.Errorf("processed=%d duplicate=%d, want 1 and %d", processed, duplicate, deliveries-1)
	}
	if len(paymentIDs) != 1 {
		t.Errorf("payment ids = %v, want one", paymentIDs)
	}
	if got := len(f.store.Payments()); got != 1 {
		t.Errorf("payments = %d, want 1", got)
	}
	if got := len(f.store.WebhookEvents()); got != 1 {
		t.Errorf("webhook events = %d, want 1", got)
	}
	if got := f.invoiceStatus(t); got != InvoicePaid {
		t.Errorf("invoice status = %s, want %s", got, InvoicePaid)
	}
	f.notifier.mu.Lock()
	sent := len(f.notifier.sent)
	f.notifier.mu.Unlock()
	if sent != 1 {
		t.Errorf("notifications = %d, want 1", sent)
	}
}

func TestService_Handle_Recompute(t *testing.T) {
	f := newFixture(t)

	steps := []struct {
		name      string
		overrides map[string]any
		want      InvoiceStatus
	}{
		{
			name:      "first partial payment",
			overrides: map[string]any{"eventId": "evt-1", "providerRef": "ref-1", "amountCents": 6000},
			want:      InvoicePartiallyPaid,
		},
		{
			name:      "remaining balance",
			overrides: map[string]any{"eventId": "evt-2", "providerRef": "ref-2", "amountCents": 16000},
			want:      InvoicePaid,
		},
		{
			name:      "refund of first payment",
			overrides: map[string]any{"eventId": "evt-3", "providerRef": "ref-1", "amountCents": 6000, "type": "payment.refunded"},
			want:      InvoicePartiallyPaid,
		},
		{
			name:      "refund of second payment",
			overrides: map[string]any{"eventId": "evt-4", "providerRef": "ref-2", "amountCents": 16000, "type": "payment.refunded"},
			want:      InvoiceIssued,
		},
	}

	for _, step := range steps {
		res, err := f.send(t, eventPayload(t, step.overrides))
		if err != nil {
			t.Fatalf("%s: Handle() error = %v", step.name, err)
		}
		if res.Status != ResultProcessed {
			t.Fatalf("%s: status = %q", step.name, res.Status)
		}
		if got := f.invoiceStatus(t); got != step.want {
			t.Errorf("%s: invoice status = %s, want %s", step.name, got, step.want)
		}
	}

	// Refunds update the existing payment rows rather than adding new ones.
	if got := len(f.store.Payments()); got != 2 {
		t.Errorf("payments = %d, want 2", got)
	}

	if len(f.notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.sent))
	}
	n := f.notifier.sent[0]
	if n.dedupeKey != "demo:evt-2:invoice_paid" {
		t.Errorf("dedupe key = %q", n.dedupeKey)
	}
	if n.payload.Template != "invoice-paid" || n.payload.RecipientUserID != "user-9" {
		t.Errorf("notification payload = %+v", n.payload)
	}
	if n.payload.Variables["invoiceNumber"] != "INV-0001" {
		t.Errorf("invoiceNumber = %q", n.payload.Variables["invoiceNumber"])
	}
}

func TestService_Handle_PaidAtOnlyOnSuccess(t *testing.T) {
	f := newFixture(t)

	if _, err := f.send(t, eventPayload(t, map[string]any{"type": "payment.failed"})); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	payments := f.store.Payments()
	if len(payments) != 1 {
		t.Fatalf("payments = %d, want 1", len(payments))
	}
	if payments[0].Status != PaymentFailed || payments[0].PaidAt != nil {
		t.Errorf("failed payment = %+v, want no paidAt", payments[0])
	}
	if got := f.invoiceStatus(t); got != InvoiceIssued {
		t.Errorf("invoice status = %s, want issued", got)
	}
}

func TestService_Handle_Errors(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		payload    func(t *testing.T) []byte
		signature  func(payload []byte) string
		wantStatus int
	}{
		{
			name:       "unknown provider",
			provider:   "acme",
			payload:    func(t *testing.T) []byte { return eventPayload(t, nil) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad signature",
			provider:   "demo",
			payload:    func(t *testing.T) []byte { return eventPayload(t, nil) },
			signature:  func(p []byte) string { return Sign("wrong", p) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed json",
			provider:   "demo",
			payload:    func(*testing.T) []byte { return []byte(`{"eventId":`) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing field",
			provider:   "demo",
			payload:    func(t *testing.T) []byte { return eventPayload(t, map[string]any{"providerRef": nil}) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative amount",
			provider:   "demo",
			payload:    func(t *testing.T) []byte { return eventPayload(t, map[string]any{"amountCents": -5}) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "fractional amount",
			provider:   "demo",
			payload:    func(t *testing.T) []byte { return eventPayload(t, map[string]any{"amountCents": 10.5}) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "quoted amount",
			provider:   "demo",
			payload:    func(t *testing.T) []byte { return eventPayload(t, map[string]any{"amountCents": "100"}) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:     "null amount",
			provider: "demo",
			payload: func(t *testing.T) []byte {
				return eventPayload(t, map[string]any{"amountCents": json.RawMessage("null")})
			},
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad timestamp",
			provider:   "demo",
			payload:    func(t *testing.T) []byte { return eventPayload(t, map[string]any{"occurredAt": "yesterday"}) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown event type",
			provider:   "demo",
			payload:    func(t *testing.T) []byte { return eventPayload(t, map[string]any{"type": "payment.disputed"}) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong tenant",
			provider:   "demo",
			payload:    func(t *testing.T) []byte { return eventPayload(t, map[string]any{"organizationId": "org-2"}) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "missing invoice",
			provider:   "demo",
			payload:    func(t *testing.T) []byte { return eventPayload(t, map[string]any{"invoiceId": "inv-404"}) },
			signature:  func(p []byte) string { return Sign(testSecret, p) },
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			payload := tt.payload(t)

			_, err := f.svc.Handle(context.Background(), tt.provider, tt.signature(payload), payload)
			if err == nil {
				t.Fatal("Handle() error = nil")
			}
			if got := apperr.HTTPStatus(err); got != tt.wantStatus {
				t.Errorf("HTTPStatus(%v) = %d, want %d", err, got, tt.wantStatus)
			}
			if got := len(f.store.WebhookEvents()); got != 0 {
				t.Errorf("webhook events = %d, want 0", got)
			}
			if got := len(f.store.Payments()); got != 0 {
				t.Errorf("payments = %d, want 0", got)
			}
		})
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	store := NewMemoryStore()
	store.PutInvoice(Invoice{ID: "inv-1", OrganizationID: "org-1", Status: InvoiceIssued, TotalCents: 100})

	err := store.InTx(context.Background(), func(tx Tx) error {
		ctx := context.Background()
		if _, err := tx.UpsertPayment(ctx, Payment{OrganizationID: "org-1", InvoiceID: "inv-1", ProviderRef: "r", Status: PaymentSucceeded, AmountCents: 100}); err != nil {
			return err
		}
		if err := tx.UpdateInvoiceStatus(ctx, "inv-1", InvoicePaid); err != nil {
			return err
		}
		return apperr.Validation("abort")
	})
	if err == nil {
		t.Fatal("InTx() error = nil")
	}

	if got := len(store.Payments()); got != 0 {
		t.Errorf("payments after rollback = %d, want 0", got)
	}
	inv, _ := store.GetInvoice(context.Background(), "org-1", "inv-1")
	if inv.Status != InvoiceIssued {
		t.Errorf("invoice status after rollback = %s, want issued", inv.Status)
	}
}

func TestMemoryStore_ListReminderCandidates(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	store := NewMemoryStore()
	store.PutInvoice(Invoice{ID: "past-due", OrganizationID: "o", Status: InvoiceIssued, DueAt: at(-24 * time.Hour)})
	store.PutInvoice(Invoice{ID: "soon", OrganizationID: "o", Status: InvoicePartiallyPaid, DueAt: at(48 * time.Hour)})
	store.PutInvoice(Invoice{ID: "later", OrganizationID: "o", Status: InvoiceIssued, DueAt: at(10 * 24 * time.Hour)})
	store.PutInvoice(Invoice{ID: "paid", OrganizationID: "o", Status: InvoicePaid, DueAt: at(-time.Hour)})
	store.PutInvoice(Invoice{ID: "draft", OrganizationID: "o", Status: InvoiceDraft, DueAt: at(time.Hour)})
	store.PutInvoice(Invoice{ID: "no-due", OrganizationID: "o", Status: InvoiceIssued})

	got, err := store.ListReminderCandidates(context.Background(), now, 72*time.Hour)
	if err != nil {
		t.Fatalf("ListReminderCandidates() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2: %+v", len(got), got)
	}
	if got[0].Invoice.ID != "past-due" || got[0].ReminderType != queue.ReminderOverdue {
		t.Errorf("candidate[0] = %s/%s, want past-due/overdue", got[0].Invoice.ID, got[0].ReminderType)
	}
	if got[1].Invoice.ID != "soon" || got[1].ReminderType != queue.ReminderUpcomingDue {
		t.Errorf("candidate[1] = %s/%s, want soon/upcoming_due", got[1].Invoice.ID, got[1].ReminderType)
	}
}
