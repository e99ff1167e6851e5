package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/stagehand/internal/audit"
)

// MemoryStore keeps billing state in process. Transactions are serialized
// and rolled back by restoring a snapshot.
type MemoryStore struct {
	mu       sync.Mutex
	invoices map[string]Invoice
	payments map[string]Payment
	events   map[string]WebhookEvent
	audits   []audit.Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]Invoice),
		payments: make(map[string]Payment),
		events:   make(map[string]WebhookEvent),
	}
}

// PutInvoice seeds or replaces an invoice.
func (s *MemoryStore) PutInvoice(inv Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
}

func (s *MemoryStore) Payments() []Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderRef < out[j].ProviderRef })
	return out
}

func (s *MemoryStore) WebhookEvents() []WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WebhookEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	return out
}

func (s *MemoryStore) Audits() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.audits...)
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memoryTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) GetInvoice(_ context.Context, organizationID, invoiceID string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getInvoice(organizationID, invoiceID)
}

func (s *MemoryStore) ListReminderCandidates(_ context.Context, now time.Time, window time.Duration) ([]ReminderCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ReminderCandidate
	for _, inv := range s.invoices {
		if rt, ok := reminderTypeFor(inv, now, window); ok {
			out = append(out, ReminderCandidate{Invoice: inv, ReminderType: rt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Invoice.DueAt.Before(*out[j].Invoice.DueAt) })
	return out, nil
}

func (s *MemoryStore) getInvoice(organizationID, invoiceID string) (*Invoice, error) {
	inv, ok := s.invoices[invoiceID]
	if !ok || inv.OrganizationID != organizationID {
		return nil, ErrNotFound
	}
	return &inv, nil
}

type memorySnapshot struct {
	invoices map[string]Invoice
	payments map[string]Payment
	events   map[string]WebhookEvent
	audits   int
}

func (s *MemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		invoices: make(map[string]Invoice, len(s.invoices)),
		payments: make(map[string]Payment, len(s.payments)),
		events:   make(map[string]WebhookEvent, len(s.events)),
		audits:   len(s.audits),
	}
	for k, v := range s.invoices {
		snap.invoices[k] = v
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	for k, v := range s.events {
		snap.events[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.invoices = snap.invoices
	s.payments = snap.payments
	s.events = snap.events
	s.audits = s.audits[:snap.audits]
}

type memoryTx struct {
	s *MemoryStore
}

func eventKey(provider, eventID string) string { return provider + ":" + eventID }

func paymentKey(p Payment) string {
	return p.OrganizationID + "|" + p.InvoiceID + "|" + p.Provider + "|" + p.ProviderRef
}

// LockEvent is a no-op: InTx already holds the store mutex.
func (t *memoryTx) LockEvent(context.Context, string, string) error { return nil }

func (t *memoryTx) FindWebhookEvent(_ context.Context, provider, eventID string) (*WebhookEvent, error) {
	e, ok := t.s.events[eventKey(provider, eventID)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memoryTx) GetInvoice(_ context.Context, organizationID, invoiceID string) (*Invoice, error) {
	return t.s.getInvoice(organizationID, invoiceID)
}

func (t *memoryTx) UpsertPayment(_ context.Context, p Payment) (Payment, error) {
	key := paymentKey(p)
	if existing, ok := t.s.payments[key]; ok {
		p.ID = existing.ID
	} else {
		p.ID = uuid.NewString()
	}
	t.s.payments[key] = p
	return p, nil
}

func (t *memoryTx) SumSucceededPayments(_ context.Context, invoiceID string) (int64, error) {
	var sum int64
	for _, p := range t.s.payments {
		if p.InvoiceID == invoiceID && p.Status == PaymentSucceeded {
			sum += p.AmountCents
		}
	}
	return sum, nil
}

func (t *memoryTx) UpdateInvoiceStatus(_ context.Context, invoiceID string, status InvoiceStatus) error {
	inv, ok := t.s.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	t.s.invoices[invoiceID] = inv
	return nil
}

func (t *memoryTx) InsertWebhookEvent(_ context.Context, e WebhookEvent) error {
	t.s.events[eventKey(e.Provider, e.EventID)] = e
	return nil
}

func (t *memoryTx) InsertAudit(_ context.Context, e audit.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t.s.audits = append(t.s.audits, e)
	return nil
}
