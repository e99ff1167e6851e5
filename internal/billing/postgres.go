package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/stagehand/internal/audit"
)

// PGStore persists billing state in the stagehand schema.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

const invoiceColumns = `id, organization_id, number, status, total_cents, due_at, COALESCE(client_user_id, '')`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	if err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Number, &inv.Status, &inv.TotalCents, &inv.DueAt, &inv.ClientUserID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *PGStore) GetInvoice(ctx context.Context, organizationID, invoiceID string) (*Invoice, error) {
	return scanInvoice(s.pool.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM stagehand.invoices
		WHERE id = $1 AND organization_id = $2`,
		invoiceID, organizationID,
	))
}

func (s *PGStore) ListReminderCandidates(ctx context.Context, now time.Time, window time.Duration) ([]ReminderCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM stagehand.invoices
		WHERE status IN ('issued', 'partially_paid', 'overdue')
		  AND due_at IS NOT NULL
		  AND due_at <= $1
		ORDER BY due_at ASC`,
		now.Add(window),
	)
	if err != nil {
		return nil, fmt.Errorf("query reminder candidates: %w", err)
	}
	defer rows.Close()

	var out []ReminderCandidate
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		if rt, ok := reminderTypeFor(*inv, now, window); ok {
			out = append(out, ReminderCandidate{Invoice: *inv, ReminderType: rt})
		}
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockEvent(ctx context.Context, provider, eventID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, provider+":"+eventID)
	if err != nil {
		return fmt.Errorf("lock webhook event: %w", err)
	}
	return nil
}

func (t *pgTx) FindWebhookEvent(ctx context.Context, provider, eventID string) (*WebhookEvent, error) {
	var e WebhookEvent
	err := t.tx.QueryRow(ctx, `
		SELECT provider, event_id, organization_id, invoice_id, payment_id, payload
		FROM stagehand.payment_webhook_events
		WHERE provider = $1 AND event_id = $2`,
		provider, eventID,
	).Scan(&e.Provider, &e.EventID, &e.OrganizationID, &e.InvoiceID, &e.PaymentID, &e.Payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find webhook event: %w", err)
	}
	return &e, nil
}

func (t *pgTx) GetInvoice(ctx context.Context, organizationID, invoiceID string) (*Invoice, error) {
	return scanInvoice(t.tx.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM stagehand.invoices
		WHERE id = $1 AND organization_id = $2
		FOR UPDATE`,
		invoiceID, organizationID,
	))
}

func (t *pgTx) UpsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO stagehand.payments(id, organization_id, invoice_id, provider, provider_ref, amount_cents, currency, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id, invoice_id, provider, provider_ref) DO UPDATE
		SET amount_cents = EXCLUDED.amount_cents,
		    currency     = EXCLUDED.currency,
		    status       = EXCLUDED.status,
		    paid_at      = EXCLUDED.paid_at,
		    updated_at   = now()
		RETURNING id`,
		uuid.NewString(), p.OrganizationID, p.InvoiceID, p.Provider, p.ProviderRef,
		p.AmountCents, p.Currency, p.Status, p.PaidAt,
	).Scan(&p.ID)
	if err != nil {
		return Payment{}, fmt.Errorf("upsert payment: %w", err)
	}
	return p, nil
}

func (t *pgTx) SumSucceededPayments(ctx context.Context, invoiceID string) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)::bigint
		FROM stagehand.payments
		WHERE invoice_id = $1 AND status = 'succeeded'`,
		invoiceID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum payments: %w", err)
	}
	return sum, nil
}

func (t *pgTx) UpdateInvoiceStatus(ctx context.Context, invoiceID string, status InvoiceStatus) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE stagehand.invoices SET status = $2, updated_at = now() WHERE id = $1`,
		invoiceID, status,
	)
	if err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertWebhookEvent(ctx context.Context, e WebhookEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stagehand.payment_webhook_events(id, provider, event_id, organization_id, invoice_id, payment_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`,
		uuid.NewString(), e.Provider, e.EventID, e.OrganizationID, e.InvoiceID, e.PaymentID, string(e.Payload),
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (t *pgTx) InsertAudit(ctx context.Context, e audit.Entry) error {
	return audit.Insert(ctx, t.tx, e)
}
