package reservation

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

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// InResourceTx takes transaction-scoped advisory locks before running fn,
// so check-then-insert cannot race another writer on a competing resource.
// Keyed writers hold the organization lock shared and their resource lock
// exclusively. An organization-wide booking holds the organization lock
// exclusively.
func (s *PGStore) InResourceTx(ctx context.Context, kind Kind, organizationID, resourceKey string, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, l := range resourceLocks(kind, organizationID, resourceKey) {
			lockFn := "pg_advisory_xact_lock"
			if l.shared {
				lockFn = "pg_advisory_xact_lock_shared"
			}
			if _, err := tx.Exec(ctx, `SELECT `+lockFn+`(hashtext($1))`, l.key); err != nil {
				return fmt.Errorf("lock resource: %w", err)
			}
		}
		return fn(&pgTx{tx: tx})
	})
}

type advisoryLock struct {
	key    string
	shared bool
}

// resourceLocks lists the locks a writer takes, organization first.
func resourceLocks(kind Kind, organizationID, resourceKey string) []advisoryLock {
	org := string(kind) + ":" + organizationID
	if kind != KindBooking {
		return []advisoryLock{{key: org + ":" + resourceKey}}
	}
	if resourceKey == "" {
		return []advisoryLock{{key: org}}
	}
	return []advisoryLock{{key: org, shared: true}, {key: org + ":" + resourceKey}}
}

// querier is the subset of pgxpool.Pool and pgx.Tx the readers need.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const bookingColumns = `id, organization_id, studio_key, COALESCE(client_id, ''), title, starts_at, ends_at, status`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	if err := row.Scan(&b.ID, &b.OrganizationID, &b.StudioKey, &b.ClientID, &b.Title, &b.StartsAt, &b.EndsAt, &b.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

const rentalColumns = `id, organization_id, inventory_item_id, COALESCE(client_id, ''), starts_at, ends_at, status`

func scanRental(row pgx.Row) (*RentalOrder, error) {
	var r RentalOrder
	if err := row.Scan(&r.ID, &r.OrganizationID, &r.InventoryItemID, &r.ClientID, &r.StartsAt, &r.EndsAt, &r.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func getBooking(ctx context.Context, q querier, organizationID, id string, forUpdate bool) (*Booking, error) {
	sql := `SELECT ` + bookingColumns + ` FROM stagehand.bookings WHERE id = $1 AND organization_id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanBooking(q.QueryRow(ctx, sql, id, organizationID))
}

func getRental(ctx context.Context, q querier, organizationID, id string, forUpdate bool) (*RentalOrder, error) {
	sql := `SELECT ` + rentalColumns + ` FROM stagehand.rental_orders WHERE id = $1 AND organization_id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanRental(q.QueryRow(ctx, sql, id, organizationID))
}

func (s *PGStore) GetBooking(ctx context.Context, organizationID, id string) (*Booking, error) {
	return getBooking(ctx, s.pool, organizationID, id, false)
}

func (s *PGStore) GetRentalOrder(ctx context.Context, organizationID, id string) (*RentalOrder, error) {
	return getRental(ctx, s.pool, organizationID, id, false)
}

func (s *PGStore) ListBookings(ctx context.Context, organizationID string) ([]Booking, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM stagehand.bookings
		WHERE organization_id = $1
		ORDER BY starts_at ASC`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *PGStore) ListRentalOrders(ctx context.Context, organizationID string) ([]RentalOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rentalColumns+`
		FROM stagehand.rental_orders
		WHERE organization_id = $1
		ORDER BY starts_at ASC`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list rental orders: %w", err)
	}
	defer rows.Close()

	var out []RentalOrder
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ListIntervals(ctx context.Context, kind Kind, organizationID, resourceKey string, startsAt, endsAt time.Time) ([]Interval, error) {
	var sql string
	switch kind {
	case KindBooking:
		sql = `
			SELECT id, organization_id, studio_key, starts_at, ends_at, status, title
			FROM stagehand.bookings
			WHERE organization_id = $1 AND ($2 = '' OR studio_key = $2 OR studio_key = '')
			  AND starts_at < $4 AND ends_at > $3
			  AND status = ANY($5)
			ORDER BY starts_at ASC`
	case KindRental:
		sql = `
			SELECT id, organization_id, inventory_item_id, starts_at, ends_at, status, inventory_item_id
			FROM stagehand.rental_orders
			WHERE organization_id = $1 AND inventory_item_id = $2
			  AND starts_at < $4 AND ends_at > $3
			  AND status = ANY($5)
			ORDER BY starts_at ASC`
	default:
		return nil, fmt.Errorf("unknown reservation kind %q", kind)
	}

	rows, err := t.tx.Query(ctx, sql, organizationID, resourceKey, startsAt, endsAt, kind.ActiveStatuses())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.ID, &iv.OrganizationID, &iv.ResourceKey, &iv.StartsAt, &iv.EndsAt, &iv.Status, &iv.Label); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

func (t *pgTx) GetBooking(ctx context.Context, organizationID, id string) (*Booking, error) {
	return getBooking(ctx, t.tx, organizationID, id, true)
}

func (t *pgTx) InsertBooking(ctx context.Context, b Booking) (Booking, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stagehand.bookings(id, organization_id, studio_key, client_id, title, starts_at, ends_at, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		b.ID, b.OrganizationID, b.StudioKey, b.ClientID, b.Title, b.StartsAt, b.EndsAt, b.Status,
	)
	if err != nil {
		return Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	return b, nil
}

func (t *pgTx) UpdateBooking(ctx context.Context, b Booking) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE stagehand.bookings
		SET title = $2, starts_at = $3, ends_at = $4, status = $5, updated_at = now()
		WHERE id = $1`,
		b.ID, b.Title, b.StartsAt, b.EndsAt, b.Status,
	)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) GetRentalOrder(ctx context.Context, organizationID, id string) (*RentalOrder, error) {
	return getRental(ctx, t.tx, organizationID, id, true)
}

func (t *pgTx) InsertRentalOrder(ctx context.Context, r RentalOrder) (RentalOrder, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stagehand.rental_orders(id, organization_id, inventory_item_id, client_id, starts_at, ends_at, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		r.ID, r.OrganizationID, r.InventoryItemID, r.ClientID, r.StartsAt, r.EndsAt, r.Status,
	)
	if err != nil {
		return RentalOrder{}, fmt.Errorf("insert rental order: %w", err)
	}
	return r, nil
}

func (t *pgTx) UpdateRentalStatus(ctx context.Context, id string, status RentalStatus) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE stagehand.rental_orders SET status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("update rental status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertAudit(ctx context.Context, e audit.Entry) error {
	return audit.Insert(ctx, t.tx, e)
}
