package reservation

import (
	"context"
	"errors"

	"github.com/austindbirch/stagehand/internal/audit"
)

var ErrNotFound = errors.New("reservation: not found")

// Tx is a transaction holding the lock for one (organization, resource) pair.
type Tx interface {
	IntervalSource
	GetBooking(ctx context.Context, organizationID, id string) (*Booking, error)
	InsertBooking(ctx context.Context, b Booking) (Booking, error)
	UpdateBooking(ctx context.Context, b Booking) error
	GetRentalOrder(ctx context.Context, organizationID, id string) (*RentalOrder, error)
	InsertRentalOrder(ctx context.Context, r RentalOrder) (RentalOrder, error)
	UpdateRentalStatus(ctx context.Context, id string, status RentalStatus) error
	InsertAudit(ctx context.Context, e audit.Entry) error
}

type Store interface {
	// InResourceTx runs fn in a transaction serialized against every other
	// writer of kind whose resource key shares a slot with resourceKey.
	InResourceTx(ctx context.Context, kind Kind, organizationID, resourceKey string, fn func(Tx) error) error
	GetBooking(ctx context.Context, organizationID, id string) (*Booking, error)
	GetRentalOrder(ctx context.Context, organizationID, id string) (*RentalOrder, error)
	ListBookings(ctx context.Context, organizationID string) ([]Booking, error)
	ListRentalOrders(ctx context.Context, organizationID string) ([]RentalOrder, error)
}
