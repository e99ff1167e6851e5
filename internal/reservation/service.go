package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/audit"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/metrics"
)

// Service creates and mutates bookings and rental orders, running the
// conflict check and the write inside one resource-locked transaction.
type Service struct {
	store   Store
	metrics *metrics.Metrics
	logger  *logging.Logger
}

func NewService(store Store, m *metrics.Metrics, logger *logging.Logger) *Service {
	return &Service{store: store, metrics: m, logger: logger}
}

type CreateBookingInput struct {
	OrganizationID string    `json:"organizationId"`
	StudioKey      string    `json:"studioKey"`
	ClientID       string    `json:"clientId"`
	Title          string    `json:"title"`
	StartsAt       time.Time `json:"startsAt"`
	EndsAt         time.Time `json:"endsAt"`
}

// UpdateBookingInput holds optional changes; nil fields are left as is.
type UpdateBookingInput struct {
	Title    *string        `json:"title"`
	StartsAt *time.Time     `json:"startsAt"`
	EndsAt   *time.Time     `json:"endsAt"`
	Status   *BookingStatus `json:"status"`
}

type CreateRentalOrderInput struct {
	OrganizationID  string    `json:"organizationId"`
	InventoryItemID string    `json:"inventoryItemId"`
	ClientID        string    `json:"clientId"`
	StartsAt        time.Time `json:"startsAt"`
	EndsAt          time.Time `json:"endsAt"`
}

func (s *Service) CreateBooking(ctx context.Context, in CreateBookingInput) (Booking, error) {
	if in.OrganizationID == "" || strings.TrimSpace(in.Title) == "" {
		return Booking{}, apperr.Validation("organizationId and title are required")
	}
	if err := ValidateWindow(in.StartsAt, in.EndsAt); err != nil {
		return Booking{}, err
	}

	var created Booking
	err := s.store.InResourceTx(ctx, KindBooking, in.OrganizationID, in.StudioKey, func(tx Tx) error {
		guard := NewGuard(KindBooking, tx, s.metrics)
		if err := guard.AssertNoConflicts(ctx, in.OrganizationID, in.StudioKey, in.StartsAt, in.EndsAt, ""); err != nil {
			return err
		}

		var err error
		created, err = tx.InsertBooking(ctx, Booking{
			OrganizationID: in.OrganizationID,
			StudioKey:      in.StudioKey,
			ClientID:       in.ClientID,
			Title:          in.Title,
			StartsAt:       in.StartsAt.UTC(),
			EndsAt:         in.EndsAt.UTC(),
			Status:         BookingDraft,
		})
		if err != nil {
			return err
		}
		return tx.InsertAudit(ctx, audit.Entry{
			OrganizationID: in.OrganizationID,
			EntityType:     "booking",
			EntityID:       created.ID,
			Action:         "booking.created",
			Metadata: map[string]any{
				"startsAt": created.StartsAt,
				"endsAt":   created.EndsAt,
			},
		})
	})
	if err != nil {
		s.logFailure(ctx, in.OrganizationID, "booking", err)
		return Booking{}, err
	}
	return created, nil
}

func (s *Service) UpdateBooking(ctx context.Context, organizationID, id string, in UpdateBookingInput) (Booking, error) {
	if in.Status != nil && !in.Status.valid() {
		return Booking{}, apperr.Validation("invalid booking status %q", *in.Status)
	}

	current, err := s.store.GetBooking(ctx, organizationID, id)
	if errors.Is(err, ErrNotFound) {
		return Booking{}, apperr.NotFound("booking %s not found", id)
	}
	if err != nil {
		return Booking{}, err
	}

	var updated Booking
	err = s.store.InResourceTx(ctx, KindBooking, organizationID, current.StudioKey, func(tx Tx) error {
		existing, err := tx.GetBooking(ctx, organizationID, id)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("booking %s not found", id)
		}
		if err != nil {
			return err
		}

		next := *existing
		var changed []string
		if in.Title != nil {
			next.Title = *in.Title
			changed = append(changed, "title")
		}
		if in.StartsAt != nil {
			next.StartsAt = in.StartsAt.UTC()
			changed = append(changed, "startsAt")
		}
		if in.EndsAt != nil {
			next.EndsAt = in.EndsAt.UTC()
			changed = append(changed, "endsAt")
		}
		if in.Status != nil {
			next.Status = *in.Status
			changed = append(changed, "status")
		}
		if err := ValidateWindow(next.StartsAt, next.EndsAt); err != nil {
			return err
		}

		if KindBooking.IsActive(string(next.Status)) {
			guard := NewGuard(KindBooking, tx, s.metrics)
			if err := guard.AssertNoConflicts(ctx, organizationID, next.StudioKey, next.StartsAt, next.EndsAt, id); err != nil {
				return err
			}
		}

		if err := tx.UpdateBooking(ctx, next); err != nil {
			return err
		}
		updated = next
		return tx.InsertAudit(ctx, audit.Entry{
			OrganizationID: organizationID,
			EntityType:     "booking",
			EntityID:       id,
			Action:         "booking.updated",
			Metadata:       map[string]any{"changed": changed},
		})
	})
	if err != nil {
		s.logFailure(ctx, organizationID, "booking", err)
		return Booking{}, err
	}
	return updated, nil
}

func (s *Service) CreateRentalOrder(ctx context.Context, in CreateRentalOrderInput) (RentalOrder, error) {
	if in.OrganizationID == "" || in.InventoryItemID == "" {
		return RentalOrder{}, apperr.Validation("organizationId and inventoryItemId are required")
	}
	if err := ValidateWindow(in.StartsAt, in.EndsAt); err != nil {
		return RentalOrder{}, err
	}

	var created RentalOrder
	err := s.store.InResourceTx(ctx, KindRental, in.OrganizationID, in.InventoryItemID, func(tx Tx) error {
		guard := NewGuard(KindRental, tx, s.metrics)
		if err := guard.AssertNoConflicts(ctx, in.OrganizationID, in.InventoryItemID, in.StartsAt, in.EndsAt, ""); err != nil {
			return err
		}

		var err error
		created, err = tx.InsertRentalOrder(ctx, RentalOrder{
			OrganizationID:  in.OrganizationID,
			InventoryItemID: in.InventoryItemID,
			ClientID:        in.ClientID,
			StartsAt:        in.StartsAt.UTC(),
			EndsAt:          in.EndsAt.UTC(),
			Status:          RentalReserved,
		})
		if err != nil {
			return err
		}
		return tx.InsertAudit(ctx, audit.Entry{
			OrganizationID: in.OrganizationID,
			EntityType:     "rental_order",
			EntityID:       created.ID,
			Action:         "rental.created",
			Metadata: map[string]any{
				"inventoryItemId": created.InventoryItemID,
				"startsAt":        created.StartsAt,
				"endsAt":          created.EndsAt,
			},
		})
	})
	if err != nil {
		s.logFailure(ctx, in.OrganizationID, "rental", err)
		return RentalOrder{}, err
	}
	return created, nil
}

// UpdateRentalStatus applies one lifecycle transition. Moving to the
// current status is a no-op that writes nothing.
func (s *Service) UpdateRentalStatus(ctx context.Context, organizationID, id string, next RentalStatus) (RentalOrder, error) {
	if !next.valid() {
		return RentalOrder{}, apperr.Validation("invalid rental status %q", next)
	}

	current, err := s.store.GetRentalOrder(ctx, organizationID, id)
	if errors.Is(err, ErrNotFound) {
		return RentalOrder{}, apperr.NotFound("rental order %s not found", id)
	}
	if err != nil {
		return RentalOrder{}, err
	}

	var updated RentalOrder
	err = s.store.InResourceTx(ctx, KindRental, organizationID, current.InventoryItemID, func(tx Tx) error {
		order, err := tx.GetRentalOrder(ctx, organizationID, id)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("rental order %s not found", id)
		}
		if err != nil {
			return err
		}
		if order.Status == next {
			updated = *order
			return nil
		}
		if !order.Status.CanTransition(next) {
			return apperr.Validation("invalid rental status transition: %s -> %s", order.Status, next)
		}

		if err := tx.UpdateRentalStatus(ctx, id, next); err != nil {
			return err
		}
		prev := order.Status
		order.Status = next
		updated = *order
		return tx.InsertAudit(ctx, audit.Entry{
			OrganizationID: organizationID,
			EntityType:     "rental_order",
			EntityID:       id,
			Action:         "rental.status.updated",
			Metadata:       map[string]any{"from": string(prev), "to": string(next)},
		})
	})
	if err != nil {
		s.logFailure(ctx, organizationID, "rental", err)
		return RentalOrder{}, err
	}
	return updated, nil
}

func (s *Service) ListBookings(ctx context.Context, organizationID string) ([]Booking, error) {
	out, err := s.store.ListBookings(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return out, nil
}

func (s *Service) ListRentalOrders(ctx context.Context, organizationID string) ([]RentalOrder, error) {
	out, err := s.store.ListRentalOrders(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list rental orders: %w", err)
	}
	return out, nil
}

func (s *Service) logFailure(ctx context.Context, organizationID, kind string, err error) {
	entry := s.logger.WithContext(ctx).WithOrganization(organizationID).WithField("kind", kind)
	var cerr *ConflictError
	if errors.As(err, &cerr) {
		entry.WithField("conflicts", len(cerr.Conflicts)).Info("Reservation rejected by conflict guard")
		return
	}
	if apperr.HTTPStatus(err) < 500 {
		return
	}
	entry.WithError(err).Error("Reservation write failed")
}
