// Package reservation enforces non-overlap of time-boxed resource
// reservations (studio bookings and rental orders) per organization.
package reservation

import (
	"time"
)

// Kind selects the reservation family a guard protects.
type Kind string

const (
	KindBooking Kind = "booking"
	KindRental  Kind = "rental"
)

// ConflictCode is the machine-readable code of a ConflictError for k.
func (k Kind) ConflictCode() string {
	if k == KindRental {
		return "RENTAL_CONFLICT"
	}
	return "BOOKING_CONFLICT"
}

func (k Kind) conflictMessage() string {
	if k == KindRental {
		return "Requested rental window overlaps existing reservations"
	}
	return "Requested booking window overlaps existing bookings"
}

// IsActive reports whether status blocks the interval for other reservations.
func (k Kind) IsActive(status string) bool {
	switch k {
	case KindBooking:
		return status == string(BookingDraft) || status == string(BookingConfirmed)
	case KindRental:
		return status == string(RentalReserved) || status == string(RentalPickedUp) || status == string(RentalIncident)
	}
	return false
}

// SharesResource reports whether reservations keyed a and b compete for
// the same slot. An empty booking key is organization-wide and competes
// with every studio.
func (k Kind) SharesResource(a, b string) bool {
	if a == b {
		return true
	}
	return k == KindBooking && (a == "" || b == "")
}

// ActiveStatuses lists the statuses that count toward conflicts.
func (k Kind) ActiveStatuses() []string {
	switch k {
	case KindBooking:
		return []string{string(BookingDraft), string(BookingConfirmed)}
	case KindRental:
		return []string{string(RentalReserved), string(RentalPickedUp), string(RentalIncident)}
	}
	return nil
}

type BookingStatus string

const (
	BookingDraft     BookingStatus = "draft"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

func (s BookingStatus) valid() bool {
	switch s {
	case BookingDraft, BookingConfirmed, BookingCancelled, BookingCompleted:
		return true
	}
	return false
}

type RentalStatus string

const (
	RentalReserved  RentalStatus = "reserved"
	RentalPickedUp  RentalStatus = "picked_up"
	RentalReturned  RentalStatus = "returned"
	RentalIncident  RentalStatus = "incident"
	RentalCancelled RentalStatus = "cancelled"
)

var rentalTransitions = map[RentalStatus][]RentalStatus{
	RentalReserved:  {RentalPickedUp, RentalCancelled},
	RentalPickedUp:  {RentalReturned, RentalIncident},
	RentalIncident:  {RentalReturned, RentalCancelled},
	RentalReturned:  nil,
	RentalCancelled: nil,
}

// CanTransition reports whether a rental may move from s to next.
func (s RentalStatus) CanTransition(next RentalStatus) bool {
	for _, allowed := range rentalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s RentalStatus) valid() bool {
	_, ok := rentalTransitions[s]
	return ok
}

// Interval is the conflict-relevant projection of a booking or rental order.
type Interval struct {
	ID             string
	OrganizationID string
	ResourceKey    string
	StartsAt       time.Time
	EndsAt         time.Time
	Status         string
	Label          string
}

type Booking struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organizationId"`
	StudioKey      string        `json:"studioKey,omitempty"`
	ClientID       string        `json:"clientId,omitempty"`
	Title          string        `json:"title"`
	StartsAt       time.Time     `json:"startsAt"`
	EndsAt         time.Time     `json:"endsAt"`
	Status         BookingStatus `json:"status"`
}

func (b Booking) interval() Interval {
	return Interval{
		ID:             b.ID,
		OrganizationID: b.OrganizationID,
		ResourceKey:    b.StudioKey,
		StartsAt:       b.StartsAt,
		EndsAt:         b.EndsAt,
		Status:         string(b.Status),
		Label:          b.Title,
	}
}

type RentalOrder struct {
	ID              string       `json:"id"`
	OrganizationID  string       `json:"organizationId"`
	InventoryItemID string       `json:"inventoryItemId"`
	ClientID        string       `json:"clientId,omitempty"`
	StartsAt        time.Time    `json:"startsAt"`
	EndsAt          time.Time    `json:"endsAt"`
	Status          RentalStatus `json:"status"`
}

func (r RentalOrder) interval() Interval {
	return Interval{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		ResourceKey:    r.InventoryItemID,
		StartsAt:       r.StartsAt,
		EndsAt:         r.EndsAt,
		Status:         string(r.Status),
		Label:          r.InventoryItemID,
	}
}
