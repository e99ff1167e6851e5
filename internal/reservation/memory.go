package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/stagehand/internal/audit"
)

// MemoryStore serializes all resource transactions behind one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	bookings map[string]Booking
	rentals  map[string]RentalOrder
	audits   []audit.Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]Booking),
		rentals:  make(map[string]RentalOrder),
	}
}

func (s *MemoryStore) InResourceTx(_ context.Context, _ Kind, _, _ string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bookings := make(map[string]Booking, len(s.bookings))
	for k, v := range s.bookings {
		bookings[k] = v
	}
	rentals := make(map[string]RentalOrder, len(s.rentals))
	for k, v := range s.rentals {
		rentals[k] = v
	}
	audits := len(s.audits)

	if err := fn(&memoryTx{s: s}); err != nil {
		s.bookings = bookings
		s.rentals = rentals
		s.audits = s.audits[:audits]
		return err
	}
	return nil
}

func (s *MemoryStore) GetBooking(_ context.Context, organizationID, id string) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBooking(organizationID, id)
}

func (s *MemoryStore) GetRentalOrder(_ context.Context, organizationID, id string) (*RentalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRental(organizationID, id)
}

func (s *MemoryStore) ListBookings(_ context.Context, organizationID string) ([]Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Booking
	for _, b := range s.bookings {
		if b.OrganizationID == organizationID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (s *MemoryStore) ListRentalOrders(_ context.Context, organizationID string) ([]RentalOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RentalOrder
	for _, r := range s.rentals {
		if r.OrganizationID == organizationID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// Audits returns a copy of every audit entry written so far.
func (s *MemoryStore) Audits() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.audits...)
}

func (s *MemoryStore) getBooking(organizationID, id string) (*Booking, error) {
	b, ok := s.bookings[id]
	if !ok || b.OrganizationID != organizationID {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) getRental(organizationID, id string) (*RentalOrder, error) {
	r, ok := s.rentals[id]
	if !ok || r.OrganizationID != organizationID {
		return nil, ErrNotFound
	}
	return &r, nil
}

type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) ListIntervals(_ context.Context, kind Kind, organizationID, resourceKey string, _, _ time.Time) ([]Interval, error) {
	var out []Interval
	switch kind {
	case KindBooking:
		for _, b := range t.s.bookings {
			if b.OrganizationID == organizationID && kind.SharesResource(b.StudioKey, resourceKey) {
				out = append(out, b.interval())
			}
		}
	case KindRental:
		for _, r := range t.s.rentals {
			if r.OrganizationID == organizationID && r.InventoryItemID == resourceKey {
				out = append(out, r.interval())
			}
		}
	}
	return out, nil
}

func (t *memoryTx) GetBooking(_ context.Context, organizationID, id string) (*Booking, error) {
	return t.s.getBooking(organizationID, id)
}

func (t *memoryTx) InsertBooking(_ context.Context, b Booking) (Booking, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	t.s.bookings[b.ID] = b
	return b, nil
}

func (t *memoryTx) UpdateBooking(_ context.Context, b Booking) error {
	if _, ok := t.s.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	t.s.bookings[b.ID] = b
	return nil
}

func (t *memoryTx) GetRentalOrder(_ context.Context, organizationID, id string) (*RentalOrder, error) {
	return t.s.getRental(organizationID, id)
}

func (t *memoryTx) InsertRentalOrder(_ context.Context, r RentalOrder) (RentalOrder, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	t.s.rentals[r.ID] = r
	return r, nil
}

func (t *memoryTx) UpdateRentalStatus(_ context.Context, id string, status RentalStatus) error {
	r, ok := t.s.rentals[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	t.s.rentals[id] = r
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
