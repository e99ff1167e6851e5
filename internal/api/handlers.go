package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/delivery"
	"github.com/austindbirch/stagehand/internal/queue"
	"github.com/austindbirch/stagehand/internal/reservation"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, apperr.Validation("read webhook body: %v", err))
		return
	}

	res, err := s.deps.Billing.Handle(r.Context(), chi.URLParam(r, "provider"), r.Header.Get(s.deps.SignatureHeader), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listBookings(w http.ResponseWriter, r *http.Request) {
	org, err := organization(r, r.URL.Query().Get("organizationId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bookings, err := s.deps.Reservations.ListBookings(r.Context(), org)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bookings == nil {
		bookings = []reservation.Booking{}
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (s *Server) createBooking(w http.ResponseWriter, r *http.Request) {
	var in reservation.CreateBookingInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	org, err := organization(r, in.OrganizationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in.OrganizationID = org

	b, err := s.deps.Reservations.CreateBooking(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) updateBooking(w http.ResponseWriter, r *http.Request) {
	org, err := organization(r, r.URL.Query().Get("organizationId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in reservation.UpdateBookingInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.deps.Reservations.UpdateBooking(r.Context(), org, chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) listRentals(w http.ResponseWriter, r *http.Request) {
	org, err := organization(r, r.URL.Query().Get("organizationId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	orders, err := s.deps.Reservations.ListRentalOrders(r.Context(), org)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []reservation.RentalOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) createRental(w http.ResponseWriter, r *http.Request) {
	var in reservation.CreateRentalOrderInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	org, err := organization(r, in.OrganizationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in.OrganizationID = org

	o, err := s.deps.Reservations.CreateRentalOrder(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

type rentalStatusRequest struct {
	OrganizationID string                   `json:"organizationId"`
	Status         reservation.RentalStatus `json:"status"`
}

func (s *Server) updateRentalStatus(w http.ResponseWriter, r *http.Request) {
	var in rentalStatusRequest
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	org, err := organization(r, in.OrganizationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	o, err := s.deps.Reservations.UpdateRentalStatus(r.Context(), org, chi.URLParam(r, "id"), in.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type enqueuedResponse struct {
	JobID string     `json:"jobId"`
	Queue queue.Name `json:"queue"`
}

func (s *Server) enqueueReminder(w http.ResponseWriter, r *http.Request) {
	var in queue.InvoiceReminderPayload
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	org, err := organization(r, in.OrganizationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in.OrganizationID = org
	if in.InvoiceID == "" {
		s.writeError(w, r, apperr.Validation("invoiceId is required"))
		return
	}
	switch in.ReminderType {
	case queue.ReminderUpcomingDue, queue.ReminderOverdue:
	default:
		s.writeError(w, r, apperr.Validation("reminderType must be upcoming_due or overdue"))
		return
	}

	id, err := s.deps.Jobs.EnqueueInvoiceReminder(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueuedResponse{JobID: id, Queue: queue.InvoiceReminders})
}

func (s *Server) enqueueMediaJob(w http.ResponseWriter, r *http.Request) {
	var in queue.MediaJobPayload
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.AssetID == "" || in.SourceURL == "" {
		s.writeError(w, r, apperr.Validation("assetId and sourceUrl are required"))
		return
	}
	switch in.Operation {
	case queue.MediaMetadata, queue.MediaThumbnail, queue.MediaProxy:
	default:
		s.writeError(w, r, apperr.Validation("operation must be metadata, thumbnail or proxy"))
		return
	}

	id, err := s.deps.Jobs.EnqueueMediaJob(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueuedResponse{JobID: id, Queue: queue.MediaJobs})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f delivery.Filter
	if name := q.Get("queue"); name != "" {
		n, err := queue.ParseName(name)
		if err != nil {
			s.writeError(w, r, apperr.Validation("%v", err))
			return
		}
		f.Queue = n
	}
	if v := q.Get("includeReplayed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, apperr.Validation("includeReplayed must be a boolean"))
			return
		}
		f.IncludeReplayed = b
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit

	records, err := s.deps.DeadLetters.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []delivery.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.DeadLetters.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
