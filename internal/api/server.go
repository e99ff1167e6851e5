// Package api exposes the webhook, reservation and dead-letter endpoints
// over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/stagehand/internal/auth"
	"github.com/austindbirch/stagehand/internal/billing"
	"github.com/austindbirch/stagehand/internal/delivery"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/queue"
	"github.com/austindbirch/stagehand/internal/reservation"
)

const DefaultSignatureHeader = "x-provider-signature"

// JobEnqueuer is the producer surface the API needs. *queue.Producer
// satisfies it.
type JobEnqueuer interface {
	EnqueueInvoiceReminder(ctx context.Context, payload queue.InvoiceReminderPayload) (string, error)
	EnqueueMediaJob(ctx context.Context, payload queue.MediaJobPayload) (string, error)
}

// Deps are the collaborators behind the routes. Auth, Health and Metrics
// are optional.
type Deps struct {
	Billing         *billing.Service
	Reservations    *reservation.Service
	DeadLetters     *delivery.Replayer
	Jobs            JobEnqueuer
	Auth            *auth.JWTValidator
	SignatureHeader string
	Health          http.Handler
	Metrics         http.Handler
	Logger          *logging.Logger
}

type Server struct {
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.SignatureHeader == "" {
		deps.SignatureHeader = DefaultSignatureHeader
	}
	return &Server{deps: deps}
}

// Routes builds the router. Webhooks authenticate by signature; every other
// business route sits behind the bearer-token middleware when one is set.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	if s.deps.Health != nil {
		r.Method(http.MethodGet, "/healthz", s.deps.Health)
	}
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Post("/billing/payments/webhook/{provider}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		if s.deps.Auth != nil {
			r.Use(s.deps.Auth.HTTPMiddleware)
		}

		r.Get("/bookings", s.listBookings)
		r.Post("/bookings", s.createBooking)
		r.Patch("/bookings/{id}", s.updateBooking)

		r.Get("/rentals", s.listRentals)
		r.Post("/rentals", s.createRental)
		r.Patch("/rentals/{id}/status", s.updateRentalStatus)

		r.Post("/reminders", s.enqueueReminder)
		r.Post("/media-jobs", s.enqueueMediaJob)

		// Dead letters are not partitioned by organization.
		r.Group(func(r chi.Router) {
			if s.deps.Auth != nil {
				r.Use(s.requireAdmin)
			}
			r.Get("/dead-letters", s.listDeadLetters)
			r.Post("/dead-letters/{id}/replay", s.replayDeadLetter)
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := s.deps.Logger.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
		switch {
		case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
			entry.Debug("HTTP request")
		case ww.Status() >= http.StatusInternalServerError:
			entry.Error("HTTP request failed")
		default:
			entry.Info("HTTP request")
		}
	})
}
