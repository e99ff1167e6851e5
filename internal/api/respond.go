package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/auth"
	"github.com/austindbirch/stagehand/internal/reservation"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {code, message}, or as the full conflict
// payload for reservation conflicts. Unclassified errors become a 500
// without leaking their text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *reservation.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, conflict)
		return
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		writeJSON(w, ae.HTTPStatus(), errorBody{Code: ae.Code, Message: ae.Message})
		return
	}

	s.deps.Logger.WithContext(r.Context()).WithError(err).
		WithField("path", r.URL.Path).Error("Request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: "internal error"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// organization resolves the organization a request acts on. A token's
// organization wins; a request naming a different one is rejected.
func organization(r *http.Request, requested string) (string, error) {
	org, ok := auth.OrganizationFromContext(r.Context())
	if !ok {
		if requested == "" {
			return "", apperr.Validation("organizationId is required")
		}
		return requested, nil
	}
	if requested != "" && requested != org {
		return "", apperr.Unauthorized("token is not scoped to organization %s", requested)
	}
	return org, nil
}

// requireAdmin rejects tokens without the admin claim.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			s.writeError(w, r, apperr.Forbidden("admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", key)
	}
	return n, nil
}
