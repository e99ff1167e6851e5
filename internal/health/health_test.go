package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		checks             []Check
		expectedStatusCode int
		expectedOK         bool
		expectedMessage    string
		expectedFailures   []string
	}{
		{
			name:               "no checks",
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
		},
		{
			name: "all dependencies healthy",
			checks: []Check{
				{Name: "postgres", Ping: ok},
				{Name: "redis", Ping: ok},
			},
			expectedStatusCode: http.StatusOK,
			expectedOK:         true,
			expectedMessage:    "ok",
		},
		{
			name: "database ping failure",
			checks: []Check{
				{Name: "postgres", Ping: func(context.Context) error { return context.DeadlineExceeded }},
				{Name: "redis", Ping: ok},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "dependency check failed",
			expectedFailures:   []string{"postgres"},
		},
		{
			name: "several failures are sorted",
			checks: []Check{
				{Name: "redis", Ping: func(context.Context) error { return errors.New("refused") }},
				{Name: "nsqd", Ping: func(context.Context) error { return errors.New("refused") }},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedOK:         false,
			expectedMessage:    "dependency check failed",
			expectedFailures:   []string{"nsqd", "redis"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler(tt.checks...)

			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Result().Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status.OK != tt.expectedOK {
				t.Errorf("HTTPHandler() Status.OK = %v, want %v", status.OK, tt.expectedOK)
			}
			if status.Message != tt.expectedMessage {
				t.Errorf("HTTPHandler() Status.Message = %q, want %q", status.Message, tt.expectedMessage)
			}
			if len(status.Failures) != len(tt.expectedFailures) {
				t.Fatalf("HTTPHandler() Status.Failures = %v, want %v", status.Failures, tt.expectedFailures)
			}
			for i := range tt.expectedFailures {
				if status.Failures[i] != tt.expectedFailures[i] {
					t.Errorf("HTTPHandler() Status.Failures[%d] = %q, want %q", i, status.Failures[i], tt.expectedFailures[i])
				}
			}
			for _, c := range tt.checks {
				if _, ok := status.Checks[c.Name]; !ok {
					t.Errorf("HTTPHandler() Status.Checks missing %q", c.Name)
				}
			}
		})
	}
}

func TestHTTPHandler_RequestContext(t *testing.T) {
	var deadline time.Time
	handler := HTTPHandler(Check{Name: "postgres", Ping: func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/healthz", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("HTTPHandler() with cancelled context status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if deadline.IsZero() {
		t.Error("check ran without a deadline")
	}
}
